// Package bus provides an in-process synchronous event bus. Listeners are
// invoked on the publishing goroutine in subscription order; queued or
// cross-process delivery is out of scope.
package bus

import (
	"sync"
	"time"

	events "github.com/terraware/terraware-server-sub014"
	"github.com/terraware/terraware-server-sub014/clock"
	"github.com/terraware/terraware-server-sub014/id"
)

// Delivery wraps a published event with a unique delivery id and the
// publish time, for listener-side logging and de-duplication.
type Delivery struct {
	ID    string
	Time  time.Time
	Event events.Event
}

// Listener handles one delivery. Returning an error stops the delivery of
// the event to the remaining listeners and propagates to the publisher.
type Listener func(Delivery) error

type busOption func(b *InProcess) error

func (f busOption) addOption(b *InProcess) error {
	return f(b)
}

// Option models an option when creating a bus.
type Option interface {
	addOption(b *InProcess) error
}

// ID sets the delivery id generator. Default is id.NUID.
func ID(id id.ID) Option {
	return busOption(func(b *InProcess) error {
		b.id = id
		return nil
	})
}

// Clock sets a clock implementation. Default is clock.Time.
func Clock(clock clock.Clock) Option {
	return busOption(func(b *InProcess) error {
		b.clock = clock
		return nil
	})
}

// InProcess is an in-process bus implementing events.Bus.
type InProcess struct {
	id    id.ID
	clock clock.Clock

	mu        sync.RWMutex
	listeners []Listener
}

// New initializes an in-process bus.
func New(opts ...Option) (*InProcess, error) {
	b := &InProcess{
		id:    id.NUID,
		clock: clock.Time,
	}

	for _, o := range opts {
		if err := o.addOption(b); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Subscribe registers a listener for all subsequent publishes.
func (b *InProcess) Subscribe(fn Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Publish delivers the event to every listener synchronously, stopping at
// the first listener error.
func (b *InProcess) Publish(ev events.Event) error {
	d := Delivery{
		ID:    b.id.New(),
		Time:  b.clock.Now(),
		Event: ev,
	}

	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, fn := range listeners {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}
