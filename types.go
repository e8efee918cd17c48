package events

import "time"

// Validator can be optionally implemented by user-defined event types and
// will be validated in different contexts, such as before appending an
// event to the log or handing it to the publisher.
type Validator interface {
	Validate() error
}

// Event is implemented by every event type that moves through this package.
// All versions of conceptually the same event share a family name and are
// distinguished by a version number starting at 1. Both values are static
// metadata supplied by the type itself; nothing is discovered at runtime.
type Event interface {
	// EventFamily returns the name shared by every version of the event.
	EventFamily() string

	// EventVersion returns this type's version number within the family.
	EventVersion() int
}

// Upgradable is implemented by historical event versions that know how to
// produce the next version of themselves. The latest version of a family
// must not implement this interface. If producing the next version needs
// external data, capture the collaborator in the registry Init closure.
type Upgradable interface {
	Event

	// ToNextVersion returns an event of the next version carrying
	// equivalent or richer information.
	ToNextVersion() (Event, error)
}

// RateLimited is implemented by events whose delivery is throttled so that
// bursts within a time window collapse into a single delivery per window.
type RateLimited interface {
	Event

	// RateLimitKey identifies the throttling bucket, e.g. a user+project
	// pair. It must be serializable with the registry's codec.
	RateLimitKey() any

	// MinimumInterval is the width of the throttling window.
	MinimumInterval() time.Duration
}

// Combiner can be optionally implemented by rate limited events to merge a
// new occurrence into a still-pending deferred one. Without it the pending
// event is kept as is, so the first deferred occurrence wins.
type Combiner interface {
	// Combine merges the receiver with the currently pending event and
	// returns the event that should remain pending. It must return an
	// event of the receiver's own class.
	Combine(pending RateLimited) RateLimited
}

// Bus is the outbound delivery seam. Publish invokes all registered
// listeners synchronously on the calling goroutine.
type Bus interface {
	Publish(Event) error
}

// LogEntry is a row read back from the event log, already upgraded to the
// current version of its family.
type LogEntry struct {
	// ID of the log row, assigned by the database in insertion order.
	ID int64

	// CreatedBy is the actor that inserted the event.
	CreatedBy string

	// CreatedTime is when the event was inserted.
	CreatedTime time.Time

	// Event is the current-version event.
	Event Event
}
