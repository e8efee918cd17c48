package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/terraware/terraware-server-sub014/clock"
	"github.com/terraware/terraware-server-sub014/id"
)

var ErrTypeRegistryRequired = errors.New("events: type registry required")

type eventsOption func(o *Events) error

func (f eventsOption) addOption(o *Events) error {
	return f(o)
}

// Option models an option when creating an Events instance.
type Option interface {
	addOption(o *Events) error
}

// TypeRegistry sets the type registry. It is required.
func TypeRegistry(types *Registry) Option {
	return eventsOption(func(o *Events) error {
		o.types = types
		return nil
	})
}

// Clock sets a clock implementation. Default is clock.Time.
func Clock(clock clock.Clock) Option {
	return eventsOption(func(o *Events) error {
		o.clock = clock
		return nil
	})
}

// ID sets a unique ID generator implementation. Default is id.NUID.
func ID(id id.ID) Option {
	return eventsOption(func(o *Events) error {
		o.id = id
		return nil
	})
}

// Logger sets the logger. Default is slog.Default().
func Logger(log *slog.Logger) Option {
	return eventsOption(func(o *Events) error {
		o.log = log
		return nil
	})
}

// Events is the entry point holding the database handle and the shared
// dependencies of the event log and the rate-limited publisher.
type Events struct {
	db *sql.DB

	types *Registry
	clock clock.Clock
	id    id.ID
	log   *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	id BIGSERIAL PRIMARY KEY,
	created_by TEXT NOT NULL,
	created_time TIMESTAMPTZ NOT NULL,
	event_class TEXT NOT NULL,
	payload JSONB NOT NULL,
	original_event_class TEXT,
	original_payload JSONB
);

CREATE TABLE IF NOT EXISTS rate_limited_events (
	event_class TEXT NOT NULL,
	rate_limit_key BYTEA NOT NULL,
	next_time TIMESTAMPTZ NOT NULL,
	pending_event BYTEA,
	PRIMARY KEY (event_class, rate_limit_key)
);
`

// InitSchema creates the tables if they do not exist.
func (e *Events) InitSchema(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, schema)
	return err
}

// EventLog returns the durable event log store. The log persists payloads
// as queryable JSON documents, so the registry codec must be JSON.
func (e *Events) EventLog() (*EventLog, error) {
	if name := e.types.Codec().Name(); name != "json" {
		return nil, fmt.Errorf("%w: registry codec is %s", ErrJSONCodecRequired, name)
	}
	return &EventLog{
		db:    e.db,
		types: e.types,
		clock: e.clock,
		log:   e.log.With("component", "eventlog"),
	}, nil
}

// Publisher returns a rate-limited publisher delivering on the given bus.
func (e *Events) Publisher(bus Bus) *Publisher {
	return &Publisher{
		db:    e.db,
		types: e.types,
		clock: e.clock,
		id:    e.id,
		bus:   bus,
		log:   e.log.With("component", "ratelimit"),
	}
}

// New initializes a new Events instance on top of a database handle.
func New(db *sql.DB, opts ...Option) (*Events, error) {
	e := &Events{
		db:    db,
		clock: clock.Time,
		id:    id.NUID,
		log:   slog.Default(),
	}

	for _, o := range opts {
		if err := o.addOption(e); err != nil {
			return nil, err
		}
	}

	if e.types == nil {
		return nil, ErrTypeRegistryRequired
	}

	return e, nil
}
