/*
Package events is a durable, versioned event log combined with a
rate-limiting event delivery layer, both built directly on a relational
database with no external broker.

# Setup

Declare the event types once in a registry, then initialize an Events
instance with a Postgres database handle.

	types, err := events.NewRegistry([]*events.Type{
		{Init: func() events.Event { return &SeedlingBatchCreatedV1{} }},
		{Init: func() events.Event { return &SeedlingBatchCreatedV2{} }},
	})

	e, err := events.New(db, events.TypeRegistry(types))

# Event log

Append an event, naming the acting user explicitly.

	id, err := log.InsertEvent(ctx, "user-5", &SeedlingBatchCreatedV2{...})

Fetch events back by concrete terminal class; rows still stored under an
older version are upgraded transparently and rewritten in place, keeping
the originally written class and payload in dedicated columns.

	entries, err := log.FetchByProject(ctx, "301", &SeedlingBatchCreatedV2{})

# Rate-limited publishing

The publisher delivers the first event for a key immediately and coalesces
later occurrences within the key's minimum interval into a single pending
event. A periodic sweep flushes expired deferrals.

	p := e.Publisher(bus)
	err := p.PublishOrDefer(ctx, &ObservationUpdated{...})
	go p.Run(ctx, events.DefaultSweepInterval)
*/
package events
