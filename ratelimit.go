package events

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/terraware/terraware-server-sub014/clock"
	"github.com/terraware/terraware-server-sub014/id"
)

// DefaultSweepInterval is how often Run flushes expired deferrals.
const DefaultSweepInterval = time.Minute

// ErrRateLimitRowLost is returned when a rate-limit row vanishes twice in a
// row during the contended path. The sweep only deletes rows whose window
// expired with nothing pending, so this indicates a broken invariant.
var ErrRateLimitRowLost = errors.New("events: rate limit row vanished twice")

const (
	insertRateLimitQuery = `
INSERT INTO rate_limited_events (event_class, rate_limit_key, next_time)
VALUES ($1, $2, $3) ON CONFLICT (event_class, rate_limit_key) DO NOTHING`

	lockRateLimitQuery = `
SELECT next_time, pending_event FROM rate_limited_events
WHERE event_class = $1 AND rate_limit_key = $2 FOR UPDATE`

	resetWindowQuery = `
UPDATE rate_limited_events SET next_time = $1
WHERE event_class = $2 AND rate_limit_key = $3`

	storePendingQuery = `
UPDATE rate_limited_events SET pending_event = $1
WHERE event_class = $2 AND rate_limit_key = $3`

	sweepSelectQuery = `
SELECT event_class, rate_limit_key, pending_event FROM rate_limited_events
WHERE next_time <= $1 FOR UPDATE SKIP LOCKED`

	sweepFlushQuery = `
UPDATE rate_limited_events SET next_time = $1, pending_event = NULL
WHERE event_class = $2 AND rate_limit_key = $3`

	sweepDeleteQuery = `
DELETE FROM rate_limited_events WHERE event_class = $1 AND rate_limit_key = $2`
)

// Publisher wraps a bus with per-key rate limiting. The first event for a
// key in a window is published immediately; further events within the
// window are coalesced into a single pending event that the sweep delivers
// once the window expires. All coordination happens through the database,
// so any number of processes can run the same code concurrently.
type Publisher struct {
	db    *sql.DB
	types *Registry
	clock clock.Clock
	id    id.ID
	bus   Bus
	log   *slog.Logger
}

// PublishOrDefer publishes the event immediately if its rate-limit window
// is open, otherwise coalesces it into the window's pending slot. Listener
// errors from an immediate publish propagate to the caller.
func (p *Publisher) PublishOrDefer(ctx context.Context, event RateLimited) error {
	class, err := p.types.Lookup(event)
	if err != nil {
		return err
	}

	if v, ok := event.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("events: %s: %w", class, err)
		}
	}

	key, err := p.types.Codec().Marshal(event.RateLimitKey())
	if err != nil {
		return fmt.Errorf("events: %s: marshal rate limit key: %w", class, err)
	}

	// The row can vanish between the failed insert and the row lock if
	// the sweep deletes it in that window; retrying from the insert once
	// is always enough because the fresh insert then wins or a fresh row
	// exists.
	for attempt := 0; attempt < 2; attempt++ {
		now := p.clock.Now().UTC()

		res, err := p.db.ExecContext(ctx, insertRateLimitQuery,
			class, key, now.Add(event.MinimumInterval()))
		if err != nil {
			return fmt.Errorf("events: %s: insert rate limit row: %w", class, err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("events: %s: insert rate limit row: %w", class, err)
		}
		if inserted == 1 {
			return p.bus.Publish(event)
		}

		publish, vanished, err := p.contend(ctx, class, key, event)
		if err != nil {
			return err
		}
		if vanished {
			continue
		}
		if publish {
			return p.bus.Publish(event)
		}
		return nil
	}

	p.log.Error("rate limit row vanished twice in a row", "class", class)
	return fmt.Errorf("%w: %s", ErrRateLimitRowLost, class)
}

// contend handles the case where a rate-limit row already exists for the
// key: lock it, then either restart an expired window (publish now), or
// merge the event into the pending slot (defer).
func (p *Publisher) contend(ctx context.Context, class string, key []byte, event RateLimited) (publish, vanished bool, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("events: %s: begin: %w", class, err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextTime time.Time
	var pending []byte
	err = tx.QueryRowContext(ctx, lockRateLimitQuery, class, key).Scan(&nextTime, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return false, true, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("events: %s: lock rate limit row: %w", class, err)
	}

	now := p.clock.Now().UTC()

	// The window expired but the sweep has not cleaned the row up yet.
	// Restart the window and publish; deferring here would wrongly
	// throttle a fresh event.
	if !nextTime.After(now) {
		if _, err := tx.ExecContext(ctx, resetWindowQuery, now.Add(event.MinimumInterval()), class, key); err != nil {
			return false, false, fmt.Errorf("events: %s: reset window: %w", class, err)
		}
		if err := tx.Commit(); err != nil {
			return false, false, fmt.Errorf("events: %s: commit: %w", class, err)
		}
		return true, false, nil
	}

	combined := event
	if pending != nil {
		prev, err := p.types.UnmarshalType(pending, class)
		if err != nil {
			return false, false, fmt.Errorf("events: %s: decode pending event: %w", class, err)
		}
		prevEvent, ok := prev.(RateLimited)
		if !ok {
			return false, false, fmt.Errorf("events: %s: pending event is not rate limited", class)
		}
		if c, ok := event.(Combiner); ok {
			combined = c.Combine(prevEvent)
		} else {
			combined = prevEvent
		}
	}

	if name := eventClassName(combined); name != class {
		return false, false, fmt.Errorf("events: combine returned %s, want %s", name, class)
	}

	payload, err := p.types.Marshal(combined)
	if err != nil {
		return false, false, err
	}
	if pending == nil || !bytes.Equal(payload, pending) {
		if _, err := tx.ExecContext(ctx, storePendingQuery, payload, class, key); err != nil {
			return false, false, fmt.Errorf("events: %s: store pending event: %w", class, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("events: %s: commit: %w", class, err)
	}
	return false, false, nil
}

type sweptRow struct {
	class   string
	key     []byte
	pending []byte
}

// Sweep flushes every rate-limit row whose window has expired: rows with a
// pending event have their window restarted and the event is published
// after commit, rows without one are deleted. Concurrent sweeps partition
// the due rows between them via SKIP LOCKED.
func (p *Publisher) Sweep(ctx context.Context) error {
	run := p.id.New()
	now := p.clock.Now().UTC()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("events: sweep: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, sweepSelectQuery, now)
	if err != nil {
		return fmt.Errorf("events: sweep: select due rows: %w", err)
	}

	var due []sweptRow
	for rows.Next() {
		var r sweptRow
		if err := rows.Scan(&r.class, &r.key, &r.pending); err != nil {
			_ = rows.Close()
			return fmt.Errorf("events: sweep: %w", err)
		}
		due = append(due, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("events: sweep: %w", err)
	}
	_ = rows.Close()

	var flush []RateLimited
	for _, r := range due {
		if r.pending == nil {
			if _, err := tx.ExecContext(ctx, sweepDeleteQuery, r.class, r.key); err != nil {
				return fmt.Errorf("events: sweep: delete %s: %w", r.class, err)
			}
			continue
		}

		ev, decodeErr := p.types.UnmarshalType(r.pending, r.class)
		var pending RateLimited
		if decodeErr == nil {
			var ok bool
			if pending, ok = ev.(RateLimited); !ok {
				decodeErr = fmt.Errorf("events: %s is not rate limited", r.class)
			}
		}
		if decodeErr != nil {
			// The event is lost either way; deleting the row keeps it
			// from staying pending forever.
			p.log.Error("dropping undecodable pending event",
				"run", run, "class", r.class, "error", decodeErr)
			if _, err := tx.ExecContext(ctx, sweepDeleteQuery, r.class, r.key); err != nil {
				return fmt.Errorf("events: sweep: delete %s: %w", r.class, err)
			}
			continue
		}

		next := now.Add(pending.MinimumInterval())
		if _, err := tx.ExecContext(ctx, sweepFlushQuery, next, r.class, r.key); err != nil {
			return fmt.Errorf("events: sweep: flush %s: %w", r.class, err)
		}
		flush = append(flush, pending)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("events: sweep: commit: %w", err)
	}

	for _, ev := range flush {
		if err := p.bus.Publish(ev); err != nil {
			p.log.Error("listener failed for flushed event",
				"run", run, "class", eventClassName(ev), "error", err)
		}
	}
	return nil
}

// Run drives Sweep on the given interval until the context is canceled.
// An interval of zero or less means DefaultSweepInterval.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.Sweep(ctx); err != nil {
				p.log.Error("sweep failed", "error", err)
			}
		}
	}
}
