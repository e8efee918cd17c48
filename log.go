package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/terraware/terraware-server-sub014/clock"
)

var (
	ErrJSONCodecRequired = errors.New("events: event log requires the json codec")
	ErrEntryNotFound     = errors.New("events: log entry not found")

	// ErrUnexpectedClass indicates that upgrading a row produced a class
	// outside the requested targets, i.e. the family evolved past the
	// types the caller expected.
	ErrUnexpectedClass = errors.New("events: upgraded class not among requested targets")
)

// Payload field names selected on by the convenience fetch methods.
const (
	organizationField = "organizationId"
	projectField      = "projectId"
)

type fetchOpts struct {
	conds  []fieldCond
	rowID  *int64
	newest bool
	limit  int
}

type fieldCond struct {
	field string
	value string
}

type fetchOptFn func(o *fetchOpts) error

func (f fetchOptFn) fetchOpt(o *fetchOpts) error {
	return f(o)
}

// FetchOption is an option for the event log fetch operations.
type FetchOption interface {
	fetchOpt(o *fetchOpts) error
}

// Where restricts the fetch to rows whose payload has the named top-level
// field equal to the given value.
func Where(field, value string) FetchOption {
	return fetchOptFn(func(o *fetchOpts) error {
		o.conds = append(o.conds, fieldCond{field: field, value: value})
		return nil
	})
}

// Newest orders results newest first instead of the default oldest first.
func Newest() FetchOption {
	return fetchOptFn(func(o *fetchOpts) error {
		o.newest = true
		return nil
	})
}

// Limit caps the number of returned entries.
func Limit(n int) FetchOption {
	return fetchOptFn(func(o *fetchOpts) error {
		if n < 1 {
			return fmt.Errorf("events: limit must be positive, got %d", n)
		}
		o.limit = n
		return nil
	})
}

func byRowID(id int64) FetchOption {
	return fetchOptFn(func(o *fetchOpts) error {
		o.rowID = &id
		return nil
	})
}

// EventLog is the durable, versioned event log. Rows are appended once and
// transparently upgraded to the current version of their family on read.
type EventLog struct {
	db    *sql.DB
	types *Registry
	clock clock.Clock
	log   *slog.Logger
}

const insertEventQuery = `
INSERT INTO event_log (created_by, created_time, event_class, payload)
VALUES ($1, $2, $3, $4) RETURNING id`

// InsertEvent appends the event to the log, recording the acting user and
// the current time, and returns the new row id.
func (l *EventLog) InsertEvent(ctx context.Context, actor string, event Event) (int64, error) {
	class, err := l.types.Lookup(event)
	if err != nil {
		return 0, err
	}

	if v, ok := event.(Validator); ok {
		if err := v.Validate(); err != nil {
			return 0, fmt.Errorf("events: %s: %w", class, err)
		}
	}

	payload, err := l.types.Marshal(event)
	if err != nil {
		return 0, err
	}

	var id int64
	err = l.db.QueryRowContext(ctx, insertEventQuery,
		actor, l.clock.Now().UTC(), class, payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("events: insert %s: %w", class, err)
	}
	return id, nil
}

// rawEntry is a log row before the upgrade engine has run.
type rawEntry struct {
	id          int64
	createdBy   string
	createdTime time.Time
	eventClass  string
	payload     []byte
}

// Fetch returns the entries matching the targets and options, ordered by
// (created_time, id). Each target must resolve to concrete terminal
// classes; see Registry.ExpandTargets. Rows stored under an older
// version of a requested family are upgraded in place before being
// returned.
func (l *EventLog) Fetch(ctx context.Context, targets []any, opts ...FetchOption) ([]*LogEntry, error) {
	var o fetchOpts
	for _, opt := range opts {
		if err := opt.fetchOpt(&o); err != nil {
			return nil, err
		}
	}

	requested, err := l.types.ExpandTargets(targets...)
	if err != nil {
		return nil, err
	}
	classes := l.types.FamilyClasses(requested)

	var q strings.Builder
	q.WriteString(`SELECT id, created_by, created_time, event_class, payload FROM event_log WHERE event_class = ANY($1)`)
	args := []any{pq.Array(classes)}

	for _, c := range o.conds {
		args = append(args, c.field, c.value)
		fmt.Fprintf(&q, ` AND payload ->> $%d = $%d`, len(args)-1, len(args))
	}
	if o.rowID != nil {
		args = append(args, *o.rowID)
		fmt.Fprintf(&q, ` AND id = $%d`, len(args))
	}

	if o.newest {
		q.WriteString(` ORDER BY created_time DESC, id DESC`)
	} else {
		q.WriteString(` ORDER BY created_time, id`)
	}
	if o.limit > 0 {
		q.WriteString(` LIMIT ` + strconv.Itoa(o.limit))
	}

	rows, err := l.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("events: fetch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var raws []rawEntry
	for rows.Next() {
		var r rawEntry
		if err := rows.Scan(&r.id, &r.createdBy, &r.createdTime, &r.eventClass, &r.payload); err != nil {
			return nil, err
		}
		raws = append(raws, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	requestedSet := make(map[string]bool, len(requested))
	for _, c := range requested {
		requestedSet[c] = true
	}

	entries := make([]*LogEntry, 0, len(raws))
	for _, r := range raws {
		ev, err := l.upgradeEntry(ctx, r)
		if err != nil {
			return nil, err
		}
		if class := eventClassName(ev); !requestedSet[class] {
			return nil, fmt.Errorf("%w: row %d upgraded to %s", ErrUnexpectedClass, r.id, class)
		}
		entries = append(entries, &LogEntry{
			ID:          r.id,
			CreatedBy:   r.createdBy,
			CreatedTime: r.createdTime,
			Event:       ev,
		})
	}
	return entries, nil
}

// FetchByID returns the single entry with the given row id.
func (l *EventLog) FetchByID(ctx context.Context, id int64, targets ...any) (*LogEntry, error) {
	entries, err := l.Fetch(ctx, targets, byRowID(id))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: id %d", ErrEntryNotFound, id)
	}
	return entries[0], nil
}

// FetchByOrganization returns the entries whose payload belongs to the
// organization, oldest first.
func (l *EventLog) FetchByOrganization(ctx context.Context, organizationID string, targets ...any) ([]*LogEntry, error) {
	return l.Fetch(ctx, targets, Where(organizationField, organizationID))
}

// FetchByProject returns the entries whose payload belongs to the project,
// oldest first.
func (l *EventLog) FetchByProject(ctx context.Context, projectID string, targets ...any) ([]*LogEntry, error) {
	return l.Fetch(ctx, targets, Where(projectField, projectID))
}

// FetchNewest returns the most recent entry matching the targets and
// options, or ErrEntryNotFound.
func (l *EventLog) FetchNewest(ctx context.Context, targets []any, opts ...FetchOption) (*LogEntry, error) {
	entries, err := l.Fetch(ctx, targets, append(opts, Newest(), Limit(1))...)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}
	return entries[0], nil
}
