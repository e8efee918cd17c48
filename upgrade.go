package events

import (
	"context"
	"fmt"
	"strings"
)

// CircularUpgradeError is returned when an upgrade chain revisits a class.
// This is a programming defect in the chain's ToNextVersion methods, never
// a normal runtime condition.
type CircularUpgradeError struct {
	// Visited lists the classes in the order they were reached, ending
	// with the first repeat.
	Visited []string
}

func (e *CircularUpgradeError) Error() string {
	return fmt.Sprintf("events: circular upgrade chain: %s", strings.Join(e.Visited, " -> "))
}

// The original columns are only filled on the first upgrade of a row; the
// COALESCE reads the pre-update values, so a second upgrade never clobbers
// the true original.
const upgradeWriteQuery = `
UPDATE event_log SET
	original_event_class = COALESCE(original_event_class, event_class),
	original_payload = COALESCE(original_payload, payload),
	event_class = $1,
	payload = $2
WHERE id = $3`

// upgradeEntry deserializes a raw row and walks its upgrade chain until a
// terminal version is reached. If at least one upgrade happened, the row is
// rewritten under the final class. Concurrent upgraders of the same row
// converge to the same content, so the unguarded write is harmless.
func (l *EventLog) upgradeEntry(ctx context.Context, raw rawEntry) (Event, error) {
	ev, err := l.types.UnmarshalType(raw.payload, raw.eventClass)
	if err != nil {
		return nil, fmt.Errorf("events: row %d: %w", raw.id, err)
	}

	seen := make(map[string]bool)
	var visited []string
	upgraded := false

	for {
		up, ok := ev.(Upgradable)
		if !ok {
			break
		}

		class := eventClassName(ev)
		seen[class] = true
		visited = append(visited, class)

		next, err := up.ToNextVersion()
		if err != nil {
			return nil, fmt.Errorf("events: row %d: upgrade %s: %w", raw.id, class, err)
		}

		if nextClass := eventClassName(next); seen[nextClass] {
			return nil, &CircularUpgradeError{Visited: append(visited, nextClass)}
		}

		ev = next
		upgraded = true
	}

	if upgraded {
		payload, err := l.types.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("events: row %d: %w", raw.id, err)
		}
		class := eventClassName(ev)
		if _, err := l.db.ExecContext(ctx, upgradeWriteQuery, class, payload, raw.id); err != nil {
			return nil, fmt.Errorf("events: row %d: rewrite as %s: %w", raw.id, class, err)
		}
		l.log.Debug("upgraded log entry", "id", raw.id, "from", raw.eventClass, "to", class)
	}

	return ev, nil
}
