package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"sla_framework/internal/store"
)

// Entity names the record types tracked by the completion ledger.
type Entity string

const (
	EntityCalls  Entity = "calls"
	EntityEvents Entity = "events"
)

// Entities lists every type a day must have loaded before it counts as
// complete.
var Entities = []Entity{EntityCalls, EntityEvents}

func (e Entity) column() string {
	switch e {
	case EntityCalls:
		return "calls_loaded"
	case EntityEvents:
		return "events_loaded"
	}
	return ""
}

const dayFormat = "2006-01-02"

// DayKey formats a timestamp as its UTC calendar day.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayFormat)
}

// ParseDay parses a ledger day key back into a UTC midnight timestamp.
func ParseDay(key string) (time.Time, error) {
	return time.ParseInLocation(dayFormat, key, time.UTC)
}

// Tracker is the bookkeeping layer over the per-day ledger. It knows nothing
// about reports; the ingestor and the oracle both sit on top of it.
type Tracker struct {
	store *store.Store
	now   func() time.Time
}

func NewTracker(st *store.Store, now func() time.Time) *Tracker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{store: st, now: now}
}

func (t *Tracker) FindOrCreate(ctx context.Context, day time.Time) (*store.LedgerEntry, error) {
	return t.store.FindOrCreateLedger(ctx, DayKey(day), t.now())
}

func (t *Tracker) IsComplete(ctx context.Context, entity Entity, day time.Time) (bool, error) {
	entry, err := t.store.FindLedger(ctx, DayKey(day))
	if err != nil || entry == nil {
		return false, err
	}
	switch entity {
	case EntityCalls:
		return entry.CallsLoaded, nil
	case EntityEvents:
		return entry.EventsLoaded, nil
	}
	return false, fmt.Errorf("unknown entity %q", entity)
}

// MarkComplete sets the entity flag for a day. Records only count as loaded
// once a whole day has landed, so the current day is refused: it is a no-op,
// not an error, and the flag stays false until the first run after midnight.
func (t *Tracker) MarkComplete(ctx context.Context, entity Entity, day time.Time) error {
	col := entity.column()
	if col == "" {
		return fmt.Errorf("unknown entity %q", entity)
	}
	if !strictlyPast(day, t.now()) {
		log.Printf("ledger: refusing to close %s for current or future day %s", entity, DayKey(day))
		return nil
	}
	return t.store.SetLedgerFlag(ctx, DayKey(day), col, t.now())
}

// Touch bumps last_updated without changing flags.
func (t *Tracker) Touch(ctx context.Context, day time.Time) error {
	return t.store.TouchLedger(ctx, DayKey(day), t.now())
}

func strictlyPast(day, now time.Time) bool {
	return DayKey(day) < DayKey(now)
}

// Requester enqueues a load for one entity/day pair. Implemented by the job
// runner; duplicate requests collapse on the job's stable identity.
type Requester interface {
	RequestDayLoad(ctx context.Context, entity string, day time.Time) error
}

// Oracle answers interval completeness questions over the ledger. Both
// methods are cheap reads so report attempts can call them every time.
type Oracle struct {
	tracker   *Tracker
	requester Requester
}

func NewOracle(tracker *Tracker, requester Requester) *Oracle {
	return &Oracle{tracker: tracker, requester: requester}
}

// IntervalLoaded reports whether every calendar day overlapping [start, end)
// has every entity type marked complete.
func (o *Oracle) IntervalLoaded(ctx context.Context, start, end time.Time) (bool, error) {
	for _, day := range DaysOverlapping(start, end) {
		for _, entity := range Entities {
			done, err := o.tracker.IsComplete(ctx, entity, day)
			if err != nil {
				return false, err
			}
			if !done {
				return false, nil
			}
		}
	}
	return true, nil
}

// RequestLoad enqueues a load job for each incomplete day/entity pair in the
// interval. Re-requesting an already-queued pair is harmless.
func (o *Oracle) RequestLoad(ctx context.Context, start, end time.Time) error {
	for _, day := range DaysOverlapping(start, end) {
		if _, err := o.tracker.FindOrCreate(ctx, day); err != nil {
			return err
		}
		for _, entity := range Entities {
			done, err := o.tracker.IsComplete(ctx, entity, day)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			if err := o.requester.RequestDayLoad(ctx, string(entity), day); err != nil {
				return err
			}
		}
	}
	return nil
}

// DaysOverlapping enumerates the UTC calendar days touched by [start, end).
func DaysOverlapping(start, end time.Time) []time.Time {
	start = start.UTC()
	end = end.UTC()
	if !start.Before(end) {
		return nil
	}
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	var out []time.Time
	for day.Before(end) {
		out = append(out, day)
		day = day.Add(24 * time.Hour)
	}
	return out
}
