package loader

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sla_framework/internal/ledger"
	"sla_framework/internal/source"
	"sla_framework/internal/store"
)

var testNow = time.Date(2024, 1, 11, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	calls      []source.Call
	events     []source.Event
	err        error
	callFetch  int
	eventFetch int
}

func (f *fakeSource) FetchCalls(_ context.Context, _ time.Time) ([]source.Call, error) {
	f.callFetch++
	return f.calls, f.err
}

func (f *fakeSource) FetchEvents(_ context.Context, _ time.Time) ([]source.Event, error) {
	f.eventFetch++
	return f.events, f.err
}

func (f *fakeSource) Close() error { return nil }

func newTestLoader(t *testing.T, src *fakeSource) (*Loader, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	now := func() time.Time { return testNow }
	tracker := ledger.NewTracker(st, now)
	return New(st, src, tracker, now), st
}

func threeCalls(day time.Time) []source.Call {
	var out []source.Call
	for i := int64(1); i <= 3; i++ {
		out = append(out, source.Call{
			CallID:        i,
			CallDirection: 1,
			StartTime:     day.Add(time.Duration(i) * time.Hour),
			EndTime:       day.Add(time.Duration(i)*time.Hour + 5*time.Minute),
		})
	}
	return out
}

func TestLoadPastDayThenIdempotentRerun(t *testing.T) {
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{calls: threeCalls(day)}
	ld, st := newTestLoader(t, src)
	ctx := context.Background()

	res, err := ld.LoadForDay(ctx, ledger.EntityCalls, day)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res != Loaded {
		t.Fatalf("expected Loaded, got %v", res)
	}
	rows, err := st.CallsInRange(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	entry, err := st.FindLedger(ctx, "2024-01-10")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.CallsLoaded {
		t.Fatal("expected calls_loaded true for a strictly past day")
	}

	// Re-run with the same source: short-circuit, no fetch, no new rows.
	res, err = ld.LoadForDay(ctx, ledger.EntityCalls, day)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if res != AlreadyLoaded {
		t.Fatalf("expected AlreadyLoaded, got %v", res)
	}
	if src.callFetch != 1 {
		t.Fatalf("expected one source fetch, got %d", src.callFetch)
	}
	rows, err = st.CallsInRange(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected local state unchanged, got %d rows", len(rows))
	}
}

func TestLoadTodayWritesRowsButNeverCloses(t *testing.T) {
	today := time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{calls: threeCalls(today)}
	ld, st := newTestLoader(t, src)
	ctx := context.Background()

	res, err := ld.LoadForDay(ctx, ledger.EntityCalls, today)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res != Loaded {
		t.Fatalf("expected Loaded, got %v", res)
	}
	entry, err := st.FindLedger(ctx, "2024-01-11")
	if err != nil {
		t.Fatal(err)
	}
	if entry.CallsLoaded {
		t.Fatal("today must never be marked complete")
	}

	// Re-running today is not a no-op: the day keeps accumulating.
	if _, err := ld.LoadForDay(ctx, ledger.EntityCalls, today); err != nil {
		t.Fatal(err)
	}
	if src.callFetch != 2 {
		t.Fatalf("expected re-fetch for today, got %d fetches", src.callFetch)
	}
	rows, err := st.CallsInRange(ctx, today, today.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected no duplicates after re-fetch, got %d rows", len(rows))
	}
}

func TestLoadEventsForDay(t *testing.T) {
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{events: []source.Event{
		{EventID: 1, EventType: 4, CallID: 1, StartTime: day.Add(time.Hour), EndTime: day.Add(time.Hour + time.Minute)},
		{EventID: 0, EventType: 4, CallID: 2, StartTime: day.Add(2 * time.Hour), EndTime: day.Add(2*time.Hour + time.Minute)},
	}}
	ld, st := newTestLoader(t, src)
	ctx := context.Background()

	if _, err := ld.LoadForDay(ctx, ledger.EntityEvents, day); err != nil {
		t.Fatalf("load: %v", err)
	}
	rows, err := st.EventsInRange(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].EventID != 1 {
		t.Fatalf("expected only the keyed event persisted, got %v", rows)
	}
	entry, err := st.FindLedger(ctx, "2024-01-10")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.EventsLoaded || entry.CallsLoaded {
		t.Fatalf("expected only events_loaded set, got %+v", entry)
	}
}

func TestSourceFailureLeavesFlagUnset(t *testing.T) {
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{err: errors.New("connection refused")}
	ld, st := newTestLoader(t, src)
	ctx := context.Background()

	if _, err := ld.LoadForDay(ctx, ledger.EntityCalls, day); err == nil {
		t.Fatal("expected error from failing source")
	}
	entry, err := st.FindLedger(ctx, "2024-01-10")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.CallsLoaded {
		t.Fatalf("flag must stay unset after a failed load, got %+v", entry)
	}
}
