package ledger_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sla_framework/internal/ledger"
	"sla_framework/internal/store"
)

var testNow = time.Date(2024, 1, 11, 8, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) (*ledger.Tracker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return ledger.NewTracker(st, func() time.Time { return testNow }), st
}

type recordingRequester struct {
	requests []string
}

func (r *recordingRequester) RequestDayLoad(_ context.Context, entity string, day time.Time) error {
	r.requests = append(r.requests, fmt.Sprintf("%s:%s", entity, ledger.DayKey(day)))
	return nil
}

func day(s string) time.Time {
	d, err := ledger.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMarkCompletePastDay(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.FindOrCreate(ctx, day("2024-01-10"))
	require.NoError(t, err)
	require.NoError(t, tracker.MarkComplete(ctx, ledger.EntityCalls, day("2024-01-10")))

	done, err := tracker.IsComplete(ctx, ledger.EntityCalls, day("2024-01-10"))
	require.NoError(t, err)
	assert.True(t, done)

	// The other entity is independent.
	done, err = tracker.IsComplete(ctx, ledger.EntityEvents, day("2024-01-10"))
	require.NoError(t, err)
	assert.False(t, done)
}

func TestMarkCompleteRefusesToday(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.FindOrCreate(ctx, day("2024-01-11"))
	require.NoError(t, err)
	// No error, no effect: today never closes.
	require.NoError(t, tracker.MarkComplete(ctx, ledger.EntityCalls, day("2024-01-11")))

	done, err := tracker.IsComplete(ctx, ledger.EntityCalls, day("2024-01-11"))
	require.NoError(t, err)
	assert.False(t, done)
}

func TestMarkCompleteRefusesFuture(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.FindOrCreate(ctx, day("2024-02-01"))
	require.NoError(t, err)
	require.NoError(t, tracker.MarkComplete(ctx, ledger.EntityEvents, day("2024-02-01")))

	done, err := tracker.IsComplete(ctx, ledger.EntityEvents, day("2024-02-01"))
	require.NoError(t, err)
	assert.False(t, done)
}

func TestIsCompleteUnknownDay(t *testing.T) {
	tracker, _ := newTestTracker(t)
	done, err := tracker.IsComplete(context.Background(), ledger.EntityCalls, day("2020-05-05"))
	require.NoError(t, err)
	assert.False(t, done)
}

func TestDaysOverlapping(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	days := ledger.DaysOverlapping(start, end)
	require.Len(t, days, 2)
	assert.Equal(t, "2024-01-01", ledger.DayKey(days[0]))
	assert.Equal(t, "2024-01-02", ledger.DayKey(days[1]))

	// A range ending mid-day still covers that day.
	days = ledger.DaysOverlapping(start, end.Add(6*time.Hour))
	require.Len(t, days, 3)
	assert.Equal(t, "2024-01-03", ledger.DayKey(days[2]))

	assert.Empty(t, ledger.DaysOverlapping(end, start))
}

func TestIntervalLoadedRequiresEveryDayAndEntity(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()
	oracle := ledger.NewOracle(tracker, &recordingRequester{})

	start := day("2024-01-01")
	end := day("2024-01-03")

	for _, d := range []string{"2024-01-01", "2024-01-02"} {
		_, err := tracker.FindOrCreate(ctx, day(d))
		require.NoError(t, err)
	}
	require.NoError(t, tracker.MarkComplete(ctx, ledger.EntityCalls, day("2024-01-01")))
	require.NoError(t, tracker.MarkComplete(ctx, ledger.EntityEvents, day("2024-01-01")))
	require.NoError(t, tracker.MarkComplete(ctx, ledger.EntityCalls, day("2024-01-02")))

	loaded, err := oracle.IntervalLoaded(ctx, start, end)
	require.NoError(t, err)
	assert.False(t, loaded, "events missing for 2024-01-02")

	require.NoError(t, tracker.MarkComplete(ctx, ledger.EntityEvents, day("2024-01-02")))
	loaded, err = oracle.IntervalLoaded(ctx, start, end)
	require.NoError(t, err)
	assert.True(t, loaded)
}

func TestRequestLoadEnqueuesOnlyMissingPairs(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()
	req := &recordingRequester{}
	oracle := ledger.NewOracle(tracker, req)

	_, err := tracker.FindOrCreate(ctx, day("2024-01-01"))
	require.NoError(t, err)
	require.NoError(t, tracker.MarkComplete(ctx, ledger.EntityCalls, day("2024-01-01")))
	require.NoError(t, tracker.MarkComplete(ctx, ledger.EntityEvents, day("2024-01-01")))

	require.NoError(t, oracle.RequestLoad(ctx, day("2024-01-01"), day("2024-01-03")))
	assert.Equal(t, []string{
		"calls:2024-01-02",
		"events:2024-01-02",
	}, req.requests)
}
