package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"sla_framework/internal/ledger"
	"sla_framework/internal/sla"
	"sla_framework/internal/store"
)

// ErrDelay means the report's interval is not fully loaded yet. The build is
// deferred, not failed: the missing day loads have been requested and the
// caller should try again later.
var ErrDelay = errors.New("report interval not fully loaded")

// Builder constructs SLA reports once the oracle confirms their range is
// complete. Exact ranges are idempotent: a range that already has data is
// returned as-is, never recomputed.
type Builder struct {
	store     *store.Store
	oracle    *ledger.Oracle
	aggregate sla.Aggregator
	now       func() time.Time
}

func NewBuilder(st *store.Store, oracle *ledger.Oracle, aggregate sla.Aggregator, now func() time.Time) *Builder {
	if aggregate == nil {
		aggregate = sla.Build
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Builder{store: st, oracle: oracle, aggregate: aggregate, now: now}
}

// Build looks up or creates the report row for the exact range, then either
// returns the cached result, defers with ErrDelay while day loads land, or
// computes and persists the aggregate. The data write and the completion
// stamp are two separate commits: a crash between them leaves data readable
// with completed_on still pending, which the next attempt repairs.
func (b *Builder) Build(ctx context.Context, start, end time.Time) (*store.Report, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("bad report range: start %s not before end %s", start, end)
	}
	start = start.UTC()
	end = end.UTC()

	rep, err := b.store.FindOrCreateReport(ctx, start, end, b.now())
	if err != nil {
		return nil, err
	}
	if rep.Data != nil {
		log.Printf("report: exists for %s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
		if rep.CompletedOn == nil {
			// Crash landed between the two finishing commits; stamp it now.
			if err := b.store.SetReportCompleted(ctx, start, end, b.now()); err != nil {
				return nil, err
			}
			rep, err = b.store.FindReport(ctx, start, end)
			if err != nil {
				return nil, err
			}
		}
		return rep, nil
	}

	// Record that a build was attempted before gating on completeness.
	if err := b.store.TouchReport(ctx, start, end, b.now()); err != nil {
		return nil, err
	}

	loaded, err := b.oracle.IntervalLoaded(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if !loaded {
		log.Printf("report: data not loaded for %s to %s, requesting loads", start.Format(time.RFC3339), end.Format(time.RFC3339))
		if err := b.oracle.RequestLoad(ctx, start, end); err != nil {
			return nil, err
		}
		return nil, ErrDelay
	}

	// The aggregation runs over its own read-only snapshot; no write
	// transaction stays open across it.
	calls, err := b.store.CallsInRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	events, err := b.store.EventsInRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	data, err := b.aggregate(start, end, calls, events)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s to %s: %w", start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	if err := b.store.SetReportData(ctx, start, end, string(payload), b.now()); err != nil {
		return nil, err
	}
	if err := b.store.SetReportCompleted(ctx, start, end, b.now()); err != nil {
		return nil, err
	}
	log.Printf("report: completed %s to %s (%d calls)", start.Format(time.RFC3339), end.Format(time.RFC3339), data.TotalCalls)
	return b.store.FindReport(ctx, start, end)
}
