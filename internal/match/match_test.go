package match

import (
	"testing"
	"time"

	"sla_framework/internal/source"
)

func call(id int64) source.Call {
	return source.Call{
		CallID:    id,
		StartTime: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 1, 10, 9, 5, 0, 0, time.UTC),
	}
}

func TestNewCallsRejectsMissingKeyWithoutAbortingBatch(t *testing.T) {
	var candidates []source.Call
	for i := int64(1); i <= 9; i++ {
		candidates = append(candidates, call(i))
	}
	candidates = append(candidates, call(0))

	fresh, sum, err := NewCalls(func(int64) (bool, error) { return false, nil }, candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fresh) != 9 {
		t.Fatalf("expected 9 new records, got %d", len(fresh))
	}
	if sum.Rejected != 1 {
		t.Fatalf("expected 1 rejection, got %d", sum.Rejected)
	}
	if sum.New != 9 || sum.Total != 10 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestNewCallsSkipsExistingAndPreservesOrder(t *testing.T) {
	candidates := []source.Call{call(3), call(1), call(2)}
	existing := map[int64]bool{1: true}

	fresh, sum, err := NewCalls(func(id int64) (bool, error) { return existing[id], nil }, candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fresh) != 2 || fresh[0].CallID != 3 || fresh[1].CallID != 2 {
		t.Fatalf("expected [3 2] in input order, got %v", fresh)
	}
	if sum.Existing != 1 {
		t.Fatalf("expected 1 existing, got %d", sum.Existing)
	}
}

func TestNewEventsRejectsMissingKey(t *testing.T) {
	candidates := []source.Event{
		{EventID: 11, EventType: 4, CallID: 1},
		{EventID: 0, EventType: 4, CallID: 1},
	}
	fresh, sum, err := NewEvents(func(int64) (bool, error) { return false, nil }, candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fresh) != 1 || fresh[0].EventID != 11 {
		t.Fatalf("expected only event 11, got %v", fresh)
	}
	if sum.Rejected != 1 {
		t.Fatalf("expected 1 rejection, got %d", sum.Rejected)
	}
}
