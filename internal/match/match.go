package match

import (
	"log"

	"sla_framework/internal/source"
)

// Summary counts the outcome of one matching pass, for logging and metrics.
type Summary struct {
	Total    int `json:"total"`
	New      int `json:"new"`
	Existing int `json:"existing"`
	Rejected int `json:"rejected"`
}

// ExistsFunc reports whether a record with the given natural key is already
// present locally. It is the matcher's only I/O.
type ExistsFunc func(id int64) (bool, error)

// NewCalls returns the candidates not already present locally, preserving
// input order. A record without a call_id is a data-quality error: it is
// counted and logged, never fatal to the batch.
func NewCalls(exists ExistsFunc, candidates []source.Call) ([]source.Call, Summary, error) {
	sum := Summary{Total: len(candidates)}
	var out []source.Call
	for _, r := range candidates {
		if r.CallID == 0 {
			log.Printf("match: could not identify primary key for foreign call record, skipping")
			sum.Rejected++
			continue
		}
		found, err := exists(r.CallID)
		if err != nil {
			return nil, sum, err
		}
		if found {
			sum.Existing++
			continue
		}
		sum.New++
		out = append(out, r)
	}
	return out, sum, nil
}

// NewEvents is the event twin of NewCalls, keyed on event_id.
func NewEvents(exists ExistsFunc, candidates []source.Event) ([]source.Event, Summary, error) {
	sum := Summary{Total: len(candidates)}
	var out []source.Event
	for _, r := range candidates {
		if r.EventID == 0 {
			log.Printf("match: could not identify primary key for foreign event record, skipping")
			sum.Rejected++
			continue
		}
		found, err := exists(r.EventID)
		if err != nil {
			return nil, sum, err
		}
		if found {
			sum.Existing++
			continue
		}
		sum.New++
		out = append(out, r)
	}
	return out, sum, nil
}
