package sla

import (
	"math"
	"sort"
	"time"

	"sla_framework/internal/store"
)

// Call directions used by the source switch.
const (
	DirectionInbound  = 1
	DirectionOutbound = 2
)

// Event types relevant to service-level math.
const (
	EventTalking   = 4
	EventQueue     = 5
	EventHold      = 6
	EventVoicemail = 10
)

// DefaultAnswerThreshold is the answer window a call must beat to count
// toward the service level.
const DefaultAnswerThreshold = 15 * time.Second

// RouteStats is one report row, bucketed by inbound route.
type RouteStats struct {
	Route             string  `json:"route"`
	CallsOffered      int     `json:"calls_offered"`
	CallsAnswered     int     `json:"calls_answered"`
	CallsAbandoned    int     `json:"calls_abandoned"`
	AnsweredInWindow  int     `json:"answered_in_window"`
	ServiceLevel      float64 `json:"service_level"`
	AvgAnswerSeconds  float64 `json:"avg_answer_seconds"`
	AvgLengthSeconds  float64 `json:"avg_length_seconds"`
	LongestCallLength float64 `json:"longest_call_seconds"`
}

// ReportData is the aggregate payload persisted on a report row.
type ReportData struct {
	StartTime      time.Time    `json:"start_time"`
	EndTime        time.Time    `json:"end_time"`
	TotalCalls     int          `json:"total_calls"`
	InboundCalls   int          `json:"inbound_calls"`
	OutboundCalls  int          `json:"outbound_calls"`
	TotalAnswered  int          `json:"total_answered"`
	TotalAbandoned int          `json:"total_abandoned"`
	ServiceLevel   float64      `json:"service_level"`
	Routes         []RouteStats `json:"routes"`
}

// Aggregator turns a complete range of records into report data. The builder
// treats it as a pluggable function over a read-only snapshot.
type Aggregator func(start, end time.Time, calls []store.Call, events []store.Event) (ReportData, error)

// Build is the default Aggregator: per-route service-level stats over the
// inbound traffic, with the answer window fixed at DefaultAnswerThreshold.
func Build(start, end time.Time, calls []store.Call, events []store.Event) (ReportData, error) {
	return BuildWithThreshold(start, end, calls, events, DefaultAnswerThreshold)
}

func BuildWithThreshold(start, end time.Time, calls []store.Call, events []store.Event, threshold time.Duration) (ReportData, error) {
	data := ReportData{StartTime: start, EndTime: end, TotalCalls: len(calls)}

	answeredAt := firstTalkingEvent(events)

	type bucket struct {
		offered   int
		answered  int
		abandoned int
		inWindow  int
		answerSum float64
		lengthSum float64
		longest   float64
	}
	buckets := make(map[string]*bucket)

	for _, c := range calls {
		switch c.CallDirection {
		case DirectionInbound:
			data.InboundCalls++
		case DirectionOutbound:
			data.OutboundCalls++
			continue
		default:
			continue
		}

		route := c.InboundRoute
		b := buckets[route]
		if b == nil {
			b = &bucket{}
			buckets[route] = b
		}
		b.offered++

		length := c.EndTime.Sub(c.StartTime).Seconds()
		b.lengthSum += length
		b.longest = math.Max(b.longest, length)

		talk, ok := answeredAt[c.CallID]
		if !ok {
			b.abandoned++
			data.TotalAbandoned++
			continue
		}
		b.answered++
		data.TotalAnswered++
		wait := talk.Sub(c.StartTime)
		if wait < 0 {
			wait = 0
		}
		b.answerSum += wait.Seconds()
		if wait <= threshold {
			b.inWindow++
		}
	}

	routes := make([]string, 0, len(buckets))
	for r := range buckets {
		routes = append(routes, r)
	}
	sort.Strings(routes)

	for _, r := range routes {
		b := buckets[r]
		row := RouteStats{
			Route:             r,
			CallsOffered:      b.offered,
			CallsAnswered:     b.answered,
			CallsAbandoned:    b.abandoned,
			AnsweredInWindow:  b.inWindow,
			ServiceLevel:      ratio(b.inWindow, b.offered),
			AvgAnswerSeconds:  average(b.answerSum, b.answered),
			AvgLengthSeconds:  average(b.lengthSum, b.offered),
			LongestCallLength: b.longest,
		}
		data.Routes = append(data.Routes, row)
	}
	data.ServiceLevel = ratio(inWindowTotal(data.Routes), data.InboundCalls)
	return data, nil
}

// firstTalkingEvent indexes the earliest talking event per call. A call with
// no talking event never connected to an agent.
func firstTalkingEvent(events []store.Event) map[int64]time.Time {
	out := make(map[int64]time.Time)
	for _, e := range events {
		if e.EventType != EventTalking || e.CallID == 0 {
			continue
		}
		if prev, ok := out[e.CallID]; !ok || e.StartTime.Before(prev) {
			out[e.CallID] = e.StartTime
		}
	}
	return out
}

func inWindowTotal(routes []RouteStats) int {
	total := 0
	for _, r := range routes {
		total += r.AnsweredInWindow
	}
	return total
}

func ratio(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func average(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
