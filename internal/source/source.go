package source

import (
	"context"
	"time"
)

// Call is a raw call record as returned by the external source. The source is
// append-only; fields are copied verbatim into the local replica.
type Call struct {
	CallID             int64
	CallDirection      int
	CallingPartyNumber string
	DialedPartyNumber  string
	StartTime          time.Time
	EndTime            time.Time
	CallerID           string
	InboundRoute       string
}

// Event is a raw event record as returned by the external source.
type Event struct {
	EventID        int64
	EventType      int
	CallingParty   string
	ReceivingParty string
	HuntGroup      string
	IsConference   string
	StartTime      time.Time
	EndTime        time.Time
	CallID         int64
}

// Client is the read-only query interface to the external source database.
// Past days are fully settled; the current day is still accumulating.
type Client interface {
	// FetchCalls returns all calls whose start_time falls in [day, day+24h).
	FetchCalls(ctx context.Context, day time.Time) ([]Call, error)
	// FetchEvents returns all events whose start_time falls in [day, day+24h).
	FetchEvents(ctx context.Context, day time.Time) ([]Event, error)
	Close() error
}
