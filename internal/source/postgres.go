package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresClient reads call and event tables from the upstream Postgres
// reporting database. All queries are reads; the connection never writes.
type PostgresClient struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewPostgresClient opens a pooled connection to the source DSN. The pool is
// kept small: one day-sized query at a time per job is the access pattern.
func NewPostgresClient(dsn string, queryTimeout time.Duration) (*PostgresClient, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open source db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)
	return &PostgresClient{db: db, queryTimeout: queryTimeout}, nil
}

func (c *PostgresClient) Close() error { return c.db.Close() }

func (c *PostgresClient) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *PostgresClient) FetchCalls(ctx context.Context, day time.Time) ([]Call, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	start, end := dayBounds(day)
	rows, err := c.db.QueryContext(ctx, `SELECT call_id, call_direction, calling_party_number, dialed_party_number, start_time, end_time, caller_id, inbound_route
		FROM c_call WHERE start_time >= $1 AND start_time < $2 ORDER BY start_time ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch calls for %s: %w", start.Format("2006-01-02"), err)
	}
	defer rows.Close()
	var out []Call
	for rows.Next() {
		var r Call
		var direction sql.NullInt64
		var callingParty, dialedParty, callerID, route sql.NullString
		if err := rows.Scan(&r.CallID, &direction, &callingParty, &dialedParty, &r.StartTime, &r.EndTime, &callerID, &route); err != nil {
			return nil, err
		}
		r.CallDirection = int(direction.Int64)
		r.CallingPartyNumber = callingParty.String
		r.DialedPartyNumber = dialedParty.String
		r.CallerID = callerID.String
		r.InboundRoute = route.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *PostgresClient) FetchEvents(ctx context.Context, day time.Time) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	start, end := dayBounds(day)
	rows, err := c.db.QueryContext(ctx, `SELECT event_id, event_type, calling_party, receiving_party, hunt_group, is_conference, start_time, end_time, call_id
		FROM c_event WHERE start_time >= $1 AND start_time < $2 ORDER BY start_time ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch events for %s: %w", start.Format("2006-01-02"), err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var r Event
		var callingParty, receivingParty, huntGroup, conference sql.NullString
		var callID sql.NullInt64
		if err := rows.Scan(&r.EventID, &r.EventType, &callingParty, &receivingParty, &huntGroup, &conference, &r.StartTime, &r.EndTime, &callID); err != nil {
			return nil, err
		}
		r.CallingParty = callingParty.String
		r.ReceivingParty = receivingParty.String
		r.HuntGroup = huntGroup.String
		r.IsConference = conference.String
		r.CallID = callID.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

// dayBounds returns the UTC [midnight, next midnight) window for a day.
func dayBounds(day time.Time) (time.Time, time.Time) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
