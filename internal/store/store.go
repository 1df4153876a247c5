package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite access for the local replica, the completion ledger,
// SLA reports, and the durable job queue.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			call_id INTEGER PRIMARY KEY,
			call_direction INTEGER,
			calling_party_number TEXT,
			dialed_party_number TEXT,
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			caller_id TEXT,
			inbound_route TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id INTEGER PRIMARY KEY,
			event_type INTEGER NOT NULL,
			calling_party TEXT,
			receiving_party TEXT,
			hunt_group TEXT,
			is_conference TEXT,
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			call_id INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS tables_loaded (
			loaded_date TEXT PRIMARY KEY,
			calls_loaded INTEGER NOT NULL DEFAULT 0,
			events_loaded INTEGER NOT NULL DEFAULT 0,
			last_updated TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sla_reports (
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			data_json TEXT,
			last_updated TIMESTAMP,
			completed_on TIMESTAMP,
			PRIMARY KEY(start_time, end_time)
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT,
			entity TEXT,
			day TEXT,
			range_start TIMESTAMP,
			range_end TIMESTAMP,
			status TEXT,
			idempotency_key TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			not_before TIMESTAMP,
			last_error TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(idempotency_key);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_start ON calls(start_time);`,
		`CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_time);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Call is the local replica of a source call record. Rows are insert-only.
type Call struct {
	CallID             int64     `json:"call_id"`
	CallDirection      int       `json:"call_direction"`
	CallingPartyNumber string    `json:"calling_party_number"`
	DialedPartyNumber  string    `json:"dialed_party_number"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	CallerID           string    `json:"caller_id"`
	InboundRoute       string    `json:"inbound_route"`
}

// Event is the local replica of a source event record. Rows are insert-only.
type Event struct {
	EventID        int64     `json:"event_id"`
	EventType      int       `json:"event_type"`
	CallingParty   string    `json:"calling_party"`
	ReceivingParty string    `json:"receiving_party"`
	HuntGroup      string    `json:"hunt_group"`
	IsConference   string    `json:"is_conference"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	CallID         int64     `json:"call_id"`
}

// LedgerEntry is one row of the per-day completion ledger.
type LedgerEntry struct {
	Day          string    `json:"loaded_date"`
	CallsLoaded  bool      `json:"calls_loaded"`
	EventsLoaded bool      `json:"events_loaded"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Report is an SLA report keyed by its exact time range.
type Report struct {
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	Data        *string    `json:"data"`
	LastUpdated time.Time  `json:"last_updated"`
	CompletedOn *time.Time `json:"completed_on"`
}

// Job is a persisted unit of work consumed by the runner.
type Job struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Entity         string     `json:"entity"`
	Day            string     `json:"day"`
	RangeStart     *time.Time `json:"range_start"`
	RangeEnd       *time.Time `json:"range_end"`
	Status         string     `json:"status"`
	IdempotencyKey string     `json:"idempotency_key"`
	Attempts       int        `json:"attempts"`
	NotBefore      time.Time  `json:"not_before"`
	LastError      *string    `json:"last_error"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

func (s *Store) CallExists(ctx context.Context, id int64) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM calls WHERE call_id=?`, id)
	var v int
	switch err := row.Scan(&v); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

func (s *Store) EventExists(ctx context.Context, id int64) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id=?`, id)
	var v int
	switch err := row.Scan(&v); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

// InsertCalls writes a batch in a single transaction. Rolls back on any
// failure so a partial batch is never visible.
func (s *Store) InsertCalls(ctx context.Context, calls []Call) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range calls {
		_, err := tx.ExecContext(ctx, `INSERT INTO calls(call_id, call_direction, calling_party_number, dialed_party_number, start_time, end_time, caller_id, inbound_route)
			VALUES(?,?,?,?,?,?,?,?)`,
			c.CallID, c.CallDirection, c.CallingPartyNumber, c.DialedPartyNumber, c.StartTime, c.EndTime, c.CallerID, c.InboundRoute)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) InsertEvents(ctx context.Context, events []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range events {
		_, err := tx.ExecContext(ctx, `INSERT INTO events(event_id, event_type, calling_party, receiving_party, hunt_group, is_conference, start_time, end_time, call_id)
			VALUES(?,?,?,?,?,?,?,?,?)`,
			e.EventID, e.EventType, e.CallingParty, e.ReceivingParty, e.HuntGroup, e.IsConference, e.StartTime, e.EndTime, e.CallID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CallsInRange returns local calls with start_time in [start, end).
func (s *Store) CallsInRange(ctx context.Context, start, end time.Time) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT call_id, call_direction, calling_party_number, dialed_party_number, start_time, end_time, caller_id, inbound_route
		FROM calls WHERE start_time >= ? AND start_time < ? ORDER BY start_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.CallID, &c.CallDirection, &c.CallingPartyNumber, &c.DialedPartyNumber, &c.StartTime, &c.EndTime, &c.CallerID, &c.InboundRoute); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) EventsInRange(ctx context.Context, start, end time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, event_type, calling_party, receiving_party, hunt_group, is_conference, start_time, end_time, call_id
		FROM events WHERE start_time >= ? AND start_time < ? ORDER BY start_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.EventType, &e.CallingParty, &e.ReceivingParty, &e.HuntGroup, &e.IsConference, &e.StartTime, &e.EndTime, &e.CallID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindLedger returns the ledger row for a day, or nil if absent.
func (s *Store) FindLedger(ctx context.Context, day string) (*LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT loaded_date, calls_loaded, events_loaded, last_updated FROM tables_loaded WHERE loaded_date=?`, day)
	var e LedgerEntry
	var updated sql.NullTime
	switch err := row.Scan(&e.Day, &e.CallsLoaded, &e.EventsLoaded, &updated); err {
	case nil:
		if updated.Valid {
			e.LastUpdated = updated.Time
		}
		return &e, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

// FindOrCreateLedger inserts the day's row if missing and returns it. The
// primary key on loaded_date makes concurrent creators converge on one row.
func (s *Store) FindOrCreateLedger(ctx context.Context, day string, now time.Time) (*LedgerEntry, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO tables_loaded(loaded_date, calls_loaded, events_loaded, last_updated)
		VALUES(?, 0, 0, ?) ON CONFLICT(loaded_date) DO NOTHING`, day, now)
	if err != nil {
		return nil, err
	}
	return s.FindLedger(ctx, day)
}

// SetLedgerFlag marks one entity column true for a day. Flags only ever move
// from false to true.
func (s *Store) SetLedgerFlag(ctx context.Context, day, column string, now time.Time) error {
	switch column {
	case "calls_loaded", "events_loaded":
	default:
		return fmt.Errorf("unknown ledger column %q", column)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE tables_loaded SET `+column+`=1, last_updated=? WHERE loaded_date=?`, now, day)
	return err
}

func (s *Store) TouchLedger(ctx context.Context, day string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tables_loaded SET last_updated=? WHERE loaded_date=?`, now, day)
	return err
}

func (s *Store) FindReport(ctx context.Context, start, end time.Time) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT start_time, end_time, data_json, last_updated, completed_on FROM sla_reports WHERE start_time=? AND end_time=?`, start, end)
	var r Report
	var data sql.NullString
	var completed sql.NullTime
	switch err := row.Scan(&r.StartTime, &r.EndTime, &data, &r.LastUpdated, &completed); err {
	case nil:
		if data.Valid {
			r.Data = &data.String
		}
		if completed.Valid {
			r.CompletedOn = &completed.Time
		}
		return &r, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, err
	}
}

// FindOrCreateReport returns the row for the exact range, creating it if
// absent. The composite primary key guarantees at most one row per range; a
// concurrent creator loses the insert and observes the existing row.
func (s *Store) FindOrCreateReport(ctx context.Context, start, end, now time.Time) (*Report, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sla_reports(start_time, end_time, last_updated)
		VALUES(?,?,?) ON CONFLICT(start_time, end_time) DO NOTHING`, start, end, now)
	if err != nil {
		return nil, err
	}
	return s.FindReport(ctx, start, end)
}

func (s *Store) TouchReport(ctx context.Context, start, end, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sla_reports SET last_updated=? WHERE start_time=? AND end_time=?`, now, start, end)
	return err
}

// SetReportData writes the computed payload. The guard on data_json keeps an
// already-populated row untouched.
func (s *Store) SetReportData(ctx context.Context, start, end time.Time, dataJSON string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sla_reports SET data_json=?, last_updated=? WHERE start_time=? AND end_time=? AND data_json IS NULL`, dataJSON, now, start, end)
	return err
}

func (s *Store) SetReportCompleted(ctx context.Context, start, end, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sla_reports SET completed_on=?, last_updated=? WHERE start_time=? AND end_time=?`, now, now, start, end)
	return err
}

// UnfinishedReports returns ranges with no completed_on yet, oldest first.
func (s *Store) UnfinishedReports(ctx context.Context, limit int) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT start_time, end_time, data_json, last_updated, completed_on FROM sla_reports WHERE completed_on IS NULL ORDER BY last_updated ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Report
	for rows.Next() {
		var r Report
		var data sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&r.StartTime, &r.EndTime, &data, &r.LastUpdated, &completed); err != nil {
			return nil, err
		}
		if data.Valid {
			r.Data = &data.String
		}
		if completed.Valid {
			r.CompletedOn = &completed.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var ErrConflict = errors.New("idempotent job already exists")

const jobSelect = `SELECT id, kind, entity, day, range_start, range_end, status, idempotency_key, attempts, not_before, last_error, created_at, updated_at, started_at, finished_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var rangeStart, rangeEnd, started, finished sql.NullTime
	var lastErr sql.NullString
	err := row.Scan(&j.ID, &j.Kind, &j.Entity, &j.Day, &rangeStart, &rangeEnd, &j.Status, &j.IdempotencyKey, &j.Attempts, &j.NotBefore, &lastErr, &j.CreatedAt, &j.UpdatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	if rangeStart.Valid {
		j.RangeStart = &rangeStart.Time
	}
	if rangeEnd.Valid {
		j.RangeEnd = &rangeEnd.Time
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	if lastErr.Valid {
		j.LastError = &lastErr.String
	}
	return &j, nil
}

// FetchJobByIdempotency returns the existing job for a key, or nil.
func (s *Store) FetchJobByIdempotency(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE idempotency_key=?`, key)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id=?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// InsertJobIdempotent records a job unless its idempotency key is taken, in
// which case the existing job is returned with ErrConflict.
func (s *Store) InsertJobIdempotent(ctx context.Context, j *Job) (*Job, error) {
	existing, err := s.FetchJobByIdempotency(ctx, j.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrConflict
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs(id, kind, entity, day, range_start, range_end, status, idempotency_key, attempts, not_before, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Kind, j.Entity, j.Day, j.RangeStart, j.RangeEnd, j.Status, j.IdempotencyKey, j.Attempts, j.NotBefore, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// DueJobs lists queued jobs whose not_before has passed.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` WHERE status=? AND not_before<=? ORDER BY not_before ASC LIMIT ?`, "queued", now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ClaimJob transitions queued -> running. Returns false if another worker got
// there first.
func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status='running', started_at=?, updated_at=? WHERE id=? AND status='queued'`, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) MarkJobFinished(ctx context.Context, id, status string, errMsg *string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, last_error=?, finished_at=?, updated_at=? WHERE id=?`, status, errMsg, now, now, id)
	return err
}

// RescheduleJob puts a job back on the queue with a future attempt.
func (s *Store) RescheduleJob(ctx context.Context, id string, attempts int, notBefore time.Time, errMsg *string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status='queued', attempts=?, not_before=?, last_error=?, updated_at=? WHERE id=?`, attempts, notBefore, errMsg, now, id)
	return err
}

// RequeueRunning resets jobs left running by a previous process so a restart
// resumes them instead of stranding them.
func (s *Store) RequeueRunning(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status='queued', not_before=?, updated_at=? WHERE status='running'`, now, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// Health returns err if the DB is not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}
