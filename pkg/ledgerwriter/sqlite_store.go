package ledgerwriter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file ledger store on the embedded SQLite
// driver. One writer at a time: the
// mutex mirrors SQLite's own writer lock so appends serialize in-process
// instead of failing with SQLITE_BUSY.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_events (
		event_id INTEGER PRIMARY KEY,
		source_event_id TEXT UNIQUE,
		kind TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		principal_id TEXT,
		mandate_id TEXT,
		decision TEXT,
		denial_reason TEXT,
		requested_action TEXT,
		requested_resource TEXT,
		payload JSON,
		correlation_id TEXT,
		prev_hash TEXT NOT NULL,
		event_hash TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, row Event) (*Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.SourceEventID != "" {
		existing := s.db.QueryRowContext(ctx,
			`SELECT `+sqliteColumns+` FROM ledger_events WHERE source_event_id = ?`, row.SourceEventID)
		if ev, err := scanSQLiteEvent(existing); err == nil {
			return ev, false, nil
		} else if err != sql.ErrNoRows {
			return nil, false, fmt.Errorf("ledgerwriter: sqlite dedup lookup: %w", err)
		}
	}

	var lastID int64
	var headHash string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, event_hash FROM ledger_events ORDER BY event_id DESC LIMIT 1`).
		Scan(&lastID, &headHash)
	if err == sql.ErrNoRows {
		lastID, headHash = 0, "genesis"
	} else if err != nil {
		return nil, false, fmt.Errorf("ledgerwriter: sqlite head lookup: %w", err)
	}

	row.EventID = lastID + 1
	row.PrevHash = headHash
	hash, err := ComputeHash(row)
	if err != nil {
		return nil, false, err
	}
	row.EventHash = hash

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_events (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.EventID, nullIfEmpty(row.SourceEventID), row.Kind, row.Timestamp.UTC().Format(time.RFC3339Nano),
		nullIfEmpty(row.PrincipalID), nullIfEmpty(row.MandateID),
		nullIfEmpty(row.Decision), nullIfEmpty(row.DenialReason),
		nullIfEmpty(row.RequestedAction), nullIfEmpty(row.RequestedResource),
		string(row.Payload), nullIfEmpty(row.CorrelationID), row.PrevHash, row.EventHash)
	if err != nil {
		return nil, false, fmt.Errorf("ledgerwriter: sqlite insert: %w", err)
	}
	out := row
	return &out, true, nil
}

const sqliteColumns = `event_id, source_event_id, kind, timestamp, principal_id, mandate_id,
	decision, denial_reason, requested_action, requested_resource, payload,
	correlation_id, prev_hash, event_hash`

func (s *SQLiteStore) Get(ctx context.Context, eventID int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM ledger_events WHERE event_id = ?`, eventID)
	ev, err := scanSQLiteEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

func (s *SQLiteStore) Range(ctx context.Context, from, to int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+` FROM ledger_events
		WHERE event_id BETWEEN ? AND ? ORDER BY event_id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("ledgerwriter: sqlite range query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(event_id) FROM ledger_events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledgerwriter: sqlite last id query: %w", err)
	}
	return id.Int64, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n)
	return n, err
}

func scanSQLiteEvent(row rowScanner) (*Event, error) {
	var ev Event
	var sourceID, principalID, mandateID, decision, denialReason sql.NullString
	var action, resource, correlationID, payload sql.NullString
	var ts string

	err := row.Scan(&ev.EventID, &sourceID, &ev.Kind, &ts, &principalID, &mandateID,
		&decision, &denialReason, &action, &resource, &payload,
		&correlationID, &ev.PrevHash, &ev.EventHash)
	if err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("ledgerwriter: corrupt timestamp in row %d: %w", ev.EventID, err)
	}
	ev.Timestamp = parsed
	ev.SourceEventID = sourceID.String
	ev.PrincipalID = principalID.String
	ev.MandateID = mandateID.String
	ev.Decision = decision.String
	ev.DenialReason = denialReason.String
	ev.RequestedAction = action.String
	ev.RequestedResource = resource.String
	ev.CorrelationID = correlationID.String
	ev.Payload = []byte(payload.String)
	return &ev, nil
}
