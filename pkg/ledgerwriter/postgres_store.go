package ledgerwriter

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store against the ledger_events table; it only
// inserts and selects, never updates or deletes. event_id is the current
// highest event_id plus one, read inside a serializable insert transaction
// that locks the head row with FOR UPDATE, so ids are gapless and the
// prev_hash chain never forks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ledgerColumns = `event_id, source_event_id, kind, timestamp, principal_id, mandate_id,
	decision, denial_reason, requested_action, requested_resource, payload,
	correlation_id, prev_hash, event_hash`

func (s *PostgresStore) Append(ctx context.Context, row Event) (*Event, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, fmt.Errorf("ledgerwriter: begin tx: %w", err)
	}
	defer tx.Rollback()

	// Dedup on the producer idempotency key first.
	if row.SourceEventID != "" {
		existing := tx.QueryRowContext(ctx,
			`SELECT `+ledgerColumns+` FROM ledger_events WHERE source_event_id = $1`, row.SourceEventID)
		if ev, err := scanEvent(existing); err == nil {
			return ev, false, nil
		} else if err != sql.ErrNoRows {
			return nil, false, fmt.Errorf("ledgerwriter: dedup lookup: %w", err)
		}
	}

	// Serialize appends on the head row: lock the current max id.
	var lastID int64
	var headHash string
	err = tx.QueryRowContext(ctx, `
		SELECT event_id, event_hash FROM ledger_events
		ORDER BY event_id DESC LIMIT 1 FOR UPDATE
	`).Scan(&lastID, &headHash)
	if err == sql.ErrNoRows {
		lastID, headHash = 0, "genesis"
	} else if err != nil {
		return nil, false, fmt.Errorf("ledgerwriter: head lookup: %w", err)
	}

	row.EventID = lastID + 1
	row.PrevHash = headHash
	hash, err := ComputeHash(row)
	if err != nil {
		return nil, false, err
	}
	row.EventHash = hash

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, row.EventID, nullIfEmpty(row.SourceEventID), row.Kind, row.Timestamp,
		nullIfEmpty(row.PrincipalID), nullIfEmpty(row.MandateID),
		nullIfEmpty(row.Decision), nullIfEmpty(row.DenialReason),
		nullIfEmpty(row.RequestedAction), nullIfEmpty(row.RequestedResource),
		[]byte(row.Payload), nullIfEmpty(row.CorrelationID), row.PrevHash, row.EventHash)
	if err != nil {
		return nil, false, fmt.Errorf("ledgerwriter: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("ledgerwriter: commit: %w", err)
	}
	out := row
	return &out, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_events WHERE event_id = $1`, eventID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

func (s *PostgresStore) Range(ctx context.Context, from, to int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_events
		WHERE event_id BETWEEN $1 AND $2 ORDER BY event_id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("ledgerwriter: range query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(event_id) FROM ledger_events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledgerwriter: last id query: %w", err)
	}
	return id.Int64, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledgerwriter: count query: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var sourceID, principalID, mandateID, decision, denialReason sql.NullString
	var action, resource, correlationID sql.NullString
	var payload []byte

	err := row.Scan(&ev.EventID, &sourceID, &ev.Kind, &ev.Timestamp, &principalID, &mandateID,
		&decision, &denialReason, &action, &resource, &payload,
		&correlationID, &ev.PrevHash, &ev.EventHash)
	if err != nil {
		return nil, err
	}
	ev.SourceEventID = sourceID.String
	ev.PrincipalID = principalID.String
	ev.MandateID = mandateID.String
	ev.Decision = decision.String
	ev.DenialReason = denialReason.String
	ev.RequestedAction = action.String
	ev.RequestedResource = resource.String
	ev.CorrelationID = correlationID.String
	ev.Payload = payload
	return &ev, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
