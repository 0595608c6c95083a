package merklebatch

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store against the merkle_batches table, with a
// unique constraint on (from_event_id, to_event_id) providing the
// idempotent-insert guarantee.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const batchColumns = `batch_id, from_event_id, to_event_id, leaf_count, root_hash, signature, signer_key_id, created_at`

func (s *PostgresStore) Insert(ctx context.Context, b Batch) (*Batch, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO merkle_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (from_event_id, to_event_id) DO NOTHING
	`, b.BatchID, b.FromEventID, b.ToEventID, b.LeafCount, b.RootHash, b.Signature, b.SignerKeyID, b.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("merklebatch: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		existing := s.db.QueryRowContext(ctx, `
			SELECT `+batchColumns+` FROM merkle_batches
			WHERE from_event_id = $1 AND to_event_id = $2
		`, b.FromEventID, b.ToEventID)
		stored, err := scanBatch(existing)
		if err != nil {
			return nil, false, err
		}
		return stored, false, nil
	}
	out := b
	return &out, true, nil
}

func (s *PostgresStore) ForEvent(ctx context.Context, eventID int64) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM merkle_batches
		WHERE from_event_id <= $1 AND to_event_id >= $1
		ORDER BY from_event_id LIMIT 1
	`, eventID)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *PostgresStore) LastToEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(to_event_id) FROM merkle_batches`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("merklebatch: last id query: %w", err)
	}
	return id.Int64, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM merkle_batches ORDER BY from_event_id`)
	if err != nil {
		return nil, fmt.Errorf("merklebatch: list query: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	err := row.Scan(&b.BatchID, &b.FromEventID, &b.ToEventID, &b.LeafCount,
		&b.RootHash, &b.Signature, &b.SignerKeyID, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
