package mandate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store against the execution_mandates table.
// Revoked mandates stay in the live table with revoked=true rather than
// being archived, so delegation trees remain queryable for audit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const mandateColumns = `mandate_id, issuer_id, subject_id, resource_scope, action_scope,
	valid_from, valid_until, parent_mandate_id, delegation_depth, intent,
	signer_key_id, signature, revoked, revoked_at, revoked_by, revocation_reason`

func (s *PostgresStore) Insert(ctx context.Context, m Mandate) error {
	var intentJSON []byte
	if m.Intent != nil {
		var err error
		intentJSON, err = json.Marshal(m.Intent)
		if err != nil {
			return fmt.Errorf("mandate: intent serialization failed: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_mandates (`+mandateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (mandate_id) DO NOTHING
	`, m.MandateID, m.IssuerID, m.SubjectID, pq.Array(m.ResourceScope), pq.Array(m.ActionScope),
		m.ValidFrom, m.ValidUntil, nullString(m.ParentMandateID), m.DelegationDepth, intentJSON,
		m.SignerKeyID, m.Signature, m.Revoked, m.RevokedAt, nullString(m.RevokedBy), nullString(m.RevocationReason))
	if err != nil {
		return fmt.Errorf("mandate: insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, mandateID string) (*Mandate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mandateColumns+` FROM execution_mandates WHERE mandate_id = $1`, mandateID)
	m, err := scanMandate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *PostgresStore) Children(ctx context.Context, parentID string) ([]Mandate, error) {
	return s.query(ctx,
		`SELECT `+mandateColumns+` FROM execution_mandates WHERE parent_mandate_id = $1 ORDER BY valid_from`,
		parentID)
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subjectID string) ([]Mandate, error) {
	return s.query(ctx,
		`SELECT `+mandateColumns+` FROM execution_mandates WHERE subject_id = $1 ORDER BY valid_from`,
		subjectID)
}

func (s *PostgresStore) Live(ctx context.Context, now time.Time) ([]Mandate, error) {
	return s.query(ctx, `
		SELECT `+mandateColumns+` FROM execution_mandates
		WHERE revoked = false AND valid_from <= $1 AND valid_until >= $1
		ORDER BY mandate_id`, now)
}

// MarkRevoked flips the revocation metadata in a single statement guarded
// by `revoked = false`, which makes revocation idempotent and gives the
// row-level serialization point between revocation and decision reads.
func (s *PostgresStore) MarkRevoked(ctx context.Context, mandateID, revokedBy, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_mandates
		SET revoked = true, revoked_at = $2, revoked_by = $3, revocation_reason = $4
		WHERE mandate_id = $1 AND revoked = false
	`, mandateID, at, revokedBy, reason)
	if err != nil {
		return false, fmt.Errorf("mandate: revoke update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Mandate, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("mandate: query failed: %w", err)
	}
	defer rows.Close()

	var out []Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMandate(row rowScanner) (*Mandate, error) {
	var m Mandate
	var resources, actions pq.StringArray
	var parentID, revokedBy, revocationReason sql.NullString
	var revokedAt sql.NullTime
	var intentJSON []byte

	err := row.Scan(&m.MandateID, &m.IssuerID, &m.SubjectID, &resources, &actions,
		&m.ValidFrom, &m.ValidUntil, &parentID, &m.DelegationDepth, &intentJSON,
		&m.SignerKeyID, &m.Signature, &m.Revoked, &revokedAt, &revokedBy, &revocationReason)
	if err != nil {
		return nil, err
	}

	m.ResourceScope = []string(resources)
	m.ActionScope = []string(actions)
	m.ParentMandateID = parentID.String
	m.RevokedBy = revokedBy.String
	m.RevocationReason = revocationReason.String
	if revokedAt.Valid {
		t := revokedAt.Time
		m.RevokedAt = &t
	}
	if len(intentJSON) > 0 {
		if err := json.Unmarshal(intentJSON, &m.Intent); err != nil {
			return nil, fmt.Errorf("mandate: corrupt intent JSON for %s: %w", m.MandateID, err)
		}
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
