package policy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store against the policy_versions table. Every
// InsertVersion call writes a new row and, in the same transaction, clears
// the active flag of the principal's prior active row; DeactivateActive
// clears that flag with an UPDATE. No other column of a version row changes
// after insertion.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ActivePolicy(ctx context.Context, principalID string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT policy_id, principal_id, allowed_resource_patterns, allowed_actions,
		       max_validity_seconds, allow_delegation, max_delegation_depth,
		       active, created_at, created_by, version_number
		FROM policy_versions
		WHERE principal_id = $1 AND active = true
		ORDER BY version_number DESC LIMIT 1
	`, principalID)
	return scanPolicy(row)
}

func (s *PostgresStore) InsertVersion(ctx context.Context, p Policy) (*Policy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("policy: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE policy_versions SET active = false WHERE principal_id = $1 AND active = true",
		p.PrincipalID); err != nil {
		return nil, fmt.Errorf("policy: deactivate prior version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_versions
			(policy_id, principal_id, allowed_resource_patterns, allowed_actions,
			 max_validity_seconds, allow_delegation, max_delegation_depth,
			 active, created_at, created_by, version_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.PolicyID, p.PrincipalID, pq.Array(p.AllowedResourcePatterns), pq.Array(p.AllowedActions),
		p.MaxValiditySeconds, p.AllowDelegation, p.MaxDelegationDepth,
		p.Active, p.CreatedAt, p.CreatedBy, p.VersionNumber)
	if err != nil {
		return nil, fmt.Errorf("policy: insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("policy: commit: %w", err)
	}
	out := p
	return &out, nil
}

func (s *PostgresStore) DeactivateActive(ctx context.Context, principalID string) (*Policy, error) {
	prev, err := s.ActivePolicy(ctx, principalID)
	if err != nil || prev == nil {
		return prev, err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE policy_versions SET active = false WHERE policy_id = $1", prev.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("policy: deactivate: %w", err)
	}
	prev.Active = false
	return prev, nil
}

func (s *PostgresStore) History(ctx context.Context, principalID string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_id, principal_id, allowed_resource_patterns, allowed_actions,
		       max_validity_seconds, allow_delegation, max_delegation_depth,
		       active, created_at, created_by, version_number
		FROM policy_versions WHERE principal_id = $1 ORDER BY version_number
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("policy: history query: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AtTime(ctx context.Context, principalID string, at time.Time) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT policy_id, principal_id, allowed_resource_patterns, allowed_actions,
		       max_validity_seconds, allow_delegation, max_delegation_depth,
		       active, created_at, created_by, version_number
		FROM policy_versions
		WHERE principal_id = $1 AND created_at <= $2
		ORDER BY created_at DESC LIMIT 1
	`, principalID, at)
	return scanPolicy(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row *sql.Row) (*Policy, error) {
	p, err := scanPolicyRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanPolicyRows(row rowScanner) (*Policy, error) {
	var p Policy
	var patterns, actions pq.StringArray
	err := row.Scan(&p.PolicyID, &p.PrincipalID, &patterns, &actions,
		&p.MaxValiditySeconds, &p.AllowDelegation, &p.MaxDelegationDepth,
		&p.Active, &p.CreatedAt, &p.CreatedBy, &p.VersionNumber)
	if err != nil {
		return nil, err
	}
	p.AllowedResourcePatterns = []string(patterns)
	p.AllowedActions = []string(actions)
	return &p, nil
}
