package principal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store against the principals table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Register(ctx context.Context, p Principal) (*Principal, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (principal_id, name, owner, principal_type, parent_id, public_key, active, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
	`, p.PrincipalID, p.Name, p.Owner, p.Type, p.ParentID, p.PublicKey, p.Active, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("principal: insert failed: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Get(ctx context.Context, principalID string) (*Principal, error) {
	return s.scanOne(ctx, "SELECT principal_id, name, owner, principal_type, parent_id, public_key, active, created_at, deactivated_at FROM principals WHERE principal_id = $1", principalID)
}

func (s *PostgresStore) GetByName(ctx context.Context, name string) (*Principal, error) {
	return s.scanOne(ctx, "SELECT principal_id, name, owner, principal_type, parent_id, public_key, active, created_at, deactivated_at FROM principals WHERE name = $1", name)
}

func (s *PostgresStore) scanOne(ctx context.Context, query string, arg string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, query, arg)

	var p Principal
	var parentID, pubKey sql.NullString
	var deactivatedAt sql.NullTime
	err := row.Scan(&p.PrincipalID, &p.Name, &p.Owner, &p.Type, &parentID, &pubKey, &p.Active, &p.CreatedAt, &deactivatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("principal: query failed: %w", err)
	}
	p.ParentID = parentID.String
	p.PublicKey = pubKey.String
	if deactivatedAt.Valid {
		p.DeactivatedAt = &deactivatedAt.Time
	}
	return &p, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Principal, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT principal_id, name, owner, principal_type, parent_id, public_key, active, created_at, deactivated_at FROM principals ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("principal: list failed: %w", err)
	}
	defer rows.Close()

	var out []Principal
	for rows.Next() {
		var p Principal
		var parentID, pubKey sql.NullString
		var deactivatedAt sql.NullTime
		if err := rows.Scan(&p.PrincipalID, &p.Name, &p.Owner, &p.Type, &parentID, &pubKey, &p.Active, &p.CreatedAt, &deactivatedAt); err != nil {
			return nil, fmt.Errorf("principal: scan failed: %w", err)
		}
		p.ParentID = parentID.String
		p.PublicKey = pubKey.String
		if deactivatedAt.Valid {
			p.DeactivatedAt = &deactivatedAt.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Deactivate(ctx context.Context, principalID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE principals SET active = false, deactivated_at = $2 WHERE principal_id = $1",
		principalID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("principal: deactivate failed: %w", err)
	}
	return nil
}
