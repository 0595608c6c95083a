package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage and Recorder using PostgreSQL.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) Get(ctx context.Context, principalID string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT principal_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated FROM budgets WHERE principal_id = $1",
		principalID)

	var b Budget
	err := row.Scan(&b.PrincipalID, &b.DailyLimit, &b.MonthlyLimit, &b.DailyUsed, &b.MonthlyUsed, &b.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: failed to get budget: %w", err)
	}
	return &b, nil
}

func (s *PostgresStorage) Set(ctx context.Context, b *Budget) error {
	query := `
		INSERT INTO budgets (principal_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (principal_id) DO UPDATE SET
			daily_used = EXCLUDED.daily_used,
			monthly_used = EXCLUDED.monthly_used,
			last_updated = EXCLUDED.last_updated
	`
	_, err := s.db.ExecContext(ctx, query, b.PrincipalID, b.DailyLimit, b.MonthlyLimit, b.DailyUsed, b.MonthlyUsed, b.LastUpdated)
	if err != nil {
		return fmt.Errorf("budget: failed to persist budget: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Limits(ctx context.Context, principalID string) (int64, int64, error) {
	row := s.db.QueryRowContext(ctx, "SELECT daily_limit, monthly_limit FROM budgets WHERE principal_id = $1", principalID)
	var daily, monthly int64
	err := row.Scan(&daily, &monthly)
	if err == sql.ErrNoRows {
		return 1000, 50000, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return daily, monthly, nil
}

func (s *PostgresStorage) SetLimits(ctx context.Context, principalID string, daily, monthly int64) error {
	query := `
		INSERT INTO budgets (principal_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated)
		VALUES ($1, $2, $3, 0, 0, NOW())
		ON CONFLICT (principal_id) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit
	`
	_, err := s.db.ExecContext(ctx, query, principalID, daily, monthly)
	if err != nil {
		return fmt.Errorf("budget: failed to set limits: %w", err)
	}
	return nil
}

func (s *PostgresStorage) RecordSpend(ctx context.Context, principalID string, cost Cost) (*Budget, error) {
	query := `
		INSERT INTO budgets (principal_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated)
		VALUES ($1, 1000, 50000, $2, $2, NOW())
		ON CONFLICT (principal_id) DO UPDATE SET
			daily_used = budgets.daily_used + EXCLUDED.daily_used,
			monthly_used = budgets.monthly_used + EXCLUDED.monthly_used,
			last_updated = NOW()
		RETURNING principal_id, daily_limit, monthly_limit, daily_used, monthly_used, last_updated
	`
	var b Budget
	row := s.db.QueryRowContext(ctx, query, principalID, cost.Amount)
	if err := row.Scan(&b.PrincipalID, &b.DailyLimit, &b.MonthlyLimit, &b.DailyUsed, &b.MonthlyUsed, &b.LastUpdated); err != nil {
		return nil, fmt.Errorf("budget: failed to record spend: %w", err)
	}
	return &b, nil
}

func (s *PostgresStorage) OpenProvisionalCharge(ctx context.Context, principalID, mandateID string, estimated int64, currency string) (*ProvisionalCharge, error) {
	query := `
		INSERT INTO provisional_charges (id, principal_id, mandate_id, estimated_cost, currency, created_at, reconciled)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, NOW(), false)
		RETURNING id, principal_id, mandate_id, estimated_cost, currency, created_at, reconciled
	`
	var pc ProvisionalCharge
	row := s.db.QueryRowContext(ctx, query, principalID, mandateID, estimated, currency)
	if err := row.Scan(&pc.ID, &pc.PrincipalID, &pc.MandateID, &pc.EstimatedCost, &pc.Currency, &pc.CreatedAt, &pc.Reconciled); err != nil {
		return nil, fmt.Errorf("budget: failed to open provisional charge: %w", err)
	}
	return &pc, nil
}

func (s *PostgresStorage) ReconcileProvisionalCharge(ctx context.Context, chargeID string, actualCost int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE provisional_charges SET reconciled = true, actual_cost = $2 WHERE id = $1",
		chargeID, actualCost)
	if err != nil {
		return fmt.Errorf("budget: failed to reconcile provisional charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("budget: failed to confirm reconciliation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("budget: provisional charge %s not found", chargeID)
	}
	return nil
}

// ExpireProvisionalCharges deletes unreconciled charges older than cutoff,
// returning how many were swept. Run periodically; a charge that never saw
// its metering event was a forward that died before completing.
func (s *PostgresStorage) ExpireProvisionalCharges(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM provisional_charges WHERE reconciled = false AND created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("budget: failed to expire provisional charges: %w", err)
	}
	return res.RowsAffected()
}
