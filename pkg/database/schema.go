package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is the full DDL for the Postgres deployment. It creates tables and
// indexes only and issues no GRANT or REVOKE: InitSchema does not restrict
// UPDATE or DELETE on policy_versions or ledger_events for any role.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS principals (
		principal_id   UUID PRIMARY KEY,
		name           TEXT NOT NULL UNIQUE,
		owner          TEXT NOT NULL DEFAULT '',
		principal_type TEXT NOT NULL CHECK (principal_type IN ('user', 'agent', 'service')),
		parent_id      UUID REFERENCES principals(principal_id),
		public_key     TEXT,
		active         BOOLEAN NOT NULL DEFAULT true,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deactivated_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS policy_versions (
		policy_id                 UUID PRIMARY KEY,
		principal_id              UUID NOT NULL REFERENCES principals(principal_id),
		allowed_resource_patterns TEXT[] NOT NULL,
		allowed_actions           TEXT[] NOT NULL,
		max_validity_seconds      BIGINT NOT NULL,
		allow_delegation          BOOLEAN NOT NULL DEFAULT false,
		max_delegation_depth      INT NOT NULL DEFAULT 0,
		active                    BOOLEAN NOT NULL DEFAULT false,
		created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_by                TEXT NOT NULL DEFAULT '',
		version_number            INT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policy_versions_principal ON policy_versions (principal_id, active)`,

	`CREATE TABLE IF NOT EXISTS execution_mandates (
		mandate_id        UUID PRIMARY KEY,
		issuer_id         UUID NOT NULL REFERENCES principals(principal_id),
		subject_id        UUID NOT NULL REFERENCES principals(principal_id),
		resource_scope    TEXT[] NOT NULL,
		action_scope      TEXT[] NOT NULL,
		valid_from        TIMESTAMPTZ NOT NULL,
		valid_until       TIMESTAMPTZ NOT NULL CHECK (valid_until >= valid_from),
		parent_mandate_id UUID REFERENCES execution_mandates(mandate_id),
		delegation_depth  INT NOT NULL DEFAULT 0,
		intent            JSONB,
		signer_key_id     TEXT NOT NULL,
		signature         TEXT NOT NULL,
		revoked           BOOLEAN NOT NULL DEFAULT false,
		revoked_at        TIMESTAMPTZ,
		revoked_by        TEXT,
		revocation_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mandates_parent ON execution_mandates (parent_mandate_id)`,
	`CREATE INDEX IF NOT EXISTS idx_mandates_subject ON execution_mandates (subject_id)`,

	`CREATE TABLE IF NOT EXISTS ledger_events (
		event_id           BIGINT PRIMARY KEY,
		source_event_id    TEXT UNIQUE,
		kind               TEXT NOT NULL,
		timestamp          TIMESTAMPTZ NOT NULL,
		principal_id       TEXT,
		mandate_id         TEXT,
		decision           TEXT,
		denial_reason      TEXT,
		requested_action   TEXT,
		requested_resource TEXT,
		payload            JSONB,
		correlation_id     TEXT,
		prev_hash          TEXT NOT NULL,
		event_hash         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_principal ON ledger_events (principal_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger_events (timestamp)`,

	`CREATE TABLE IF NOT EXISTS merkle_batches (
		batch_id      UUID PRIMARY KEY,
		from_event_id BIGINT NOT NULL,
		to_event_id   BIGINT NOT NULL,
		leaf_count    INT NOT NULL,
		root_hash     TEXT NOT NULL,
		signature     TEXT NOT NULL,
		signer_key_id TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		UNIQUE (from_event_id, to_event_id)
	)`,

	`CREATE TABLE IF NOT EXISTS replay_runs (
		replay_id        UUID PRIMARY KEY,
		consumer_group   TEXT NOT NULL,
		topics           TEXT[] NOT NULL,
		start_time       TIMESTAMPTZ NOT NULL,
		end_time         TIMESTAMPTZ,
		events_processed BIGINT NOT NULL DEFAULT 0,
		status           TEXT NOT NULL,
		error            TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS budgets (
		principal_id  TEXT PRIMARY KEY,
		daily_limit   BIGINT NOT NULL DEFAULT 0,
		monthly_limit BIGINT NOT NULL DEFAULT 0,
		daily_used    BIGINT NOT NULL DEFAULT 0,
		monthly_used  BIGINT NOT NULL DEFAULT 0,
		last_updated  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS provisional_charges (
		id             UUID PRIMARY KEY,
		principal_id   TEXT NOT NULL,
		mandate_id     TEXT NOT NULL,
		estimated_cost BIGINT NOT NULL,
		actual_cost    BIGINT,
		currency       TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		reconciled     BOOLEAN NOT NULL DEFAULT false
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		entry_id      UUID PRIMARY KEY,
		sequence      BIGINT NOT NULL,
		timestamp     TIMESTAMPTZ NOT NULL,
		entry_type    TEXT NOT NULL,
		subject       TEXT NOT NULL,
		action        TEXT NOT NULL,
		payload       JSONB,
		payload_hash  TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash    TEXT NOT NULL
	)`,
}

// InitSchema creates every table the Postgres stores expect. Idempotent;
// run at process start or from a provisioning job.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: schema init failed: %w", err)
		}
	}
	return nil
}
