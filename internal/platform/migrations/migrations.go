// Package migrations applies the settlement schema. Statements are embedded
// and idempotent (IF NOT EXISTS) so Apply can run on every startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS funding_positions (
		id                  UUID PRIMARY KEY,
		ref                 TEXT NOT NULL UNIQUE,
		deposit_address     TEXT NOT NULL UNIQUE,
		expected_min        NUMERIC(78,0) NOT NULL,
		expected_max        NUMERIC(78,0) NOT NULL,
		status              TEXT NOT NULL,
		deposit_tx_hash     TEXT,
		funded_amount       NUMERIC(78,0),
		funded_at           TIMESTAMPTZ,
		gas_topup_tx_hash   TEXT,
		gas_topup_amount    NUMERIC(78,0),
		sweep_tx_hash       TEXT,
		swept_at            TIMESTAMPTZ,
		mint_tx_hash        TEXT,
		minted_at           TIMESTAMPTZ,
		allocation_tx_hash  TEXT,
		transferred_at      TIMESTAMPTZ,
		allocated_amount    NUMERIC(78,0),
		accrual_started_at  TIMESTAMPTZ,
		owner_binding       TEXT,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_positions_status
		ON funding_positions (status)`,

	`CREATE INDEX IF NOT EXISTS idx_positions_owner
		ON funding_positions (owner_binding)
		WHERE owner_binding IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS deposit_keys (
		position_id   UUID PRIMARY KEY REFERENCES funding_positions (id),
		encrypted_key BYTEA NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
}

// Apply executes all schema statements in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// Count returns the number of schema statements, for tests.
func Count() int { return len(statements) }
