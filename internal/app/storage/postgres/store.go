// Package postgres implements the storage interfaces on PostgreSQL. Every
// lifecycle transition is a single conditional UPDATE; a zero-row result is
// reported as storage.ErrConflict so callers can treat a lost race as a
// normal outcome.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/storage"
)

// Store implements storage.PositionStore and storage.DepositKeyStore.
type Store struct {
	db *sql.DB
}

var _ storage.PositionStore = (*Store)(nil)
var _ storage.DepositKeyStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const positionColumns = `id, ref, deposit_address, expected_min, expected_max, status,
	deposit_tx_hash, funded_amount, funded_at,
	gas_topup_tx_hash, gas_topup_amount,
	sweep_tx_hash, swept_at,
	mint_tx_hash, minted_at,
	allocation_tx_hash, transferred_at, allocated_amount,
	accrual_started_at, owner_binding, created_at, updated_at`

func (s *Store) CreatePosition(ctx context.Context, pos position.FundingPosition) (position.FundingPosition, error) {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	pos.CreatedAt = now
	pos.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_positions (id, ref, deposit_address, expected_min, expected_max, status, owner_binding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, pos.ID, pos.Ref, strings.ToLower(pos.DepositAddress), numeric(pos.ExpectedMin), numeric(pos.ExpectedMax),
		string(pos.Status), toNullString(pos.OwnerBinding), pos.CreatedAt, pos.UpdatedAt)
	if err != nil {
		return position.FundingPosition{}, err
	}
	return pos, nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (position.FundingPosition, error) {
	return s.getWhere(ctx, "id = $1", id)
}

func (s *Store) GetPositionByRef(ctx context.Context, ref string) (position.FundingPosition, error) {
	return s.getWhere(ctx, "ref = $1", ref)
}

func (s *Store) GetPositionByAddress(ctx context.Context, address string) (position.FundingPosition, error) {
	return s.getWhere(ctx, "deposit_address = $1", strings.ToLower(address))
}

func (s *Store) getWhere(ctx context.Context, cond string, arg interface{}) (position.FundingPosition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM funding_positions
		WHERE `+cond, arg)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return position.FundingPosition{}, storage.ErrNotFound
	}
	return pos, err
}

func (s *Store) ListAwaiting(ctx context.Context) ([]position.FundingPosition, error) {
	return s.listWhere(ctx, `
		WHERE status = $1 AND deposit_tx_hash IS NULL
		ORDER BY created_at
	`, string(position.StatusAwaitingFunds))
}

func (s *Store) ListByStatus(ctx context.Context, status position.Status) ([]position.FundingPosition, error) {
	return s.listWhere(ctx, `
		WHERE status = $1
		ORDER BY created_at
	`, string(status))
}

func (s *Store) ListByRefs(ctx context.Context, refs []string) ([]position.FundingPosition, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	return s.listWhere(ctx, `
		WHERE ref = ANY($1)
		ORDER BY created_at
	`, pq.Array(refs))
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]position.FundingPosition, error) {
	return s.listWhere(ctx, `
		WHERE owner_binding = $1
		ORDER BY created_at
	`, owner)
}

func (s *Store) listWhere(ctx context.Context, tail string, args ...interface{}) ([]position.FundingPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM funding_positions
	`+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []position.FundingPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pos)
	}
	return result, rows.Err()
}

func (s *Store) Summarize(ctx context.Context) (position.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*),
			COALESCE(SUM(funded_amount), 0)::text,
			COALESCE(SUM(allocated_amount), 0)::text
		FROM funding_positions
		GROUP BY status
	`)
	if err != nil {
		return position.Summary{}, err
	}
	defer rows.Close()

	summary := position.Summary{
		Counts:         make(map[position.Status]int64),
		TotalFunded:    new(big.Int),
		TotalAllocated: new(big.Int),
		GeneratedAt:    time.Now().UTC(),
	}
	for rows.Next() {
		var (
			status    string
			count     int64
			funded    string
			allocated string
		)
		if err := rows.Scan(&status, &count, &funded, &allocated); err != nil {
			return position.Summary{}, err
		}
		summary.Counts[position.Status(status)] = count
		summary.TotalFunded.Add(summary.TotalFunded, mustBig(funded))
		summary.TotalAllocated.Add(summary.TotalAllocated, mustBig(allocated))
	}
	return summary, rows.Err()
}

func (s *Store) BindOwner(ctx context.Context, id, owner string) error {
	// A lost race here is fine: the binding is first-writer-wins.
	_, err := s.db.ExecContext(ctx, `
		UPDATE funding_positions
		SET owner_binding = $2, updated_at = $3
		WHERE id = $1 AND owner_binding IS NULL
	`, id, owner, time.Now().UTC())
	return err
}

func (s *Store) DeletePosition(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM funding_positions
		WHERE id = $1 AND status = $2 AND deposit_tx_hash IS NULL
	`, id, string(position.StatusAwaitingFunds))
	return checkAffected(result, err)
}

func (s *Store) MarkFunded(ctx context.Context, id, txHash string, amount *big.Int, fundedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE funding_positions
		SET status = $2, deposit_tx_hash = $3, funded_amount = $4, funded_at = $5, updated_at = $6
		WHERE id = $1 AND status = $7 AND deposit_tx_hash IS NULL
	`, id, string(position.StatusFundedLocked), txHash, numeric(amount), fundedAt.UTC(), time.Now().UTC(),
		string(position.StatusAwaitingFunds))
	return checkAffected(result, err)
}

func (s *Store) RecordGasTopUp(ctx context.Context, id, txHash string, amount *big.Int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE funding_positions
		SET gas_topup_tx_hash = $2, gas_topup_amount = $3, updated_at = $4
		WHERE id = $1 AND gas_topup_tx_hash IS NULL
	`, id, txHash, numeric(amount), time.Now().UTC())
	return checkAffected(result, err)
}

func (s *Store) MarkSwept(ctx context.Context, id, txHash string, sweptAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE funding_positions
		SET status = $2, sweep_tx_hash = $3, swept_at = $4, updated_at = $5
		WHERE id = $1 AND status = $6 AND sweep_tx_hash IS NULL
	`, id, string(position.StatusSweptLocked), txHash, sweptAt.UTC(), time.Now().UTC(),
		string(position.StatusFundedLocked))
	return checkAffected(result, err)
}

func (s *Store) RecordMint(ctx context.Context, id, txHash string, mintedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE funding_positions
		SET mint_tx_hash = $2, minted_at = $3, updated_at = $4
		WHERE id = $1 AND status = $5 AND mint_tx_hash IS NULL
	`, id, txHash, mintedAt.UTC(), time.Now().UTC(), string(position.StatusSweptLocked))
	return checkAffected(result, err)
}

func (s *Store) RecordAllocation(ctx context.Context, id, txHash string, amount *big.Int, transferredAt, accrualStart time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE funding_positions
		SET allocation_tx_hash = $2, allocated_amount = $3, transferred_at = $4, accrual_started_at = $5, updated_at = $6
		WHERE id = $1 AND status = $7 AND allocation_tx_hash IS NULL
	`, id, txHash, numeric(amount), transferredAt.UTC(), accrualStart.UTC(), time.Now().UTC(),
		string(position.StatusSweptLocked))
	return checkAffected(result, err)
}

func (s *Store) CreateDepositKey(ctx context.Context, key position.DepositKey) error {
	key.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposit_keys (position_id, encrypted_key, created_at)
		VALUES ($1, $2, $3)
	`, key.PositionID, key.EncryptedKey, key.CreatedAt)
	return err
}

func (s *Store) GetDepositKey(ctx context.Context, positionID string) (position.DepositKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT position_id, encrypted_key, created_at
		FROM deposit_keys
		WHERE position_id = $1
	`, positionID)

	var key position.DepositKey
	if err := row.Scan(&key.PositionID, &key.EncryptedKey, &key.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return position.DepositKey{}, storage.ErrNotFound
		}
		return position.DepositKey{}, err
	}
	return key, nil
}

// --- scanning helpers -------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (position.FundingPosition, error) {
	var (
		pos position.FundingPosition

		status       string
		expectedMin  string
		expectedMax  string
		depositTx    sql.NullString
		fundedAmount sql.NullString
		fundedAt     sql.NullTime
		topUpTx      sql.NullString
		topUpAmount  sql.NullString
		sweepTx      sql.NullString
		sweptAt      sql.NullTime
		mintTx       sql.NullString
		mintedAt     sql.NullTime
		allocTx      sql.NullString
		transferred  sql.NullTime
		allocAmount  sql.NullString
		accrualStart sql.NullTime
		owner        sql.NullString
	)

	err := row.Scan(&pos.ID, &pos.Ref, &pos.DepositAddress, &expectedMin, &expectedMax, &status,
		&depositTx, &fundedAmount, &fundedAt,
		&topUpTx, &topUpAmount,
		&sweepTx, &sweptAt,
		&mintTx, &mintedAt,
		&allocTx, &transferred, &allocAmount,
		&accrualStart, &owner, &pos.CreatedAt, &pos.UpdatedAt)
	if err != nil {
		return position.FundingPosition{}, err
	}

	pos.Status = position.Status(status)
	pos.ExpectedMin = mustBig(expectedMin)
	pos.ExpectedMax = mustBig(expectedMax)
	pos.DepositTxHash = depositTx.String
	if fundedAmount.Valid {
		pos.FundedAmount = mustBig(fundedAmount.String)
	}
	if fundedAt.Valid {
		pos.FundedAt = utcPtr(fundedAt.Time)
	}
	pos.GasTopUpTxHash = topUpTx.String
	if topUpAmount.Valid {
		pos.GasTopUpAmount = mustBig(topUpAmount.String)
	}
	pos.SweepTxHash = sweepTx.String
	if sweptAt.Valid {
		pos.SweptAt = utcPtr(sweptAt.Time)
	}
	pos.MintTxHash = mintTx.String
	if mintedAt.Valid {
		pos.MintedAt = utcPtr(mintedAt.Time)
	}
	pos.AllocationTxHash = allocTx.String
	if transferred.Valid {
		pos.TransferredAt = utcPtr(transferred.Time)
	}
	if allocAmount.Valid {
		pos.AllocatedAmount = mustBig(allocAmount.String)
	}
	if accrualStart.Valid {
		pos.AccrualStartedAt = utcPtr(accrualStart.Time)
	}
	pos.OwnerBinding = owner.String
	return pos, nil
}

func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

func checkAffected(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func mustBig(s string) *big.Int {
	// NUMERIC may come back as "123.000000000000000000" depending on the
	// column definition; strip any fractional part before parsing.
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		s = s[:idx]
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(fmt.Sprintf("postgres: malformed numeric %q", s))
	}
	return v
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
