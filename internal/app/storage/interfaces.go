package storage

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a conditional update matched zero rows,
// meaning another caller already advanced the record. Transient by contract.
var ErrConflict = errors.New("storage: conditional update affected no rows")

// PositionStore persists funding positions. All lifecycle transitions are
// guarded compare-and-swap updates: they succeed only while the stored record
// still matches the expected pre-state, and report ErrConflict otherwise.
type PositionStore interface {
	CreatePosition(ctx context.Context, pos position.FundingPosition) (position.FundingPosition, error)
	GetPosition(ctx context.Context, id string) (position.FundingPosition, error)
	GetPositionByRef(ctx context.Context, ref string) (position.FundingPosition, error)
	GetPositionByAddress(ctx context.Context, address string) (position.FundingPosition, error)

	// ListAwaiting returns positions still awaiting funds with no recorded
	// deposit transaction, ordered by creation time.
	ListAwaiting(ctx context.Context) ([]position.FundingPosition, error)
	ListByStatus(ctx context.Context, status position.Status) ([]position.FundingPosition, error)
	ListByRefs(ctx context.Context, refs []string) ([]position.FundingPosition, error)
	ListByOwner(ctx context.Context, owner string) ([]position.FundingPosition, error)
	Summarize(ctx context.Context) (position.Summary, error)

	// BindOwner sets the owner binding iff it is still unset. A lost race is
	// not an error.
	BindOwner(ctx context.Context, id, owner string) error

	// DeletePosition unwinds an aborted issuance. Only positions still
	// awaiting funds with no recorded deposit can be removed; anything that
	// advanced is a permanent receipt and reports ErrConflict.
	DeletePosition(ctx context.Context, id string) error

	// MarkFunded advances awaiting_funds -> funded_locked iff no deposit
	// transaction is recorded yet.
	MarkFunded(ctx context.Context, id, txHash string, amount *big.Int, fundedAt time.Time) error

	// RecordGasTopUp records the single allowed top-up iff none is recorded.
	RecordGasTopUp(ctx context.Context, id, txHash string, amount *big.Int) error

	// MarkSwept advances funded_locked -> swept_locked iff no sweep
	// transaction is recorded yet.
	MarkSwept(ctx context.Context, id, txHash string, sweptAt time.Time) error

	// RecordMint records the mint transaction iff none is recorded.
	RecordMint(ctx context.Context, id, txHash string, mintedAt time.Time) error

	// RecordAllocation records the allocation transfer, amount and accrual
	// anchor iff no allocation transaction is recorded.
	RecordAllocation(ctx context.Context, id, txHash string, amount *big.Int, transferredAt, accrualStart time.Time) error
}

// DepositKeyStore persists encrypted deposit signing keys, one per position.
type DepositKeyStore interface {
	CreateDepositKey(ctx context.Context, key position.DepositKey) error
	GetDepositKey(ctx context.Context, positionID string) (position.DepositKey, error)
}
