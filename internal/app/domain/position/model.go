// Package position defines the funding position lifecycle model shared by
// the issuer, verifier, watcher, sweeper and minter.
package position

import (
	"math/big"
	"time"
)

// Status is the one-directional lifecycle state of a funding position.
type Status string

const (
	// StatusAwaitingFunds is the initial state: a deposit address was issued
	// and no transfer has been verified yet.
	StatusAwaitingFunds Status = "awaiting_funds"
	// StatusFundedLocked means a matching deposit was verified on chain.
	StatusFundedLocked Status = "funded_locked"
	// StatusSweptLocked means the deposit was moved to the treasury.
	StatusSweptLocked Status = "swept_locked"
)

// Rank orders statuses so forward-only transitions can be checked.
func (s Status) Rank() int {
	switch s {
	case StatusAwaitingFunds:
		return 0
	case StatusFundedLocked:
		return 1
	case StatusSweptLocked:
		return 2
	}
	return -1
}

// FundingPosition is the permanent settlement receipt for one funding
// attempt. Transaction-hash fields are write-once; the record is never
// deleted.
type FundingPosition struct {
	ID  string `json:"id"`
	Ref string `json:"ref"`

	DepositAddress string   `json:"deposit_address"`
	ExpectedMin    *big.Int `json:"expected_min"`
	ExpectedMax    *big.Int `json:"expected_max"`

	Status Status `json:"status"`

	DepositTxHash string     `json:"deposit_tx_hash,omitempty"`
	FundedAmount  *big.Int   `json:"funded_amount,omitempty"`
	FundedAt      *time.Time `json:"funded_at,omitempty"`

	GasTopUpTxHash string   `json:"gas_topup_tx_hash,omitempty"`
	GasTopUpAmount *big.Int `json:"gas_topup_amount,omitempty"`

	SweepTxHash string     `json:"sweep_tx_hash,omitempty"`
	SweptAt     *time.Time `json:"swept_at,omitempty"`

	MintTxHash string     `json:"mint_tx_hash,omitempty"`
	MintedAt   *time.Time `json:"minted_at,omitempty"`

	AllocationTxHash string     `json:"allocation_transfer_tx_hash,omitempty"`
	TransferredAt    *time.Time `json:"transferred_at,omitempty"`
	AllocatedAmount  *big.Int   `json:"allocated_amount,omitempty"`

	AccrualStartedAt *time.Time `json:"accrual_started_at,omitempty"`

	OwnerBinding string `json:"owner_binding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DepositKey holds the encrypted signing key for a position's deposit
// address. The blob is nonce‖ciphertext+tag; plaintext is never persisted.
type DepositKey struct {
	PositionID   string    `json:"position_id"`
	EncryptedKey []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary aggregates positions by status for the dashboard. The display
// totals are the base-unit totals rendered in whole tokens.
type Summary struct {
	Counts                map[Status]int64 `json:"counts"`
	TotalFunded           *big.Int         `json:"total_funded"`
	TotalAllocated        *big.Int         `json:"total_allocated"`
	TotalFundedDisplay    string           `json:"total_funded_display,omitempty"`
	TotalAllocatedDisplay string           `json:"total_allocated_display,omitempty"`
	GeneratedAt           time.Time        `json:"generated_at"`
}
