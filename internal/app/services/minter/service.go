// Package minter issues custody tokens for swept positions: a mint of the
// swept amount to the treasury, then an allocation transfer of the same
// amount to the position's deposit address. The two steps are independently
// recorded so a crash between them resumes where it stopped.
package minter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/services/pipeline"
	"github.com/boxhunt/settlement_layer/internal/app/storage"
	"github.com/boxhunt/settlement_layer/internal/chain"
	"github.com/boxhunt/settlement_layer/pkg/logger"
)

// ChainOps is the slice of the chain client minting needs.
type ChainOps interface {
	SendContractCall(ctx context.Context, key *ecdsa.PrivateKey, contract common.Address, data []byte, gasLimit uint64) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockTime(ctx context.Context, blockNumber *big.Int) (time.Time, error)
}

// Service mints and allocates custody tokens.
type Service struct {
	positions storage.PositionStore
	ops       ChainOps
	custody   common.Address
	treasury  common.Address
	opsKey    *ecdsa.PrivateKey
	gasLimit  uint64
	log       *logger.Logger
}

// New constructs the minter. gasLimit bounds both the mint and the
// allocation transfer; zero selects a default.
func New(positions storage.PositionStore, ops ChainOps, custody, treasury common.Address, opsKey *ecdsa.PrivateKey, gasLimit uint64, log *logger.Logger) *Service {
	if gasLimit == 0 {
		gasLimit = 120000
	}
	if log == nil {
		log = logger.NewDefault("minter")
	}
	return &Service{
		positions: positions,
		ops:       ops,
		custody:   custody,
		treasury:  treasury,
		opsKey:    opsKey,
		gasLimit:  gasLimit,
		log:       log,
	}
}

// Stage adapts the minter for the settlement pipeline.
func (s *Service) Stage() pipeline.Stage {
	return pipeline.Func{StageName: "mint", Fn: func(ctx context.Context, ref string) error {
		_, err := s.Mint(ctx, ref)
		return err
	}}
}

// Mint performs whichever of the two custody steps are still missing for a
// swept position. The allocation amount equals the swept deposit amount and
// accrual is anchored at the sweep time.
func (s *Service) Mint(ctx context.Context, ref string) (position.FundingPosition, error) {
	pos, err := s.positions.GetPositionByRef(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return position.FundingPosition{}, position.NewFault(position.ClassNotFound, "position %s not found", ref)
	}
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "load position %s", ref)
	}

	if pos.Status.Rank() < position.StatusSweptLocked.Rank() || pos.SweepTxHash == "" {
		return position.FundingPosition{}, position.NewFault(position.ClassStateConflict,
			"position %s is %s, cannot mint before the sweep", ref, pos.Status)
	}
	if pos.AllocationTxHash != "" {
		return position.FundingPosition{}, position.NewFault(position.ClassStateConflict,
			"position %s already allocated", ref)
	}
	if pos.FundedAmount == nil || pos.FundedAmount.Sign() <= 0 {
		return position.FundingPosition{}, position.NewFault(position.ClassChainVerification,
			"position %s has no swept amount to mint", ref)
	}

	if pos.MintTxHash == "" {
		pos, err = s.mintStep(ctx, pos)
		if err != nil {
			return position.FundingPosition{}, err
		}
	}

	pos, err = s.allocateStep(ctx, pos)
	if err != nil {
		return position.FundingPosition{}, err
	}

	s.log.WithField("ref", pos.Ref).
		WithField("mint_tx", pos.MintTxHash).
		WithField("allocation_tx", pos.AllocationTxHash).
		WithField("amount", pos.FundedAmount.String()).
		Info("custody tokens allocated")
	return pos, nil
}

func (s *Service) mintStep(ctx context.Context, pos position.FundingPosition) (position.FundingPosition, error) {
	data, err := chain.PackMint(s.treasury, pos.FundedAmount)
	if err != nil {
		return pos, position.WrapFault(position.ClassInfrastructure, err, "pack mint")
	}
	receipt, txHash, err := s.sendAndWait(ctx, data)
	if err != nil {
		return pos, err
	}
	mintedAt, err := s.ops.BlockTime(ctx, receipt.BlockNumber)
	if err != nil {
		return pos, position.WrapFault(position.ClassInfrastructure, err, "block time for mint %s", txHash.Hex())
	}
	if err := s.positions.RecordMint(ctx, pos.ID, txHash.Hex(), mintedAt); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return pos, position.WrapFault(position.ClassStateConflict, err, "mint already recorded for %s", pos.Ref)
		}
		return pos, position.WrapFault(position.ClassInfrastructure, err, "record mint for %s", pos.Ref)
	}
	fresh, err := s.positions.GetPosition(ctx, pos.ID)
	if err != nil {
		return pos, position.WrapFault(position.ClassInfrastructure, err, "reload position %s", pos.Ref)
	}
	return fresh, nil
}

func (s *Service) allocateStep(ctx context.Context, pos position.FundingPosition) (position.FundingPosition, error) {
	data, err := chain.PackTransfer(common.HexToAddress(pos.DepositAddress), pos.FundedAmount)
	if err != nil {
		return pos, position.WrapFault(position.ClassInfrastructure, err, "pack allocation transfer")
	}
	receipt, txHash, err := s.sendAndWait(ctx, data)
	if err != nil {
		return pos, err
	}
	transferredAt, err := s.ops.BlockTime(ctx, receipt.BlockNumber)
	if err != nil {
		return pos, position.WrapFault(position.ClassInfrastructure, err, "block time for allocation %s", txHash.Hex())
	}

	// Accrual is anchored at the sweep, not at the allocation transfer.
	accrualStart := transferredAt
	if pos.SweptAt != nil {
		accrualStart = *pos.SweptAt
	}
	if err := s.positions.RecordAllocation(ctx, pos.ID, txHash.Hex(), pos.FundedAmount, transferredAt, accrualStart); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return pos, position.WrapFault(position.ClassStateConflict, err, "allocation already recorded for %s", pos.Ref)
		}
		return pos, position.WrapFault(position.ClassInfrastructure, err, "record allocation for %s", pos.Ref)
	}
	fresh, err := s.positions.GetPosition(ctx, pos.ID)
	if err != nil {
		return pos, position.WrapFault(position.ClassInfrastructure, err, "reload position %s", pos.Ref)
	}
	return fresh, nil
}

func (s *Service) sendAndWait(ctx context.Context, data []byte) (*types.Receipt, common.Hash, error) {
	txHash, err := s.ops.SendContractCall(ctx, s.opsKey, s.custody, data, s.gasLimit)
	if err != nil {
		return nil, common.Hash{}, position.WrapFault(position.ClassInfrastructure, err, "send custody transaction")
	}
	receipt, err := s.ops.WaitMined(ctx, txHash)
	if err != nil {
		return nil, txHash, position.WrapFault(position.ClassInfrastructure, err, "await custody transaction %s", txHash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, txHash, position.NewFault(position.ClassChainVerification, "custody transaction %s reverted", txHash.Hex())
	}
	return receipt, txHash, nil
}
