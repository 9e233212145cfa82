// Package confirm verifies a reported deposit transaction against the chain
// and locks the position's funding state.
package confirm

import (
	"context"
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

// ChainReader is the slice of the chain client confirmation needs.
type ChainReader interface {
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockTime(ctx context.Context, blockNumber *big.Int) (time.Time, error)
}

// Service confirms deposits.
type Service struct {
	positions storage.PositionStore
	reader    ChainReader
	token     common.Address
	runner    *pipeline.Runner
	stages    []pipeline.Stage
	log       *logger.Logger
}

// Result reports the outcome of a confirmation, including downstream stage
// outcomes when the deposit was accepted.
type Result struct {
	Position         position.FundingPosition `json:"position"`
	AlreadyConfirmed bool                     `json:"already_confirmed"`
	Pipeline         []pipeline.Outcome       `json:"pipeline,omitempty"`
}

// New constructs the confirmation service. stages run inline after a fresh
// confirmation; pass none to confirm without driving the rest of the flow.
func New(positions storage.PositionStore, reader ChainReader, token common.Address, runner *pipeline.Runner, log *logger.Logger, stages ...pipeline.Stage) *Service {
	if log == nil {
		log = logger.NewDefault("confirm")
	}
	return &Service{
		positions: positions,
		reader:    reader,
		token:     token,
		runner:    runner,
		stages:    stages,
		log:       log,
	}
}

// Confirm verifies txHash funded the position's deposit address within the
// expected bounds, then advances the position to funded_locked. A repeat call
// for an already funded position reports AlreadyConfirmed instead of failing.
// owner, when non empty, is bound to the position if no binding exists yet.
func (s *Service) Confirm(ctx context.Context, ref, txHash, owner string) (Result, error) {
	pos, err := s.positions.GetPositionByRef(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, position.NewFault(position.ClassNotFound, "position %s not found", ref)
	}
	if err != nil {
		return Result{}, position.WrapFault(position.ClassInfrastructure, err, "load position %s", ref)
	}

	if pos.DepositTxHash != "" {
		return s.alreadyConfirmed(ctx, pos, owner)
	}
	if pos.Status != position.StatusAwaitingFunds {
		return Result{}, position.NewFault(position.ClassStateConflict, "position %s is %s, cannot confirm", ref, pos.Status)
	}

	hash, err := chain.NormalizeTxHash(txHash)
	if err != nil {
		return Result{}, position.WrapFault(position.ClassValidation, err, "tx hash")
	}

	receipt, err := s.reader.Receipt(ctx, hash)
	if errors.Is(err, chain.ErrTxNotFound) {
		// Possibly not mined yet; callers may retry.
		return Result{}, position.WrapFault(position.ClassInfrastructure, err, "transaction %s not found", hash.Hex())
	}
	if err != nil {
		return Result{}, position.WrapFault(position.ClassInfrastructure, err, "fetch receipt %s", hash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Result{}, position.NewFault(position.ClassChainVerification, "transaction %s reverted", hash.Hex())
	}

	amount := s.matchedAmount(receipt.Logs, common.HexToAddress(pos.DepositAddress))
	if amount.Sign() == 0 {
		return Result{}, position.NewFault(position.ClassChainVerification,
			"transaction %s carries no transfer of the deposit token to %s", hash.Hex(), pos.DepositAddress)
	}
	if amount.Cmp(pos.ExpectedMin) < 0 {
		return Result{}, position.NewFault(position.ClassChainVerification,
			"deposit amount %s below minimum %s", amount, pos.ExpectedMin)
	}
	if amount.Cmp(pos.ExpectedMax) > 0 {
		return Result{}, position.NewFault(position.ClassChainVerification,
			"deposit amount %s above maximum %s", amount, pos.ExpectedMax)
	}

	fundedAt, err := s.reader.BlockTime(ctx, receipt.BlockNumber)
	if err != nil {
		return Result{}, position.WrapFault(position.ClassInfrastructure, err, "block time for %s", hash.Hex())
	}

	if err := s.positions.MarkFunded(ctx, pos.ID, hash.Hex(), amount, fundedAt); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another caller won the race; report their result.
			fresh, ferr := s.positions.GetPosition(ctx, pos.ID)
			if ferr == nil && fresh.DepositTxHash != "" {
				return s.alreadyConfirmed(ctx, fresh, owner)
			}
			return Result{}, position.WrapFault(position.ClassStateConflict, err, "position %s already advanced", ref)
		}
		return Result{}, position.WrapFault(position.ClassInfrastructure, err, "mark funded %s", ref)
	}
	if owner != "" {
		if err := s.positions.BindOwner(ctx, pos.ID, owner); err != nil {
			s.log.WithError(err).WithField("ref", ref).Warn("owner binding failed")
		}
	}

	pos, err = s.positions.GetPosition(ctx, pos.ID)
	if err != nil {
		return Result{}, position.WrapFault(position.ClassInfrastructure, err, "reload position %s", ref)
	}
	s.log.WithField("ref", pos.Ref).
		WithField("tx", pos.DepositTxHash).
		WithField("amount", amount.String()).
		Info("deposit confirmed")

	res := Result{Position: pos}
	if s.runner != nil && len(s.stages) > 0 {
		res.Pipeline = s.runner.Run(ctx, pos.Ref, s.stages...)
		if fresh, err := s.positions.GetPosition(ctx, pos.ID); err == nil {
			res.Position = fresh
		}
	}
	return res, nil
}

func (s *Service) alreadyConfirmed(ctx context.Context, pos position.FundingPosition, owner string) (Result, error) {
	if owner != "" && pos.OwnerBinding == "" {
		if err := s.positions.BindOwner(ctx, pos.ID, owner); err == nil {
			if fresh, ferr := s.positions.GetPosition(ctx, pos.ID); ferr == nil {
				pos = fresh
			}
		}
	}
	return Result{Position: pos, AlreadyConfirmed: true}, nil
}

// matchedAmount sums every Transfer of the deposit token to the deposit
// address within the receipt. Foreign tokens and other recipients are ignored.
func (s *Service) matchedAmount(logs []*types.Log, deposit common.Address) *big.Int {
	total := new(big.Int)
	for _, lg := range logs {
		if lg == nil || lg.Address != s.token {
			continue
		}
		ev, err := chain.ParseTransferLog(*lg)
		if err != nil {
			continue
		}
		if ev.To == deposit {
			total.Add(total, ev.Amount)
		}
	}
	return total
}
