// Package sweeper moves confirmed deposits from their single-use addresses
// into the treasury, topping up gas from the operations account when the
// deposit address cannot pay for its own transfer.
package sweeper

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/metrics"
	"github.com/boxhunt/settlement_layer/internal/app/services/pipeline"
	"github.com/boxhunt/settlement_layer/internal/app/storage"
	"github.com/boxhunt/settlement_layer/internal/chain"
	"github.com/boxhunt/settlement_layer/internal/keyvault"
	"github.com/boxhunt/settlement_layer/pkg/logger"
)

// ChainOps is the slice of the chain client sweeping needs.
type ChainOps interface {
	EstimateTokenTransferGas(ctx context.Context, token, from, to common.Address, amount *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amountWei *big.Int) (common.Hash, error)
	SendContractCall(ctx context.Context, key *ecdsa.PrivateKey, contract common.Address, data []byte, gasLimit uint64) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockTime(ctx context.Context, blockNumber *big.Int) (time.Time, error)
}

// Service sweeps funded positions into the treasury.
type Service struct {
	positions storage.PositionStore
	keys      storage.DepositKeyStore
	vault     *keyvault.Vault
	ops       ChainOps
	token     common.Address
	treasury  common.Address
	opsKey    *ecdsa.PrivateKey
	gasPct    uint64
	topUpMin  *big.Int
	topUpMax  *big.Int
	log       *logger.Logger
}

// New constructs the sweeper. gasPct scales the gas estimate in percent and
// must be at least 100; topUpMin and topUpMax clamp the single allowed gas
// top-up in wei.
func New(positions storage.PositionStore, keys storage.DepositKeyStore, vault *keyvault.Vault, ops ChainOps,
	token, treasury common.Address, opsKey *ecdsa.PrivateKey, gasPct uint64, topUpMin, topUpMax *big.Int, log *logger.Logger) *Service {
	if gasPct < 100 {
		gasPct = 100
	}
	if log == nil {
		log = logger.NewDefault("sweeper")
	}
	return &Service{
		positions: positions,
		keys:      keys,
		vault:     vault,
		ops:       ops,
		token:     token,
		treasury:  treasury,
		opsKey:    opsKey,
		gasPct:    gasPct,
		topUpMin:  new(big.Int).Set(topUpMin),
		topUpMax:  new(big.Int).Set(topUpMax),
		log:       log,
	}
}

// Stage adapts the sweeper for the settlement pipeline.
func (s *Service) Stage() pipeline.Stage {
	return pipeline.Func{StageName: "sweep", Fn: func(ctx context.Context, ref string) error {
		_, err := s.Sweep(ctx, ref)
		return err
	}}
}

// Sweep transfers a funded position's full deposit into the treasury and
// advances it to swept_locked. An empty ref sweeps the oldest eligible
// position; when none is eligible, ErrNothingToSweep is returned.
func (s *Service) Sweep(ctx context.Context, ref string) (position.FundingPosition, error) {
	pos, err := s.resolve(ctx, ref)
	if err != nil {
		return position.FundingPosition{}, err
	}

	if pos.SweepTxHash != "" || pos.Status != position.StatusFundedLocked {
		return position.FundingPosition{}, position.NewFault(position.ClassStateConflict,
			"position %s is %s, nothing to sweep", pos.Ref, pos.Status)
	}
	if pos.FundedAmount == nil || pos.FundedAmount.Sign() <= 0 {
		return position.FundingPosition{}, position.NewFault(position.ClassChainVerification,
			"position %s has no recorded funded amount", pos.Ref)
	}

	deposit := common.HexToAddress(pos.DepositAddress)
	gasLimit, need, err := s.gasNeed(ctx, deposit, pos.FundedAmount)
	if err != nil {
		return position.FundingPosition{}, err
	}

	balance, err := s.ops.NativeBalance(ctx, deposit)
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "native balance of %s", pos.DepositAddress)
	}
	if balance.Cmp(need) < 0 {
		pos, err = s.topUp(ctx, pos, deposit, need, balance)
		if err != nil {
			return position.FundingPosition{}, err
		}
	}

	txHash, err := s.signedSweep(ctx, pos, gasLimit)
	if err != nil {
		return position.FundingPosition{}, err
	}

	receipt, err := s.ops.WaitMined(ctx, txHash)
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "await sweep %s", txHash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return position.FundingPosition{}, position.NewFault(position.ClassChainVerification, "sweep %s reverted", txHash.Hex())
	}
	sweptAt, err := s.ops.BlockTime(ctx, receipt.BlockNumber)
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "block time for sweep %s", txHash.Hex())
	}

	if err := s.positions.MarkSwept(ctx, pos.ID, txHash.Hex(), sweptAt); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return position.FundingPosition{}, position.WrapFault(position.ClassStateConflict, err, "position %s already swept", pos.Ref)
		}
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "mark swept %s", pos.Ref)
	}

	pos, err = s.positions.GetPosition(ctx, pos.ID)
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "reload position %s", ref)
	}
	s.log.WithField("ref", pos.Ref).
		WithField("tx", pos.SweepTxHash).
		WithField("amount", pos.FundedAmount.String()).
		Info("position swept")
	return pos, nil
}

// ErrNothingToSweep is returned by a ref-less sweep when no position waits.
var ErrNothingToSweep = errors.New("sweeper: no position eligible")

func (s *Service) resolve(ctx context.Context, ref string) (position.FundingPosition, error) {
	if ref != "" {
		pos, err := s.positions.GetPositionByRef(ctx, ref)
		if errors.Is(err, storage.ErrNotFound) {
			return position.FundingPosition{}, position.NewFault(position.ClassNotFound, "position %s not found", ref)
		}
		if err != nil {
			return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "load position %s", ref)
		}
		return pos, nil
	}
	eligible, err := s.positions.ListByStatus(ctx, position.StatusFundedLocked)
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "list funded positions")
	}
	if len(eligible) == 0 {
		return position.FundingPosition{}, ErrNothingToSweep
	}
	return eligible[0], nil
}

// gasNeed returns the scaled gas limit and the wei the deposit address must
// hold to pay for the sweep transfer.
func (s *Service) gasNeed(ctx context.Context, deposit common.Address, amount *big.Int) (uint64, *big.Int, error) {
	estimate, err := s.ops.EstimateTokenTransferGas(ctx, s.token, deposit, s.treasury, amount)
	if err != nil {
		return 0, nil, position.WrapFault(position.ClassInfrastructure, err, "estimate sweep gas")
	}
	price, err := s.ops.SuggestGasPrice(ctx)
	if err != nil {
		return 0, nil, position.WrapFault(position.ClassInfrastructure, err, "suggest gas price")
	}
	gasLimit := estimate * s.gasPct / 100
	need := new(big.Int).SetUint64(gasLimit)
	need.Mul(need, price)
	return gasLimit, need, nil
}

// topUp funds the deposit address from the operations account. At most one
// top-up per position, ever: if one is already recorded and the balance is
// still short, the position is handed to operator recovery.
func (s *Service) topUp(ctx context.Context, pos position.FundingPosition, deposit common.Address, need, balance *big.Int) (position.FundingPosition, error) {
	if pos.GasTopUpTxHash != "" {
		return pos, position.NewFault(position.ClassChainVerification,
			"position %s already topped up once (tx %s), balance still short", pos.Ref, pos.GasTopUpTxHash)
	}

	deficit := new(big.Int).Sub(need, balance)
	if deficit.Cmp(s.topUpMin) < 0 {
		deficit.Set(s.topUpMin)
	}
	if deficit.Cmp(s.topUpMax) > 0 {
		deficit.Set(s.topUpMax)
	}

	txHash, err := s.ops.SendNative(ctx, s.opsKey, deposit, deficit)
	if err != nil {
		return pos, position.WrapFault(position.ClassInfrastructure, err, "send gas top-up for %s", pos.Ref)
	}
	receipt, err := s.ops.WaitMined(ctx, txHash)
	if err != nil {
		return pos, position.WrapFault(position.ClassInfrastructure, err, "await top-up %s", txHash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return pos, position.NewFault(position.ClassChainVerification, "top-up %s reverted", txHash.Hex())
	}
	if err := s.positions.RecordGasTopUp(ctx, pos.ID, txHash.Hex(), deficit); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return pos, position.WrapFault(position.ClassStateConflict, err, "top-up already recorded for %s", pos.Ref)
		}
		return pos, position.WrapFault(position.ClassInfrastructure, err, "record top-up for %s", pos.Ref)
	}
	metrics.RecordGasTopUp()
	s.log.WithField("ref", pos.Ref).
		WithField("tx", txHash.Hex()).
		WithField("amount_wei", deficit.String()).
		Info("gas top-up sent")

	fresh, err := s.positions.GetPosition(ctx, pos.ID)
	if err != nil {
		return pos, position.WrapFault(position.ClassInfrastructure, err, "reload position %s", pos.Ref)
	}
	balance, err = s.ops.NativeBalance(ctx, deposit)
	if err != nil {
		return fresh, position.WrapFault(position.ClassInfrastructure, err, "native balance of %s", pos.DepositAddress)
	}
	if balance.Cmp(need) < 0 {
		return fresh, position.NewFault(position.ClassChainVerification,
			"position %s still underfunded for gas after top-up (%s < %s)", pos.Ref, balance, need)
	}
	return fresh, nil
}

// signedSweep performs the token transfer under the decrypted deposit key.
// The key exists in memory only for the duration of the send.
func (s *Service) signedSweep(ctx context.Context, pos position.FundingPosition, gasLimit uint64) (common.Hash, error) {
	keyRow, err := s.keys.GetDepositKey(ctx, pos.ID)
	if err != nil {
		return common.Hash{}, position.WrapFault(position.ClassInfrastructure, err, "load deposit key for %s", pos.Ref)
	}
	data, err := chain.PackTransfer(s.treasury, pos.FundedAmount)
	if err != nil {
		return common.Hash{}, position.WrapFault(position.ClassInfrastructure, err, "pack sweep transfer")
	}

	var txHash common.Hash
	err = s.vault.Use(keyRow.EncryptedKey, func(priv *ecdsa.PrivateKey) error {
		var sendErr error
		txHash, sendErr = s.ops.SendContractCall(ctx, priv, s.token, data, gasLimit)
		return sendErr
	})
	if errors.Is(err, keyvault.ErrKeyIntegrity) {
		return common.Hash{}, position.WrapFault(position.ClassKeyIntegrity, err, "deposit key for %s", pos.Ref)
	}
	if err != nil {
		return common.Hash{}, position.WrapFault(position.ClassInfrastructure, err, "send sweep for %s", pos.Ref)
	}
	return txHash, nil
}
