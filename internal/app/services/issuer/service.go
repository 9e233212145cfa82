// Package issuer creates funding positions: a fresh deposit keypair, the
// encrypted key row, and the position record in its initial state.
package issuer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/storage"
	"github.com/boxhunt/settlement_layer/internal/keyvault"
	"github.com/boxhunt/settlement_layer/pkg/logger"
)

// ErrMaintenance is returned while position issuance is gated off.
var ErrMaintenance = errors.New("issuer: maintenance active")

// Gate reports whether issuance is currently blocked.
type Gate func() bool

// Service issues funding positions.
type Service struct {
	positions storage.PositionStore
	keys      storage.DepositKeyStore
	vault     *keyvault.Vault
	gate      Gate
	min       *big.Int
	max       *big.Int
	log       *logger.Logger
}

// New constructs the issuer. Bounds are token base units and must satisfy
// min < max (validated again here; config validates at startup).
func New(positions storage.PositionStore, keys storage.DepositKeyStore, vault *keyvault.Vault, gate Gate, min, max *big.Int, log *logger.Logger) (*Service, error) {
	if min == nil || max == nil || min.Cmp(max) >= 0 {
		return nil, fmt.Errorf("issuer: invalid bounds: min %v, max %v", min, max)
	}
	if log == nil {
		log = logger.NewDefault("issuer")
	}
	return &Service{
		positions: positions,
		keys:      keys,
		vault:     vault,
		gate:      gate,
		min:       new(big.Int).Set(min),
		max:       new(big.Int).Set(max),
		log:       log,
	}, nil
}

// Issue creates exactly one new position and one encrypted key row. The
// deposit address comes from a freshly generated keypair and is never reused.
func (s *Service) Issue(ctx context.Context) (position.FundingPosition, error) {
	if s.gate != nil && s.gate() {
		return position.FundingPosition{}, ErrMaintenance
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "generate deposit key")
	}
	address := ethcrypto.PubkeyToAddress(key.PublicKey)

	raw := ethcrypto.FromECDSA(key)
	blob, err := s.vault.Encrypt(raw)
	for i := range raw {
		raw[i] = 0
	}
	key.D.SetInt64(0)
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "encrypt deposit key")
	}

	ref, err := newRef()
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "generate ref")
	}

	pos, err := s.positions.CreatePosition(ctx, position.FundingPosition{
		Ref:            ref,
		DepositAddress: address.Hex(),
		ExpectedMin:    new(big.Int).Set(s.min),
		ExpectedMax:    new(big.Int).Set(s.max),
		Status:         position.StatusAwaitingFunds,
	})
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "create position")
	}

	if err := s.keys.CreateDepositKey(ctx, position.DepositKey{
		PositionID:   pos.ID,
		EncryptedKey: blob,
	}); err != nil {
		// A position without its signing key can never settle; unwind it.
		if derr := s.positions.DeletePosition(ctx, pos.ID); derr != nil {
			s.log.WithError(derr).WithField("ref", pos.Ref).Warn("orphaned position not removed")
		}
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "store deposit key for %s", pos.Ref)
	}

	s.log.WithField("ref", pos.Ref).
		WithField("deposit_address", pos.DepositAddress).
		Info("position issued")
	return pos, nil
}

func newRef() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "bx-" + hex.EncodeToString(buf), nil
}
