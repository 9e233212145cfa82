package issuer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/storage/memory"
	"github.com/boxhunt/settlement_layer/internal/keyvault"
)

func newTestService(t *testing.T, gate Gate) (*Service, *memory.Store, *keyvault.Vault) {
	t.Helper()
	store := memory.New()
	vault, err := keyvault.New("issuer-test-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	svc, err := New(store, store, vault, gate, big.NewInt(100), big.NewInt(250000), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store, vault
}

func TestIssueCreatesPositionAndKey(t *testing.T) {
	svc, store, vault := newTestService(t, nil)
	ctx := context.Background()

	pos, err := svc.Issue(ctx)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(pos.Ref, "bx-") || len(pos.Ref) != 13 {
		t.Fatalf("unexpected ref %q", pos.Ref)
	}
	if !common.IsHexAddress(pos.DepositAddress) {
		t.Fatalf("deposit address %q is not a hex address", pos.DepositAddress)
	}
	if pos.Status != position.StatusAwaitingFunds {
		t.Fatalf("status = %q, want %q", pos.Status, position.StatusAwaitingFunds)
	}
	if pos.ExpectedMin.Cmp(big.NewInt(100)) != 0 || pos.ExpectedMax.Cmp(big.NewInt(250000)) != 0 {
		t.Fatalf("bounds = %v..%v", pos.ExpectedMin, pos.ExpectedMax)
	}

	key, err := store.GetDepositKey(ctx, pos.ID)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	var recovered string
	err = vault.Use(key.EncryptedKey, func(priv *ecdsa.PrivateKey) error {
		recovered = ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()
		return nil
	})
	if err != nil {
		t.Fatalf("use key: %v", err)
	}
	if recovered != pos.DepositAddress {
		t.Fatalf("stored key address %s, deposit address %s", recovered, pos.DepositAddress)
	}
}

func TestIssueDistinctAddresses(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		pos, err := svc.Issue(ctx)
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		if seen[pos.DepositAddress] {
			t.Fatalf("address %s reused", pos.DepositAddress)
		}
		seen[pos.DepositAddress] = true
	}
}

func TestIssueMaintenanceGate(t *testing.T) {
	blocked := true
	svc, _, _ := newTestService(t, func() bool { return blocked })

	if _, err := svc.Issue(context.Background()); !errors.Is(err, ErrMaintenance) {
		t.Fatalf("err = %v, want ErrMaintenance", err)
	}
	blocked = false
	if _, err := svc.Issue(context.Background()); err != nil {
		t.Fatalf("issue after gate lifted: %v", err)
	}
}

type failingKeyStore struct {
	*memory.Store
}

func (f failingKeyStore) CreateDepositKey(context.Context, position.DepositKey) error {
	return errors.New("key store unavailable")
}

func TestIssueUnwindsPositionWhenKeyStoreFails(t *testing.T) {
	store := memory.New()
	vault, err := keyvault.New("issuer-test-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	svc, err := New(store, failingKeyStore{store}, vault, nil, big.NewInt(100), big.NewInt(250000), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = svc.Issue(context.Background())
	if !position.IsClass(err, position.ClassInfrastructure) {
		t.Fatalf("err = %v, want infrastructure", err)
	}
	left, err := store.ListAwaiting(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("keyless position left behind: %+v", left)
	}
}

func TestNewRejectsBadBounds(t *testing.T) {
	store := memory.New()
	vault, err := keyvault.New("secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	if _, err := New(store, store, vault, nil, big.NewInt(10), big.NewInt(10), nil); err == nil {
		t.Fatal("expected error for min == max")
	}
	if _, err := New(store, store, vault, nil, nil, big.NewInt(10), nil); err == nil {
		t.Fatal("expected error for nil min")
	}
}
