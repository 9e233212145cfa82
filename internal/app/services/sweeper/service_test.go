package sweeper

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/services/pipeline"
	"github.com/boxhunt/settlement_layer/internal/app/storage/memory"
	"github.com/boxhunt/settlement_layer/internal/keyvault"
)

var (
	testToken    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testTreasury = common.HexToAddress("0x00000000000000000000000000000000000000e5")
)

type sentCall struct {
	contract common.Address
	data     []byte
	gasLimit uint64
	from     common.Address
}

type fakeOps struct {
	estimate  uint64
	price     *big.Int
	balances  map[common.Address]*big.Int
	blockAt   time.Time
	revert    bool
	seq       int
	native    []common.Hash
	contracts []sentCall
}

func newFakeOps(estimate uint64, price int64) *fakeOps {
	return &fakeOps{
		estimate: estimate,
		price:    big.NewInt(price),
		balances: map[common.Address]*big.Int{},
		blockAt:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fakeOps) EstimateTokenTransferGas(context.Context, common.Address, common.Address, common.Address, *big.Int) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeOps) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.price), nil
}

func (f *fakeOps) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeOps) SendNative(_ context.Context, _ *ecdsa.PrivateKey, to common.Address, amountWei *big.Int) (common.Hash, error) {
	cur, ok := f.balances[to]
	if !ok {
		cur = big.NewInt(0)
	}
	f.balances[to] = new(big.Int).Add(cur, amountWei)
	h := f.nextHash()
	f.native = append(f.native, h)
	return h, nil
}

func (f *fakeOps) SendContractCall(_ context.Context, key *ecdsa.PrivateKey, contract common.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	f.contracts = append(f.contracts, sentCall{
		contract: contract,
		data:     data,
		gasLimit: gasLimit,
		from:     ethcrypto.PubkeyToAddress(key.PublicKey),
	})
	return f.nextHash(), nil
}

func (f *fakeOps) WaitMined(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, BlockNumber: big.NewInt(77)}, nil
}

func (f *fakeOps) BlockTime(context.Context, *big.Int) (time.Time, error) {
	return f.blockAt, nil
}

func (f *fakeOps) nextHash() common.Hash {
	f.seq++
	return common.HexToHash(fmt.Sprintf("0x%064x", f.seq))
}

// seedFunded creates a funded position with its encrypted key and returns
// the position plus its deposit address.
func seedFunded(t *testing.T, store *memory.Store, vault *keyvault.Vault, ref string) position.FundingPosition {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	blob, err := vault.Encrypt(ethcrypto.FromECDSA(key))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	now := time.Now().UTC()
	pos, err := store.CreatePosition(context.Background(), position.FundingPosition{
		Ref:            ref,
		DepositAddress: ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		ExpectedMin:    big.NewInt(100),
		ExpectedMax:    big.NewInt(250000),
		Status:         position.StatusFundedLocked,
		DepositTxHash:  "0x" + fmt.Sprintf("%064x", 9000),
		FundedAmount:   big.NewInt(150),
		FundedAt:       &now,
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if err := store.CreateDepositKey(context.Background(), position.DepositKey{PositionID: pos.ID, EncryptedKey: blob}); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	return pos
}

func newSweeper(t *testing.T, store *memory.Store, vault *keyvault.Vault, ops ChainOps) *Service {
	t.Helper()
	opsKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("ops key: %v", err)
	}
	return New(store, store, vault, ops, testToken, testTreasury, opsKey, 150, big.NewInt(1000), big.NewInt(5000), nil)
}

func TestSweepWithSufficientGas(t *testing.T) {
	store := memory.New()
	vault, _ := keyvault.New("sweeper-test")
	pos := seedFunded(t, store, vault, "bx-sweep000001")

	ops := newFakeOps(100, 1) // gas limit 150, need 150 wei
	ops.balances[common.HexToAddress(pos.DepositAddress)] = big.NewInt(1000)

	svc := newSweeper(t, store, vault, ops)
	swept, err := svc.Sweep(context.Background(), pos.Ref)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept.Status != position.StatusSweptLocked {
		t.Fatalf("status = %q, want %q", swept.Status, position.StatusSweptLocked)
	}
	if swept.SweepTxHash == "" || swept.SweptAt == nil || !swept.SweptAt.Equal(ops.blockAt) {
		t.Fatalf("sweep record incomplete: tx %q, at %v", swept.SweepTxHash, swept.SweptAt)
	}
	if swept.GasTopUpTxHash != "" {
		t.Fatal("top-up sent despite sufficient balance")
	}
	if len(ops.contracts) != 1 {
		t.Fatalf("contract calls = %d, want 1", len(ops.contracts))
	}
	call := ops.contracts[0]
	if call.contract != testToken {
		t.Fatalf("swept wrong contract %s", call.contract)
	}
	if call.from.Hex() != pos.DepositAddress {
		t.Fatalf("sweep signed by %s, want deposit key %s", call.from, pos.DepositAddress)
	}
	if call.gasLimit != 150 {
		t.Fatalf("gas limit = %d, want 150", call.gasLimit)
	}
}

func TestSweepTopsUpOnceWithClampedMinimum(t *testing.T) {
	store := memory.New()
	vault, _ := keyvault.New("sweeper-test")
	pos := seedFunded(t, store, vault, "bx-sweep000002")

	ops := newFakeOps(100, 1) // need 150 wei, balance 40, deficit clamps up to 1000
	ops.balances[common.HexToAddress(pos.DepositAddress)] = big.NewInt(40)

	svc := newSweeper(t, store, vault, ops)
	swept, err := svc.Sweep(context.Background(), pos.Ref)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept.GasTopUpTxHash == "" {
		t.Fatal("top-up not recorded")
	}
	if swept.GasTopUpAmount == nil || swept.GasTopUpAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("top-up amount = %v, want clamped minimum 1000", swept.GasTopUpAmount)
	}
	if len(ops.native) != 1 {
		t.Fatalf("native sends = %d, want 1", len(ops.native))
	}
	if swept.Status != position.StatusSweptLocked {
		t.Fatalf("status = %q after top-up sweep", swept.Status)
	}
}

func TestSweepClampedTopUpStillShort(t *testing.T) {
	store := memory.New()
	vault, _ := keyvault.New("sweeper-test")
	pos := seedFunded(t, store, vault, "bx-sweep000003")

	ops := newFakeOps(10000, 100) // gas limit 15000, need 1.5M wei, max top-up 5000
	svc := newSweeper(t, store, vault, ops)

	_, err := svc.Sweep(context.Background(), pos.Ref)
	if !position.IsClass(err, position.ClassChainVerification) {
		t.Fatalf("err = %v, want chain_verification", err)
	}
	fresh, _ := store.GetPositionByRef(context.Background(), pos.Ref)
	if fresh.GasTopUpTxHash == "" {
		t.Fatal("clamped top-up should still be recorded")
	}
	if fresh.GasTopUpAmount.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("top-up amount = %v, want clamped maximum 5000", fresh.GasTopUpAmount)
	}
	if fresh.Status != position.StatusFundedLocked {
		t.Fatalf("status advanced to %q despite failed sweep", fresh.Status)
	}
}

func TestSweepNeverTopsUpTwice(t *testing.T) {
	store := memory.New()
	vault, _ := keyvault.New("sweeper-test")
	pos := seedFunded(t, store, vault, "bx-sweep000004")
	ctx := context.Background()

	if err := store.RecordGasTopUp(ctx, pos.ID, "0x"+fmt.Sprintf("%064x", 5555), big.NewInt(1000)); err != nil {
		t.Fatalf("record top-up: %v", err)
	}

	ops := newFakeOps(100, 1)
	svc := newSweeper(t, store, vault, ops)

	_, err := svc.Sweep(ctx, pos.Ref)
	if !position.IsClass(err, position.ClassChainVerification) {
		t.Fatalf("err = %v, want chain_verification", err)
	}
	if len(ops.native) != 0 {
		t.Fatalf("second top-up sent: %d native transfers", len(ops.native))
	}
}

func TestSweepWrongStatus(t *testing.T) {
	store := memory.New()
	vault, _ := keyvault.New("sweeper-test")
	pos, err := store.CreatePosition(context.Background(), position.FundingPosition{
		Ref:            "bx-sweep000005",
		DepositAddress: common.HexToAddress("0x1").Hex(),
		ExpectedMin:    big.NewInt(100),
		ExpectedMax:    big.NewInt(250000),
		Status:         position.StatusAwaitingFunds,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := newSweeper(t, store, vault, newFakeOps(100, 1))

	_, err = svc.Sweep(context.Background(), pos.Ref)
	if !position.IsClass(err, position.ClassStateConflict) {
		t.Fatalf("err = %v, want state_conflict", err)
	}
}

func TestSweepWithoutRefPicksEligible(t *testing.T) {
	store := memory.New()
	vault, _ := keyvault.New("sweeper-test")
	svc := newSweeper(t, store, vault, newFakeOps(100, 1))
	ctx := context.Background()

	if _, err := svc.Sweep(ctx, ""); !errors.Is(err, ErrNothingToSweep) {
		t.Fatalf("err = %v, want ErrNothingToSweep", err)
	}

	pos := seedFunded(t, store, vault, "bx-sweep000006")
	ops := newFakeOps(100, 1)
	ops.balances[common.HexToAddress(pos.DepositAddress)] = big.NewInt(1000)
	svc = newSweeper(t, store, vault, ops)

	swept, err := svc.Sweep(ctx, "")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept.Ref != pos.Ref {
		t.Fatalf("swept %q, want %q", swept.Ref, pos.Ref)
	}
}

func TestSweepRevertedTransferIsTerminal(t *testing.T) {
	store := memory.New()
	vault, _ := keyvault.New("sweeper-test")
	pos := seedFunded(t, store, vault, "bx-sweep000008")

	ops := newFakeOps(100, 1)
	ops.revert = true
	ops.balances[common.HexToAddress(pos.DepositAddress)] = big.NewInt(1000)
	svc := newSweeper(t, store, vault, ops)

	runner := pipeline.New(nil, 3, time.Millisecond)
	outcomes := runner.Run(context.Background(), pos.Ref, svc.Stage())
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	out := outcomes[0]
	if out.OK || out.Conflict {
		t.Fatalf("reverted sweep reported as %+v", out)
	}
	if out.Class != position.ClassChainVerification {
		t.Fatalf("class = %q, want chain_verification", out.Class)
	}
	if out.Attempts != 1 {
		t.Fatalf("attempts = %d, a reverted transfer must not be retried", out.Attempts)
	}
	if len(ops.contracts) != 1 {
		t.Fatalf("sends = %d, a reverted transfer must not be resubmitted", len(ops.contracts))
	}
	fresh, _ := store.GetPositionByRef(context.Background(), pos.Ref)
	if fresh.Status != position.StatusFundedLocked {
		t.Fatalf("status advanced to %q despite revert", fresh.Status)
	}
}

func TestSweepTamperedKeyIsFatal(t *testing.T) {
	store := memory.New()
	vault, _ := keyvault.New("sweeper-test")
	pos := seedFunded(t, store, vault, "bx-sweep000007")
	ctx := context.Background()

	keyRow, err := store.GetDepositKey(ctx, pos.ID)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	keyRow.EncryptedKey[len(keyRow.EncryptedKey)-1] ^= 0xff
	if err := store.CreateDepositKey(ctx, keyRow); err != nil {
		t.Fatalf("store tampered key: %v", err)
	}

	ops := newFakeOps(100, 1)
	ops.balances[common.HexToAddress(pos.DepositAddress)] = big.NewInt(1000)
	svc := newSweeper(t, store, vault, ops)

	_, err = svc.Sweep(ctx, pos.Ref)
	if !position.IsClass(err, position.ClassKeyIntegrity) {
		t.Fatalf("err = %v, want key_integrity", err)
	}
	if len(ops.contracts) != 0 {
		t.Fatal("sweep sent despite key integrity failure")
	}
}
