package confirm

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/services/pipeline"
	"github.com/boxhunt/settlement_layer/internal/app/storage/memory"
	"github.com/boxhunt/settlement_layer/internal/chain"
)

var (
	testToken   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	otherToken  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testSender  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	testDeposit = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	testHash    = common.HexToHash("0x1122334455667788990011223344556677889900112233445566778899001122")
)

type fakeReader struct {
	receipts map[common.Hash]*types.Receipt
	blockAt  time.Time
}

func (f *fakeReader) Receipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	return r, nil
}

func (f *fakeReader) BlockTime(context.Context, *big.Int) (time.Time, error) {
	return f.blockAt, nil
}

func transferLog(token, from, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			chain.TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: paddedAmount(amount),
	}
}

func paddedAmount(amount *big.Int) []byte {
	buf := make([]byte, 32)
	amount.FillBytes(buf)
	return buf
}

func successReceipt(logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(42),
		Logs:        logs,
	}
}

func seedPosition(t *testing.T, store *memory.Store) position.FundingPosition {
	t.Helper()
	pos, err := store.CreatePosition(context.Background(), position.FundingPosition{
		Ref:            "bx-aaaa000001",
		DepositAddress: testDeposit.Hex(),
		ExpectedMin:    big.NewInt(100),
		ExpectedMax:    big.NewInt(250000),
		Status:         position.StatusAwaitingFunds,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return pos
}

func TestConfirmAcceptsInBoundsDeposit(t *testing.T) {
	store := memory.New()
	pos := seedPosition(t, store)

	reader := &fakeReader{
		blockAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		receipts: map[common.Hash]*types.Receipt{
			testHash: successReceipt(
				transferLog(otherToken, testSender, testDeposit, big.NewInt(9999)),
				transferLog(testToken, testSender, testDeposit, big.NewInt(150)),
			),
		},
	}

	var sweptRef string
	runner := pipeline.New(nil, 1, time.Millisecond)
	stage := pipeline.Func{StageName: "sweep", Fn: func(_ context.Context, ref string) error {
		sweptRef = ref
		return nil
	}}

	svc := New(store, reader, testToken, runner, nil, stage)
	res, err := svc.Confirm(context.Background(), pos.Ref, testHash.Hex(), "owner-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.AlreadyConfirmed {
		t.Fatal("fresh confirmation flagged as repeat")
	}
	if res.Position.Status != position.StatusFundedLocked {
		t.Fatalf("status = %q, want %q", res.Position.Status, position.StatusFundedLocked)
	}
	if res.Position.FundedAmount == nil || res.Position.FundedAmount.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("funded amount = %v, want 150", res.Position.FundedAmount)
	}
	if res.Position.DepositTxHash != testHash.Hex() {
		t.Fatalf("deposit tx = %q", res.Position.DepositTxHash)
	}
	if res.Position.OwnerBinding != "owner-1" {
		t.Fatalf("owner = %q", res.Position.OwnerBinding)
	}
	if sweptRef != pos.Ref {
		t.Fatalf("downstream stage ran for %q, want %q", sweptRef, pos.Ref)
	}
	if len(res.Pipeline) != 1 || !res.Pipeline[0].OK {
		t.Fatalf("pipeline outcomes = %+v", res.Pipeline)
	}
}

func TestConfirmRejectsBelowMinimum(t *testing.T) {
	store := memory.New()
	pos := seedPosition(t, store)

	reader := &fakeReader{
		blockAt: time.Now().UTC(),
		receipts: map[common.Hash]*types.Receipt{
			testHash: successReceipt(transferLog(testToken, testSender, testDeposit, big.NewInt(50))),
		},
	}
	svc := New(store, reader, testToken, nil, nil)
	_, err := svc.Confirm(context.Background(), pos.Ref, testHash.Hex(), "")
	if !position.IsClass(err, position.ClassChainVerification) {
		t.Fatalf("err = %v, want chain_verification", err)
	}

	fresh, _ := store.GetPositionByRef(context.Background(), pos.Ref)
	if fresh.Status != position.StatusAwaitingFunds {
		t.Fatalf("rejected deposit advanced status to %q", fresh.Status)
	}
}

func TestConfirmRepeatReportsAlreadyConfirmed(t *testing.T) {
	store := memory.New()
	pos := seedPosition(t, store)

	reader := &fakeReader{
		blockAt: time.Now().UTC(),
		receipts: map[common.Hash]*types.Receipt{
			testHash: successReceipt(transferLog(testToken, testSender, testDeposit, big.NewInt(150))),
		},
	}
	svc := New(store, reader, testToken, nil, nil)
	ctx := context.Background()

	if _, err := svc.Confirm(ctx, pos.Ref, testHash.Hex(), ""); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	res, err := svc.Confirm(ctx, pos.Ref, testHash.Hex(), "late-owner")
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if !res.AlreadyConfirmed {
		t.Fatal("repeat confirmation not flagged")
	}
	if res.Position.OwnerBinding != "late-owner" {
		t.Fatalf("late owner binding = %q", res.Position.OwnerBinding)
	}
	if res.Position.FundedAmount.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("funded amount changed to %v", res.Position.FundedAmount)
	}
}

func TestConfirmUnknownRef(t *testing.T) {
	svc := New(memory.New(), &fakeReader{}, testToken, nil, nil)
	_, err := svc.Confirm(context.Background(), "bx-deadbeef00", testHash.Hex(), "")
	if !position.IsClass(err, position.ClassNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestConfirmUnminedTxIsRetriable(t *testing.T) {
	store := memory.New()
	pos := seedPosition(t, store)
	svc := New(store, &fakeReader{receipts: map[common.Hash]*types.Receipt{}}, testToken, nil, nil)

	_, err := svc.Confirm(context.Background(), pos.Ref, testHash.Hex(), "")
	if !position.IsClass(err, position.ClassInfrastructure) {
		t.Fatalf("err = %v, want infrastructure", err)
	}
}

func TestConfirmRevertedReceipt(t *testing.T) {
	store := memory.New()
	pos := seedPosition(t, store)
	reader := &fakeReader{receipts: map[common.Hash]*types.Receipt{
		testHash: {Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(7)},
	}}
	svc := New(store, reader, testToken, nil, nil)

	_, err := svc.Confirm(context.Background(), pos.Ref, testHash.Hex(), "")
	if !position.IsClass(err, position.ClassChainVerification) {
		t.Fatalf("err = %v, want chain_verification", err)
	}
}

func TestConfirmIgnoresForeignTokenOnly(t *testing.T) {
	store := memory.New()
	pos := seedPosition(t, store)
	reader := &fakeReader{receipts: map[common.Hash]*types.Receipt{
		testHash: successReceipt(transferLog(otherToken, testSender, testDeposit, big.NewInt(150))),
	}}
	svc := New(store, reader, testToken, nil, nil)

	_, err := svc.Confirm(context.Background(), pos.Ref, testHash.Hex(), "")
	if !position.IsClass(err, position.ClassChainVerification) {
		t.Fatalf("err = %v, want chain_verification", err)
	}
}

func TestConfirmMalformedHash(t *testing.T) {
	store := memory.New()
	pos := seedPosition(t, store)
	svc := New(store, &fakeReader{}, testToken, nil, nil)

	_, err := svc.Confirm(context.Background(), pos.Ref, "not-a-hash", "")
	if !position.IsClass(err, position.ClassValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}
