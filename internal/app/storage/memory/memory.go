// Package memory provides an in-memory implementation of the storage
// interfaces for tests and development.
package memory

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/storage"
)

// Store keeps all records in process memory, guarded by one mutex so the
// conditional updates have the same winner-takes-all behavior as SQL.
type Store struct {
	mu        sync.Mutex
	positions map[string]position.FundingPosition
	byRef     map[string]string
	byAddress map[string]string
	keys      map[string]position.DepositKey
}

var _ storage.PositionStore = (*Store)(nil)
var _ storage.DepositKeyStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		positions: make(map[string]position.FundingPosition),
		byRef:     make(map[string]string),
		byAddress: make(map[string]string),
		keys:      make(map[string]position.DepositKey),
	}
}

func (s *Store) CreatePosition(ctx context.Context, pos position.FundingPosition) (position.FundingPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	pos.CreatedAt = now
	pos.UpdatedAt = now

	s.positions[pos.ID] = clonePosition(pos)
	s.byRef[pos.Ref] = pos.ID
	s.byAddress[strings.ToLower(pos.DepositAddress)] = pos.ID
	return pos, nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (position.FundingPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *Store) GetPositionByRef(ctx context.Context, ref string) (position.FundingPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRef[ref]
	if !ok {
		return position.FundingPosition{}, storage.ErrNotFound
	}
	return s.get(id)
}

func (s *Store) GetPositionByAddress(ctx context.Context, address string) (position.FundingPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return position.FundingPosition{}, storage.ErrNotFound
	}
	return s.get(id)
}

func (s *Store) ListAwaiting(ctx context.Context) ([]position.FundingPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []position.FundingPosition
	for _, pos := range s.positions {
		if pos.Status == position.StatusAwaitingFunds && pos.DepositTxHash == "" {
			result = append(result, clonePosition(pos))
		}
	}
	sortByCreated(result)
	return result, nil
}

func (s *Store) ListByStatus(ctx context.Context, status position.Status) ([]position.FundingPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []position.FundingPosition
	for _, pos := range s.positions {
		if pos.Status == status {
			result = append(result, clonePosition(pos))
		}
	}
	sortByCreated(result)
	return result, nil
}

func (s *Store) ListByRefs(ctx context.Context, refs []string) ([]position.FundingPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []position.FundingPosition
	for _, ref := range refs {
		if id, ok := s.byRef[ref]; ok {
			if pos, err := s.get(id); err == nil {
				result = append(result, pos)
			}
		}
	}
	sortByCreated(result)
	return result, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]position.FundingPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []position.FundingPosition
	for _, pos := range s.positions {
		if pos.OwnerBinding != "" && pos.OwnerBinding == owner {
			result = append(result, clonePosition(pos))
		}
	}
	sortByCreated(result)
	return result, nil
}

func (s *Store) Summarize(ctx context.Context) (position.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := position.Summary{
		Counts:         make(map[position.Status]int64),
		TotalFunded:    new(big.Int),
		TotalAllocated: new(big.Int),
		GeneratedAt:    time.Now().UTC(),
	}
	for _, pos := range s.positions {
		summary.Counts[pos.Status]++
		if pos.FundedAmount != nil {
			summary.TotalFunded.Add(summary.TotalFunded, pos.FundedAmount)
		}
		if pos.AllocatedAmount != nil {
			summary.TotalAllocated.Add(summary.TotalAllocated, pos.AllocatedAmount)
		}
	}
	return summary, nil
}

func (s *Store) BindOwner(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if pos.OwnerBinding != "" {
		return nil
	}
	pos.OwnerBinding = owner
	pos.UpdatedAt = time.Now().UTC()
	s.positions[id] = pos
	return nil
}

func (s *Store) DeletePosition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if pos.Status != position.StatusAwaitingFunds || pos.DepositTxHash != "" {
		return storage.ErrConflict
	}
	delete(s.positions, id)
	delete(s.byRef, pos.Ref)
	delete(s.byAddress, strings.ToLower(pos.DepositAddress))
	return nil
}

func (s *Store) MarkFunded(ctx context.Context, id, txHash string, amount *big.Int, fundedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if pos.Status != position.StatusAwaitingFunds || pos.DepositTxHash != "" {
		return storage.ErrConflict
	}
	pos.Status = position.StatusFundedLocked
	pos.DepositTxHash = txHash
	pos.FundedAmount = new(big.Int).Set(amount)
	pos.FundedAt = utcPtr(fundedAt)
	pos.UpdatedAt = time.Now().UTC()
	s.positions[id] = pos
	return nil
}

func (s *Store) RecordGasTopUp(ctx context.Context, id, txHash string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if pos.GasTopUpTxHash != "" {
		return storage.ErrConflict
	}
	pos.GasTopUpTxHash = txHash
	pos.GasTopUpAmount = new(big.Int).Set(amount)
	pos.UpdatedAt = time.Now().UTC()
	s.positions[id] = pos
	return nil
}

func (s *Store) MarkSwept(ctx context.Context, id, txHash string, sweptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if pos.Status != position.StatusFundedLocked || pos.SweepTxHash != "" {
		return storage.ErrConflict
	}
	pos.Status = position.StatusSweptLocked
	pos.SweepTxHash = txHash
	pos.SweptAt = utcPtr(sweptAt)
	pos.UpdatedAt = time.Now().UTC()
	s.positions[id] = pos
	return nil
}

func (s *Store) RecordMint(ctx context.Context, id, txHash string, mintedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if pos.Status != position.StatusSweptLocked || pos.MintTxHash != "" {
		return storage.ErrConflict
	}
	pos.MintTxHash = txHash
	pos.MintedAt = utcPtr(mintedAt)
	pos.UpdatedAt = time.Now().UTC()
	s.positions[id] = pos
	return nil
}

func (s *Store) RecordAllocation(ctx context.Context, id, txHash string, amount *big.Int, transferredAt, accrualStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if pos.Status != position.StatusSweptLocked || pos.AllocationTxHash != "" {
		return storage.ErrConflict
	}
	pos.AllocationTxHash = txHash
	pos.AllocatedAmount = new(big.Int).Set(amount)
	pos.TransferredAt = utcPtr(transferredAt)
	pos.AccrualStartedAt = utcPtr(accrualStart)
	pos.UpdatedAt = time.Now().UTC()
	s.positions[id] = pos
	return nil
}

func (s *Store) CreateDepositKey(ctx context.Context, key position.DepositKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key.CreatedAt = time.Now().UTC()
	blob := make([]byte, len(key.EncryptedKey))
	copy(blob, key.EncryptedKey)
	key.EncryptedKey = blob
	s.keys[key.PositionID] = key
	return nil
}

func (s *Store) GetDepositKey(ctx context.Context, positionID string) (position.DepositKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[positionID]
	if !ok {
		return position.DepositKey{}, storage.ErrNotFound
	}
	blob := make([]byte, len(key.EncryptedKey))
	copy(blob, key.EncryptedKey)
	key.EncryptedKey = blob
	return key, nil
}

func (s *Store) get(id string) (position.FundingPosition, error) {
	pos, ok := s.positions[id]
	if !ok {
		return position.FundingPosition{}, storage.ErrNotFound
	}
	return clonePosition(pos), nil
}

func clonePosition(pos position.FundingPosition) position.FundingPosition {
	out := pos
	if pos.ExpectedMin != nil {
		out.ExpectedMin = new(big.Int).Set(pos.ExpectedMin)
	}
	if pos.ExpectedMax != nil {
		out.ExpectedMax = new(big.Int).Set(pos.ExpectedMax)
	}
	if pos.FundedAmount != nil {
		out.FundedAmount = new(big.Int).Set(pos.FundedAmount)
	}
	if pos.GasTopUpAmount != nil {
		out.GasTopUpAmount = new(big.Int).Set(pos.GasTopUpAmount)
	}
	if pos.AllocatedAmount != nil {
		out.AllocatedAmount = new(big.Int).Set(pos.AllocatedAmount)
	}
	return out
}

func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

func sortByCreated(list []position.FundingPosition) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
