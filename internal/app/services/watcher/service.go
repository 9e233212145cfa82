// Package watcher is the fallback deposit detector: it scans recent token
// transfer logs for payments into addresses that are still awaiting funds
// and advances the matching positions, then drives the rest of the
// settlement flow in the background.
package watcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/metrics"
	"github.com/boxhunt/settlement_layer/internal/app/services/pipeline"
	"github.com/boxhunt/settlement_layer/internal/app/storage"
	"github.com/boxhunt/settlement_layer/internal/chain"
	"github.com/boxhunt/settlement_layer/pkg/logger"
)

// ChainScanner is the slice of the chain client scanning needs.
type ChainScanner interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FilterTransfers(ctx context.Context, token common.Address, recipients []common.Address, fromBlock, toBlock uint64) ([]chain.TransferEvent, error)
	BlockTime(ctx context.Context, blockNumber *big.Int) (time.Time, error)
}

// Options tunes a scan pass.
type Options struct {
	LookbackBlocks uint64
	ChunkSize      uint64
	Schedule       string
}

// Detection reports one position advanced by a scan pass.
type Detection struct {
	Ref      string             `json:"ref"`
	TxHash   string             `json:"tx_hash"`
	Amount   string             `json:"amount"`
	Skipped  bool               `json:"skipped,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Pipeline []pipeline.Outcome `json:"pipeline,omitempty"`
}

// Service scans for deposits the confirm endpoint never saw.
type Service struct {
	positions storage.PositionStore
	scanner   ChainScanner
	token     common.Address
	runner    *pipeline.Runner
	stages    []pipeline.Stage
	opts      Options
	log       *logger.Logger

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New constructs the watcher. stages run asynchronously for every advanced
// position.
func New(positions storage.PositionStore, scanner ChainScanner, token common.Address, runner *pipeline.Runner, opts Options, log *logger.Logger, stages ...pipeline.Stage) *Service {
	if opts.LookbackBlocks == 0 {
		opts.LookbackBlocks = 5000
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 2000
	}
	if opts.Schedule == "" {
		opts.Schedule = "@every 1m"
	}
	if log == nil {
		log = logger.NewDefault("watcher")
	}
	return &Service{
		positions: positions,
		scanner:   scanner,
		token:     token,
		runner:    runner,
		stages:    stages,
		opts:      opts,
		log:       log,
	}
}

// Start schedules periodic scans. Safe to call once; Stop cancels.
func (s *Service) Start() error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return errors.New("watcher: already started")
	}
	c := cron.New()
	_, err := c.AddFunc(s.opts.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.Scan(ctx, ""); err != nil {
			s.log.WithError(err).Warn("scheduled scan failed")
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.WithField("schedule", s.opts.Schedule).Info("watcher started")
	return nil
}

// Stop cancels the schedule and waits for a running pass to finish.
func (s *Service) Stop() {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Scan walks the recent block range for transfers of the deposit token into
// awaiting addresses. refFilter, when non empty, restricts the pass to one
// position, identified by ref or by deposit address. Positions whose
// transfer fails the bounds check are reported as
// skipped, not failed: a later in-bounds transfer can still fund them.
func (s *Service) Scan(ctx context.Context, refFilter string) ([]Detection, error) {
	awaiting, err := s.awaiting(ctx, refFilter)
	if err != nil || len(awaiting) == 0 {
		return nil, err
	}

	byAddress := make(map[common.Address]position.FundingPosition, len(awaiting))
	recipients := make([]common.Address, 0, len(awaiting))
	for _, pos := range awaiting {
		addr := common.HexToAddress(pos.DepositAddress)
		byAddress[addr] = pos
		recipients = append(recipients, addr)
	}

	head, err := s.scanner.HeadBlock(ctx)
	if err != nil {
		return nil, position.WrapFault(position.ClassInfrastructure, err, "head block")
	}
	from := uint64(0)
	if head > s.opts.LookbackBlocks {
		from = head - s.opts.LookbackBlocks
	}

	var detections []Detection
	for start := from; start <= head; start += s.opts.ChunkSize {
		end := start + s.opts.ChunkSize - 1
		if end > head {
			end = head
		}
		events, err := s.scanner.FilterTransfers(ctx, s.token, recipients, start, end)
		if err != nil {
			return detections, position.WrapFault(position.ClassInfrastructure, err, "filter transfers %d..%d", start, end)
		}
		for _, ev := range events {
			pos, ok := byAddress[ev.To]
			if !ok {
				continue
			}
			det := s.advance(ctx, pos, ev)
			detections = append(detections, det)
			if !det.Skipped {
				delete(byAddress, ev.To)
			}
		}
	}
	if len(detections) > 0 {
		s.log.WithField("detections", len(detections)).Info("scan pass complete")
	}
	return detections, nil
}

// awaiting resolves the filter to the positions a pass should cover. A
// filter that parses as a hex address selects by deposit address, anything
// else is treated as a position ref.
func (s *Service) awaiting(ctx context.Context, refFilter string) ([]position.FundingPosition, error) {
	if refFilter != "" {
		var (
			pos position.FundingPosition
			err error
		)
		if common.IsHexAddress(refFilter) {
			pos, err = s.positions.GetPositionByAddress(ctx, refFilter)
		} else {
			pos, err = s.positions.GetPositionByRef(ctx, refFilter)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, position.NewFault(position.ClassNotFound, "position %s not found", refFilter)
		}
		if err != nil {
			return nil, position.WrapFault(position.ClassInfrastructure, err, "load position %s", refFilter)
		}
		if pos.Status != position.StatusAwaitingFunds || pos.DepositTxHash != "" {
			return nil, nil
		}
		return []position.FundingPosition{pos}, nil
	}
	awaiting, err := s.positions.ListAwaiting(ctx)
	if err != nil {
		return nil, position.WrapFault(position.ClassInfrastructure, err, "list awaiting positions")
	}
	return awaiting, nil
}

// advance applies the bounds check and the funded transition for one
// detected transfer. A lost conditional update means another path confirmed
// the position first; that detection is reported as skipped.
func (s *Service) advance(ctx context.Context, pos position.FundingPosition, ev chain.TransferEvent) Detection {
	det := Detection{Ref: pos.Ref, TxHash: ev.TxHash.Hex(), Amount: ev.Amount.String()}

	if ev.Amount.Cmp(pos.ExpectedMin) < 0 || ev.Amount.Cmp(pos.ExpectedMax) > 0 {
		det.Skipped = true
		det.Reason = "amount outside expected bounds"
		metrics.RecordScanDetection("out_of_bounds")
		s.log.WithField("ref", pos.Ref).
			WithField("amount", ev.Amount.String()).
			Warn("out-of-bounds transfer ignored")
		return det
	}

	fundedAt, err := s.scanner.BlockTime(ctx, new(big.Int).SetUint64(ev.BlockNumber))
	if err != nil {
		det.Skipped = true
		det.Reason = "block time unavailable"
		return det
	}

	if err := s.positions.MarkFunded(ctx, pos.ID, ev.TxHash.Hex(), ev.Amount, fundedAt); err != nil {
		det.Skipped = true
		if errors.Is(err, storage.ErrConflict) {
			det.Reason = "already confirmed elsewhere"
			metrics.RecordScanDetection("lost_race")
		} else {
			det.Reason = err.Error()
			metrics.RecordScanDetection("error")
		}
		return det
	}
	metrics.RecordScanDetection("funded")
	s.log.WithField("ref", pos.Ref).
		WithField("tx", det.TxHash).
		WithField("amount", det.Amount).
		Info("deposit detected by scan")

	if s.runner != nil && len(s.stages) > 0 {
		s.runner.Go(pos.Ref, s.stages...)
	}
	return det
}
