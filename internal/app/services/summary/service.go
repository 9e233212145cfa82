// Package summary exposes read-side views over funding positions.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/storage"
	"github.com/boxhunt/settlement_layer/internal/chain"
	"github.com/boxhunt/settlement_layer/pkg/logger"
)

const summaryCacheKey = "settlement:summary"

// Service serves aggregate and list views.
type Service struct {
	positions storage.PositionStore
	cache     *redis.Client // nil disables caching
	ttl       time.Duration
	decimals  int
	log       *logger.Logger
}

// New constructs the summary service. cache may be nil; ttl bounds cache
// freshness and decimals renders the display totals.
func New(positions storage.PositionStore, cache *redis.Client, ttl time.Duration, decimals int, log *logger.Logger) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("summary")
	}
	return &Service{positions: positions, cache: cache, ttl: ttl, decimals: decimals, log: log}
}

// Summarize returns per-status counts and settled totals, served from the
// cache when fresh. Cache failures fall through to storage.
func (s *Service) Summarize(ctx context.Context) (position.Summary, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, summaryCacheKey).Bytes()
		if err == nil {
			var cached position.Summary
			if jerr := json.Unmarshal(raw, &cached); jerr == nil {
				return cached, nil
			}
		} else if err != redis.Nil {
			s.log.WithError(err).Warn("summary cache read failed")
		}
	}

	sum, err := s.positions.Summarize(ctx)
	if err != nil {
		return position.Summary{}, position.WrapFault(position.ClassInfrastructure, err, "summarize positions")
	}
	sum.GeneratedAt = time.Now().UTC()
	sum.TotalFundedDisplay = chain.FormatUnits(sum.TotalFunded, s.decimals)
	sum.TotalAllocatedDisplay = chain.FormatUnits(sum.TotalAllocated, s.decimals)

	if s.cache != nil {
		if raw, jerr := json.Marshal(sum); jerr == nil {
			if err := s.cache.Set(ctx, summaryCacheKey, raw, s.ttl).Err(); err != nil {
				s.log.WithError(err).Warn("summary cache write failed")
			}
		}
	}
	return sum, nil
}

// List returns positions filtered by refs or owner. With both filters empty
// it returns the positions still awaiting funds, the operator's work queue.
func (s *Service) List(ctx context.Context, refs []string, owner string) ([]position.FundingPosition, error) {
	var (
		out []position.FundingPosition
		err error
	)
	switch {
	case len(refs) > 0:
		out, err = s.positions.ListByRefs(ctx, refs)
	case owner != "":
		out, err = s.positions.ListByOwner(ctx, owner)
	default:
		out, err = s.positions.ListAwaiting(ctx)
	}
	if err != nil {
		return nil, position.WrapFault(position.ClassInfrastructure, err, "list positions")
	}
	return out, nil
}

// Get returns a single position by ref.
func (s *Service) Get(ctx context.Context, ref string) (position.FundingPosition, error) {
	pos, err := s.positions.GetPositionByRef(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return position.FundingPosition{}, position.NewFault(position.ClassNotFound, "position %s not found", ref)
	}
	if err != nil {
		return position.FundingPosition{}, position.WrapFault(position.ClassInfrastructure, err, "load position %s", ref)
	}
	return pos, nil
}
