package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-redis/redis/v8"

	"github.com/boxhunt/settlement_layer/internal/app/services/confirm"
	"github.com/boxhunt/settlement_layer/internal/app/services/issuer"
	"github.com/boxhunt/settlement_layer/internal/app/services/minter"
	"github.com/boxhunt/settlement_layer/internal/app/services/pipeline"
	"github.com/boxhunt/settlement_layer/internal/app/services/summary"
	"github.com/boxhunt/settlement_layer/internal/app/services/sweeper"
	"github.com/boxhunt/settlement_layer/internal/app/services/watcher"
	"github.com/boxhunt/settlement_layer/internal/app/storage"
	"github.com/boxhunt/settlement_layer/internal/app/storage/memory"
	"github.com/boxhunt/settlement_layer/internal/app/system"
	"github.com/boxhunt/settlement_layer/internal/config"
	"github.com/boxhunt/settlement_layer/internal/keyvault"
	"github.com/boxhunt/settlement_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Positions storage.PositionStore
	Keys      storage.DepositKeyStore
}

// Chain is the full chain surface the settlement services need. Satisfied by
// *chain.Client.
type Chain interface {
	confirm.ChainReader
	sweeper.ChainOps
	minter.ChainOps
	watcher.ChainScanner
}

// Application ties the settlement services together and manages their
// lifecycle.
type Application struct {
	manager     *system.Manager
	log         *logger.Logger
	maintenance atomic.Bool

	Issuer  *issuer.Service
	Confirm *confirm.Service
	Sweeper *sweeper.Service
	Minter  *minter.Service
	Watcher *watcher.Service
	Summary *summary.Service
}

// New builds a fully initialised application with the provided stores.
// cache may be nil.
func New(cfg *config.Config, stores Stores, chainClient Chain, cache *redis.Client, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Positions == nil {
		stores.Positions = mem
	}
	if stores.Keys == nil {
		stores.Keys = mem
	}

	vault, err := keyvault.New(cfg.Custody.VaultSecret)
	if err != nil {
		return nil, fmt.Errorf("key vault: %w", err)
	}
	opsKey, err := parseOpsKey(cfg.Custody.OpsPrivateKey)
	if err != nil {
		return nil, err
	}

	depositToken := common.HexToAddress(cfg.Custody.DepositToken)
	custodyToken := common.HexToAddress(cfg.Custody.CustodyToken)
	treasury := common.HexToAddress(cfg.Custody.Treasury)

	a := &Application{manager: system.NewManager(), log: log}
	a.maintenance.Store(cfg.Maintenance)

	a.Issuer, err = issuer.New(stores.Positions, stores.Keys, vault, a.Maintenance,
		cfg.Custody.ExpectedMinUnits(), cfg.Custody.ExpectedMaxUnits(), log)
	if err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}

	a.Sweeper = sweeper.New(stores.Positions, stores.Keys, vault, chainClient,
		depositToken, treasury, opsKey, uint64(cfg.Sweep.GasMultiplierPct),
		cfg.Sweep.TopUpMin(), cfg.Sweep.TopUpMax(), log)
	a.Minter = minter.New(stores.Positions, chainClient, custodyToken, treasury, opsKey, 0, log)

	runner := pipeline.New(log, 3, 500*time.Millisecond)
	stages := []pipeline.Stage{a.Sweeper.Stage(), a.Minter.Stage()}

	a.Confirm = confirm.New(stores.Positions, chainClient, depositToken, runner, log, stages...)
	a.Watcher = watcher.New(stores.Positions, chainClient, depositToken, runner, watcher.Options{
		LookbackBlocks: cfg.Watcher.LookbackBlocks,
		ChunkSize:      cfg.Watcher.ChunkSize,
		Schedule:       cfg.Watcher.Schedule,
	}, log, stages...)
	a.Summary = summary.New(stores.Positions, cache, cfg.Redis.CacheTTL, cfg.Custody.TokenDecimals, log)

	if err := a.manager.Register(watcherService{a.Watcher}); err != nil {
		return nil, fmt.Errorf("register watcher: %w", err)
	}
	return a, nil
}

// Maintenance reports whether new position issuance is currently gated off.
func (a *Application) Maintenance() bool { return a.maintenance.Load() }

// SetMaintenance toggles the issuance gate at runtime.
func (a *Application) SetMaintenance(on bool) {
	a.maintenance.Store(on)
	a.log.WithField("maintenance", on).Info("maintenance gate updated")
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

func parseOpsKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("operations private key not configured")
	}
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("operations private key: %w", err)
	}
	return key, nil
}

// watcherService adapts the watcher's Start/Stop to the system lifecycle.
type watcherService struct {
	w *watcher.Service
}

func (s watcherService) Name() string                { return "watcher" }
func (s watcherService) Start(context.Context) error { return s.w.Start() }
func (s watcherService) Stop(context.Context) error  { s.w.Stop(); return nil }
