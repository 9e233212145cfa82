// Package config loads the settlement layer configuration from YAML with
// environment overrides. The resulting Config is treated as immutable after
// Load returns.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/boxhunt/settlement_layer/internal/chain"
	"github.com/ethereum/go-ethereum/common"
)

// Config is the full service configuration injected at startup.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Chain    ChainConfig    `yaml:"chain"`
	Custody  CustodyConfig  `yaml:"custody"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Watcher  WatcherConfig  `yaml:"watcher"`

	Maintenance bool `yaml:"maintenance"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr       string   `yaml:"addr"`
	AuthTokens []string `yaml:"auth_tokens"`
	JWTSecret  string   `yaml:"jwt_secret"`
	RateRPS    int      `yaml:"rate_rps"`
	RateBurst  int      `yaml:"rate_burst"`
}

// DatabaseConfig configures persistence. An empty DSN selects the in-memory
// store (development only).
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the optional summary cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ChainConfig configures blockchain access.
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ChainID        int64         `yaml:"chain_id"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConfirmPoll    time.Duration `yaml:"confirm_poll"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	RateRPS        int           `yaml:"rate_rps"`
	RateBurst      int           `yaml:"rate_burst"`
}

// CustodyConfig describes the token contracts, treasury and position bounds.
type CustodyConfig struct {
	DepositToken  string `yaml:"deposit_token"`
	CustodyToken  string `yaml:"custody_token"`
	TokenDecimals int    `yaml:"token_decimals"`
	Treasury      string `yaml:"treasury"`

	// VaultSecret encrypts per-position deposit keys. Env only.
	VaultSecret string `yaml:"-"`
	// OpsPrivateKey signs top-ups, mints and allocations. Env only.
	OpsPrivateKey string `yaml:"-"`

	// ExpectedMin/ExpectedMax bound a single accepted transfer, in whole
	// token units.
	ExpectedMin string `yaml:"expected_min"`
	ExpectedMax string `yaml:"expected_max"`

	minUnits *big.Int
	maxUnits *big.Int
}

// SweepConfig tunes the treasury sweep.
type SweepConfig struct {
	// GasMultiplierPct is the safety multiplier applied to the gas estimate,
	// in percent (150 = 1.5x).
	GasMultiplierPct int64 `yaml:"gas_multiplier_pct"`
	// TopUpMinWei and TopUpMaxWei clamp the single automated top-up.
	TopUpMinWei string `yaml:"topup_min_wei"`
	TopUpMaxWei string `yaml:"topup_max_wei"`

	topUpMin *big.Int
	topUpMax *big.Int
}

// WatcherConfig tunes the fallback deposit scanner.
type WatcherConfig struct {
	Schedule       string `yaml:"schedule"`
	LookbackBlocks uint64 `yaml:"lookback_blocks"`
	ChunkSize      uint64 `yaml:"chunk_size"`
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result. A missing file is tolerated; the environment must
// then provide everything required.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8080",
			RateRPS:   20,
			RateBurst: 40,
		},
		Redis: RedisConfig{
			CacheTTL: 15 * time.Second,
		},
		Chain: ChainConfig{
			RequestTimeout: 30 * time.Second,
			ConfirmPoll:    2 * time.Second,
			ConfirmTimeout: 2 * time.Minute,
			RateRPS:        10,
			RateBurst:      20,
		},
		Custody: CustodyConfig{
			TokenDecimals: 18,
			ExpectedMin:   "100",
			ExpectedMax:   "250000",
		},
		Sweep: SweepConfig{
			GasMultiplierPct: 150,
			TopUpMinWei:      "1000000000000000",    // 0.001 native
			TopUpMaxWei:      "50000000000000000000", // 50 native
		},
		Watcher: WatcherConfig{
			Schedule:       "@every 1m",
			LookbackBlocks: 5000,
			ChunkSize:      2000,
		},
	}
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&cfg.Server.Addr, "SERVER_ADDR")
	set(&cfg.Server.JWTSecret, "JWT_SECRET")
	if v := strings.TrimSpace(os.Getenv("AUTH_TOKENS")); v != "" {
		cfg.Server.AuthTokens = splitTrim(v)
	}
	set(&cfg.Database.DSN, "DATABASE_URL")
	set(&cfg.Redis.Addr, "REDIS_ADDR")
	set(&cfg.Redis.Password, "REDIS_PASSWORD")
	set(&cfg.Chain.RPCURL, "RPC_URL")
	set(&cfg.Custody.DepositToken, "DEPOSIT_TOKEN_ADDRESS")
	set(&cfg.Custody.CustodyToken, "CUSTODY_TOKEN_ADDRESS")
	set(&cfg.Custody.Treasury, "TREASURY_ADDRESS")
	set(&cfg.Custody.VaultSecret, "VAULT_SECRET")
	set(&cfg.Custody.OpsPrivateKey, "OPS_PRIVATE_KEY")
	set(&cfg.Custody.ExpectedMin, "EXPECTED_MIN")
	set(&cfg.Custody.ExpectedMax, "EXPECTED_MAX")
	if os.Getenv("MAINTENANCE") == "true" {
		cfg.Maintenance = true
	}
}

func splitTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) finalize() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	for name, addr := range map[string]string{
		"custody.deposit_token": c.Custody.DepositToken,
		"custody.custody_token": c.Custody.CustodyToken,
		"custody.treasury":      c.Custody.Treasury,
	} {
		if addr == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: invalid address %q", name, addr)
		}
	}
	if c.Custody.VaultSecret == "" {
		return fmt.Errorf("VAULT_SECRET is required")
	}

	var err error
	if c.Custody.minUnits, err = chain.ParseUnits(c.Custody.ExpectedMin, c.Custody.TokenDecimals); err != nil {
		return fmt.Errorf("custody.expected_min: %w", err)
	}
	if c.Custody.maxUnits, err = chain.ParseUnits(c.Custody.ExpectedMax, c.Custody.TokenDecimals); err != nil {
		return fmt.Errorf("custody.expected_max: %w", err)
	}
	if c.Custody.minUnits.Cmp(c.Custody.maxUnits) >= 0 {
		return fmt.Errorf("custody bounds invalid: min %s >= max %s", c.Custody.ExpectedMin, c.Custody.ExpectedMax)
	}

	if c.Sweep.GasMultiplierPct < 100 {
		return fmt.Errorf("sweep.gas_multiplier_pct must be >= 100")
	}
	if c.Sweep.topUpMin, err = parseWei(c.Sweep.TopUpMinWei); err != nil {
		return fmt.Errorf("sweep.topup_min_wei: %w", err)
	}
	if c.Sweep.topUpMax, err = parseWei(c.Sweep.TopUpMaxWei); err != nil {
		return fmt.Errorf("sweep.topup_max_wei: %w", err)
	}
	if c.Sweep.topUpMin.Cmp(c.Sweep.topUpMax) > 0 {
		return fmt.Errorf("sweep top-up bounds invalid: min > max")
	}
	if c.Watcher.ChunkSize == 0 {
		return fmt.Errorf("watcher.chunk_size must be > 0")
	}
	return nil
}

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}

// ExpectedMinUnits returns the lower transfer bound in token base units.
func (c *CustodyConfig) ExpectedMinUnits() *big.Int { return new(big.Int).Set(c.minUnits) }

// ExpectedMaxUnits returns the upper transfer bound in token base units.
func (c *CustodyConfig) ExpectedMaxUnits() *big.Int { return new(big.Int).Set(c.maxUnits) }

// TopUpMin returns the minimum useful top-up in wei.
func (c *SweepConfig) TopUpMin() *big.Int { return new(big.Int).Set(c.topUpMin) }

// TopUpMax returns the top-up hard cap in wei.
func (c *SweepConfig) TopUpMax() *big.Int { return new(big.Int).Set(c.topUpMax) }
