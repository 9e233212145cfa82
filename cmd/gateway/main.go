// Package main runs the settlement gateway: the REST API plus the background
// deposit watcher.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/boxhunt/settlement_layer/internal/app"
	"github.com/boxhunt/settlement_layer/internal/app/httpapi"
	"github.com/boxhunt/settlement_layer/internal/app/metrics"
	"github.com/boxhunt/settlement_layer/internal/app/storage/postgres"
	"github.com/boxhunt/settlement_layer/internal/chain"
	"github.com/boxhunt/settlement_layer/internal/config"
	"github.com/boxhunt/settlement_layer/internal/middleware"
	"github.com/boxhunt/settlement_layer/internal/platform/migrations"
	"github.com/boxhunt/settlement_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	_ = godotenv.Load()
	log := logger.NewDefault("gateway")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, closeDB, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("initialise storage")
	}
	defer closeDB()

	chainClient, err := chain.NewClient(chain.Config{
		RPCURL:         cfg.Chain.RPCURL,
		ChainID:        cfg.Chain.ChainID,
		RequestTimeout: cfg.Chain.RequestTimeout,
		ConfirmPoll:    cfg.Chain.ConfirmPoll,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		RateRPS:        cfg.Chain.RateRPS,
		RateBurst:      cfg.Chain.RateBurst,
	})
	if err != nil {
		log.WithError(err).Fatal("dial chain RPC")
	}
	defer chainClient.Close()

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, summary cache disabled")
			cache = nil
		}
	}

	application, err := app.New(cfg, stores, chainClient, cache, log)
	if err != nil {
		log.WithError(err).Fatal("build application")
	}

	// Operator credentials guard the mutating operational routes; issuance,
	// confirmation and the read endpoints stay open to end users.
	auth := middleware.NewAuth(cfg.Server.JWTSecret, cfg.Server.AuthTokens,
		[]string{"/v1/sweep", "/v1/watch", "/v1/maintenance", "/v1/positions/*/mint"}, log)
	limiter := middleware.NewRateLimiter(cfg.Server.RateRPS, cfg.Server.RateBurst, log)
	if err := application.Attach(limiter); err != nil {
		log.WithError(err).Fatal("attach rate limiter")
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", httpapi.NewHandler(application, log))

	var handler http.Handler = mux
	handler = limiter.Handler(handler)
	handler = auth.Handler(handler)
	handler = metrics.InstrumentHandler(handler)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute, // inline confirmation waits on mining
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
}

// buildStores opens PostgreSQL when a DSN is configured and falls back to the
// in-memory store otherwise.
func buildStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured; using in-memory storage")
		return app.Stores{}, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}
	log.WithField("migrations", migrations.Count()).Info("database ready")

	store := postgres.New(db)
	return app.Stores{Positions: store, Keys: store}, func() { db.Close() }, nil
}
