package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"miaochain/config"
	"miaochain/core/events"
	"miaochain/core/state"
	"miaochain/native/synth"
	"miaochain/native/token"
	"miaochain/observability"
	"miaochain/observability/logging"
	telemetry "miaochain/observability/otel"
	"miaochain/oracle"
	"miaochain/services/miaod/idempotency"
	"miaochain/services/miaod/middleware"
	"miaochain/services/miaod/server"
	"miaochain/storage"
)

// recentEvents bounds the feed served by /v1/events.
const recentEvents = 1024

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./miaod.toml", "path to miaod config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("miaod", cfg.Environment, logging.Options{
		Level: cfg.LogLevel,
		File: logging.Rotation{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("miaod: exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "miaod",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("miaod: telemetry shutdown", slog.Any("error", err))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	replays, err := idempotency.Open(filepath.Join(cfg.DataDir, "idempotency.db"), nil)
	if err != nil {
		return err
	}
	defer replays.Close()

	mgr := state.NewManager(db)
	books := buildLedgers(cfg, mgr)
	if err := applyGenesis(cfg, mgr, books, logger); err != nil {
		return err
	}

	prices, err := priceSource(cfg, logger)
	if err != nil {
		return err
	}

	assets, oracles := cfg.Synth.Assets()
	engine, err := synth.NewEngine(cfg.Synth.CustodyAddress(), books.miao.Authority(cfg.Synth.CustodyAddress()), assets, oracles)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	bank := token.NewBank(books.collateral...)
	pending := &events.Buffer{}
	engine.SetState(mgr)
	engine.SetBank(bank)
	engine.SetPriceSource(oracle.Observed(prices, observability.Oracle()))
	engine.SetPauses(cfg.Pauses())
	engine.SetEmitter(pending)
	engine.SetLogger(logger.With(slog.String("module", "synth")))
	books.miao.SetEmitter(pending)
	for _, ledger := range books.collateral {
		ledger.SetEmitter(pending)
	}

	feed := events.NewRecorder(recentEvents)
	hub := events.NewHub(recentEvents)
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.API.Auth.Enabled,
			HMACSecret: cfg.API.Auth.HMACSecret,
			Issuer:     cfg.API.Auth.Issuer,
			Audience:   cfg.API.Auth.Audience,
		},
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.API.RateLimitPerMinute,
			Burst:             cfg.API.RateLimitBurst,
		},
		IdempotencyTTL: cfg.API.IdempotencyTTL(),
	}, server.Runtime{
		Engine:  engine,
		State:   mgr,
		Token:   books.miao,
		Bank:    bank,
		Pending: pending,
		Sink:    observability.CountingEmitter{Next: events.Fanout{feed, hub}},
		Feed:    feed,
		Hub:     hub,
		Replays: replays,
	}, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	logger.Info("miaod: starting",
		slog.String("listen", cfg.ListenAddress),
		slog.String("datadir", cfg.DataDir),
		slog.String("mode", cfg.Oracle.Mode),
		slog.Int("collateral", len(assets)),
		slog.Bool("paused", cfg.Synth.Paused),
		slog.Bool("auth", cfg.API.Auth.Enabled))
	return srv.Run(ctx)
}

func priceSource(cfg *config.Config, logger *slog.Logger) (oracle.PriceSource, error) {
	switch cfg.Oracle.Mode {
	case config.OracleModeEVM:
		client, err := oracle.DialContractCaller(cfg.Oracle.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial oracle rpc: %w", err)
		}
		_, feeds := cfg.Synth.Assets()
		source, err := oracle.NewAggregatorFeed(client, feeds, cfg.Oracle.Timeout())
		if err != nil {
			return nil, err
		}
		logger.Info("miaod: reading prices from aggregators", logging.MaskURL("rpc", cfg.Oracle.RPCURL))
		return source, nil
	default:
		feed := oracle.NewStaticFeed()
		for i, quote := range cfg.Oracle.Prices {
			price, err := config.ParseAmount(quote.Price)
			if err != nil {
				return nil, fmt.Errorf("oracle price %d: %w", i, err)
			}
			if err := feed.Set(common.HexToAddress(quote.Feed), price, quote.Decimals); err != nil {
				return nil, fmt.Errorf("oracle price %d: %w", i, err)
			}
		}
		return feed, nil
	}
}
