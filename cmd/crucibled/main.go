package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"

	"crucible/config"
	"crucible/core"
	"crucible/core/events"
	"crucible/native/common"
	"crucible/native/ledger"
	"crucible/native/oracle"
	"crucible/observability/logging"
	telemetry "crucible/observability/otel"
	daemonconfig "crucible/services/crucibled/config"
	"crucible/services/crucibled/indexer"
	"crucible/services/crucibled/middleware"
	"crucible/services/crucibled/server"
	"crucible/storage"
)

var genesisMarker = []byte("crucibled/genesis")

type genesisLedger interface {
	ledger.Ledger
	Credit(asset, account string, amount *uint256.Int) error
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "crucibled.yaml", "path to crucibled config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		log.Fatalf("crucibled: %v", err)
	}
}

func run(cfgPath string) error {
	cfg, err := daemonconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.SetupWithFile("crucibled", cfg.Environment, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "crucibled",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	protocolCfg, err := config.Load(cfg.ProtocolConfig)
	if err != nil {
		return fmt.Errorf("load protocol config: %w", err)
	}
	vaultParams, err := protocolCfg.VaultParams()
	if err != nil {
		return err
	}
	marketParams, err := protocolCfg.MarketParams()
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	base, err := openLedger(cfg.Storage.Backend, db)
	if err != nil {
		return err
	}
	if err := applyGenesis(db, base, cfg.Genesis, logger); err != nil {
		return err
	}

	clock := common.ClockFunc(func() uint64 { return uint64(time.Now().Unix()) })
	var (
		feed   oracle.Feed
		prices server.PriceSetter
	)
	switch cfg.Oracle.Source {
	case daemonconfig.OraclePyth:
		feed = oracle.NewPythFeed(oracle.DirSource(cfg.Oracle.Dir))
	default:
		heartbeat := oracle.NewHeartbeatFeed(clock)
		for _, p := range cfg.Oracle.Prices {
			heartbeat.Set(p.Feed, p.Price)
		}
		feed, prices = heartbeat, heartbeat
	}
	adapter := oracle.NewAdapter(feed, clock, oracle.WithValidator(protocolCfg.Validator()))

	recorder := events.NewRecorder(cfg.EventHistory)
	protocol, err := core.New(db, base, adapter, clock, core.Options{
		Authority:    protocolCfg.Authority,
		Vault:        vaultParams,
		Market:       marketParams,
		Leverage:     protocolCfg.LeverageParams(),
		BonusBps:     protocolCfg.Liquidation.BonusBps,
		AllowMigrate: protocolCfg.AllowMigrate,
		Logger:       logger,
		Emitter:      recorder,
	})
	if err != nil {
		return fmt.Errorf("start protocol: %w", err)
	}
	for _, module := range protocolCfg.Pauses.Modules() {
		if err := protocol.SetModulePaused(module, true); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store server.EventStore
	if cfg.Indexer.Driver != "" {
		ix, err := indexer.Open(cfg.Indexer.Driver, cfg.Indexer.DSN, logger)
		if err != nil {
			return fmt.Errorf("open indexer: %w", err)
		}
		defer ix.Close()
		go ix.Run(ctx, recorder)
		store = ix
	}

	limit := middleware.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}
	srv, err := server.New(server.Config{
		Protocol: protocol,
		Recorder: recorder,
		Events:   store,
		Prices:   prices,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:       cfg.Auth.Enabled,
			HMACSecret:    cfg.Auth.HMACSecret,
			Issuer:        cfg.Auth.Issuer,
			Audience:      cfg.Auth.Audience,
			AdminSubjects: cfg.Auth.AdminSubjects,
			ClockSkew:     cfg.Auth.ClockSkew(),
		}, logger),
		Limiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			core.ModuleVault:       limit,
			core.ModuleLending:     limit,
			core.ModuleLeverage:    limit,
			core.ModuleLiquidation: limit,
		}, logger),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("crucibled listening",
			"address", cfg.ListenAddress,
			"vault", protocol.VaultAsset(),
			"market", protocol.MarketAsset(),
			"storage", cfg.Storage.Backend)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func openLedger(backend string, db storage.Database) (genesisLedger, error) {
	if backend == storage.BackendMemory {
		return ledger.NewMemLedger(), nil
	}
	l, err := ledger.OpenStoreLedger(db)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, nil
}

// applyGenesis credits the configured balances once per database.
func applyGenesis(db storage.Database, l genesisLedger, balances []daemonconfig.Balance, logger *slog.Logger) error {
	if _, err := db.Get(genesisMarker); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read genesis marker: %w", err)
	}
	for _, b := range balances {
		amount, err := uint256.FromDecimal(b.Amount)
		if err != nil {
			return fmt.Errorf("genesis %s/%s: invalid amount %q: %w", b.Asset, b.Account, b.Amount, err)
		}
		if err := l.Credit(b.Asset, b.Account, amount); err != nil {
			return fmt.Errorf("genesis %s/%s: %w", b.Asset, b.Account, err)
		}
	}
	if err := db.Put(genesisMarker, []byte{1}); err != nil {
		return fmt.Errorf("write genesis marker: %w", err)
	}
	logger.Info("genesis balances applied", "count", len(balances))
	return nil
}
