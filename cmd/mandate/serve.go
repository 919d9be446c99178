package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/adapters"
	"github.com/Mindburn-Labs/mandate/pkg/archive"
	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/conditions"
	"github.com/Mindburn-Labs/mandate/pkg/config"
	"github.com/Mindburn-Labs/mandate/pkg/crypto"
	"github.com/Mindburn-Labs/mandate/pkg/events"
	"github.com/Mindburn-Labs/mandate/pkg/flows"
	"github.com/Mindburn-Labs/mandate/pkg/gateway"
	"github.com/Mindburn-Labs/mandate/pkg/nonce"
	"github.com/Mindburn-Labs/mandate/pkg/observability"
	"github.com/Mindburn-Labs/mandate/pkg/processor"
	"github.com/Mindburn-Labs/mandate/pkg/registry"
	"github.com/Mindburn-Labs/mandate/pkg/relay"
	"github.com/Mindburn-Labs/mandate/pkg/treasury"
	"github.com/Mindburn-Labs/mandate/pkg/workflow"
	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"
)

// Built-in handler IDs. External wasm handlers take IDs above these.
const (
	assetHandlerID       uint16 = 1
	swapHandlerID        uint16 = 2
	recurringHandlerID   uint16 = 3
	conditionalHandlerID uint16 = 4
	conditionsHandlerID  uint16 = 5
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServe(parent context.Context, cfg *config.Config) error {
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "daemon")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var obs *observability.Provider
	if cfg.Telemetry.Enabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		obsCfg.SampleRate = cfg.Telemetry.SampleRate
		obsCfg.Insecure = cfg.Telemetry.Insecure
		var err error
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	log := events.NewLog()

	var (
		reg     registry.Registry
		nonces  nonce.Store
		outbox  relay.Outbox
		wfStore workflow.Store
	)
	if cfg.DatabasePath != "" {
		db, err := sql.Open("sqlite", cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()

		sink, err := events.NewSQLiteSink(db)
		if err != nil {
			return fmt.Errorf("event sink: %w", err)
		}
		mirrored, err := sink.Load(ctx)
		if err != nil {
			return fmt.Errorf("load event mirror: %w", err)
		}
		if len(mirrored) > 0 {
			if err := log.Replay(mirrored); err != nil {
				return fmt.Errorf("event mirror is corrupt: %w", err)
			}
			logger.Info("event log restored", "entries", len(mirrored))
		}
		log.WithSink(sink)

		sqlReg, err := registry.NewSQLiteRegistry(db, cfg.OwnerToken)
		if err != nil {
			return fmt.Errorf("registry: %w", err)
		}
		reg = sqlReg.WithSink(log)

		if nonces, err = nonce.NewSQLiteStore(db); err != nil {
			return fmt.Errorf("nonce store: %w", err)
		}
		if outbox, err = relay.NewSQLiteOutbox(db); err != nil {
			return fmt.Errorf("relay outbox: %w", err)
		}
		if wfStore, err = workflow.NewSQLiteStore(db); err != nil {
			return fmt.Errorf("workflow store: %w", err)
		}
	} else {
		logger.Warn("no database_path configured, state is in-memory only")
		reg = registry.NewDirectory(cfg.OwnerToken).WithSink(log)
		nonces = nonce.NewMemoryStore()
		outbox = relay.NewMemoryOutbox()
		wfStore = workflow.NewMemoryStore()
	}

	book := treasury.NewBook()
	host := capability.NewHost()
	proc := processor.New(reg, host, nonces, cfg.LocalChain).
		WithEvents(log).
		WithOutbox(outbox).
		WithObservability(obs)

	oracle := conditions.NewOracle()
	router := conditions.NewRouter()
	router.Register(capability.BindingFor(conditionsHandlerID), oracle)
	evaluator, err := conditions.NewEvaluator(router)
	if err != nil {
		return fmt.Errorf("condition evaluator: %w", err)
	}

	handlers := []capability.Handler{
		adapters.NewAssetAdapter(assetHandlerID, book),
		adapters.NewSwapAdapter(swapHandlerID, book, capability.BindingFor(swapHandlerID)),
		flows.NewRecurring(recurringHandlerID, wfStore, book, proc, swapHandlerID),
		flows.NewConditional(conditionalHandlerID, wfStore, book, proc, evaluator),
		conditions.NewAdapter(conditionsHandlerID, evaluator, book, book, oracle),
	}
	for _, h := range handlers {
		addr := capability.BindingFor(h.ID())
		host.Bind(addr, h)
		if reg.IsAdapterFrozen(h.ID()) {
			continue
		}
		if err := reg.SetAdapter(cfg.OwnerToken, h.ID(), addr, nil); err != nil {
			return fmt.Errorf("register handler %d: %w", h.ID(), err)
		}
	}

	if cfg.KeysetPath != "" {
		keyset := crypto.NewKeyset()
		if err := keyset.LoadFile(cfg.KeysetPath); err != nil {
			return fmt.Errorf("keyset: %w", err)
		}
		if err := keyset.Watch(ctx, cfg.KeysetPath); err != nil {
			return fmt.Errorf("keyset: %w", err)
		}
		active, err := keyset.Active()
		if err != nil {
			return fmt.Errorf("keyset: %w", err)
		}
		logger.Info("keyset loaded", "active_key", active.KeyID, "address", active.Address())
	}

	if cfg.Relay.Endpoint != "" {
		dispatcher := relay.NewDispatcher(outbox, relay.NewHTTPTransport(cfg.Relay.Endpoint), log)
		if cfg.Relay.MaxAttempts > 0 {
			dispatcher.MaxAttempts = cfg.Relay.MaxAttempts
		}
		go func() {
			if err := dispatcher.Run(ctx, cfg.Relay.Interval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay dispatcher stopped", "error", err)
			}
		}()
	}

	if cfg.Archive.Interval > 0 {
		blobs, err := openBlobStore(ctx, &cfg.Archive)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		go runExporter(ctx, archive.NewExporter(log, blobs), cfg.Archive.Interval, logger)
	}

	var triggers gateway.TriggerLimiter
	if cfg.RateLimit.RedisAddr != "" {
		triggers = gateway.NewRedisTriggerLimiter(cfg.RateLimit.RedisAddr,
			cfg.RateLimit.TriggerCapacity, cfg.RateLimit.TriggerRefillPerSec)
	}

	srv := gateway.NewServer(proc, reg, wfStore, gateway.Config{
		OwnerToken: cfg.OwnerToken,
		JWTSecret:  cfg.Auth.JWTSecret,
		JWTIssuer:  cfg.Auth.Issuer,
		PerIPRate:  cfg.RateLimit.PerIPRate,
		PerIPBurst: cfg.RateLimit.PerIPBurst,
		Triggers:   triggers,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Listen, "local_chain", cfg.LocalChain)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func openBlobStore(ctx context.Context, cfg *config.ArchiveConfig) (archive.BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return archive.NewS3Store(ctx, archive.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case "gcs":
		return archive.NewGCSStore(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return archive.NewFileStore(cfg.Dir)
	}
}

// runExporter sweeps the event log into immutable segments on a fixed
// cadence, resuming from the last exported sequence.
func runExporter(ctx context.Context, exporter *archive.Exporter, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var after uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manifest, err := exporter.Export(ctx, after)
			if err != nil {
				logger.Error("archive export failed", "error", err)
				continue
			}
			if manifest == nil {
				continue
			}
			after = manifest.To
			logger.Info("archive segment sealed",
				"key", manifest.Key, "from", manifest.From, "to", manifest.To)
		}
	}
}
