// Command verbatim is the main entry point for the Verbatim transcription
// relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/verbatim/internal/archive"
	"github.com/MrWong99/verbatim/internal/audio"
	"github.com/MrWong99/verbatim/internal/config"
	"github.com/MrWong99/verbatim/internal/engine"
	"github.com/MrWong99/verbatim/internal/health"
	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/internal/server"
	"github.com/MrWong99/verbatim/internal/session"
	"github.com/MrWong99/verbatim/internal/transcriber"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "verbatim: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "verbatim: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("verbatim starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "verbatim"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Transcript archive ────────────────────────────────────────────────────
	var store archive.Store
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		pg, err := archive.NewPostgresStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect transcript archive", "err", err)
			return 1
		}
		store = pg
		slog.Info("transcript archive connected", "backend", "postgres")
	} else {
		store = archive.NewMemoryStore()
		slog.Info("transcript archive in memory only")
	}
	defer store.Close()

	// ── Core components ───────────────────────────────────────────────────────
	registry := session.NewRegistry(session.Config{
		MaxDuration:       cfg.Sessions.MaxDuration,
		InactivityTimeout: cfg.Sessions.InactivityTimeout,
		SweepInterval:     cfg.Sessions.SweepInterval,
		Logger:            logger,
		Metrics:           metrics,
	})
	buffer := audio.NewChunkBuffer(audio.Config{
		MinChunkDuration:  cfg.Audio.MinChunkDuration,
		MaxBufferDuration: cfg.Audio.MaxBufferDuration,
	})
	worker := engine.NewWorker(engine.Config{
		Command:        cfg.Engine.Command,
		ScriptPath:     cfg.Engine.ScriptPath,
		SettleDelay:    cfg.Engine.SettleDelay,
		RequestTimeout: cfg.Engine.RequestTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})
	svc := transcriber.NewService(transcriber.Config{
		Engine:  worker,
		Logger:  logger,
		Metrics: metrics,
	})
	srv := server.New(server.Config{
		Registry:    registry,
		Buffer:      buffer,
		Transcriber: svc,
		Archive:     store,
		Logger:      logger,
		Metrics:     metrics,
	})

	// ── Route table ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "engine", Check: engineCheck(worker)},
		// Count takes the registry lock, so a wedged registry fails the
		// probe by timing out instead of reporting healthy.
		health.Checker{Name: "sessions", Check: func(context.Context) error {
			registry.Count()
			return nil
		}},
	).Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Run group ─────────────────────────────────────────────────────────────
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return registry.Run(ctx)
	})
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			slog.Info("listening with TLS", "addr", cfg.Server.ListenAddr)
			err = httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", cfg.Server.ListenAddr)
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := svc.Stop(); err != nil {
			slog.Warn("transcriber stop error", "err", err)
		}
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// engineCheck reports the transcription engine healthy unless its last
// process crashed. A stopped engine is fine: it spawns lazily on the first
// audio span.
func engineCheck(w *engine.Worker) func(ctx context.Context) error {
	return func(context.Context) error {
		if w.State() == engine.StateCrashed {
			return fmt.Errorf("engine process crashed, waiting for respawn")
		}
		return nil
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
