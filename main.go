package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/config"
	"github.com/Martian-dev/mailsync-infra/internal/httpapi"
	"github.com/Martian-dev/mailsync-infra/internal/natsjs"
	"github.com/Martian-dev/mailsync-infra/internal/providers/gmail"
	"github.com/Martian-dev/mailsync-infra/internal/providers/outlook"
	"github.com/Martian-dev/mailsync-infra/internal/store"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	tokens := auth.NewTokenClient(cfg.AuthServerURL, cfg.AuthAPIKey)
	tok, err := tokens.GetToken(ctx, cfg.MailboxID, cfg.Provider)
	if err != nil {
		return err
	}

	var provider sync.Provider
	switch cfg.Provider {
	case "outlook":
		provider, err = outlook.New(ctx, tok)
	default:
		provider, err = gmail.New(ctx, tok)
	}
	if err != nil {
		return err
	}

	fetcher := sync.NewDeltaFetcher(provider, db, logger, sync.DeltaFetcherConfig{
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		CallTimeout:    cfg.ProviderTimeout,
		ResyncWindow:   cfg.ResyncWindow,
	})
	ingester := sync.NewIngester(provider, db, logger, sync.IngesterConfig{
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		CallTimeout:    cfg.ProviderTimeout,
	})
	engine := sync.NewEngine(db, fetcher, ingester, logger, sync.EngineConfig{
		Workers:   cfg.SyncWorkers,
		QueueSize: cfg.SyncQueueSize,
	})
	watches := sync.NewWatchManager(provider, db, logger)

	var verifier *auth.JWTVerifier
	if cfg.JWKSURL != "" {
		verifier, err = auth.NewJWTVerifier(cfg.JWKSURL)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("JWKS_URL not set, control plane is unauthenticated")
	}

	grp, ctx := errgroup.WithContext(ctx)

	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		dispatcher := natsjs.NewDispatcher(pub, db, logger)
		grp.Go(func() error { return dispatcher.Run(ctx) })
	} else {
		logger.Warn("NATS_URL not set, events stay in the outbox")
	}

	grp.Go(func() error { return engine.Run(ctx) })

	api := httpapi.NewServer(engine, watches, verifier, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Router(),
	}

	grp.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "mailbox", cfg.MailboxID, "provider", cfg.Provider)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return grp.Wait()
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}
