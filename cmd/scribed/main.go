package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halcyonmed/scribe/internal/api"
	"github.com/halcyonmed/scribe/internal/config"
	"github.com/halcyonmed/scribe/internal/generate"
	"github.com/halcyonmed/scribe/internal/ingest"
	"github.com/halcyonmed/scribe/internal/notify"
	"github.com/halcyonmed/scribe/internal/provider"
	"github.com/halcyonmed/scribe/internal/resilience"
	"github.com/halcyonmed/scribe/internal/session"
	slackalert "github.com/halcyonmed/scribe/internal/slack"
	"github.com/halcyonmed/scribe/internal/store"
	"github.com/halcyonmed/scribe/internal/turns"
	"github.com/halcyonmed/scribe/internal/workflow"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("scribe starting",
		"port", cfg.Port,
		"nats_url", cfg.NatsURL,
		"batch_size", cfg.BatchSize,
		"debounce", cfg.Debounce,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database connected")

	// Event bus. The service degrades to local-only operation without it.
	var events *notify.Publisher
	if cfg.NatsURL != "" {
		events, err = notify.Connect(cfg.NatsURL)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer events.Close()
		if err := events.EnsureStream(ctx); err != nil {
			slog.Error("failed to ensure event stream", "error", err)
			os.Exit(1)
		}
		slog.Info("event stream ready")
	}

	retrier := resilience.NewExecutor(resilience.RetryPolicy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.BackoffMultiplier,
		Jitter:       cfg.JitterFactor,
		Patterns:     cfg.RetryableErrorPatterns,
	})
	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		SuccessThreshold: cfg.SuccessThreshold,
	}

	gen := generate.NewClient(cfg.GenerateURL, cfg.GenerateToken)
	orch := workflow.New(gen, retrier, breakerCfg, db, events.Publish)

	// Transcription providers: the hosted streaming ASR takes priority, the
	// host-pushed local recognizer is the fallback.
	registry := provider.NewRegistry("voicestream", "local")
	registry.Register(provider.NewWSProvider("voicestream", cfg.ASRStreamURL, cfg.ASRToken))
	registry.Register(provider.NewLocalProvider("local"))

	var alerter *slackalert.Alerter
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		alerter = slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		slog.Info("Slack backlog alerter enabled", "channel", cfg.SlackAlertChannel)
	}
	warn := func(ctx context.Context, sessionID string, retained int, reason string) {
		if alerter == nil {
			return
		}
		if err := alerter.PostBacklogAlert(ctx, sessionID, retained, reason); err != nil {
			slog.Warn("failed to post backlog alert", "error", err)
		}
	}

	sessions := session.NewManager(db, registry, orch, retrier, breakerCfg, session.Config{
		Queue: ingest.Config{
			BatchSize:      cfg.BatchSize,
			Debounce:       cfg.Debounce,
			FlushTimeout:   30 * time.Second,
			ConfidenceLow:  cfg.ConfidenceThresholdLow,
			ConfidenceHigh: cfg.ConfidenceThresholdHigh,
		},
		Turns: turns.Config{
			PauseThreshold:            cfg.PauseThreshold,
			SentenceCountBeforeSwitch: cfg.SentenceCountBeforeSwitch,
		},
		Language:            cfg.Language,
		SampleRate:          cfg.SampleRate,
		MaxProviderRestarts: cfg.MaxProviderRestarts,
	}, events.Publish, warn)

	srv := api.NewServer(db, sessions, orch, cfg.Port)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("scribe ready", "port", cfg.Port, "providers", registry.IDs())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)

	// Stop every live session so buffered fragments are flushed and their
	// transcripts assembled before the process exits.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	sessions.Close(shutdownCtx)

	cancel()
	slog.Info("scribe stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
