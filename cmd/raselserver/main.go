// Command raselserver is the rasel messaging server process.
// It loads configuration, initialises instance identity, and starts the
// send pipeline and HTTP transport.
//
// Usage:
//
//	raselserver [--config path/to/config.yaml]
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/saharalabs/rasel/internal/campaign"
	"github.com/saharalabs/rasel/internal/config"
	"github.com/saharalabs/rasel/internal/ident"
	"github.com/saharalabs/rasel/internal/metrics"
	"github.com/saharalabs/rasel/internal/provider"
	"github.com/saharalabs/rasel/internal/queue"
	"github.com/saharalabs/rasel/internal/ratelimit"
	"github.com/saharalabs/rasel/internal/store"
	transphttp "github.com/saharalabs/rasel/internal/transport/http"
	transportws "github.com/saharalabs/rasel/internal/transport/websocket"
	"github.com/saharalabs/rasel/internal/types"
	"github.com/saharalabs/rasel/internal/webhook"
	"github.com/saharalabs/rasel/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rasel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise instance identity ──────────────────────────────────────
	inst, err := ident.New(cfg.Server.DataDir, cfg.Server.ID)
	if err != nil {
		return fmt.Errorf("init identity: %w", err)
	}

	slog.Info("rasel starting",
		"instance_id", inst.ID(),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"data_dir", inst.DataDir(),
	)

	// ── 4. Open the store ────────────────────────────────────────────────────
	st, err := store.Open(filepath.Join(cfg.Server.DataDir, "rasel.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// ── 5. Metrics, queue, rate limiter ──────────────────────────────────────
	metricsReg := &metrics.Registry{}
	q := queue.New(cfg.Queue.MaxDepth)
	limiter := ratelimit.New(ratelimit.Options{
		GlobalPerSecond:      cfg.RateLimit.GlobalPerSecond,
		GlobalBurst:          cfg.RateLimit.GlobalBurst,
		MessagingPerMinute:   cfg.RateLimit.MessagingPerMinute,
		MediaUploadPerMinute: cfg.RateLimit.MediaUploadPerMinute,
		TemplateSyncPerHour:  cfg.RateLimit.TemplateSyncPerHour,
		WebhookPerMinute:     cfg.RateLimit.WebhookPerMinute,
		AcquireTimeout:       time.Duration(cfg.RateLimit.AcquireTimeoutMs) * time.Millisecond,
		BackoffMax:           time.Duration(cfg.RateLimit.BackoffMaxSeconds) * time.Second,
		BackoffMultiplier:    float64(cfg.RateLimit.BackoffMultiplierX1000) / 1000,
	})

	// ── 6. Provider client ───────────────────────────────────────────────────
	prov := provider.New(provider.Options{
		BaseURL:       cfg.Provider.BaseURL,
		APIVersion:    cfg.Provider.APIVersion,
		PhoneNumberID: cfg.Provider.PhoneNumberID,
		BusinessID:    cfg.Provider.BusinessID,
		AccessToken:   cfg.Provider.AccessToken,
		Timeout:       time.Duration(cfg.Provider.TimeoutMs) * time.Millisecond,
	}, limiter, logger)

	// ── 7. Event stream hub ──────────────────────────────────────────────────
	hub := transportws.NewHub(logger)

	// ── 8. Webhook processor feeding the event stream ────────────────────────
	wh := webhook.New(webhook.Options{
		AppSecret:      cfg.Webhook.AppSecret,
		VerifyToken:    cfg.Webhook.VerifyToken,
		DedupWindow:    time.Duration(cfg.Webhook.DedupWindowMs) * time.Millisecond,
		DedupMaxSize:   cfg.Webhook.DedupMaxSize,
		DefaultCountry: cfg.Provider.DefaultCountryCode,
	}, st, metricsReg, logger)
	wh.Subscribe(func(ev webhook.Event) {
		hub.Broadcast(ev)
	})

	// ── 9. Worker pool ───────────────────────────────────────────────────────
	pool := worker.New(worker.Options{
		Workers:            cfg.Workers.Count,
		IdleSleep:          time.Duration(cfg.Workers.IdleSleepMs) * time.Millisecond,
		RetryScanInterval:  time.Duration(cfg.Queue.RetryScanIntervalMs) * time.Millisecond,
		RetryScanBatch:     cfg.Queue.RetryScanBatchSize,
		DepthWarnThreshold: cfg.Workers.DepthWarnThreshold,
		OnSuccess: func(m *types.Message) {
			hub.Broadcast(webhook.Event{
				Field: "send_result", MessageID: m.ID,
				Status: m.Status, Timestamp: m.SentAt,
			})
		},
		OnFailure: func(m *types.Message) {
			hub.Broadcast(webhook.Event{
				Field: "send_result", MessageID: m.ID,
				Status: m.Status, Timestamp: m.FailedAt,
			})
		},
	}, q, st, prov, metricsReg, logger)

	// Re-enqueue outbound messages that were still pending when the last
	// process died; the in-memory queue does not survive restarts.
	if restored, err := restorePending(st, q, cfg.Queue.MaxDepth); err != nil {
		slog.Warn("queue restore error", "err", err)
	} else if restored > 0 {
		slog.Info("restored pending messages", "count", restored)
	}

	pool.Start()

	// ── 10. Campaign manager ─────────────────────────────────────────────────
	cm := campaign.New(campaign.Options{
		DefaultBatch:     cfg.Campaign.DefaultBatch,
		MaxPerMinute:     cfg.Campaign.MaxPerMinute,
		MinBatchInterval: time.Duration(cfg.Campaign.BatchIntervalMs) * time.Millisecond,
		DefaultCountry:   cfg.Provider.DefaultCountryCode,
	}, st, q, metricsReg, logger)

	// Campaigns that were running when the last process died restart paused,
	// so an operator decides whether to resume.
	if err := cm.RecoverInterrupted(); err != nil {
		slog.Warn("campaign recovery error", "err", err)
	}

	// ── 11. Start HTTP / WebSocket transport ─────────────────────────────────
	srv := transphttp.New(transphttp.Deps{
		Config:    cfg,
		Instance:  inst,
		Store:     st,
		Queue:     q,
		Pool:      pool,
		Limiter:   limiter,
		Provider:  prov,
		Webhook:   wh,
		Campaigns: cm,
		Metrics:   metricsReg,
		Hub:       hub,
	})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("rasel ready", "instance_id", inst.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 12. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests 5 seconds to complete, then drain the pipeline:
	// transport first so no new work arrives, then campaigns, then workers,
	// then the store.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	cm.Stop()
	pool.Stop()
	if err := st.Close(); err != nil {
		slog.Warn("store close error", "err", err)
	}

	slog.Info("rasel stopped")
	return nil
}

// restorePending refills the send queue from the store after a restart.
func restorePending(st *store.Store, q *queue.Queue, limit int) (int, error) {
	pending, err := st.PendingOutbound(limit)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, m := range pending {
		err := q.Add(&queue.Task{MessageID: m.ID, Priority: m.Priority})
		if errors.Is(err, queue.ErrFull) {
			break
		}
		if err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}
