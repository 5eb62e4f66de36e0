// cmd/hub/main.go
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
	"sync"
	"syscall"
	"time"

	"minefleet/internal/alerting"
	"minefleet/internal/anomaly"
	"minefleet/internal/api"
	"minefleet/internal/auth"
	"minefleet/internal/bus"
	"minefleet/internal/config"
	"minefleet/internal/dispatch"
	"minefleet/internal/ingest"
	"minefleet/internal/kv"
	"minefleet/internal/status"
	"minefleet/internal/storage"
	"minefleet/internal/websocket"
)

// callbackTimeout bounds the store and mirror writes made when a site
// connects or drops.
const callbackTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	hashPassword := flag.String("hash-password", "", "Print the bcrypt hash of the given password for auth.users and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("hub stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadHub(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Persistence ---
	var store storage.Store
	if cfg.Database.URL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		store = pg
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("database.url not set, using in-memory store")
	}

	// --- Fast KV and notifications (optional) ---
	var (
		mirror   status.Mirror
		snapshot status.DeviceSnapshot
		tier     anomaly.ThresholdTier
		notifier alerting.Notifier
	)
	if cfg.Redis.Addr != "" {
		rdb, err := kv.NewRedis(ctx, kv.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer rdb.Close()
		mirror, snapshot, tier = rdb, rdb, rdb
		logger.Info("redis mirror enabled", slog.String("addr", cfg.Redis.Addr))
	}
	if cfg.NATS.URL != "" {
		pub, err := bus.NewPublisher(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer pub.Close()
		notifier = pub
		logger.Info("nats notifications enabled", slog.String("url", cfg.NATS.URL))
	}

	// --- Core components ---
	alerter := alerting.NewAlerter(store, notifier, cfg.Alerts.QueueSize, logger)
	severities := alerting.NewSeverityTable(cfg.Alerts.ErrorSeverities)

	resolver := anomaly.NewResolver(cfg.Thresholds.CacheTTL, tier, store, cfg.Thresholds.Defaults, logger)
	resolver.Start()
	defer resolver.Stop()
	detector := anomaly.NewDetector(anomaly.DefaultRules(), resolver, alerter, logger)

	agg := status.NewAggregator(status.Options{
		Alerts:   alerter,
		Severity: severities.For,
		Store:    store,
		Mirror:   mirror,
		Logger:   logger,
	})
	for _, s := range cfg.Sites {
		agg.AddSite(s.Site())
		if err := agg.Restore(ctx, s.ID, snapshot, store); err != nil {
			logger.Warn("site state not restored", slog.String("site_id", s.ID), slog.String("error", err.Error()))
		}
	}

	hub := websocket.NewHub(logger)
	hub.OnRegister(func(siteID string) {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		agg.SiteConnected(ctx, siteID)
	})
	hub.OnUnregister(func(siteID string) {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		agg.SiteDisconnected(ctx, siteID)
	})

	dispatcher := dispatch.New(hub, store, agg, logger)
	pipeline := &ingest.Pipeline{Status: agg, Rules: detector, Commands: dispatcher}

	handler := api.NewAPIHandler(api.Options{
		Auth:       auth.NewAuthManager(cfg.Auth, cfg.SiteKeys()),
		Hub:        hub,
		Status:     agg,
		Commands:   dispatcher,
		Store:      store,
		Thresholds: resolver,
		Sites:      pipeline,
		RatePerKWh: cfg.Billing.RatePerKWh,
		Logger:     logger,
	})

	var wg sync.WaitGroup
	alertCtx, stopAlerts := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		alerter.Run(alertCtx)
	}()

	// --- HTTP server ---
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("hub listening", slog.Int("port", cfg.Server.Port), slog.Int("sites", len(cfg.Sites)))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down hub")
	case err := <-serveErr:
		if err != nil {
			stopAlerts()
			wg.Wait()
			return fmt.Errorf("listen: %w", err)
		}
	}

	// --- Graceful shutdown ---
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	hub.CloseAll()
	for len(hub.Connected()) > 0 && shutdownCtx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}

	stopAlerts()
	wg.Wait()
	logger.Info("hub stopped")
	return nil
}
