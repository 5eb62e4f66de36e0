// cmd/gateway/main.go
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"minefleet/internal/config"
	"minefleet/internal/events"
	"minefleet/internal/executor"
	"minefleet/internal/journal"
	"minefleet/internal/modbus"
	"minefleet/internal/poller"
	"minefleet/internal/registers"
	"minefleet/internal/uplink"
)

func main() {
	// --- Configuration ---
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return err
	}
	logger = logger.With(slog.String("site_id", cfg.Site.ID))

	mapper := registers.Default()
	if cfg.Registers.Overlay != "" {
		if mapper, err = registers.LoadOverlay(cfg.Registers.Overlay); err != nil {
			return err
		}
		logger.Info("register overlay loaded", slog.String("path", cfg.Registers.Overlay))
	}
	devices, err := cfg.FieldDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if _, err := mapper.PollSet(d.Kind); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Event flow: producers -> queue (+ journal) -> uplink ---
	queue := events.NewQueue(cfg.Queue.Size, logger)
	var sink events.Sink = queue
	var wg sync.WaitGroup

	// The journal outlives ctx so events published during shutdown are
	// still recorded.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, cfg.Queue.Size, logger)
		if err != nil {
			return err
		}
		if last, err := j.Recent(ctx, 1); err != nil {
			logger.Warn("read event journal", slog.String("error", err.Error()))
		} else if len(last) == 1 {
			logger.Info("event journal resumed",
				slog.Time("last_recorded_at", last[0].RecordedAt),
				slog.String("last_kind", string(last[0].Kind)))
		}
		sink = events.Tee{queue, j}
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Run(journalCtx)
		}()
		logger.Info("event journal enabled", slog.String("path", cfg.Journal.Path))
	}

	// --- Initialize Components ---
	dialer := &modbus.NetDialer{}
	state := poller.NewState(devices)
	poll := poller.New(devices, mapper, dialer, sink, state, poller.Config{
		Interval: cfg.Poll.Interval,
		Timeout:  cfg.Poll.Timeout,
	}, logger)
	exec := executor.New(devices, mapper, dialer, sink, cfg.Command.Timeout, logger)
	link := uplink.New(uplink.Config{
		URL:            cfg.Hub.URL,
		SiteID:         cfg.Site.ID,
		APIKey:         cfg.Site.APIKey,
		ReconnectDelay: cfg.Hub.ReconnectDelay,
	}, queue.C(), state, exec, logger)

	logger.Info("gateway starting", slog.Int("devices", len(devices)), slog.String("hub", cfg.Hub.URL))

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		poll.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		link.Run(ctx)
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	logger.Info("shutting down gateway")
	workers.Wait()
	exec.Wait()

	stopJournal()
	wg.Wait()
	logger.Info("gateway stopped", slog.Uint64("dropped_events", queue.Dropped()))
	return nil
}
