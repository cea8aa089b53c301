package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/app"
	"dn-hedge-bot/internal/backoff"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/events"
	"dn-hedge-bot/internal/exec"
	"dn-hedge-bot/internal/logging"
	"dn-hedge-bot/internal/market"
	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/server"
	"dn-hedge-bot/internal/state/sqlite"
	"dn-hedge-bot/internal/timescale"
	"dn-hedge-bot/internal/vault"
	"dn-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	autostart := flag.Bool("autostart", false, "start the engine immediately instead of waiting for START_ENGINE")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer log.Sync()
	log.Info("config loaded",
		zap.String("path", *configPath),
		zap.String("market", cfg.Engine.Market),
		zap.String("mode", cfg.Engine.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *autostart); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("terminated", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, autostart bool) error {
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	marketClient := market.NewClient(cfg.Venue.BaseURL, cfg.Venue.Timeout, log.Named("market"))
	venueClient := venue.NewClient(cfg.Venue.BaseURL, cfg.Venue.Timeout, log.Named("venue"))

	bus := events.NewBus(64, log.Named("events"))

	var appMetrics *metrics.Metrics
	if cfg.Server.MetricsAddr != "" {
		prom := metrics.NewPrometheus()
		appMetrics = prom.Metrics
		go serveMetrics(ctx, cfg.Server.MetricsAddr, prom.Handler(), log)
	} else {
		appMetrics = metrics.NewNoop()
	}

	var notifier *alerts.Notifier
	if cfg.Telegram.Enabled {
		notifier = alerts.NewNotifier(alerts.NewTelegram(cfg.Telegram, log.Named("telegram")), log.Named("alerts"))
	}

	tsWriter, err := timescale.New(cfg.Timescale, log.Named("timescale"))
	if err != nil {
		return fmt.Errorf("open timescale writer: %w", err)
	}
	if tsWriter != nil {
		tsWriter.Start(ctx)
		defer tsWriter.Close()
	}

	synchronizer := vault.NewSynchronizer(
		cfg.Engine.Market,
		cfg.Venue.Subaccount,
		venueClient,
		store,
		store,
		bus,
		notifier,
		backoff.New(cfg.Vault.SyncAttempts, cfg.Vault.SyncBackoff, 2),
		cfg.Vault.SyncTimeout,
		log.Named("vault"),
	)

	engine := app.New(cfg, log.Named("engine"), app.Deps{
		Market:     marketClient,
		Account:    venueClient,
		Vault:      synchronizer,
		BackendFor: backendFactory(cfg, marketClient, venueClient, log),
		Store:      store,
		Journal:    store,
		Bus:        bus,
		Metrics:    appMetrics,
		Notifier:   notifier,
		Timescale:  tsWriter,
	})
	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	if autostart {
		if err := engine.StartEngine(ctx, cfg.Engine.Mode); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
	}

	if cfg.Server.Enabled {
		return server.New(cfg.Server, engine, bus, log.Named("server")).Run(ctx)
	}
	if !autostart {
		return errors.New("nothing to do: server disabled and autostart off")
	}
	<-ctx.Done()
	return ctx.Err()
}

// backendFactory binds the configured mode to an execution backend: paper
// fills against the live mark, live routes to the venue.
func backendFactory(cfg *config.Config, marketClient *market.Client, venueClient *venue.Client, log *zap.Logger) func(mode string) (exec.Backend, error) {
	return func(mode string) (exec.Backend, error) {
		switch mode {
		case "paper":
			mark := func(marketName string) (float64, error) {
				snapCtx, cancel := context.WithTimeout(context.Background(), cfg.Venue.Timeout)
				defer cancel()
				snap, err := marketClient.Snapshot(snapCtx, marketName)
				if err != nil {
					return 0, err
				}
				return snap.MarkPrice, nil
			}
			return exec.NewPaperBackend(mark, cfg.Gates.SlippageBps, cfg.Gates.FeeBps, log.Named("paper")), nil
		case "live":
			return exec.NewLiveBackend(venueClient, cfg.Engine.ConfirmPoll, log.Named("live")), nil
		default:
			return nil, fmt.Errorf("unknown mode %q", mode)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", zap.Error(err))
	}
}
