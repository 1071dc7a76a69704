package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/swapd/params"
	"github.com/uhyunpark/swapd/pkg/api"
	"github.com/uhyunpark/swapd/pkg/app/swap"
	"github.com/uhyunpark/swapd/pkg/bus"
	"github.com/uhyunpark/swapd/pkg/fanout"
	"github.com/uhyunpark/swapd/pkg/order"
	"github.com/uhyunpark/swapd/pkg/queue"
	"github.com/uhyunpark/swapd/pkg/storage"
	"github.com/uhyunpark/swapd/pkg/util"
	"github.com/uhyunpark/swapd/pkg/venue"
	"github.com/uhyunpark/swapd/pkg/worker"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	var logger *zap.Logger
	var err error
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogFile, cfg.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	// Jobs always live in pebble; orders go to pebble or Postgres.
	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		sugar.Fatalw("data_dir_failed", "dir", cfg.Store.DataDir, "err", err)
	}
	pebbleStore, err := storage.NewPebbleStore(filepath.Join(cfg.Store.DataDir, "db"))
	if err != nil {
		sugar.Fatalw("pebble_open_failed", "err", err)
	}
	defer pebbleStore.Close()

	var orders order.Store = pebbleStore
	if cfg.Store.Backend == "postgres" {
		pg, err := storage.NewPostgresStore(cfg.Store.DatabaseURL)
		if err != nil {
			sugar.Fatalw("postgres_open_failed", "err", err)
		}
		defer pg.Close()
		orders = pg
	}
	sugar.Infow("order_store_ready", "backend", cfg.Store.Backend, "data_dir", cfg.Store.DataDir)

	// ---- Queue ----
	jobs, err := queue.New(queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		RateMax:     cfg.Queue.RateMax,
		RateWindow:  cfg.Queue.RateWindow,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		MaxBackoff:  cfg.Queue.MaxBackoff,
	}, pebbleStore, util.RealClock{}, sugar.Named("queue"))
	if err != nil {
		sugar.Fatalw("queue_open_failed", "err", err)
	}

	// ---- Venues ----
	router := venue.NewRouter(sugar.Named("router"), buildVenues(cfg.Venue, sugar)...)

	// ---- Update bus ----
	var updates bus.Bus
	switch cfg.Bus.Mode {
	case "gossip":
		g, err := bus.NewGossip(ctx, bus.GossipConfig{
			ListenAddr: cfg.Bus.Listen,
			Bootstrap:  cfg.Bus.Bootstrap,
			Logger:     sugar.Named("gossip"),
		})
		if err != nil {
			sugar.Fatalw("gossip_init_failed", "err", err)
		}
		updates = g
	default:
		updates = bus.NewLocal(sugar.Named("bus"), 0)
	}
	registry := fanout.NewRegistry(updates, sugar.Named("fanout"))

	// ---- Workers ----
	pool := worker.NewPool(worker.Config{
		Concurrency:    cfg.Queue.Concurrency,
		StoreTimeout:   cfg.Worker.StoreTimeout,
		QuoteTimeout:   cfg.Worker.QuoteTimeout,
		ExecuteTimeout: cfg.Worker.ExecuteTimeout,
		ExplorerURL:    cfg.Worker.ExplorerURL,
	}, jobs, orders, router, updates, sugar.Named("worker"))
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			sugar.Errorw("worker_pool_failed", "err", err)
		}
	}()

	// ---- API Server ----
	var journal storage.Journal = storage.NewNopJournal()
	if cfg.API.JournalFile != "" {
		fj, err := storage.NewFileJournal(cfg.API.JournalFile)
		if err != nil {
			sugar.Warnw("journal_open_failed", "path", cfg.API.JournalFile, "err", err)
		} else {
			defer fj.Close()
			journal = fj
			sugar.Infow("journal_ready", "path", cfg.API.JournalFile)
		}
	}

	apiServer := api.NewServer(swap.NewApp(orders, jobs, sugar.Named("intake")), registry, api.Options{
		CORSOrigins: cfg.API.CORSOrigins,
		Journal:     journal,
		Venues:      router.Venues(),
		Logger:      sugar.Named("api"),
	})
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("swapd_started",
		"api_addr", cfg.API.Addr,
		"concurrency", cfg.Queue.Concurrency,
		"rate", cfg.Queue.RateMax,
		"rate_window", cfg.Queue.RateWindow,
		"max_attempts", cfg.Queue.MaxAttempts,
		"bus", cfg.Bus.Mode,
		"venue_mode", cfg.Venue.Mode)

	// Stats loop
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdown(sugar, apiServer, jobs, poolDone, registry, updates)
			return
		case <-ticker.C:
			st := jobs.Stats()
			sugar.Infow("queue_stats", "ready", st.Ready, "delayed", st.Delayed, "active", st.Active,
				"started_in_window", st.InWindow, "observed_orders", len(registry.Topics()))
		}
	}
}

func buildVenues(cfg params.Venue, log *zap.SugaredLogger) []venue.Venue {
	seed := uint64(time.Now().UnixNano())
	var out []venue.Venue
	for i, sc := range []venue.SimConfig{venue.RaydiumConfig(), venue.MeteoraConfig()} {
		sc.GlitchAmount = cfg.GlitchAmount
		sc.FailAll = cfg.Mode == "fail"
		out = append(out, venue.NewSimulated(sc, seed+uint64(i)))
	}
	log.Infow("venues_configured", "mode", cfg.Mode, "glitch_amount", cfg.GlitchAmount, "count", len(out))
	return out
}

// shutdown stops intake first, then lets in-flight attempts finish.
func shutdown(log *zap.SugaredLogger, srv *api.Server, jobs *queue.Queue, poolDone <-chan struct{}, registry *fanout.Registry, updates bus.Bus) {
	log.Infow("shutdown_started")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("api_shutdown_failed", "err", err)
	}
	jobs.Close()
	<-poolDone
	registry.Close()
	if err := updates.Close(); err != nil {
		log.Warnw("bus_close_failed", "err", err)
	}
	log.Infow("shutdown_complete")
}
