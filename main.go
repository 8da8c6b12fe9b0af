package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryan-buckman/showtracker/internal/config"
	"github.com/bryan-buckman/showtracker/internal/database"
	"github.com/bryan-buckman/showtracker/internal/dispatch"
	"github.com/bryan-buckman/showtracker/internal/listing"
	"github.com/bryan-buckman/showtracker/internal/logx"
	"github.com/bryan-buckman/showtracker/internal/match"
	"github.com/bryan-buckman/showtracker/internal/notify"
	"github.com/bryan-buckman/showtracker/internal/scheduler"
	"github.com/bryan-buckman/showtracker/internal/server"
	"github.com/bryan-buckman/showtracker/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "showtracker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closer, err := logx.New(cfg.Log())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closer.Close()

	store, err := database.Open(database.Config{
		Driver: cfg.DatabaseDriver,
		Path:   cfg.DatabasePath,
		URL:    cfg.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	log.Info("database ready", logx.String("type", store.DatabaseType()))

	notifier, closeNotifier, err := newNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	fetcher := listing.NewHTTPFetcher(listing.Options{
		BaseURL:         cfg.ProviderBaseURL,
		UserAgent:       cfg.UserAgent,
		Timeout:         cfg.FetchTimeout,
		HostConcurrency: cfg.HostConcurrency,
		Log:             log,
	})

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cache := scheduler.NewSnapshotCache(store, log)
	n, err := cache.Load(startCtx)
	if err != nil {
		return fmt.Errorf("load snapshot cache: %w", err)
	}
	log.Info("snapshot cache loaded", logx.Int("snapshots", n))

	var locker scheduler.Locker = scheduler.NewMemoryLocker()
	if cfg.RedisURL != "" {
		rl, err := scheduler.NewRedisLocker(startCtx, scheduler.RedisLockerOptions{URL: cfg.RedisURL, Log: log})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rl.Close()
		locker = rl
		log.Info("using redis target locks")
	}

	matcher := match.New(cfg.MatchThreshold)
	tr := tracker.New(tracker.Options{
		Store:    store,
		Fetcher:  fetcher,
		Cache:    cache,
		Locker:   locker,
		Matcher:  matcher,
		BaseURL:  cfg.ProviderBaseURL,
		Location: cfg.Location(),
		Log:      log,
	})
	tr.Start()
	defer tr.Stop()

	renderer := notify.NewRenderer()
	dispatcher := dispatch.New(dispatch.Options{
		Store:     store,
		Notifier:  notifier,
		Renderer:  renderer,
		BatchSize: cfg.DispatchBatchSize,
		Lease:     cfg.ClaimLease,
		SendDelay: cfg.SendDelay,
		Log:       log,
	})

	sched := scheduler.New(scheduler.Options{
		Store:            store,
		Fetcher:          fetcher,
		Evaluator:        tr,
		Drainer:          dispatcher,
		Cache:            cache,
		Locker:           locker,
		FetchInterval:    cfg.FetchInterval,
		DispatchInterval: cfg.DispatchInterval,
		Concurrency:      cfg.FetchConcurrency,
		Location:         cfg.Location(),
		Log:              log,
	})
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Options{
		Addr:     cfg.HTTPAddr,
		Tracker:  tr,
		Store:    store,
		Catalog:  cache,
		Matcher:  &matcher,
		BaseURL:  cfg.ProviderBaseURL,
		Renderer: renderer,
		Log:      log,
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		log.Info("shutting down", logx.String("signal", s.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("server stopped", logx.Err(err))
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", logx.Err(err))
	}
	return nil
}

func newNotifier(cfg *config.Config, log logx.Logger) (notify.Notifier, func(), error) {
	nop := func() {}
	switch cfg.Notifier {
	case config.NotifierEmail:
		return notify.NewEmailNotifier(notify.EmailOptions{
			APIKey:   cfg.BrevoAPIKey,
			APIURL:   cfg.BrevoAPIURL,
			From:     cfg.EmailFrom,
			FromName: cfg.EmailFromName,
			Log:      log,
		}), nop, nil
	case config.NotifierTelegram:
		n, err := notify.NewTelegramNotifier(cfg.TelegramBotToken)
		if err != nil {
			return nil, nop, fmt.Errorf("init telegram: %w", err)
		}
		return n, nop, nil
	case config.NotifierAMQP:
		n, err := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			return nil, nop, fmt.Errorf("init amqp: %w", err)
		}
		return n, func() { _ = n.Close() }, nil
	default:
		return notify.NewLogNotifier(log), nop, nil
	}
}
