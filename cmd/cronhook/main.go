package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"cronhook/internal/api"
	"cronhook/internal/config"
	"cronhook/internal/delivery"
	"cronhook/internal/executor"
	"cronhook/internal/lock"
	"cronhook/internal/logging"
	"cronhook/internal/scheduler"
	"cronhook/internal/store"
)

const (
	httpShutdownTimeout = 10 * time.Second
	// added to delivery.timeout to cover the log write after the last attempt
	stopMargin = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("cronhook exited")
	}
}

func run(cfg *config.Config) error {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite", cfg.Database.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	repo := store.NewSQLiteRepo(db)

	client := delivery.New(delivery.Config{
		Timeout:    cfg.Delivery.Timeout,
		RatePerSec: cfg.Delivery.RatePerSec,
		RateBurst:  cfg.Delivery.RateBurst,
		UserAgent:  cfg.Delivery.UserAgent,
	})
	defer client.Close()

	exec := executor.New(repo, client, executor.WithBackoffUnit(cfg.Scheduler.BackoffUnit))

	opts := []scheduler.Option{
		scheduler.WithInterval(cfg.Scheduler.TickInterval),
		scheduler.WithWorkers(cfg.Scheduler.MaxWorkers),
	}
	if cfg.Scheduler.Lock.Enabled {
		l, err := lock.NewRedis(cfg.Scheduler.Lock.RedisURL, cfg.Scheduler.Lock.Key, cfg.Scheduler.Lock.TTL)
		if err != nil {
			return fmt.Errorf("scheduler lock: %w", err)
		}
		defer l.Close()
		opts = append(opts, scheduler.WithLocker(l))
		log.Info().Str("key", cfg.Scheduler.Lock.Key).Msg("redis scheduler lock enabled")
	}
	sched := scheduler.NewService(repo, exec, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	log.Info().
		Dur("interval", cfg.Scheduler.TickInterval).
		Int("workers", cfg.Scheduler.MaxWorkers).
		Msg("scheduler started")

	handler := api.NewServer(repo, sched, api.Options{
		APIToken:    cfg.Server.APIToken,
		Debug:       cfg.Server.Debug,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify ready failed")
	} else if ok {
		log.Debug().Msg("notified systemd")
	}

	// Graceful shutdown
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-srvErr:
		log.Error().Err(err).Msg("http server")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stop accepting API writes first, then let in-flight firings finish before
	// the deferred db.Close runs.
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelHTTP()
	if shutErr := srv.Shutdown(httpCtx); shutErr != nil {
		log.Warn().Err(shutErr).Msg("http shutdown")
	}
	stopScheduler(sched, cfg.Delivery.Timeout+stopMargin)
	return err
}

type stopper interface {
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}

// stopScheduler stops s and returns only after its loop and every in-flight
// firing have exited. budget bounds the graceful wait; past it a warning is
// logged and the wait continues, since each delivery is itself bounded by the
// client timeout.
func stopScheduler(s stopper, budget time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		log.Warn().Err(err).Dur("budget", budget).Msg("scheduler still finishing deliveries")
		<-s.Done()
	}
	log.Info().Msg("scheduler stopped")
}
