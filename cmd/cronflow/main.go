package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cronflow/internal/api"
	"cronflow/internal/config"
	"cronflow/internal/cronexpr"
	"cronflow/internal/dispatch"
	"cronflow/internal/driver"
	"cronflow/internal/executor"
	"cronflow/internal/retry"
	"cronflow/internal/store"
	"cronflow/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "mount pprof handlers under /debug/pprof")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	setupLogging(cfg.Log)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve timezone")
	}

	db, err := store.Open(cfg.DB.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	repo := store.NewSQLiteRepo(db)

	exec, err := executor.New(cfg.ExecutorConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("build executor")
	}

	sc := cfg.Scheduler
	pool := worker.NewPool(cfg.Executor.PoolSize, sc.MaxConcurrentTasks)
	disp := dispatch.New(repo, exec, retry.NewPolicy(sc.MaxRetries, loc), pool, dispatch.Config{
		BatchSize:          sc.BatchSize,
		MaxConcurrentTasks: sc.MaxConcurrentTasks,
		ExecTimeout:        time.Duration(cfg.Executor.Timeout),
		Location:           loc,
	})
	reg := dispatch.NewRegistrar(repo, sc.DefaultSchedule, loc)

	if sc.RecoverOnStart {
		if n, err := disp.Reconcile(context.Background()); err != nil {
			log.Warn().Err(err).Msg("recover running tasks")
		} else {
			log.Info().Int("recovered", n).Msg("recovered stale running tasks")
		}
	}

	pollSpec, err := cronexpr.Parse(sc.PollSchedule, loc)
	if err != nil {
		log.Fatal().Err(err).Msg("parse poll schedule")
	}
	drv := driver.New(disp, pool, driver.Config{
		PollSchedule:    pollSpec,
		PollInterval:    time.Duration(sc.PollInterval),
		Lookback:        time.Duration(sc.PollLookback),
		CleanupEnabled:  sc.CleanupEnabled,
		CleanupInterval: time.Duration(sc.CleanupInterval),
		StaleAfter:      time.Duration(sc.StaleAfter),
		ShutdownTimeout: time.Duration(cfg.Executor.ShutdownTimeout),
	})
	if err := drv.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	sec := cfg.Security
	handler := api.NewServer(reg, disp, repo, api.Options{
		InputValidation:  sec.InputValidation,
		AuditLogging:     sec.AuditLogging,
		MaxMessageLength: sec.MaxMessageLength,
		MaxTasksPerOwner: sec.MaxTasksPerOwner,
		RateLimit:        sec.RateLimit,
		RateBurst:        sec.RateBurst,
		Debug:            *debug,
	})

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("executor", exec.Type()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	if err := srv.Shutdown(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := drv.Stop(); err != nil {
		log.Warn().Err(err).Msg("stop scheduler")
	}
}

func setupLogging(c config.LogConfig) {
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}
