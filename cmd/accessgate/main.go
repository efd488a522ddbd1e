// Command accessgate runs the access gateway HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nhalm/accessgate/account"
	"github.com/nhalm/accessgate/config"
	"github.com/nhalm/accessgate/metrics"
	"github.com/nhalm/accessgate/server"
	"github.com/nhalm/accessgate/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "accessgate:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("backing store ready", zap.String("backend", cfg.Store.Backend))

	deps := server.Deps{Config: cfg, Store: st, Logger: logger}

	if cfg.Accounts.Path != "" {
		db, err := account.Open(ctx, cfg.Accounts.Path)
		if err != nil {
			return fmt.Errorf("open accounts: %w", err)
		}
		defer db.Close()
		deps.Accounts = db
		logger.Info("accounts database open", zap.String("path", cfg.Accounts.Path))
	}

	m, err := metrics.New(metrics.Options{})
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	deps.Metrics = m

	srv, err := server.New(deps)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "redis":
		r, err := store.NewRedis(store.RedisConfig{
			URL:         cfg.Store.Redis.Addr,
			Password:    cfg.Store.Redis.Password,
			DB:          cfg.Store.Redis.DB,
			DialTimeout: cfg.Store.Redis.DialTimeout.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return r, nil
	default:
		return nil, errors.New("unknown store backend " + cfg.Store.Backend)
	}
}
