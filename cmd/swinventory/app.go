package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-tangra/go-tangra-swinventory/cmd/swinventory/assets"
	"github.com/go-tangra/go-tangra-swinventory/internal/config"
	"github.com/go-tangra/go-tangra-swinventory/internal/credential"
	"github.com/go-tangra/go-tangra-swinventory/internal/hosts"
	"github.com/go-tangra/go-tangra-swinventory/internal/inventory"
	"github.com/go-tangra/go-tangra-swinventory/internal/logging"
	"github.com/go-tangra/go-tangra-swinventory/internal/remote"
	"github.com/go-tangra/go-tangra-swinventory/internal/scheduler"
	"github.com/go-tangra/go-tangra-swinventory/internal/server"
	"github.com/go-tangra/go-tangra-swinventory/internal/store"
)

// app holds the wired components of one process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	orch   *inventory.Orchestrator
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, extra ...io.Writer) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}, extra...)
}

func newCredentials(cfg *config.Config) *credential.Store {
	entries := map[credential.Kind]credential.Entry{
		credential.RemoteHost: {Username: cfg.Remote.User, EncryptedPassword: cfg.Remote.Pass},
	}
	if cfg.DB.Driver != config.DriverSQLite {
		entries[credential.Database] = credential.Entry{Username: cfg.DB.User, EncryptedPassword: cfg.DB.Pass}
	}
	return credential.NewStore(cfg.Secret.KeyFile, entries)
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:               cfg.DB.Driver,
		Host:                 cfg.DB.Host,
		Port:                 cfg.DB.Port,
		Database:             cfg.DB.Database,
		ProdTable:            cfg.DB.ProdTable,
		BackupTable:          cfg.DB.BackupTable,
		SSLMode:              cfg.DB.SSLMode,
		Timeout:              cfg.DB.Timeout,
		DefaultIntervalWeeks: cfg.Inventory.IntervalWeeks,
	}
}

// newApp resolves credentials, opens the store and builds the orchestrator.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	creds := newCredentials(cfg)
	if err := creds.Check(); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, storeConfig(cfg), creds, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	dialer := remote.NewWinRMDialer(remote.WinRMOptions{
		Port:             cfg.Remote.Port,
		HTTPS:            cfg.Remote.HTTPS,
		Insecure:         cfg.Remote.Insecure,
		Transport:        cfg.Remote.Transport,
		ConnectTimeout:   cfg.Remote.ConnectTimeout,
		OperationTimeout: cfg.Remote.OperationTimeout,
	}, creds)
	collector := remote.NewCollector(dialer, cfg.Remote.OperationTimeout, logger.Named("remote"))

	orch := inventory.New(collector, st, hosts.File(cfg.Inventory.HostsFile), inventory.Options{
		Workers:         cfg.Inventory.Workers,
		BackupBeforeRun: cfg.DB.BackupBeforeRun,
		DumpDir:         cfg.Inventory.DumpDir,
	}, logger.Named("inventory"))

	return &app{cfg: cfg, logger: logger, store: st, orch: orch}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// serve runs the scheduler loop and the control surface until ctx is
// cancelled or either of them fails.
func (a *app) serve(ctx context.Context) error {
	sched := scheduler.New(a.orch, a.store, scheduler.Options{
		PollInterval: a.cfg.Inventory.PollInterval,
	}, a.logger.Named("scheduler"))

	handler := server.NewHandler(sched, a.store, a.logger.Named("api"))
	srvCfg := server.Config{
		Listen:        a.cfg.Server.Listen,
		GRPCListen:    a.cfg.Server.GRPCListen,
		ApiSecret:     a.cfg.Server.ApiSecret,
		EnableSwagger: a.cfg.Server.EnableSwagger,
		OpenAPI:       assets.OpenApiData,
	}
	active := func(ctx context.Context) (bool, error) {
		md, err := a.store.Metadata(ctx)
		if err != nil {
			return false, err
		}
		return md.ServiceActive, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return server.Run(gctx, srvCfg, handler, active, a.logger.Named("server"))
	})
	return g.Wait()
}
