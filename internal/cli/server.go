package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ehrlich-b/dispatch/internal/broker"
	"github.com/ehrlich-b/dispatch/internal/config"
	"github.com/ehrlich-b/dispatch/internal/engine"
	"github.com/ehrlich-b/dispatch/internal/ingest"
	"github.com/ehrlich-b/dispatch/internal/jobs"
	"github.com/ehrlich-b/dispatch/internal/server"
	"github.com/ehrlich-b/dispatch/internal/storage"
	"github.com/ehrlich-b/dispatch/internal/workers"
)

// ServerOptions are the flag-level overrides for the server command.
type ServerOptions struct {
	ConfigDir string // where to look for dispatch.{toml,yaml,yml,json}
	Listen    string // overrides the configured listen address
}

// RunServer is the backend entrypoint: it loads configuration, brings up
// storage, the log broker, the dispatch engine, the log consumer and the
// health monitor, then serves the API until ctx is cancelled.
func RunServer(ctx context.Context, opts ServerOptions, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	cfg, cfgFile, err := loadConfig(opts.ConfigDir)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if envListen := os.Getenv("DISPATCH_LISTEN"); envListen != "" {
		cfg.Listen = envListen
	}
	if cfgFile != "" {
		log.Info("loaded config", "file", cfgFile)
	}
	if err := cfg.EnsureLayout(); err != nil {
		return err
	}

	log.Info("initializing storage", "driver", cfg.Store.Driver, "dsn", cfg.StoreDSN())
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	secret, err := broker.LoadOrCreatePassword(cfg.BrokerPasswordFile())
	if err != nil {
		return err
	}
	brokerOpts := broker.Options{
		Host:     cfg.Broker.Host,
		Port:     cfg.Broker.Port,
		DB:       cfg.Broker.DB,
		Password: secret,
	}
	if cfg.Broker.Manage {
		files := broker.ServerFiles{LogFile: cfg.BrokerLogFile(), PIDFile: cfg.BrokerPIDFile()}
		if err := broker.EnsureServer(ctx, brokerOpts, files, log); err != nil {
			return fmt.Errorf("log broker: %w", err)
		}
	}

	jobSvc := jobs.NewService(store, cfg.JobLogDir(), log)

	agents := workers.NewAgentClient(cfg.Dispatch.AgentTimeout.Duration())
	mgr := workers.NewManager(store, cfg, agents, secret, log)

	eng := engine.New(store, jobSvc, agents, cfg.QueueLogDir(), cfg.Dispatch.PollInterval.Duration(), log)
	if err := eng.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile queues: %w", err)
	}
	eng.Start()
	defer eng.Stop()

	var archiver *ingest.Archiver
	if cfg.Archive.Enabled {
		archiver, err = ingest.NewArchiver(ctx, ingest.ArchiveConfig{
			Bucket:   cfg.Archive.Bucket,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
		}, log)
		if err != nil {
			return fmt.Errorf("log archiver: %w", err)
		}
		log.Info("log archiving enabled", "bucket", cfg.Archive.Bucket)
	}
	metrics := server.NewMetrics()
	consumer := ingest.NewConsumer(brokerOpts, jobSvc, cfg.WorkerLogDir(), archiver, log)
	consumer.Lines = metrics.LinesIngested
	consumer.Start()
	defer consumer.Stop()

	monitor := workers.NewMonitor(mgr, cfg.Monitor.Interval.Duration(), log)
	monitor.Start()
	defer monitor.Stop()

	if cfg.Dispatch.RetentionDays > 0 {
		go runCleanup(ctx, jobSvc, cfg.Dispatch.RetentionDays, log)
	}

	srv := server.New(store, jobSvc, eng, mgr, consumer, metrics, log)
	return srv.Run(ctx, cfg.Listen)
}

// loadConfig searches the explicit dir, then the prefix etc dir, then the
// working directory.
func loadConfig(dir string) (*config.Config, string, error) {
	if dir != "" {
		return config.Load(dir)
	}
	etc := fmt.Sprintf("%s/etc", config.DefaultPrefix())
	cfg, file, err := config.Load(etc)
	if err != nil || file != "" {
		return cfg, file, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return cfg, "", nil
	}
	return config.Load(wd)
}

func openStore(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return storage.NewPostgres(cfg.Store.DSN)
	default:
		return storage.NewSQLite(cfg.StoreDSN())
	}
}

// runCleanup removes terminal jobs older than the retention window, once at
// startup and then daily.
func runCleanup(ctx context.Context, jobSvc *jobs.Service, retentionDays int, log *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if n, err := jobSvc.Cleanup(ctx, retentionDays); err != nil {
			log.Warn("job cleanup", "error", err)
		} else if n > 0 {
			log.Info("job cleanup", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
