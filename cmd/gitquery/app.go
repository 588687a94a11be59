package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hochfrequenz/gitquery/internal/config"
	"github.com/hochfrequenz/gitquery/internal/coordinator"
	"github.com/hochfrequenz/gitquery/internal/gitcmd"
	applog "github.com/hochfrequenz/gitquery/internal/log"
	"github.com/hochfrequenz/gitquery/internal/oplog"
	"github.com/hochfrequenz/gitquery/internal/query"
	"github.com/hochfrequenz/gitquery/internal/scheduler"
)

// app holds the components shared by all commands
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *oplog.Store
	repo     *gitcmd.Repo
	coord    *coordinator.Coordinator
	queries  *query.Querier
	registry *prometheus.Registry
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := applog.New(verbose)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	store, err := oplog.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	repo := gitcmd.NewRepo(
		gitcmd.NewExecRunner(cfg.General.GitBinary),
		cfg.General.ClonePath,
		cfg.General.CloneURL,
		cfg.General.BaseBranch,
	)

	queries, err := query.New(repo, query.Options{
		CacheSize: cfg.Query.CacheSize,
		MaxBatch:  cfg.Query.MaxBatch,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	coord := coordinator.New(coordinator.Config{
		Store:   store,
		Logger:  log.Named("coordinator"),
		Metrics: coordinator.NewMetrics(registry),
	}, operations(repo, cfg))

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		repo:     repo,
		coord:    coord,
		queries:  queries,
		registry: registry,
	}, nil
}

// operations binds the coordinator's clone and fetch to the bare clone
func operations(repo *gitcmd.Repo, cfg *config.Config) coordinator.Operations {
	return coordinator.Operations{
		Clone: coordinator.OperationSpec{
			Work: repo.BareClone,
			Guard: func() string {
				if repo.CloneExists() {
					return "Clone already exists."
				}
				return ""
			},
		},
		Fetch: coordinator.OperationSpec{
			Work:        repo.FetchPRRefs,
			MinInterval: cfg.Fetch.MinInterval.Duration,
		},
	}
}

// fetchSchedule builds the cron schedule for fetch, or returns nil when
// expr is empty. Nothing runs until the scheduler's Run is called.
func fetchSchedule(expr string, t scheduler.Triggerer, log *zap.Logger) (*scheduler.Scheduler, error) {
	if expr == "" {
		return nil, nil
	}
	sched := scheduler.New(log)
	if err := sched.AddOperation(expr, t, coordinator.Fetch); err != nil {
		return nil, err
	}
	return sched, nil
}

func (a *app) Close() {
	a.store.Close()
	a.log.Sync()
}
