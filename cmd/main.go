package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aonescu/kubefacts/cmd/server"
	"github.com/aonescu/kubefacts/internal/db"
	"github.com/aonescu/kubefacts/internal/engine"
	k8s "github.com/aonescu/kubefacts/internal/kubernetes"
	"github.com/aonescu/kubefacts/internal/metrics"
	"github.com/aonescu/kubefacts/internal/state"
	"github.com/aonescu/kubefacts/internal/translate"
	"github.com/aonescu/kubefacts/internal/txn"
	"github.com/aonescu/kubefacts/internal/types"
	"github.com/aonescu/kubefacts/internal/watch"
)

var version = "dev"

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()
	cmd := &cobra.Command{
		Use:   "kubefacts",
		Short: "Mirror pods and nodes into a rule engine fact store",
		Long: `kubefacts watches pods and nodes, translates them into facts and commits
them to a Datalog rule program. Every commit's delta is logged, journaled and
served over a REST API.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	cfg.bindFlags(cmd.Flags())
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(lvl)
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return logConfig.Build()
}

func run(parent context.Context, cfg *config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting kubefacts",
		zap.String("version", version),
		zap.String("namespace", cfg.Namespace),
		zap.String("cluster", cfg.ClusterName),
		zap.String("api_address", cfg.APIAddress),
	)

	// Initialize storage
	var journal interface {
		state.CommitLog
		txn.DeltaSink
	}
	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, journaling commits in memory")
		journal = state.NewMemoryStore(cfg.JournalSize)
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pgStore, err := db.NewPostgresStore(pingCtx, cfg.DatabaseURL, cfg.JournalSize, logger)
		cancel()
		if err != nil {
			logger.Warn("Failed to connect to PostgreSQL, falling back to in-memory journal", zap.Error(err))
			journal = state.NewMemoryStore(cfg.JournalSize)
		} else {
			logger.Info("Connected to PostgreSQL")
			journal = pgStore
			defer pgStore.Close()
		}
	}

	// Initialize engine
	engineOpts := []engine.Option{engine.WithFactLimit(cfg.FactLimit)}
	if cfg.RulesFile != "" {
		src, err := engine.ReadProgram(cfg.RulesFile)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithProgram(src))
	}
	eng, err := engine.New(logger, engineOpts...)
	if err != nil {
		return err
	}

	manager := txn.New(eng, logger,
		txn.WithSink(txn.NewLogSink(logger)),
		txn.WithSink(metrics.Sink{}),
		txn.WithSink(journal),
	)

	tr := translate.New(cfg.ClusterName)
	seed, err := loadSeed(tr, cfg.SeedFile)
	if err != nil {
		return err
	}
	if err := manager.Init(ctx, seed); err != nil {
		return fmt.Errorf("failed to initialize fact store: %w", err)
	}

	// Start API server
	apiServer := server.NewAPIServer(eng, journal, manager, logger)
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiServer.Start(ctx, cfg.APIAddress) }()

	// Start watching
	watchDone := make(chan struct{})
	client, err := k8s.NewDynamicClient(cfg.Kubeconfig)
	if err != nil {
		logger.Warn("No Kubernetes cluster available, serving seeded facts only", zap.Error(err))
		close(watchDone)
	} else {
		loops := []*watch.Loop{
			{
				Kind:         types.KindWorkload,
				Source:       "pods",
				Open:         watch.DynamicSource(client, watch.PodsResource, cfg.Namespace),
				List:         watch.DynamicList(client, watch.PodsResource, cfg.Namespace),
				Facts:        eng,
				Namespace:    cfg.Namespace,
				Manager:      manager,
				Translator:   tr,
				Logger:       logger,
				RestartDelay: cfg.RestartDelay,
			},
			{
				Kind:         types.KindHost,
				Source:       "nodes",
				Open:         watch.DynamicSource(client, watch.NodesResource, ""),
				List:         watch.DynamicList(client, watch.NodesResource, ""),
				Facts:        eng,
				Manager:      manager,
				Translator:   tr,
				Logger:       logger,
				RestartDelay: cfg.RestartDelay,
			},
		}
		go func() {
			defer close(watchDone)
			watch.RunAll(ctx, loops...)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		runErr = <-apiErr
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("API server failed: %w", err)
		}
		stop()
	}
	// loops may still be inside Apply; the journal closes after they return
	<-watchDone
	return runErr
}

func loadSeed(tr *translate.Translator, path string) ([]types.Update, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	updates, err := tr.LoadManifests(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed file %s: %w", path, err)
	}
	return updates, nil
}
