package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"

	"github.com/orchestrix/pipeline/internal/config"
	"github.com/orchestrix/pipeline/internal/logging"
	"github.com/orchestrix/pipeline/pkg/analyzer"
	"github.com/orchestrix/pipeline/pkg/api"
	"github.com/orchestrix/pipeline/pkg/collaborators/fake"
	"github.com/orchestrix/pipeline/pkg/metrics"
	"github.com/orchestrix/pipeline/pkg/pipeline/engine"
	"github.com/orchestrix/pipeline/pkg/pipeline/health"
	"github.com/orchestrix/pipeline/pkg/pipeline/store"
)

func serveCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: poll loop plus HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level operational logging")
	return cmd
}

func runServe(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewOperational(debug)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	var locker store.Locker
	if cfg.Database.UseRowLocking {
		locker = &store.PostgresLocker{DB: db}
	} else {
		locker = &store.RetryLocker{DB: db, MaxRetries: 3}
	}

	registry := analyzer.DefaultToolRegistry()
	pipelines := store.NewPipelineStore(db, locker, logger)
	tasks := store.NewTaskStore(db, registry, logger)

	baseURLs := make(map[analyzer.Service]string, len(cfg.Analyzer.BaseURLs))
	services := make([]analyzer.Service, 0, len(cfg.Analyzer.BaseURLs))
	for name, url := range cfg.Analyzer.BaseURLs {
		svc := analyzer.Service(name)
		baseURLs[svc] = url
		services = append(services, svc)
	}
	analyzerClient := analyzer.New(baseURLs, cfg.Engine.AnalyzerCallTimeout, cfg.Analyzer.FullRawOutputs, cfg.Analyzer.RawOutputMaxIssues)
	breakingClient := analyzer.NewBreakingClient(analyzerClient, services, cfg.Analyzer.BreakerOpenAfter, cfg.Analyzer.BreakerCooldown)

	// Production GenerationService/ContainerManager wiring lives outside this
	// module (see pkg/collaborators); the in-process fakes give the
	// orchestrator something real to drive end to end out of the box.
	generation := fake.NewGenerationService()
	containers := fake.NewContainerManager()

	engineCfg := cfg.Engine.ToEngineConfig()
	eng := engine.New(engineCfg, pipelines, tasks, generation, containers, registry, breakingClient, logger)

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		eng.SetHealthMirror(health.NewRedisMirror(redisClient, "pipelined:"))
	}

	auditLog := logging.NewAuditLog(cfg.Audit)
	defer auditLog.Sync()
	eng.SetAudit(auditLog)

	collector := metrics.New(prometheus.DefaultRegisterer)
	eng.SetMetrics(collector)

	loop := engine.NewLoop(engineCfg, eng, pipelines, logger)

	server, err := api.NewServer(cfg, pipelines, tasks, eng, collector, logger)
	if err != nil {
		return fmt.Errorf("create control surface: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	stopBreakerWatch := watchBreakerState(ctx, collector, breakingClient, services)

	go loop.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("control surface stopped unexpectedly", "error", err)
	}

	// Cancel ctx (a no-op if a signal already did) before waiting on the
	// breaker watcher, which only exits once ctx.Done fires.
	stop()
	stopBreakerWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil && err != http.ErrServerClosed {
		logger.Error("control surface shutdown error", "error", err)
	}
	loop.Stop(shutdownCtx)

	return nil
}

// watchBreakerState periodically samples every analyzer service's circuit
// breaker state into the metrics gauge: BreakingClient does not push state
// changes, so the engine has nothing to call this from on its own.
func watchBreakerState(ctx context.Context, collector *metrics.Collectors, client *analyzer.BreakingClient, services []analyzer.Service) func() {
	ticker := time.NewTicker(5 * time.Second)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				for _, svc := range services {
					collector.BreakerState.WithLabelValues(string(svc)).Set(breakerStateValue(client.State(svc)))
				}
			}
		}
	}()

	return func() { <-done }
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
