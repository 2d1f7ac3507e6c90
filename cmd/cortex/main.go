// Command cortex runs the cognitive observability engine: ingestion,
// reasoning cycles, and the HTTP surface, wired from environment
// configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/agents"
	"github.com/Mindburn-Labs/cortex/pkg/api"
	"github.com/Mindburn-Labs/cortex/pkg/blackboard"
	"github.com/Mindburn-Labs/cortex/pkg/config"
	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/coordinator"
	"github.com/Mindburn-Labs/cortex/pkg/ingest"
	"github.com/Mindburn-Labs/cortex/pkg/observability"
	"github.com/Mindburn-Labs/cortex/pkg/observe"
	"github.com/Mindburn-Labs/cortex/pkg/query"
	"github.com/Mindburn-Labs/cortex/pkg/scenario"
	"github.com/Mindburn-Labs/cortex/pkg/scoring"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("engine exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "cortex",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	store, err := observe.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	index, err := ingest.NewSQLiteIdempotencyIndex(filepath.Join(cfg.DataDir, "idempotency.db"))
	if err != nil {
		return err
	}
	defer index.Close()

	var limiter ingest.SourceLimiter
	if cfg.RedisAddr != "" {
		limiter = ingest.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			cfg.IngestRatePerSecond, cfg.IngestBurst)
		logger.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	} else {
		limiter = ingest.NewLocalLimiter(cfg.IngestRatePerSecond, cfg.IngestBurst)
	}

	validator, err := ingest.NewValidator(cfg.SchemaAcceptMajors)
	if err != nil {
		return err
	}

	// Only the ingestion pipeline may emit raw facts.
	writer := store.RestrictWrites("ingest_pipeline")

	pipeline, err := ingest.NewPipeline(ingest.Options{
		Validator:  validator,
		Index:      index,
		Store:      store,
		Writer:     writer,
		DLQPath:    filepath.Join(cfg.DataDir, "dlq.log"),
		Limiter:    limiter,
		SkewPast:   cfg.SkewPast,
		SkewFuture: cfg.SkewFuture,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer pipeline.Close()

	// Finish any submission that crashed between reserve and append.
	if err := pipeline.RecoverPending(ctx); err != nil {
		return err
	}

	board, err := blackboard.New(store, filepath.Join(cfg.DataDir, "cycles.log"))
	if err != nil {
		return err
	}
	defer board.Close()

	// Policies are immutable at runtime; a predicate that does not
	// compile must stop the process here.
	policies, definitions, err := agents.LoadPolicyPack(cfg.PolicyPackPath)
	if err != nil {
		return err
	}
	vault := agents.NewPolicyVault(policies)
	compliance, err := agents.NewComplianceAgent(board, vault.PoliciesFor(agents.RoleCompliance))
	if err != nil {
		return err
	}

	baseline := agents.NewAdaptiveBaselineAgent(board, cfg.MinSamples, cfg.AdaptationRate, cfg.DeviationThreshold)
	snapshotPath := filepath.Join(cfg.DataDir, "baselines.json")
	if err := baseline.LoadSnapshot(snapshotPath); err != nil {
		logger.Warn("baseline snapshot not loaded", "path", snapshotPath, "error", err)
	}

	risk := scoring.NewRiskIndexTracker(cfg.RiskWeightWorkflow, cfg.RiskWeightResource, cfg.RiskWeightCompliance)

	coord, err := coordinator.New(coordinator.Options{
		Store: store,
		Board: board,
		Phase1: []agents.Agent{
			agents.NewWorkflowAgent(board, definitions),
			agents.NewResourceAgent(board, nil, cfg.SustainedWindow, cfg.WindowSize),
			compliance,
			baseline,
			agents.NewCodeAgent(board),
		},
		Forecast:       agents.NewRiskForecastAgent(board),
		Causal:         agents.NewCausalAgent(board, cfg.CausalWindowSeconds),
		Severity:       scoring.NewSeverityEngine(),
		Recommend:      scoring.NewRecommendationEngine(),
		RiskIndex:      risk,
		Workers:        cfg.Phase1Workers,
		Phase1Deadline: cfg.Phase1Deadline,
		EventLimit:     cfg.CycleEventLimit,
		MetricLimit:    cfg.CycleMetricLimit,
		Logger:         logger,
		OnComplete: func(c *contracts.Cycle) {
			if c.CompletedAt != nil {
				telemetry.RecordCycle(context.Background(), c.CompletedAt.Sub(c.StartedAt), c.Degraded())
			}
		},
	})
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Options{
		Pipeline:    pipeline,
		Store:       store,
		Board:       board,
		Coordinator: coord,
		Query:       query.NewEngine(board, risk),
		Risk:        risk,
		Injector:    scenario.NewInjector(pipeline),
		Telemetry:   telemetry,
		JWTSecret:   cfg.AuthJWTSecret,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if cfg.CycleInterval > 0 {
		go coord.RunPeriodic(ctx, cfg.CycleInterval)
		logger.Info("periodic cycles enabled", "interval", cfg.CycleInterval.String())
	}
	if cfg.BaselineSnapshotEvery > 0 {
		go snapshotLoop(ctx, baseline, snapshotPath, cfg.BaselineSnapshotEvery, logger)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port, "data_dir", cfg.DataDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := baseline.SaveSnapshot(snapshotPath); err != nil {
		logger.Error("baseline snapshot save failed", "error", err)
	}
	return nil
}

// snapshotLoop persists baseline profiles on a fixed interval so a
// crash loses at most one window of adaptation.
func snapshotLoop(ctx context.Context, baseline *agents.AdaptiveBaselineAgent, path string, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := baseline.SaveSnapshot(path); err != nil {
				logger.Error("baseline snapshot save failed", "error", err)
			}
		}
	}
}
