// Command dbagent runs the policy-gated private database agent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/privatedb/agent/pkg/api"
	"github.com/privatedb/agent/pkg/audit"
	"github.com/privatedb/agent/pkg/auth"
	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
	"github.com/privatedb/agent/pkg/executor"
	"github.com/privatedb/agent/pkg/metering"
	"github.com/privatedb/agent/pkg/policy"
	"github.com/privatedb/agent/pkg/receipts"
	"github.com/privatedb/agent/pkg/replay"
	"github.com/privatedb/agent/pkg/runtime"
	"github.com/privatedb/agent/pkg/schema"
	"github.com/privatedb/agent/pkg/tasks"
	"github.com/privatedb/agent/pkg/templates"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dbagent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.Environment == "development" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := database.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer adapter.Close()
	logger.Info("database ready", slog.String("dialect", adapter.Dialect()))

	rt, err := runtime.NewProvider(cfg)
	if err != nil {
		return fmt.Errorf("runtime claims: %w", err)
	}
	claims := rt.Claims()
	logger.Info("runtime attestation",
		slog.String("trustModel", claims.TrustModel),
		slog.String("status", claims.VerificationStatus),
		slog.Bool("verified", claims.Verified))

	guard := replay.NewGuard(cfg.NonceTTL, cfg.MaxFutureSkew, cfg.ReplayGuardMaxSize, time.Now)
	guard.StartSweeper(time.Minute)
	defer guard.Stop()

	authn := auth.New(cfg.AuthEnabled, guard, cfg.AgentPeers)
	if !cfg.AuthEnabled {
		logger.Warn("signature verification is disabled; requests are trusted as claimed")
	}

	rules := policy.NewRules(cfg.CapabilityRules)
	grants := policy.NewGrantStore(adapter)
	schemas := schema.NewRegistry(adapter)
	drafts := schema.NewDraftStore(adapter)
	exec := executor.New(adapter, templates.Default(), schemas, cfg.EnforceCapabilityMod)
	issuer := receipts.NewIssuer(cfg.ProofEnabled, cfg.ServiceName, adapter.Dialect(), rt)
	sink := audit.NewSink(cfg.AuditEnabled, adapter, logger)
	meter := metering.NewMeter()

	taskStore := tasks.NewStore(adapter)
	idem := tasks.NewIdempotency(adapter, cfg.IdempotencyTTL, cfg.IdempotencyMaxSize)

	var pipeline *api.Pipeline
	pool := tasks.NewPool(taskStore, cfg.TaskWorkers, cfg.TaskQueueDepth, cfg.TaskTimeout,
		func(ctx context.Context, task contracts.Task, idemKey string) {
			pipeline.OnTaskTerminal(ctx, task, idemKey)
		}, logger)
	pipeline = api.NewPipeline(cfg, authn, rules, grants, exec, drafts, issuer, sink, meter, logger,
		taskStore, idem, pool)
	pipeline.RegisterTaskHandlers()
	pool.Start()
	defer pool.Stop()

	server := api.NewServer(cfg, pipeline, rt, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
