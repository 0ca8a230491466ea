// Command agentrt runs the agent execution runtime: the graph executor,
// the SSE chat surface, the sandbox lifecycle controller with its delay
// queue, and the credit ledger with its reconciler.
//
// Initialization order: config, connection pool (which applies schema
// migrations), redis, sandbox controller, graph executor, HTTP server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/agentrt/internal/auth"
	"github.com/kadirpekel/agentrt/internal/checkpoint"
	"github.com/kadirpekel/agentrt/internal/config"
	"github.com/kadirpekel/agentrt/internal/credit"
	"github.com/kadirpekel/agentrt/internal/graph"
	"github.com/kadirpekel/agentrt/internal/llm"
	"github.com/kadirpekel/agentrt/internal/mcp"
	"github.com/kadirpekel/agentrt/internal/memory"
	"github.com/kadirpekel/agentrt/internal/observability"
	"github.com/kadirpekel/agentrt/internal/pgdb"
	"github.com/kadirpekel/agentrt/internal/sandbox"
	"github.com/kadirpekel/agentrt/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agentrt exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	metrics, err := observability.NewManager(ctx, cfg.EnableTracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	pool, err := pgdb.Open(ctx, pgdb.Config{
		DSN:         cfg.CheckpointDBURL,
		MinConns:    int32(cfg.CheckpointPoolMin),
		MaxConns:    int32(cfg.CheckpointPoolMax),
		PoolTimeout: cfg.CheckpointPoolTimeout,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	provider, err := sandbox.NewDaytonaProvider(sandbox.DaytonaConfig{
		APIURL:   cfg.DaytonaAPIURL,
		APIKey:   cfg.DaytonaAPIKey,
		Target:   cfg.DaytonaTarget,
		Snapshot: cfg.DaytonaSnapshot,
	})
	if err != nil {
		return err
	}

	queue := sandbox.NewRedisQueue(redisClient, "sandbox:delayqueue")
	sandboxStore := sandbox.NewPGStore(pool)
	controller := sandbox.NewController(provider, sandboxStore, queue, sandbox.Config{
		MCPServerPort:             cfg.SandboxMCPServerPort,
		CodeServerPort:            cfg.SandboxCodeServerPort,
		TimeoutSeconds:            cfg.SandboxTimeoutSeconds,
		PauseBeforeTimeoutSeconds: cfg.SandboxPauseBeforeTimeoutSeconds,
	}).WithMetrics(metrics)

	consumer := sandbox.NewConsumer(queue, controller, time.Second)
	go consumer.Run(ctx)

	cache := credit.NewRedisCache(redisClient, "credit:balance:")
	ledger := credit.NewLedger(pool, cache).WithMetrics(metrics)
	reconciler := credit.NewReconciler(pool, ledger, nil, credit.ReconcilerConfig{
		OrphanWindow: cfg.ReconcilerOrphanWindow,
	})
	go runReconciler(ctx, reconciler)

	checkpoints := checkpoint.NewManager(checkpoint.NewStore(pool))
	llmProvider := llm.NewOpenAICompatible(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	executor := graph.NewExecutor(checkpoints, llmProvider, nil).
		WithMemory(memory.NewStore(pool)).
		WithMetrics(metrics)

	validator, err := auth.NewJWTValidator(ctx, cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAud)
	if err != nil {
		return err
	}

	var tools server.ToolFactory
	if cfg.AgentMCPEnabled {
		tools = mcp.NewFactory(controller, cfg.MCPToolServerURL, cfg.AgentMCPTimeout)
	}

	srv := server.New(executor, controller, ledger, tools, validator, cfg, metrics)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("agentrt listening", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runReconciler(ctx context.Context, r *credit.Reconciler) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Run(ctx)
			if err != nil {
				slog.Error("reconciler run failed", "error", err)
				continue
			}
			slog.Info("reconciler run complete",
				"orphans_recovered", report.OrphansRecovered,
				"accounts_repaired", report.AccountsRepaired,
				"duplicates", len(report.Duplicates),
				"expiry_swept", report.ExpirySwept,
				"grants_issued", report.GrantsIssued)
		}
	}
}
