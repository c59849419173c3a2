// Command server starts the interview orchestrator HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wcastil/AIStreamSocket/internal/adapter/ai/assistant"
	"github.com/wcastil/AIStreamSocket/internal/adapter/cache"
	httpserver "github.com/wcastil/AIStreamSocket/internal/adapter/httpserver"
	"github.com/wcastil/AIStreamSocket/internal/adapter/repo/postgres"
	"github.com/wcastil/AIStreamSocket/internal/app"
	"github.com/wcastil/AIStreamSocket/internal/config"
	"github.com/wcastil/AIStreamSocket/internal/observability"
	"github.com/wcastil/AIStreamSocket/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	convRepo := postgres.NewConversationRepo(pool)
	msgRepo := postgres.NewMessageRepo(pool)
	modelRepo := postgres.NewPersonModelRepo(pool)
	threadRepo := postgres.NewThreadRepo(pool)

	aiClient := assistant.New(cfg)
	gate := cache.NewRedisCooldown(rdb)

	detector, err := config.LoadTriggerDetector(nil)
	if err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}

	threads := usecase.NewThreadService(threadRepo, aiClient, cfg.ThreadMaxAge)
	evaluator := usecase.NewEvaluationService(convRepo, msgRepo, modelRepo, aiClient, gate, cfg.EvalCooldown, cfg.EvalMinMessages)
	interview := usecase.NewInterviewService(convRepo, msgRepo, modelRepo, aiClient, aiClient, threads, evaluator, detector, cfg.HistoryTokenBudget)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)
	srv := httpserver.NewServer(cfg, interview, evaluator, threads, convRepo, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	rootCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background sweep of idle thread bindings.
	go func() {
		ticker := time.NewTicker(cfg.ThreadSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if _, err := threads.SweepInactive(rootCtx); err != nil {
					slog.Warn("thread sweep failed", slog.Any("error", err))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-rootCtx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
