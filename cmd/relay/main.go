// cmd/relay: 问答转发服务主入口。
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/multi-agent/rag-relay/internal/config"
	"github.com/multi-agent/rag-relay/internal/database"
	"github.com/multi-agent/rag-relay/internal/relay"
	"github.com/multi-agent/rag-relay/internal/server"
	"github.com/multi-agent/rag-relay/internal/store"
	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
	"github.com/multi-agent/rag-relay/pkg/logger"
)

const cleanupInterval = 24 * time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("configuration invalid", logger.FieldError, err)
	}

	fwd, err := relay.NewFromConfig(cfg)
	if err != nil {
		logger.Fatal("relay init failed", logger.FieldError, err)
	}

	deps := server.Deps{Config: cfg, Forwarder: fwd}

	// 审计日志可选: 未配置 POSTGRES_CONNECTION_STRING 时跳过
	pool, err := database.NewPool(ctx, cfg)
	switch {
	case apperrors.Is(err, apperrors.ErrUnavailable):
		logger.Info("exchange log disabled: no database configured")
	case err != nil:
		logger.Fatal("database init failed", logger.FieldError, err)
	default:
		defer pool.Close()
		if err := database.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
			logger.Fatal("migration failed", logger.FieldError, err)
		}
		exchanges := store.NewExchangeStore(pool)
		exchanges.StartCleanup(ctx, cfg.RetentionDays, cleanupInterval)
		deps.Exchanges = exchanges
	}

	srv, err := server.New(deps)
	if err != nil {
		logger.Fatal("server init failed", logger.FieldError, err)
	}

	logger.Infow("relay starting",
		logger.FieldAddr, cfg.HTTPAddr,
		logger.FieldURL, fwd.BackendURL(),
		"agent_url", fwd.AgentURL())

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", logger.FieldError, err)
	}
	logger.Info("relay stopped")
}
