// Package server 提供问答转发 HTTP 服务 (gin)。
//
// 路由:
//   - POST /api/ask              JSON / multipart / 原始体 转发到后端
//   - GET  /api/ask/ws           WebSocket: 服务端聚合步骤并推送快照
//   - GET  /api/exchanges        转发审计记录 (需 Postgres)
//   - GET  /api/exchanges/filters
//   - GET  /healthz
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/multi-agent/rag-relay/internal/config"
	"github.com/multi-agent/rag-relay/internal/relay"
	"github.com/multi-agent/rag-relay/internal/store"
	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
	"github.com/multi-agent/rag-relay/pkg/logger"
	"github.com/multi-agent/rag-relay/pkg/util"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	recordTimeout     = 5 * time.Second
)

// ExchangeLog 审计记录的写入与查询 (*store.ExchangeStore 实现)。
type ExchangeLog interface {
	Append(ctx context.Context, e *store.Exchange) error
	List(ctx context.Context, f store.ExchangeFilter) ([]store.Exchange, error)
	Filters(ctx context.Context) (map[string][]string, error)
}

// Deps 服务依赖。Exchanges 为 nil 时不记录审计。
type Deps struct {
	Config    *config.Config
	Forwarder *relay.Forwarder
	Exchanges ExchangeLog
}

// Server 问答转发 HTTP 服务。
type Server struct {
	router    *gin.Engine
	cfg       *config.Config
	fwd       *relay.Forwarder
	exchanges ExchangeLog
	limiter   *rate.Limiter
	upgrader  websocket.Upgrader
}

// New 创建服务并注册路由。
func New(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Forwarder == nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "server.New", "config and forwarder are required")
	}
	r := gin.New()
	r.MaxMultipartMemory = int64(deps.Config.MaxUploadBytes)
	r.Use(requestID(), accessLog(), recovery())

	s := &Server{
		router:    r,
		cfg:       deps.Config,
		fwd:       deps.Forwarder,
		exchanges: deps.Exchanges,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkLocalOrigin,
		},
	}
	if deps.Config.AskRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(deps.Config.AskRateLimit), deps.Config.AskRateBurst)
	}
	s.registerRoutes()
	return s, nil
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := s.router.Group("/api")

	ask := api.Group("/ask")
	if s.limiter != nil {
		ask.Use(rateLimit(s.limiter))
	}
	ask.POST("", s.handleAsk)
	ask.GET("/ws", s.handleWS)

	api.GET("/exchanges", s.listExchanges)
	api.GET("/exchanges/filters", s.exchangeFilters)
}

// Run 监听 HTTP_ADDR 直到 ctx 取消, 然后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.router,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: readHeaderTimeout,
	}

	util.SafeGo(func() {
		<-ctx.Done()
		logger.Info("relay-server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("relay-server: shutdown error", logger.FieldError, err)
			return
		}
		logger.Info("relay-server: shutdown completed")
	})

	logger.Info("relay-server: listening",
		logger.FieldAddr, s.cfg.HTTPAddr,
		logger.FieldURL, s.fwd.BackendURL())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return apperrors.Wrap(err, "Server.Run", "listen")
	}
	return nil
}

// record 在交换结束后写入审计记录; 失败只记日志。
func (s *Server) record(ctx context.Context, e *store.Exchange) {
	if s.exchanges == nil || e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.exchanges.Append(ctx, e); err != nil {
		logger.FromContext(ctx).Warn("relay-server: record exchange failed",
			logger.FieldExchangeID, e.ID.String(),
			logger.FieldError, err)
	}
}
