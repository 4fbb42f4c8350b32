package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/multi-agent/rag-relay/pkg/logger"
)

// HeaderRequestID 请求 ID 头; 入站缺失时生成。
const HeaderRequestID = "X-Request-ID"

const ctxKeyRequestID = "request_id"

// requestID 读取或生成请求 ID, 并放入请求级日志器 (trace_id)。
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Set(ctxKeyRequestID, id)
		l := logger.With(logger.FieldTraceID, id)
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), l))
		c.Next()
	}
}

// accessLog 请求结束后记录一行访问日志。
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.FromContext(c.Request.Context()).Info("http: request",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.Request.URL.Path,
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldBytes, c.Writer.Size(),
			logger.FieldLatencyMS, time.Since(start).Milliseconds(),
			logger.FieldRemote, c.ClientIP())
	}
}

// recovery 捕获 handler panic 返回 500。
//
// http.ErrAbortHandler 继续上抛, 由 net/http 中断连接 (流式响应中途失败)。
func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if err, ok := rv.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rv)
			}
			logger.FromContext(c.Request.Context()).Error("http: handler panicked",
				logger.FieldMethod, c.Request.Method,
				logger.FieldPath, c.Request.URL.Path,
				logger.FieldRemote, c.Request.RemoteAddr,
				logger.FieldError, rv)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": http.StatusText(http.StatusInternalServerError)})
		}()
		c.Next()
	}
}

// rateLimit 令牌桶限流, 超限返回 429。
func rateLimit(lim *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// checkLocalOrigin 仅允许 localhost 来源的 WebSocket 连接。
//
// 接受: 无 Origin header (非浏览器客户端), localhost, 127.0.0.1, [::1]。
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(strings.ToLower(origin)); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	logger.Warn("relay-server: rejected non-local origin", logger.FieldRemote, r.RemoteAddr, logger.FieldOrigin, origin)
	return false
}
