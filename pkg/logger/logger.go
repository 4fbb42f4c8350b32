// Package logger 提供基于 slog 的结构化日志。
//
// 核心功能:
//   - Init() 按级别/环境配置默认日志器 (JSON/Text)
//   - FromContext() 上下文感知日志 (请求级 trace_id)
//   - 包级便捷方法 (Info/Error/Warn/Debug/Fatal)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// defaultLogger 使用 atomic.Pointer 保证并发安全。
	defaultLogger atomic.Pointer[slog.Logger]

	// output 可在测试中替换。
	output io.Writer = os.Stdout
)

func init() { defaultLogger.Store(newLogger(slog.LevelInfo, false, output)) }

// getLogger 原子读取当前默认日志器。
func getLogger() *slog.Logger { return defaultLogger.Load() }

// storeLogger 原子存储默认日志器并同步 slog.SetDefault。
func storeLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// replaceTimeAttr 将时间格式化为易读字符串。
func replaceTimeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000"))
		}
	}
	return a
}

func newLogger(level slog.Level, development bool, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   development,
		ReplaceAttr: replaceTimeAttr,
	}
	var handler slog.Handler
	if development {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel 解析 LOG_LEVEL。未知值回落到 INFO。
//
// "development"/"dev" 视为 DEBUG + 文本输出。
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, false
	case "WARN", "WARNING":
		return slog.LevelWarn, false
	case "ERROR":
		return slog.LevelError, false
	case "DEV", "DEVELOPMENT":
		return slog.LevelDebug, true
	default:
		return slog.LevelInfo, false
	}
}

// Init 初始化日志配置。level: DEBUG/INFO/WARN/ERROR 或 "development"。
func Init(level string) {
	lv, dev := ParseLevel(level)
	w := output
	if dev {
		w = os.Stderr
	}
	storeLogger(newLogger(lv, dev, w))
}

// InitWithWriter 初始化日志并输出到 w (测试用)。
func InitWithWriter(level string, w io.Writer) {
	lv, dev := ParseLevel(level)
	storeLogger(newLogger(lv, dev, w))
}

// ========================================
// Context 感知日志
// ========================================

type ctxKey struct{}

// WithContext 将日志器注入 context。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 从 context 提取日志器，若不存在则返回默认日志器。
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return getLogger()
	}
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return getLogger()
}

// ========================================
// 包级便捷方法
// ========================================

// Info/Error/Warn/Debug 记录结构化日志。args 为 key-value 对。
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Infof/Errorf/Warnf 记录格式化日志。
func Infof(format string, args ...any)  { getLogger().Info(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { getLogger().Error(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { getLogger().Warn(fmt.Sprintf(format, args...)) }

// Fatal 记录致命错误并退出。
func Fatal(msg string, args ...any) {
	getLogger().Error(msg, args...)
	os.Exit(1)
}

// Infow/Warnw/Errorw/Debugw 等同于 Info/Warn/Error/Debug (兼容别名)。
func Infow(msg string, keysAndValues ...any)  { getLogger().Info(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...any)  { getLogger().Warn(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...any) { getLogger().Error(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...any) { getLogger().Debug(msg, keysAndValues...) }

// With 返回带附加上下文的日志器。
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Get 返回底层 slog.Logger。
func Get() *slog.Logger { return getLogger() }

// Attr 类型别名 (避免调用方直接 import slog)。
type Attr = slog.Attr

// Any 创建任意类型属性。
func Any(key string, value any) Attr { return slog.Any(key, value) }

// String 创建字符串属性。
func String(key, value string) Attr { return slog.String(key, value) }

// Int64 创建 int64 属性。
func Int64(key string, value int64) Attr { return slog.Int64(key, value) }

// 预留字段常量 — MUST 使用常量键名，勿硬编码。
const (
	FieldTraceID     = "trace_id"
	FieldComponent   = "component"
	FieldError       = "error"
	FieldStatus      = "status"
	FieldLatencyMS   = "latency_ms"
	FieldCount       = "count"
	FieldPath        = "path"
	FieldMethod      = "method"
	FieldAddr        = "addr"
	FieldRemote      = "remote"
	FieldURL         = "url"
	FieldBytes       = "bytes"
	FieldVersion     = "version"
	FieldContentType = "content_type"
	FieldEncoding    = "encoding"
	FieldStreaming   = "streaming"
	FieldOutcome     = "outcome"
	FieldFiles       = "files"
	FieldLine        = "line"
	FieldChunk       = "chunk"
	FieldExchangeID  = "exchange_id"
	FieldConn        = "conn"
	FieldState       = "state"
	FieldOrigin      = "origin"
)
