// Package errors 提供统一错误类型与哨兵错误。
//
// 三层:
//   - L1 哨兵错误: ErrConfig / ErrUpstream / ErrTimeout / ErrMalformedFrame / ErrStreamTransport 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
//   - L3 UpstreamError: 后端非 2xx 响应 (保留原始状态码)
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal 内部错误
	ErrInternal = errors.New("internal error")

	// ErrTimeout 后端交换超出截止时间
	ErrTimeout = errors.New("timeout")

	// ErrConfig 启动配置缺失或非法 (致命)
	ErrConfig = errors.New("configuration error")

	// ErrUpstream 后端返回非成功状态
	ErrUpstream = errors.New("upstream error")

	// ErrMalformedFrame 单行 NDJSON/SSE 帧无法解析 (仅本地, 不外抛)
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrStreamTransport 字节流传输中途出错
	ErrStreamTransport = errors.New("stream transport error")

	// ErrUnavailable 可选依赖未配置
	ErrUnavailable = errors.New("unavailable")
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Relay.Forward"
	Code    string // 错误码，如 "TIMEOUT"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// L3 UpstreamError
// ========================================

// UpstreamError 后端非成功响应, Message 已归一化为文本。
type UpstreamError struct {
	Status  int
	Message string
}

// Error 实现 error 接口。
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// Unwrap 使 errors.Is(err, ErrUpstream) 成立。
func (e *UpstreamError) Unwrap() error { return ErrUpstream }

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WrapCode 包装错误并附加错误码。
func WrapCode(err error, op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message, Err: err}
}

// ========================================
// 分类辅助
// ========================================

// Is / As 透传标准库, 调用方无需同时 import 两个 errors 包。
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }

// HTTPStatus 将错误分类映射为 HTTP 状态码。
//
//	UpstreamError → 原始状态码
//	ErrTimeout    → 504
//	ErrInvalidInput → 400
//	ErrUnavailable  → 503
//	其他          → 500
func HTTPStatus(err error) int {
	var up *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &up):
		return up.Status
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage 返回可暴露给调用方的错误消息。
//
// UpstreamError 返回后端归一化后的消息; AppError 返回最外层 Message; 其他返回 Error()。
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Message
	}
	var app *AppError
	if errors.As(err, &app) && app.Message != "" {
		return app.Message
	}
	return err.Error()
}
