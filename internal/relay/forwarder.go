// forwarder.go: 将问答请求转发到后端并分类响应。
//
// 一次交换由一个截止时间约束 (含流式 body 的复制), Response.Close 释放它。
// 后端非 2xx → *errors.UpstreamError; 超时 → ErrTimeout (504); 其余失败 → 500。
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/multi-agent/rag-relay/internal/config"
	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
	"github.com/multi-agent/rag-relay/pkg/logger"
	"github.com/multi-agent/rag-relay/pkg/util"
)

// DefaultTimeout 单次交换的默认截止时间。
const DefaultTimeout = 10 * time.Minute

// maxErrorBody 读取后端错误体的上限。
const maxErrorBody = 1 << 20

// Kind 成功响应的形态。
type Kind string

const (
	KindJSON   Kind = "json"
	KindStream Kind = "stream"
	KindText   Kind = "text"
)

// Options Forwarder 构造参数。
type Options struct {
	BackendURL   string
	AgentURL     string // 为空时由 BackendURL 推导
	AgentSegment string
	Variant      Variant
	Timeout      time.Duration
	Client       *http.Client
}

// Forwarder 后端转发器。构造后不可变, 可被多个请求并发使用。
type Forwarder struct {
	backendURL string
	agentURL   string
	variant    Variant
	timeout    time.Duration
	client     *http.Client
}

// New 校验参数并创建 Forwarder。
func New(opts Options) (*Forwarder, error) {
	backend := strings.TrimSpace(opts.BackendURL)
	if backend == "" {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "relay.New", "backend url is required")
	}
	agent := strings.TrimSpace(opts.AgentURL)
	if agent == "" {
		derived, err := DeriveAgentURL(backend, opts.AgentSegment)
		if err != nil {
			return nil, err
		}
		agent = derived
	}
	variant := opts.Variant
	if variant == "" {
		variant = VariantRAG
	}
	if variant != VariantRAG && variant != VariantTools {
		return nil, apperrors.Wrapf(apperrors.ErrConfig, "relay.New", "unknown backend variant %q", variant)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = NewHTTPClient(DefaultConnectTimeout, timeout)
	}
	return &Forwarder{
		backendURL: backend,
		agentURL:   agent,
		variant:    variant,
		timeout:    timeout,
		client:     client,
	}, nil
}

// NewFromConfig 按进程配置创建 Forwarder。
func NewFromConfig(cfg *config.Config) (*Forwarder, error) {
	return New(Options{
		BackendURL:   cfg.BackendAPIURL,
		AgentURL:     cfg.BackendAgentURL,
		AgentSegment: cfg.BackendAgentSegment,
		Variant:      Variant(cfg.BackendVariant),
		Timeout:      cfg.RelayTimeout(),
		Client:       NewHTTPClient(cfg.ConnectTimeout(), cfg.RelayTimeout()),
	})
}

// BackendURL 默认后端地址。
func (f *Forwarder) BackendURL() string { return f.backendURL }

// AgentURL 流式 agent 地址。
func (f *Forwarder) AgentURL() string { return f.agentURL }

// Timeout 单次交换截止时间。
func (f *Forwarder) Timeout() time.Duration { return f.timeout }

// Envelope 已选定目标与编码的出站请求。
type Envelope struct {
	Encoding    Encoding
	URL         string
	ContentType string
	Body        io.Reader
}

// Envelope 为请求选择编码与目标地址。
//
// 流式请求发往 agent 地址; raw 请求始终发往默认地址。
func (f *Forwarder) Envelope(req Request) (Envelope, error) {
	env := Envelope{Encoding: req.Encoding(), URL: f.Target(req)}
	if env.Encoding == EncodingRaw {
		env.ContentType = req.Raw.ContentType
		env.Body = req.Raw.Body
		return env, nil
	}
	ct, body, err := Encode(req, f.variant)
	if err != nil {
		return Envelope{}, err
	}
	env.ContentType = ct
	env.Body = bytes.NewReader(body)
	return env, nil
}

// Target 返回请求将发往的后端地址。
func (f *Forwarder) Target(req Request) string {
	if req.Stream && req.Encoding() != EncodingRaw {
		return f.agentURL
	}
	return f.backendURL
}

// Response 后端成功响应。
//
// KindStream 时调用方读取 Body 并在结束后 Close; 其他形态 Body 已读完, Close 仍可安全调用。
type Response struct {
	Kind        Kind
	Status      int
	ContentType string
	Encoding    Encoding
	URL         string
	JSON        json.RawMessage // KindJSON
	Text        string          // KindText
	Body        io.ReadCloser   // KindStream

	started time.Time
	cancel  context.CancelFunc
	once    sync.Once
}

// Close 关闭流式 body 并释放截止计时器。幂等。
func (r *Response) Close() error {
	var err error
	r.once.Do(func() {
		if r.Body != nil {
			err = r.Body.Close()
		}
		if r.cancel != nil {
			r.cancel()
		}
	})
	return err
}

// Elapsed 自转发开始的耗时。
func (r *Response) Elapsed() time.Duration { return time.Since(r.started) }

// Forward 转发请求并按内容类型分类成功响应。
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	log := logger.FromContext(ctx)
	started := time.Now()

	env, err := f.Envelope(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, env.URL, env.Body)
	if err != nil {
		cancel()
		return nil, apperrors.Wrap(err, "relay.Forward", "build backend request")
	}
	if env.ContentType != "" {
		httpReq.Header.Set("Content-Type", env.ContentType)
	}

	log.Info("relay: forwarding",
		logger.FieldURL, env.URL,
		logger.FieldEncoding, string(env.Encoding),
		logger.FieldStreaming, req.Stream)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		cancel()
		err = classifyErr(ctx, err, "relay.Forward", "backend request failed")
		log.Warn("relay: backend unreachable",
			logger.FieldURL, env.URL,
			logger.FieldLatencyMS, time.Since(started).Milliseconds(),
			logger.FieldError, err)
		return nil, err
	}

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		upErr := NewUpstreamError(resp)
		log.Warn("relay: backend error",
			logger.FieldURL, env.URL,
			logger.FieldStatus, resp.StatusCode,
			logger.FieldLatencyMS, time.Since(started).Milliseconds(),
			logger.FieldError, util.Preview(upErr.Message, 200))
		return nil, upErr
	}

	out := &Response{
		Kind:        ClassifyContentType(ct),
		Status:      resp.StatusCode,
		ContentType: ct,
		Encoding:    env.Encoding,
		URL:         env.URL,
		started:     started,
		cancel:      cancel,
	}

	switch out.Kind {
	case KindStream:
		out.Body = &deadlineBody{ReadCloser: resp.Body, ctx: ctx}
		log.Info("relay: streaming",
			logger.FieldURL, env.URL,
			logger.FieldContentType, ct,
			logger.FieldLatencyMS, time.Since(started).Milliseconds())
		return out, nil
	case KindJSON:
		data, err := readBody(ctx, resp.Body)
		out.Close()
		if err != nil {
			return nil, err
		}
		if !json.Valid(data) {
			return nil, apperrors.New("relay.Forward", "backend returned invalid JSON")
		}
		out.JSON = json.RawMessage(data)
	default:
		data, err := readBody(ctx, resp.Body)
		out.Close()
		if err != nil {
			return nil, err
		}
		out.Text = string(data)
	}

	log.Info("relay: completed",
		logger.FieldURL, env.URL,
		logger.FieldStatus, resp.StatusCode,
		logger.FieldContentType, ct,
		logger.FieldLatencyMS, time.Since(started).Milliseconds())
	return out, nil
}

// ClassifyContentType 按后端 Content-Type 判定响应形态。
func ClassifyContentType(ct string) Kind {
	lower := strings.ToLower(ct)
	switch {
	case strings.Contains(lower, "application/x-ndjson"), strings.Contains(lower, "text/event-stream"):
		return KindStream
	case strings.Contains(lower, "application/json"):
		return KindJSON
	default:
		return KindText
	}
}

func readBody(ctx context.Context, body io.ReadCloser) ([]byte, error) {
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, classifyErr(ctx, err, "relay.Forward", "read backend response")
	}
	return data, nil
}

// NewUpstreamError 读取非 2xx 响应体 (至多 1MB) 并归一化为 UpstreamError。不关闭 body。
func NewUpstreamError(resp *http.Response) *apperrors.UpstreamError {
	return &apperrors.UpstreamError{
		Status:  resp.StatusCode,
		Message: upstreamMessage(resp.StatusCode, resp.Header.Get("Content-Type"), readLimited(resp.Body, maxErrorBody)),
	}
}

// readLimited 读取至多 limit 字节, 超出部分丢弃; 读错误时返回已读内容。
func readLimited(r io.Reader, limit int) []byte {
	var buf bytes.Buffer
	lw := util.NewLimitedWriter(&buf, limit)
	_, _ = io.Copy(lw, r)
	return buf.Bytes()
}

// upstreamMessage 归一化后端错误体:
// JSON 字符串 → 原文; JSON 对象 → error/message/detail 字段 (字符串) 或紧凑 JSON;
// 文本 → trim 后原文; 空或无法解析 → 状态文本。
func upstreamMessage(status int, contentType string, body []byte) string {
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			switch x := v.(type) {
			case string:
				if x != "" {
					return x
				}
			case map[string]any:
				for _, key := range []string{"error", "message", "detail"} {
					if s, ok := x[key].(string); ok && s != "" {
						return s
					}
				}
				var buf bytes.Buffer
				if json.Compact(&buf, body) == nil {
					return buf.String()
				}
			case nil, bool:
			default:
				var buf bytes.Buffer
				if json.Compact(&buf, body) == nil {
					return buf.String()
				}
			}
		}
		return statusText(status)
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return statusText(status)
}

func statusText(status int) string {
	if s := http.StatusText(status); s != "" {
		return s
	}
	return fmt.Sprintf("status %d", status)
}

// classifyErr 截止超时 → ErrTimeout; 其他 → 带 message 的 AppError。
func classifyErr(ctx context.Context, err error, op, message string) error {
	if isTimeout(ctx, err) {
		return apperrors.Wrap(fmt.Errorf("%w: %w", apperrors.ErrTimeout, err), op, "backend request timed out")
	}
	return apperrors.Wrap(err, op, message)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// deadlineBody 将流式 body 的读错误归类为超时或传输中断。
type deadlineBody struct {
	io.ReadCloser
	ctx context.Context
}

func (b *deadlineBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if isTimeout(b.ctx, err) {
			err = apperrors.Wrap(fmt.Errorf("%w: %w", apperrors.ErrTimeout, err), "relay.Stream", "backend stream timed out")
		} else {
			err = apperrors.Wrap(fmt.Errorf("%w: %w", apperrors.ErrStreamTransport, err), "relay.Stream", "backend stream interrupted")
		}
	}
	return n, err
}
