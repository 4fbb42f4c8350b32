// Package askclient 转发服务的 Go 客户端: 提交问题并把响应折叠进步骤聚合器。
package askclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/multi-agent/rag-relay/internal/relay"
	"github.com/multi-agent/rag-relay/internal/steps"
	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
	"github.com/multi-agent/rag-relay/pkg/logger"
)

// AskPath 转发服务的问答入口。
const AskPath = "/api/ask"

// Option 客户端选项。
type Option func(*Client)

// WithHTTPClient 使用自定义 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout 单次 Ask 的整体截止时长 (含流式读取)。0 表示仅受 ctx 约束。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client 转发服务客户端。可并发使用, 每次 Ask 使用调用方提供的聚合器。
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
}

// New 创建客户端。baseURL 为服务根地址 (如 http://localhost:8080) 或完整的 /api/ask 地址。
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperrors.Newf("askclient.New", "invalid relay url %q", baseURL)
	}
	if !strings.HasSuffix(strings.TrimRight(u.Path, "/"), AskPath) {
		u.Path = strings.TrimRight(u.Path, "/") + AskPath
	}
	// 流式响应依赖 ctx 截止, 不设置 http.Client.Timeout
	c := &Client{endpoint: u.String(), http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint 实际请求地址。
func (c *Client) Endpoint() string { return c.endpoint }

// Ask 提交一次请求: 先 Reset 聚合器, 再按响应形态折叠。
//
// 失败 (传输/超时/非 2xx) 同时以 Fail 写入聚合器并返回错误。
func (c *Client) Ask(ctx context.Context, req relay.Request, agg *steps.Aggregator) error {
	agg.Reset()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ct, body, err := relay.Encode(req, relay.VariantRAG)
	if err != nil {
		agg.Fail(err)
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, "askclient.Ask", "build request")
	}
	httpReq.Header.Set("Content-Type", ct)

	logger.FromContext(ctx).Debug("askclient: posting",
		logger.FieldURL, c.endpoint,
		logger.FieldEncoding, string(req.Encoding()),
		logger.FieldFiles, len(req.Attachments))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		err = classify(ctx, err, "relay request failed")
		agg.Fail(err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := relay.NewUpstreamError(resp)
		agg.Fail(upErr)
		return upErr
	}

	switch relay.ClassifyContentType(resp.Header.Get("Content-Type")) {
	case relay.KindStream:
		return agg.Drain(ctx, resp.Body)
	case relay.KindJSON:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			err = classify(ctx, err, "read relay response")
			agg.Fail(err)
			return err
		}
		agg.ApplyJSON(data)
	default:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			err = classify(ctx, err, "read relay response")
			agg.Fail(err)
			return err
		}
		agg.FinalAnswer(string(data))
	}
	return nil
}

func classify(ctx context.Context, err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Wrap(fmt.Errorf("%w: %w", apperrors.ErrTimeout, err), "askclient.Ask", "request timed out")
	}
	return apperrors.Wrap(err, "askclient.Ask", message)
}
