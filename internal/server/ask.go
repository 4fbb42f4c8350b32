// POST /api/ask: 入站解析、转发与流式透传。
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"

	"github.com/multi-agent/rag-relay/internal/relay"
	"github.com/multi-agent/rag-relay/internal/store"
	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
	"github.com/multi-agent/rag-relay/pkg/logger"
	"github.com/multi-agent/rag-relay/pkg/util"
)

const (
	streamBufSize   = 32 * 1024
	maxRecordedText = 2000
)

// askBody JSON 入站体。
type askBody struct {
	Query  string `json:"query"`
	Stream bool   `json:"stream"`
}

func (s *Server) handleAsk(c *gin.Context) {
	ctx := c.Request.Context()
	req, err := s.parseAsk(c)
	t := s.track(ctx, c.GetString(ctxKeyRequestID), req)
	if err != nil {
		t.ex.Encoding = string(inboundEncoding(c.ContentType()))
		status := apperrors.HTTPStatus(err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		t.done(status, store.OutcomeInvalid, err)
		c.JSON(status, gin.H{"error": apperrors.PublicMessage(err)})
		return
	}

	resp, err := s.fwd.Forward(ctx, req)
	if err != nil {
		t.done(apperrors.HTTPStatus(err), outcomeOf(err), err)
		writeError(c, err)
		return
	}
	defer resp.Close()

	switch resp.Kind {
	case relay.KindJSON:
		c.Data(http.StatusOK, "application/json; charset=utf-8", resp.JSON)
		t.done(http.StatusOK, store.OutcomeJSON, nil)
	case relay.KindText:
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(resp.Text))
		t.done(http.StatusOK, store.OutcomeText, nil)
	default:
		s.pipeStream(c, resp, t)
	}
}

// pipeStream 经 c.Stream 逐块透传后端流, 每块写出后由 gin 立即 flush。
//
// 后端中途出错时以 http.ErrAbortHandler 中断连接, 客户端看到的是非正常结束而不是截断的完整响应。
func (s *Server) pipeStream(c *gin.Context, resp *relay.Response, t *tracker) {
	h := c.Writer.Header()
	h.Set("Content-Type", resp.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	buf := make([]byte, streamBufSize)
	chunks := 0
	var (
		outcome string
		endErr  error
	)
	clientGone := c.Stream(func(w io.Writer) bool {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				outcome, endErr = store.OutcomeAborted, werr
				return false
			}
			chunks++
		}
		switch {
		case err == nil:
			return true
		case errors.Is(err, io.EOF):
			outcome = store.OutcomeStream
			return false
		case c.Request.Context().Err() != nil:
			outcome, endErr = store.OutcomeAborted, err
			return false
		}
		logger.FromContext(c.Request.Context()).Warn("relay-server: stream aborted",
			logger.FieldChunk, chunks,
			logger.FieldError, err)
		t.done(http.StatusOK, outcomeOf(err), err)
		panic(http.ErrAbortHandler)
	})
	if clientGone && outcome == "" {
		outcome, endErr = store.OutcomeAborted, context.Canceled
	}
	t.done(http.StatusOK, outcome, endErr)
}

// parseAsk 按 Content-Type 解析入站请求: JSON / multipart / 其他原样透传。
func (s *Server) parseAsk(c *gin.Context) (relay.Request, error) {
	switch c.ContentType() {
	case binding.MIMEJSON:
		var body askBody
		if err := c.ShouldBindJSON(&body); err != nil {
			return relay.Request{}, invalidInput(err, "invalid JSON body")
		}
		return requireQuery(relay.Request{Query: body.Query, Stream: body.Stream})
	case binding.MIMEMultipartPOSTForm:
		return s.parseMultipart(c)
	default:
		return relay.Request{Raw: &relay.RawBody{
			ContentType: c.GetHeader("Content-Type"),
			Body:        c.Request.Body,
		}}, nil
	}
}

func (s *Server) parseMultipart(c *gin.Context) (relay.Request, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(s.cfg.MaxUploadBytes))
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return relay.Request{}, invalidInput(err, "request body too large")
		}
		return relay.Request{}, invalidInput(err, "invalid multipart body")
	}
	defer form.RemoveAll()

	req := relay.Request{
		Query:  formValue(form, relay.FieldQuery),
		Stream: formBool(formValue(form, relay.FieldStream)),
	}
	for _, fh := range form.File[relay.FieldFiles] {
		data, err := readFormFile(fh)
		if err != nil {
			return relay.Request{}, invalidInput(err, "read uploaded file")
		}
		req.Attachments = append(req.Attachments, relay.Attachment{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	// 仅附件、不带问题的上传原样转发
	if len(req.Attachments) > 0 {
		return req, nil
	}
	return requireQuery(req)
}

// inboundEncoding 按入站 Content-Type 推断编码 (解析失败时用于审计)。
func inboundEncoding(contentType string) relay.Encoding {
	switch contentType {
	case binding.MIMEJSON:
		return relay.EncodingJSON
	case binding.MIMEMultipartPOSTForm:
		return relay.EncodingMultipart
	default:
		return relay.EncodingRaw
	}
}

func requireQuery(req relay.Request) (relay.Request, error) {
	if strings.TrimSpace(req.Query) == "" {
		return relay.Request{}, apperrors.Wrap(apperrors.ErrInvalidInput, "server.parseAsk", "query is required")
	}
	return req, nil
}

func invalidInput(err error, message string) error {
	return apperrors.Wrap(fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err), "server.parseAsk", message)
}

func formValue(form *multipart.Form, key string) string {
	if vals := form.Value[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func formBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// outcomeOf 将转发错误归类为审计 outcome。
func outcomeOf(err error) string {
	var up *apperrors.UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &up):
		return store.OutcomeUpstream
	case errors.Is(err, apperrors.ErrTimeout):
		return store.OutcomeTimeout
	case errors.Is(err, apperrors.ErrStreamTransport):
		return store.OutcomeTransport
	case errors.Is(err, apperrors.ErrInvalidInput):
		return store.OutcomeInvalid
	case errors.Is(err, context.Canceled):
		return store.OutcomeAborted
	default:
		return store.OutcomeFailed
	}
}

// ========================================
// tracker: 单次交换的审计记录
// ========================================

type tracker struct {
	s       *Server
	ctx     context.Context
	started time.Time
	ex      *store.Exchange
}

func (s *Server) track(ctx context.Context, requestID string, req relay.Request) *tracker {
	return &tracker{
		s:       s,
		ctx:     ctx,
		started: time.Now(),
		ex: &store.Exchange{
			ID:        uuid.New(),
			Ts:        time.Now().UTC(),
			RequestID: requestID,
			Query:     util.Preview(req.Query, maxRecordedText),
			Encoding:  string(req.Encoding()),
			Streaming: req.Stream,
			Files:     len(req.Attachments),
			TargetURL: s.fwd.Target(req),
		},
	}
}

// done 填写终结状态, 记录日志并写入审计。
func (t *tracker) done(status int, outcome string, err error) {
	t.ex.Status = status
	t.ex.Outcome = outcome
	t.ex.DurationMS = time.Since(t.started).Milliseconds()
	if err != nil {
		t.ex.Error = util.Preview(apperrors.PublicMessage(err), maxRecordedText)
	}
	logger.FromContext(t.ctx).Info("relay-server: exchange finished",
		logger.FieldExchangeID, t.ex.ID.String(),
		logger.FieldEncoding, t.ex.Encoding,
		logger.FieldStreaming, t.ex.Streaming,
		logger.FieldStatus, status,
		logger.FieldOutcome, outcome,
		logger.FieldLatencyMS, t.ex.DurationMS)
	t.s.record(t.ctx, t.ex)
}
