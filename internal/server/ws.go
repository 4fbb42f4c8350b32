// GET /api/ask/ws: 服务端聚合步骤, 以快照推送给浏览器。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/rag-relay/internal/relay"
	"github.com/multi-agent/rag-relay/internal/steps"
	"github.com/multi-agent/rag-relay/internal/store"
	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
	"github.com/multi-agent/rag-relay/pkg/logger"
	"github.com/multi-agent/rag-relay/pkg/util"
)

// 推送消息类型。
const (
	WSTypeSnapshot = "snapshot"
	WSTypeDone     = "done"
	WSTypeError    = "error"
)

const maxWSMessageSize = 64 * 1024

// WSRequest 客户端消息: 每条消息开始一个新请求。
type WSRequest struct {
	Query  string `json:"query"`
	Stream bool   `json:"stream"`
}

// WSMessage 服务端推送: 快照字段平铺在 type 旁。
type WSMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
	steps.Snapshot
}

// wsConn WebSocket 连接 + 写锁 (gorilla/websocket 不支持并发写)。
type wsConn struct {
	ws      *websocket.Conn
	wrMu    sync.Mutex
	timeout time.Duration
	id      string
}

func (c *wsConn) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("relay-server: upgrade failed", logger.FieldError, err)
		return
	}
	ws.SetReadLimit(maxWSMessageSize)

	requestID := c.GetString(ctxKeyRequestID)
	conn := &wsConn{ws: ws, timeout: s.cfg.WSWriteTimeout(), id: requestID}
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)
	log.Info("relay-server: ws connected", logger.FieldConn, conn.id, logger.FieldRemote, c.Request.RemoteAddr)

	agg := steps.New()
	agg.OnChange(func(snap steps.Snapshot) {
		if err := conn.send(WSMessage{Type: WSTypeSnapshot, Snapshot: snap}); err != nil {
			log.Debug("relay-server: ws push failed", logger.FieldConn, conn.id, logger.FieldError, err)
		}
	})

	var (
		cancelRun context.CancelFunc
		runDone   chan struct{}
	)
	stop := func() {
		if cancelRun == nil {
			return
		}
		cancelRun()
		<-runDone
		cancelRun = nil
	}
	defer func() {
		stop()
		_ = ws.Close()
		log.Info("relay-server: ws disconnected", logger.FieldConn, conn.id)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("relay-server: ws read ended", logger.FieldConn, conn.id, logger.FieldError, err)
			}
			return
		}
		var msg WSRequest
		if err := json.Unmarshal(data, &msg); err != nil || strings.TrimSpace(msg.Query) == "" {
			_ = conn.send(WSMessage{Type: WSTypeError, Error: "query is required", Snapshot: agg.Snapshot()})
			continue
		}

		// 新消息取代进行中的请求
		stop()
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		cancelRun, runDone = cancel, done
		req := relay.Request{Query: msg.Query, Stream: msg.Stream}
		util.SafeGo(func() {
			defer close(done)
			s.runWS(runCtx, conn, agg, requestID, req)
		})
	}
}

// runWS 执行一次请求: Reset → Forward → 折叠响应 → 推送 done。
func (s *Server) runWS(ctx context.Context, conn *wsConn, agg *steps.Aggregator, requestID string, req relay.Request) {
	agg.Reset()
	t := s.track(ctx, requestID, req)

	resp, err := s.fwd.Forward(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			t.done(0, store.OutcomeAborted, err)
			return
		}
		agg.Fail(err)
		t.done(apperrors.HTTPStatus(err), outcomeOf(err), err)
		s.pushDone(conn, agg)
		return
	}
	defer resp.Close()

	outcome := store.OutcomeJSON
	switch resp.Kind {
	case relay.KindStream:
		outcome = store.OutcomeStream
		if err := agg.Drain(ctx, resp.Body); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				t.done(resp.Status, store.OutcomeAborted, err)
				return
			}
			t.done(resp.Status, outcomeOf(err), err)
			s.pushDone(conn, agg)
			return
		}
	case relay.KindJSON:
		agg.ApplyJSON(resp.JSON)
	default:
		outcome = store.OutcomeText
		agg.FinalAnswer(resp.Text)
	}
	t.done(resp.Status, outcome, nil)
	s.pushDone(conn, agg)
}

func (s *Server) pushDone(conn *wsConn, agg *steps.Aggregator) {
	snap := agg.Snapshot()
	logger.Debug("relay-server: ws done", logger.FieldConn, conn.id, logger.FieldState, string(snap.State))
	if err := conn.send(WSMessage{Type: WSTypeDone, Snapshot: snap}); err != nil {
		logger.Debug("relay-server: ws push failed", logger.FieldConn, conn.id, logger.FieldError, err)
	}
}
