// consume.go: 单次交换的顺序读循环: body → Decoder → ParseLine → Classify → Sink。
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
	"github.com/multi-agent/rag-relay/pkg/logger"
	"github.com/multi-agent/rag-relay/pkg/util"
)

// readBufSize 单次 Read 的缓冲大小。
const readBufSize = 32 * 1024

// Sink 事件消费者 (聚合器 / 测试记录器)。
type Sink interface {
	Apply(Event)
}

// SinkFunc 函数适配器。
type SinkFunc func(Event)

// Apply 实现 Sink。
func (f SinkFunc) Apply(ev Event) { f(ev) }

// Stats 一次读循环的计数。
type Stats struct {
	Lines     int  // 非空行
	Events    int  // 送入 Sink 的事件
	Malformed int  // 丢弃的非法行
	Halted    bool // 后端显式 error 终止
}

// Consume 顺序读取 r 直至 EOF 或后端 error 事件, 把事件依次交给 sink。
//
// 后端 error 视为正常终止 (返回 nil)。其他读错误:
// ctx 截止 → ErrTimeout; 其余 → ErrStreamTransport。
func Consume(ctx context.Context, r io.Reader, sink Sink) error {
	_, err := ConsumeStats(ctx, r, sink)
	return err
}

// ConsumeStats 同 Consume, 额外返回计数。
func ConsumeStats(ctx context.Context, r io.Reader, sink Sink) (Stats, error) {
	c := &consumer{ctx: ctx, sink: sink, dec: NewDecoder()}
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && c.feed(c.dec.Write(buf[:n])) {
			return c.stats, nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			c.feed(c.dec.Flush())
			logger.FromContext(ctx).Debug("stream: consumed",
				logger.FieldLine, c.stats.Lines,
				logger.FieldCount, c.stats.Events,
				"malformed", c.stats.Malformed,
				"halted", c.stats.Halted)
			return c.stats, nil
		}
		return c.stats, classifyReadErr(ctx, err)
	}
}

type consumer struct {
	ctx   context.Context
	sink  Sink
	dec   *Decoder
	stats Stats
}

// feed 处理一批完整行; 遇到 Error 事件返回 true (停止读取)。
func (c *consumer) feed(lines []string) bool {
	for _, line := range lines {
		if isBlank(line) {
			continue
		}
		c.stats.Lines++
		events, ok := Events(line)
		if !ok {
			c.stats.Malformed++
			logger.FromContext(c.ctx).Debug("stream: malformed line skipped",
				logger.FieldLine, util.Preview(line, 120),
				logger.FieldError, apperrors.ErrMalformedFrame.Error())
			continue
		}
		for _, ev := range events {
			c.sink.Apply(ev)
			c.stats.Events++
			if ev.Kind == EventError {
				c.stats.Halted = true
				return true
			}
		}
	}
	return false
}

func isBlank(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}
	return true
}

// classifyReadErr 区分截止超时与传输中断。
func classifyReadErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return apperrors.Wrap(fmt.Errorf("%w: %w", apperrors.ErrTimeout, err), "stream.Consume", "backend stream timed out")
	}
	return apperrors.Wrap(fmt.Errorf("%w: %w", apperrors.ErrStreamTransport, err), "stream.Consume", "backend stream interrupted")
}
