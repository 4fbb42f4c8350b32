// Package steps 维护单次请求的推理步骤历史、thinking 标志与最终结果。
//
// 状态机:
//
//	Idle ──Step/StepBatch──▶ Thinking ──FinalAnswer/Error──▶ Done
//	  ▲                                                        │
//	  └──────────────────────── Reset ◀────────────────────────┘
//
// 一个 Aggregator 只属于一个请求/消费者; 新请求开始前必须 Reset。
package steps

import (
	"strings"
	"sync"

	"github.com/multi-agent/rag-relay/internal/stream"
	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
)

// Aggregator 步骤聚合器。实现 stream.Sink。
type Aggregator struct {
	mu       sync.RWMutex
	state    State
	steps    []string
	answer   string
	failed   bool
	sources  []Source
	onChange func(Snapshot)
}

// New 创建 Idle 状态的聚合器。
func New() *Aggregator {
	return &Aggregator{state: StateIdle}
}

// OnChange 注册变更回调, 每次状态变化后以快照调用 (锁外调用)。
func (a *Aggregator) OnChange(fn func(Snapshot)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Reset 无条件回到 Idle: 清空历史、结果与来源。
func (a *Aggregator) Reset() {
	a.mutate(func() bool {
		a.state = StateIdle
		a.steps = nil
		a.answer = ""
		a.failed = false
		a.sources = nil
		return true
	})
}

// AddStep 追加一个步骤。空白文本忽略; 与上一条 (trim + 忽略大小写) 相同则忽略。
//
// Done 之后到达的步骤仍写入历史, 但状态保持 Done。
func (a *Aggregator) AddStep(text string) {
	a.mutate(func() bool { return a.addStepLocked(text) })
}

// AddSteps 逐条追加 (不替换已有历史)。
func (a *Aggregator) AddSteps(texts []string) {
	a.mutate(func() bool {
		changed := false
		for _, t := range texts {
			if a.addStepLocked(t) {
				changed = true
			}
		}
		return changed
	})
}

// FinalAnswer 记录最终答案 (后写覆盖), 进入 Done。
func (a *Aggregator) FinalAnswer(text string) {
	a.mutate(func() bool {
		a.state = StateDone
		a.answer = text
		a.failed = false
		return true
	})
}

// Error 记录后端显式错误作为结果, 进入 Done。
func (a *Aggregator) Error(text string) {
	a.mutate(func() bool {
		a.state = StateDone
		a.answer = ErrorPrefix + text
		a.failed = true
		return true
	})
}

// Fail 记录传输/超时失败。覆盖此前的部分答案, 部分结果不视为最终答案。
func (a *Aggregator) Fail(err error) {
	if err == nil {
		return
	}
	a.Error(apperrors.PublicMessage(err))
}

// Apply 按事件类型分派。实现 stream.Sink。
func (a *Aggregator) Apply(ev stream.Event) {
	switch ev.Kind {
	case stream.EventStep:
		a.AddStep(ev.Text)
	case stream.EventStepBatch:
		a.AddSteps(ev.Steps)
	case stream.EventFinalAnswer:
		a.FinalAnswer(ev.Text)
	case stream.EventError:
		a.Error(ev.Text)
	}
}

// ApplyDocument 折叠一个非流式 JSON 响应: 先逐条追加 steps, 再记录 answer (优先) 或 response。
func (a *Aggregator) ApplyDocument(doc Document) {
	a.AddSteps(doc.Steps)
	a.mutate(func() bool {
		a.sources = append([]Source(nil), doc.Sources...)
		a.state = StateDone
		a.answer = doc.Answer
		if a.answer == "" {
			a.answer = doc.Response
		}
		a.failed = false
		return true
	})
}

// Snapshot 返回当前状态的深拷贝。
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

// State 当前状态。
func (a *Aggregator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Thinking liveness 标志: 仅在 Thinking 状态为真。
func (a *Aggregator) Thinking() bool { return a.State() == StateThinking }

// Steps 返回步骤历史副本。
func (a *Aggregator) Steps() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string{}, a.steps...)
}

// Result 返回最终结果文本 (答案或带前缀的错误)。
func (a *Aggregator) Result() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.answer
}

// Failed 结果是否为错误。
func (a *Aggregator) Failed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.failed
}

// mutate 在写锁内执行 fn; fn 返回 true 时在锁外触发 onChange。
func (a *Aggregator) mutate(fn func() bool) {
	a.mu.Lock()
	if !fn() {
		a.mu.Unlock()
		return
	}
	hook := a.onChange
	var snap Snapshot
	if hook != nil {
		snap = a.snapshotLocked()
	}
	a.mu.Unlock()
	if hook != nil {
		hook(snap)
	}
}

func (a *Aggregator) addStepLocked(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if n := len(a.steps); n > 0 && strings.EqualFold(strings.TrimSpace(a.steps[n-1]), trimmed) {
		return false
	}
	a.steps = append(a.steps, text)
	if a.state != StateDone {
		a.state = StateThinking
	}
	return true
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		State:    a.state,
		Steps:    append([]string{}, a.steps...),
		Thinking: a.state == StateThinking,
		Answer:   a.answer,
		Failed:   a.failed,
		Sources:  append([]Source(nil), a.sources...),
	}
}
