// event.go: 单行 JSON → 结构化事件。
//
// 行语法 (可选 "data:" 前缀, 字段可组合):
//
//	{"step": string} | {"steps": string[]} | {"response": string} | {"answer": string} | {"error": any}
package stream

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
)

// EventKind 事件类型。
type EventKind uint8

const (
	EventStep        EventKind = iota + 1 // 单个推理步骤
	EventStepBatch                        // 一批步骤 (逐条追加)
	EventFinalAnswer                      // 最终答案
	EventError                            // 后端显式错误
)

func (k EventKind) String() string {
	switch k {
	case EventStep:
		return "step"
	case EventStepBatch:
		return "steps"
	case EventFinalAnswer:
		return "final_answer"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event 解析出的瞬时事件, 由 Sink 立即消费, 不保留。
type Event struct {
	Kind  EventKind
	Text  string   // Step / FinalAnswer / Error
	Steps []string // StepBatch
}

// Frame 一行解析后的 JSON 对象, 字段值保留原始 JSON。
type Frame map[string]json.RawMessage

// ssePrefix SSE 数据行前缀 (区分大小写)。
const ssePrefix = "data:"

// unknownErrorText 后端仅给出 error:true 时的占位消息。
const unknownErrorText = "An unknown error occurred"

// ParseLine 将一行文本解析为 Frame。
//
// 空行、仅有 "data:" 的行、非法 JSON、非对象 JSON 均返回 ok=false (静默丢弃)。
func ParseLine(line string) (Frame, bool) {
	s := strings.TrimSpace(line)
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, ssePrefix) {
		s = strings.TrimSpace(s[len(ssePrefix):])
		if s == "" {
			return nil, false
		}
	}
	if s[0] != '{' {
		return nil, false
	}
	var f Frame
	if err := json.Unmarshal([]byte(s), &f); err != nil || f == nil {
		return nil, false
	}
	return f, true
}

// Classify 按固定顺序检查字段, 返回该行产生的全部事件:
//
//  1. step     → Step
//  2. error    → Error (之后不再检查后续字段)
//  3. steps    → StepBatch
//  4. response → FinalAnswer (仅当 error 缺失或为假值)
//  5. answer   → FinalAnswer (在 response 之后, 两者并存时 answer 胜出)
func Classify(f Frame) []Event {
	var events []Event

	if s, ok := f.text("step"); ok {
		events = append(events, Event{Kind: EventStep, Text: s})
	}

	errRaw, hasErr := f["error"]
	if hasErr && truthy(errRaw) {
		return append(events, Event{Kind: EventError, Text: errorText(errRaw)})
	}

	if raw, ok := f["steps"]; ok {
		if steps := stringEntries(raw); len(steps) > 0 {
			events = append(events, Event{Kind: EventStepBatch, Steps: steps})
		}
	}

	if s, ok := f.text("response"); ok {
		events = append(events, Event{Kind: EventFinalAnswer, Text: s})
	}

	if s, ok := f.text("answer"); ok {
		events = append(events, Event{Kind: EventFinalAnswer, Text: s})
	}
	return events
}

// Events ParseLine + Classify 的组合。第二个返回值表示该行是否为合法帧。
func Events(line string) ([]Event, bool) {
	f, ok := ParseLine(line)
	if !ok {
		return nil, false
	}
	return Classify(f), true
}

// text 读取非空字符串字段。
func (f Frame) text(key string) (string, bool) {
	raw, ok := f[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// truthy 按 JSON 值的真值判断: null / false / "" / 0 为假, 对象与数组为真。
func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0 && !math.IsNaN(x)
	default:
		return true
	}
}

// errorText 将任意 error 字段归一化为文本。
func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return unknownErrorText
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// stringEntries 取数组中的非空字符串元素, 保持顺序; 非数组返回 nil。
func stringEntries(raw json.RawMessage) []string {
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
