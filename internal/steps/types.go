package steps

// State 聚合器状态。
type State string

const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateDone     State = "done"
)

// ErrorPrefix 错误结果的前缀, 与正常答案区分显示。
const ErrorPrefix = "❌ Error: "

// Source 非流式响应中的引用来源。
type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Document 后端非流式 JSON 响应。
type Document struct {
	Answer   string   `json:"answer,omitempty"`
	Response string   `json:"response,omitempty"`
	Steps    []string `json:"steps,omitempty"`
	Sources  []Source `json:"sources,omitempty"`
}

// Snapshot 聚合器状态的只读深拷贝, 供渲染层 (websocket / CLI) 使用。
type Snapshot struct {
	State    State    `json:"state"`
	Steps    []string `json:"steps"`
	Thinking bool     `json:"thinking"`
	Answer   string   `json:"answer,omitempty"`
	Failed   bool     `json:"failed,omitempty"`
	Sources  []Source `json:"sources,omitempty"`
}

// HasResult 是否已有最终结果 (答案或错误)。
func (s Snapshot) HasResult() bool { return s.State == StateDone }
