package steps

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/multi-agent/rag-relay/internal/stream"
	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
)

func TestNewIsIdle(t *testing.T) {
	a := New()
	snap := a.Snapshot()
	if snap.State != StateIdle || snap.Thinking || len(snap.Steps) != 0 || snap.Answer != "" {
		t.Fatalf("new aggregator snapshot = %+v", snap)
	}
}

func TestAddStepDedupeAdjacent(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"exact repeat", []string{"Searching", "Searching"}, []string{"Searching"}},
		{"case and space", []string{"Searching", "  searching  "}, []string{"Searching"}},
		{"non adjacent kept", []string{"a", "b", "a"}, []string{"a", "b", "a"}},
		{"blank ignored", []string{"", "   ", "a"}, []string{"a"}},
		{"blank does not break run", []string{"a", " ", "A"}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			for _, s := range tt.input {
				a.AddStep(s)
			}
			if got := a.Steps(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Steps() = %q, want %q", got, tt.want)
			}
			if !a.Thinking() {
				t.Error("Thinking() = false after steps")
			}
		})
	}
}

// TestAddStepNoAdjacentDuplicates 任意输入序列下, 历史中不存在相邻的等价条目。
func TestAddStepNoAdjacentDuplicates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	words := []string{"a", "A", " a ", "b", "B ", "", "  "}
	properties.Property("history never holds adjacent equivalent entries", prop.ForAll(
		func(picks []int) bool {
			a := New()
			for _, p := range picks {
				a.AddStep(words[p])
			}
			hist := a.Steps()
			for i := 1; i < len(hist); i++ {
				if strings.EqualFold(strings.TrimSpace(hist[i-1]), strings.TrimSpace(hist[i])) {
					return false
				}
			}
			for _, h := range hist {
				if strings.TrimSpace(h) == "" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(words)-1)),
	))

	properties.Property("repeating a step once adds nothing", prop.ForAll(
		func(step string) bool {
			a := New()
			a.AddStep(step)
			before := len(a.Steps())
			a.AddStep(strings.ToUpper(step) + " ")
			return len(a.Steps()) == before
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestFinalAnswerEndsThinking(t *testing.T) {
	a := New()
	a.AddStep("a")
	a.FinalAnswer("first")
	a.FinalAnswer("second")

	snap := a.Snapshot()
	if snap.State != StateDone || snap.Thinking {
		t.Fatalf("snapshot = %+v, want done and not thinking", snap)
	}
	if snap.Answer != "second" || snap.Failed {
		t.Errorf("answer = %q failed = %v, want last write", snap.Answer, snap.Failed)
	}
}

func TestStepAfterDoneStaysDone(t *testing.T) {
	a := New()
	a.FinalAnswer("x")
	a.AddStep("late")

	if a.State() != StateDone || a.Thinking() {
		t.Fatalf("state = %s thinking = %v", a.State(), a.Thinking())
	}
	if got := a.Steps(); !reflect.DeepEqual(got, []string{"late"}) {
		t.Errorf("Steps() = %q", got)
	}
}

func TestErrorPrefixesResult(t *testing.T) {
	a := New()
	a.AddStep("a")
	a.Error("backend failed")

	if a.Result() != ErrorPrefix+"backend failed" || !a.Failed() {
		t.Fatalf("Result() = %q Failed() = %v", a.Result(), a.Failed())
	}
	if a.Thinking() {
		t.Error("Thinking() = true after error")
	}
}

// TestFailOverridesPartialAnswer 超时后部分答案不视为最终结果。
func TestFailOverridesPartialAnswer(t *testing.T) {
	a := New()
	a.FinalAnswer("partial")
	a.Fail(apperrors.Wrap(apperrors.ErrTimeout, "relay.Forward", "backend timed out"))

	if !a.Failed() || a.Result() != ErrorPrefix+"backend timed out" {
		t.Fatalf("Result() = %q Failed() = %v", a.Result(), a.Failed())
	}

	b := New()
	b.Fail(nil)
	if b.State() != StateIdle {
		t.Errorf("Fail(nil) changed state to %s", b.State())
	}
}

func TestResetFromAnyState(t *testing.T) {
	setups := map[string]func(a *Aggregator){
		"idle":     func(a *Aggregator) {},
		"thinking": func(a *Aggregator) { a.AddStep("a") },
		"done":     func(a *Aggregator) { a.FinalAnswer("x") },
		"failed":   func(a *Aggregator) { a.Error("e") },
		"document": func(a *Aggregator) { a.ApplyDocument(Document{Answer: "x", Sources: []Source{{Title: "t"}}}) },
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			a := New()
			setup(a)
			a.Reset()
			snap := a.Snapshot()
			if snap.State != StateIdle || snap.Thinking || len(snap.Steps) != 0 || snap.Answer != "" || snap.Failed || len(snap.Sources) != 0 {
				t.Errorf("after Reset snapshot = %+v", snap)
			}
		})
	}
}

// TestConsumeScenario a / b,c / final 经由读循环写入聚合器。
func TestConsumeScenario(t *testing.T) {
	body := `{"step":"a"}` + "\n" + `{"steps":["b","c"]}` + "\n" + `{"response":"final"}` + "\n"

	a := New()
	if err := stream.Consume(context.Background(), strings.NewReader(body), a); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if got := a.Steps(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Steps() = %q", got)
	}
	if a.Result() != "final" || a.Thinking() {
		t.Errorf("Result() = %q Thinking() = %v", a.Result(), a.Thinking())
	}
}

func TestConsumeAnswerWinsAcrossLines(t *testing.T) {
	body := "data: {\"response\":\"r\"}\n\ndata: {\"answer\":\"a\"}\n"

	a := New()
	if err := stream.Consume(context.Background(), strings.NewReader(body), a); err != nil {
		t.Fatal(err)
	}
	if a.Result() != "a" {
		t.Errorf("Result() = %q, want a", a.Result())
	}
}

func TestConsumeErrorStopsSteps(t *testing.T) {
	body := `{"step":"a"}` + "\n" + `{"error":"boom"}` + "\n" + `{"step":"b"}` + "\n"

	a := New()
	if err := stream.Consume(context.Background(), strings.NewReader(body), a); err != nil {
		t.Fatal(err)
	}
	if got := a.Steps(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Steps() = %q, want only the step before the error", got)
	}
	if !a.Failed() || a.Thinking() {
		t.Errorf("Failed() = %v Thinking() = %v", a.Failed(), a.Thinking())
	}
}

func TestApplyDocument(t *testing.T) {
	a := New()
	a.AddStep("a")
	a.ApplyDocument(Document{
		Response: "r",
		Answer:   "preferred",
		Steps:    []string{"A", "b"},
		Sources:  []Source{{Title: "doc", URL: "http://x"}},
	})

	snap := a.Snapshot()
	if !reflect.DeepEqual(snap.Steps, []string{"a", "b"}) {
		t.Errorf("Steps = %q", snap.Steps)
	}
	if snap.Answer != "preferred" || snap.State != StateDone {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Sources) != 1 || snap.Sources[0].Title != "doc" {
		t.Errorf("Sources = %+v", snap.Sources)
	}

	b := New()
	b.ApplyDocument(Document{Response: "only response"})
	if b.Result() != "only response" {
		t.Errorf("Result() = %q", b.Result())
	}
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	a := New()
	var seen []Snapshot
	a.OnChange(func(s Snapshot) {
		seen = append(seen, s)
		_ = a.Snapshot()
	})

	a.AddStep("a")
	a.AddStep("A")
	a.FinalAnswer("x")

	if len(seen) != 2 {
		t.Fatalf("callbacks = %d, want 2 (duplicate step is not a change)", len(seen))
	}
	if !seen[0].Thinking || seen[1].State != StateDone {
		t.Errorf("snapshots = %+v", seen)
	}

	seen[0].Steps[0] = "mutated"
	if a.Steps()[0] != "a" {
		t.Error("snapshot shares memory with aggregator")
	}
}
