package main

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/multi-agent/rag-relay/internal/steps"
)

const thinkingLine = "… thinking"

// renderer 增量打印聚合器快照: 新步骤逐条编号, thinking 进入时打印一次。
type renderer struct {
	w        io.Writer
	printed  int
	thinking bool
}

func newRenderer(w io.Writer) *renderer { return &renderer{w: w} }

func (r *renderer) onChange(snap steps.Snapshot) {
	if len(snap.Steps) < r.printed {
		r.printed = 0
	}
	for ; r.printed < len(snap.Steps); r.printed++ {
		fmt.Fprintf(r.w, "#%d %s\n", r.printed+1, snap.Steps[r.printed])
	}
	if snap.Thinking && !r.thinking {
		fmt.Fprintln(r.w, thinkingLine)
	}
	r.thinking = snap.Thinking
}

// finish 打印最终结果并决定退出码。
func (r *renderer) finish(errW io.Writer, snap steps.Snapshot, askErr error) error {
	switch {
	case snap.Failed:
		fmt.Fprintln(errW, snap.Answer)
		return cli.Exit("", 1)
	case askErr != nil:
		fmt.Fprintln(errW, steps.ErrorPrefix+askErr.Error())
		return cli.Exit("", 1)
	case snap.State != steps.StateDone:
		fmt.Fprintln(errW, steps.ErrorPrefix+"no final answer received")
		return cli.Exit("", 1)
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, snap.Answer)
	for i, src := range snap.Sources {
		fmt.Fprintf(r.w, "[%d] %s %s\n", i+1, src.Title, src.URL)
	}
	return nil
}
