// Package main 提供 ask 命令行客户端: 向转发服务提问并实时显示推理步骤。
//
// 用法:
//
//	ask [--url URL] [--file F]... [--stream] [--timeout 10m] [question]
//
// 退出码:
//   - 0: 得到最终答案
//   - 1: 错误结果 (后端错误 / 超时 / 传输中断 / 无最终答案)
//   - 2: 参数错误
package main

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/multi-agent/rag-relay/internal/askclient"
	"github.com/multi-agent/rag-relay/internal/relay"
	"github.com/multi-agent/rag-relay/internal/steps"
	"github.com/multi-agent/rag-relay/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:           "ask",
		Usage:          "Ask the RAG relay a question and follow the agent's steps",
		ArgsUsage:      "[question]",
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Usage:   "Relay base URL",
				Value:   "http://localhost:8080",
				EnvVars: []string{"RELAY_URL"},
			},
			&cli.StringSliceFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Attach a file (repeatable)",
			},
			&cli.BoolFlag{
				Name:    "stream",
				Aliases: []string{"s"},
				Usage:   "Request a streamed agent response",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall request deadline",
				Value: 10 * time.Minute,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn, error",
				Value:   "warn",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Action: askAction,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func askAction(c *cli.Context) error {
	logger.InitWithWriter(c.String("log-level"), os.Stderr)

	question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	attachments, err := loadAttachments(c.StringSlice("file"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if err := checkInput(question, attachments); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	client, err := askclient.New(c.String("url"), askclient.WithTimeout(c.Duration("timeout")))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	agg := steps.New()
	out := newRenderer(c.App.Writer)
	agg.OnChange(out.onChange)

	req := relay.Request{Query: question, Attachments: attachments, Stream: c.Bool("stream")}
	askErr := client.Ask(ctx, req, agg)
	return out.finish(c.App.ErrWriter, agg.Snapshot(), askErr)
}

// checkInput 问题与附件至少提供一项。
func checkInput(question string, attachments []relay.Attachment) error {
	if question == "" && len(attachments) == 0 {
		return errors.New("question or --file is required")
	}
	return nil
}

// loadAttachments 读取 --file 指定的文件; 内容类型按扩展名推断。
func loadAttachments(paths []string) ([]relay.Attachment, error) {
	out := make([]relay.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		out = append(out, relay.Attachment{
			Name:        filepath.Base(p),
			ContentType: mime.TypeByExtension(filepath.Ext(p)),
			Data:        data,
		})
	}
	return out, nil
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
