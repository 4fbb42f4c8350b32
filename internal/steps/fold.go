package steps

import (
	"context"
	"encoding/json"
	"io"

	"github.com/multi-agent/rag-relay/internal/stream"
)

// Drain 顺序消费一个流式响应体并折叠进聚合器。
//
// 传输错误 / 超时以 Fail 记录为错误结果后原样返回。
func (a *Aggregator) Drain(ctx context.Context, r io.Reader) error {
	if err := stream.Consume(ctx, r, a); err != nil {
		a.Fail(err)
		return err
	}
	return nil
}

// ApplyJSON 折叠一个非流式 JSON 响应体。
//
// 对象按 Document 解析; 顶层字符串作为答案; 其他 JSON 以原文作为答案。
func (a *Aggregator) ApplyJSON(data []byte) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err == nil {
		a.ApplyDocument(doc)
		return
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.FinalAnswer(s)
		return
	}
	a.FinalAnswer(string(data))
}
