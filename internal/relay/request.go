// request.go: 转发请求模型与编码 (JSON / multipart / raw)。
package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"path"
	"strings"

	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
)

// Encoding 出站请求体编码。
type Encoding string

const (
	EncodingJSON      Encoding = "json"
	EncodingMultipart Encoding = "multipart"
	EncodingRaw       Encoding = "raw"
)

// Variant 后端 JSON 请求体形态。
type Variant string

const (
	VariantRAG   Variant = "rag"   // {query[, stream]}
	VariantTools Variant = "tools" // {toolsQuery, messages, chatSettings}
)

// 表单字段名。
const (
	FieldQuery  = "query"
	FieldStream = "stream"
	FieldFiles  = "files"
)

// DefaultAgentSegment 流式 agent 端点替换的路径段。
const DefaultAgentSegment = "agent"

// Attachment 一个上传文件。
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// RawBody 无法识别的入站请求体, 原样透传。
type RawBody struct {
	ContentType string
	Body        io.Reader
}

// Request 一次问答请求。
type Request struct {
	Query       string
	Attachments []Attachment
	Stream      bool
	Raw         *RawBody
}

// Encoding 按附件/原始体选择编码: 有附件 → multipart; 仅原始体 → raw; 否则 JSON。
func (r Request) Encoding() Encoding {
	switch {
	case len(r.Attachments) > 0:
		return EncodingMultipart
	case r.Raw != nil:
		return EncodingRaw
	default:
		return EncodingJSON
	}
}

type ragBody struct {
	Query  string `json:"query"`
	Stream bool   `json:"stream,omitempty"`
}

type toolsMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolsBody struct {
	ToolsQuery   string         `json:"toolsQuery"`
	Messages     []toolsMessage `json:"messages"`
	ChatSettings struct{}       `json:"chatSettings"`
}

// Encode 将 JSON / multipart 请求编码为 (content type, body)。raw 请求不可重新编码。
func Encode(req Request, variant Variant) (string, []byte, error) {
	switch req.Encoding() {
	case EncodingMultipart:
		return encodeMultipart(req)
	case EncodingJSON:
		return encodeJSON(req, variant)
	default:
		return "", nil, apperrors.Wrap(apperrors.ErrInvalidInput, "relay.Encode", "raw body cannot be re-encoded")
	}
}

func encodeJSON(req Request, variant Variant) (string, []byte, error) {
	var payload any
	switch variant {
	case VariantTools:
		payload = toolsBody{
			ToolsQuery: req.Query,
			Messages:   []toolsMessage{{Role: "user", Content: req.Query}},
		}
	case VariantRAG, "":
		payload = ragBody{Query: req.Query, Stream: req.Stream}
	default:
		return "", nil, apperrors.Newf("relay.Encode", "unknown backend variant %q", variant)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, apperrors.Wrap(err, "relay.Encode", "marshal json body")
	}
	return "application/json", data, nil
}

func encodeMultipart(req Request) (string, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField(FieldQuery, req.Query); err != nil {
		return "", nil, apperrors.Wrap(err, "relay.Encode", "write query field")
	}
	if req.Stream {
		if err := w.WriteField(FieldStream, "true"); err != nil {
			return "", nil, apperrors.Wrap(err, "relay.Encode", "write stream field")
		}
	}
	for _, att := range req.Attachments {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", multipart.FileContentDisposition(FieldFiles, att.Name))
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return "", nil, apperrors.Wrapf(err, "relay.Encode", "create part %s", att.Name)
		}
		if _, err := part.Write(att.Data); err != nil {
			return "", nil, apperrors.Wrapf(err, "relay.Encode", "write part %s", att.Name)
		}
	}
	if err := w.Close(); err != nil {
		return "", nil, apperrors.Wrap(err, "relay.Encode", "close multipart writer")
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

// DeriveAgentURL 将 base 的最后一个路径段替换为 segment。
//
//	http://h/api/ask  + agent → http://h/api/agent
//	http://h/ask/     + agent → http://h/agent
//	http://h          + agent → http://h/agent
func DeriveAgentURL(base, segment string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrConfig, "relay.DeriveAgentURL", err.Error())
	}
	if segment = strings.Trim(segment, "/"); segment == "" {
		segment = DefaultAgentSegment
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		u.Path = "/" + segment
	} else {
		u.Path = path.Join(path.Dir(p), segment)
	}
	u.RawPath = ""
	return u.String(), nil
}
