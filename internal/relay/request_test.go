package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
)

func TestRequestEncoding(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want Encoding
	}{
		{"query only", Request{Query: "q"}, EncodingJSON},
		{"stream", Request{Query: "q", Stream: true}, EncodingJSON},
		{"attachments", Request{Query: "q", Attachments: []Attachment{{Name: "a.txt"}}}, EncodingMultipart},
		{"raw", Request{Raw: &RawBody{ContentType: "text/plain", Body: strings.NewReader("x")}}, EncodingRaw},
		{"attachments win over raw", Request{Attachments: []Attachment{{Name: "a"}}, Raw: &RawBody{}}, EncodingMultipart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.Encoding(); got != tt.want {
				t.Errorf("Encoding() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		variant Variant
		want    string
	}{
		{"rag", Request{Query: "what"}, VariantRAG, `{"query":"what"}`},
		{"rag stream", Request{Query: "what", Stream: true}, VariantRAG, `{"query":"what","stream":true}`},
		{"default variant", Request{Query: "what"}, "", `{"query":"what"}`},
		{
			"tools",
			Request{Query: "what"},
			VariantTools,
			`{"toolsQuery":"what","messages":[{"role":"user","content":"what"}],"chatSettings":{}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, body, err := Encode(tt.req, tt.variant)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
			if string(body) != tt.want {
				t.Errorf("body = %s, want %s", body, tt.want)
			}
		})
	}
}

func TestEncodeUnknownVariant(t *testing.T) {
	if _, _, err := Encode(Request{Query: "q"}, Variant("grpc")); err == nil {
		t.Fatal("Encode() with unknown variant should fail")
	}
}

func TestEncodeRawRejected(t *testing.T) {
	_, _, err := Encode(Request{Raw: &RawBody{Body: strings.NewReader("x")}}, VariantRAG)
	if !apperrors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestEncodeMultipart(t *testing.T) {
	req := Request{
		Query:  "summarize",
		Stream: true,
		Attachments: []Attachment{
			{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
			{Name: "report \"final\".pdf", Data: []byte("%PDF")},
		},
	}
	ct, body, err := Encode(req, VariantTools)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("content type = %q (%v)", ct, err)
	}

	form, err := multipart.NewReader(bytes.NewReader(body), params["boundary"]).ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("ReadForm() error = %v", err)
	}
	if got := form.Value[FieldQuery]; len(got) != 1 || got[0] != "summarize" {
		t.Errorf("query = %q", got)
	}
	if got := form.Value[FieldStream]; len(got) != 1 || got[0] != "true" {
		t.Errorf("stream = %q", got)
	}
	files := form.File[FieldFiles]
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2", len(files))
	}
	if files[0].Filename != "notes.txt" || files[0].Header.Get("Content-Type") != "text/plain" {
		t.Errorf("file[0] = %s %s", files[0].Filename, files[0].Header.Get("Content-Type"))
	}
	if files[1].Filename != `report "final".pdf` || files[1].Header.Get("Content-Type") != "application/octet-stream" {
		t.Errorf("file[1] = %s %s", files[1].Filename, files[1].Header.Get("Content-Type"))
	}
	f, err := files[0].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "hello" {
		t.Errorf("file[0] content = %q", data)
	}
}

func TestEncodeMultipartWithoutStream(t *testing.T) {
	ct, body, err := Encode(Request{Query: "q", Attachments: []Attachment{{Name: "a"}}}, VariantRAG)
	if err != nil {
		t.Fatal(err)
	}
	_, params, _ := mime.ParseMediaType(ct)
	form, err := multipart.NewReader(bytes.NewReader(body), params["boundary"]).ReadForm(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := form.Value[FieldStream]; ok {
		t.Error("stream field present for non-streaming request")
	}
}

func TestDeriveAgentURL(t *testing.T) {
	tests := []struct {
		base    string
		segment string
		want    string
	}{
		{"http://h:8000/api/ask", "agent", "http://h:8000/api/agent"},
		{"http://h:8000/ask/", "agent", "http://h:8000/agent"},
		{"http://h:8000", "agent", "http://h:8000/agent"},
		{"https://h/v1/rag?key=1", "", "https://h/v1/agent?key=1"},
		{"https://h/v1/rag", "/stream/", "https://h/v1/stream"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := DeriveAgentURL(tt.base, tt.segment)
			if err != nil {
				t.Fatalf("DeriveAgentURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DeriveAgentURL(%q, %q) = %q, want %q", tt.base, tt.segment, got, tt.want)
			}
		})
	}
}

// TestToolsBodyShape tools 变体的 JSON 结构可被通用解码读取。
func TestToolsBodyShape(t *testing.T) {
	_, body, err := Encode(Request{Query: "q"}, VariantTools)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		ToolsQuery string `json:"toolsQuery"`
		Messages   []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		ChatSettings map[string]any `json:"chatSettings"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.ToolsQuery != "q" || len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.ChatSettings == nil {
		t.Errorf("tools body = %+v", got)
	}
}
