package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
)

// backendCall 后端收到的一次请求。
type backendCall struct {
	path        string
	contentType string
	body        string
}

func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, chan backendCall) {
	t.Helper()
	calls := make(chan backendCall, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		calls <- backendCall{path: r.URL.Path, contentType: r.Header.Get("Content-Type"), body: string(data)}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func newForwarder(t *testing.T, base string, timeout time.Duration) *Forwarder {
	t.Helper()
	f, err := New(Options{BackendURL: base + "/api/ask", Timeout: timeout})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Options{}); !apperrors.Is(err, apperrors.ErrConfig) {
		t.Errorf("New() without backend err = %v, want ErrConfig", err)
	}
	if _, err := New(Options{BackendURL: "http://h/ask", Variant: "grpc"}); !apperrors.Is(err, apperrors.ErrConfig) {
		t.Errorf("New() with bad variant err = %v, want ErrConfig", err)
	}
	f, err := New(Options{BackendURL: "http://h/api/ask"})
	if err != nil {
		t.Fatal(err)
	}
	if f.AgentURL() != "http://h/api/agent" || f.Timeout() != DefaultTimeout {
		t.Errorf("agent = %q timeout = %v", f.AgentURL(), f.Timeout())
	}
	f, err = New(Options{BackendURL: "http://h/api/ask", AgentURL: "http://other/stream"})
	if err != nil {
		t.Fatal(err)
	}
	if f.AgentURL() != "http://other/stream" {
		t.Errorf("explicit agent url ignored: %q", f.AgentURL())
	}
}

func TestForwardJSON(t *testing.T) {
	srv, calls := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = io.WriteString(w, `{"answer":"42","steps":["a"]}`)
	})
	f := newForwarder(t, srv.URL, time.Second)

	resp, err := f.Forward(context.Background(), Request{Query: "meaning"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer resp.Close()

	if resp.Kind != KindJSON || string(resp.JSON) != `{"answer":"42","steps":["a"]}` {
		t.Errorf("resp = %s %s", resp.Kind, resp.JSON)
	}
	call := <-calls
	if call.path != "/api/ask" || call.contentType != "application/json" || call.body != `{"query":"meaning"}` {
		t.Errorf("backend call = %+v", call)
	}
}

func TestForwardStreamUsesAgentURL(t *testing.T) {
	srv, calls := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"step":"a"}`+"\n"+`{"answer":"b"}`+"\n")
	})
	f := newForwarder(t, srv.URL, time.Second)

	resp, err := f.Forward(context.Background(), Request{Query: "q", Stream: true})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer resp.Close()

	if resp.Kind != KindStream || resp.Body == nil {
		t.Fatalf("resp kind = %s", resp.Kind)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `{"answer":"b"}`) {
		t.Errorf("stream body = %q", data)
	}
	call := <-calls
	if call.path != "/api/agent" || call.body != `{"query":"q","stream":true}` {
		t.Errorf("backend call = %+v", call)
	}
}

func TestForwardMultipart(t *testing.T) {
	srv, calls := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "plain answer")
	})
	f := newForwarder(t, srv.URL, time.Second)

	resp, err := f.Forward(context.Background(), Request{
		Query:       "q",
		Attachments: []Attachment{{Name: "a.txt", Data: []byte("data")}},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.Kind != KindText || resp.Text != "plain answer" || resp.Encoding != EncodingMultipart {
		t.Errorf("resp = %+v", resp)
	}
	call := <-calls
	if !strings.HasPrefix(call.contentType, "multipart/form-data; boundary=") {
		t.Errorf("content type = %q", call.contentType)
	}
}

func TestForwardRawPassthrough(t *testing.T) {
	srv, calls := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `"ok"`)
	})
	f := newForwarder(t, srv.URL, time.Second)

	resp, err := f.Forward(context.Background(), Request{
		Stream: true,
		Raw:    &RawBody{ContentType: "application/xml", Body: strings.NewReader("<q>hi</q>")},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.Kind != KindJSON {
		t.Errorf("kind = %s", resp.Kind)
	}
	call := <-calls
	if call.path != "/api/ask" || call.contentType != "application/xml" || call.body != "<q>hi</q>" {
		t.Errorf("backend call = %+v", call)
	}
}

func TestForwardUpstreamError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		ct     string
		body   string
		want   string
	}{
		{"json string", 400, "application/json", `"bad query"`, "bad query"},
		{"json error field", 422, "application/json", `{"error":"too long"}`, "too long"},
		{"json detail field", 422, "application/json", `{"detail":"missing query"}`, "missing query"},
		{"json object", 500, "application/json", `{"code": 7}`, `{"code":7}`},
		{"json null", 502, "application/json", `null`, "Bad Gateway"},
		{"invalid json", 503, "application/json", `{oops`, "Service Unavailable"},
		{"text", 500, "text/plain", "  stack trace  ", "stack trace"},
		{"empty text", 404, "text/plain", "", "Not Found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.ct)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			f := newForwarder(t, srv.URL, time.Second)

			_, err := f.Forward(context.Background(), Request{Query: "q"})
			var up *apperrors.UpstreamError
			if !apperrors.As(err, &up) {
				t.Fatalf("err = %v, want UpstreamError", err)
			}
			if up.Status != tt.status || up.Message != tt.want {
				t.Errorf("upstream = (%d, %q), want (%d, %q)", up.Status, up.Message, tt.status, tt.want)
			}
			if apperrors.HTTPStatus(err) != tt.status {
				t.Errorf("HTTPStatus = %d", apperrors.HTTPStatus(err))
			}
		})
	}
}

// TestForwardTimeout 响应头到达前截止 → ErrTimeout (504)。
func TestForwardTimeout(t *testing.T) {
	srv, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	f := newForwarder(t, srv.URL, 100*time.Millisecond)

	start := time.Now()
	_, err := f.Forward(context.Background(), Request{Query: "q"})
	if !apperrors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if apperrors.HTTPStatus(err) != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want 504", apperrors.HTTPStatus(err))
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

// TestForwardStreamDeadline 截止时间覆盖流式 body 的读取。
func TestForwardStreamDeadline(t *testing.T) {
	srv, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"step\":\"a\"}\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	f := newForwarder(t, srv.URL, 300*time.Millisecond)

	resp, err := f.Forward(context.Background(), Request{Query: "q", Stream: true})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer resp.Close()

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	if err != nil || line != "data: {\"step\":\"a\"}\n" {
		t.Fatalf("first line = %q err = %v", line, err)
	}
	_, err = io.ReadAll(br)
	if !apperrors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("read err = %v, want ErrTimeout", err)
	}
}

func TestForwardInvalidJSON(t *testing.T) {
	srv, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "{not json")
	})
	f := newForwarder(t, srv.URL, time.Second)

	_, err := f.Forward(context.Background(), Request{Query: "q"})
	if err == nil || apperrors.HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("err = %v, want 500-class error", err)
	}
}

func TestForwardBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	f := newForwarder(t, base, time.Second)
	_, err := f.Forward(context.Background(), Request{Query: "q"})
	if err == nil || apperrors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("err = %v, want connection failure", err)
	}
}

func TestClassifyContentType(t *testing.T) {
	tests := map[string]Kind{
		"application/json":                 KindJSON,
		"application/json; charset=utf-8":  KindJSON,
		"application/x-ndjson":             KindStream,
		"text/event-stream; charset=utf-8": KindStream,
		"Text/Event-Stream":                KindStream,
		"text/plain":                       KindText,
		"":                                 KindText,
	}
	for ct, want := range tests {
		if got := ClassifyContentType(ct); got != want {
			t.Errorf("ClassifyContentType(%q) = %s, want %s", ct, got, want)
		}
	}
}

func TestResponseCloseIdempotent(t *testing.T) {
	srv, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_ = json.NewEncoder(w).Encode(map[string]string{"step": "a"})
	})
	f := newForwarder(t, srv.URL, time.Second)

	resp, err := f.Forward(context.Background(), Request{Query: "q", Stream: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.Close(); err != nil {
		t.Errorf("first Close() = %v", err)
	}
	if err := resp.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}
