package goinfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apierrors "github.com/zhengjr9/goinfer-client/internal/errors"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestClient(url string, opts ...Option) *Client {
	opts = append([]Option{WithLogger(quietLogger)}, opts...)
	return NewClient(url, "test-key", opts...)
}

func writeFrame(w http.ResponseWriter, msg string) {
	fmt.Fprintf(w, "data: %s\n\n", msg)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func mustSpec(t *testing.T, name string, ctx int) ModelSpec {
	t.Helper()
	spec, err := NewModelSpec(name, ctx)
	if err != nil {
		t.Fatalf("NewModelSpec: %v", err)
	}
	return spec
}

func TestNewModelSpec(t *testing.T) {
	t.Parallel()

	if _, err := NewModelSpec("", 2048); err == nil {
		t.Error("empty name accepted")
	}
	if _, err := NewModelSpec("llama", 0); err == nil {
		t.Error("zero ctx accepted")
	}
	spec := mustSpec(t, "llama", 2048)
	data, _ := json.Marshal(spec)
	if string(data) != `{"name":"llama","ctx":2048}` {
		t.Errorf("marshal = %s", data)
	}
}

func TestLoadModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"no content", http.StatusNoContent, false},
		{"ok is not enough", http.StatusOK, true},
		{"bad request", http.StatusBadRequest, true},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got loadRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/model/load" {
					t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
				}
				if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
					t.Errorf("Authorization = %q", auth)
				}
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.status)
				if tt.status != http.StatusNoContent {
					io.WriteString(w, "model file not found")
				}
			}))
			defer srv.Close()

			err := newTestClient(srv.URL).LoadModel(context.Background(), mustSpec(t, "llama.gguf", 4096))
			if got.Model != "llama.gguf" || got.Ctx != 4096 {
				t.Errorf("request body = %+v", got)
			}
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("LoadModel: %v", err)
				}
				return
			}
			var loadErr *apierrors.ModelLoadError
			if !errors.As(err, &loadErr) {
				t.Fatalf("error = %v, want *ModelLoadError", err)
			}
			if loadErr.StatusCode != tt.status || loadErr.Body != "model file not found" {
				t.Errorf("error = %+v", loadErr)
			}
			if !errors.Is(err, apierrors.ErrModelLoad) {
				t.Error("error does not match ErrModelLoad")
			}
		})
	}
}

func TestLoadModelUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newTestClient(url).LoadModel(context.Background(), mustSpec(t, "llama", 2048))
	var loadErr *apierrors.ModelLoadError
	if !errors.As(err, &loadErr) || loadErr.StatusCode != 0 || loadErr.Err == nil {
		t.Fatalf("error = %v, want transport ModelLoadError", err)
	}
}

func TestLoadModelEmptySpec(t *testing.T) {
	t.Parallel()

	err := NewClient("", "").LoadModel(context.Background(), ModelSpec{})
	if !errors.Is(err, apierrors.ErrModelLoad) {
		t.Errorf("error = %v", err)
	}
}

func TestCompleteBlocking(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != false || body["prompt"] != "hi" {
			t.Errorf("body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"Hello","stats":{"totalTokens":2,"tokensPerSecond":10.5}}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "Hello" || res.State != StateComplete || res.Incomplete {
		t.Errorf("result = %+v", res)
	}
	if res.Stats == nil || res.Stats.TotalTokens != 2 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestCompleteBlockingMalformed(t *testing.T) {
	t.Parallel()

	bodies := []string{
		`{"stats":{}}`,
		`{"text":42}`,
		`{"text":null}`,
		`{"text": null, "stats":{}}`,
		`["Hello"]`,
		`not json`,
	}
	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, body)
		}))
		_, err := newTestClient(srv.URL).Complete(context.Background(), CompletionRequest{Prompt: "hi"})
		srv.Close()

		if !errors.Is(err, apierrors.ErrMalformedResponse) {
			t.Errorf("body %s: error = %v, want ErrMalformedResponse", body, err)
		}
		if !errors.Is(err, apierrors.ErrCompletion) {
			t.Errorf("body %s: malformed response is not a completion error", body)
		}
	}
}

func TestCompleteBlockingHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "inference failed")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	var compErr *apierrors.CompletionError
	if !errors.As(err, &compErr) || compErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("error = %v", err)
	}
	if compErr.Body != "inference failed" {
		t.Errorf("Body = %q", compErr.Body)
	}
}

func TestCompleteWireFormat(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		io.WriteString(w, `{"text":"ok"}`)
	}))
	defer srv.Close()

	spec := mustSpec(t, "mistral.gguf", 8192)
	req := CompletionRequest{
		Prompt:   "q",
		Template: "<s>{prompt}</s>",
		Model:    &spec,
		Params: SamplingParams{
			Temperature: Float(0.2),
			TopK:        Int(40),
			NPredict:    Int(128),
			Stop:        []string{"</s>"},
			Extra:       map[string]any{"mirostat": 2, "temperature": 9.9},
		},
	}
	if _, err := newTestClient(srv.URL).Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if body["template"] != "<s>{prompt}</s>" {
		t.Errorf("template = %v", body["template"])
	}
	model, _ := body["model"].(map[string]any)
	if model["name"] != "mistral.gguf" || model["ctx"] != float64(8192) {
		t.Errorf("model = %v", body["model"])
	}
	if body["temperature"] != 0.2 {
		t.Errorf("temperature = %v, typed field should override extra", body["temperature"])
	}
	if body["top_k"] != float64(40) || body["n_predict"] != float64(128) || body["mirostat"] != float64(2) {
		t.Errorf("sampling fields = %v", body)
	}
	if _, ok := body["top_p"]; ok {
		t.Error("unset top_p was sent")
	}
}

func TestCompleteOmitsEmptyModelAndTemplate(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(CompletionRequest{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	_ = json.Unmarshal(data, &body)
	if _, ok := body["model"]; ok {
		t.Error("model sent for nil spec")
	}
	if _, ok := body["template"]; ok {
		t.Error("template sent when empty")
	}
}

func TestCompleteStreaming(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("Accept = %q", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, `{"msg_type":"system","content":"start_emitting","num":0}`)
		writeFrame(w, `{"msg_type":"token","content":"He","num":1}`)
		writeFrame(w, `{"msg_type":"token","content":"llo","num":2}`)
		writeFrame(w, `{"msg_type":"system","content":"result","num":3,"data":{"text":"Hello","stats":{"totalTokens":2}}}`)
		writeFrame(w, `[DONE]`)
	}))
	defer srv.Close()

	var tokens []string
	req := CompletionRequest{
		Prompt:   "hi",
		Stream:   true,
		Observer: ObserverFuncs{Token: func(s string) { tokens = append(tokens, s) }},
	}
	res, err := newTestClient(srv.URL).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "Hello" || res.State != StateComplete || res.Incomplete {
		t.Errorf("result = %+v", res)
	}
	if strings.Join(tokens, "|") != "He|llo" {
		t.Errorf("observed tokens = %q", tokens)
	}
}

func TestCompleteStreamingSkipsMalformedFrame(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, `{"msg_type":"token","content":"He"}`)
		writeFrame(w, `{"msg_type":`)
		writeFrame(w, `{"msg_type":"token","content":"llo"}`)
		writeFrame(w, `{"msg_type":"system","content":"result","data":{"text":"Hello"}}`)
	}))
	defer srv.Close()

	var decodeErrs int
	req := CompletionRequest{
		Prompt:   "hi",
		Stream:   true,
		Observer: ObserverFuncs{DecodeError: func(error) { decodeErrs++ }},
	}
	res, err := newTestClient(srv.URL).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "Hello" || res.Tokens != "Hello" || res.State != StateComplete {
		t.Errorf("result = %+v", res)
	}
	if decodeErrs != 1 {
		t.Errorf("decode errors = %d, want 1", decodeErrs)
	}
}

func TestCompleteStreamingClosedEarly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, `{"msg_type":"token","content":"He"}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Complete(context.Background(), CompletionRequest{Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.State != StateAborted || !res.Incomplete || res.Text != "He" {
		t.Errorf("result = %+v", res)
	}
	if res.AbortReason != "stream closed before result" {
		t.Errorf("AbortReason = %q", res.AbortReason)
	}
}

func TestCompleteStreamingReadTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, `{"msg_type":"token","content":"He"}`)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client := newTestClient(srv.URL, WithReadTimeout(50*time.Millisecond))
	start := time.Now()
	res, err := client.Complete(context.Background(), CompletionRequest{Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("read timeout took %v", elapsed)
	}
	if res.State != StateAborted || res.AbortReason != "read timeout" || res.Text != "He" {
		t.Errorf("result = %+v", res)
	}
}

func TestCompleteStreamingHeaderTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client := newTestClient(srv.URL, WithReadTimeout(50*time.Millisecond))
	start := time.Now()
	res, err := client.Complete(context.Background(), CompletionRequest{Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("header wait took %v", elapsed)
	}
	if res.State != StateAborted || res.AbortReason != "read timeout" || !res.Incomplete || res.Text != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestCompleteStreamingCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, `{"msg_type":"token","content":"He"}`)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := CompletionRequest{
		Prompt:   "hi",
		Stream:   true,
		Observer: ObserverFuncs{Token: func(string) { cancel() }},
	}
	res, err := newTestClient(srv.URL).Complete(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if res == nil || res.State != StateAborted || res.Text != "He" || res.AbortReason != "canceled" {
		t.Errorf("result = %+v", res)
	}
}

func TestCompleteStreamingRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no model loaded", http.StatusConflict)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Complete(context.Background(), CompletionRequest{Prompt: "hi", Stream: true})
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	var compErr *apierrors.CompletionError
	if !errors.As(err, &compErr) || compErr.StatusCode != http.StatusConflict {
		t.Errorf("error = %v", err)
	}
}

func TestCustomResultPredicate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, `{"msg_type":"token","content":"ok"}`)
		writeFrame(w, `{"msg_type":"system","content":"finished","data":{"text":"ok!"}}`)
	}))
	defer srv.Close()

	pred := func(ev StreamEvent) bool { return ev.Kind == KindSystem && ev.Content == "finished" }
	res, err := newTestClient(srv.URL, WithResultPredicate(pred)).
		Complete(context.Background(), CompletionRequest{Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.State != StateComplete || res.Text != "ok!" {
		t.Errorf("result = %+v", res)
	}
}

func TestNoAuthorizationWithoutKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["Authorization"]; ok {
			t.Error("Authorization header sent without a key")
		}
		io.WriteString(w, `{"text":""}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", WithLogger(quietLogger))
	if _, err := client.Complete(context.Background(), CompletionRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestAbort(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/completion/abort" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).Abort(context.Background()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if !called {
		t.Error("abort endpoint not called")
	}
}

func TestModels(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{
		"array":  `["a.gguf","b.gguf"]`,
		"object": `{"models":{"b.gguf":{"ctx":2048},"a.gguf":{"ctx":4096}},"isModelLoaded":false}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/model/state" {
					t.Errorf("path = %s", r.URL.Path)
				}
				io.WriteString(w, body)
			}))
			defer srv.Close()

			names, err := newTestClient(srv.URL).Models(context.Background())
			if err != nil {
				t.Fatalf("Models: %v", err)
			}
			if strings.Join(names, ",") != "a.gguf,b.gguf" {
				t.Errorf("names = %q", names)
			}
		})
	}
}

func TestNewClientDefaults(t *testing.T) {
	t.Parallel()

	c := NewClient("", "")
	if c.baseURL != DefaultBaseURL {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	c = NewClient("http://host:5143/", "")
	if c.baseURL != "http://host:5143" {
		t.Errorf("trailing slash kept: %q", c.baseURL)
	}
}
