package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	apierrors "github.com/zhengjr9/goinfer-client/internal/errors"
	"github.com/zhengjr9/goinfer-client/internal/httputil"
)

// StreamMode selects how the mock ends a streamed completion.
type StreamMode int

const (
	// StreamComplete sends every token, the result frame and [DONE].
	StreamComplete StreamMode = iota
	// StreamDropResult closes the connection after the tokens.
	StreamDropResult
	// StreamStall sends the first token then blocks until the client leaves.
	StreamStall
)

// MockGoinfer is an httptest.Server that simulates the goinfer inference
// server: model loading, blocking and streamed completions, abort and
// model state.
type MockGoinfer struct {
	Server *httptest.Server

	// APIKey is the Bearer token the mock requires.
	APIKey string
	// Answer is returned as the completion; streams send it word by word.
	Answer string
	// Models are the model files the mock can load.
	Models map[string]int
	// Mode controls how streams end.
	Mode StreamMode
	// MalformedFrame injects an undecodable frame after the first token.
	MalformedFrame bool

	mu          sync.Mutex
	lastRequest map[string]any
	prompts     []string
	loaded      string
	loadCalls   int
	aborts      int
}

// NewMockGoinfer creates and starts a mock goinfer server.
func NewMockGoinfer(apiKey, answer string, models ...string) *MockGoinfer {
	m := &MockGoinfer{
		APIKey: apiKey,
		Answer: answer,
		Models: map[string]int{},
	}
	for _, name := range models {
		m.Models[name] = 2048
	}

	r := mux.NewRouter()
	r.Use(m.auth)
	r.HandleFunc("/model/load", m.handleLoad).Methods(http.MethodPost)
	r.HandleFunc("/model/state", m.handleState).Methods(http.MethodGet)
	r.HandleFunc("/completion", m.handleCompletion).Methods(http.MethodPost)
	r.HandleFunc("/completion/abort", m.handleAbort).Methods(http.MethodGet)

	m.Server = httptest.NewServer(r)
	return m
}

// Close shuts down the mock server.
func (m *MockGoinfer) Close() {
	m.Server.Close()
}

// URL returns the base URL of the mock server.
func (m *MockGoinfer) URL() string {
	return m.Server.URL
}

// LastRequest returns the most recent completion request body.
func (m *MockGoinfer) LastRequest() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// Prompts returns every completion prompt received, oldest first.
func (m *MockGoinfer) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Loaded returns the currently loaded model and how many load calls were
// made.
func (m *MockGoinfer) Loaded() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded, m.loadCalls
}

// Aborts returns how many abort requests were received.
func (m *MockGoinfer) Aborts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborts
}

func (m *MockGoinfer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.APIKey != "" && httputil.BearerToken(r) != m.APIKey {
			apierrors.WriteJSONError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MockGoinfer) handleLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
		Ctx   int    `json:"ctx"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.WriteJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	if _, ok := m.Models[body.Model]; !ok {
		apierrors.WriteJSONError(w, http.StatusInternalServerError, "model file not found: "+body.Model)
		return
	}
	m.Models[body.Model] = body.Ctx
	m.loaded = body.Model
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockGoinfer) handleState(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	models := make(map[string]any, len(m.Models))
	for name, ctx := range m.Models {
		models[name] = map[string]any{"ctx": ctx}
	}
	state := map[string]any{
		"models":        models,
		"isModelLoaded": m.loaded != "",
		"loadedModel":   m.loaded,
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(state)
}

func (m *MockGoinfer) handleAbort(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.aborts++
	m.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockGoinfer) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.WriteJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prompt, ok := body["prompt"].(string)
	m.mu.Lock()
	m.lastRequest = body
	if ok {
		m.prompts = append(m.prompts, prompt)
	}
	m.mu.Unlock()

	if !ok {
		apierrors.WriteJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if stream, _ := body["stream"].(bool); stream {
		m.writeStreaming(w, r)
		return
	}
	m.writeBlocking(w)
}

func (m *MockGoinfer) result() map[string]any {
	words := strings.Fields(m.Answer)
	return map[string]any{
		"text": m.Answer,
		"stats": map[string]any{
			"thinkingTime":       0.1,
			"thinkingTimeFormat": "0.1s",
			"emitTime":           0.2,
			"emitTimeFormat":     "0.2s",
			"totalTime":          0.3,
			"totalTimeFormat":    "0.3s",
			"tokensPerSecond":    float64(len(words)) / 0.2,
			"totalTokens":        len(words),
		},
	}
}

func (m *MockGoinfer) writeBlocking(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.result())
}

func (m *MockGoinfer) writeStreaming(w http.ResponseWriter, r *http.Request) {
	httputil.SetSSEHeaders(w)
	flusher, hasFlusher := w.(http.Flusher)
	send := func(data string) {
		fmt.Fprintf(w, "data: %s\n\n", data)
		if hasFlusher {
			flusher.Flush()
		}
	}
	sendMsg := func(msg map[string]any) {
		data, _ := json.Marshal(msg)
		send(string(data))
	}

	sendMsg(map[string]any{"msg_type": "system", "content": "start_emitting", "num": 0,
		"data": map[string]any{"thinking_time": 0.1, "thinking_time_format": "0.1s"}})
	fmt.Fprint(w, ": keep-alive\n\n")

	// Split the answer into words for a realistic stream
	for i, word := range strings.Fields(m.Answer) {
		if i > 0 {
			word = " " + word
		}
		sendMsg(map[string]any{"msg_type": "token", "content": word, "num": i + 1})
		if i == 0 && m.MalformedFrame {
			send(`{"msg_type":"token","content":`)
		}
		if i == 0 && m.Mode == StreamStall {
			<-r.Context().Done()
			return
		}
	}
	if m.Mode == StreamDropResult {
		return
	}

	sendMsg(map[string]any{"msg_type": "system", "content": "result", "num": len(strings.Fields(m.Answer)) + 1,
		"data": m.result()})
	send("[DONE]")
}

// ModelNames returns the mock's model names in order.
func (m *MockGoinfer) ModelNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.Models))
	for name := range m.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
