package goinfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/zhengjr9/goinfer-client/internal/errors"
	"github.com/zhengjr9/goinfer-client/internal/httputil"
)

// DefaultBaseURL is where a local goinfer server listens by default.
const DefaultBaseURL = "http://localhost:5143"

// maxErrorBody caps how much of an error response is kept as diagnostic.
const maxErrorBody = 4096

// Client talks to a goinfer server. It holds configuration only, so one
// Client may serve concurrent requests.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// streamClient has no overall timeout; streams are bounded by the
	// per-read timeout and the caller's context instead.
	streamClient *http.Client
	readTimeout  time.Duration
	isResult     ResultPredicate
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Streaming requests reuse its
// transport without its timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.streamClient = &http.Client{Transport: hc.Transport}
	}
}

// WithProxy routes requests through proxyURL. An unparsable URL is ignored.
func WithProxy(proxyURL string) Option {
	return func(c *Client) {
		parsed, err := url.Parse(proxyURL)
		if err != nil || proxyURL == "" {
			return
		}
		transport := &http.Transport{Proxy: http.ProxyURL(parsed)}
		c.httpClient = &http.Client{Timeout: c.httpClient.Timeout, Transport: transport}
		c.streamClient = &http.Client{Transport: transport}
	}
}

// WithRequestTimeout bounds non-streaming round trips.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithReadTimeout bounds every single read of a streaming body. A stream
// that stalls longer ends as an aborted, partial result.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = d
	}
}

// WithResultPredicate overrides how the terminal result event is
// recognized.
func WithResultPredicate(p ResultPredicate) Option {
	return func(c *Client) {
		c.isResult = p
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient constructs a Client for the server at baseURL authenticating
// with apiKey. An empty baseURL means DefaultBaseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	c := &Client{
		baseURL:      base,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 120 * time.Second, Transport: transport},
		streamClient: &http.Client{Transport: transport},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadModel asks the server to load spec. Only 204 No Content counts as
// success; the server, not this client, keeps track of what is loaded.
func (c *Client) LoadModel(ctx context.Context, spec ModelSpec) error {
	if spec.Name() == "" {
		return &apierrors.ModelLoadError{Err: errors.New("empty model spec")}
	}
	log := c.logger.With("request_id", uuid.NewString(), "model", spec.Name())

	resp, err := c.send(ctx, c.httpClient, http.MethodPost, "/model/load",
		loadRequest{Model: spec.Name(), Ctx: spec.Ctx()}, false)
	if err != nil {
		log.Warn("model load failed", "error", err)
		return &apierrors.ModelLoadError{Model: spec.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body := readSnippet(resp.Body)
		log.Warn("model load rejected", "status", resp.StatusCode)
		return &apierrors.ModelLoadError{Model: spec.Name(), StatusCode: resp.StatusCode, Body: body}
	}
	log.Debug("model loaded", "ctx", spec.Ctx())
	return nil
}

// Complete runs one completion. A non-streaming request returns the
// server's text or an error. A streaming request returns a result even
// when the stream ends early: State is then StateAborted and Incomplete
// is set. For connection failures and caller cancellation that partial
// result comes together with a non-nil error.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	log := c.logger.With("request_id", uuid.NewString(), "stream", req.Stream)
	if req.Model != nil {
		log = log.With("model", req.Model.Name())
	}
	if req.Stream {
		return c.completeStreaming(ctx, log, req)
	}
	return c.completeBlocking(ctx, log, req)
}

func (c *Client) completeBlocking(ctx context.Context, log *slog.Logger, req CompletionRequest) (*CompletionResult, error) {
	resp, err := c.send(ctx, c.httpClient, http.MethodPost, "/completion", req, false)
	if err != nil {
		return nil, &apierrors.CompletionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("completion rejected", "status", resp.StatusCode)
		return nil, &apierrors.CompletionError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierrors.CompletionError{Err: fmt.Errorf("read response: %w", err)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, &apierrors.MalformedResponseError{Reason: "body is not a JSON object", Body: snippet(raw)}
	}
	textField, ok := fields["text"]
	if !ok {
		return nil, &apierrors.MalformedResponseError{Reason: "missing text field", Body: snippet(raw)}
	}
	var text string
	if bytes.Equal(bytes.TrimSpace(textField), []byte("null")) || json.Unmarshal(textField, &text) != nil {
		return nil, &apierrors.MalformedResponseError{Reason: "text field is not a string", Body: snippet(raw)}
	}

	res := &CompletionResult{Text: text, State: StateComplete, Raw: raw}
	if statsField, ok := fields["stats"]; ok {
		var stats Stats
		if json.Unmarshal(statsField, &stats) == nil {
			res.Stats = &stats
		}
	}
	log.Debug("completion done", "chars", len(text))
	return res, nil
}

func (c *Client) completeStreaming(ctx context.Context, log *slog.Logger, req CompletionRequest) (*CompletionResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The read timeout also bounds the wait for response headers.
	var timed *readTimeoutReader
	if c.readTimeout > 0 {
		timed = newReadTimeoutReader(nil, c.readTimeout, cancel)
		defer timed.disarm()
		timed.arm()
	}

	resp, err := c.send(streamCtx, c.streamClient, http.MethodPost, "/completion", req, true)
	if timed != nil {
		timed.disarm()
	}
	if err != nil {
		if timed != nil && timed.expired.Load() && ctx.Err() == nil {
			agg := NewAggregator(c.isResult, req.Observer)
			agg.Abort("read timeout")
			log.Info("stream aborted", "reason", "read timeout", "phase", "headers")
			return agg.Result(), nil
		}
		return nil, &apierrors.CompletionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("completion rejected", "status", resp.StatusCode)
		return nil, &apierrors.CompletionError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	var body io.Reader = resp.Body
	if timed != nil {
		timed.r = resp.Body
		body = timed
	}

	agg := NewAggregator(c.isResult, req.Observer)
	var streamErr error
	for ev, err := range Events(body) {
		if err != nil {
			var frameErr *apierrors.StreamDecodeError
			if errors.As(err, &frameErr) && frameErr.Frame >= 0 {
				log.Debug("skipping malformed frame", "frame", frameErr.Frame, "error", frameErr.Err)
				agg.Skip(err)
				continue
			}
			streamErr = err
			break
		}
		if agg.Feed(ev) == StateComplete {
			break
		}
	}

	switch {
	case agg.State() == StateComplete:
		log.Debug("stream complete")
		return agg.Result(), nil
	case streamErr == nil:
		agg.Abort("stream closed before result")
	case timed != nil && timed.expired.Load():
		agg.Abort("read timeout")
	case ctx.Err() != nil:
		agg.Abort("canceled")
		log.Info("stream aborted", "reason", "canceled")
		return agg.Result(), &apierrors.CompletionError{Err: ctx.Err()}
	default:
		agg.Abort("connection error")
		log.Warn("stream aborted", "error", streamErr)
		return agg.Result(), streamErr
	}
	res := agg.Result()
	log.Info("stream aborted", "reason", res.AbortReason, "chars", len(res.Text))
	return res, nil
}

// Abort asks the server to stop the inference it is running.
func (c *Client) Abort(ctx context.Context) error {
	resp, err := c.send(ctx, c.httpClient, http.MethodGet, "/completion/abort", nil, false)
	if err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("abort: status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	return nil
}

// Models lists the model files the server can load. The server answers
// either with a JSON array of names or with {"models": {name: ...}}.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	resp, err := c.send(ctx, c.httpClient, http.MethodGet, "/model/state", nil, false)
	if err != nil {
		return nil, fmt.Errorf("model state: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model state: status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("model state: read response: %w", err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names, nil
	}
	var state struct {
		Models map[string]json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("model state: decode response: %w", err)
	}
	names = make([]string, 0, len(state.Models))
	for name := range state.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// send builds and issues one authenticated request. payload is sent as
// JSON when non-nil. The caller owns the response body.
func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, payload any, stream bool) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httputil.SetBearer(httpReq, c.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("goinfer request: %w", err)
	}
	return resp, nil
}

func readSnippet(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(raw)
}

func snippet(raw []byte) string {
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	return string(raw)
}

// readTimeoutReader cancels the request when a single Read, or the wait
// armed before the response arrives, lasts longer than timeout.
type readTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fire    func()
	expired atomic.Bool
}

func newReadTimeoutReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *readTimeoutReader {
	t := &readTimeoutReader{r: r, timeout: timeout}
	t.fire = func() {
		t.expired.Store(true)
		cancel()
	}
	return t
}

func (t *readTimeoutReader) Read(p []byte) (int, error) {
	t.arm()
	n, err := t.r.Read(p)
	t.disarm()
	return n, err
}

func (t *readTimeoutReader) arm() {
	if t.timer == nil {
		t.timer = time.AfterFunc(t.timeout, t.fire)
	} else {
		t.timer.Reset(t.timeout)
	}
}

func (t *readTimeoutReader) disarm() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
