package goinfer

import (
	"encoding/json"
	"fmt"
)

// ModelSpec identifies the model the server must have loaded and the
// context window to load it with. It is immutable once built.
type ModelSpec struct {
	name string
	ctx  int
}

// NewModelSpec validates and builds a ModelSpec.
func NewModelSpec(name string, ctx int) (ModelSpec, error) {
	if name == "" {
		return ModelSpec{}, fmt.Errorf("model spec: name must not be empty")
	}
	if ctx <= 0 {
		return ModelSpec{}, fmt.Errorf("model spec: ctx must be positive, got %d", ctx)
	}
	return ModelSpec{name: name, ctx: ctx}, nil
}

func (m ModelSpec) Name() string { return m.name }
func (m ModelSpec) Ctx() int     { return m.ctx }

// MarshalJSON encodes the nested form used inside completion requests.
func (m ModelSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name string `json:"name"`
		Ctx  int    `json:"ctx"`
	}{m.name, m.ctx})
}

// loadRequest is sent to POST /model/load.
type loadRequest struct {
	Model string `json:"model"`
	Ctx   int    `json:"ctx"`
}

// SamplingParams is the open set of inference options. Only fields that
// are set are sent; ranges are the server's business. Extra carries
// options this client has no field for.
type SamplingParams struct {
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MinP             *float64
	RepeatPenalty    *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	TailFreeZ        *float64
	NPredict         *int
	Threads          *int
	Stop             []string
	Extra            map[string]any
}

// Float and Int return pointers for SamplingParams literals.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }

// fields flattens the params into wire keys. Typed fields override Extra.
func (p SamplingParams) fields() map[string]any {
	out := make(map[string]any, len(p.Extra)+11)
	for k, v := range p.Extra {
		out[k] = v
	}
	setFloat := func(key string, v *float64) {
		if v != nil {
			out[key] = *v
		}
	}
	setInt := func(key string, v *int) {
		if v != nil {
			out[key] = *v
		}
	}
	setFloat("temperature", p.Temperature)
	setFloat("top_p", p.TopP)
	setInt("top_k", p.TopK)
	setFloat("min_p", p.MinP)
	setFloat("repeat_penalty", p.RepeatPenalty)
	setFloat("frequency_penalty", p.FrequencyPenalty)
	setFloat("presence_penalty", p.PresencePenalty)
	setFloat("tfs_z", p.TailFreeZ)
	setInt("n_predict", p.NPredict)
	setInt("threads", p.Threads)
	if len(p.Stop) > 0 {
		out["stop"] = p.Stop
	}
	return out
}

// Observer receives stream notifications as they are aggregated. All
// callbacks run on the goroutine that called Complete.
type Observer interface {
	OnToken(content string)
	OnSystem(ev StreamEvent)
	OnDecodeError(err error)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	Token       func(content string)
	System      func(ev StreamEvent)
	DecodeError func(err error)
}

func (o ObserverFuncs) OnToken(content string) {
	if o.Token != nil {
		o.Token(content)
	}
}

func (o ObserverFuncs) OnSystem(ev StreamEvent) {
	if o.System != nil {
		o.System(ev)
	}
}

func (o ObserverFuncs) OnDecodeError(err error) {
	if o.DecodeError != nil {
		o.DecodeError(err)
	}
}

// CompletionRequest is one call to POST /completion.
type CompletionRequest struct {
	Prompt string
	// Template is the server-side template; the server substitutes Prompt
	// into its "{prompt}" marker. Empty means the server default.
	Template string
	// Model is omitted from the request when nil.
	Model  *ModelSpec
	Stream bool
	Params SamplingParams
	// Observer is only consulted for streaming requests.
	Observer Observer
}

// MarshalJSON produces the flat wire body: prompt, template, model,
// stream and every set sampling option at the top level.
func (r CompletionRequest) MarshalJSON() ([]byte, error) {
	body := r.Params.fields()
	body["prompt"] = r.Prompt
	body["stream"] = r.Stream
	if r.Template != "" {
		body["template"] = r.Template
	}
	if r.Model != nil {
		body["model"] = *r.Model
	}
	return json.Marshal(body)
}

// EventKind discriminates stream messages (the "msg_type" field).
type EventKind string

const (
	KindToken  EventKind = "token"
	KindSystem EventKind = "system"
	KindError  EventKind = "error"
)

// StreamEvent is one decoded stream message.
type StreamEvent struct {
	Kind EventKind
	// Content is the text fragment for tokens and the status word
	// ("start_emitting", "result", ...) for system messages. It is empty
	// when the server sent structured content.
	Content string
	Num     int
	// Payload holds structured content, or the "data" object when content
	// was a string.
	Payload json.RawMessage
}

// Stats are the server's inference statistics.
type Stats struct {
	ThinkingTime       float64 `json:"thinkingTime"`
	ThinkingTimeFormat string  `json:"thinkingTimeFormat"`
	EmitTime           float64 `json:"emitTime"`
	EmitTimeFormat     string  `json:"emitTimeFormat"`
	TotalTime          float64 `json:"totalTime"`
	TotalTimeFormat    string  `json:"totalTimeFormat"`
	TokensPerSecond    float64 `json:"tokensPerSecond"`
	TotalTokens        int     `json:"totalTokens"`
}

// ResultPayload is the authoritative final result carried by the terminal
// system event, and the shape of the non-streaming response.
type ResultPayload struct {
	Text  string          `json:"text"`
	Stats *Stats          `json:"stats,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

// State is the aggregation state of a completion.
type State string

const (
	StateAccumulating State = "accumulating"
	StateComplete     State = "complete"
	StateAborted      State = "aborted"
)

// CompletionResult is returned once per request and owned by the caller.
type CompletionResult struct {
	// Text is the final completion: the result payload's text when the
	// stream completed, otherwise whatever tokens were accumulated.
	Text string `json:"text"`
	// Tokens is the live token buffer, in arrival order.
	Tokens      string          `json:"tokens,omitempty"`
	State       State           `json:"state"`
	Incomplete  bool            `json:"incomplete"`
	AbortReason string          `json:"abort_reason,omitempty"`
	Stats       *Stats          `json:"stats,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}
