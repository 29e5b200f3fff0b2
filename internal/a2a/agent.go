package a2a

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/zhengjr9/goinfer-client/internal/goinfer"
	"github.com/zhengjr9/goinfer-client/internal/prompt"
)

// apiKeyContextKey is the context key used to propagate the caller's API key
// from the HTTP layer into the agent's Run function.
type apiKeyContextKey struct{}

// ContextWithAPIKey returns a new context carrying the given goinfer API key.
// Call this in an HTTP middleware before the request reaches the A2A handler.
func ContextWithAPIKey(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, apiKey)
}

// APIKeyFromContext retrieves the API key injected by the HTTP middleware.
// Returns ("", false) when no key was injected.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(apiKeyContextKey{}).(string)
	return v, ok && v != ""
}

// Completer is the part of goinfer.Client the agent drives.
type Completer interface {
	LoadModel(ctx context.Context, spec goinfer.ModelSpec) error
	Complete(ctx context.Context, req goinfer.CompletionRequest) (*goinfer.CompletionResult, error)
}

// AgentConfig holds the configuration for the goinfer-backed A2A agent.
type AgentConfig struct {
	// Name is the agent name exposed via A2A AgentCard.
	Name string
	// Description is exposed via A2A AgentCard.
	Description string
	// Connect returns a client authenticating with apiKey.
	Connect func(apiKey string) Completer
	// APIKey is the optional server-side goinfer API key.
	// When empty the per-request key extracted from the caller's
	// Authorization header is used instead.
	APIKey string
	// Template wraps the user's message. A zero Template sends the
	// message unchanged.
	Template prompt.Template
	// ServerTemplate is forwarded as the request's server-side template.
	ServerTemplate string
	// Model is sent with every completion; LoadModel also loads it first.
	Model     *goinfer.ModelSpec
	LoadModel bool
	Params    goinfer.SamplingParams
	Logger    *slog.Logger
}

// New returns an agent.Agent whose Run logic renders the caller's message,
// streams a completion from goinfer and converts the tokens into
// session.Events that the ADK runner understands.
func New(cfg AgentConfig) (agent.Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("a2a agent: Name must not be empty")
	}
	if cfg.Connect == nil {
		return nil, fmt.Errorf("a2a agent: Connect must not be nil")
	}
	if cfg.LoadModel && cfg.Model == nil {
		return nil, fmt.Errorf("a2a agent: LoadModel requires a Model")
	}
	if cfg.Template.Pattern != "" {
		if err := cfg.Template.Validate(); err != nil {
			return nil, fmt.Errorf("a2a agent: %w", err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		Run:         runFunc(cfg),
	})
}

// runFunc returns the Run closure that drives one agent invocation.
func runFunc(cfg AgentConfig) func(agent.InvocationContext) iter.Seq2[*session.Event, error] {
	return func(ctx agent.InvocationContext) iter.Seq2[*session.Event, error] {
		return func(yield func(*session.Event, error) bool) {
			emit := func(text string, partial bool) bool {
				ev := session.NewEvent(ctx.InvocationID())
				ev.Author = cfg.Name
				ev.Branch = ctx.Branch()
				ev.LLMResponse = model.LLMResponse{
					Content: textContent(text),
					Partial: partial,
				}
				return yield(ev, nil)
			}
			for ev, err := range run(ctx, cfg, extractQuery(ctx.UserContent())) {
				if err != nil {
					yield(nil, err)
					return
				}
				if !emit(ev.text, ev.partial) {
					return
				}
			}
		}
	}
}

// reply is one piece of agent output: a streamed token or the final text.
type reply struct {
	text    string
	partial bool
}

// run performs one completion for query. It yields a partial reply per
// token and then one final reply with the server's authoritative text.
// It stops the stream as soon as yield returns false.
func run(ctx context.Context, cfg AgentConfig, query string) iter.Seq2[reply, error] {
	return func(yield func(reply, error) bool) {
		// Resolve API key: prefer per-request key injected by the HTTP
		// middleware; fall back to the server-side configured key.
		apiKey, ok := APIKeyFromContext(ctx)
		if !ok {
			apiKey = cfg.APIKey
		}
		if apiKey == "" {
			yield(reply{}, fmt.Errorf("no goinfer API key: set --api-key or pass Authorization: Bearer <key>"))
			return
		}

		if query == "" {
			yield(reply{text: "(empty input)"}, nil)
			return
		}

		text := query
		if cfg.Template.Pattern != "" {
			rendered, err := cfg.Template.Render(query)
			if err != nil {
				yield(reply{}, err)
				return
			}
			text = rendered
		}

		client := cfg.Connect(apiKey)
		if cfg.LoadModel {
			if err := client.LoadModel(ctx, *cfg.Model); err != nil {
				yield(reply{}, err)
				return
			}
		}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		req := goinfer.CompletionRequest{
			Prompt:   text,
			Template: cfg.ServerTemplate,
			Model:    cfg.Model,
			Stream:   true,
			Params:   cfg.Params,
			Observer: goinfer.ObserverFuncs{
				Token: func(content string) {
					// Emit a partial event so streaming A2A clients see tokens as they arrive.
					if !stopped && !yield(reply{text: content, partial: true}, nil) {
						stopped = true
						cancel()
					}
				},
				System: func(ev goinfer.StreamEvent) {
					if ev.Kind == goinfer.KindError {
						cfg.Logger.Warn("goinfer stream error", "content", ev.Content)
					}
				},
			},
		}

		res, err := client.Complete(streamCtx, req)
		if stopped {
			return
		}
		if err != nil {
			yield(reply{}, fmt.Errorf("goinfer completion failed: %w", err))
			return
		}
		if res.Incomplete {
			cfg.Logger.Warn("goinfer stream ended early", "reason", res.AbortReason)
		}

		// Emit the final (non-partial) event with the complete answer so that
		// IsFinalResponse() returns true and the runner closes the invocation.
		yield(reply{text: res.Text}, nil)
	}
}

// extractQuery pulls the plain-text content from the genai.Content that ADK
// puts in the InvocationContext when the caller sends a message.
func extractQuery(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// textContent is a small helper that wraps a string into a *genai.Content.
func textContent(text string) *genai.Content {
	return &genai.Content{
		Role:  genai.RoleModel,
		Parts: []*genai.Part{{Text: text}},
	}
}
