package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/volcengine/veadk-go/apps"
	"github.com/volcengine/veadk-go/apps/a2a_app"
	"google.golang.org/adk/agent"

	"github.com/zhengjr9/goinfer-client/internal/a2a"
	"github.com/zhengjr9/goinfer-client/internal/config"
	"github.com/zhengjr9/goinfer-client/internal/goinfer"
	"github.com/zhengjr9/goinfer-client/internal/httputil"
	"github.com/zhengjr9/goinfer-client/internal/prompt"
)

// serveA2A exposes the configured model as an A2A agent until ctx is done.
func serveA2A(ctx context.Context, cfg *config.Config, opts []goinfer.Option) error {
	var spec *goinfer.ModelSpec
	if cfg.Model != "" {
		s, err := goinfer.NewModelSpec(cfg.Model, cfg.Ctx)
		if err != nil {
			return err
		}
		spec = &s
	}

	var tmpl prompt.Template
	if cfg.Template != "" {
		tmpl = prompt.Template{Pattern: cfg.Template, Placeholder: cfg.Placeholder}
	}

	goinferAgent, err := a2a.New(a2a.AgentConfig{
		Name:        cfg.AgentName,
		Description: cfg.AgentDesc,
		Connect: func(apiKey string) a2a.Completer {
			return goinfer.NewClient(cfg.ServerURL, apiKey, opts...)
		},
		APIKey:         cfg.APIKey, // optional: fallback when caller omits Authorization
		Template:       tmpl,
		ServerTemplate: cfg.ServerTemplate,
		Model:          spec,
		LoadModel:      cfg.LoadModel,
		Params:         cfg.Sampling.Params(),
		Logger:         slog.Default(),
	})
	if err != nil {
		return err
	}

	slog.Info("starting A2A server", "port", cfg.A2APort, "agent_name", cfg.AgentName, "server_url", cfg.ServerURL)

	// Wrap the standard A2A app to inject an HTTP middleware that extracts
	// the caller's Bearer token and stores it in the request context before
	// the JSON-RPC handler sees the request.
	inner := a2a_app.NewAgentkitA2AServerApp(
		apps.DefaultApiConfig().SetPort(cfg.A2APort),
	)
	wrapped := &authMiddlewareApp{BasicApp: inner}

	return wrapped.Run(ctx, &apps.RunConfig{
		AgentLoader: agent.NewSingleLoader(goinferAgent),
	})
}

// authMiddlewareApp wraps a BasicApp and installs an HTTP middleware on the
// Gorilla mux router that extracts "Authorization: Bearer <token>" from every
// incoming request and injects the token into the request context via
// a2a.ContextWithAPIKey.
type authMiddlewareApp struct {
	apps.BasicApp
}

// Run overrides the embedded Run so that apps.Run receives `w` as the app
// argument. Without this, apps.Run would invoke SetupRouters on the inner
// app and the middleware would never be registered.
func (w *authMiddlewareApp) Run(ctx context.Context, config *apps.RunConfig) error {
	return apps.Run(ctx, config, w)
}

func (w *authMiddlewareApp) SetupRouters(router *mux.Router, config *apps.RunConfig) error {
	if err := w.BasicApp.SetupRouters(router, config); err != nil {
		return err
	}
	// Add the middlewares after all routes are registered.
	router.Use(httputil.Recover, httputil.Logging, bearerTokenMiddleware)
	return nil
}

// bearerTokenMiddleware is a Gorilla mux middleware that reads
// "Authorization: Bearer <token>" and stores the token in the request context.
func bearerTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := httputil.BearerToken(r); token != "" {
			r = r.WithContext(a2a.ContextWithAPIKey(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}
