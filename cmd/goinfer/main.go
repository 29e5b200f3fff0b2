package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zhengjr9/goinfer-client/internal/config"
	"github.com/zhengjr9/goinfer-client/internal/goinfer"
	"github.com/zhengjr9/goinfer-client/internal/prompt"
	"github.com/zhengjr9/goinfer-client/internal/task"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	slog.Debug("starting goinfer client",
		"server_url", cfg.ServerURL,
		"config_file", cfg.File,
		"a2a_enabled", cfg.A2AEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []goinfer.Option{
		goinfer.WithRequestTimeout(cfg.RequestTimeout),
		goinfer.WithReadTimeout(cfg.ReadTimeout),
		goinfer.WithLogger(slog.Default()),
	}
	if cfg.ProxyURL != "" {
		opts = append(opts, goinfer.WithProxy(cfg.ProxyURL))
	}

	if cfg.A2AEnabled {
		if err := serveA2A(ctx, cfg, opts); err != nil {
			slog.Error("A2A server error", "error", err)
			os.Exit(1)
		}
		slog.Info("server stopped")
		return
	}

	if err := runOnce(ctx, cfg, goinfer.NewClient(cfg.ServerURL, cfg.APIKey, opts...), os.Stdin, os.Stdout, os.Stderr); err != nil {
		slog.Error("completion failed", "error", err)
		os.Exit(1)
	}
}

// runOnce reads the input text, runs one completion and writes the result
// as JSON to out. Streamed tokens are echoed to live as they arrive.
func runOnce(ctx context.Context, cfg *config.Config, client *goinfer.Client, stdin io.Reader, out, live io.Writer) error {
	input, err := readInput(cfg.InputFile, stdin)
	if err != nil {
		return err
	}

	req, err := buildRequest(cfg, input)
	if err != nil {
		return err
	}

	if cfg.LoadModel && req.Model != nil {
		if err := client.LoadModel(ctx, *req.Model); err != nil {
			return err
		}
	}

	if req.Stream && live != nil {
		req.Observer = goinfer.ObserverFuncs{
			Token: func(content string) { fmt.Fprint(live, content) },
			System: func(ev goinfer.StreamEvent) {
				if ev.Kind == goinfer.KindError {
					slog.Warn("server reported an error", "content", ev.Content)
				}
			},
		}
	}

	res, err := client.Complete(ctx, req)
	if req.Stream && live != nil {
		fmt.Fprintln(live)
	}
	if ctx.Err() != nil {
		// Interrupted: ask the server to stop the inference it is still running.
		abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if abortErr := client.Abort(abortCtx); abortErr != nil {
			slog.Warn("abort failed", "error", abortErr)
		}
		cancel()
	}
	if res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
	}
	return err
}

// buildRequest renders input through the task file when one is configured,
// otherwise through the local template flags.
func buildRequest(cfg *config.Config, input string) (goinfer.CompletionRequest, error) {
	if cfg.TaskFile != "" {
		tk, err := task.Read(cfg.TaskFile)
		if err != nil {
			return goinfer.CompletionRequest{}, err
		}
		req, err := tk.Request(input, cfg.Instruction)
		if err != nil {
			return goinfer.CompletionRequest{}, err
		}
		req.Stream = req.Stream || cfg.Stream
		req.Template = cfg.ServerTemplate
		return req, nil
	}

	text := input
	if cfg.Template != "" {
		instruction := ""
		if cfg.Instruction != "" {
			instruction = "\n\n" + cfg.Instruction
		}
		tmpl := prompt.Template{Pattern: cfg.Template, Placeholder: cfg.Placeholder}
		rendered, err := tmpl.RenderVars(input, map[string]string{task.InstructionMarker: instruction})
		if err != nil {
			return goinfer.CompletionRequest{}, err
		}
		text = rendered
	}

	req := goinfer.CompletionRequest{
		Prompt:   text,
		Template: cfg.ServerTemplate,
		Stream:   cfg.Stream,
		Params:   cfg.Sampling.Params(),
	}
	if cfg.Model != "" {
		spec, err := goinfer.NewModelSpec(cfg.Model, cfg.Ctx)
		if err != nil {
			return goinfer.CompletionRequest{}, err
		}
		req.Model = &spec
	}
	return req, nil
}

func readInput(path string, stdin io.Reader) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}
