package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	apierrors "github.com/zhengjr9/goinfer-client/internal/errors"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goinfer.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := load(nil, envFrom(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "http://localhost:5143" || cfg.Ctx != 2048 || cfg.Placeholder != "{prompt}" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.RequestTimeout != 120*time.Second || cfg.ReadTimeout != 0 {
		t.Errorf("timeouts = %v / %v", cfg.RequestTimeout, cfg.ReadTimeout)
	}
	if cfg.Sampling.Temperature != nil || cfg.Sampling.TopK != nil {
		t.Error("sampling options set without configuration")
	}
}

func TestPrecedence(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
server_url = "http://file:5143"
api_key = "file-key"
model = "file.gguf"
ctx = 1024
read_timeout = "3s"

[sampling]
temperature = 0.5
top_k = 20
stop = ["</s>"]
`)
	env := envFrom(map[string]string{
		"GOINFER_CONFIG":  path,
		"GOINFER_API_KEY": "env-key",
		"GOINFER_MODEL":   "env.gguf",
		"GOINFER_TOP_K":   "30",
	})
	cfg, err := load([]string{"--model", "flag.gguf", "--temperature=0.9"}, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.File != path {
		t.Errorf("File = %q", cfg.File)
	}
	if cfg.ServerURL != "http://file:5143" || cfg.Ctx != 1024 || cfg.ReadTimeout != 3*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("APIKey = %q, env should beat file", cfg.APIKey)
	}
	if cfg.Model != "flag.gguf" {
		t.Errorf("Model = %q, flag should beat env", cfg.Model)
	}
	if cfg.Sampling.Temperature == nil || *cfg.Sampling.Temperature != 0.9 {
		t.Errorf("Temperature = %v", cfg.Sampling.Temperature)
	}
	if cfg.Sampling.TopK == nil || *cfg.Sampling.TopK != 30 {
		t.Errorf("TopK = %v", cfg.Sampling.TopK)
	}
	if len(cfg.Sampling.Stop) != 1 || cfg.Sampling.Stop[0] != "</s>" {
		t.Errorf("Stop = %q", cfg.Sampling.Stop)
	}
}

func TestConfigFlagBeatsEnv(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `model = "from-flag-file"`)
	env := envFrom(map[string]string{"GOINFER_CONFIG": "/nonexistent.toml"})
	cfg, err := load([]string{"--config", path}, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model != "from-flag-file" {
		t.Errorf("Model = %q", cfg.Model)
	}
}

func TestBadConfigFile(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `ctx = "not a number"`)
	if _, err := load([]string{"--config=" + path}, envFrom(nil)); err == nil {
		t.Error("bad config file accepted")
	}
}

func TestBadSamplingEnv(t *testing.T) {
	t.Parallel()

	_, err := load(nil, envFrom(map[string]string{"GOINFER_TEMPERATURE": "hot"}))
	if err == nil {
		t.Error("invalid GOINFER_TEMPERATURE accepted")
	}
}

func TestHelp(t *testing.T) {
	t.Parallel()

	_, err := load([]string{"--help"}, envFrom(nil))
	if !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("err = %v, want pflag.ErrHelp", err)
	}
}

func TestPositionalInput(t *testing.T) {
	t.Parallel()

	cfg, err := load([]string{"-s", "article.txt"}, envFrom(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InputFile != "article.txt" || !cfg.Stream {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		c := defaults()
		c.APIKey = "k"
		return c
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad url", func(c *Config) { c.ServerURL = "localhost:5143" }},
		{"bad ctx", func(c *Config) { c.Model = "m"; c.Ctx = 0 }},
		{"load without model", func(c *Config) { c.LoadModel = true }},
		{"bad a2a port", func(c *Config) { c.A2AEnabled = true; c.A2APort = 70000 }},
		{"negative timeout", func(c *Config) { c.ReadTimeout = -time.Second }},
	}
	for _, tt := range tests {
		c := valid()
		tt.mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: accepted", tt.name)
		}
	}

	c := valid()
	c.APIKey = ""
	if err := c.Validate(); !errors.Is(err, apierrors.ErrMissingAPIKey) {
		t.Errorf("missing key: err = %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		c := &Config{LogLevel: in}
		if got := c.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSamplingParams(t *testing.T) {
	t.Parallel()

	temp, k := 0.3, 12
	p := Sampling{Temperature: &temp, TopK: &k, Stop: []string{"\n"}}.Params()
	if p.Temperature == nil || *p.Temperature != 0.3 || p.TopK == nil || *p.TopK != 12 {
		t.Errorf("params = %+v", p)
	}
	if p.TopP != nil || len(p.Stop) != 1 {
		t.Errorf("params = %+v", p)
	}
}

func TestValidateA2AWithoutKey(t *testing.T) {
	t.Parallel()

	c := defaults()
	c.A2AEnabled = true
	if err := c.Validate(); err != nil {
		t.Errorf("A2A without server key rejected: %v", err)
	}
}
