package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	apierrors "github.com/zhengjr9/goinfer-client/internal/errors"
	"github.com/zhengjr9/goinfer-client/internal/goinfer"
)

// Config holds everything the command needs. Values come from, in order of
// precedence: command-line flags, GOINFER_* environment variables, the
// TOML file named by --config or GOINFER_CONFIG, and built-in defaults.
type Config struct {
	ServerURL string `toml:"server_url"`
	APIKey    string `toml:"api_key"`
	ProxyURL  string `toml:"proxy_url"`

	Model       string `toml:"model"`
	Ctx         int    `toml:"ctx"`
	LoadModel   bool   `toml:"load_model"`
	Template    string `toml:"template"`
	Placeholder string `toml:"placeholder"`
	// ServerTemplate is forwarded to the server, which substitutes the
	// prompt into its own "{prompt}" marker.
	ServerTemplate string   `toml:"server_template"`
	Stream         bool     `toml:"stream"`
	Sampling       Sampling `toml:"sampling"`

	TaskFile    string `toml:"task"`
	InputFile   string `toml:"input"`
	Instruction string `toml:"instruction"`

	RequestTimeout time.Duration `toml:"request_timeout"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	LogLevel       string        `toml:"log_level"`

	// A2A
	A2AEnabled bool   `toml:"a2a"`
	A2APort    int    `toml:"a2a_port"`
	AgentName  string `toml:"agent_name"`
	AgentDesc  string `toml:"agent_desc"`

	// File is the config file that was read, if any.
	File string `toml:"-"`
}

// Sampling holds default inference options. Unset options are not sent.
type Sampling struct {
	Temperature      *float64 `toml:"temperature"`
	TopP             *float64 `toml:"top_p"`
	TopK             *int     `toml:"top_k"`
	MinP             *float64 `toml:"min_p"`
	RepeatPenalty    *float64 `toml:"repeat_penalty"`
	FrequencyPenalty *float64 `toml:"frequency_penalty"`
	PresencePenalty  *float64 `toml:"presence_penalty"`
	TailFreeZ        *float64 `toml:"tfs_z"`
	NPredict         *int     `toml:"n_predict"`
	Threads          *int     `toml:"threads"`
	Stop             []string `toml:"stop"`
}

// Params converts the configured options for a completion request.
func (s Sampling) Params() goinfer.SamplingParams {
	return goinfer.SamplingParams{
		Temperature:      s.Temperature,
		TopP:             s.TopP,
		TopK:             s.TopK,
		MinP:             s.MinP,
		RepeatPenalty:    s.RepeatPenalty,
		FrequencyPenalty: s.FrequencyPenalty,
		PresencePenalty:  s.PresencePenalty,
		TailFreeZ:        s.TailFreeZ,
		NPredict:         s.NPredict,
		Threads:          s.Threads,
		Stop:             s.Stop,
	}
}

func defaults() *Config {
	return &Config{
		ServerURL:      goinfer.DefaultBaseURL,
		Ctx:            2048,
		Placeholder:    "{prompt}",
		RequestTimeout: 120 * time.Second,
		LogLevel:       "info",
		A2APort:        8000,
		AgentName:      "goinfer-agent",
		AgentDesc:      "Local goinfer inference server exposed via A2A protocol",
	}
}

// Load builds the configuration from args (without the program name) and
// the process environment. pflag.ErrHelp is returned as is.
func Load(args []string) (*Config, error) {
	return load(args, os.Getenv)
}

func load(args []string, getenv func(string) string) (*Config, error) {
	cfg := defaults()
	env := environ(getenv)

	cfg.File = configPath(args, env.str("GOINFER_CONFIG", ""))
	if cfg.File != "" {
		if _, err := toml.DecodeFile(cfg.File, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", cfg.File, err)
		}
	}

	fs := pflag.NewFlagSet("goinfer", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String("config", cfg.File, "TOML config file (env GOINFER_CONFIG)")
	fs.StringVar(&cfg.ServerURL, "server-url", env.str("GOINFER_SERVER_URL", cfg.ServerURL), "goinfer server base URL")
	fs.StringVar(&cfg.APIKey, "api-key", env.str("GOINFER_API_KEY", cfg.APIKey), "Bearer token for the goinfer server")
	fs.StringVar(&cfg.ProxyURL, "proxy-url", env.str("GOINFER_PROXY_URL", cfg.ProxyURL), "HTTP/HTTPS proxy URL for server requests")

	fs.StringVarP(&cfg.Model, "model", "m", env.str("GOINFER_MODEL", cfg.Model), "model to load and complete with")
	fs.IntVar(&cfg.Ctx, "ctx", env.integer("GOINFER_CTX", cfg.Ctx), "context window size")
	fs.BoolVar(&cfg.LoadModel, "load-model", env.boolean("GOINFER_LOAD_MODEL", cfg.LoadModel), "load the model before completing")
	fs.StringVarP(&cfg.Template, "template", "t", env.str("GOINFER_TEMPLATE", cfg.Template), "local prompt template")
	fs.StringVar(&cfg.Placeholder, "placeholder", env.str("GOINFER_PLACEHOLDER", cfg.Placeholder), "placeholder marker in the prompt template")
	fs.StringVar(&cfg.ServerTemplate, "server-template", env.str("GOINFER_SERVER_TEMPLATE", cfg.ServerTemplate), "template forwarded to the server")
	fs.BoolVarP(&cfg.Stream, "stream", "s", env.boolean("GOINFER_STREAM", cfg.Stream), "stream the completion")

	fs.StringVar(&cfg.TaskFile, "task", env.str("GOINFER_TASK", cfg.TaskFile), "YAML task file")
	fs.StringVarP(&cfg.InputFile, "input", "i", env.str("GOINFER_INPUT", cfg.InputFile), "input text file (default stdin)")
	fs.StringVar(&cfg.Instruction, "instruction", env.str("GOINFER_INSTRUCTION", cfg.Instruction), "value for the {instruction} marker")

	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", env.duration("GOINFER_REQUEST_TIMEOUT", cfg.RequestTimeout), "non-streaming round-trip timeout")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", env.duration("GOINFER_READ_TIMEOUT", cfg.ReadTimeout), "per-read timeout while streaming (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", env.str("GOINFER_LOG_LEVEL", cfg.LogLevel), "debug, info, warn or error")

	fs.BoolVar(&cfg.A2AEnabled, "a2a", env.boolean("GOINFER_A2A_ENABLED", cfg.A2AEnabled), "serve the model as an A2A agent")
	fs.IntVar(&cfg.A2APort, "a2a-port", env.integer("GOINFER_A2A_PORT", cfg.A2APort), "A2A server listen port")
	fs.StringVar(&cfg.AgentName, "agent-name", env.str("GOINFER_AGENT_NAME", cfg.AgentName), "A2A AgentCard name")
	fs.StringVar(&cfg.AgentDesc, "agent-desc", env.str("GOINFER_AGENT_DESC", cfg.AgentDesc), "A2A AgentCard description")

	s := &cfg.Sampling
	sampling := []struct {
		name, env string
		value     pflag.Value
		usage     string
	}{
		{"temperature", "GOINFER_TEMPERATURE", optFloat{&s.Temperature}, "sampling temperature"},
		{"top-p", "GOINFER_TOP_P", optFloat{&s.TopP}, "nucleus sampling threshold"},
		{"top-k", "GOINFER_TOP_K", optInt{&s.TopK}, "top-k sampling"},
		{"min-p", "GOINFER_MIN_P", optFloat{&s.MinP}, "min-p sampling"},
		{"repeat-penalty", "GOINFER_REPEAT_PENALTY", optFloat{&s.RepeatPenalty}, "repetition penalty"},
		{"frequency-penalty", "GOINFER_FREQUENCY_PENALTY", optFloat{&s.FrequencyPenalty}, "frequency penalty"},
		{"presence-penalty", "GOINFER_PRESENCE_PENALTY", optFloat{&s.PresencePenalty}, "presence penalty"},
		{"tfs-z", "GOINFER_TFS_Z", optFloat{&s.TailFreeZ}, "tail free sampling"},
		{"n-predict", "GOINFER_N_PREDICT", optInt{&s.NPredict}, "maximum tokens to predict"},
		{"threads", "GOINFER_THREADS", optInt{&s.Threads}, "inference threads"},
	}
	for _, opt := range sampling {
		if v := getenv(opt.env); v != "" {
			if err := opt.value.Set(v); err != nil {
				return nil, fmt.Errorf("%s: %w", opt.env, err)
			}
		}
		fs.Var(opt.value, opt.name, opt.usage)
	}
	if v := getenv("GOINFER_STOP"); v != "" {
		s.Stop = strings.Split(v, ",")
	}
	fs.StringSliceVar(&s.Stop, "stop", s.Stop, "stop sequences")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 && cfg.InputFile == "" {
		cfg.InputFile = rest[0]
	}
	return cfg, nil
}

// Validate reports configuration that cannot work. In A2A mode the API
// key may come from each caller instead.
func (c *Config) Validate() error {
	if c.APIKey == "" && !c.A2AEnabled {
		return apierrors.ErrMissingAPIKey
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server URL %q", c.ServerURL)
	}
	if c.Model != "" && c.Ctx <= 0 {
		return fmt.Errorf("ctx must be positive, got %d", c.Ctx)
	}
	if c.LoadModel && c.Model == "" && c.TaskFile == "" {
		return fmt.Errorf("load-model requires a model")
	}
	if c.A2AEnabled && (c.A2APort <= 0 || c.A2APort > 65535) {
		return fmt.Errorf("invalid A2A port %d", c.A2APort)
	}
	if c.ReadTimeout < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// SlogLevel parses LogLevel, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// configPath finds --config in args before the full flag set is parsed,
// so the file can sit below env and flags in precedence.
func configPath(args []string, fallback string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return fallback
}

type environ func(string) string

func (e environ) str(key, fallback string) string {
	if v := e(key); v != "" {
		return v
	}
	return fallback
}

func (e environ) boolean(key string, fallback bool) bool {
	switch strings.ToLower(e(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func (e environ) integer(key string, fallback int) int {
	v := e(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (e environ) duration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(e(key))
	if err != nil {
		return fallback
	}
	return d
}

// optFloat and optInt are flag values that stay nil until set.
type optFloat struct{ p **float64 }

func (o optFloat) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*o.p = &v
	return nil
}

func (o optFloat) String() string {
	if o.p == nil || *o.p == nil {
		return ""
	}
	return strconv.FormatFloat(**o.p, 'g', -1, 64)
}

func (o optFloat) Type() string { return "float" }

type optInt struct{ p **int }

func (o optInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*o.p = &v
	return nil
}

func (o optInt) String() string {
	if o.p == nil || *o.p == nil {
		return ""
	}
	return strconv.Itoa(**o.p)
}

func (o optInt) Type() string { return "int" }
