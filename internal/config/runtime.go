package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const DefaultSystemPrompt = "You are a helpful CoreLLM assistant."

// Sampling holds default sampling parameters applied when a request leaves
// them unset.
type Sampling struct {
	Greedy            bool    `json:"greedy" yaml:"greedy" toml:"greedy"`
	Temperature       float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK              int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP              float32 `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepetitionPenalty float32 `json:"repetition_penalty" yaml:"repetition_penalty" toml:"repetition_penalty"`
	PenaltyWindow     int     `json:"penalty_window" yaml:"penalty_window" toml:"penalty_window"`
	Seed              int64   `json:"seed" yaml:"seed" toml:"seed"`
}

// Runtime holds process-level settings. Zero values mean "unspecified" and
// are replaced by Default() values in Merge.
type Runtime struct {
	LogLevel        string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat       string   `json:"log_format" yaml:"log_format" toml:"log_format"`
	Backend         string   `json:"backend" yaml:"backend" toml:"backend"`
	Threads         int      `json:"threads" yaml:"threads" toml:"threads"`
	ContextLength   int      `json:"context_length" yaml:"context_length" toml:"context_length"`
	MaxTokens       int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	ContextShift    bool     `json:"context_shift" yaml:"context_shift" toml:"context_shift"`
	EventBuffer     int      `json:"event_buffer" yaml:"event_buffer" toml:"event_buffer"`
	SystemPrompt    string   `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	Template        string   `json:"template" yaml:"template" toml:"template"`
	Stop            []string `json:"stop" yaml:"stop" toml:"stop"`
	MetricsAddr     string   `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
	TraceFile       string   `json:"trace_file" yaml:"trace_file" toml:"trace_file"`
	TraceFlightAddr string   `json:"trace_flight_addr" yaml:"trace_flight_addr" toml:"trace_flight_addr"`
	Sampling        Sampling `json:"sampling" yaml:"sampling" toml:"sampling"`
}

// DefaultRuntime returns the built-in settings.
func DefaultRuntime() Runtime {
	return Runtime{
		LogLevel:      "info",
		LogFormat:     "console",
		Backend:       "parallel",
		ContextLength: 4096,
		MaxTokens:     256,
		EventBuffer:   16,
		SystemPrompt:  DefaultSystemPrompt,
		Template:      "chatml",
		Sampling: Sampling{
			Temperature:       0.8,
			TopK:              40,
			TopP:              0.95,
			RepetitionPenalty: 1.1,
			PenaltyWindow:     64,
		},
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Runtime, error) {
	var cfg Runtime
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Merge fills every unspecified field of r from def.
func (r Runtime) Merge(def Runtime) Runtime {
	if r.LogLevel == "" {
		r.LogLevel = def.LogLevel
	}
	if r.LogFormat == "" {
		r.LogFormat = def.LogFormat
	}
	if r.Backend == "" {
		r.Backend = def.Backend
	}
	if r.Threads == 0 {
		r.Threads = def.Threads
	}
	if r.ContextLength == 0 {
		r.ContextLength = def.ContextLength
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = def.MaxTokens
	}
	if r.EventBuffer == 0 {
		r.EventBuffer = def.EventBuffer
	}
	if r.SystemPrompt == "" {
		r.SystemPrompt = def.SystemPrompt
	}
	if r.Template == "" {
		r.Template = def.Template
	}
	if r.Stop == nil {
		r.Stop = def.Stop
	}
	if r.MetricsAddr == "" {
		r.MetricsAddr = def.MetricsAddr
	}
	if r.TraceFile == "" {
		r.TraceFile = def.TraceFile
	}
	if r.TraceFlightAddr == "" {
		r.TraceFlightAddr = def.TraceFlightAddr
	}
	s, d := &r.Sampling, def.Sampling
	if s.Temperature == 0 {
		s.Temperature = d.Temperature
	}
	if s.TopK == 0 {
		s.TopK = d.TopK
	}
	if s.TopP == 0 {
		s.TopP = d.TopP
	}
	if s.RepetitionPenalty == 0 {
		s.RepetitionPenalty = d.RepetitionPenalty
	}
	if s.PenaltyWindow == 0 {
		s.PenaltyWindow = d.PenaltyWindow
	}
	if s.Seed == 0 {
		s.Seed = d.Seed
	}
	s.Greedy = s.Greedy || d.Greedy
	return r
}

// ApplyEnv overrides fields from CORELLM_* environment variables.
func (r Runtime) ApplyEnv(getenv func(string) string) (Runtime, error) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	str("CORELLM_LOG_LEVEL", &r.LogLevel)
	str("CORELLM_LOG_FORMAT", &r.LogFormat)
	str("CORELLM_BACKEND", &r.Backend)
	str("CORELLM_SYSTEM_PROMPT", &r.SystemPrompt)
	str("CORELLM_TEMPLATE", &r.Template)
	str("CORELLM_METRICS_ADDR", &r.MetricsAddr)
	str("CORELLM_TRACE_FILE", &r.TraceFile)
	str("CORELLM_TRACE_FLIGHT_ADDR", &r.TraceFlightAddr)
	for key, dst := range map[string]*int{
		"CORELLM_THREADS":        &r.Threads,
		"CORELLM_CONTEXT_LENGTH": &r.ContextLength,
		"CORELLM_MAX_TOKENS":     &r.MaxTokens,
	} {
		if err := num(key, dst); err != nil {
			return r, err
		}
	}
	if v := getenv("CORELLM_CONTEXT_SHIFT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return r, fmt.Errorf("CORELLM_CONTEXT_SHIFT: %w", err)
		}
		r.ContextShift = b
	}
	return r, nil
}

func (r *Runtime) Validate() error {
	if r.ContextLength < 0 {
		return fmt.Errorf("invalid context_length: %d (must be non-negative)", r.ContextLength)
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("invalid max_tokens: %d (must be positive)", r.MaxTokens)
	}
	if r.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", r.Threads)
	}
	if r.EventBuffer < 0 {
		return fmt.Errorf("invalid event_buffer: %d (must be non-negative)", r.EventBuffer)
	}
	switch strings.ToLower(r.Template) {
	case "chatml", "llama2", "plain":
	default:
		return fmt.Errorf("invalid template: %q (want chatml, llama2 or plain)", r.Template)
	}
	if !r.Sampling.Greedy && r.Sampling.Temperature <= 0 {
		return fmt.Errorf("invalid sampling.temperature: %f (must be positive unless greedy)", r.Sampling.Temperature)
	}
	if r.Sampling.TopP < 0 || r.Sampling.TopP > 1 {
		return fmt.Errorf("invalid sampling.top_p: %f (must be in [0,1])", r.Sampling.TopP)
	}
	if r.Sampling.RepetitionPenalty <= 0 {
		return fmt.Errorf("invalid sampling.repetition_penalty: %f (must be positive)", r.Sampling.RepetitionPenalty)
	}
	return nil
}

// Resolve loads path (when non-empty), applies environment overrides, fills
// defaults and validates.
func Resolve(path string) (Runtime, error) {
	var cfg Runtime
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	cfg, err := cfg.ApplyEnv(os.Getenv)
	if err != nil {
		return cfg, err
	}
	cfg = cfg.Merge(DefaultRuntime())
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
