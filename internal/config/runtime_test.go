package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"yaml", "c.yaml", "backend: reference\nmax_tokens: 32\nsampling:\n  top_k: 5\n  greedy: true\n"},
		{"toml", "c.toml", "backend = \"reference\"\nmax_tokens = 32\n[sampling]\ntop_k = 5\ngreedy = true\n"},
		{"json", "c.json", `{"backend":"reference","max_tokens":32,"sampling":{"top_k":5,"greedy":true}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.body))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Backend != "reference" || cfg.MaxTokens != 32 {
				t.Errorf("cfg = %+v", cfg)
			}
			if cfg.Sampling.TopK != 5 || !cfg.Sampling.Greedy {
				t.Errorf("sampling = %+v", cfg.Sampling)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Error("empty path should fail")
	}
	if _, err := Load(writeFile(t, "c.ini", "x=1")); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("ini err = %v", err)
	}
	if _, err := Load(writeFile(t, "c.yaml", "max_tokens: [")); err == nil {
		t.Error("bad yaml should fail")
	}
}

func TestMergeDefaults(t *testing.T) {
	cfg := Runtime{MaxTokens: 7, Sampling: Sampling{TopK: 3}}.Merge(DefaultRuntime())
	if cfg.MaxTokens != 7 || cfg.Sampling.TopK != 3 {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
	if cfg.Backend != "parallel" || cfg.ContextLength != 4096 || cfg.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("defaults missing: %+v", cfg)
	}
	if cfg.Sampling.Temperature != 0.8 {
		t.Errorf("temperature = %v", cfg.Sampling.Temperature)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CORELLM_BACKEND":       "reference",
		"CORELLM_MAX_TOKENS":    "12",
		"CORELLM_CONTEXT_SHIFT": "true",
	}
	cfg, err := Runtime{}.ApplyEnv(func(k string) string { return env[k] })
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "reference" || cfg.MaxTokens != 12 || !cfg.ContextShift {
		t.Errorf("cfg = %+v", cfg)
	}

	env["CORELLM_THREADS"] = "many"
	if _, err := (Runtime{}).ApplyEnv(func(k string) string { return env[k] }); err == nil {
		t.Error("expected parse error")
	}
}

func TestRuntimeValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Runtime)
	}{
		{"bad template", func(r *Runtime) { r.Template = "alpaca" }},
		{"zero max tokens", func(r *Runtime) { r.MaxTokens = 0 }},
		{"zero temperature", func(r *Runtime) { r.Sampling.Temperature = 0 }},
		{"top p above one", func(r *Runtime) { r.Sampling.TopP = 1.5 }},
		{"negative repetition penalty", func(r *Runtime) { r.Sampling.RepetitionPenalty = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := DefaultRuntime()
			tt.mutate(&r)
			if err := r.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResolve(t *testing.T) {
	p := writeFile(t, "c.yaml", "template: llama2\n")
	cfg, err := Resolve(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Template != "llama2" || cfg.MaxTokens != 256 {
		t.Errorf("cfg = %+v", cfg)
	}
}
