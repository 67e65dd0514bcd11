package config

import (
	"fmt"
	"strings"

	"github.com/23skdu/corellm/internal/gguf"
)

// Config holds the hyperparameters of a loaded model.
type Config struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32
	RopeTheta    float32
	WindowSize   int
}

// FromMetadata reads hyperparameters from GGUF metadata, filling optional
// keys with llama defaults.
func FromMetadata(md gguf.Metadata) Config {
	def := Default()
	c := Config{
		Architecture: md.Architecture(),
		Dim:          int(md.IntOr(md.Key("embedding_length"), 0)),
		HiddenDim:    int(md.IntOr(md.Key("feed_forward_length"), 0)),
		Layers:       int(md.IntOr(md.Key("block_count"), 0)),
		Heads:        int(md.IntOr(md.Key("attention.head_count"), 0)),
		SeqLen:       int(md.IntOr(md.Key("context_length"), int64(def.SeqLen))),
		Eps:          float32(md.FloatOr(md.Key("attention.layer_norm_rms_epsilon"), float64(def.Eps))),
		RopeTheta:    float32(md.FloatOr(md.Key("rope.freq_base"), float64(def.RopeTheta))),
		WindowSize:   int(md.IntOr(md.Key("attention.sliding_window"), 0)),
	}
	c.KVHeads = int(md.IntOr(md.Key("attention.head_count_kv"), int64(c.Heads)))
	if c.Heads > 0 {
		c.HeadDim = int(md.IntOr(md.Key("attention.key_length"), int64(c.Dim/c.Heads)))
	}
	if toks, ok := md.Strings("tokenizer.ggml.tokens"); ok {
		c.VocabSize = len(toks)
	} else {
		c.VocabSize = int(md.IntOr(md.Key("vocab_size"), 0))
	}
	return c
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (must divide heads: %d)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be even for rope)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("invalid window_size: %d (must be non-negative)", c.WindowSize)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

func (c *Config) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// GroupSize is the number of query heads sharing one key/value head.
func (c *Config) GroupSize() int {
	return c.Heads / c.KVHeads
}

// KVDim is the width of one cached key or value row.
func (c *Config) KVDim() int {
	return c.KVHeads * c.HeadDim
}

func (c *Config) UsesSlidingWindow() bool {
	return c.WindowSize > 0
}

func Default() Config {
	return Config{
		SeqLen:    2048,
		Eps:       1e-5,
		RopeTheta: 10000.0,
	}
}
