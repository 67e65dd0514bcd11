package gguf

import (
	"fmt"
	"sort"

	"github.com/23skdu/corellm/internal/errs"
)

// Metadata is the typed key/value table of a GGUF file. Scalar values keep
// their decoded Go type (uint32, float32, string, ...). Arrays of strings,
// float32 and int32 decode to []string, []float32 and []int32; other arrays
// decode to []interface{}.
type Metadata map[string]interface{}

// Architecture returns general.architecture or "".
func (m Metadata) Architecture() string {
	s, _ := m.String("general.architecture")
	return s
}

// Key prefixes name with the architecture, e.g. "llama.block_count".
func (m Metadata) Key(name string) string {
	return m.Architecture() + "." + name
}

func (m Metadata) String(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func (m Metadata) Bool(key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}

// Int returns any integer-typed value as int64.
func (m Metadata) Int(key string) (int64, bool) {
	return toInt(m[key])
}

// Float returns any float- or integer-typed value as float64.
func (m Metadata) Float(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	i, ok := toInt(m[key])
	return float64(i), ok
}

// IntOr returns the integer at key or def.
func (m Metadata) IntOr(key string, def int64) int64 {
	if v, ok := m.Int(key); ok {
		return v
	}
	return def
}

// FloatOr returns the float at key or def.
func (m Metadata) FloatOr(key string, def float64) float64 {
	if v, ok := m.Float(key); ok {
		return v
	}
	return def
}

func (m Metadata) Strings(key string) ([]string, bool) {
	switch v := m[key].(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, len(v))
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func (m Metadata) Float32s(key string) ([]float32, bool) {
	switch v := m[key].(type) {
	case []float32:
		return v, true
	case []interface{}:
		out := make([]float32, len(v))
		for i, e := range v {
			switch f := e.(type) {
			case float32:
				out[i] = f
			case float64:
				out[i] = float32(f)
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

func (m Metadata) Ints(key string) ([]int64, bool) {
	switch v := m[key].(type) {
	case []int32:
		out := make([]int64, len(v))
		for i, e := range v {
			out[i] = int64(e)
		}
		return out, true
	case []interface{}:
		out := make([]int64, len(v))
		for i, e := range v {
			n, ok := toInt(e)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// Keys returns the metadata keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case uint8:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case int16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// requiredIntKeys must be present as integers for every model file.
var requiredIntKeys = []string{
	"block_count",
	"embedding_length",
	"attention.head_count",
	"context_length",
}

// ValidateModel checks that the architecture keys needed to build a model are
// present, integer typed and consistent.
func (m Metadata) ValidateModel() error {
	const op = "gguf.validate"
	arch, ok := m.String("general.architecture")
	if !ok || arch == "" {
		if _, present := m["general.architecture"]; present {
			return errs.Errorf(errs.Schema, op, "general.architecture is %T, want string", m["general.architecture"])
		}
		return errs.Errorf(errs.Schema, op, "missing key general.architecture")
	}
	vals := make(map[string]int64, len(requiredIntKeys))
	for _, name := range requiredIntKeys {
		key := arch + "." + name
		raw, present := m[key]
		if !present {
			return errs.Errorf(errs.Schema, op, "missing key %s", key)
		}
		v, ok := toInt(raw)
		if !ok {
			return errs.Errorf(errs.Schema, op, "key %s is %T, want integer", key, raw)
		}
		if v <= 0 {
			return errs.Errorf(errs.Schema, op, "key %s = %d, must be positive", key, v)
		}
		vals[name] = v
	}
	if vals["embedding_length"]%vals["attention.head_count"] != 0 {
		return errs.Errorf(errs.Schema, op, "embedding_length %d not divisible by head_count %d",
			vals["embedding_length"], vals["attention.head_count"])
	}
	if kv, ok := m.Int(arch + ".attention.head_count_kv"); ok && kv <= 0 {
		return errs.Errorf(errs.Schema, op, "attention.head_count_kv = %d, must be positive", kv)
	}
	return nil
}

// AnalysisReport summarizes a model file for inspection.
type AnalysisReport struct {
	Architecture    string            `json:"architecture"`
	ModelName       string            `json:"model_name,omitempty"`
	Version         uint32            `json:"version"`
	ContextLength   int               `json:"context_length"`
	HiddenSize      int               `json:"hidden_size"`
	Layers          int               `json:"layers"`
	AttentionHeads  int               `json:"attention_heads"`
	KVHeads         int               `json:"kv_heads"`
	FeedForward     int               `json:"feed_forward_length"`
	VocabSize       int               `json:"vocab_size"`
	TotalParameters int64             `json:"total_parameters"`
	TensorCount     int               `json:"tensor_count"`
	WeightBytes     uint64            `json:"weight_bytes"`
	TypeCounts      map[string]int    `json:"type_counts"`
	TypeBytes       map[string]uint64 `json:"type_bytes"`
}

// Analyze builds a report from an opened file.
func Analyze(f *File) *AnalysisReport {
	md := f.Metadata
	r := &AnalysisReport{
		Architecture:   md.Architecture(),
		Version:        f.Header.Version,
		TensorCount:    len(f.Tensors),
		ContextLength:  int(md.IntOr(md.Key("context_length"), 0)),
		HiddenSize:     int(md.IntOr(md.Key("embedding_length"), 0)),
		Layers:         int(md.IntOr(md.Key("block_count"), 0)),
		AttentionHeads: int(md.IntOr(md.Key("attention.head_count"), 0)),
		FeedForward:    int(md.IntOr(md.Key("feed_forward_length"), 0)),
		TypeCounts:     make(map[string]int),
		TypeBytes:      make(map[string]uint64),
	}
	r.ModelName, _ = md.String("general.name")
	r.KVHeads = int(md.IntOr(md.Key("attention.head_count_kv"), int64(r.AttentionHeads)))
	if toks, ok := md.Strings("tokenizer.ggml.tokens"); ok {
		r.VocabSize = len(toks)
	}
	for _, t := range f.Tensors {
		r.TotalParameters += int64(t.Elements())
		r.WeightBytes += t.Length
		r.TypeCounts[t.Type.String()]++
		r.TypeBytes[t.Type.String()] += t.Length
	}
	return r
}

// String renders a short human readable summary.
func (r *AnalysisReport) String() string {
	return fmt.Sprintf("%s %q v%d: layers=%d dim=%d heads=%d/%d ffn=%d ctx=%d vocab=%d params=%d tensors=%d bytes=%d",
		r.Architecture, r.ModelName, r.Version, r.Layers, r.HiddenSize, r.AttentionHeads, r.KVHeads,
		r.FeedForward, r.ContextLength, r.VocabSize, r.TotalParameters, r.TensorCount, r.WeightBytes)
}
