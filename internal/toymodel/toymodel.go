// Package toymodel writes small deterministic GGUF models used by tests,
// demos and the "toy" command.
package toymodel

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/corellm/internal/gguf"
)

// Pieces is the toy vocabulary. Ids 0..2 are <unk>, <s>, </s>; 3 is the
// space marker; 4..29 are the letters a..z; the rest are merges whose score
// is the negated id, so earlier merges win.
var Pieces = func() []string {
	p := []string{"<unk>", "<s>", "</s>", "▁"}
	for c := 'a'; c <= 'z'; c++ {
		p = append(p, string(c))
	}
	return append(p,
		"he", "▁t", "▁th", "▁the", "at", "▁c", "▁ca", "▁cat", "▁s", "▁sa",
		"▁sat", "on", "▁on", "in", "▁in", "er", "an", "▁a", "re", "ll")
}()

// Options controls the generated model.
type Options struct {
	Arch          string
	Layers        int
	Dim           int
	Heads         int
	KVHeads       int
	FFN           int
	Context       int
	SlidingWindow int
	Seed          int64
	WeightType    gguf.GGMLType
	TiedOutput    bool
}

// Default is a 2-layer, 4-head, 64-dim llama with the 50-token vocabulary.
func Default() Options {
	return Options{
		Arch:       "llama",
		Layers:     2,
		Dim:        64,
		Heads:      4,
		KVHeads:    4,
		FFN:        128,
		Context:    64,
		Seed:       7,
		WeightType: gguf.GGMLTypeF32,
	}
}

// ID returns the id of a toy vocabulary piece, or -1.
func ID(piece string) int {
	for i, p := range Pieces {
		if p == piece {
			return i
		}
	}
	return -1
}

// Build assembles the model. The residual stream keeps a large positive
// first component (attention and feed-forward outputs leave it untouched)
// and the output rows of the special tokens weigh it negatively, so special
// tokens never win greedy sampling.
func Build(o Options) (*gguf.Writer, error) {
	if o.Dim%o.Heads != 0 || o.Heads%o.KVHeads != 0 {
		return nil, fmt.Errorf("toymodel: dim %d, heads %d, kv heads %d do not divide", o.Dim, o.Heads, o.KVHeads)
	}
	rng := rand.New(rand.NewSource(o.Seed))
	headDim := o.Dim / o.Heads
	kvDim := o.KVHeads * headDim
	vocab := len(Pieces)
	arch := o.Arch

	w := gguf.NewWriter()
	w.Set("general.architecture", arch)
	w.Set("general.name", "corellm-toy")
	w.Set("general.alignment", uint32(gguf.DefaultAlignment))
	w.Set(arch+".block_count", uint32(o.Layers))
	w.Set(arch+".embedding_length", uint32(o.Dim))
	w.Set(arch+".feed_forward_length", uint32(o.FFN))
	w.Set(arch+".attention.head_count", uint32(o.Heads))
	w.Set(arch+".attention.head_count_kv", uint32(o.KVHeads))
	w.Set(arch+".context_length", uint32(o.Context))
	w.Set(arch+".attention.layer_norm_rms_epsilon", float32(1e-5))
	w.Set(arch+".rope.freq_base", float32(10000))
	if o.SlidingWindow > 0 {
		w.Set(arch+".attention.sliding_window", uint32(o.SlidingWindow))
	}

	scores := make([]float32, vocab)
	types := make([]int32, vocab)
	for i := range Pieces {
		switch {
		case i == 0:
			types[i] = 2
		case i < 3:
			types[i] = 3
		default:
			types[i] = 1
		}
		if i >= 30 {
			scores[i] = -float32(i)
		} else if i >= 3 {
			scores[i] = -100
		}
	}
	w.Set("tokenizer.ggml.model", "llama")
	w.Set("tokenizer.ggml.tokens", Pieces)
	w.Set("tokenizer.ggml.scores", scores)
	w.Set("tokenizer.ggml.token_type", types)
	w.Set("tokenizer.ggml.unknown_token_id", uint32(0))
	w.Set("tokenizer.ggml.bos_token_id", uint32(1))
	w.Set("tokenizer.ggml.eos_token_id", uint32(2))
	w.Set("tokenizer.ggml.add_bos_token", true)
	w.Set("tokenizer.ggml.add_space_prefix", true)

	uniform := func(n int, scale float32) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = (rng.Float32()*2 - 1) * scale
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}
	// matrix returns rows x cols values with row 0 zeroed when zeroFirst.
	matrix := func(rows, cols int, scale float32, zeroFirst bool) []float32 {
		m := uniform(rows*cols, scale)
		if zeroFirst {
			for c := 0; c < cols; c++ {
				m[c] = 0
			}
		}
		return m
	}

	add := func(name string, shape []uint64, values []float32, quantize bool) error {
		typ := gguf.GGMLTypeF32
		if quantize {
			typ = o.WeightType
		}
		data, err := encode(typ, values)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return w.AddTensor(name, shape, typ, data)
	}
	u := func(n int) uint64 { return uint64(n) }
	type entry struct {
		name   string
		shape  []uint64
		values []float32
		quant  bool
	}

	embd := uniform(vocab*o.Dim, 0.5)
	for t := 0; t < vocab; t++ {
		embd[t*o.Dim] = 4
	}
	if err := add("token_embd.weight", []uint64{u(o.Dim), u(vocab)}, embd, true); err != nil {
		return nil, err
	}

	for l := 0; l < o.Layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		tensors := []entry{
			{"attn_norm.weight", []uint64{u(o.Dim)}, ones(o.Dim), false},
			{"attn_q.weight", []uint64{u(o.Dim), u(o.Dim)}, matrix(o.Dim, o.Dim, 0.15, false), true},
			{"attn_k.weight", []uint64{u(o.Dim), u(kvDim)}, matrix(kvDim, o.Dim, 0.15, false), true},
			{"attn_v.weight", []uint64{u(o.Dim), u(kvDim)}, matrix(kvDim, o.Dim, 0.15, false), true},
			{"attn_output.weight", []uint64{u(o.Dim), u(o.Dim)}, matrix(o.Dim, o.Dim, 0.08, true), true},
			{"ffn_norm.weight", []uint64{u(o.Dim)}, ones(o.Dim), false},
			{"ffn_gate.weight", []uint64{u(o.Dim), u(o.FFN)}, matrix(o.FFN, o.Dim, 0.1, false), true},
			{"ffn_up.weight", []uint64{u(o.Dim), u(o.FFN)}, matrix(o.FFN, o.Dim, 0.1, false), true},
			{"ffn_down.weight", []uint64{u(o.FFN), u(o.Dim)}, matrix(o.Dim, o.FFN, 0.08, true), true},
		}
		if arch == "qwen2" {
			tensors = append(tensors,
				entry{"attn_q.bias", []uint64{u(o.Dim)}, uniform(o.Dim, 0.05), false},
				entry{"attn_k.bias", []uint64{u(kvDim)}, uniform(kvDim, 0.05), false},
				entry{"attn_v.bias", []uint64{u(kvDim)}, uniform(kvDim, 0.05), false},
			)
		}
		for _, t := range tensors {
			if err := add(p+t.name, t.shape, t.values, t.quant); err != nil {
				return nil, err
			}
		}
	}

	if err := add("output_norm.weight", []uint64{u(o.Dim)}, ones(o.Dim), false); err != nil {
		return nil, err
	}
	if !o.TiedOutput {
		out := uniform(vocab*o.Dim, 0.05)
		for t := 0; t < vocab; t++ {
			row := out[t*o.Dim : (t+1)*o.Dim]
			if t < 3 {
				for i := range row {
					row[i] = 0
				}
				row[0] = -1
			} else {
				row[0] = 1
			}
		}
		if err := add("output.weight", []uint64{u(o.Dim), u(vocab)}, out, true); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// WriteFile builds the model and writes it to path.
func WriteFile(path string, o Options) error {
	w, err := Build(o)
	if err != nil {
		return err
	}
	return w.WriteFile(path)
}

func encode(typ gguf.GGMLType, values []float32) ([]byte, error) {
	switch typ {
	case gguf.GGMLTypeF32:
		return gguf.EncodeF32(values), nil
	case gguf.GGMLTypeF16:
		return gguf.EncodeF16(values), nil
	case gguf.GGMLTypeQ8_0:
		return gguf.QuantizeQ8_0(values)
	case gguf.GGMLTypeQ4_0:
		return gguf.QuantizeQ4_0(values)
	}
	return nil, fmt.Errorf("toymodel cannot encode %s", typ)
}
