// Package graph turns a model's metadata and tensor directory into an
// immutable description of the layers to execute.
package graph

import (
	"fmt"
	"strings"

	"github.com/23skdu/corellm/internal/config"
	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/gguf"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/tensor"
)

type LayerKind int

const (
	Embedding LayerKind = iota
	Normalization
	Attention
	FeedForward
	OutputProjection
)

func (k LayerKind) String() string {
	switch k {
	case Embedding:
		return "embedding"
	case Normalization:
		return "normalization"
	case Attention:
		return "attention"
	case FeedForward:
		return "feed_forward"
	case OutputProjection:
		return "output_projection"
	}
	return fmt.Sprintf("layer_kind(%d)", int(k))
}

// Tensor roles used as keys of Layer.Tensors.
const (
	RoleWeight = "weight"
	RoleQ      = "q"
	RoleK      = "k"
	RoleV      = "v"
	RoleO      = "o"
	RoleQBias  = "q_bias"
	RoleKBias  = "k_bias"
	RoleVBias  = "v_bias"
	RoleGate   = "gate"
	RoleUp     = "up"
	RoleDown   = "down"
)

// Layer is one step of the forward pass. Block is the transformer block
// index, or -1 for the embedding, final norm and output projection.
type Layer struct {
	Kind    LayerKind
	Block   int
	Tensors map[string]*tensor.View
}

// Variant captures the differences between supported architectures.
type Variant struct {
	Name          string
	Biases        bool
	NeoxRope      bool
	SlidingWindow bool
}

var variants = map[string]Variant{
	"llama":   {Name: "llama"},
	"mistral": {Name: "mistral", SlidingWindow: true},
	"qwen2":   {Name: "qwen2", Biases: true, NeoxRope: true},
}

// Supported lists the architectures Build accepts.
func Supported() []string {
	return []string{"llama", "mistral", "qwen2"}
}

// Graph is the executable layer sequence of one model. It computes nothing
// and is never modified after Build returns.
type Graph struct {
	Arch        string
	Variant     Variant
	Hyper       config.Config
	Layers      []Layer
	TiedOutput  bool
	tensorNames []string
}

// Window is the sliding attention window, zero when attention is fully
// causal.
func (g *Graph) Window() int {
	if g.Variant.SlidingWindow {
		return g.Hyper.WindowSize
	}
	return 0
}

// TensorNames lists every tensor the graph reads.
func (g *Graph) TensorNames() []string {
	return append([]string(nil), g.tensorNames...)
}

// Blocks is the number of transformer blocks.
func (g *Graph) Blocks() int { return g.Hyper.Layers }

func (g *Graph) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d blocks, dim %d, heads %d/%d, ffn %d, vocab %d, ctx %d",
		g.Arch, g.Hyper.Layers, g.Hyper.Dim, g.Hyper.Heads, g.Hyper.KVHeads,
		g.Hyper.HiddenDim, g.Hyper.VocabSize, g.Hyper.SeqLen)
	if w := g.Window(); w > 0 {
		fmt.Fprintf(&b, ", window %d", w)
	}
	if g.TiedOutput {
		b.WriteString(", tied output")
	}
	return b.String()
}

type builder struct {
	arena *tensor.Arena
	names []string
}

// need fetches a tensor and checks its shape. cols and rows of zero are not
// checked.
func (b *builder) need(name string, cols, rows int) (*tensor.View, error) {
	v, err := b.arena.View(name)
	if err != nil {
		return nil, err
	}
	if !gguf.CanDequantize(v.Desc.Type) {
		return nil, errs.Errorf(errs.UnsupportedArchitecture, "graph.build",
			"tensor %q has type %s which cannot be executed", name, v.Desc.Type)
	}
	if (cols > 0 && v.Cols() != cols) || (rows > 0 && v.Rows() != rows) {
		return nil, errs.Errorf(errs.Schema, "graph.build",
			"tensor %q has shape %v, want [%d %d]", name, v.Desc.Shape, cols, rows)
	}
	b.names = append(b.names, name)
	return v, nil
}

// Build selects the architecture variant named by general.architecture and
// binds every tensor it needs.
func Build(md gguf.Metadata, arena *tensor.Arena) (*Graph, error) {
	const op = "graph.build"
	arch := strings.ToLower(md.Architecture())
	variant, ok := variants[arch]
	if !ok {
		return nil, errs.Errorf(errs.UnsupportedArchitecture, op, "architecture %q not in %v", arch, Supported())
	}

	hp := config.FromMetadata(md)
	if hp.KVHeads <= 0 || hp.Heads%hp.KVHeads != 0 {
		return nil, errs.Errorf(errs.UnsupportedArchitecture, op, "head_count %d not divisible by head_count_kv %d", hp.Heads, hp.KVHeads)
	}
	if hp.HeadDim%2 != 0 {
		return nil, errs.Errorf(errs.UnsupportedArchitecture, op, "odd head dimension %d", hp.HeadDim)
	}
	if err := hp.Validate(); err != nil {
		return nil, errs.Wrap(errs.Schema, op, err)
	}

	b := &builder{arena: arena}
	g := &Graph{Arch: arch, Variant: variant, Hyper: hp}
	dim, kvDim, ffn, vocab := hp.Dim, hp.KVDim(), hp.HiddenDim, hp.VocabSize

	embd, err := b.need("token_embd.weight", dim, vocab)
	if err != nil {
		return nil, err
	}
	g.Layers = append(g.Layers, Layer{Kind: Embedding, Block: -1, Tensors: map[string]*tensor.View{RoleWeight: embd}})

	for i := 0; i < hp.Layers; i++ {
		p := fmt.Sprintf("blk.%d.", i)
		attnNorm, err := b.need(p+"attn_norm.weight", dim, 1)
		if err != nil {
			return nil, err
		}
		attn := map[string]*tensor.View{}
		for _, t := range []struct {
			role, name string
			rows       int
		}{
			{RoleQ, "attn_q.weight", dim},
			{RoleK, "attn_k.weight", kvDim},
			{RoleV, "attn_v.weight", kvDim},
			{RoleO, "attn_output.weight", dim},
		} {
			if attn[t.role], err = b.need(p+t.name, dim, t.rows); err != nil {
				return nil, err
			}
		}
		if variant.Biases {
			for _, t := range []struct {
				role, name string
				n          int
			}{
				{RoleQBias, "attn_q.bias", dim},
				{RoleKBias, "attn_k.bias", kvDim},
				{RoleVBias, "attn_v.bias", kvDim},
			} {
				if attn[t.role], err = b.need(p+t.name, t.n, 1); err != nil {
					return nil, err
				}
			}
		}
		ffnNorm, err := b.need(p+"ffn_norm.weight", dim, 1)
		if err != nil {
			return nil, err
		}
		ff := map[string]*tensor.View{}
		if ff[RoleGate], err = b.need(p+"ffn_gate.weight", dim, ffn); err != nil {
			return nil, err
		}
		if ff[RoleUp], err = b.need(p+"ffn_up.weight", dim, ffn); err != nil {
			return nil, err
		}
		if ff[RoleDown], err = b.need(p+"ffn_down.weight", ffn, dim); err != nil {
			return nil, err
		}
		g.Layers = append(g.Layers,
			Layer{Kind: Normalization, Block: i, Tensors: map[string]*tensor.View{RoleWeight: attnNorm}},
			Layer{Kind: Attention, Block: i, Tensors: attn},
			Layer{Kind: Normalization, Block: i, Tensors: map[string]*tensor.View{RoleWeight: ffnNorm}},
			Layer{Kind: FeedForward, Block: i, Tensors: ff},
		)
	}

	outNorm, err := b.need("output_norm.weight", dim, 1)
	if err != nil {
		return nil, err
	}
	out := embd
	if arena.Has("output.weight") {
		if out, err = b.need("output.weight", dim, vocab); err != nil {
			return nil, err
		}
	} else {
		g.TiedOutput = true
	}
	g.Layers = append(g.Layers,
		Layer{Kind: Normalization, Block: -1, Tensors: map[string]*tensor.View{RoleWeight: outNorm}},
		Layer{Kind: OutputProjection, Block: -1, Tensors: map[string]*tensor.View{RoleWeight: out}},
	)
	g.tensorNames = b.names

	logger.Log.Debug("graph built", "arch", arch, "layers", len(g.Layers), "tied_output", g.TiedOutput)
	return g, nil
}
