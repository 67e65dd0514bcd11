// Package backend implements the numeric kernels a session runs a model
// with. Every implementation computes each output element with the same
// sequential inner loop, so results are bit-identical across backends and
// thread counts.
package backend

import (
	"runtime"
	"sort"
	"sync"

	"github.com/23skdu/corellm/internal/errs"
)

// AttentionParams describes one attention call. Queries cover positions
// StartPos..StartPos+Rows-1; the key and value caches hold every position
// from 0 through the last query.
type AttentionParams struct {
	Rows     int
	StartPos int
	Heads    int
	KVHeads  int
	HeadDim  int
	// Window limits each query to the most recent Window positions. Zero
	// means full causal attention.
	Window int
	Scale  float32
}

// Backend computes the four layer primitives over row-major float32 data.
type Backend interface {
	Name() string
	// Normalize applies RMS normalization to rows rows of width dim.
	Normalize(out, x, weight []float32, rows, dim int, eps float32)
	// Project computes out = x·wᵀ + bias, where w holds outDim rows of in
	// values. bias may be nil.
	Project(out, x, w, bias []float32, rows, in, outDim int)
	// Attention computes causal scaled dot-product attention with grouped
	// key/value heads.
	Attention(out, q, k, v []float32, p AttentionParams)
	// FeedForward computes down(silu(gate·x) * up·x).
	FeedForward(out, x, gate, up, down []float32, rows, dim, hidden int)
}

// Factory creates a backend using up to threads goroutines.
type Factory func(threads int) Backend

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a backend available by name. Registering a name twice
// replaces the earlier factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// New returns the named backend. threads <= 0 uses every CPU.
func New(name string, threads int) (Backend, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, errs.Errorf(errs.InvalidConfig, "backend.new", "unknown backend %q (have %v)", name, Names())
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return f(threads), nil
}

// Names lists registered backends.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register("reference", func(int) Backend { return Reference{} })
	Register("parallel", func(threads int) Backend { return NewParallel(threads) })
}
