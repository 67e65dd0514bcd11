// Package tensor owns model weight memory and hands out views into it.
package tensor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/gguf"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/metrics"
)

type entry struct {
	desc gguf.TensorDescriptor
	once sync.Once
	data []float32
	err  error
}

// Arena is the sole owner of a model's weights: the mapped weight region and
// every dequantized copy made from it. It is reference counted; the creator
// holds the first reference and each session retains another. Backing memory
// is released when the count drops to zero.
type Arena struct {
	region  *gguf.Region
	entries map[string]*entry
	names   []string
	refs    atomic.Int64
	mu      sync.Mutex
	closed  bool
}

// NewArena binds descriptors to region. Views slice the region directly; no
// weight bytes are copied.
func NewArena(descs []gguf.TensorDescriptor, region *gguf.Region) (*Arena, error) {
	a := &Arena{
		region:  region,
		entries: make(map[string]*entry, len(descs)),
	}
	for _, d := range descs {
		if _, dup := a.entries[d.Name]; dup {
			return nil, errs.Errorf(errs.Schema, "tensor.arena", "duplicate tensor %q", d.Name)
		}
		if d.Offset+d.Length > region.Len() {
			return nil, errs.Errorf(errs.Truncated, "tensor.arena", "tensor %q extends past weight region", d.Name)
		}
		a.entries[d.Name] = &entry{desc: d}
		a.names = append(a.names, d.Name)
	}
	sort.Strings(a.names)
	a.refs.Store(1)
	return a, nil
}

// View returns a view of the named tensor, or a MissingTensor error.
func (a *Arena) View(name string) (*View, error) {
	e, ok := a.entries[name]
	if !ok {
		return nil, errs.Errorf(errs.MissingTensor, "tensor.view", "tensor %q not in model", name)
	}
	return &View{Desc: e.desc, arena: a, entry: e}, nil
}

// Has reports whether name exists.
func (a *Arena) Has(name string) bool {
	_, ok := a.entries[name]
	return ok
}

// Names lists tensor names in sorted order.
func (a *Arena) Names() []string {
	return append([]string(nil), a.names...)
}

// Retain adds a reference. It fails once the arena has been released.
func (a *Arena) Retain() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errs.Errorf(errs.Other, "tensor.retain", "arena released")
	}
	a.refs.Add(1)
	return nil
}

// Release drops a reference and frees the weights when none remain.
func (a *Arena) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if a.refs.Add(-1) > 0 {
		return nil
	}
	a.closed = true
	for _, e := range a.entries {
		e.data = nil
	}
	logger.Log.Debug("tensor arena released", "tensors", len(a.entries))
	return a.region.Close()
}

// Refs returns the current reference count.
func (a *Arena) Refs() int64 { return a.refs.Load() }

// Released reports whether the backing memory has been freed.
func (a *Arena) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Materialize dequantizes the named tensors up front using up to workers
// goroutines. Views created later reuse the results.
func (a *Arena) Materialize(ctx context.Context, names []string, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, name := range names {
		v, err := a.View(name)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := v.Float32()
			return err
		})
	}
	return g.Wait()
}

func (a *Arena) dequantize(e *entry) ([]float32, error) {
	e.once.Do(func() {
		raw, err := a.region.Slice(e.desc.Offset, e.desc.Length)
		if err != nil {
			e.err = err
			return
		}
		e.data, e.err = gguf.Dequantize(e.desc.Type, raw, int(e.desc.Elements()))
		if e.err == nil {
			metrics.RecordDequantization(e.desc.Type.String(), len(raw))
		}
	})
	return e.data, e.err
}
