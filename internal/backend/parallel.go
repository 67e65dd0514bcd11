package backend

import (
	"golang.org/x/sync/errgroup"
)

// minChunk keeps tiny workloads on one goroutine.
const minChunk = 64

// Parallel shards output elements across goroutines.
type Parallel struct {
	threads int
}

func NewParallel(threads int) *Parallel {
	if threads < 1 {
		threads = 1
	}
	return &Parallel{threads: threads}
}

func (p *Parallel) Name() string { return "parallel" }

func (p *Parallel) Threads() int { return p.threads }

// shard runs fn over [0, n) split into contiguous ranges.
func (p *Parallel) shard(n, unitCost int, fn func(lo, hi int)) {
	if n == 0 {
		return
	}
	chunk := (n + p.threads - 1) / p.threads
	if floor := (minChunk + unitCost - 1) / unitCost; chunk < floor {
		chunk = floor
	}
	if chunk >= n {
		fn(0, n)
		return
	}
	var g errgroup.Group
	g.SetLimit(p.threads)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Parallel) Normalize(out, x, weight []float32, rows, dim int, eps float32) {
	p.shard(rows, dim, func(lo, hi int) {
		normalizeRows(out, x, weight, dim, eps, lo, hi)
	})
}

func (p *Parallel) Project(out, x, w, bias []float32, rows, in, outDim int) {
	p.shard(rows*outDim, in, func(lo, hi int) {
		projectRange(out, x, w, bias, in, outDim, lo, hi)
	})
}

func (p *Parallel) Attention(out, q, k, v []float32, a AttentionParams) {
	cost := (a.StartPos + a.Rows) * a.HeadDim
	p.shard(a.Rows*a.Heads, max(cost, 1), func(lo, hi int) {
		attendRange(out, q, k, v, a, lo, hi)
	})
}

func (p *Parallel) FeedForward(out, x, gate, up, down []float32, rows, dim, hidden int) {
	g := make([]float32, rows*hidden)
	u := make([]float32, rows*hidden)
	p.Project(g, x, gate, nil, rows, dim, hidden)
	p.Project(u, x, up, nil, rows, dim, hidden)
	p.shard(len(g), 1, func(lo, hi int) {
		swigluRange(g, u, lo, hi)
	})
	p.Project(out, g, down, nil, rows, hidden, dim)
}
