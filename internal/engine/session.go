// Package engine runs a built graph over a backend, one session per
// conversation, keeping attention state in a KV cache.
package engine

import (
	"math"
	"sync"
	"time"

	"github.com/23skdu/corellm/internal/backend"
	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/graph"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/metrics"
	"github.com/23skdu/corellm/internal/tensor"
)

// Options configures a session.
type Options struct {
	// ContextLength caps the cache below the model's context length. Zero
	// uses the model's.
	ContextLength int
	// Label names the session in metrics and logs.
	Label string
}

// Session owns the KV cache of one conversation. It is not safe for
// concurrent use; the generation layer serializes access.
type Session struct {
	mu      sync.Mutex
	graph   *graph.Graph
	backend backend.Backend
	arena   *tensor.Arena
	cache   *KVCache
	tokens  []int
	ctxLen  int
	label   string
	closed  bool
	log     *logger.Logger
}

// NewSession creates an empty session and takes a reference on arena.
func NewSession(g *graph.Graph, b backend.Backend, arena *tensor.Arena, o Options) (*Session, error) {
	if err := arena.Retain(); err != nil {
		return nil, err
	}
	ctxLen := g.Hyper.SeqLen
	if o.ContextLength > 0 && o.ContextLength < ctxLen {
		ctxLen = o.ContextLength
	}
	s := &Session{
		graph:   g,
		backend: b,
		arena:   arena,
		cache:   NewKVCache(g.Blocks(), g.Hyper.KVDim(), ctxLen),
		ctxLen:  ctxLen,
		label:   o.Label,
		log:     logger.Log.With("session", o.Label),
	}
	metrics.RecordSessionOpen()
	s.log.Debug("session created", "context_length", ctxLen, "backend", b.Name())
	return s, nil
}

// ContextLength is the maximum number of positions the session holds.
func (s *Session) ContextLength() int { return s.ctxLen }

// Position is the number of processed tokens.
func (s *Session) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Tokens returns a copy of the processed token ids.
func (s *Session) Tokens() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.tokens...)
}

// Graph returns the graph the session executes.
func (s *Session) Graph() *graph.Graph { return s.graph }

// Prefill processes a whole prompt in one batched pass with causal masking
// and returns the logits for the position after the last token.
func (s *Session) Prefill(ids []int) ([]float32, error) {
	if len(ids) == 0 {
		return nil, errs.Errorf(errs.InvalidConfig, "engine.prefill", "empty prompt")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	logits, err := s.forward(ids)
	if err != nil {
		return nil, err
	}
	metrics.RecordPrefill(len(ids), time.Since(start))
	return logits, nil
}

// DecodeStep appends one token and returns the next logits.
func (s *Session) DecodeStep(id int) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	logits, err := s.forward([]int{id})
	if err != nil {
		return nil, err
	}
	metrics.RecordInference(1, time.Since(start))
	return logits, nil
}

// Reset empties the cache.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Reset()
	s.tokens = s.tokens[:0]
	s.recordCache()
}

// Rewind drops every position from n on. The remaining cache entries are
// unaffected, so no recomputation is needed.
func (s *Session) Rewind(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n > s.cache.Len() {
		return errs.Errorf(errs.InvalidConfig, "engine.rewind", "position %d outside [0, %d]", n, s.cache.Len())
	}
	s.cache.truncate(n)
	s.tokens = s.tokens[:n]
	s.recordCache()
	return nil
}

// Truncate keeps the first pinned tokens and the most recent keep-pinned
// tokens, then rebuilds the cache from them so positions stay contiguous.
// It returns the logits after the last surviving token. On failure the
// session keeps its previous tokens and cache.
func (s *Session) Truncate(keep, pinned int) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tokens)
	if pinned < 0 || pinned > keep {
		return nil, errs.Errorf(errs.InvalidConfig, "engine.truncate", "pinned %d outside [0, %d]", pinned, keep)
	}
	if keep <= 0 || keep >= n {
		return nil, errs.Errorf(errs.InvalidConfig, "engine.truncate", "keep %d outside (0, %d)", keep, n)
	}
	survivors := make([]int, 0, keep)
	survivors = append(survivors, s.tokens[:pinned]...)
	survivors = append(survivors, s.tokens[n-(keep-pinned):]...)

	oldCache, oldTokens := s.cache, s.tokens
	s.cache = NewKVCache(oldCache.layers, oldCache.kvDim, oldCache.capacity)
	s.tokens = make([]int, 0, keep)
	logits, err := s.forward(survivors)
	if err != nil {
		s.cache, s.tokens = oldCache, oldTokens
		s.recordCache()
		return nil, err
	}
	oldCache.Free()
	s.log.Debug("session truncated", "from", n, "to", keep, "pinned", pinned)
	return logits, nil
}

// Close drops the session's cache and its reference on the weights. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Free()
	s.tokens = nil
	metrics.RecordSessionClose()
	metrics.ForgetSession(s.label)
	s.log.Debug("session closed")
	return s.arena.Release()
}

func (s *Session) recordCache() {
	metrics.RecordKVCacheStats(s.label, s.cache.Len(), s.cache.Bytes())
}

// forward runs ids through every layer, extending the cache. Callers hold mu.
func (s *Session) forward(ids []int) ([]float32, error) {
	const op = "engine.forward"
	if s.closed {
		return nil, errs.Errorf(errs.Other, op, "session closed")
	}
	hp := s.graph.Hyper
	for _, id := range ids {
		if id < 0 || id >= hp.VocabSize {
			return nil, errs.Errorf(errs.InvalidTokenID, op, "token %d outside vocabulary of %d", id, hp.VocabSize)
		}
	}
	if err := s.cache.reserve(len(ids)); err != nil {
		return nil, err
	}

	n, dim, start := len(ids), hp.Dim, s.cache.Len()
	x := make([]float32, n*dim)
	h := make([]float32, n*dim)
	tmp := make([]float32, n*dim)
	var logits []float32

	for _, layer := range s.graph.Layers {
		switch layer.Kind {
		case graph.Embedding:
			w, err := layer.Tensors[graph.RoleWeight].Float32()
			if err != nil {
				return nil, err
			}
			for r, id := range ids {
				copy(x[r*dim:(r+1)*dim], w[id*dim:(id+1)*dim])
			}
		case graph.Normalization:
			w, err := layer.Tensors[graph.RoleWeight].Float32()
			if err != nil {
				return nil, err
			}
			s.backend.Normalize(h, x, w, n, dim, hp.Eps)
		case graph.Attention:
			if err := s.attention(layer, h, tmp, n, start); err != nil {
				return nil, err
			}
			addInto(x, tmp)
		case graph.FeedForward:
			ws, err := weights(layer, graph.RoleGate, graph.RoleUp, graph.RoleDown)
			if err != nil {
				return nil, err
			}
			s.backend.FeedForward(tmp, h, ws[0], ws[1], ws[2], n, dim, hp.HiddenDim)
			addInto(x, tmp)
		case graph.OutputProjection:
			w, err := layer.Tensors[graph.RoleWeight].Float32()
			if err != nil {
				return nil, err
			}
			logits = make([]float32, hp.VocabSize)
			s.backend.Project(logits, h[(n-1)*dim:], w, nil, 1, dim, hp.VocabSize)
		}
	}

	s.cache.commit(n)
	s.tokens = append(s.tokens, ids...)
	s.recordCache()
	return logits, nil
}

func (s *Session) attention(layer graph.Layer, h, out []float32, n, start int) error {
	hp := s.graph.Hyper
	dim, kvDim := hp.Dim, hp.KVDim()
	ws, err := weights(layer, graph.RoleQ, graph.RoleK, graph.RoleV, graph.RoleO)
	if err != nil {
		return err
	}
	var qb, kb, vb []float32
	if s.graph.Variant.Biases {
		bs, err := weights(layer, graph.RoleQBias, graph.RoleKBias, graph.RoleVBias)
		if err != nil {
			return err
		}
		qb, kb, vb = bs[0], bs[1], bs[2]
	}

	q := make([]float32, n*dim)
	k := make([]float32, n*kvDim)
	v := make([]float32, n*kvDim)
	s.backend.Project(q, h, ws[0], qb, n, dim, dim)
	s.backend.Project(k, h, ws[1], kb, n, dim, kvDim)
	s.backend.Project(v, h, ws[2], vb, n, dim, kvDim)

	neox := s.graph.Variant.NeoxRope
	backend.Rope(q, n, start, hp.Heads, hp.HeadDim, hp.RopeTheta, neox)
	backend.Rope(k, n, start, hp.KVHeads, hp.HeadDim, hp.RopeTheta, neox)

	keys, values := s.cache.store(layer.Block, k, v)
	att := make([]float32, n*dim)
	s.backend.Attention(att, q, keys, values, backend.AttentionParams{
		Rows:     n,
		StartPos: start,
		Heads:    hp.Heads,
		KVHeads:  hp.KVHeads,
		HeadDim:  hp.HeadDim,
		Window:   s.graph.Window(),
		Scale:    float32(1 / math.Sqrt(float64(hp.HeadDim))),
	})
	s.backend.Project(out, att, ws[3], nil, n, dim, dim)
	return nil
}

func weights(layer graph.Layer, roles ...string) ([][]float32, error) {
	out := make([][]float32, len(roles))
	for i, role := range roles {
		v, ok := layer.Tensors[role]
		if !ok {
			return nil, errs.Errorf(errs.MissingTensor, "engine.weights", "layer %s of block %d has no %s tensor", layer.Kind, layer.Block, role)
		}
		data, err := v.Float32()
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
