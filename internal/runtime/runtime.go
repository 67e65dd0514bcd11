// Package runtime is the consumer API: it loads models, opens sessions on
// them and runs generations, handing out opaque handles.
package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/corellm/internal/backend"
	"github.com/23skdu/corellm/internal/engine"
	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/gguf"
	"github.com/23skdu/corellm/internal/graph"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/metrics"
	"github.com/23skdu/corellm/internal/tensor"
	"github.com/23skdu/corellm/internal/tokenizer"
)

// DefaultContextLength caps a model's context unless LoadConfig says
// otherwise.
const DefaultContextLength = 4096

type ModelHandle string

type SessionHandle string

// LoadConfig controls how a model is prepared.
type LoadConfig struct {
	Backend string
	Threads int
	// ContextLength caps the model's context length. Zero uses
	// DefaultContextLength.
	ContextLength int
	// Materialize dequantizes every weight during LoadModel instead of on
	// first use.
	Materialize bool
}

func DefaultLoadConfig() LoadConfig {
	return LoadConfig{Backend: "parallel", ContextLength: DefaultContextLength}
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Handle        ModelHandle `json:"handle"`
	Path          string      `json:"path"`
	Architecture  string      `json:"architecture"`
	Name          string      `json:"name"`
	VocabSize     int         `json:"vocab_size"`
	ContextLength int         `json:"context_length"`
	Blocks        int         `json:"blocks"`
	Tensors       int         `json:"tensors"`
	Backend       string      `json:"backend"`
	LoadedAt      time.Time   `json:"loaded_at"`
}

type model struct {
	handle   ModelHandle
	file     *gguf.File
	arena    *tensor.Arena
	graph    *graph.Graph
	tok      *tokenizer.Tokenizer
	backend  backend.Backend
	cfg      LoadConfig
	info     ModelInfo
	sessions map[SessionHandle]*session
}

type session struct {
	handle SessionHandle
	model  *model
	eng    *engine.Session
	busy   atomic.Bool

	mu      sync.Mutex
	current *generation.Generation
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithRecorder sends every sampled token of every generation to rec.
func WithRecorder(rec generation.Recorder) Option {
	return func(r *Runtime) { r.recorder = rec }
}

// WithEventBuffer sets the capacity of generation event channels.
func WithEventBuffer(n int) Option {
	return func(r *Runtime) { r.buffer = n }
}

// Runtime owns every loaded model and open session. It is safe for
// concurrent use.
type Runtime struct {
	mu       sync.Mutex
	models   map[ModelHandle]*model
	sessions map[SessionHandle]*session
	recorder generation.Recorder
	buffer   int
}

func New(opts ...Option) *Runtime {
	r := &Runtime{
		models:   make(map[ModelHandle]*model),
		sessions: make(map[SessionHandle]*session),
		buffer:   16,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// LoadModel opens, validates and prepares the model at path. Failures carry
// the Format, Truncated, Schema, UnsupportedArchitecture or MissingTensor
// kinds and leave nothing loaded.
func (r *Runtime) LoadModel(path string, cfg LoadConfig) (ModelHandle, error) {
	start := time.Now()
	m, err := r.load(path, cfg)
	if err != nil {
		metrics.RecordLoadError(errs.KindOf(err).String())
		logger.Log.Warn("model load failed", "path", path, "error", err)
		return "", err
	}
	r.mu.Lock()
	r.models[m.handle] = m
	r.mu.Unlock()

	metrics.RecordModelLoad(time.Since(start))
	logger.Log.Info("model loaded",
		"model", m.handle,
		"path", path,
		"arch", m.info.Architecture,
		"blocks", m.info.Blocks,
		"context", m.info.ContextLength,
		"backend", m.info.Backend,
		"duration", time.Since(start))
	return m.handle, nil
}

func (r *Runtime) load(path string, cfg LoadConfig) (_ *model, err error) {
	if cfg.Backend == "" {
		cfg.Backend = "parallel"
	}
	if cfg.ContextLength <= 0 {
		cfg.ContextLength = DefaultContextLength
	}
	b, err := backend.New(cfg.Backend, cfg.Threads)
	if err != nil {
		return nil, err
	}

	f, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}
	arena, err := tensor.NewArena(f.Tensors, f.Region)
	if err != nil {
		f.Close()
		return nil, err
	}
	defer func() {
		if err != nil {
			arena.Release()
		}
	}()

	tok, err := tokenizer.New(f.Metadata)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(f.Metadata, arena)
	if err != nil {
		return nil, err
	}
	if tok.VocabSize() != g.Hyper.VocabSize {
		return nil, errs.Errorf(errs.Schema, "runtime.load", "tokenizer has %d tokens, graph expects %d", tok.VocabSize(), g.Hyper.VocabSize)
	}
	if cfg.Materialize {
		if err := arena.Materialize(context.Background(), g.TensorNames(), cfg.Threads); err != nil {
			return nil, err
		}
	}

	ctxLen := min(g.Hyper.SeqLen, cfg.ContextLength)
	name, _ := f.Metadata.String("general.name")
	m := &model{
		handle:   ModelHandle(uuid.NewString()),
		file:     f,
		arena:    arena,
		graph:    g,
		tok:      tok,
		backend:  b,
		cfg:      cfg,
		sessions: make(map[SessionHandle]*session),
	}
	m.info = ModelInfo{
		Handle:        m.handle,
		Path:          path,
		Architecture:  g.Arch,
		Name:          name,
		VocabSize:     g.Hyper.VocabSize,
		ContextLength: ctxLen,
		Blocks:        g.Blocks(),
		Tensors:       len(f.Tensors),
		Backend:       b.Name(),
		LoadedAt:      time.Now(),
	}
	return m, nil
}

// Model returns information about a loaded model.
func (r *Runtime) Model(h ModelHandle) (ModelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[h]
	if !ok {
		return ModelInfo{}, errs.Errorf(errs.NotFound, "runtime.model", "model %s not loaded", h)
	}
	return m.info, nil
}

// Tokenizer returns the tokenizer of a loaded model.
func (r *Runtime) Tokenizer(h ModelHandle) (*tokenizer.Tokenizer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[h]
	if !ok {
		return nil, errs.Errorf(errs.NotFound, "runtime.tokenizer", "model %s not loaded", h)
	}
	return m.tok, nil
}

// CreateSession opens an empty session on a loaded model.
func (r *Runtime) CreateSession(h ModelHandle) (SessionHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[h]
	if !ok {
		return "", errs.Errorf(errs.NotFound, "runtime.create_session", "model %s not loaded", h)
	}
	sh := SessionHandle(uuid.NewString())
	eng, err := engine.NewSession(m.graph, m.backend, m.arena, engine.Options{
		ContextLength: m.info.ContextLength,
		Label:         string(sh),
	})
	if err != nil {
		return "", err
	}
	s := &session{handle: sh, model: m, eng: eng}
	m.sessions[sh] = s
	r.sessions[sh] = s
	logger.Log.Debug("session opened", "model", h, "session", sh)
	return sh, nil
}

func (r *Runtime) session(op string, sh SessionHandle) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sh]
	if !ok {
		return nil, errs.Errorf(errs.NotFound, op, "session %s not open", sh)
	}
	return s, nil
}

// admit marks the session busy while holding the registry lock, so
// UnloadModel and CloseSession either see it busy or remove it first.
func (r *Runtime) admit(op string, sh SessionHandle) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sh]
	if !ok {
		return nil, errs.Errorf(errs.NotFound, op, "session %s not open", sh)
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, errs.Errorf(errs.SessionBusy, op, "session %s already generating", sh)
	}
	return s, nil
}

// Generate starts a generation on a session and returns its event stream.
// InvalidConfig and SessionBusy are reported here, before any computation.
// The caller must read the stream until it is closed.
func (r *Runtime) Generate(ctx context.Context, sh SessionHandle, req generation.Request) (<-chan generation.Event, error) {
	const op = "runtime.generate"
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s, err := r.admit(op, sh)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := generation.Start(ctx, s.eng, s.model.tok, req, generation.Options{
		Buffer:   r.buffer,
		Recorder: r.recorder,
		OnFinish: func(generation.State) {
			s.mu.Lock()
			s.current = nil
			s.mu.Unlock()
			s.busy.Store(false)
		},
	})
	if err != nil {
		s.busy.Store(false)
		return nil, err
	}
	s.current = g
	return g.Events(), nil
}

// Cancel stops the session's running generation before its next step. It
// is a no-op when nothing is running.
func (r *Runtime) Cancel(sh SessionHandle) error {
	s, err := r.session("runtime.cancel", sh)
	if err != nil {
		return err
	}
	s.mu.Lock()
	g := s.current
	s.mu.Unlock()
	if g != nil {
		g.Cancel()
	}
	return nil
}

// Busy reports whether the session is generating.
func (r *Runtime) Busy(sh SessionHandle) (bool, error) {
	s, err := r.session("runtime.busy", sh)
	if err != nil {
		return false, err
	}
	return s.busy.Load(), nil
}

// CloseSession frees a session. It fails with SessionBusy while a
// generation runs.
func (r *Runtime) CloseSession(sh SessionHandle) error {
	const op = "runtime.close_session"
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sh]
	if !ok {
		return errs.Errorf(errs.NotFound, op, "session %s not open", sh)
	}
	if s.busy.Load() {
		return errs.Errorf(errs.SessionBusy, op, "session %s is generating", sh)
	}
	return r.closeSessionLocked(s)
}

func (r *Runtime) closeSessionLocked(s *session) error {
	delete(r.sessions, s.handle)
	delete(s.model.sessions, s.handle)
	logger.Log.Debug("session closed", "session", s.handle)
	return s.eng.Close()
}

// UnloadModel closes the model's idle sessions and frees its weights. It
// fails with ModelInUse while any of its sessions is generating.
func (r *Runtime) UnloadModel(h ModelHandle) error {
	const op = "runtime.unload_model"
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[h]
	if !ok {
		return errs.Errorf(errs.NotFound, op, "model %s not loaded", h)
	}
	for _, s := range m.sessions {
		if s.busy.Load() {
			return errs.Errorf(errs.ModelInUse, op, "session %s of model %s is generating", s.handle, h)
		}
	}
	var firstErr error
	for _, s := range m.sessions {
		if err := r.closeSessionLocked(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	delete(r.models, h)
	if err := m.arena.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	metrics.RecordModelUnload()
	logger.Log.Info("model unloaded", "model", h)
	return firstErr
}

// UnloadModelWait waits for the model's running generations to finish and
// then unloads it. It gives up when ctx is done.
func (r *Runtime) UnloadModelWait(ctx context.Context, h ModelHandle) error {
	for {
		err := r.UnloadModel(h)
		if !errors.Is(err, errs.ModelInUse) {
			return err
		}
		done := r.anyRunning(h)
		if done == nil {
			// Finished, but the busy flag is not cleared yet.
			time.Sleep(time.Millisecond)
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// anyRunning returns the Done channel of one running generation of model h.
func (r *Runtime) anyRunning(h ModelHandle) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[h]
	if !ok {
		return nil
	}
	for _, s := range m.sessions {
		s.mu.Lock()
		g := s.current
		s.mu.Unlock()
		if g != nil {
			return g.Done()
		}
	}
	return nil
}

// Status is a point-in-time summary of the runtime.
type Status struct {
	Models   []ModelInfo `json:"models"`
	Sessions int         `json:"sessions"`
	Active   int         `json:"active"`
}

func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Sessions: len(r.sessions)}
	for _, m := range r.models {
		st.Models = append(st.Models, m.info)
	}
	for _, s := range r.sessions {
		if s.busy.Load() {
			st.Active++
		}
	}
	return st
}

// Close cancels every generation, waits for them and unloads every model.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]ModelHandle, 0, len(r.models))
	for h := range r.models {
		handles = append(handles, h)
	}
	for _, s := range r.sessions {
		s.mu.Lock()
		if s.current != nil {
			s.current.Cancel()
		}
		s.mu.Unlock()
	}
	r.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := r.UnloadModelWait(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
