// Package generation drives prefill, sampling and decoding for one request
// and streams the result as events.
package generation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/metrics"
	"github.com/23skdu/corellm/internal/sampler"
	"github.com/23skdu/corellm/internal/tokenizer"
)

// Request describes one generation.
type Request struct {
	Prompt    string
	MaxTokens int
	Sampling  sampler.Config
	Stop      []string
	// AddSpecial prepends the BOS token to the prompt.
	AddSpecial bool
	// ParseSpecial maps special token text in the prompt to its id.
	ParseSpecial bool
	// ContextShift drops the oldest half of the context instead of failing
	// when the cache fills during decoding.
	ContextShift bool
}

// Validate checks the request without touching the model.
func (r Request) Validate() error {
	const op = "generation.validate"
	if r.MaxTokens <= 0 {
		return errs.Errorf(errs.InvalidConfig, op, "max_tokens %d must be positive", r.MaxTokens)
	}
	for _, s := range r.Stop {
		if s == "" {
			return errs.Errorf(errs.InvalidConfig, op, "empty stop sequence")
		}
	}
	return r.Sampling.Validate()
}

// Session is the model state a generation runs against.
type Session interface {
	Prefill(ids []int) ([]float32, error)
	DecodeStep(id int) ([]float32, error)
	Truncate(keep, pinned int) ([]float32, error)
	Rewind(n int) error
	Tokens() []int
	ContextLength() int
}

// Step is one sampled token, reported to a Recorder.
type Step struct {
	Generation string
	Index      int
	Token      int
	Text       string
	Logit      float32
	Position   int
	Elapsed    time.Duration
}

// Recorder receives every sampled token.
type Recorder interface {
	Record(Step) error
}

// Options tunes how a generation runs.
type Options struct {
	// Buffer is the event channel capacity.
	Buffer   int
	Recorder Recorder
	// OnFinish runs once, before the terminal event is sent.
	OnFinish func(State)
}

// Generation is one running request. Consumers must read Events until the
// channel is closed.
type Generation struct {
	id      string
	state   atomic.Int32
	events  chan Event
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	stats   Stats
	statsMu sync.Mutex

	sess    Session
	tok     *tokenizer.Tokenizer
	req     Request
	sampler *sampler.Sampler
	rec     Recorder
	onFin   func(State)
	log     *logger.Logger
}

// Start validates req and launches the generation on its own goroutine.
// Validation errors are returned before any computation starts.
func Start(ctx context.Context, sess Session, tok *tokenizer.Tokenizer, req Request, o Options) (*Generation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	smp, err := sampler.New(req.Sampling)
	if err != nil {
		return nil, err
	}
	if o.Buffer <= 0 {
		o.Buffer = 16
	}
	g := &Generation{
		id:      uuid.NewString(),
		events:  make(chan Event, o.Buffer),
		done:    make(chan struct{}),
		sess:    sess,
		tok:     tok,
		req:     req,
		sampler: smp,
		rec:     o.Recorder,
		onFin:   o.OnFinish,
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.log = logger.Log.With("generation", g.id)
	go g.run()
	return g, nil
}

// Run starts a generation and returns only its event stream.
func Run(ctx context.Context, sess Session, tok *tokenizer.Tokenizer, req Request) (<-chan Event, error) {
	g, err := Start(ctx, sess, tok, req, Options{})
	if err != nil {
		return nil, err
	}
	return g.Events(), nil
}

func (g *Generation) ID() string            { return g.id }
func (g *Generation) Events() <-chan Event  { return g.events }
func (g *Generation) Done() <-chan struct{} { return g.done }
func (g *Generation) State() State          { return State(g.state.Load()) }
func (g *Generation) setState(s State)      { g.state.Store(int32(s)) }

// Cancel asks the generation to stop before its next step.
func (g *Generation) Cancel() { g.cancel() }

// Stats returns the counters gathered so far.
func (g *Generation) Stats() Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return g.stats
}

func (g *Generation) updateStats(fn func(*Stats)) {
	g.statsMu.Lock()
	fn(&g.stats)
	g.statsMu.Unlock()
}

func (g *Generation) emit(e Event) { g.events <- e }

func (g *Generation) finish(e Event) {
	st := g.Stats()
	e.Stats = &st
	reason := string(e.Reason)
	switch e.Kind {
	case CompletedEvent:
		g.setState(Completed)
	case CancelledEvent:
		g.setState(Cancelled)
		reason = "cancelled"
	case FailedEvent:
		g.setState(Failed)
		reason = e.ErrKind.String()
	}
	metrics.RecordGeneration(g.State().String(), reason)
	g.log.Debug("generation finished",
		"state", g.State().String(),
		"reason", reason,
		"generated", st.GeneratedTokens,
		"tokens_per_second", st.TokensPerSecond())
	if g.onFin != nil {
		g.onFin(g.State())
	}
	g.emit(e)
}

func (g *Generation) fail(err error) {
	g.finish(Event{Kind: FailedEvent, Token: -1, Err: err, ErrKind: errs.KindOf(err)})
}

func (g *Generation) cancelled() bool {
	select {
	case <-g.ctx.Done():
		return true
	default:
		return false
	}
}

func (g *Generation) run() {
	defer close(g.done)
	defer close(g.events)
	defer g.cancel()

	if g.cancelled() {
		g.finish(Event{Kind: CancelledEvent, Token: -1})
		return
	}

	g.setState(Prefilling)
	ids := g.tok.EncodeOpts(g.req.Prompt, tokenizer.EncodeOptions{
		AddBOS:       g.req.AddSpecial,
		ParseSpecial: g.req.ParseSpecial,
	})
	if len(ids) == 0 {
		g.fail(errs.Errorf(errs.InvalidConfig, "generation.prefill", "prompt encodes to no tokens"))
		return
	}
	logits, err := g.prefill(ids)
	if err != nil {
		g.fail(err)
		return
	}

	g.setState(Decoding)
	g.decode(ids, logits)
}

// prefill evaluates ids, reusing the session's cache when it already holds
// a prefix of them.
func (g *Generation) prefill(ids []int) ([]float32, error) {
	start := time.Now()
	cached := g.sess.Tokens()
	reuse := commonPrefix(cached, ids)
	if reuse == len(ids) {
		// The logits of the last prompt token are needed again.
		reuse--
	}
	if reuse < len(cached) {
		if err := g.sess.Rewind(reuse); err != nil {
			return nil, err
		}
	}
	logits, err := g.sess.Prefill(ids[reuse:])
	if err != nil {
		return nil, err
	}
	g.updateStats(func(s *Stats) {
		s.PromptTokens = len(ids)
		s.CachedTokens = reuse
		s.PrefillDuration = time.Since(start)
	})
	g.log.Debug("prefill done", "prompt_tokens", len(ids), "cached", reuse)
	return logits, nil
}

func commonPrefix(a, b []int) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func (g *Generation) decode(history []int, logits []float32) {
	dec := g.tok.NewStreamDecoder(tokenizer.DecodeOptions{})
	stops := g.req.Stop
	pending := ""
	started := time.Now()
	window := g.req.Sampling.PenaltyWindow

	// flush emits text still held back and reports whether a stop sequence
	// ended the stream.
	flush := func(text string) bool {
		if i := stopIndex(text, stops); i >= 0 {
			if i > 0 {
				g.emit(Event{Kind: TokenEmitted, Token: -1, Text: text[:i]})
			}
			return true
		}
		if text != "" {
			g.emit(Event{Kind: TokenEmitted, Token: -1, Text: text})
		}
		return false
	}

	for n := 0; n < g.req.MaxTokens; n++ {
		if g.cancelled() {
			g.finish(Event{Kind: CancelledEvent, Token: -1})
			return
		}
		recent := history
		if window > 0 && len(recent) > window {
			recent = recent[len(recent)-window:]
		}
		stepStart := time.Now()
		id, err := g.sampler.Sample(logits, recent)
		if err != nil {
			g.fail(err)
			return
		}
		logit := logits[id]
		history = append(history, id)

		if g.tok.IsEOG(id) {
			g.record(n, id, "", logit, stepStart)
			if flush(pending + dec.Flush()) {
				g.finish(Event{Kind: CompletedEvent, Token: -1, Reason: ReasonStopSequence})
				return
			}
			g.finish(Event{Kind: CompletedEvent, Token: -1, Reason: ReasonEndOfText})
			return
		}

		text, err := dec.Next(id)
		if err != nil {
			g.fail(err)
			return
		}
		g.updateStats(func(s *Stats) {
			s.GeneratedTokens++
			s.DecodeDuration = time.Since(started)
		})
		g.record(n, id, text, logit, stepStart)

		pending += text
		if i := stopIndex(pending, stops); i >= 0 {
			g.emit(Event{Kind: TokenEmitted, Token: id, Text: pending[:i]})
			g.finish(Event{Kind: CompletedEvent, Token: -1, Reason: ReasonStopSequence})
			return
		}
		safe := len(pending) - holdback(pending, stops)
		g.emit(Event{Kind: TokenEmitted, Token: id, Text: pending[:safe]})
		pending = pending[safe:]

		if n+1 == g.req.MaxTokens {
			break
		}
		if logits, err = g.step(id); err != nil {
			g.fail(err)
			return
		}
	}

	if flush(pending + dec.Flush()) {
		g.finish(Event{Kind: CompletedEvent, Token: -1, Reason: ReasonStopSequence})
		return
	}
	g.finish(Event{Kind: CompletedEvent, Token: -1, Reason: ReasonMaxTokens})
}

// step feeds id to the session, shifting the context when it is full and
// the request allows it.
func (g *Generation) step(id int) ([]float32, error) {
	logits, err := g.sess.DecodeStep(id)
	if err == nil || !g.req.ContextShift || !errors.Is(err, errs.ContextOverflow) {
		return logits, err
	}
	keep := g.sess.ContextLength() / 2
	pinned := 0
	if toks := g.sess.Tokens(); len(toks) > 0 && toks[0] == g.tok.BOS() {
		pinned = 1
	}
	if _, err := g.sess.Truncate(keep, pinned); err != nil {
		return nil, err
	}
	metrics.RecordContextShift()
	g.updateStats(func(s *Stats) { s.ContextShifts++ })
	g.log.Debug("context shifted", "keep", keep, "pinned", pinned)
	return g.sess.DecodeStep(id)
}

func (g *Generation) record(n, id int, text string, logit float32, start time.Time) {
	if g.rec == nil {
		return
	}
	err := g.rec.Record(Step{
		Generation: g.id,
		Index:      n,
		Token:      id,
		Text:       text,
		Logit:      logit,
		Position:   len(g.sess.Tokens()),
		Elapsed:    time.Since(start),
	})
	if err != nil {
		g.log.Warn("trace record failed", "error", err)
	}
}
