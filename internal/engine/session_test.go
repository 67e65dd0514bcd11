package engine

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/23skdu/corellm/internal/backend"
	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/gguf"
	"github.com/23skdu/corellm/internal/graph"
	"github.com/23skdu/corellm/internal/tensor"
	"github.com/23skdu/corellm/internal/toymodel"
)

func toyGraph(t *testing.T, o toymodel.Options) (*graph.Graph, *tensor.Arena) {
	t.Helper()
	w, err := toymodel.Build(o)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	f, err := gguf.Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	a, err := tensor.NewArena(f.Tensors, f.Region)
	if err != nil {
		t.Fatal(err)
	}
	g, err := graph.Build(f.Metadata, a)
	if err != nil {
		t.Fatal(err)
	}
	return g, a
}

func newSession(t *testing.T, g *graph.Graph, a *tensor.Arena, name string, o Options) *Session {
	t.Helper()
	b, err := backend.New(name, 3)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSession(g, b, a, o)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func closeTo(t *testing.T, label string, a, b []float32, tol float64) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("%s: length %d vs %d", label, len(a), len(b))
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > tol {
			t.Fatalf("%s: logit %d differs: %v vs %v", label, i, a[i], b[i])
		}
	}
}

var prompt = []int{1, 33, 37, 40, 42, 33, 3, 16, 34}

func TestCacheConsistency(t *testing.T) {
	variants := map[string]func(*toymodel.Options){
		"llama":   func(o *toymodel.Options) {},
		"qwen2":   func(o *toymodel.Options) { o.Arch = "qwen2" },
		"mistral": func(o *toymodel.Options) { o.Arch = "mistral"; o.KVHeads = 2; o.SlidingWindow = 4 },
		"q8":      func(o *toymodel.Options) { o.WeightType = gguf.GGMLTypeQ8_0 },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			o := toymodel.Default()
			mutate(&o)
			g, a := toyGraph(t, o)
			defer a.Release()

			batched := newSession(t, g, a, "reference", Options{Label: name + "-batched"})
			full, err := batched.Prefill(prompt)
			if err != nil {
				t.Fatal(err)
			}

			stepped := newSession(t, g, a, "reference", Options{Label: name + "-stepped"})
			logits, err := stepped.Prefill(prompt[:1])
			if err != nil {
				t.Fatal(err)
			}
			for _, id := range prompt[1:] {
				if logits, err = stepped.DecodeStep(id); err != nil {
					t.Fatal(err)
				}
			}
			closeTo(t, "batched vs stepped", full, logits, 1e-4)
			if batched.Position() != len(prompt) || stepped.Position() != len(prompt) {
				t.Fatalf("positions %d and %d", batched.Position(), stepped.Position())
			}
		})
	}
}

func TestBackendsAgree(t *testing.T) {
	g, a := toyGraph(t, toymodel.Default())
	defer a.Release()
	ref := newSession(t, g, a, "reference", Options{Label: "ref"})
	par := newSession(t, g, a, "parallel", Options{Label: "par"})
	l1, err := ref.Prefill(prompt)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := par.Prefill(prompt)
	if err != nil {
		t.Fatal(err)
	}
	closeTo(t, "reference vs parallel", l1, l2, 0)
}

func TestDeterministic(t *testing.T) {
	g, a := toyGraph(t, toymodel.Default())
	defer a.Release()
	s := newSession(t, g, a, "parallel", Options{Label: "det"})
	first, err := s.Prefill(prompt)
	if err != nil {
		t.Fatal(err)
	}
	first = append([]float32(nil), first...)
	s.Reset()
	if s.Position() != 0 || len(s.Tokens()) != 0 {
		t.Fatal("Reset left state behind")
	}
	second, err := s.Prefill(prompt)
	if err != nil {
		t.Fatal(err)
	}
	closeTo(t, "repeat", first, second, 0)
}

func TestSpecialTokensLoseToNormal(t *testing.T) {
	g, a := toyGraph(t, toymodel.Default())
	defer a.Release()
	s := newSession(t, g, a, "reference", Options{Label: "special"})
	logits, err := s.Prefill(prompt)
	if err != nil {
		t.Fatal(err)
	}
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	if best < 3 {
		t.Fatalf("special token %d has the highest logit", best)
	}
}

func TestContextOverflow(t *testing.T) {
	g, a := toyGraph(t, toymodel.Default())
	defer a.Release()
	s := newSession(t, g, a, "reference", Options{ContextLength: 8, Label: "overflow"})
	if s.ContextLength() != 8 {
		t.Fatalf("context length %d", s.ContextLength())
	}
	if _, err := s.Prefill(prompt); !errors.Is(err, errs.ContextOverflow) {
		t.Fatalf("want ContextOverflow, got %v", err)
	}
	if s.Position() != 0 {
		t.Fatal("failed prefill must not advance the cache")
	}
	if _, err := s.Prefill(prompt[:8]); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DecodeStep(5); !errors.Is(err, errs.ContextOverflow) {
		t.Fatalf("want ContextOverflow, got %v", err)
	}
}

func TestInvalidInputs(t *testing.T) {
	g, a := toyGraph(t, toymodel.Default())
	defer a.Release()
	s := newSession(t, g, a, "reference", Options{Label: "invalid"})
	if _, err := s.Prefill(nil); !errors.Is(err, errs.InvalidConfig) {
		t.Fatalf("want InvalidConfig, got %v", err)
	}
	if _, err := s.Prefill([]int{1, 500}); !errors.Is(err, errs.InvalidTokenID) {
		t.Fatalf("want InvalidTokenID, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	g, a := toyGraph(t, toymodel.Default())
	defer a.Release()
	s := newSession(t, g, a, "reference", Options{Label: "truncate"})
	if _, err := s.Prefill(prompt); err != nil {
		t.Fatal(err)
	}
	got, err := s.Truncate(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{prompt[0], prompt[6], prompt[7], prompt[8]}
	toks := s.Tokens()
	for i := range want {
		if toks[i] != want[i] {
			t.Fatalf("tokens after truncate = %v, want %v", toks, want)
		}
	}

	fresh := newSession(t, g, a, "reference", Options{Label: "fresh"})
	expect, err := fresh.Prefill(want)
	if err != nil {
		t.Fatal(err)
	}
	closeTo(t, "truncate vs fresh", got, expect, 0)

	if _, err := s.Truncate(10, 1); !errors.Is(err, errs.InvalidConfig) {
		t.Fatalf("want InvalidConfig, got %v", err)
	}
	if _, err := s.Truncate(2, 3); !errors.Is(err, errs.InvalidConfig) {
		t.Fatalf("want InvalidConfig, got %v", err)
	}
}

func TestFailedTruncateKeepsState(t *testing.T) {
	g, a := toyGraph(t, toymodel.Default())
	s := newSession(t, g, a, "reference", Options{Label: "truncate-fail"})
	if _, err := s.Prefill(prompt); err != nil {
		t.Fatal(err)
	}
	// Drop both references so the weights are gone before the re-prefill.
	a.Release()
	a.Release()
	if !a.Released() {
		t.Fatal("arena still held")
	}
	if _, err := s.Truncate(4, 1); err == nil {
		t.Fatal("truncate succeeded without weights")
	}
	if got := s.Tokens(); len(got) != len(prompt) || got[len(got)-1] != prompt[len(prompt)-1] {
		t.Fatalf("tokens after failed truncate = %v, want %v", got, prompt)
	}
	if s.Position() != len(prompt) {
		t.Fatalf("position = %d, want %d", s.Position(), len(prompt))
	}
}

func TestCloseReleasesArena(t *testing.T) {
	g, a := toyGraph(t, toymodel.Default())
	b, _ := backend.New("reference", 1)
	s, err := NewSession(g, b, a, Options{Label: "close"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Refs() != 2 {
		t.Fatalf("refs = %d, want 2", a.Refs())
	}
	if err := a.Release(); err != nil {
		t.Fatal(err)
	}
	if a.Released() {
		t.Fatal("arena freed while a session is open")
	}
	if _, err := s.Prefill(prompt); err != nil {
		t.Fatalf("session must keep weights alive: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !a.Released() {
		t.Fatal("arena not freed after the last session closed")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.DecodeStep(5); err == nil {
		t.Fatal("expected error on closed session")
	}
}

func TestKVCache(t *testing.T) {
	c := NewKVCache(2, 4, 3)
	if err := c.reserve(3); err != nil {
		t.Fatal(err)
	}
	for l := 0; l < 2; l++ {
		c.store(l, make([]float32, 8), make([]float32, 8))
	}
	c.commit(2)
	if c.Len() != 2 || c.Bytes() != 2*2*2*4*4 {
		t.Fatalf("len %d bytes %d", c.Len(), c.Bytes())
	}
	if err := c.reserve(2); !errors.Is(err, errs.ContextOverflow) {
		t.Fatalf("want ContextOverflow, got %v", err)
	}
	k, v := c.Layer(1)
	if len(k) != 8 || len(v) != 8 {
		t.Fatalf("layer sizes %d %d", len(k), len(v))
	}
	c.Reset()
	if c.Len() != 0 || c.Capacity() != 3 {
		t.Fatal("reset failed")
	}
}

func TestRewind(t *testing.T) {
	g, a := toyGraph(t, toymodel.Default())
	defer a.Release()
	s := newSession(t, g, a, "reference", Options{Label: "rewind"})
	if _, err := s.Prefill(prompt); err != nil {
		t.Fatal(err)
	}
	if err := s.Rewind(4); err != nil {
		t.Fatal(err)
	}
	if s.Position() != 4 || len(s.Tokens()) != 4 {
		t.Fatalf("position %d after rewind", s.Position())
	}
	got, err := s.Prefill(prompt[4:])
	if err != nil {
		t.Fatal(err)
	}
	fresh := newSession(t, g, a, "reference", Options{Label: "rewind-fresh"})
	want, err := fresh.Prefill(prompt)
	if err != nil {
		t.Fatal(err)
	}
	closeTo(t, "rewind vs fresh", got, want, 1e-4)
	if err := s.Rewind(100); !errors.Is(err, errs.InvalidConfig) {
		t.Fatalf("want InvalidConfig, got %v", err)
	}
}
