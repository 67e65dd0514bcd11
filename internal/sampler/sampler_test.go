package sampler

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/corellm/internal/errs"
)

func mustNew(t *testing.T, cfg Config) *Sampler {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%+v): %v", cfg, err)
	}
	return s
}

func random(temp float64, topK int, topP float64, seed int64) Config {
	return Config{Temperature: temp, TopK: topK, TopP: topP, RepetitionPenalty: 1, Seed: seed}
}

func TestSampler_Greedy(t *testing.T) {
	s := mustNew(t, GreedyConfig())
	logits := []float32{1.0, 5.0, 2.0, 0.5}
	val, err := s.Sample(logits, nil)
	if err != nil || val != 1 {
		t.Errorf("Greedy failed. Expected 1 (logit 5.0), got %d (%v)", val, err)
	}
}

func TestSampler_GreedyTieLowestID(t *testing.T) {
	s := mustNew(t, GreedyConfig())
	val, _ := s.Sample([]float32{0, 3, 1, 3}, nil)
	if val != 1 {
		t.Fatalf("tie should go to the lowest id, got %d", val)
	}
	val, _ = s.Sample([]float32{float32(math.NaN()), 2, 2}, nil)
	if val != 1 {
		t.Fatalf("NaN must be skipped, got %d", val)
	}
	if _, err := s.Sample([]float32{float32(math.NaN())}, nil); err == nil {
		t.Fatal("expected error when every logit is NaN")
	}
}

func TestSampler_TopK(t *testing.T) {
	s := mustNew(t, random(1.0, 1, 1, 3))
	val, _ := s.Sample([]float32{2.0, 10.0, 5.0, 1.0}, nil)
	if val != 1 {
		t.Errorf("TopK=1 failed. Expected 1, got %d", val)
	}
}

func TestSampler_TopK_Filtering(t *testing.T) {
	s := mustNew(t, random(1.0, 2, 1, 9))
	logits := []float32{2.0, 10.0, 5.0, 1.0}
	for i := 0; i < 100; i++ {
		val, _ := s.Sample(logits, nil)
		if val == 0 || val == 3 {
			t.Errorf("TopK=2 failed. Got excluded token %d", val)
		}
	}
}

func TestSampler_TopP(t *testing.T) {
	// Token 0 carries ~99% of the mass, so P=0.9 keeps only it.
	s := mustNew(t, random(1.0, 0, 0.9, 5))
	logits := []float32{10.0, 5.0, 2.0, 1.0}
	for i := 0; i < 50; i++ {
		if val, _ := s.Sample(logits, nil); val != 0 {
			t.Fatalf("TopP=0.9 sampled %d", val)
		}
	}
}

func TestSampler_TopPAfterTopK(t *testing.T) {
	// Top-3 renormalizes to .625/.25/.125, so a 0.75 nucleus keeps ids 0 and 1.
	logits := make([]float32, 5)
	for i, p := range []float64{.5, .2, .1, .1, .1} {
		logits[i] = float32(math.Log(p))
	}
	s := mustNew(t, random(1.0, 3, 0.75, 11))
	counts := map[int]int{}
	for i := 0; i < 2000; i++ {
		val, err := s.Sample(logits, nil)
		if err != nil {
			t.Fatal(err)
		}
		counts[val]++
	}
	for id := range counts {
		if id > 1 {
			t.Fatalf("token %d sampled outside the nucleus: %v", id, counts)
		}
	}
	if counts[0] == 0 || counts[1] == 0 {
		t.Fatalf("nucleus not fully sampled: %v", counts)
	}
}

func TestSampler_RepetitionPenalty(t *testing.T) {
	cfg := GreedyConfig()
	cfg.RepetitionPenalty = 4
	s := mustNew(t, cfg)
	logits := []float32{1.0, 3.0, 2.0}
	val, _ := s.Sample(logits, []int{1})
	if val != 2 {
		t.Fatalf("penalized token should lose, got %d", val)
	}
	if logits[1] != 3.0 {
		t.Fatal("Sample modified the caller's logits")
	}

	cfg.PenaltyWindow = 1
	s = mustNew(t, cfg)
	if val, _ := s.Sample(logits, []int{1, 0}); val != 1 {
		t.Fatalf("token outside the penalty window was penalized, got %d", val)
	}
}

func TestSampler_SeedDeterminism(t *testing.T) {
	logits := []float32{1, 1.2, 0.8, 1.1, 0.9, 1.05}
	draw := func(seed int64) []int {
		s := mustNew(t, random(1.5, 0, 1, seed))
		out := make([]int, 32)
		for i := range out {
			out[i], _ = s.Sample(logits, nil)
		}
		return out
	}
	a, b := draw(42), draw(42)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed diverged at %d: %v vs %v", i, a, b)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"greedy", GreedyConfig(), true},
		{"greedy ignores temperature", Config{Greedy: true, TopP: 1, RepetitionPenalty: 1}, true},
		{"random", random(0.7, 40, 0.95, 1), true},
		{"zero temperature", random(0, 0, 1, 1), false},
		{"negative temperature", random(-1, 0, 1, 1), false},
		{"top_p zero", random(1, 0, 0, 1), false},
		{"top_p above one", random(1, 0, 1.5, 1), false},
		{"negative top_k", random(1, -1, 1, 1), false},
		{"zero penalty", Config{Greedy: true, TopP: 1}, false},
		{"negative window", Config{Greedy: true, TopP: 1, RepetitionPenalty: 1, PenaltyWindow: -2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, errs.InvalidConfig) {
				t.Fatalf("want InvalidConfig, got %v", err)
			}
		})
	}
	if _, err := New(random(0, 0, 1, 1)); !errors.Is(err, errs.InvalidConfig) {
		t.Fatalf("New should validate, got %v", err)
	}
}
