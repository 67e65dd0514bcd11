// Package sampler picks the next token from a logit vector.
package sampler

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/metrics"
)

// Config selects the sampling policy.
type Config struct {
	Greedy            bool    `json:"greedy" yaml:"greedy" toml:"greedy"`
	Temperature       float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK              int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP              float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty" yaml:"repetition_penalty" toml:"repetition_penalty"`
	// PenaltyWindow is how many recent tokens the penalty looks at. Zero
	// means every token passed to Sample.
	PenaltyWindow int `json:"penalty_window" yaml:"penalty_window" toml:"penalty_window"`
	// Seed fixes the random stream. Zero seeds from the clock.
	Seed int64 `json:"seed" yaml:"seed" toml:"seed"`
}

// GreedyConfig always picks the highest logit.
func GreedyConfig() Config {
	return Config{Greedy: true, TopP: 1, RepetitionPenalty: 1}
}

// Validate reports parameter combinations that cannot be sampled.
func (c Config) Validate() error {
	const op = "sampler.validate"
	if !c.Greedy && !(c.Temperature > 0) {
		return errs.Errorf(errs.InvalidConfig, op, "temperature %v must be positive", c.Temperature)
	}
	if !(c.TopP > 0 && c.TopP <= 1) {
		return errs.Errorf(errs.InvalidConfig, op, "top_p %v outside (0, 1]", c.TopP)
	}
	if c.TopK < 0 {
		return errs.Errorf(errs.InvalidConfig, op, "top_k %d is negative", c.TopK)
	}
	if !(c.RepetitionPenalty > 0) {
		return errs.Errorf(errs.InvalidConfig, op, "repetition_penalty %v must be positive", c.RepetitionPenalty)
	}
	if c.PenaltyWindow < 0 {
		return errs.Errorf(errs.InvalidConfig, op, "penalty_window %d is negative", c.PenaltyWindow)
	}
	return nil
}

// Sampler draws tokens with its own random stream. It is not safe for
// concurrent use.
type Sampler struct {
	Config Config
	rng    *rand.Rand
}

func New(cfg Config) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}, nil
}

// Sample returns the next token id. recent holds previously generated or
// prompt tokens for the repetition penalty; logits are not modified.
func (s *Sampler) Sample(logits []float32, recent []int) (int, error) {
	if len(logits) == 0 {
		return 0, errs.Errorf(errs.Other, "sampler.sample", "empty logits")
	}
	start := time.Now()
	defer func() { metrics.RecordSampling(time.Since(start)) }()

	work := logits
	if s.Config.RepetitionPenalty != 1 && len(recent) > 0 {
		work = append([]float32(nil), logits...)
		s.applyRepetitionPenalty(work, recent)
	}
	if s.Config.Greedy {
		return argMax(work)
	}

	probs := applyTemperatureAndSoftmax(work, s.Config.Temperature)
	candidates := filterValidCandidates(probs)
	if len(candidates) == 0 {
		return argMax(work)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].prob != candidates[j].prob {
			return candidates[i].prob > candidates[j].prob
		}
		return candidates[i].id < candidates[j].id
	})
	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)
	return s.sampleFromCandidates(candidates), nil
}

func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int) {
	start := 0
	if w := s.Config.PenaltyWindow; w > 0 && len(history) > w {
		start = len(history) - w
	}
	seen := make(map[int]struct{})
	penalty := float32(s.Config.RepetitionPenalty)
	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if id < 0 || id >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

func applyTemperatureAndSoftmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		probs[i] = float64(v) / temperature
		if !math.IsNaN(probs[i]) && probs[i] > maxVal {
			maxVal = probs[i]
		}
	}
	sum := 0.0
	for i := range probs {
		if math.IsNaN(probs[i]) {
			probs[i] = 0
			continue
		}
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
	return probs
}

type tokenProb struct {
	id   int
	prob float64
}

func filterValidCandidates(probs []float64) []tokenProb {
	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 1e-10 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	return candidates
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}
	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

// argMax returns the index of the largest logit, the lowest index on ties.
func argMax(logits []float32) (int, error) {
	maxIdx := -1
	var maxVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if maxIdx < 0 || v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	if maxIdx < 0 {
		return 0, errs.Errorf(errs.Other, "sampler.argmax", "all %d logits are NaN", len(logits))
	}
	return maxIdx, nil
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return renormalize(candidates[:k])
}

// renormalize scales candidates so their probabilities sum to one.
func renormalize(candidates []tokenProb) []tokenProb {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}
	if sum <= 0 {
		return candidates
	}
	for i := range candidates {
		candidates[i].prob /= sum
	}
	return candidates
}

func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}
	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}
