package backend

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/corellm/internal/errs"
)

func randSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func equalBits(t *testing.T, label string, a, b []float32) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("%s: length %d vs %d", label, len(a), len(b))
	}
	for i := range a {
		if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
			t.Fatalf("%s: element %d differs: %v vs %v", label, i, a[i], b[i])
		}
	}
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{"reference", "parallel"} {
		b, err := New(name, 0)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if b.Name() != name {
			t.Fatalf("Name() = %q, want %q", b.Name(), name)
		}
	}
	if _, err := New("metal", 1); !errors.Is(err, errs.InvalidConfig) {
		t.Fatalf("want InvalidConfig, got %v", err)
	}
}

func TestSoftmaxStability(t *testing.T) {
	x := make([]float32, 10)
	for i := range x {
		x[i] = float32(1000 + i)
	}
	Softmax(x)
	var sum float32
	for _, v := range x {
		if v < 0 || v > 1 || math.IsNaN(float64(v)) {
			t.Fatalf("bad probability %v", v)
		}
		sum += v
	}
	if sum < 0.99 || sum > 1.01 {
		t.Fatalf("softmax sums to %v", sum)
	}
	if x[9] <= x[0] {
		t.Fatal("softmax is not monotonic")
	}
}

func TestNormalize(t *testing.T) {
	x := []float32{3, 4, 0, 0}
	w := []float32{1, 1, 2, 2}
	out := make([]float32, 4)
	Reference{}.Normalize(out, x, w, 1, 4, 0)
	// rms = sqrt(25/4) = 2.5
	want := []float32{1.2, 1.6, 0, 0}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestProject(t *testing.T) {
	x := []float32{1, 2, 3}
	w := []float32{
		1, 0, 0,
		0, 1, 1,
	}
	bias := []float32{0.5, -1}
	out := make([]float32, 2)
	Reference{}.Project(out, x, w, bias, 1, 3, 2)
	if out[0] != 1.5 || out[1] != 4 {
		t.Fatalf("got %v", out)
	}
}

func TestAttentionSinglePosition(t *testing.T) {
	p := AttentionParams{Rows: 1, Heads: 2, KVHeads: 1, HeadDim: 2, Scale: 1}
	q := []float32{1, 0, 0, 1}
	k := []float32{5, 5}
	v := []float32{0.25, -0.5}
	out := make([]float32, 4)
	Reference{}.Attention(out, q, k, v, p)
	want := []float32{0.25, -0.5, 0.25, -0.5}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
}

func TestAttentionWindow(t *testing.T) {
	// Three cached positions; with a window of one the last query only sees
	// its own value.
	p := AttentionParams{Rows: 1, StartPos: 2, Heads: 1, KVHeads: 1, HeadDim: 1, Scale: 1, Window: 1}
	q := []float32{1}
	k := []float32{9, 9, 0}
	v := []float32{100, 100, 7}
	out := make([]float32, 1)
	Reference{}.Attention(out, q, k, v, p)
	if out[0] != 7 {
		t.Fatalf("windowed attention = %v, want 7", out[0])
	}
	p.Window = 0
	Reference{}.Attention(out, q, k, v, p)
	if out[0] <= 7 {
		t.Fatalf("full attention = %v, want more than 7", out[0])
	}
}

func TestRopePreservesNorm(t *testing.T) {
	for _, neox := range []bool{false, true} {
		x := []float32{1, 2, 3, 4, 5, 6, 7, 8}
		var before float64
		for _, v := range x {
			before += float64(v * v)
		}
		Rope(x, 1, 17, 2, 4, 10000, neox)
		var after float64
		for _, v := range x {
			after += float64(v * v)
		}
		if math.Abs(before-after) > 1e-3 {
			t.Fatalf("neox=%v: norm changed %v -> %v", neox, before, after)
		}
	}
	x := []float32{1, 2, 3, 4}
	Rope(x, 1, 0, 1, 4, 10000, false)
	if x[0] != 1 || x[1] != 2 || x[2] != 3 || x[3] != 4 {
		t.Fatalf("position zero must be identity, got %v", x)
	}
}

func TestBackendsBitIdentical(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const rows, dim, hidden, heads, kvHeads = 5, 32, 48, 4, 2
	headDim := dim / heads
	kvDim := kvHeads * headDim

	ref := Reference{}
	for _, threads := range []int{1, 3, 8} {
		par := NewParallel(threads)

		x := randSlice(rng, rows*dim)
		w := randSlice(rng, dim)
		a, b := make([]float32, rows*dim), make([]float32, rows*dim)
		ref.Normalize(a, x, w, rows, dim, 1e-5)
		par.Normalize(b, x, w, rows, dim, 1e-5)
		equalBits(t, "normalize", a, b)

		m := randSlice(rng, hidden*dim)
		bias := randSlice(rng, hidden)
		pa, pb := make([]float32, rows*hidden), make([]float32, rows*hidden)
		ref.Project(pa, x, m, bias, rows, dim, hidden)
		par.Project(pb, x, m, bias, rows, dim, hidden)
		equalBits(t, "project", pa, pb)

		start := 3
		q := randSlice(rng, rows*dim)
		k := randSlice(rng, (start+rows)*kvDim)
		v := randSlice(rng, (start+rows)*kvDim)
		p := AttentionParams{Rows: rows, StartPos: start, Heads: heads, KVHeads: kvHeads, HeadDim: headDim,
			Scale: float32(1 / math.Sqrt(float64(headDim)))}
		aa, ab := make([]float32, rows*dim), make([]float32, rows*dim)
		ref.Attention(aa, q, k, v, p)
		par.Attention(ab, q, k, v, p)
		equalBits(t, "attention", aa, ab)

		gate := randSlice(rng, hidden*dim)
		up := randSlice(rng, hidden*dim)
		down := randSlice(rng, dim*hidden)
		fa, fb := make([]float32, rows*dim), make([]float32, rows*dim)
		ref.FeedForward(fa, x, gate, up, down, rows, dim, hidden)
		par.FeedForward(fb, x, gate, up, down, rows, dim, hidden)
		equalBits(t, "feed forward", fa, fb)
	}
}
