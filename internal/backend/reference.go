package backend

// Reference is the single-threaded scalar backend.
type Reference struct{}

func (Reference) Name() string { return "reference" }

func (Reference) Normalize(out, x, weight []float32, rows, dim int, eps float32) {
	normalizeRows(out, x, weight, dim, eps, 0, rows)
}

func (Reference) Project(out, x, w, bias []float32, rows, in, outDim int) {
	projectRange(out, x, w, bias, in, outDim, 0, rows*outDim)
}

func (Reference) Attention(out, q, k, v []float32, p AttentionParams) {
	attendRange(out, q, k, v, p, 0, p.Rows*p.Heads)
}

func (r Reference) FeedForward(out, x, gate, up, down []float32, rows, dim, hidden int) {
	g := make([]float32, rows*hidden)
	u := make([]float32, rows*hidden)
	r.Project(g, x, gate, nil, rows, dim, hidden)
	r.Project(u, x, up, nil, rows, dim, hidden)
	swigluRange(g, u, 0, len(g))
	r.Project(out, g, down, nil, rows, hidden, dim)
}
