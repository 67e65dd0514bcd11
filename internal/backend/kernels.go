package backend

import "math"

// Softmax normalizes x in place using max-shifted exponentials.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// SiLU is x * sigmoid(x).
func SiLU(x float32) float32 {
	return x / (float32(1.0) + float32(math.Exp(float64(-x))))
}

// Rope rotates rows of interleaved heads in place. Row r sits at position
// startPos+r. With neox set, the rotated pairs are (i, i+headDim/2) instead
// of adjacent elements.
func Rope(x []float32, rows, startPos, heads, headDim int, theta float32, neox bool) {
	half := headDim / 2
	freqs := make([]float64, half)
	for i := range freqs {
		freqs[i] = math.Pow(float64(theta), -float64(2*i)/float64(headDim))
	}
	width := heads * headDim
	for r := 0; r < rows; r++ {
		pos := float64(startPos + r)
		for h := 0; h < heads; h++ {
			head := x[r*width+h*headDim : r*width+(h+1)*headDim]
			for i := 0; i < half; i++ {
				sin, cos := math.Sincos(pos * freqs[i])
				a, b := 2*i, 2*i+1
				if neox {
					a, b = i, i+half
				}
				x0, x1 := head[a], head[b]
				head[a] = x0*float32(cos) - x1*float32(sin)
				head[b] = x0*float32(sin) + x1*float32(cos)
			}
		}
	}
}

func normalizeRows(out, x, weight []float32, dim int, eps float32, lo, hi int) {
	for row := lo; row < hi; row++ {
		off := row * dim
		var sum float32
		for j := 0; j < dim; j++ {
			v := x[off+j]
			sum += v * v
		}
		scale := float32(1.0) / float32(math.Sqrt(float64(sum/float32(dim))+float64(eps)))
		for j := 0; j < dim; j++ {
			out[off+j] = x[off+j] * scale * weight[j]
		}
	}
}

// projectRange fills flattened outputs [lo, hi) of a rows x outDim result.
func projectRange(out, x, w, bias []float32, in, outDim, lo, hi int) {
	for idx := lo; idx < hi; idx++ {
		r, o := idx/outDim, idx%outDim
		xr := x[r*in : (r+1)*in]
		wr := w[o*in : (o+1)*in]
		var sum float32
		for k := range xr {
			sum += xr[k] * wr[k]
		}
		if bias != nil {
			sum += bias[o]
		}
		out[idx] = sum
	}
}

// attendRange computes (row, head) units [lo, hi) where unit = row*Heads+head.
func attendRange(out, q, k, v []float32, p AttentionParams, lo, hi int) {
	qDim := p.Heads * p.HeadDim
	kvDim := p.KVHeads * p.HeadDim
	group := p.Heads / p.KVHeads
	scores := make([]float32, p.StartPos+p.Rows)
	for u := lo; u < hi; u++ {
		r, h := u/p.Heads, u%p.Heads
		pos := p.StartPos + r
		first := 0
		if p.Window > 0 && pos-p.Window+1 > 0 {
			first = pos - p.Window + 1
		}
		kvOff := (h / group) * p.HeadDim
		qv := q[r*qDim+h*p.HeadDim : r*qDim+(h+1)*p.HeadDim]
		s := scores[:pos+1-first]
		for j := first; j <= pos; j++ {
			kv := k[j*kvDim+kvOff : j*kvDim+kvOff+p.HeadDim]
			var dot float32
			for d := range qv {
				dot += qv[d] * kv[d]
			}
			s[j-first] = dot * p.Scale
		}
		Softmax(s)
		o := out[r*qDim+h*p.HeadDim : r*qDim+(h+1)*p.HeadDim]
		for d := range o {
			o[d] = 0
		}
		for j := first; j <= pos; j++ {
			wt := s[j-first]
			vv := v[j*kvDim+kvOff : j*kvDim+kvOff+p.HeadDim]
			for d := range o {
				o[d] += wt * vv[d]
			}
		}
	}
}

// swigluRange overwrites gate[lo:hi] with silu(gate) * up.
func swigluRange(gate, up []float32, lo, hi int) {
	for i := lo; i < hi; i++ {
		gate[i] = SiLU(gate[i]) * up[i]
	}
}
