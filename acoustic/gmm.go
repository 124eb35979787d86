package acoustic

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Gaussian is a single multivariate mixture component with diagonal
// covariance.
type Gaussian struct {
	Mean      []float64 // [dim]
	Variance  []float64 // [dim] diagonal covariance
	LogWeight float64   // log mixture weight

	// Pre-computed values
	gconst      float64   // LogWeight - 0.5*(dim*log(2π) + Σ log σ² + μ'Σ⁻¹μ)
	invVariance []float64 // [dim] 1/Variance
	meanInvVar  []float64 // [dim] Mean/Variance
}

// Precompute recalculates cached constants and inverse variances.
// Must be called after updating Mean, Variance, or LogWeight.
func (g *Gaussian) Precompute() {
	dim := len(g.Mean)
	g.invVariance = make([]float64, dim)
	g.meanInvVar = make([]float64, dim)
	sumLogVar := 0.0
	quad := 0.0
	for d := range g.Variance {
		iv := 1.0 / g.Variance[d]
		g.invVariance[d] = iv
		g.meanInvVar[d] = g.Mean[d] * iv
		sumLogVar += math.Log(g.Variance[d])
		quad += g.Mean[d] * g.Mean[d] * iv
	}
	g.gconst = g.LogWeight - 0.5*(float64(dim)*math.Log(2*math.Pi)+sumLogVar+quad)
}

// LogProb computes log(w * N(x; μ, σ²)) for this component, including the
// mixture weight.
func (g *Gaussian) LogProb(x []float64) float64 {
	s := g.gconst
	for d, xd := range x {
		s += xd*g.meanInvVar[d] - 0.5*xd*xd*g.invVariance[d]
	}
	return s
}

// DiagGMM is a Gaussian mixture model with diagonal covariances. It serves
// as the universal background model that turns feature frames into
// per-component posteriors.
type DiagGMM struct {
	Components []Gaussian
	Dim        int

	// SoA (Struct of Arrays) cache for the batch likelihood path.
	// Built by PrecomputeSoA. All component data packed contiguously.
	soaInvVar     []float64 // [k*dim] inverse variances
	soaMeanInvVar []float64 // [k*dim] means scaled by inverse variances
	soaConst      []float64 // [k] per-component gconst
}

// PrecomputeSoA builds the SoA cache. Call after all components are set.
func (g *DiagGMM) PrecomputeSoA() {
	k := len(g.Components)
	dim := g.Dim
	g.soaInvVar = make([]float64, k*dim)
	g.soaMeanInvVar = make([]float64, k*dim)
	g.soaConst = make([]float64, k)
	for i := range g.Components {
		g.Components[i].Precompute()
		off := i * dim
		copy(g.soaInvVar[off:off+dim], g.Components[i].invVariance)
		copy(g.soaMeanInvVar[off:off+dim], g.Components[i].meanInvVar)
		g.soaConst[i] = g.Components[i].gconst
	}
}

// NewDiagGMM creates a model with k components of dimension dim: random
// normal means, unit variances, uniform weights.
func NewDiagGMM(k, dim int) *DiagGMM {
	g := &DiagGMM{
		Components: make([]Gaussian, k),
		Dim:        dim,
	}
	logW := -math.Log(float64(k))
	for i := range g.Components {
		mean := make([]float64, dim)
		variance := make([]float64, dim)
		for d := 0; d < dim; d++ {
			mean[d] = rand.NormFloat64()
			variance[d] = 1.0
		}
		g.Components[i] = Gaussian{
			Mean:      mean,
			Variance:  variance,
			LogWeight: logW,
		}
	}
	g.PrecomputeSoA()
	return g
}

// NewDiagGMMWithParams creates a model from given parameters. The slices are
// copied.
func NewDiagGMMWithParams(means, variances [][]float64, logWeights []float64) *DiagGMM {
	k := len(means)
	dim := len(means[0])
	g := &DiagGMM{
		Components: make([]Gaussian, k),
		Dim:        dim,
	}
	for i := range g.Components {
		mean := make([]float64, dim)
		variance := make([]float64, dim)
		copy(mean, means[i])
		copy(variance, variances[i])
		g.Components[i] = Gaussian{
			Mean:      mean,
			Variance:  variance,
			LogWeight: logWeights[i],
		}
	}
	g.PrecomputeSoA()
	return g
}

// ComponentLogLikes writes each component's weighted log-likelihood of x
// into dst and returns the frame's total log-likelihood. dst must have one
// element per component.
func (g *DiagGMM) ComponentLogLikes(x []float64, dst []float64) float64 {
	if g.soaConst == nil {
		g.PrecomputeSoA()
	}
	k := len(g.Components)
	dim := g.Dim
	for c := 0; c < k; c++ {
		off := c * dim
		iv := g.soaInvVar[off : off+dim]
		miv := g.soaMeanInvVar[off : off+dim]
		s := g.soaConst[c]
		for d, xd := range x {
			s += xd*miv[d] - 0.5*xd*xd*iv[d]
		}
		dst[c] = s
	}
	return floats.LogSumExp(dst)
}

// LogProb computes log P(x) = log Σ_k w_k N(x; μ_k, σ_k).
func (g *DiagGMM) LogProb(x []float64) float64 {
	dst := make([]float64, len(g.Components))
	return g.ComponentLogLikes(x, dst)
}

// ComponentPosteriors writes the posterior probability of every component
// given x into dst and returns the frame's total log-likelihood.
func (g *DiagGMM) ComponentPosteriors(x []float64, dst []float64) float64 {
	total := g.ComponentLogLikes(x, dst)
	for i, ll := range dst {
		dst[i] = math.Exp(ll - total)
	}
	return total
}

// PosteriorsSelect computes pruned posteriors over the selected components
// only. sel must be sorted by component index.
func (g *DiagGMM) PosteriorsSelect(x []float64, sel []int, minPost float64) (Posterior, float64) {
	lls := make([]float64, len(sel))
	for i, c := range sel {
		lls[i] = g.Components[c].LogProb(x)
	}
	post, total := PosteriorsFromLogLikes(lls, minPost)
	for i := range post {
		post[i].Index = sel[post[i].Index]
	}
	return post, total
}

// BatchWorkspace holds reusable buffers for the batch likelihood path.
type BatchWorkspace struct {
	x   mat.Dense // T×D frames
	xsq mat.Dense // T×D squared frames
	t2  mat.Dense // T×K linear term
	lp  mat.Dense // T×K log-likelihoods
}

// ComponentLogLikesBatch computes the weighted log-likelihood of every
// component for every frame with two matrix multiplies:
//
//	lp[t,c] = gconst[c] + x_t·(μ_c/σ²_c) - 0.5·x_t²·(1/σ²_c)
//
// The returned matrix aliases the workspace and is valid until the next call
// with the same workspace. A nil workspace allocates a fresh one.
func (g *DiagGMM) ComponentLogLikesBatch(frames [][]float64, ws *BatchWorkspace) *mat.Dense {
	if g.soaConst == nil {
		g.PrecomputeSoA()
	}
	if ws == nil {
		ws = &BatchWorkspace{}
	}
	T := len(frames)
	k := len(g.Components)
	dim := g.Dim

	ws.x.Reset()
	ws.x.ReuseAs(T, dim)
	ws.xsq.Reset()
	ws.xsq.ReuseAs(T, dim)
	for t, f := range frames {
		xr := ws.x.RawRowView(t)
		sr := ws.xsq.RawRowView(t)
		copy(xr, f)
		for d, v := range f {
			sr[d] = v * v
		}
	}

	invVar := mat.NewDense(k, dim, g.soaInvVar)
	meanInvVar := mat.NewDense(k, dim, g.soaMeanInvVar)

	ws.lp.Reset()
	ws.lp.ReuseAs(T, k)
	ws.lp.Mul(&ws.xsq, invVar.T())
	ws.lp.Scale(-0.5, &ws.lp)
	ws.t2.Reset()
	ws.t2.ReuseAs(T, k)
	ws.t2.Mul(&ws.x, meanInvVar.T())
	ws.lp.Add(&ws.lp, &ws.t2)
	for t := 0; t < T; t++ {
		floats.Add(ws.lp.RawRowView(t), g.soaConst)
	}
	return &ws.lp
}

// GSelect returns, for every frame, the indices of the n highest-likelihood
// components sorted by index. With n <= 0 or n >= the component count, every
// index is selected.
func (g *DiagGMM) GSelect(frames [][]float64, n int, ws *BatchWorkspace) [][]int {
	k := len(g.Components)
	sel := make([][]int, len(frames))
	if n <= 0 || n >= k {
		all := make([]int, k)
		for i := range all {
			all[i] = i
		}
		for t := range sel {
			sel[t] = all
		}
		return sel
	}
	lp := g.ComponentLogLikesBatch(frames, ws)
	for t := range frames {
		row := lp.RawRowView(t)
		idx := make([]int, k)
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
		top := make([]int, n)
		copy(top, idx[:n])
		sort.Ints(top)
		sel[t] = top
	}
	return sel
}
