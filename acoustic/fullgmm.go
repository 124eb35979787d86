package acoustic

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/ivector-go/internal/mathutil"
)

// FullGMM is a Gaussian mixture model with full covariances, stored through
// their inverses. It refines a diagonal model into the background model the
// ivector extractor is initialized from.
type FullGMM struct {
	Weights   []float64       // [k] mixture weights, sum to one
	Means     *mat.Dense      // k×dim, one mean per row
	InvCovars []*mat.SymDense // [k] dim×dim inverse covariances

	// Precomputed by Precompute.
	gconsts       []float64  // [k] log w - 0.5*(dim*log(2π) - log|Σ⁻¹| + μ'Σ⁻¹μ)
	sigmaInvMeans *mat.Dense // k×dim, row c holds Σ⁻¹_c μ_c
}

// Dim returns the feature dimension.
func (g *FullGMM) Dim() int {
	_, d := g.Means.Dims()
	return d
}

// Precompute recalculates the cached constants. Must be called after
// changing Weights, Means, or InvCovars.
func (g *FullGMM) Precompute() error {
	k := len(g.Weights)
	dim := g.Dim()
	g.gconsts = make([]float64, k)
	g.sigmaInvMeans = mat.NewDense(k, dim, nil)
	halfLog2Pi := 0.5 * float64(dim) * math.Log(2*math.Pi)
	var sim mat.VecDense
	for c := 0; c < k; c++ {
		logDetInv, err := mathutil.LogDetSym(g.InvCovars[c])
		if err != nil {
			return fmt.Errorf("component %d inverse covariance: %w", c, err)
		}
		mean := g.Means.RawRowView(c)
		sim.MulVec(g.InvCovars[c], mat.NewVecDense(dim, mean))
		g.sigmaInvMeans.SetRow(c, sim.RawVector().Data)
		quad := floats.Dot(sim.RawVector().Data, mean)
		g.gconsts[c] = math.Log(g.Weights[c]) + 0.5*logDetInv - halfLog2Pi - 0.5*quad
	}
	return nil
}

// ComponentLogLikes writes each component's weighted log-likelihood of x
// into dst and returns the frame's total log-likelihood. dst must have one
// element per component.
func (g *FullGMM) ComponentLogLikes(x []float64, dst []float64) float64 {
	for c := range g.Weights {
		lin := floats.Dot(g.sigmaInvMeans.RawRowView(c), x)
		quad := mathutil.QuadForm(g.InvCovars[c], x)
		dst[c] = g.gconsts[c] + lin - 0.5*quad
	}
	return floats.LogSumExp(dst)
}

// LogProb computes log P(x) under the mixture.
func (g *FullGMM) LogProb(x []float64) float64 {
	dst := make([]float64, len(g.Weights))
	return g.ComponentLogLikes(x, dst)
}

// ComponentPosteriors writes the posterior probability of every component
// given x into dst and returns the frame's total log-likelihood.
func (g *FullGMM) ComponentPosteriors(x []float64, dst []float64) float64 {
	total := g.ComponentLogLikes(x, dst)
	for i, ll := range dst {
		dst[i] = math.Exp(ll - total)
	}
	return total
}

// PosteriorsSelect computes pruned posteriors over the selected components
// only. sel must be sorted by component index.
func (g *FullGMM) PosteriorsSelect(x []float64, sel []int, minPost float64) (Posterior, float64) {
	lls := make([]float64, len(sel))
	for i, c := range sel {
		lin := floats.Dot(g.sigmaInvMeans.RawRowView(c), x)
		quad := mathutil.QuadForm(g.InvCovars[c], x)
		lls[i] = g.gconsts[c] + lin - 0.5*quad
	}
	post, total := PosteriorsFromLogLikes(lls, minPost)
	for i := range post {
		post[i].Index = sel[post[i].Index]
	}
	return post, total
}

// FullFromDiag converts a diagonal-covariance model into a full-covariance
// one with the same parameters.
func FullFromDiag(d *DiagGMM) (*FullGMM, error) {
	k := len(d.Components)
	dim := d.Dim
	g := &FullGMM{
		Weights:   make([]float64, k),
		Means:     mat.NewDense(k, dim, nil),
		InvCovars: make([]*mat.SymDense, k),
	}
	for c := range d.Components {
		comp := &d.Components[c]
		g.Weights[c] = math.Exp(comp.LogWeight)
		g.Means.SetRow(c, comp.Mean)
		ic := mat.NewSymDense(dim, nil)
		for i := 0; i < dim; i++ {
			ic.SetSym(i, i, 1.0/comp.Variance[i])
		}
		g.InvCovars[c] = ic
	}
	if err := g.Precompute(); err != nil {
		return nil, err
	}
	return g, nil
}
