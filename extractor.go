package ivector

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/ivector-go/acoustic"
	"github.com/ieee0824/ivector-go/internal/mathutil"
)

var log2Pi = math.Log(2 * math.Pi)

// Extractor is the iVector model. It maps a low-dimensional embedding to
// per-component mean offsets of the background model. Dimensions throughout:
// D is the feature dimension, I the component count, S the iVector
// dimension.
//
// The Extractor may be read concurrently by any number of estimation calls,
// but must not be read while Update mutates it. After changing M, SigmaInv,
// or W directly, call ComputeDerivedVars.
type Extractor struct {
	// W holds the weight projection rows, one per component, when the
	// mixture weights are regressed on the iVector. When it is nil the
	// weights are static and kept in WVec; they then have no effect on the
	// iVector, but keep log-probabilities comparable across systems.
	W    *mat.Dense
	WVec []float64

	// M[i] is the D×S projection from iVector space to the mean offset of
	// component i. There is no separate mean offset: the prior over the
	// first iVector coordinate has the nonzero mean PriorOffset instead.
	M []*mat.Dense

	// SigmaInv[i] is the D×D inverse covariance of component i.
	SigmaInv []*mat.SymDense

	// PriorOffset is the nonzero mean of the first coordinate of the prior.
	PriorOffset float64

	// numIters caps the re-centering iterations used when weights depend on
	// the iVector.
	numIters int

	// Derived variables, recomputed by ComputeDerivedVars.
	gconsts []float64  // [I] per-component log-likelihood constants, weights excluded
	u       *mat.Dense // I×S(S+1)/2, row i is the packed M_i' Σ_i⁻¹ M_i
}

// NewExtractor initializes a model from a full-covariance background model:
// inverse variances are copied, each projection gets random normal entries
// with its first column carrying the component mean scaled by the prior
// offset.
func NewExtractor(opts ExtractorOptions, fgmm *acoustic.FullGMM) (*Extractor, error) {
	if opts.IvectorDim <= 0 {
		return nil, fmt.Errorf("invalid ivector dimension %d", opts.IvectorDim)
	}
	numGauss := len(fgmm.Weights)
	if numGauss == 0 {
		return nil, fmt.Errorf("background model has no components")
	}
	featDim := fgmm.Dim()
	S := opts.IvectorDim

	e := &Extractor{
		M:           make([]*mat.Dense, numGauss),
		SigmaInv:    make([]*mat.SymDense, numGauss),
		PriorOffset: 100.0, // must be nonzero
		numIters:    opts.NumIters,
	}
	for i := 0; i < numGauss; i++ {
		Mi := mat.NewDense(featDim, S, nil)
		for r := 0; r < featDim; r++ {
			for c := 0; c < S; c++ {
				Mi.Set(r, c, rand.NormFloat64())
			}
		}
		for r := 0; r < featDim; r++ {
			Mi.Set(r, 0, fgmm.Means.At(i, r)/e.PriorOffset)
		}
		e.M[i] = Mi
		si := mat.NewSymDense(featDim, nil)
		si.CopySym(fgmm.InvCovars[i])
		e.SigmaInv[i] = si
	}
	if opts.UseWeights {
		e.W = mat.NewDense(numGauss, S, nil)
	} else {
		e.WVec = make([]float64, numGauss)
		copy(e.WVec, fgmm.Weights)
	}
	if err := e.ComputeDerivedVars(); err != nil {
		return nil, err
	}
	return e, nil
}

// FeatDim returns the feature dimension D.
func (e *Extractor) FeatDim() int {
	if len(e.M) == 0 {
		return 0
	}
	d, _ := e.M[0].Dims()
	return d
}

// IvectorDim returns the embedding dimension S.
func (e *Extractor) IvectorDim() int {
	if len(e.M) == 0 {
		return 0
	}
	_, s := e.M[0].Dims()
	return s
}

// NumGauss returns the component count I.
func (e *Extractor) NumGauss() int { return len(e.M) }

// IvectorDependentWeights reports whether the mixture weights are regressed
// on the iVector.
func (e *Extractor) IvectorDependentWeights() bool { return e.W != nil }

// ComputeDerivedVars recomputes gconsts and the packed U_i = M_i' Σ_i⁻¹ M_i
// cache from the primary parameters. It must be called after any parameter
// change; each component's values depend only on that component's
// parameters, so the work runs on a worker pool.
func (e *Extractor) ComputeDerivedVars() error {
	numGauss := e.NumGauss()
	S := e.IvectorDim()
	e.gconsts = make([]float64, numGauss)
	e.u = mat.NewDense(numGauss, S*(S+1)/2, nil)

	workers := runtime.NumCPU()
	if workers > numGauss {
		workers = numGauss
	}
	if workers < 1 {
		workers = 1
	}
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < numGauss; i += workers {
				if err := e.computeDerivedVars(i); err != nil && errs[w] == nil {
					errs[w] = err
				}
			}
		}(w)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// computeDerivedVars recomputes the derived variables of one component.
func (e *Extractor) computeDerivedVars(i int) error {
	featDim := e.FeatDim()
	S := e.IvectorDim()

	logDetInv, err := mathutil.LogDetSym(e.SigmaInv[i])
	if err != nil {
		return fmt.Errorf("component %d inverse variance: %w", i, err)
	}
	e.gconsts[i] = -0.5 * (float64(featDim)*log2Pi - logDetInv)

	var sim, ui mat.Dense
	sim.Mul(e.SigmaInv[i], e.M[i])
	ui.Mul(e.M[i].T(), &sim)
	row := e.u.RawRowView(i)
	k := 0
	for r := 0; r < S; r++ {
		for c := 0; c <= r; c++ {
			row[k] = 0.5 * (ui.At(r, c) + ui.At(c, r))
			k++
		}
	}
	return nil
}

// addPackedQuadratic adds unpack(U' gamma) into quadratic: the occupancy
// weighted sum of all U_i in one batched multiply, which is why U is kept
// packed in rows.
func (e *Extractor) addPackedQuadratic(gamma []float64, quadratic *mat.SymDense) {
	var qv mat.VecDense
	qv.MulVec(e.u.T(), mat.NewVecDense(len(gamma), gamma))
	raw := qv.RawVector().Data
	S := quadratic.SymmetricDim()
	k := 0
	for r := 0; r < S; r++ {
		for c := 0; c <= r; c++ {
			quadratic.SetSym(r, c, quadratic.At(r, c)+raw[k])
			k++
		}
	}
}

// GetIvectorDistMean adds the acoustic-mean terms of the iVector
// distribution to linear and quadratic. The setup throughout is
// log p(x) ∝ x'·linear - 0.5·x'·quadratic·x.
func (e *Extractor) GetIvectorDistMean(utt *UtteranceStats, linear *mat.VecDense, quadratic *mat.SymDense) {
	featDim := e.FeatDim()
	var temp, proj mat.VecDense
	for i := range e.M {
		if utt.Gamma[i] == 0 {
			continue
		}
		x := mat.NewVecDense(featDim, utt.X[i])
		temp.MulVec(e.SigmaInv[i], x)
		proj.MulVec(e.M[i].T(), &temp)
		linear.AddVec(linear, &proj)
	}
	e.addPackedQuadratic(utt.Gamma, quadratic)
}

// GetIvectorDistPrior adds the prior terms: a unit quadratic term, and the
// offset of the first coordinate as the linear term.
func (e *Extractor) GetIvectorDistPrior(linear *mat.VecDense, quadratic *mat.SymDense) {
	linear.SetVec(0, linear.AtVec(0)+e.PriorOffset)
	S := quadratic.SymmetricDim()
	for d := 0; d < S; d++ {
		quadratic.SetSym(d, d, quadratic.At(d, d)+1.0)
	}
}

// GetIvectorDistWeight adds a quadratic approximation of the log-weight
// terms, expanded around the supplied mean. The quadratic coefficient takes
// the larger of the observed count and the predicted count so the
// approximation stays concave.
func (e *Extractor) GetIvectorDistWeight(utt *UtteranceStats, mean *mat.VecDense, linear *mat.VecDense, quadratic *mat.SymDense) {
	if !e.IvectorDependentWeights() {
		return
	}
	numGauss := e.NumGauss()
	var logwUnnorm mat.VecDense
	logwUnnorm.MulVec(e.W, mean)
	w := softmax(logwUnnorm.RawVector().Data)

	gamma := utt.Count()
	linearCoeff := make([]float64, numGauss)
	quadraticCoeff := make([]float64, numGauss)
	for i := 0; i < numGauss; i++ {
		gammaI := utt.Gamma[i]
		maxTerm := math.Max(gammaI, gamma*w[i])
		linearCoeff[i] = gammaI - gamma*w[i] + maxTerm*logwUnnorm.AtVec(i)
		quadraticCoeff[i] = maxTerm
	}
	var lin mat.VecDense
	lin.MulVec(e.W.T(), mat.NewVecDense(numGauss, linearCoeff))
	linear.AddVec(linear, &lin)
	for i := 0; i < numGauss; i++ {
		if quadraticCoeff[i] == 0 {
			continue
		}
		wi := e.W.RawRowView(i)
		quadratic.SymRankOne(quadratic, quadraticCoeff[i], mat.NewVecDense(len(wi), wi))
	}
}

// GetIvectorDistribution computes a Gaussian approximation to the posterior
// over iVectors given the utterance statistics. mean must have IvectorDim
// elements; variance may be nil when only the point estimate is needed.
// When weights depend on the iVector, the weight term is repeatedly
// re-expanded around the current estimate until it stops moving.
func (e *Extractor) GetIvectorDistribution(utt *UtteranceStats, mean *mat.VecDense, variance *mat.SymDense) error {
	S := e.IvectorDim()
	linear := mat.NewVecDense(S, nil)
	quadratic := mat.NewSymDense(S, nil)
	e.GetIvectorDistMean(utt, linear, quadratic)
	e.GetIvectorDistPrior(linear, quadratic)

	quadraticInv := mat.NewSymDense(S, nil)
	if err := invertWithFlooring(quadratic, quadraticInv); err != nil {
		return err
	}
	curMean := mat.NewVecDense(S, nil)
	curMean.MulVec(quadraticInv, linear)

	if e.IvectorDependentWeights() {
		iters := e.numIters
		if iters <= 0 {
			iters = 2
		}
		// If the iVector moves less than this (in 2-norm), stop early.
		const changeThreshold = 0.1
		linearCur := mat.NewVecDense(S, nil)
		quadraticCur := mat.NewSymDense(S, nil)
		diff := mat.NewVecDense(S, nil)
		for iter := 0; iter < iters; iter++ {
			linearCur.CopyVec(linear)
			quadraticCur.CopySym(quadratic)
			e.GetIvectorDistWeight(utt, curMean, linearCur, quadraticCur)
			if err := invertWithFlooring(quadraticCur, quadraticInv); err != nil {
				return err
			}
			diff.CopyVec(curMean)
			curMean.MulVec(quadraticInv, linearCur)
			diff.SubVec(diff, curMean)
			if mat.Norm(diff, 2) < changeThreshold {
				break
			}
		}
	}
	if variance != nil {
		variance.CopySym(quadraticInv)
	}
	mean.CopyVec(curMean)
	return nil
}

// invertWithFlooring inverts the quadratic term into dst after flooring its
// eigenvalues at 1.0. The prior guarantees the quadratic term is at least
// the identity, so eigenvalues below one can only be round-off.
func invertWithFlooring(quadratic *mat.SymDense, dst *mat.SymDense) error {
	if _, err := mathutil.InvertSymFloored(quadratic, 1.0, dst); err != nil {
		return fmt.Errorf("invert quadratic term: %w", err)
	}
	return nil
}

// GetAuxf returns the per-utterance log-likelihood objective, summed over
// frames, of the given iVector distribution (a point distribution when
// variance is nil).
func (e *Extractor) GetAuxf(utt *UtteranceStats, mean *mat.VecDense, variance *mat.SymDense) float64 {
	return e.GetAcousticAuxf(utt, mean, variance) + e.GetPriorAuxf(mean, variance)
}

// GetAcousticAuxf returns the data-dependent part of the objective, the sum
// of its weight, normalizer, mean, and variance components.
func (e *Extractor) GetAcousticAuxf(utt *UtteranceStats, mean *mat.VecDense, variance *mat.SymDense) float64 {
	return e.GetAcousticAuxfWeight(utt, mean, variance) +
		e.GetAcousticAuxfGconst(utt) +
		e.GetAcousticAuxfMean(utt, mean, variance) +
		e.GetAcousticAuxfVariance(utt)
}

// GetAcousticAuxfGconst returns the part of the acoustic objective carried
// by the per-component normalization constants.
func (e *Extractor) GetAcousticAuxfGconst(utt *UtteranceStats) float64 {
	return floats.Dot(utt.Gamma, e.gconsts)
}

// GetAcousticAuxfMean returns the part of the acoustic objective that
// relates the projected means to the data means.
func (e *Extractor) GetAcousticAuxfMean(utt *UtteranceStats, mean *mat.VecDense, variance *mat.SymDense) float64 {
	featDim := e.FeatDim()
	S := e.IvectorDim()

	// K collects the mean-independent term -0.5 Σ_i γ_i m_i' Σ_i⁻¹ m_i.
	K := 0.0
	a := mat.NewVecDense(S, nil)
	var temp, proj mat.VecDense
	for i := range e.M {
		gamma := utt.Gamma[i]
		if gamma == 0 {
			continue
		}
		x := mat.NewVecDense(featDim, utt.X[i])
		temp.MulVec(e.SigmaInv[i], x)
		K += -0.5 / gamma * mat.Dot(x, &temp)
		proj.MulVec(e.M[i].T(), &temp)
		a.AddVec(a, &proj)
	}
	B := mat.NewSymDense(S, nil)
	e.addPackedQuadratic(utt.Gamma, B)

	ans := K + mat.Dot(mean, a) - 0.5*mat.Inner(mean, B, mean)
	if variance != nil {
		ans -= 0.5 * mathutil.TraceSymSym(variance, B)
	}
	return ans
}

// GetAcousticAuxfVariance returns the part of the acoustic objective that
// comes from the variance of the utterance statistics around their mean.
// Without second-order stats the variance is assumed to match the model.
func (e *Extractor) GetAcousticAuxfVariance(utt *UtteranceStats) float64 {
	if utt.S == nil {
		return -0.5 * utt.Count() * float64(e.FeatDim())
	}
	featDim := e.FeatDim()
	ans := 0.0
	centered := mat.NewSymDense(featDim, nil)
	for i := range e.M {
		gamma := utt.Gamma[i]
		if gamma == 0 {
			continue
		}
		centered.CopySym(utt.S[i])
		centered.ScaleSym(1.0/gamma, centered)
		m := make([]float64, featDim)
		for d, v := range utt.X[i] {
			m[d] = v / gamma
		}
		centered.SymRankOne(centered, -1.0, mat.NewVecDense(featDim, m))
		ans += -0.5 * gamma * mathutil.TraceSymSym(centered, e.SigmaInv[i])
	}
	return ans
}

// GetAcousticAuxfWeight returns the part of the acoustic objective carried
// by the mixture weights. With iVector-dependent weights and a variance it
// includes the quadratic correction from the same concavity-safe expansion
// used during estimation.
func (e *Extractor) GetAcousticAuxfWeight(utt *UtteranceStats, mean *mat.VecDense, variance *mat.SymDense) float64 {
	if !e.IvectorDependentWeights() {
		ans := 0.0
		for i, w := range e.WVec {
			if utt.Gamma[i] != 0 {
				ans += utt.Gamma[i] * math.Log(w)
			}
		}
		return ans
	}
	numGauss := e.NumGauss()
	var logwUnnorm mat.VecDense
	logwUnnorm.MulVec(e.W, mean)
	raw := logwUnnorm.RawVector().Data
	lse := floats.LogSumExp(raw)

	ans := 0.0
	for i := 0; i < numGauss; i++ {
		ans += utt.Gamma[i] * (raw[i] - lse)
	}
	if variance == nil {
		return ans
	}
	w := softmax(raw)
	gamma := utt.Count()
	var wi mat.VecDense
	for i := 0; i < numGauss; i++ {
		maxTerm := math.Max(utt.Gamma[i], gamma*w[i])
		if maxTerm == 0 {
			continue
		}
		row := e.W.RawRowView(i)
		wi.MulVec(variance, mat.NewVecDense(len(row), row))
		ans -= 0.5 * maxTerm * floats.Dot(wi.RawVector().Data, row)
	}
	return ans
}

// GetPriorAuxf returns the prior part of the objective. With a variance it
// is the expected log prior plus the entropy of the distribution, making it
// a probability; at a point it is a likelihood.
func (e *Extractor) GetPriorAuxf(mean *mat.VecDense, variance *mat.SymDense) float64 {
	S := e.IvectorDim()
	offset := make([]float64, S)
	for d := 0; d < S; d++ {
		offset[d] = mean.AtVec(d)
	}
	offset[0] -= e.PriorOffset
	sq := floats.Dot(offset, offset)
	if variance == nil {
		return -0.5 * (sq + float64(S)*log2Pi)
	}
	logDet, err := mathutil.LogDetSym(variance)
	if err != nil {
		return math.Inf(-1)
	}
	expectedSq := sq + mathutil.TraceSym(variance)
	return -0.5*(expectedSq+float64(S)*log2Pi) + 0.5*(logDet+float64(S)*(log2Pi+1.0))
}

// TransformIvectors applies the inverse of T on the right of every
// projection (and weight projection) so the model stays equivalent when the
// iVector distribution is transformed by T. Used by the prior update to
// restore a unit-covariance prior. Derived variables are not recomputed
// here.
func (e *Extractor) TransformIvectors(T *mat.Dense, newPriorOffset float64) error {
	var tinv mat.Dense
	if err := tinv.Inverse(T); err != nil {
		return fmt.Errorf("invert ivector transform: %w", err)
	}
	if e.IvectorDependentWeights() {
		var w mat.Dense
		w.Mul(e.W, &tinv)
		e.W.Copy(&w)
	}
	var m mat.Dense
	for i := range e.M {
		m.Mul(e.M[i], &tinv)
		e.M[i].Copy(&m)
		m.Reset()
	}
	e.PriorOffset = newPriorOffset
	return nil
}

func softmax(logw []float64) []float64 {
	lse := floats.LogSumExp(logw)
	out := make([]float64, len(logw))
	for i, v := range logw {
		out[i] = math.Exp(v - lse)
	}
	return out
}
