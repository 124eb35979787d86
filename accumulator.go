package ivector

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/ieee0824/ivector-go/acoustic"
	"github.com/ieee0824/ivector-go/internal/mathutil"
)

// weightSampleSeed seeds the posterior sampling in commitStatsForW. A fixed
// seed keeps the committed weight stats identical for a given utterance no
// matter which worker commits it or in what order, so partial accumulators
// merge to the same totals as a single one.
const weightSampleSeed = 1729

// Stats accumulates the training statistics needed to re-estimate an
// Extractor. One Stats is filled per EM pass: many goroutines may call
// Accumulate concurrently, then a single caller runs Update.
//
// The fields are split into six independently locked groups so that
// concurrent commits to unrelated statistics do not contend. The quadratic
// term R is the expensive one: instead of a rank-one update per utterance,
// contributions are parked in a bounded cache and folded into R with one
// matrix multiply when the cache fills.
type Stats struct {
	opts   StatsOptions
	logger *slog.Logger

	// gammaYLock guards gamma, y, and totAuxf.
	gammaYLock sync.Mutex
	totAuxf    float64
	gamma      []float64    // [I] total occupancy per component
	y          []*mat.Dense // [I] D×S linear term for the projections M

	// rLock guards r.
	rLock sync.Mutex
	r     *mat.Dense // I×S(S+1)/2, packed quadratic term per component

	// rCacheLock guards the pending contributions to r.
	rCacheLock    sync.Mutex
	rNumCached    int
	rGammaCache   *mat.Dense // cacheSize×I
	rScatterCache *mat.Dense // cacheSize×S(S+1)/2

	// weightStatsLock guards q and g, nil unless the extractor has
	// ivector-dependent weights.
	weightStatsLock sync.Mutex
	q               *mat.Dense // I×S(S+1)/2, packed quadratic term for w
	g               *mat.Dense // I×S, linear term for w

	// varianceStatsLock guards sigma, nil unless variances are updated.
	varianceStatsLock sync.Mutex
	sigma             []*mat.SymDense // [I] D×D raw second-order stats

	// priorStatsLock guards the prior re-estimation stats.
	priorStatsLock sync.Mutex
	numIvectors    float64
	ivectorSum     []float64     // [S]
	ivectorScatter *mat.SymDense // S×S
}

// NewStats allocates zeroed statistics shaped for the given extractor.
func NewStats(ex *Extractor, opts StatsOptions) (*Stats, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	numGauss := ex.NumGauss()
	featDim := ex.FeatDim()
	ivectorDim := ex.IvectorDim()
	packedLen := mathutil.PackedLen(ivectorDim)

	s := &Stats{
		opts:           opts,
		logger:         slog.Default().With("component", "ivector"),
		gamma:          make([]float64, numGauss),
		y:              make([]*mat.Dense, numGauss),
		r:              mat.NewDense(numGauss, packedLen, nil),
		rGammaCache:    mat.NewDense(opts.CacheSize, numGauss, nil),
		rScatterCache:  mat.NewDense(opts.CacheSize, packedLen, nil),
		ivectorSum:     make([]float64, ivectorDim),
		ivectorScatter: mat.NewSymDense(ivectorDim, nil),
	}
	for i := range s.y {
		s.y[i] = mat.NewDense(featDim, ivectorDim, nil)
	}
	if ex.IvectorDependentWeights() {
		s.q = mat.NewDense(numGauss, packedLen, nil)
		s.g = mat.NewDense(numGauss, ivectorDim, nil)
	}
	if opts.UpdateVariances {
		s.sigma = make([]*mat.SymDense, numGauss)
		for i := range s.sigma {
			s.sigma[i] = mat.NewSymDense(featDim, nil)
		}
	}
	return s, nil
}

// SetLogger replaces the logger used for flush and update reporting.
func (s *Stats) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Count returns the total occupancy over all accumulated utterances. Not
// safe to call concurrently with Accumulate.
func (s *Stats) Count() float64 {
	return floats.Sum(s.gamma)
}

// AuxfPerFrame returns the accumulated auxiliary function divided by the
// frame count. Only meaningful when ComputeAuxf was set. Not safe to call
// concurrently with Accumulate.
func (s *Stats) AuxfPerFrame() float64 {
	c := s.Count()
	if c == 0 {
		return 0
	}
	return s.totAuxf / c
}

// Accumulate estimates the ivector posterior for one utterance and commits
// its statistics. Safe for concurrent use.
func (s *Stats) Accumulate(ex *Extractor, feats [][]float64, post []acoustic.Posterior) error {
	if err := s.checkDims(ex); err != nil {
		return err
	}
	utt := NewUtteranceStats(ex.NumGauss(), ex.FeatDim(), s.sigma != nil)
	if err := utt.AccStats(feats, post); err != nil {
		return err
	}
	return s.commitStatsForUtterance(ex, utt)
}

// AccumulateFromFullGMM is an offline variant of Accumulate that derives
// dense frame posteriors from the full-covariance background model itself,
// with no pruning or preselection. It returns the total frame
// log-likelihood under the mixture.
func (s *Stats) AccumulateFromFullGMM(ex *Extractor, feats [][]float64, fgmm *acoustic.FullGMM) (float64, error) {
	numComp := len(fgmm.Weights)
	post := make([]acoustic.Posterior, len(feats))
	buf := make([]float64, numComp)
	totLogLike := 0.0
	for t, frame := range feats {
		totLogLike += fgmm.ComponentPosteriors(frame, buf)
		p := make(acoustic.Posterior, numComp)
		for i, w := range buf {
			p[i] = acoustic.PosteriorEntry{Index: i, Weight: w}
		}
		post[t] = p
	}
	if err := s.Accumulate(ex, feats, post); err != nil {
		return 0, err
	}
	return totLogLike, nil
}

// commitStatsForUtterance estimates the posterior over the ivector and
// commits every statistic group this accumulator is configured for.
func (s *Stats) commitStatsForUtterance(ex *Extractor, utt *UtteranceStats) error {
	ivectorDim := ex.IvectorDim()
	mean := mat.NewVecDense(ivectorDim, nil)
	variance := mat.NewSymDense(ivectorDim, nil)
	if err := ex.GetIvectorDistribution(utt, mean, variance); err != nil {
		return err
	}
	auxf := 0.0
	if s.opts.ComputeAuxf {
		auxf = ex.GetAuxf(utt, mean, variance)
	}
	s.commitStatsForM(ex, utt, mean, variance, auxf)
	if ex.IvectorDependentWeights() {
		if err := s.commitStatsForW(ex, utt, mean, variance); err != nil {
			return err
		}
	}
	s.commitStatsForPrior(mean, variance)
	if s.sigma != nil && utt.S != nil {
		s.commitStatsForSigma(ex, utt)
	}
	return nil
}

// commitStatsForM commits the occupancies, the linear term of the
// projections, and the cached quadratic contribution for R.
func (s *Stats) commitStatsForM(ex *Extractor, utt *UtteranceStats, mean *mat.VecDense, variance *mat.SymDense, auxf float64) {
	featDim := ex.FeatDim()

	s.gammaYLock.Lock()
	if s.opts.ComputeAuxf {
		s.totAuxf += auxf
	}
	floats.Add(s.gamma, utt.Gamma)
	for i := range s.y {
		if utt.Gamma[i] == 0 {
			continue
		}
		s.y[i].RankOne(s.y[i], 1.0, mat.NewVecDense(featDim, utt.X[i]), mean)
	}
	s.gammaYLock.Unlock()

	// The contribution to each R_i is gamma_i times the expected outer
	// product of the ivector. Park it in the cache; FlushCache folds all
	// cached rows into R with a single multiply.
	scatter := make([]float64, s.rScatterCache.RawMatrix().Cols)
	packIvecScatter(mean, variance, scatter)

	s.rCacheLock.Lock()
	for s.rNumCached == s.opts.CacheSize {
		s.rCacheLock.Unlock()
		s.FlushCache()
		s.rCacheLock.Lock()
	}
	s.rGammaCache.SetRow(s.rNumCached, utt.Gamma)
	s.rScatterCache.SetRow(s.rNumCached, scatter)
	s.rNumCached++
	s.rCacheLock.Unlock()
}

// FlushCache folds the cached per-utterance contributions into R. The cache
// is emptied atomically under its own lock, so concurrent committers never
// observe a partial drain; the fold itself runs under the R lock.
func (s *Stats) FlushCache() {
	s.rCacheLock.Lock()
	if s.rNumCached == 0 {
		s.rCacheLock.Unlock()
		return
	}
	n := s.rNumCached
	// Copy the used rows so other threads can refill the cache while the
	// multiply runs.
	_, numGauss := s.rGammaCache.Dims()
	_, packedLen := s.rScatterCache.Dims()
	gammaCache := mat.DenseCopyOf(s.rGammaCache.Slice(0, n, 0, numGauss))
	scatterCache := mat.DenseCopyOf(s.rScatterCache.Slice(0, n, 0, packedLen))
	s.rNumCached = 0
	s.rCacheLock.Unlock()

	s.logger.Debug("flushing projection stats cache", "entries", n)

	var prod mat.Dense
	prod.Mul(gammaCache.T(), scatterCache)
	s.rLock.Lock()
	s.r.Add(s.r, &prod)
	s.rLock.Unlock()
}

// commitStatsForW commits weight-projection stats. The expectation of the
// softmax expansion under the ivector posterior has no closed form, so it is
// approximated with samples from the posterior, each committed as a point
// contribution.
func (s *Stats) commitStatsForW(ex *Extractor, utt *UtteranceStats, mean *mat.VecDense, variance *mat.SymDense) error {
	numSamples := s.opts.NumSamplesForWeights
	ivectorDim := ex.IvectorDim()

	normal, ok := distmv.NewNormal(make([]float64, ivectorDim), variance, rand.NewPCG(weightSampleSeed, 0))
	if !ok {
		return fmt.Errorf("ivector posterior covariance is not positive definite")
	}
	samples := mat.NewDense(numSamples, ivectorDim, nil)
	avg := make([]float64, ivectorDim)
	for k := 0; k < numSamples; k++ {
		normal.Rand(samples.RawRowView(k))
		floats.Add(avg, samples.RawRowView(k))
	}
	floats.Scale(1.0/float64(numSamples), avg)

	// Center the samples exactly on the posterior mean and rescale so their
	// expected scatter still matches the posterior covariance.
	correction := math.Sqrt(float64(numSamples) / float64(numSamples-1))
	for k := 0; k < numSamples; k++ {
		row := samples.RawRowView(k)
		for d := range row {
			row[d] = (row[d]-avg[d])*correction + mean.AtVec(d)
		}
	}
	weight := 1.0 / float64(numSamples)
	for k := 0; k < numSamples; k++ {
		s.commitStatsForWPoint(ex, utt, samples.RawRowView(k), weight)
	}
	return nil
}

// commitStatsForWPoint commits the weight stats of a single ivector sample.
// The coefficients mirror GetIvectorDistWeight, including the max term that
// keeps the quadratic expansion safe.
func (s *Stats) commitStatsForWPoint(ex *Extractor, utt *UtteranceStats, ivector []float64, weight float64) {
	numGauss := ex.NumGauss()
	iv := mat.NewVecDense(len(ivector), ivector)

	var logwUnnorm mat.VecDense
	logwUnnorm.MulVec(ex.W, iv)
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

	ivectorDim := len(ivector)
	outer := make([]float64, mathutil.PackedLen(ivectorDim))
	k := 0
	for r := 0; r < ivectorDim; r++ {
		for c := 0; c <= r; c++ {
			outer[k] = ivector[r] * ivector[c]
			k++
		}
	}

	s.weightStatsLock.Lock()
	s.g.RankOne(s.g, weight, mat.NewVecDense(numGauss, linearCoeff), iv)
	s.q.RankOne(s.q, weight, mat.NewVecDense(numGauss, quadraticCoeff), mat.NewVecDense(len(outer), outer))
	s.weightStatsLock.Unlock()
}

// commitStatsForSigma commits the raw second-order stats for the variance
// update.
func (s *Stats) commitStatsForSigma(ex *Extractor, utt *UtteranceStats) {
	s.varianceStatsLock.Lock()
	for i := range s.sigma {
		s.sigma[i].AddSym(s.sigma[i], utt.S[i])
	}
	s.varianceStatsLock.Unlock()
}

// commitStatsForPrior commits the ivector mean and scatter used to
// re-estimate the prior.
func (s *Stats) commitStatsForPrior(mean *mat.VecDense, variance *mat.SymDense) {
	s.priorStatsLock.Lock()
	s.numIvectors += 1.0
	for d := range s.ivectorSum {
		s.ivectorSum[d] += mean.AtVec(d)
	}
	s.ivectorScatter.AddSym(s.ivectorScatter, variance)
	s.ivectorScatter.SymRankOne(s.ivectorScatter, 1.0, mean)
	s.priorStatsLock.Unlock()
}

// Add merges another accumulator into this one. Both caches are flushed
// first so no pending contribution is lost. The accumulators must have been
// built for the same model shape and sampling configuration.
func (s *Stats) Add(other *Stats) error {
	if s.opts.NumSamplesForWeights != other.opts.NumSamplesForWeights {
		return fmt.Errorf("merging stats with %d weight samples into stats with %d",
			other.opts.NumSamplesForWeights, s.opts.NumSamplesForWeights)
	}
	s.FlushCache()
	other.FlushCache()
	if err := s.sameShape(other); err != nil {
		return err
	}

	s.totAuxf += other.totAuxf
	floats.Add(s.gamma, other.gamma)
	for i := range s.y {
		s.y[i].Add(s.y[i], other.y[i])
	}
	s.r.Add(s.r, other.r)
	if s.q != nil {
		s.q.Add(s.q, other.q)
		s.g.Add(s.g, other.g)
	}
	if s.sigma != nil {
		for i := range s.sigma {
			s.sigma[i].AddSym(s.sigma[i], other.sigma[i])
		}
	}
	s.numIvectors += other.numIvectors
	floats.Add(s.ivectorSum, other.ivectorSum)
	s.ivectorScatter.AddSym(s.ivectorScatter, other.ivectorScatter)
	return nil
}

// sameShape verifies that two accumulators were allocated for identical
// dimensions and statistic groups.
func (s *Stats) sameShape(other *Stats) error {
	if len(s.gamma) != len(other.gamma) {
		return fmt.Errorf("component count mismatch: %d vs %d", len(s.gamma), len(other.gamma))
	}
	sr, sc := s.y[0].Dims()
	or, oc := other.y[0].Dims()
	if sr != or || sc != oc {
		return fmt.Errorf("projection stats shape mismatch: %dx%d vs %dx%d", sr, sc, or, oc)
	}
	if (s.q == nil) != (other.q == nil) {
		return fmt.Errorf("one accumulator holds weight stats and the other does not")
	}
	if (s.sigma == nil) != (other.sigma == nil) {
		return fmt.Errorf("one accumulator holds variance stats and the other does not")
	}
	if len(s.ivectorSum) != len(other.ivectorSum) {
		return fmt.Errorf("ivector dimension mismatch: %d vs %d", len(s.ivectorSum), len(other.ivectorSum))
	}
	return nil
}

// checkDims verifies that the accumulator was allocated for this extractor's
// dimensions. A mismatch is a caller bug; the operation is aborted.
func (s *Stats) checkDims(ex *Extractor) error {
	numGauss := ex.NumGauss()
	featDim := ex.FeatDim()
	ivectorDim := ex.IvectorDim()
	packedLen := mathutil.PackedLen(ivectorDim)

	if len(s.gamma) != numGauss {
		return fmt.Errorf("stats have %d components, extractor has %d", len(s.gamma), numGauss)
	}
	yr, yc := s.y[0].Dims()
	if yr != featDim || yc != ivectorDim {
		return fmt.Errorf("projection stats are %dx%d, extractor needs %dx%d", yr, yc, featDim, ivectorDim)
	}
	if _, rc := s.r.Dims(); rc != packedLen {
		return fmt.Errorf("quadratic stats have packed length %d, extractor needs %d", rc, packedLen)
	}
	if ex.IvectorDependentWeights() != (s.q != nil) {
		return fmt.Errorf("weight stats allocated for a different weight configuration")
	}
	if s.sigma != nil {
		if d := s.sigma[0].SymmetricDim(); d != featDim {
			return fmt.Errorf("variance stats have dimension %d, extractor has %d", d, featDim)
		}
	}
	if len(s.ivectorSum) != ivectorDim {
		return fmt.Errorf("prior stats have dimension %d, extractor has %d", len(s.ivectorSum), ivectorDim)
	}
	return nil
}

// packIvecScatter packs mean*meanᵀ plus the covariance into dst, row by row
// over the lower triangle.
func packIvecScatter(mean *mat.VecDense, variance *mat.SymDense, dst []float64) {
	n := mean.Len()
	k := 0
	for r := 0; r < n; r++ {
		for c := 0; c <= r; c++ {
			v := mean.AtVec(r) * mean.AtVec(c)
			if variance != nil {
				v += variance.At(r, c)
			}
			dst[k] = v
			k++
		}
	}
}
