package ivector

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/ivector-go/internal/mathutil"
	"github.com/ieee0824/ivector-go/internal/solver"
)

// priorEigFloor is the absolute floor applied to eigenvalues of the ivector
// covariance before the whitening transform is built from them.
const priorEigFloor = 1.0e-07

// Update re-estimates the extractor from the accumulated statistics and
// returns the auxiliary-function improvement per frame. Pending cache
// entries are flushed first. The prior update runs last because it
// transforms the parameters the earlier updates produced; the derived
// quantities are recomputed before returning.
func (s *Stats) Update(ex *Extractor, opts UpdateOptions) (float64, error) {
	s.FlushCache()
	if err := s.checkDims(ex); err != nil {
		return 0, err
	}
	if s.opts.ComputeAuxf && s.totAuxf != 0 {
		s.logger.Info("auxiliary function before update",
			"per_frame", s.AuxfPerFrame(), "frames", s.Count())
	}

	ans := s.updateProjections(ex, opts)
	if ex.IvectorDependentWeights() {
		ans += s.updateWeights(ex, opts)
	}
	if s.sigma != nil {
		impr, err := s.updateVariances(ex, opts)
		if err != nil {
			return 0, err
		}
		ans += impr
	}
	impr, err := s.updatePrior(ex, opts)
	if err != nil {
		return 0, err
	}
	ans += impr

	if err := ex.ComputeDerivedVars(); err != nil {
		return 0, err
	}
	s.logger.Info("model update done", "improvement_per_frame", ans)
	return ans, nil
}

// poolSize sizes a worker pool for numTasks independent tasks.
func poolSize(numThreads, numTasks int) int {
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	if numThreads > numTasks {
		numThreads = numTasks
	}
	return numThreads
}

func (s *Stats) updateProjections(ex *Extractor, opts UpdateOptions) float64 {
	numGauss := ex.NumGauss()
	imprs := make([]float64, poolSize(opts.NumThreads, numGauss))
	var wg sync.WaitGroup
	for w := range imprs {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < numGauss; i += len(imprs) {
				imprs[w] += s.updateProjection(ex, i, opts)
			}
		}(w)
	}
	wg.Wait()

	impr, count := floats.Sum(imprs), s.Count()
	perFrame := 0.0
	if count > 0 {
		perFrame = impr / count
	}
	s.logger.Info("updated projections", "improvement_per_frame", perFrame, "frames", count)
	return perFrame
}

// updateProjection re-estimates M_i from the linear term y_i and quadratic
// term r_i. With DoOrthogonalization the unconstrained solution is used as
// the starting point for a search over matrices with orthonormal rows.
func (s *Stats) updateProjection(ex *Extractor, i int, opts UpdateOptions) float64 {
	gamma := s.gamma[i]
	if gamma < opts.GaussianMinCount {
		s.logger.Warn("not updating projection, count below threshold",
			"component", i, "count", gamma, "min_count", opts.GaussianMinCount)
		return 0
	}
	ivectorDim := ex.IvectorDim()
	R := mat.NewSymDense(ivectorDim, nil)
	mathutil.UnpackSym(s.r.RawRowView(i), R)

	solveOpts := solver.DefaultOptions("M")
	solveOpts.DiagonalPrecondition = true

	if !opts.DoOrthogonalization {
		M := mat.DenseCopyOf(ex.M[i])
		impr := solver.SolveQuadraticMatrix(R, s.y[i], ex.SigmaInv[i], solveOpts, M)
		ex.M[i].Copy(M)
		return impr
	}

	before := solver.QuadraticMatrixObjective(R, s.y[i], ex.SigmaInv[i], ex.M[i])
	M := mat.DenseCopyOf(ex.M[i])
	solver.SolveQuadraticMatrix(R, s.y[i], ex.SigmaInv[i], solveOpts, M)
	orthoOpts := solver.DefaultOrthoOptions()
	orthoOpts.Tau = opts.Tau
	orthoOpts.Rho1 = opts.Rho1
	orthoOpts.Rho2 = opts.Rho2
	if _, err := solver.OrthogonalizeCurvilinear(R, s.y[i], ex.SigmaInv[i], orthoOpts, M); err != nil {
		s.logger.Warn("orthogonal projection update failed, keeping previous value",
			"component", i, "error", err)
		return 0
	}
	after := solver.QuadraticMatrixObjective(R, s.y[i], ex.SigmaInv[i], M)
	if after < before {
		s.logger.Warn("orthogonal projection update did not improve, keeping previous value",
			"component", i)
		return 0
	}
	ex.M[i].Copy(M)
	return after - before
}

func (s *Stats) updateWeights(ex *Extractor, opts UpdateOptions) float64 {
	numGauss := ex.NumGauss()
	imprs := make([]float64, poolSize(opts.NumThreads, numGauss))
	var wg sync.WaitGroup
	for w := range imprs {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < numGauss; i += len(imprs) {
				imprs[w] += s.updateWeight(ex, i)
			}
		}(w)
	}
	wg.Wait()

	impr, count := floats.Sum(imprs), s.Count()
	perFrame := 0.0
	if count > 0 {
		perFrame = impr / count
	}
	s.logger.Info("updated weight projections", "improvement_per_frame", perFrame, "frames", count)
	return perFrame
}

// updateWeight re-estimates row i of the weight projection w from the
// sampled weight statistics.
func (s *Stats) updateWeight(ex *Extractor, i int) float64 {
	ivectorDim := ex.IvectorDim()
	Q := mat.NewSymDense(ivectorDim, nil)
	mathutil.UnpackSym(s.q.RawRowView(i), Q)

	solveOpts := solver.DefaultOptions("w")
	solveOpts.DiagonalPrecondition = true

	wi := make([]float64, ivectorDim)
	copy(wi, ex.W.RawRowView(i))
	impr := solver.SolveQuadratic(Q, s.g.RawRowView(i), solveOpts, wi)
	ex.W.SetRow(i, wi)
	return impr
}

// updateVariances re-estimates the component covariances from the raw
// second-order stats, flooring each one against a scaled copy of the
// count-weighted average covariance.
func (s *Stats) updateVariances(ex *Extractor, opts UpdateOptions) (float64, error) {
	if opts.VarianceFloorFactor <= 0 || opts.VarianceFloorFactor > 1 {
		return 0, fmt.Errorf("variance floor factor %g out of range (0, 1]", opts.VarianceFloorFactor)
	}
	numGauss := ex.NumGauss()
	featDim := ex.FeatDim()
	ivectorDim := ex.IvectorDim()

	rawVars := make([]*mat.SymDense, numGauss)
	varFloor := mat.NewSymDense(featDim, nil)
	varFloorCount := 0.0

	R := mat.NewSymDense(ivectorDim, nil)
	var ym, mr, mrm mat.Dense
	for i := 0; i < numGauss; i++ {
		gamma := s.gamma[i]
		if gamma < opts.GaussianMinCount {
			continue // warned during the projection update
		}
		// gamma_i Sigma_i = S_i - Y_i M_i^T - M_i Y_i^T + M_i R_i M_i^T.
		V := mat.NewSymDense(featDim, nil)
		V.CopySym(s.sigma[i])
		ym.Mul(s.y[i], ex.M[i].T())
		mathutil.UnpackSym(s.r.RawRowView(i), R)
		mr.Mul(ex.M[i], R)
		mrm.Mul(&mr, ex.M[i].T())
		for r := 0; r < featDim; r++ {
			for c := 0; c <= r; c++ {
				v := V.At(r, c) - ym.At(r, c) - ym.At(c, r) + 0.5*(mrm.At(r, c)+mrm.At(c, r))
				V.SetSym(r, c, v)
			}
		}

		varFloor.AddSym(varFloor, V)
		varFloorCount += gamma
		V.ScaleSym(1.0/gamma, V)
		rawVars[i] = V
	}
	if varFloorCount == 0 {
		return 0, fmt.Errorf("no component reached the minimum count %g", opts.GaussianMinCount)
	}
	varFloor.ScaleSym(opts.VarianceFloorFactor/varFloorCount, varFloor)

	// The floor matrix itself can come out (close to) singular; keep it
	// invertible by flooring its spectrum relative to its largest eigenvalue.
	maxEig, err := mathutil.MaxAbsEigSym(varFloor)
	if err != nil {
		return 0, fmt.Errorf("computing variance floor spectrum: %w", err)
	}
	if _, err := mathutil.FloorSymEig(varFloor, 1.0e-04*maxEig); err != nil {
		return 0, fmt.Errorf("flooring the variance floor matrix: %w", err)
	}

	totImpr := 0.0
	totFloored := 0
	for i, raw := range rawVars {
		if raw == nil {
			continue
		}
		floored := mat.NewSymDense(featDim, nil)
		floored.CopySym(raw)
		n, err := mathutil.FloorSym(floored, varFloor)
		if err != nil {
			return 0, fmt.Errorf("flooring variance of component %d: %w", i, err)
		}
		totFloored += n
		if n > 0 {
			s.logger.Debug("floored variance eigenvalues", "component", i, "num_floored", n)
		}

		oldObjf, err := varianceObjf(raw, ex.SigmaInv[i])
		if err != nil {
			return 0, fmt.Errorf("evaluating old variance of component %d: %w", i, err)
		}
		newInv := mat.NewSymDense(featDim, nil)
		if err := mathutil.InvertSym(floored, newInv); err != nil {
			return 0, fmt.Errorf("inverting updated variance of component %d: %w", i, err)
		}
		newObjf, err := varianceObjf(raw, newInv)
		if err != nil {
			return 0, fmt.Errorf("evaluating updated variance of component %d: %w", i, err)
		}
		totImpr += s.gamma[i] * (newObjf - oldObjf)
		ex.SigmaInv[i].CopySym(newInv)
	}
	count := s.Count()
	s.logger.Info("updated variances",
		"floored_eigenvalues_percent", float64(totFloored)*100.0/float64(numGauss*featDim),
		"improvement_per_frame", totImpr/count, "frames", count)
	return totImpr / count, nil
}

// varianceObjf is the per-frame data likelihood term that depends on one
// component's variance, up to a constant: -0.5 (tr(raw invVar) - logdet(invVar)).
func varianceObjf(raw, invVar *mat.SymDense) (float64, error) {
	logDet, err := mathutil.LogDetSym(invVar)
	if err != nil {
		return 0, err
	}
	return -0.5 * (mathutil.TraceSymSym(raw, invVar) - logDet), nil
}

// updatePrior maps the ivector distribution seen in training back to the
// model's standard-normal prior. It builds a whitening transform for the
// centered covariance, composes it with a rotation that sends the mean to
// the first axis, and applies the result to the model parameters. The new
// prior offset is the length of the transformed mean.
func (s *Stats) updatePrior(ex *Extractor, opts UpdateOptions) (float64, error) {
	if s.numIvectors <= 0 {
		return 0, fmt.Errorf("no ivector stats accumulated for the prior update")
	}
	ivectorDim := ex.IvectorDim()

	sum := make([]float64, ivectorDim)
	copy(sum, s.ivectorSum)
	floats.Scale(1.0/s.numIvectors, sum)

	covar := mat.NewSymDense(ivectorDim, nil)
	covar.ScaleSym(1.0/s.numIvectors, s.ivectorScatter)
	covar.SymRankOne(covar, -1.0, mat.NewVecDense(ivectorDim, sum))

	var eig mat.EigenSym
	if !eig.Factorize(covar, true) {
		return 0, fmt.Errorf("eigendecomposition of the ivector covariance failed")
	}
	vals := eig.Values(nil)
	var P mat.Dense
	eig.VectorsTo(&P)
	s.logger.Info("ivector covariance spectrum", "min", floats.Min(vals), "max", floats.Max(vals))

	numFloored := 0
	for d, v := range vals {
		if v < priorEigFloor {
			vals[d] = priorEigFloor
			numFloored++
		}
	}
	if numFloored > 0 {
		s.logger.Warn("floored eigenvalues of the ivector covariance", "num_floored", numFloored)
	}

	// T whitens the centered covariance: T = diag(vals^-1/2) P^T.
	T := mat.NewDense(ivectorDim, ivectorDim, nil)
	for r := 0; r < ivectorDim; r++ {
		scale := 1.0 / math.Sqrt(vals[r])
		for c := 0; c < ivectorDim; c++ {
			T.Set(r, c, scale*P.At(c, r))
		}
	}

	sumProj := make([]float64, ivectorDim)
	sumProjVec := mat.NewVecDense(ivectorDim, sumProj)
	sumProjVec.MulVec(T, mat.NewVecDense(ivectorDim, sum))
	norm := floats.Norm(sumProj, 2)
	if norm == 0 {
		return 0, fmt.Errorf("projected ivector mean is zero")
	}

	// U is orthogonal and sends the projected mean to +norm e_0, so the
	// combined transform puts the prior mean on the first axis with a
	// positive offset.
	U := mathutil.HouseholderReflector(sumProj)
	var check mat.VecDense
	check.MulVec(U, sumProjVec)
	if check.AtVec(0) < 0 {
		U.Scale(-1.0, U)
	}

	var A mat.Dense
	A.Mul(U, T)

	ans := s.priorDiagnostics(ex.PriorOffset)
	if err := ex.TransformIvectors(&A, norm); err != nil {
		return 0, fmt.Errorf("applying the prior transform: %w", err)
	}
	s.logger.Info("updated prior", "prior_offset", norm)
	return ans, nil
}

// priorDiagnostics reports the likelihood change per frame from replacing
// the empirical ivector distribution, measured around the old prior mean,
// with the standard-normal prior the transformed model assumes.
func (s *Stats) priorDiagnostics(oldOffset float64) float64 {
	ivectorDim := len(s.ivectorSum)

	sum := make([]float64, ivectorDim)
	copy(sum, s.ivectorSum)
	floats.Scale(1.0/s.numIvectors, sum)

	covar := mat.NewSymDense(ivectorDim, nil)
	covar.ScaleSym(1.0/s.numIvectors, s.ivectorScatter)
	covar.SymRankOne(covar, -1.0, mat.NewVecDense(ivectorDim, sum))

	// Second moment around the old prior mean.
	sumShifted := make([]float64, ivectorDim)
	copy(sumShifted, sum)
	sumShifted[0] -= oldOffset
	covar.SymRankOne(covar, 1.0, mat.NewVecDense(ivectorDim, sumShifted))

	dim := float64(ivectorDim)
	oldLike := -0.5 * (mathutil.TraceSym(covar) + dim*log2Pi)
	newLike := -0.5 * (dim + dim*log2Pi)
	likeChange := (newLike - oldLike) * s.numIvectors

	perFrame := 0.0
	if c := s.Count(); c > 0 {
		perFrame = likeChange / c
	}
	s.logger.Info("prior auxiliary improvement",
		"per_ivector", likeChange/s.numIvectors, "per_frame", perFrame)
	return perFrame
}
