// Package solver provides the numeric optimization routines used by the
// model re-estimation step: regularized quadratic maximization for vectors
// and matrices, and a curvilinear search that keeps a projection matrix
// row-orthonormal. The solvers are pure functions over gonum types so they
// can be exercised against closed-form fixtures in isolation.
package solver

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/ivector-go/internal/mathutil"
)

// Options controls conditioning of the quadratic solvers.
type Options struct {
	// Name identifies the quantity being solved for in diagnostics.
	Name string
	// K is the maximum condition number tolerated before eigenvalues of the
	// quadratic term are floored.
	K float64
	// Eps is the absolute eigenvalue floor.
	Eps float64
	// DiagonalPrecondition rescales the problem by the inverse square root
	// of the quadratic term's diagonal before solving.
	DiagonalPrecondition bool
}

// DefaultOptions returns the standard solver configuration.
func DefaultOptions(name string) Options {
	return Options{Name: name, K: 1.0e4, Eps: 1.0e-40}
}

// SolveQuadratic maximizes x'*g - 0.5*x'*H*x over x, overwriting x with the
// maximizer. H must be symmetric positive semidefinite; directions in which
// H is degenerate keep the current value of x. Returns the objective
// improvement, which is never negative: if the candidate does not improve
// the objective (a sign of severe ill-conditioning), x is left unchanged.
func SolveQuadratic(H *mat.SymDense, g []float64, opts Options, x []float64) float64 {
	n := len(x)
	if symIsZero(H) {
		return 0.0
	}

	if opts.DiagonalPrecondition {
		scale := make([]float64, n)
		invScale := make([]float64, n)
		for i := 0; i < n; i++ {
			d := H.At(i, i)
			if d < 1.0e-20 {
				d = 1.0e-20
			}
			scale[i] = math.Sqrt(d)
			invScale[i] = 1.0 / scale[i]
		}
		Hs := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := 0; j <= i; j++ {
				Hs.SetSym(i, j, H.At(i, j)*invScale[i]*invScale[j])
			}
		}
		gs := make([]float64, n)
		xs := make([]float64, n)
		for i := 0; i < n; i++ {
			gs[i] = g[i] * invScale[i]
			xs[i] = x[i] * scale[i]
		}
		sub := opts
		sub.DiagonalPrecondition = false
		impr := SolveQuadratic(Hs, gs, sub, xs)
		for i := 0; i < n; i++ {
			x[i] = xs[i] * invScale[i]
		}
		return impr
	}

	var es mat.EigenSym
	if !es.Factorize(H, true) {
		return 0.0
	}
	vals := es.Values(nil)
	var U mat.Dense
	es.VectorsTo(&U)
	flr := eigFloor(vals, opts)
	for i, v := range vals {
		if v < flr {
			vals[i] = flr
		}
	}

	// cand = U * diag(1/vals) * U' * g
	tmp := make([]float64, n)
	tv := mat.NewVecDense(n, tmp)
	tv.MulVec(U.T(), mat.NewVecDense(n, g))
	for i := range tmp {
		tmp[i] /= vals[i]
	}
	cand := make([]float64, n)
	mat.NewVecDense(n, cand).MulVec(&U, tv)

	impr := quadObjective(H, g, cand) - quadObjective(H, g, x)
	if impr < 0 {
		return 0.0
	}
	copy(x, cand)
	return impr
}

// quadObjective evaluates x'*g - 0.5*x'*H*x.
func quadObjective(H *mat.SymDense, g, x []float64) float64 {
	return floats.Dot(g, x) - 0.5*mathutil.QuadForm(H, x)
}

// SolveQuadraticMatrix maximizes tr(M'*SigmaInv*Y) - 0.5*tr(SigmaInv*M*Q*M')
// over M, overwriting M with the maximizer. Q is cols x cols and SigmaInv is
// rows x rows where M is rows x cols. Degenerate directions of Q keep the
// current M. Returns the objective improvement, never negative.
func SolveQuadraticMatrix(Q *mat.SymDense, Y *mat.Dense, SigmaInv *mat.SymDense, opts Options, M *mat.Dense) float64 {
	rows, cols := M.Dims()
	if symIsZero(Q) {
		return 0.0
	}

	if opts.DiagonalPrecondition {
		scale := make([]float64, cols)
		invScale := make([]float64, cols)
		for i := 0; i < cols; i++ {
			d := Q.At(i, i)
			if d < 1.0e-20 {
				d = 1.0e-20
			}
			scale[i] = math.Sqrt(d)
			invScale[i] = 1.0 / scale[i]
		}
		Qs := mat.NewSymDense(cols, nil)
		for i := 0; i < cols; i++ {
			for j := 0; j <= i; j++ {
				Qs.SetSym(i, j, Q.At(i, j)*invScale[i]*invScale[j])
			}
		}
		Ms := mat.NewDense(rows, cols, nil)
		Ys := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				Ms.Set(i, j, M.At(i, j)*scale[j])
				Ys.Set(i, j, Y.At(i, j)*invScale[j])
			}
		}
		sub := opts
		sub.DiagonalPrecondition = false
		impr := SolveQuadraticMatrix(Qs, Ys, SigmaInv, sub, Ms)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				M.Set(i, j, Ms.At(i, j)*invScale[j])
			}
		}
		return impr
	}

	var es mat.EigenSym
	if !es.Factorize(Q, true) {
		return 0.0
	}
	vals := es.Values(nil)
	var U mat.Dense
	es.VectorsTo(&U)
	flr := eigFloor(vals, opts)
	for i, v := range vals {
		if v < flr {
			vals[i] = flr
		}
	}

	// cand = Y * U * diag(1/vals) * U'
	var YU mat.Dense
	YU.Mul(Y, &U)
	for j := 0; j < cols; j++ {
		inv := 1.0 / vals[j]
		for i := 0; i < rows; i++ {
			YU.Set(i, j, YU.At(i, j)*inv)
		}
	}
	var cand mat.Dense
	cand.Mul(&YU, U.T())

	impr := QuadraticMatrixObjective(Q, Y, SigmaInv, &cand) -
		QuadraticMatrixObjective(Q, Y, SigmaInv, M)
	if impr < 0 {
		return 0.0
	}
	M.Copy(&cand)
	return impr
}

// QuadraticMatrixObjective evaluates tr(M'*SigmaInv*Y) - 0.5*tr(SigmaInv*M*Q*M').
func QuadraticMatrixObjective(Q *mat.SymDense, Y *mat.Dense, SigmaInv *mat.SymDense, M mat.Matrix) float64 {
	var SY mat.Dense
	SY.Mul(SigmaInv, Y)
	linear := mathutil.FrobInner(M, &SY)

	var MQ, SMQ mat.Dense
	MQ.Mul(M, Q)
	SMQ.Mul(SigmaInv, &MQ)
	quadratic := mathutil.FrobInner(&SMQ, M)

	return linear - 0.5*quadratic
}

// eigFloor returns the eigenvalue floor given the largest eigenvalue in vals
// (which EigenSym reports in ascending order).
func eigFloor(vals []float64, opts Options) float64 {
	maxEig := vals[len(vals)-1]
	flr := maxEig / opts.K
	if flr < opts.Eps {
		flr = opts.Eps
	}
	return flr
}

func symIsZero(s *mat.SymDense) bool {
	n := s.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			if s.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}
