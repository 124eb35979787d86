package solver

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// OrthoOptions controls the curvilinear search over row-orthonormal
// matrices.
type OrthoOptions struct {
	// Tau is the initial step size of the curvilinear search.
	Tau float64
	// Rho1 is the lower bound on the ratio of actual to predicted
	// improvement below which a step is rejected and the step size halved.
	Rho1 float64
	// Rho2 is the upper bound on the ratio above which the step size is
	// doubled for the next iteration.
	Rho2 float64
	// MaxIters bounds the number of accepted steps.
	MaxIters int
	// GradTol stops the search when the squared norm of the skew gradient
	// term falls below it.
	GradTol float64
}

// DefaultOrthoOptions returns the standard curvilinear search configuration.
func DefaultOrthoOptions() OrthoOptions {
	return OrthoOptions{
		Tau:      1.0,
		Rho1:     1.0e-4,
		Rho2:     0.9,
		MaxIters: 50,
		GradTol:  1.0e-8,
	}
}

const maxStepHalvings = 25

// OrthogonalizeCurvilinear maximizes tr(M'*SigmaInv*Y) - 0.5*tr(SigmaInv*M*Q*M')
// subject to M*M' = I, overwriting M. M is first projected onto the
// row-orthonormal set via its polar factor, then refined by a curvilinear
// search along Cayley-transform curves, which preserve the constraint
// exactly. Step sizes adapt by the ratio of actual to predicted improvement
// (rejected below Rho1, doubled above Rho2). Requires cols >= rows; the
// constraint is infeasible otherwise. Returns the objective improvement
// relative to the projected starting point.
func OrthogonalizeCurvilinear(Q *mat.SymDense, Y *mat.Dense, SigmaInv *mat.SymDense, opts OrthoOptions, M *mat.Dense) (float64, error) {
	rows, cols := M.Dims()
	if cols < rows {
		return 0, fmt.Errorf("row-orthonormal constraint needs cols >= rows, got %dx%d", rows, cols)
	}

	// Project onto the constraint set: M = U*S*V' -> U*V'.
	var svd mat.SVD
	if !svd.Factorize(M, mat.SVDThin) {
		return 0, fmt.Errorf("svd of projection matrix failed")
	}
	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)
	M.Mul(&U, V.T())

	start := QuadraticMatrixObjective(Q, Y, SigmaInv, M)
	cur := start
	tau := opts.Tau

	grad := mat.NewDense(rows, cols, nil)
	var MQ, P, A, N, cand mat.Dense
	for iter := 0; iter < opts.MaxIters; iter++ {
		// grad = SigmaInv * (Y - M*Q)
		MQ.Mul(M, Q)
		MQ.Sub(Y, &MQ)
		grad.Mul(SigmaInv, &MQ)

		// A = M'*grad - grad'*M, the ascent generator. The directional
		// derivative along the curve at tau=0 equals 0.5*|A|^2.
		P.Mul(grad.T(), M)
		A.CloneFrom(P.T())
		A.Sub(&A, &P)
		slope := 0.5 * frobNorm2(&A)
		if slope < opts.GradTol {
			break
		}

		accepted := false
		for try := 0; try < maxStepHalvings; try++ {
			if err := cayleyStep(M, &A, tau, &N, &cand); err != nil {
				return cur - start, err
			}
			next := QuadraticMatrixObjective(Q, Y, SigmaInv, &cand)
			actual := next - cur
			predicted := tau * slope
			ratio := actual / predicted
			if ratio >= opts.Rho1 {
				M.Copy(&cand)
				cur = next
				if ratio > opts.Rho2 {
					tau *= 2.0
				}
				accepted = true
				break
			}
			tau *= 0.5
		}
		if !accepted {
			break
		}
	}
	return cur - start, nil
}

// cayleyStep computes cand = M * (I + tau/2*A) * inv(I - tau/2*A).
// A must be skew-symmetric, which makes the update an exact rotation of the
// row space.
func cayleyStep(M, A *mat.Dense, tau float64, N, cand *mat.Dense) error {
	n, _ := A.Dims()
	plus := mat.NewDense(n, n, nil)
	minus := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a := 0.5 * tau * A.At(i, j)
			var eye float64
			if i == j {
				eye = 1.0
			}
			plus.Set(i, j, eye+a)
			minus.Set(i, j, eye-a)
		}
	}
	N.Mul(M, plus)
	// cand * minus = N  <=>  minus' * cand' = N'
	var candT mat.Dense
	if err := candT.Solve(minus.T(), N.T()); err != nil {
		return fmt.Errorf("cayley solve: %w", err)
	}
	cand.CloneFrom(candT.T())
	return nil
}

func frobNorm2(a *mat.Dense) float64 {
	r, c := a.Dims()
	t := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := a.At(i, j)
			t += v * v
		}
	}
	return t
}
