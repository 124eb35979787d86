package solver

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSolveQuadraticDiagonal(t *testing.T) {
	// Maximize x'g - 0.5 x'Hx with H = diag(2,4), g = (2,8).
	// Optimum x = inv(H) g = (1,2), improvement from zero = 9.
	H := mat.NewSymDense(2, []float64{2, 0, 0, 4})
	g := []float64{2, 8}
	x := make([]float64, 2)
	impr := SolveQuadratic(H, g, DefaultOptions("x"), x)

	if math.Abs(x[0]-1.0) > 1e-10 || math.Abs(x[1]-2.0) > 1e-10 {
		t.Errorf("x = %v, want (1,2)", x)
	}
	if math.Abs(impr-9.0) > 1e-10 {
		t.Errorf("improvement = %f, want 9", impr)
	}
}

func TestSolveQuadraticFromNonzeroStart(t *testing.T) {
	H := mat.NewSymDense(2, []float64{3, 1, 1, 2})
	g := []float64{1, -1}
	x := []float64{5, -3}
	before := quadObjective(H, g, x)
	impr := SolveQuadratic(H, g, DefaultOptions("x"), x)
	after := quadObjective(H, g, x)

	if impr < 0 {
		t.Errorf("improvement = %f, want >= 0", impr)
	}
	if math.Abs((after-before)-impr) > 1e-10 {
		t.Errorf("reported improvement %f, actual %f", impr, after-before)
	}
	// The optimum satisfies H x = g.
	var hx mat.VecDense
	hx.MulVec(H, mat.NewVecDense(2, x))
	for i := 0; i < 2; i++ {
		if math.Abs(hx.AtVec(i)-g[i]) > 1e-8 {
			t.Errorf("Hx[%d] = %f, want %f", i, hx.AtVec(i), g[i])
		}
	}
}

func TestSolveQuadraticPreconditionEquivalence(t *testing.T) {
	// Well-conditioned correlation structure under a skewed diagonal
	// scaling: both code paths must land on the same solution.
	n := 5
	corr := []float64{
		1, 0.3, 0.1, 0, 0.2,
		0.3, 1, 0.2, 0.1, 0,
		0.1, 0.2, 1, 0.3, 0.1,
		0, 0.1, 0.3, 1, 0.2,
		0.2, 0, 0.1, 0.2, 1,
	}
	scale := []float64{0.25, 0.5, 1, 2, 4}
	H := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			H.SetSym(i, j, corr[i*n+j]*scale[i]*scale[j])
		}
	}
	g := []float64{0.7, -1.2, 0.4, 2.5, -0.9}

	plain := make([]float64, n)
	precond := make([]float64, n)
	optsPre := DefaultOptions("x")
	optsPre.DiagonalPrecondition = true
	SolveQuadratic(H, g, DefaultOptions("x"), plain)
	SolveQuadratic(H, g, optsPre, precond)

	for i := 0; i < n; i++ {
		denom := math.Abs(plain[i]) + 1.0
		if math.Abs(plain[i]-precond[i])/denom > 1e-8 {
			t.Errorf("x[%d]: plain %g vs preconditioned %g", i, plain[i], precond[i])
		}
	}
}

func TestSolveQuadraticZeroTerm(t *testing.T) {
	H := mat.NewSymDense(3, nil)
	g := []float64{1, 2, 3}
	x := []float64{4, 5, 6}
	impr := SolveQuadratic(H, g, DefaultOptions("x"), x)
	if impr != 0 {
		t.Errorf("improvement = %f, want 0 for zero quadratic term", impr)
	}
	want := []float64{4, 5, 6}
	for i := range x {
		if x[i] != want[i] {
			t.Errorf("x[%d] = %f, want unchanged %f", i, x[i], want[i])
		}
	}
}

func TestSolveQuadraticMatrixIdentity(t *testing.T) {
	// With Q = I the maximizer is M = Y regardless of SigmaInv.
	Q := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	Y := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	SigmaInv := mat.NewSymDense(3, []float64{2, 0, 0, 0, 1, 0, 0, 0, 0.5})
	M := mat.NewDense(3, 2, nil)

	impr := SolveQuadraticMatrix(Q, Y, SigmaInv, DefaultOptions("M"), M)
	if impr <= 0 {
		t.Fatalf("improvement = %f, want > 0", impr)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			if math.Abs(M.At(i, j)-Y.At(i, j)) > 1e-10 {
				t.Errorf("M[%d,%d] = %f, want %f", i, j, M.At(i, j), Y.At(i, j))
			}
		}
	}
}

func TestSolveQuadraticMatrixReportsExactImprovement(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	rows, cols := 3, 4
	raw := mat.NewDense(cols, cols, nil)
	for i := 0; i < cols; i++ {
		for j := 0; j < cols; j++ {
			raw.Set(i, j, rng.NormFloat64())
		}
	}
	var gram mat.Dense
	gram.Mul(raw.T(), raw)
	Q := mat.NewSymDense(cols, nil)
	for i := 0; i < cols; i++ {
		for j := 0; j <= i; j++ {
			Q.SetSym(i, j, gram.At(i, j))
		}
		Q.SetSym(i, i, Q.At(i, i)+0.5)
	}
	Y := mat.NewDense(rows, cols, nil)
	M := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			Y.Set(i, j, rng.NormFloat64())
			M.Set(i, j, rng.NormFloat64())
		}
	}
	SigmaInv := mat.NewSymDense(rows, nil)
	for i := 0; i < rows; i++ {
		SigmaInv.SetSym(i, i, 1.0+rng.Float64())
	}

	before := QuadraticMatrixObjective(Q, Y, SigmaInv, M)
	opts := DefaultOptions("M")
	opts.DiagonalPrecondition = true
	impr := SolveQuadraticMatrix(Q, Y, SigmaInv, opts, M)
	after := QuadraticMatrixObjective(Q, Y, SigmaInv, M)

	if impr <= 0 {
		t.Fatalf("improvement = %f, want > 0", impr)
	}
	if math.Abs((after-before)-impr) > 1e-8 {
		t.Errorf("reported improvement %f, actual %f", impr, after-before)
	}
}

func TestSolveQuadraticMatrixSingularQ(t *testing.T) {
	// Rank-1 Q: the solution must stay finite and not hurt the objective.
	Q := mat.NewSymDense(2, []float64{1, 1, 1, 1})
	Y := mat.NewDense(2, 2, []float64{1, 1, 2, 2})
	SigmaInv := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	M := mat.NewDense(2, 2, []float64{0.5, -0.5, 0.25, 0.1})

	impr := SolveQuadraticMatrix(Q, Y, SigmaInv, DefaultOptions("M"), M)
	if impr < 0 {
		t.Errorf("improvement = %f, want >= 0", impr)
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.IsNaN(M.At(i, j)) || math.IsInf(M.At(i, j), 0) {
				t.Fatalf("M[%d,%d] = %f, want finite", i, j, M.At(i, j))
			}
		}
	}
}
