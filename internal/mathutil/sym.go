package mathutil

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PackedLen returns the element count of the packed lower triangle of an
// n x n symmetric matrix.
func PackedLen(n int) int {
	return n * (n + 1) / 2
}

// PackedIndex returns the position of element (i,j), j <= i, inside a packed
// lower triangle.
func PackedIndex(i, j int) int {
	return i*(i+1)/2 + j
}

// PackSym writes the lower triangle of s into dst row by row
// (rows i contribute elements (i,0)..(i,i)). dst must have PackedLen(n)
// elements.
func PackSym(s *mat.SymDense, dst []float64) {
	n := s.SymmetricDim()
	k := 0
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			dst[k] = s.At(i, j)
			k++
		}
	}
}

// UnpackSym fills s from a packed lower triangle produced by PackSym.
func UnpackSym(src []float64, s *mat.SymDense) {
	n := s.SymmetricDim()
	k := 0
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			s.SetSym(i, j, src[k])
			k++
		}
	}
}

// TraceSym returns the trace of s.
func TraceSym(s *mat.SymDense) float64 {
	n := s.SymmetricDim()
	t := 0.0
	for i := 0; i < n; i++ {
		t += s.At(i, i)
	}
	return t
}

// TraceSymSym returns tr(a*b) for symmetric a and b of equal dimension.
func TraceSymSym(a, b *mat.SymDense) float64 {
	n := a.SymmetricDim()
	t := 0.0
	for i := 0; i < n; i++ {
		t += a.At(i, i) * b.At(i, i)
		for j := 0; j < i; j++ {
			t += 2 * a.At(i, j) * b.At(i, j)
		}
	}
	return t
}

// FrobInner returns the Frobenius inner product sum_ij a_ij*b_ij.
// The operands must have equal dimensions.
func FrobInner(a, b mat.Matrix) float64 {
	r, c := a.Dims()
	t := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			t += a.At(i, j) * b.At(i, j)
		}
	}
	return t
}

// QuadForm returns x' * s * x.
func QuadForm(s *mat.SymDense, x []float64) float64 {
	v := mat.NewVecDense(len(x), x)
	return mat.Inner(v, s, v)
}

// LogDetSym returns the log-determinant of a positive definite symmetric
// matrix via its Cholesky factorization.
func LogDetSym(s *mat.SymDense) (float64, error) {
	var ch mat.Cholesky
	if !ch.Factorize(s) {
		return 0, fmt.Errorf("matrix is not positive definite")
	}
	return ch.LogDet(), nil
}

// SymFromEig reconstructs P * diag(vals) * P' into dst. P holds eigenvectors
// in its columns.
func SymFromEig(dst *mat.SymDense, P *mat.Dense, vals []float64) {
	n := len(vals)
	scaled := mat.NewDense(n, n, nil)
	scaled.Copy(P)
	for j := 0; j < n; j++ {
		if vals[j] == 1.0 {
			continue
		}
		for i := 0; i < n; i++ {
			scaled.Set(i, j, scaled.At(i, j)*vals[j])
		}
	}
	var full mat.Dense
	full.Mul(scaled, P.T())
	for i := 0; i < n; i++ {
		dst.SetSym(i, i, full.At(i, i))
		for j := 0; j < i; j++ {
			dst.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i)))
		}
	}
}

// InvertSym inverts a positive definite symmetric matrix into dst via its
// Cholesky factorization.
func InvertSym(s *mat.SymDense, dst *mat.SymDense) error {
	var ch mat.Cholesky
	if !ch.Factorize(s) {
		return fmt.Errorf("matrix is not positive definite")
	}
	return ch.InverseTo(dst)
}

// MaxAbsEigSym returns the largest absolute eigenvalue of s.
func MaxAbsEigSym(s *mat.SymDense) (float64, error) {
	var es mat.EigenSym
	if !es.Factorize(s, false) {
		return 0, fmt.Errorf("eigendecomposition failed")
	}
	vals := es.Values(nil)
	m := 0.0
	for _, v := range vals {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m, nil
}

// FloorSymEig floors the eigenvalues of s at floor, in place, and returns the
// number of eigenvalues raised.
func FloorSymEig(s *mat.SymDense, floor float64) (int, error) {
	var es mat.EigenSym
	if !es.Factorize(s, true) {
		return 0, fmt.Errorf("eigendecomposition failed")
	}
	vals := es.Values(nil)
	floored := 0
	for i, v := range vals {
		if v < floor {
			vals[i] = floor
			floored++
		}
	}
	if floored == 0 {
		return 0, nil
	}
	var P mat.Dense
	es.VectorsTo(&P)
	SymFromEig(s, &P, vals)
	return floored, nil
}

// InvertSymFloored inverts s into dst after flooring its eigenvalues at
// floor. It returns the number of floored eigenvalues. s must have
// eigenvalues > 0 after flooring, which any floor > 0 guarantees.
func InvertSymFloored(s *mat.SymDense, floor float64, dst *mat.SymDense) (int, error) {
	n := s.SymmetricDim()
	var es mat.EigenSym
	if !es.Factorize(s, true) {
		return 0, fmt.Errorf("eigendecomposition failed")
	}
	vals := es.Values(nil)
	var P mat.Dense
	es.VectorsTo(&P)
	floored := 0
	inv := make([]float64, n)
	for i, v := range vals {
		if v < floor {
			v = floor
			floored++
		}
		inv[i] = 1.0 / v
	}
	SymFromEig(dst, &P, inv)
	return floored, nil
}

// FloorSym floors s in the metric of floorM: with floorM = L*L', the
// eigenvalues of inv(L)*s*inv(L)' are raised to at least 1 and the result is
// mapped back into s. Returns the number of floored eigenvalues.
func FloorSym(s *mat.SymDense, floorM *mat.SymDense) (int, error) {
	n := s.SymmetricDim()
	var ch mat.Cholesky
	if !ch.Factorize(floorM) {
		return 0, fmt.Errorf("floor matrix is not positive definite")
	}
	L := mat.NewTriDense(n, mat.Lower, nil)
	ch.LTo(L)

	// T = inv(L) * s * inv(L)'
	var half, T mat.Dense
	if err := half.Solve(L, s); err != nil {
		return 0, fmt.Errorf("solve against floor factor: %w", err)
	}
	if err := T.Solve(L, half.T()); err != nil {
		return 0, fmt.Errorf("solve against floor factor: %w", err)
	}
	Tsym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		Tsym.SetSym(i, i, T.At(i, i))
		for j := 0; j < i; j++ {
			Tsym.SetSym(i, j, 0.5*(T.At(i, j)+T.At(j, i)))
		}
	}

	var es mat.EigenSym
	if !es.Factorize(Tsym, true) {
		return 0, fmt.Errorf("eigendecomposition failed")
	}
	vals := es.Values(nil)
	floored := 0
	for i, v := range vals {
		if v < 1.0 {
			vals[i] = 1.0
			floored++
		}
	}
	if floored == 0 {
		return 0, nil
	}
	var U mat.Dense
	es.VectorsTo(&U)
	Tfl := mat.NewSymDense(n, nil)
	SymFromEig(Tfl, &U, vals)

	// s = L * Tfl * L'
	var LT, full mat.Dense
	LT.Mul(L, Tfl)
	full.Mul(&LT, L.T())
	for i := 0; i < n; i++ {
		s.SetSym(i, i, full.At(i, i))
		for j := 0; j < i; j++ {
			s.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i)))
		}
	}
	return floored, nil
}

// HouseholderReflector returns the symmetric orthogonal matrix
// H = I - 2*v*v'/(v'v) with H*x proportional to the first canonical basis
// vector. The sign convention avoids cancellation: H*x = -sign(x[0])*|x|*e0.
func HouseholderReflector(x []float64) *mat.Dense {
	n := len(x)
	H := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		H.Set(i, i, 1.0)
	}
	norm := 0.0
	for _, v := range x {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return H
	}
	sign := 1.0
	if x[0] < 0 {
		sign = -1.0
	}
	v := make([]float64, n)
	copy(v, x)
	v[0] += sign * norm
	vv := 0.0
	for _, w := range v {
		vv += w * w
	}
	if vv == 0 {
		return H
	}
	scale := 2.0 / vv
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			H.Set(i, j, H.At(i, j)-scale*v[i]*v[j])
		}
	}
	return H
}
