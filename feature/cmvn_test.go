package feature

import (
	"math"
	"testing"
)

func TestApplyCMN(t *testing.T) {
	features := [][]float64{
		{1.0, 10.0},
		{3.0, 30.0},
	}
	ApplyCMN(features)
	want := [][]float64{
		{-1.0, -10.0},
		{1.0, 10.0},
	}
	for i := range want {
		for j := range want[i] {
			if math.Abs(features[i][j]-want[i][j]) > 1e-12 {
				t.Errorf("features[%d][%d] = %f, want %f", i, j, features[i][j], want[i][j])
			}
		}
	}
}

func TestApplyCMVN(t *testing.T) {
	// Dim 0 has mean 2 and variance 1; dim 1 is constant and must only
	// be mean-shifted.
	features := [][]float64{
		{1.0, 10.0},
		{3.0, 10.0},
	}
	ApplyCMVN(features)
	want := [][]float64{
		{-1.0, 0.0},
		{1.0, 0.0},
	}
	for i := range want {
		for j := range want[i] {
			if math.Abs(features[i][j]-want[i][j]) > 1e-12 {
				t.Errorf("features[%d][%d] = %f, want %f", i, j, features[i][j], want[i][j])
			}
		}
	}
}

func TestApplyCMVNMoments(t *testing.T) {
	// After normalization every dimension has zero mean and unit variance.
	T := 50
	features := make([][]float64, T)
	for i := range features {
		x := float64(i)
		features[i] = []float64{x, 3.0*x*x - 7.0}
	}
	ApplyCMVN(features)

	dim := len(features[0])
	for d := 0; d < dim; d++ {
		mean, sq := 0.0, 0.0
		for t2 := 0; t2 < T; t2++ {
			mean += features[t2][d]
			sq += features[t2][d] * features[t2][d]
		}
		mean /= float64(T)
		variance := sq/float64(T) - mean*mean
		if math.Abs(mean) > 1e-10 {
			t.Errorf("dim %d: mean = %g, want 0", d, mean)
		}
		if math.Abs(variance-1.0) > 1e-10 {
			t.Errorf("dim %d: variance = %f, want 1", d, variance)
		}
	}
}

func TestApplyCMVNEmpty(t *testing.T) {
	ApplyCMVN(nil) // must not panic
}
