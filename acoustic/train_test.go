package acoustic

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// twoClusters draws n points around each of two well-separated centers.
func twoClusters(n int, seed uint64) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, 0))
	frames := make([][]float64, 0, 2*n)
	for i := 0; i < n; i++ {
		frames = append(frames, []float64{
			0.5 * rng.NormFloat64(),
			0.5 * rng.NormFloat64(),
		})
		frames = append(frames, []float64{
			10 + 0.5*rng.NormFloat64(),
			10 + 0.5*rng.NormFloat64(),
		})
	}
	return frames
}

func TestTrainDiagRecoversClusters(t *testing.T) {
	frames := twoClusters(200, 3)
	cfg := DefaultTrainConfig()
	cfg.NumComponents = 2
	cfg.MaxIterations = 30
	cfg.ConvergenceThresh = 1e-6

	g, err := TrainDiag(frames, cfg)
	if err != nil {
		t.Fatalf("TrainDiag: %v", err)
	}

	// Match each cluster center to its nearest learned mean.
	centers := [][]float64{{0, 0}, {10, 10}}
	used := make(map[int]bool)
	for _, ctr := range centers {
		best, bestDist := -1, math.Inf(1)
		for c := range g.Components {
			d := 0.0
			for k, v := range ctr {
				diff := g.Components[c].Mean[k] - v
				d += diff * diff
			}
			if d < bestDist {
				best, bestDist = c, d
			}
		}
		if used[best] {
			t.Fatalf("both centers map to component %d: means %v, %v",
				best, g.Components[0].Mean, g.Components[1].Mean)
		}
		used[best] = true
		if bestDist > 1.0 {
			t.Errorf("center %v recovered at %v", ctr, g.Components[best].Mean)
		}
	}

	for c := range g.Components {
		w := math.Exp(g.Components[c].LogWeight)
		if math.Abs(w-0.5) > 0.1 {
			t.Errorf("weight of component %d = %f, want about 0.5", c, w)
		}
	}
}

func TestTrainDiagImprovesLikelihood(t *testing.T) {
	frames := twoClusters(100, 9)
	cfg := DefaultTrainConfig()
	cfg.NumComponents = 2
	cfg.MaxIterations = 1
	first, err := TrainDiag(frames, cfg)
	if err != nil {
		t.Fatalf("TrainDiag: %v", err)
	}
	cfg.MaxIterations = 15
	cfg.ConvergenceThresh = 1e-9
	trained, err := TrainDiag(frames, cfg)
	if err != nil {
		t.Fatalf("TrainDiag: %v", err)
	}

	llFirst, llTrained := 0.0, 0.0
	for _, x := range frames {
		llFirst += first.LogProb(x)
		llTrained += trained.LogProb(x)
	}
	if llTrained < llFirst-1e-6 {
		t.Errorf("likelihood decreased with more iterations: %f -> %f", llFirst, llTrained)
	}
}

func TestTrainDiagRejectsBadInput(t *testing.T) {
	if _, err := TrainDiag(nil, DefaultTrainConfig()); err == nil {
		t.Error("expected an error for empty input")
	}
	cfg := DefaultTrainConfig()
	cfg.NumComponents = 8
	frames := [][]float64{{1}, {2}, {3}}
	if _, err := TrainDiag(frames, cfg); err == nil {
		t.Error("expected an error for fewer frames than components")
	}
}

func TestTrainFullRecoversCovariance(t *testing.T) {
	// Correlated 2-D Gaussian: cov = [[1, 0.8], [0.8, 1]].
	rng := rand.New(rand.NewPCG(17, 0))
	n := 2000
	frames := make([][]float64, n)
	for i := range frames {
		a := rng.NormFloat64()
		b := rng.NormFloat64()
		frames[i] = []float64{a, 0.8*a + 0.6*b}
	}

	init := NewDiagGMMWithParams(
		[][]float64{{0, 0}},
		[][]float64{{1, 1}},
		[]float64{0},
	)
	cfg := DefaultTrainConfig()
	cfg.NumComponents = 1
	cfg.MaxIterations = 5
	cfg.ConvergenceThresh = 1e-6

	g, err := TrainFull(frames, init, cfg)
	if err != nil {
		t.Fatalf("TrainFull: %v", err)
	}

	// With one component the estimate is the sample covariance, so
	// InvCovars[0] * sampleCov must be close to the identity.
	mean := make([]float64, 2)
	for _, x := range frames {
		mean[0] += x[0]
		mean[1] += x[1]
	}
	mean[0] /= float64(n)
	mean[1] /= float64(n)
	cov := mat.NewSymDense(2, nil)
	for _, x := range frames {
		d0 := x[0] - mean[0]
		d1 := x[1] - mean[1]
		cov.SetSym(0, 0, cov.At(0, 0)+d0*d0)
		cov.SetSym(0, 1, cov.At(0, 1)+d0*d1)
		cov.SetSym(1, 1, cov.At(1, 1)+d1*d1)
	}
	for i := 0; i < 2; i++ {
		for j := i; j < 2; j++ {
			cov.SetSym(i, j, cov.At(i, j)/float64(n))
		}
	}

	var prod mat.Dense
	prod.Mul(g.InvCovars[0], cov)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(prod.At(i, j)-want) > 1e-6 {
				t.Errorf("invCov*cov[%d,%d] = %f, want %f", i, j, prod.At(i, j), want)
			}
		}
	}

	if math.Abs(g.Means.At(0, 0)-mean[0]) > 1e-9 || math.Abs(g.Means.At(0, 1)-mean[1]) > 1e-9 {
		t.Errorf("mean = (%f, %f), want (%f, %f)",
			g.Means.At(0, 0), g.Means.At(0, 1), mean[0], mean[1])
	}
	if math.Abs(g.Weights[0]-1.0) > 1e-12 {
		t.Errorf("weight = %f, want 1", g.Weights[0])
	}
}
