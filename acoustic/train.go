package acoustic

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/ivector-go/internal/mathutil"
)

// TrainConfig holds EM training parameters for the background models.
type TrainConfig struct {
	NumComponents     int
	MaxIterations     int
	ConvergenceThresh float64 // per-frame log-likelihood improvement threshold
	MinVariance       float64 // variance floor
	Seed              uint64  // seed for the random initialization
}

// DefaultTrainConfig returns reasonable default training parameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		NumComponents:     512,
		MaxIterations:     20,
		ConvergenceThresh: 0.01,
		MinVariance:       0.01,
		Seed:              1,
	}
}

// TrainDiag trains a diagonal-covariance mixture on the given frames with
// EM. Means are initialized from randomly chosen distinct frames, variances
// from the global variance of the data.
func TrainDiag(frames [][]float64, cfg TrainConfig) (*DiagGMM, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no training frames")
	}
	k := cfg.NumComponents
	if k <= 0 {
		return nil, fmt.Errorf("invalid component count %d", k)
	}
	if len(frames) < k {
		return nil, fmt.Errorf("%d frames cannot initialize %d components", len(frames), k)
	}
	dim := len(frames[0])

	globalVar := globalVariance(frames, cfg.MinVariance)
	rng := rand.New(rand.NewPCG(cfg.Seed, 0))
	perm := rng.Perm(len(frames))
	g := &DiagGMM{
		Components: make([]Gaussian, k),
		Dim:        dim,
	}
	logW := -math.Log(float64(k))
	for i := 0; i < k; i++ {
		mean := make([]float64, dim)
		variance := make([]float64, dim)
		copy(mean, frames[perm[i]])
		copy(variance, globalVar)
		g.Components[i] = Gaussian{
			Mean:      mean,
			Variance:  variance,
			LogWeight: logW,
		}
	}
	g.PrecomputeSoA()

	// Pre-allocate accumulator storage (reused across iterations).
	occ := make([]float64, k)
	meanAcc := mathutil.NewMat(k, dim)
	varAcc := mathutil.NewMat(k, dim)
	post := make([]float64, k)
	prevLL := math.Inf(-1)

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		mathutil.FillVec(occ, 0)
		mathutil.FillMat(meanAcc, 0)
		mathutil.FillMat(varAcc, 0)
		totalLL := 0.0

		for _, x := range frames {
			totalLL += g.ComponentPosteriors(x, post)
			for c, p := range post {
				if p < 1e-10 {
					continue
				}
				occ[c] += p
				meanRow := meanAcc[c]
				varRow := varAcc[c]
				for d, xd := range x {
					s := p * xd
					meanRow[d] += s
					varRow[d] += s * xd
				}
			}
		}

		avgLL := totalLL / float64(len(frames))
		if iter > 0 && avgLL-prevLL < cfg.ConvergenceThresh {
			break
		}
		prevLL = avgLL

		// Re-estimate. Starved components keep their old parameters.
		totOcc := floats.Sum(occ)
		for c := range g.Components {
			if occ[c] < 1e-10 {
				continue
			}
			comp := &g.Components[c]
			comp.LogWeight = math.Log(occ[c] / totOcc)
			for d := 0; d < dim; d++ {
				m := meanAcc[c][d] / occ[c]
				comp.Mean[d] = m
				v := varAcc[c][d]/occ[c] - m*m
				if v < cfg.MinVariance {
					v = cfg.MinVariance
				}
				comp.Variance[d] = v
			}
		}
		g.PrecomputeSoA()
	}
	return g, nil
}

// TrainFull refines a diagonal model into a full-covariance one with EM on
// the same frames. Covariance eigenvalues are floored at cfg.MinVariance.
func TrainFull(frames [][]float64, init *DiagGMM, cfg TrainConfig) (*FullGMM, error) {
	if init == nil {
		return nil, fmt.Errorf("nil initial model")
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no training frames")
	}
	g, err := FullFromDiag(init)
	if err != nil {
		return nil, fmt.Errorf("convert initial model: %w", err)
	}
	k := len(g.Weights)
	dim := g.Dim()

	floorM := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		floorM.SetSym(i, i, cfg.MinVariance)
	}

	occ := make([]float64, k)
	meanAcc := mat.NewDense(k, dim, nil)
	scatter := make([]*mat.SymDense, k)
	for c := range scatter {
		scatter[c] = mat.NewSymDense(dim, nil)
	}
	post := make([]float64, k)
	prevLL := math.Inf(-1)

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		mathutil.FillVec(occ, 0)
		meanAcc.Zero()
		for c := range scatter {
			scatter[c].Zero()
		}
		totalLL := 0.0

		for _, x := range frames {
			totalLL += g.ComponentPosteriors(x, post)
			xv := mat.NewVecDense(dim, x)
			for c, p := range post {
				if p < 1e-10 {
					continue
				}
				occ[c] += p
				meanRow := meanAcc.RawRowView(c)
				for d, xd := range x {
					meanRow[d] += p * xd
				}
				scatter[c].SymRankOne(scatter[c], p, xv)
			}
		}

		avgLL := totalLL / float64(len(frames))
		if iter > 0 && avgLL-prevLL < cfg.ConvergenceThresh {
			break
		}
		prevLL = avgLL

		totOcc := floats.Sum(occ)
		cov := mat.NewSymDense(dim, nil)
		for c := 0; c < k; c++ {
			if occ[c] < 1e-10 {
				continue
			}
			g.Weights[c] = occ[c] / totOcc
			meanRow := meanAcc.RawRowView(c)
			mean := make([]float64, dim)
			for d := 0; d < dim; d++ {
				mean[d] = meanRow[d] / occ[c]
			}
			g.Means.SetRow(c, mean)
			for i := 0; i < dim; i++ {
				for j := 0; j <= i; j++ {
					cov.SetSym(i, j, scatter[c].At(i, j)/occ[c]-mean[i]*mean[j])
				}
			}
			if _, err := mathutil.FloorSym(cov, floorM); err != nil {
				return nil, fmt.Errorf("floor covariance of component %d: %w", c, err)
			}
			var ch mat.Cholesky
			if !ch.Factorize(cov) {
				return nil, fmt.Errorf("covariance of component %d is not positive definite", c)
			}
			if err := ch.InverseTo(g.InvCovars[c]); err != nil {
				return nil, fmt.Errorf("invert covariance of component %d: %w", c, err)
			}
		}
		if err := g.Precompute(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func globalVariance(frames [][]float64, floor float64) []float64 {
	dim := len(frames[0])
	mean := make([]float64, dim)
	sq := make([]float64, dim)
	for _, x := range frames {
		for d, xd := range x {
			mean[d] += xd
			sq[d] += xd * xd
		}
	}
	n := float64(len(frames))
	out := make([]float64, dim)
	for d := 0; d < dim; d++ {
		m := mean[d] / n
		v := sq[d]/n - m*m
		if v < floor {
			v = floor
		}
		out[d] = v
	}
	return out
}
