package ivector

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/ivector-go/acoustic"
	"github.com/ieee0824/ivector-go/internal/mathutil"
)

// UtteranceStats holds the sufficient statistics of one utterance for
// estimating an iVector: per-component occupancies, first-order stats, and
// optionally the second-order stats needed for variance updates.
type UtteranceStats struct {
	Gamma []float64       // [I] zeroth-order stats (summed posteriors)
	X     [][]float64     // [I][D] first-order stats
	S     []*mat.SymDense // [I] D×D second-order stats, nil unless requested
}

// NewUtteranceStats allocates zeroed statistics for numGauss components of
// feature dimension featDim. Second-order stats are kept only when
// needSecondOrder is set; they are not needed for just the iVector.
func NewUtteranceStats(numGauss, featDim int, needSecondOrder bool) *UtteranceStats {
	u := &UtteranceStats{
		Gamma: make([]float64, numGauss),
		X:     mathutil.NewMat(numGauss, featDim),
	}
	if needSecondOrder {
		u.S = make([]*mat.SymDense, numGauss)
		for i := range u.S {
			u.S[i] = mat.NewSymDense(featDim, nil)
		}
	}
	return u
}

// NumGauss returns the component count I.
func (u *UtteranceStats) NumGauss() int { return len(u.Gamma) }

// FeatDim returns the feature dimension D.
func (u *UtteranceStats) FeatDim() int {
	if len(u.X) == 0 {
		return 0
	}
	return len(u.X[0])
}

// AccStats accumulates posterior-weighted statistics from the given frames.
// It is additive, so several segments can be pooled into one UtteranceStats
// before estimation.
func (u *UtteranceStats) AccStats(feats [][]float64, post []acoustic.Posterior) error {
	if len(feats) != len(post) {
		return fmt.Errorf("%d frames but %d posteriors", len(feats), len(post))
	}
	numGauss := u.NumGauss()
	featDim := u.FeatDim()
	for t, frame := range feats {
		if len(frame) != featDim {
			return fmt.Errorf("frame %d has dimension %d, want %d", t, len(frame), featDim)
		}
		var fv *mat.VecDense
		if u.S != nil {
			fv = mat.NewVecDense(featDim, frame)
		}
		for _, e := range post[t] {
			if e.Index < 0 || e.Index >= numGauss {
				return fmt.Errorf("frame %d references component %d of %d", t, e.Index, numGauss)
			}
			u.Gamma[e.Index] += e.Weight
			row := u.X[e.Index]
			for d, v := range frame {
				row[d] += e.Weight * v
			}
			if u.S != nil {
				u.S[e.Index].SymRankOne(u.S[e.Index], e.Weight, fv)
			}
		}
	}
	return nil
}

// Scale multiplies every statistic by f. Used to apply the acoustic weight
// before estimation.
func (u *UtteranceStats) Scale(f float64) {
	floats.Scale(f, u.Gamma)
	for _, row := range u.X {
		floats.Scale(f, row)
	}
	for _, s := range u.S {
		s.ScaleSym(f, s)
	}
}

// Count returns the total occupancy, the effective frame count.
func (u *UtteranceStats) Count() float64 {
	return floats.Sum(u.Gamma)
}
