package acoustic

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// PosteriorEntry is one mixture component's posterior weight for a frame.
type PosteriorEntry struct {
	Index  int
	Weight float64
}

// Posterior holds the per-component posterior weights of a single frame,
// sorted by component index.
type Posterior []PosteriorEntry

// Total returns the sum of the posterior weights.
func (p Posterior) Total() float64 {
	t := 0.0
	for _, e := range p {
		t += e.Weight
	}
	return t
}

// Scale multiplies every weight by f.
func (p Posterior) Scale(f float64) {
	for i := range p {
		p[i].Weight *= f
	}
}

// PosteriorsFromLogLikes converts per-component log-likelihoods into pruned,
// renormalized posteriors. Components whose posterior falls below minPost are
// dropped and the survivors rescaled to sum to one. If pruning would drop
// every component, the single best one is kept with weight one. Returns the
// posteriors and the frame's total log-likelihood.
func PosteriorsFromLogLikes(loglikes []float64, minPost float64) (Posterior, float64) {
	total := floats.LogSumExp(loglikes)
	post := make(Posterior, 0, len(loglikes))
	sum := 0.0
	for i, ll := range loglikes {
		w := math.Exp(ll - total)
		if w < minPost {
			continue
		}
		post = append(post, PosteriorEntry{Index: i, Weight: w})
		sum += w
	}
	if len(post) == 0 {
		best := floats.MaxIdx(loglikes)
		return Posterior{{Index: best, Weight: 1.0}}, total
	}
	post.Scale(1.0 / sum)
	return post, total
}

// TopPosteriors keeps only the n highest-likelihood components, then prunes
// and renormalizes like PosteriorsFromLogLikes. The returned log-likelihood
// is computed over the kept components and is a lower bound on the frame's
// full log-likelihood.
func TopPosteriors(loglikes []float64, n int, minPost float64) (Posterior, float64) {
	if n <= 0 || n >= len(loglikes) {
		return PosteriorsFromLogLikes(loglikes, minPost)
	}
	idx := make([]int, len(loglikes))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return loglikes[idx[a]] > loglikes[idx[b]] })
	top := idx[:n]

	sel := make([]float64, n)
	for i, c := range top {
		sel[i] = loglikes[c]
	}
	total := floats.LogSumExp(sel)
	post := make(Posterior, 0, n)
	sum := 0.0
	for i, c := range top {
		w := math.Exp(sel[i] - total)
		if w < minPost {
			continue
		}
		post = append(post, PosteriorEntry{Index: c, Weight: w})
		sum += w
	}
	if len(post) == 0 {
		return Posterior{{Index: top[0], Weight: 1.0}}, total
	}
	post.Scale(1.0 / sum)
	sort.Slice(post, func(a, b int) bool { return post[a].Index < post[b].Index })
	return post, total
}
