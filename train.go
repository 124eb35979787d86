package ivector

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/ivector-go/acoustic"
)

// Utterance is one training example: an identifier and its feature rows.
type Utterance struct {
	ID    string
	Feats [][]float64
}

// Corpus produces the training data. Each call returns a fresh pass over the
// utterances; Train reads one pass per EM iteration.
type Corpus func() iter.Seq2[Utterance, error]

// SliceCorpus adapts an in-memory utterance list to a Corpus.
func SliceCorpus(utts []Utterance) Corpus {
	return func() iter.Seq2[Utterance, error] {
		return func(yield func(Utterance, error) bool) {
			for _, u := range utts {
				if !yield(u, nil) {
					return
				}
			}
		}
	}
}

// TrainOptions configures the EM training driver.
type TrainOptions struct {
	NumIterations int     // EM iterations over the corpus
	NumWorkers    int     // concurrent accumulation workers; <= 0 uses all CPUs
	NumGselect    int     // Gaussians retained per frame during preselection
	MinPost       float64 // posteriors below this are pruned and the rest renormalized

	Stats  StatsOptions
	Update UpdateOptions
}

// DefaultTrainOptions returns the standard training parameters.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		NumIterations: 10,
		NumGselect:    20,
		MinPost:       0.025,
		Stats:         DefaultStatsOptions(),
		Update:        DefaultUpdateOptions(),
	}
}

// IterationReport summarizes one EM iteration.
type IterationReport struct {
	Iteration    int     `json:"iteration"`
	Frames       float64 `json:"frames"`
	AuxfPerFrame float64 `json:"auxf_per_frame"`
	Improvement  float64 `json:"improvement_per_frame"`
}

// TrainReport summarizes a full training run, one entry per iteration.
type TrainReport struct {
	Iterations []IterationReport `json:"iterations"`
}

// Train runs EM over the corpus: each iteration accumulates statistics from
// every utterance with a pool of workers, then re-estimates the extractor.
// The context is checked between utterances; on cancellation the partial
// report so far is returned along with the context error.
func Train(ctx context.Context, ex *Extractor, fgmm *acoustic.FullGMM, gselect *acoustic.DiagGMM, corpus Corpus, opts TrainOptions) (*TrainReport, error) {
	if opts.NumIterations < 1 {
		return nil, fmt.Errorf("invalid iteration count %d", opts.NumIterations)
	}
	logger := slog.Default().With("component", "ivector")
	report := &TrainReport{}
	for iteration := 0; iteration < opts.NumIterations; iteration++ {
		stats, err := NewStats(ex, opts.Stats)
		if err != nil {
			return nil, err
		}
		if err := accumulateCorpus(ctx, ex, fgmm, gselect, corpus, opts, stats); err != nil {
			return report, fmt.Errorf("iteration %d: %w", iteration, err)
		}
		if stats.Count() == 0 {
			return report, fmt.Errorf("iteration %d: corpus produced no frames", iteration)
		}
		auxf := stats.AuxfPerFrame()
		impr, err := stats.Update(ex, opts.Update)
		if err != nil {
			return report, fmt.Errorf("iteration %d: %w", iteration, err)
		}
		logger.Info("finished training iteration",
			"iteration", iteration, "frames", stats.Count(),
			"auxf_per_frame", auxf, "improvement_per_frame", impr)
		report.Iterations = append(report.Iterations, IterationReport{
			Iteration:    iteration,
			Frames:       stats.Count(),
			AuxfPerFrame: auxf,
			Improvement:  impr,
		})
	}
	return report, nil
}

// accumulateCorpus streams one pass of the corpus through a worker pool into
// stats. A feeder goroutine reads the corpus so slow accumulation applies
// backpressure to slow producers rather than buffering the whole pass.
func accumulateCorpus(ctx context.Context, ex *Extractor, fgmm *acoustic.FullGMM, gselect *acoustic.DiagGMM, corpus Corpus, opts TrainOptions, stats *Stats) error {
	workers := opts.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, ctx := errgroup.WithContext(ctx)
	utts := make(chan Utterance)
	g.Go(func() error {
		defer close(utts)
		for utt, err := range corpus() {
			if err != nil {
				return err
			}
			select {
			case utts <- utt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			var ws acoustic.BatchWorkspace
			for utt := range utts {
				post, err := framePosteriors(fgmm, gselect, utt.Feats, opts.NumGselect, opts.MinPost, &ws)
				if err != nil {
					return fmt.Errorf("utterance %s: %w", utt.ID, err)
				}
				if err := stats.Accumulate(ex, utt.Feats, post); err != nil {
					return fmt.Errorf("utterance %s: %w", utt.ID, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// framePosteriors derives the per-frame component posteriors used for the
// sufficient stats: the diagonal model preselects components per frame, the
// full model scores the retained ones, and tiny posteriors are pruned. With
// no preselection model the full model scores everything and the top
// components are kept directly.
func framePosteriors(fgmm *acoustic.FullGMM, gselect *acoustic.DiagGMM, feats [][]float64, numGselect int, minPost float64, ws *acoustic.BatchWorkspace) ([]acoustic.Posterior, error) {
	numComp := len(fgmm.Weights)
	if numGselect <= 0 || numGselect > numComp {
		numGselect = numComp
	}
	post := make([]acoustic.Posterior, len(feats))
	if gselect != nil {
		if gselect.Dim != fgmm.Dim() {
			return nil, fmt.Errorf("preselection model dimension %d does not match %d", gselect.Dim, fgmm.Dim())
		}
		sel := gselect.GSelect(feats, numGselect, ws)
		for t, frame := range feats {
			p, _ := fgmm.PosteriorsSelect(frame, sel[t], minPost)
			post[t] = p
		}
		return post, nil
	}
	loglikes := make([]float64, numComp)
	for t, frame := range feats {
		fgmm.ComponentLogLikes(frame, loglikes)
		p, _ := acoustic.TopPosteriors(loglikes, numGselect, minPost)
		post[t] = p
	}
	return post, nil
}

// ExtractIvector estimates the embedding of a single utterance. The returned
// vector is the posterior mean and includes the prior offset on its first
// coordinate. An acoustic weight of zero returns exactly the prior mean.
func ExtractIvector(ex *Extractor, fgmm *acoustic.FullGMM, gselect *acoustic.DiagGMM, feats [][]float64, opts EstimationOptions) ([]float64, error) {
	if opts.AcousticWeight < 0 {
		return nil, fmt.Errorf("invalid acoustic weight %g", opts.AcousticWeight)
	}
	var ws acoustic.BatchWorkspace
	post, err := framePosteriors(fgmm, gselect, feats, opts.NumGselect, opts.MinPost, &ws)
	if err != nil {
		return nil, err
	}
	utt := NewUtteranceStats(ex.NumGauss(), ex.FeatDim(), false)
	if err := utt.AccStats(feats, post); err != nil {
		return nil, err
	}
	if opts.AcousticWeight != 1.0 {
		utt.Scale(opts.AcousticWeight)
	}
	mean := mat.NewVecDense(ex.IvectorDim(), nil)
	if err := ex.GetIvectorDistribution(utt, mean, nil); err != nil {
		return nil, err
	}
	out := make([]float64, ex.IvectorDim())
	copy(out, mean.RawVector().Data)
	return out, nil
}
