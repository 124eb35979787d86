package ivector

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/ivector-go/acoustic"
)

// pointBackground is a single-component unit-variance model at the origin in
// one dimension, so every frame gets the full posterior.
func pointBackground(t *testing.T) *acoustic.FullGMM {
	t.Helper()
	g := &acoustic.FullGMM{
		Weights:   []float64{1.0},
		Means:     mat.NewDense(1, 1, []float64{0}),
		InvCovars: []*mat.SymDense{mat.NewSymDense(1, []float64{1})},
	}
	if err := g.Precompute(); err != nil {
		t.Fatalf("Precompute: %v", err)
	}
	return g
}

func testCorpus(seed uint64, numUtts, framesPerUtt int) Corpus {
	rng := rand.New(rand.NewPCG(seed, 0))
	utts := make([]Utterance, numUtts)
	for k := range utts {
		center := []float64{0, 0}
		if k%2 == 1 {
			center = []float64{4, 4}
		}
		utts[k] = Utterance{
			ID:    string(rune('a' + k)),
			Feats: clusterFrames(rng, center, framesPerUtt),
		}
	}
	return SliceCorpus(utts)
}

func TestTrainImprovesAcrossIterations(t *testing.T) {
	if testing.Short() {
		t.Skip("training loop test")
	}
	fgmm := testBackground(t)
	ex, err := NewExtractor(ExtractorOptions{IvectorDim: 2, NumIters: 2}, fgmm)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	opts := DefaultTrainOptions()
	opts.NumIterations = 3
	opts.NumWorkers = 2
	opts.Update.GaussianMinCount = 1.0

	report, err := Train(context.Background(), ex, fgmm, nil, testCorpus(99, 8, 15), opts)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(report.Iterations) != 3 {
		t.Fatalf("got %d iteration reports, want 3", len(report.Iterations))
	}
	first := report.Iterations[0]
	last := report.Iterations[2]
	if first.Frames != last.Frames {
		t.Errorf("frame count changed between iterations: %f vs %f", first.Frames, last.Frames)
	}
	// Each iteration re-estimates the model, so the auxiliary function seen
	// by the next accumulation pass must go up.
	if last.AuxfPerFrame <= first.AuxfPerFrame {
		t.Errorf("auxf per frame went from %f to %f, want an increase",
			first.AuxfPerFrame, last.AuxfPerFrame)
	}
}

func TestTrainHonorsContext(t *testing.T) {
	fgmm := testBackground(t)
	ex, err := NewExtractor(ExtractorOptions{IvectorDim: 2, NumIters: 2}, fgmm)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Train(ctx, ex, fgmm, nil, testCorpus(1, 4, 5), DefaultTrainOptions())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestTrainRejectsEmptyCorpus(t *testing.T) {
	fgmm := testBackground(t)
	ex, err := NewExtractor(ExtractorOptions{IvectorDim: 2, NumIters: 2}, fgmm)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	if _, err := Train(context.Background(), ex, fgmm, nil, SliceCorpus(nil), DefaultTrainOptions()); err == nil {
		t.Error("expected an error for an empty corpus")
	}
}

func TestExtractIvectorZeroAcousticWeight(t *testing.T) {
	fgmm := pointBackground(t)
	ex := newTestExtractor(t, 1, 1, 2, false)

	opts := DefaultEstimationOptions()
	opts.AcousticWeight = 0
	iv, err := ExtractIvector(ex, fgmm, nil, [][]float64{{2}, {3}}, opts)
	if err != nil {
		t.Fatalf("ExtractIvector: %v", err)
	}
	if math.Abs(iv[0]-ex.PriorOffset) > 1e-12 {
		t.Errorf("iv[0] = %f, want the prior offset %f", iv[0], ex.PriorOffset)
	}
	if math.Abs(iv[1]) > 1e-12 {
		t.Errorf("iv[1] = %f, want 0", iv[1])
	}
}

func TestExtractIvectorAcousticWeightInterpolates(t *testing.T) {
	// One component, M = [1], Sigma = 1, prior offset 4: a frame at 2 with
	// weight w gives mean (2w+4)/(w+1).
	fgmm := pointBackground(t)
	ex := newTestExtractor(t, 1, 1, 1, false)

	cases := []struct {
		weight float64
		want   float64
	}{
		{1.0, 3.0},
		{0.5, 10.0 / 3.0},
	}
	for _, c := range cases {
		opts := DefaultEstimationOptions()
		opts.AcousticWeight = c.weight
		iv, err := ExtractIvector(ex, fgmm, nil, [][]float64{{2}}, opts)
		if err != nil {
			t.Fatalf("ExtractIvector: %v", err)
		}
		if math.Abs(iv[0]-c.want) > 1e-10 {
			t.Errorf("weight %f: iv = %f, want %f", c.weight, iv[0], c.want)
		}
	}

	opts := DefaultEstimationOptions()
	opts.AcousticWeight = -1
	if _, err := ExtractIvector(ex, fgmm, nil, [][]float64{{2}}, opts); err == nil {
		t.Error("expected an error for a negative acoustic weight")
	}
}

func TestFramePosteriorsWithPreselection(t *testing.T) {
	fgmm := testBackground(t)
	gselect := acoustic.NewDiagGMMWithParams(
		[][]float64{{0, 0}, {4, 4}},
		[][]float64{{1, 1}, {1, 1}},
		[]float64{math.Log(0.5), math.Log(0.5)},
	)
	feats := [][]float64{{0.1, -0.2}, {3.9, 4.2}}

	var ws acoustic.BatchWorkspace
	withSel, err := framePosteriors(fgmm, gselect, feats, 1, 0.0, &ws)
	if err != nil {
		t.Fatalf("framePosteriors: %v", err)
	}
	without, err := framePosteriors(fgmm, nil, feats, 2, 0.0, nil)
	if err != nil {
		t.Fatalf("framePosteriors: %v", err)
	}
	for tIdx := range feats {
		if len(withSel[tIdx]) != 1 {
			t.Fatalf("frame %d: kept %d components, want 1", tIdx, len(withSel[tIdx]))
		}
		if got := withSel[tIdx].Total(); math.Abs(got-1.0) > 1e-9 {
			t.Errorf("frame %d: posterior total = %f, want 1", tIdx, got)
		}
		if got, want := withSel[tIdx][0].Index, tIdx; got != want {
			t.Errorf("frame %d: selected component %d, want %d", tIdx, got, want)
		}
		// The preselected posterior must agree with the dominant component
		// of the exact one.
		best := without[tIdx][0]
		for _, e := range without[tIdx] {
			if e.Weight > best.Weight {
				best = e
			}
		}
		if best.Index != withSel[tIdx][0].Index {
			t.Errorf("frame %d: preselection kept %d, exact dominant is %d",
				tIdx, withSel[tIdx][0].Index, best.Index)
		}
	}

	// A preselection model of the wrong dimension is rejected.
	bad := acoustic.NewDiagGMMWithParams([][]float64{{0}}, [][]float64{{1}}, []float64{0})
	if _, err := framePosteriors(fgmm, bad, feats, 1, 0.0, &ws); err == nil {
		t.Error("expected an error for a mismatched preselection model")
	}
}

func TestSliceCorpusRestartable(t *testing.T) {
	corpus := testCorpus(13, 3, 4)
	for pass := 0; pass < 2; pass++ {
		n := 0
		for utt, err := range corpus() {
			if err != nil {
				t.Fatalf("pass %d: %v", pass, err)
			}
			if len(utt.Feats) != 4 {
				t.Errorf("pass %d: utterance %s has %d frames, want 4", pass, utt.ID, len(utt.Feats))
			}
			n++
		}
		if n != 3 {
			t.Errorf("pass %d: saw %d utterances, want 3", pass, n)
		}
	}
}
