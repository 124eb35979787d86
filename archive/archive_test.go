package archive

import (
	"context"
	"errors"
	"math"
	"testing"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestIvectorRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	_, err := a.Ivector(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := Record{
		UtteranceID: "utt-1",
		SpeakerID:   "spk-a",
		NumFrames:   312,
		Ivector:     []float64{0.5, -1.25, 3.0},
	}
	if err := a.PutIvector(ctx, rec); err != nil {
		t.Fatalf("PutIvector: %v", err)
	}

	got, err := a.Ivector(ctx, "utt-1")
	if err != nil {
		t.Fatalf("Ivector: %v", err)
	}
	if got.UtteranceID != rec.UtteranceID || got.SpeakerID != rec.SpeakerID || got.NumFrames != rec.NumFrames {
		t.Errorf("got %+v, want %+v", got, rec)
	}
	for i := range rec.Ivector {
		if got.Ivector[i] != rec.Ivector[i] {
			t.Errorf("ivector[%d] = %f, want %f", i, got.Ivector[i], rec.Ivector[i])
		}
	}

	// Overwrite under the same utterance ID.
	rec.Ivector = []float64{9.0, 9.0, 9.0}
	if err := a.PutIvector(ctx, rec); err != nil {
		t.Fatalf("PutIvector overwrite: %v", err)
	}
	got, err = a.Ivector(ctx, "utt-1")
	if err != nil {
		t.Fatalf("Ivector after overwrite: %v", err)
	}
	if got.Ivector[0] != 9.0 {
		t.Errorf("ivector[0] = %f after overwrite, want 9.0", got.Ivector[0])
	}
}

func TestPutIvectorValidates(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	if err := a.PutIvector(ctx, Record{Ivector: []float64{1}}); err == nil {
		t.Error("expected error for missing utterance ID")
	}
	if err := a.PutIvector(ctx, Record{UtteranceID: "utt-1"}); err == nil {
		t.Error("expected error for empty ivector")
	}
}

func TestIvectorsIteratesInKeyOrder(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	recs := []Record{
		{UtteranceID: "utt-b", Ivector: []float64{2}},
		{UtteranceID: "utt-a", Ivector: []float64{1}},
		{UtteranceID: "utt-c", Ivector: []float64{3}},
	}
	if err := a.PutIvectors(ctx, recs); err != nil {
		t.Fatalf("PutIvectors: %v", err)
	}
	// A speaker mean under a different prefix must not leak into the scan.
	if err := a.PutSpeakerMean(ctx, SpeakerMean{SpeakerID: "spk", NumUtterances: 1, Mean: []float64{0}}); err != nil {
		t.Fatalf("PutSpeakerMean: %v", err)
	}

	var ids []string
	for rec, err := range a.Ivectors(ctx) {
		if err != nil {
			t.Fatalf("Ivectors: %v", err)
		}
		ids = append(ids, rec.UtteranceID)
	}
	want := []string{"utt-a", "utt-b", "utt-c"}
	if len(ids) != len(want) {
		t.Fatalf("got %d records, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}

	// Early break must not deadlock or error.
	for _, err := range a.Ivectors(ctx) {
		if err != nil {
			t.Fatalf("Ivectors: %v", err)
		}
		break
	}
}

func TestDeleteIvector(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	if err := a.PutIvector(ctx, Record{UtteranceID: "utt-1", Ivector: []float64{1}}); err != nil {
		t.Fatalf("PutIvector: %v", err)
	}
	if err := a.DeleteIvector(ctx, "utt-1"); err != nil {
		t.Fatalf("DeleteIvector: %v", err)
	}
	if _, err := a.Ivector(ctx, "utt-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := a.DeleteIvector(ctx, "never-existed"); err != nil {
		t.Errorf("deleting a missing record: %v", err)
	}
}

func TestSpeakerMeanRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	_, err := a.SpeakerMean(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sm := SpeakerMean{SpeakerID: "spk-a", NumUtterances: 3, Mean: []float64{1.5, -2.5}}
	if err := a.PutSpeakerMean(ctx, sm); err != nil {
		t.Fatalf("PutSpeakerMean: %v", err)
	}
	got, err := a.SpeakerMean(ctx, "spk-a")
	if err != nil {
		t.Fatalf("SpeakerMean: %v", err)
	}
	if got.SpeakerID != sm.SpeakerID || got.NumUtterances != sm.NumUtterances {
		t.Errorf("got %+v, want %+v", got, sm)
	}
	for i := range sm.Mean {
		if got.Mean[i] != sm.Mean[i] {
			t.Errorf("mean[%d] = %f, want %f", i, got.Mean[i], sm.Mean[i])
		}
	}

	if err := a.PutSpeakerMean(ctx, SpeakerMean{Mean: []float64{1}}); err == nil {
		t.Error("expected error for missing speaker ID")
	}
	if err := a.PutSpeakerMean(ctx, SpeakerMean{SpeakerID: "spk-b"}); err == nil {
		t.Error("expected error for empty mean")
	}
}

func TestComputeSpeakerMeans(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	recs := []Record{
		{UtteranceID: "utt-1", SpeakerID: "spk-b", Ivector: []float64{5, 5}},
		{UtteranceID: "utt-2", SpeakerID: "spk-a", Ivector: []float64{1, 1}},
		{UtteranceID: "utt-3", SpeakerID: "spk-a", Ivector: []float64{3, 3}},
		{UtteranceID: "utt-4", SpeakerID: "", Ivector: []float64{100, 100}}, // skipped
	}
	if err := a.PutIvectors(ctx, recs); err != nil {
		t.Fatalf("PutIvectors: %v", err)
	}

	means, err := a.ComputeSpeakerMeans(ctx)
	if err != nil {
		t.Fatalf("ComputeSpeakerMeans: %v", err)
	}
	if len(means) != 2 {
		t.Fatalf("got %d speakers, want 2", len(means))
	}
	if means[0].SpeakerID != "spk-a" || means[1].SpeakerID != "spk-b" {
		t.Fatalf("speaker order = [%s %s], want [spk-a spk-b]", means[0].SpeakerID, means[1].SpeakerID)
	}
	if means[0].NumUtterances != 2 {
		t.Errorf("spk-a utterances = %d, want 2", means[0].NumUtterances)
	}
	for i, want := range []float64{2, 2} {
		if math.Abs(means[0].Mean[i]-want) > 1e-12 {
			t.Errorf("spk-a mean[%d] = %f, want %f", i, means[0].Mean[i], want)
		}
	}
	if means[1].Mean[0] != 5 || means[1].NumUtterances != 1 {
		t.Errorf("spk-b = %+v, want mean [5 5] from 1 utterance", means[1])
	}
}

func TestComputeSpeakerMeansDimMismatch(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	recs := []Record{
		{UtteranceID: "utt-1", SpeakerID: "spk-a", Ivector: []float64{1, 2}},
		{UtteranceID: "utt-2", SpeakerID: "spk-a", Ivector: []float64{1, 2, 3}},
	}
	if err := a.PutIvectors(ctx, recs); err != nil {
		t.Fatalf("PutIvectors: %v", err)
	}
	if _, err := a.ComputeSpeakerMeans(ctx); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestOpenRequiresDir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestOpenOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.PutIvector(ctx, Record{UtteranceID: "utt-1", Ivector: []float64{7}}); err != nil {
		t.Fatalf("PutIvector: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and read back.
	a, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer a.Close()
	got, err := a.Ivector(ctx, "utt-1")
	if err != nil {
		t.Fatalf("Ivector after reopen: %v", err)
	}
	if got.Ivector[0] != 7 {
		t.Errorf("ivector[0] = %f, want 7", got.Ivector[0])
	}
}
