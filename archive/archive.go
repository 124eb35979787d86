// Package archive persists extracted ivectors and per-speaker means in a
// BadgerDB store. Records are encoded with msgpack, keyed by utterance or
// speaker ID, so a training run can be resumed or scored incrementally.
package archive

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned when the requested utterance or speaker is not archived.
var ErrNotFound = errors.New("archive: not found")

const (
	ivectorPrefix = "ivec:"
	speakerPrefix = "spk:"
)

// Record is one archived utterance embedding.
type Record struct {
	UtteranceID string    `msgpack:"utterance_id" json:"utterance_id"`
	SpeakerID   string    `msgpack:"speaker_id" json:"speaker_id"`
	NumFrames   float64   `msgpack:"num_frames" json:"num_frames"`
	Ivector     []float64 `msgpack:"ivector" json:"ivector"`
}

// SpeakerMean is the average of a speaker's archived ivectors.
type SpeakerMean struct {
	SpeakerID     string    `msgpack:"speaker_id" json:"speaker_id"`
	NumUtterances int       `msgpack:"num_utterances" json:"num_utterances"`
	Mean          []float64 `msgpack:"mean" json:"mean"`
}

// Archive is a BadgerDB-backed store of Records and SpeakerMeans.
type Archive struct {
	db *badger.DB
}

// Open opens (or creates) an archive in the given directory.
func Open(dir string) (*Archive, error) {
	if dir == "" {
		return nil, errors.New("archive: directory is required")
	}
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens an archive with no disk persistence. Intended for tests.
func OpenInMemory() (*Archive, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Archive, error) {
	opts = opts.WithLogger(badgerLogger{l: slog.Default().With("component", "archive")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// PutIvector stores one utterance record, overwriting any previous record
// with the same utterance ID.
func (a *Archive) PutIvector(_ context.Context, rec Record) error {
	val, err := encodeIvector(rec)
	if err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(ivectorPrefix+rec.UtteranceID), val)
	})
}

// PutIvectors stores a batch of utterance records in one write batch.
func (a *Archive) PutIvectors(_ context.Context, recs []Record) error {
	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for _, rec := range recs {
		val, err := encodeIvector(rec)
		if err != nil {
			return err
		}
		if err := wb.Set([]byte(ivectorPrefix+rec.UtteranceID), val); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Ivector retrieves the record for one utterance.
func (a *Archive) Ivector(_ context.Context, utteranceID string) (Record, error) {
	var rec Record
	err := a.get(ivectorPrefix+utteranceID, &rec)
	return rec, err
}

// Ivectors iterates over all archived utterance records in key order.
func (a *Archive) Ivectors(_ context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		err := a.db.View(func(txn *badger.Txn) error {
			prefix := []byte(ivectorPrefix)
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefix
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				val, err := it.Item().ValueCopy(nil)
				if err != nil {
					if !yield(Record{}, err) {
						return nil
					}
					continue
				}
				var rec Record
				if err := msgpack.Unmarshal(val, &rec); err != nil {
					if !yield(Record{}, fmt.Errorf("archive: decode %q: %w", it.Item().Key(), err)) {
						return nil
					}
					continue
				}
				if !yield(rec, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(Record{}, err)
		}
	}
}

// DeleteIvector removes one utterance record. Deleting a missing record is not an error.
func (a *Archive) DeleteIvector(_ context.Context, utteranceID string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(ivectorPrefix + utteranceID))
	})
}

// PutSpeakerMean stores a speaker-level mean, overwriting any previous one.
func (a *Archive) PutSpeakerMean(_ context.Context, sm SpeakerMean) error {
	if sm.SpeakerID == "" {
		return errors.New("archive: speaker ID is required")
	}
	if len(sm.Mean) == 0 {
		return fmt.Errorf("archive: speaker %s: empty mean", sm.SpeakerID)
	}
	val, err := msgpack.Marshal(&sm)
	if err != nil {
		return fmt.Errorf("archive: encode speaker %s: %w", sm.SpeakerID, err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(speakerPrefix+sm.SpeakerID), val)
	})
}

// SpeakerMean retrieves the stored mean for one speaker.
func (a *Archive) SpeakerMean(_ context.Context, speakerID string) (SpeakerMean, error) {
	var sm SpeakerMean
	err := a.get(speakerPrefix+speakerID, &sm)
	return sm, err
}

// SpeakerMeans iterates over all stored speaker means in key order.
func (a *Archive) SpeakerMeans(_ context.Context) iter.Seq2[SpeakerMean, error] {
	return func(yield func(SpeakerMean, error) bool) {
		err := a.db.View(func(txn *badger.Txn) error {
			prefix := []byte(speakerPrefix)
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefix
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				val, err := it.Item().ValueCopy(nil)
				if err != nil {
					if !yield(SpeakerMean{}, err) {
						return nil
					}
					continue
				}
				var sm SpeakerMean
				if err := msgpack.Unmarshal(val, &sm); err != nil {
					if !yield(SpeakerMean{}, fmt.Errorf("archive: decode %q: %w", it.Item().Key(), err)) {
						return nil
					}
					continue
				}
				if !yield(sm, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(SpeakerMean{}, err)
		}
	}
}

// ComputeSpeakerMeans averages the archived ivectors of each speaker and
// returns the means sorted by speaker ID. Records without a speaker ID are
// skipped.
func (a *Archive) ComputeSpeakerMeans(ctx context.Context) ([]SpeakerMean, error) {
	type accum struct {
		sum []float64
		n   int
	}
	bySpeaker := make(map[string]*accum)
	for rec, err := range a.Ivectors(ctx) {
		if err != nil {
			return nil, err
		}
		if rec.SpeakerID == "" {
			continue
		}
		ac := bySpeaker[rec.SpeakerID]
		if ac == nil {
			ac = &accum{sum: make([]float64, len(rec.Ivector))}
			bySpeaker[rec.SpeakerID] = ac
		}
		if len(rec.Ivector) != len(ac.sum) {
			return nil, fmt.Errorf("archive: speaker %s: ivector dim %d does not match %d",
				rec.SpeakerID, len(rec.Ivector), len(ac.sum))
		}
		for i, v := range rec.Ivector {
			ac.sum[i] += v
		}
		ac.n++
	}

	means := make([]SpeakerMean, 0, len(bySpeaker))
	for id, ac := range bySpeaker {
		mean := make([]float64, len(ac.sum))
		for i, v := range ac.sum {
			mean[i] = v / float64(ac.n)
		}
		means = append(means, SpeakerMean{SpeakerID: id, NumUtterances: ac.n, Mean: mean})
	}
	sort.Slice(means, func(i, j int) bool { return means[i].SpeakerID < means[j].SpeakerID })
	return means, nil
}

func (a *Archive) get(key string, dst interface{}) error {
	var val []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(val, dst); err != nil {
		return fmt.Errorf("archive: decode %q: %w", key, err)
	}
	return nil
}

func encodeIvector(rec Record) ([]byte, error) {
	if rec.UtteranceID == "" {
		return nil, errors.New("archive: utterance ID is required")
	}
	if len(rec.Ivector) == 0 {
		return nil, fmt.Errorf("archive: utterance %s: empty ivector", rec.UtteranceID)
	}
	val, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("archive: encode utterance %s: %w", rec.UtteranceID, err)
	}
	return val, nil
}

// badgerLogger routes badger's error and warning output to slog and drops
// the chatty info and debug levels.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
