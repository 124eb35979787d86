package main

import (
	"bufio"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"

	ivector "github.com/ieee0824/ivector-go"
	"github.com/ieee0824/ivector-go/audio"
	"github.com/ieee0824/ivector-go/feature"
)

// manifestEntry is one line of an utterance manifest.
type manifestEntry struct {
	UtteranceID string
	SpeakerID   string
	Path        string
}

// readManifest parses a manifest file with one utterance per line:
//
//	<utt-id> [<speaker-id>] <wav-path>
//
// Fields are whitespace-separated, so paths must not contain spaces. Blank
// lines and lines starting with '#' are skipped.
func readManifest(path string) ([]manifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []manifestEntry
	seen := make(map[string]int)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		var entry manifestEntry
		switch len(fields) {
		case 2:
			entry = manifestEntry{UtteranceID: fields[0], Path: fields[1]}
		case 3:
			entry = manifestEntry{UtteranceID: fields[0], SpeakerID: fields[1], Path: fields[2]}
		default:
			return nil, fmt.Errorf("%s:%d: expected 2 or 3 fields, got %d", path, lineNo, len(fields))
		}
		if prev, ok := seen[entry.UtteranceID]; ok {
			return nil, fmt.Errorf("%s:%d: utterance %s already declared on line %d", path, lineNo, entry.UtteranceID, prev)
		}
		seen[entry.UtteranceID] = lineNo
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest %s has no utterances", path)
	}
	return entries, nil
}

// loadUtterance runs the acoustic front end for one manifest entry: WAV
// decode, MFCC extraction, speech filtering when enabled, then mean and
// variance normalization over the surviving frames.
func loadUtterance(entry manifestEntry, cfg fileConfig) ([][]float64, error) {
	samples, err := readUtteranceWAV(entry, cfg)
	if err != nil {
		return nil, err
	}
	feats, err := utteranceFeatures(samples, cfg)
	if err != nil {
		return nil, fmt.Errorf("utterance %s: %w", entry.UtteranceID, err)
	}
	return feats, nil
}

// readUtteranceWAV decodes a manifest entry's audio and checks it against the
// configured sample rate.
func readUtteranceWAV(entry manifestEntry, cfg fileConfig) ([]float64, error) {
	samples, hdr, err := audio.ReadWAVFile(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("utterance %s: %w", entry.UtteranceID, err)
	}
	if int(hdr.SampleRate) != cfg.Features.SampleRate {
		return nil, fmt.Errorf("utterance %s: sample rate %d does not match configured %d",
			entry.UtteranceID, hdr.SampleRate, cfg.Features.SampleRate)
	}
	return samples, nil
}

// utteranceFeatures turns raw samples into normalized feature frames.
func utteranceFeatures(samples []float64, cfg fileConfig) ([][]float64, error) {
	fc := cfg.featureConfig()
	feats, err := feature.Extract(samples, fc)
	if err != nil {
		return nil, err
	}
	if cfg.VAD.Enabled {
		mask, err := feature.SpeechFrames(samples, fc, cfg.vadConfig())
		if err != nil {
			return nil, err
		}
		feats, err = feature.DropNonSpeech(feats, mask)
		if err != nil {
			return nil, err
		}
		if len(feats) == 0 {
			return nil, errors.New("no speech frames")
		}
	}
	feature.ApplyCMVN(feats)
	return feats, nil
}

// manifestCorpus adapts a manifest to the training corpus interface. Each
// pass re-reads the audio, so memory stays bounded by one utterance.
func manifestCorpus(entries []manifestEntry, cfg fileConfig) ivector.Corpus {
	return func() iter.Seq2[ivector.Utterance, error] {
		return func(yield func(ivector.Utterance, error) bool) {
			for _, entry := range entries {
				feats, err := loadUtterance(entry, cfg)
				if err != nil {
					if !yield(ivector.Utterance{}, err) {
						return
					}
					continue
				}
				if !yield(ivector.Utterance{ID: entry.UtteranceID, Feats: feats}, nil) {
					return
				}
			}
		}
	}
}
