package feature

import (
	"fmt"
	"math"
)

// VADConfig holds the parameters of the energy-based voice activity detector.
type VADConfig struct {
	// EnergyThreshold is the base log-energy cutoff for a speech frame.
	EnergyThreshold float64
	// EnergyMeanScale shifts the cutoff up by this fraction of the mean log
	// energy of the utterance, adapting it to the recording level. Zero
	// disables the shift.
	EnergyMeanScale float64
	// FramesContext widens the decision to a window of 2*FramesContext+1
	// frames centered on the frame being classified.
	FramesContext int
	// ProportionThreshold is the fraction of frames in the window that must
	// exceed the cutoff for the center frame to count as speech.
	ProportionThreshold float64
}

// DefaultVADConfig returns the detector settings used for speaker recognition.
// The threshold assumes waveforms normalized to [-1, 1], as ReadWAV produces.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold:     -4.9,
		EnergyMeanScale:     0.5,
		FramesContext:       2,
		ProportionThreshold: 0.12,
	}
}

// SpeechFrames classifies each frame of the utterance as speech or non-speech
// from its raw log energy. Framing follows cfg so the mask lines up with the
// features Extract produces for the same samples.
func SpeechFrames(samples []float64, cfg Config, vcfg VADConfig) ([]bool, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty samples")
	}
	if vcfg.EnergyMeanScale < 0 {
		return nil, fmt.Errorf("energy mean scale %g is negative", vcfg.EnergyMeanScale)
	}
	if vcfg.FramesContext < 0 {
		return nil, fmt.Errorf("frames context %d is negative", vcfg.FramesContext)
	}
	if vcfg.ProportionThreshold <= 0 || vcfg.ProportionThreshold >= 1 {
		return nil, fmt.Errorf("proportion threshold %g outside (0, 1)", vcfg.ProportionThreshold)
	}

	frames := Frame(samples, cfg.frameLen(), cfg.frameShift())
	if len(frames) == 0 {
		return nil, fmt.Errorf("audio too short for a single frame")
	}

	// Log energy per frame, computed on the raw waveform before any
	// pre-emphasis or windowing.
	logE := make([]float64, len(frames))
	for t, frame := range frames {
		sum := 0.0
		for _, s := range frame {
			sum += s * s
		}
		if sum < 1e-15 {
			sum = 1e-15
		}
		logE[t] = math.Log(sum)
	}

	threshold := vcfg.EnergyThreshold
	if vcfg.EnergyMeanScale > 0 {
		mean := 0.0
		for _, e := range logE {
			mean += e
		}
		threshold += vcfg.EnergyMeanScale * mean / float64(len(logE))
	}

	speech := make([]bool, len(logE))
	for t := range logE {
		above, total := 0, 0
		for t2 := t - vcfg.FramesContext; t2 <= t+vcfg.FramesContext; t2++ {
			if t2 < 0 || t2 >= len(logE) {
				continue
			}
			total++
			if logE[t2] > threshold {
				above++
			}
		}
		speech[t] = float64(above) >= float64(total)*vcfg.ProportionThreshold
	}
	return speech, nil
}

// DropNonSpeech keeps only the feature frames the mask marks as speech.
// The returned rows alias the input.
func DropNonSpeech(features [][]float64, speech []bool) ([][]float64, error) {
	if len(features) != len(speech) {
		return nil, fmt.Errorf("feature frames %d and speech mask %d disagree", len(features), len(speech))
	}
	kept := make([][]float64, 0, len(features))
	for t, isSpeech := range speech {
		if isSpeech {
			kept = append(kept, features[t])
		}
	}
	return kept, nil
}
