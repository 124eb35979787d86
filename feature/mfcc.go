package feature

import (
	"fmt"
)

// Config holds all MFCC extraction parameters.
type Config struct {
	SampleRate    int
	FrameLenMs    float64 // frame length in milliseconds
	FrameShiftMs  float64 // frame shift in milliseconds
	PreEmphCoeff  float64
	NumMelFilters int
	NumCepstra    int
	LowFreq       float64
	HighFreq      float64
	FFTSize       int
	UseDelta      bool
	UseDeltaDelta bool
	CepLifter     int
	UseCMVN       bool // per-utterance cepstral mean and variance normalization
}

// DefaultConfig returns the MFCC configuration used for speaker recognition:
// 20 cepstra over 30 Mel filters, with deltas and delta-deltas appended.
func DefaultConfig() Config {
	return Config{
		SampleRate:    16000,
		FrameLenMs:    25.0,
		FrameShiftMs:  10.0,
		PreEmphCoeff:  0.97,
		NumMelFilters: 30,
		NumCepstra:    20,
		LowFreq:       20,
		HighFreq:      7600,
		FFTSize:       512,
		UseDelta:      true,
		UseDeltaDelta: true,
		CepLifter:     22,
		UseCMVN:       true,
	}
}

// FeatureDim returns the total feature vector dimension.
func (c Config) FeatureDim() int {
	d := c.NumCepstra
	if c.UseDelta {
		d += c.NumCepstra
	}
	if c.UseDeltaDelta {
		d += c.NumCepstra
	}
	return d
}

func (c Config) frameLen() int {
	return int(c.FrameLenMs * float64(c.SampleRate) / 1000.0)
}

func (c Config) frameShift() int {
	return int(c.FrameShiftMs * float64(c.SampleRate) / 1000.0)
}

// Extract computes MFCC features from raw audio samples.
// Returns a matrix of shape [numFrames][numFeatures].
//
// When the caller drops frames afterwards (for example with DropNonSpeech),
// set UseCMVN to false here and normalize the surviving frames instead, so
// silence does not pull on the utterance statistics.
func Extract(samples []float64, cfg Config) ([][]float64, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty samples")
	}

	// 1. Pre-emphasis
	emphasized := PreEmphasize(samples, cfg.PreEmphCoeff)

	// 2. Framing
	frames := Frame(emphasized, cfg.frameLen(), cfg.frameShift())
	if len(frames) == 0 {
		return nil, fmt.Errorf("audio too short for a single frame")
	}

	// 3. Build reusable workspace (once)
	melFB := NewMelFilterbank(cfg.NumMelFilters, cfg.FFTSize, cfg.SampleRate, cfg.LowFreq, cfg.HighFreq)
	fftWS := newFFTWorkspace(cfg.FFTSize)
	dctTbl := newDCTTable(cfg.NumCepstra, cfg.NumMelFilters)
	melBuf := make([]float64, cfg.NumMelFilters)

	var liftTbl *lifterTable
	if cfg.CepLifter > 0 {
		liftTbl = newLifterTable(cfg.NumCepstra, cfg.CepLifter)
	}

	// 4. For each frame: window+FFT -> power spectrum -> Mel -> DCT -> lifter
	nFrames := len(frames)
	mfccs := make([][]float64, nFrames)
	cepAll := make([]float64, nFrames*cfg.NumCepstra)
	hammWin := hammingCoeffs(cfg.frameLen())
	for i, frame := range frames {
		fftWS.computePowerSpectrum(frame, hammWin)
		melFB.applyInto(fftWS.power, melBuf)
		cepstra := cepAll[i*cfg.NumCepstra : (i+1)*cfg.NumCepstra]
		dctTbl.applyInto(melBuf, cepstra)
		if liftTbl != nil {
			liftTbl.apply(cepstra)
		}
		mfccs[i] = cepstra
	}

	// 4.5. Mean and variance normalization (before delta)
	if cfg.UseCMVN {
		ApplyCMVN(mfccs)
	}

	// 5. Append deltas
	if cfg.UseDelta && cfg.UseDeltaDelta {
		mfccs = AppendDeltas(mfccs)
	} else if cfg.UseDelta {
		d1 := Delta(mfccs, 2)
		for t := range mfccs {
			mfccs[t] = append(mfccs[t], d1[t]...)
		}
	}

	return mfccs, nil
}
