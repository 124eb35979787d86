package feature

import (
	"testing"
)

func TestSpeechFramesSeparatesToneFromSilence(t *testing.T) {
	cfg := DefaultConfig()
	vcfg := DefaultVADConfig()

	// Half a second of silence followed by half a second of tone.
	n := 16000
	samples := make([]float64, n)
	tone := generateSine(n/2, 440)
	copy(samples[n/2:], tone)

	speech, err := SpeechFrames(samples, cfg, vcfg)
	if err != nil {
		t.Fatalf("SpeechFrames error: %v", err)
	}
	// 98 frames at 25ms/10ms framing; the boundary falls near frame 48.
	if len(speech) != 98 {
		t.Fatalf("len(speech) = %d, want 98", len(speech))
	}
	// Frames whose context window lies entirely in the silent half.
	for i := 0; i <= 44; i++ {
		if speech[i] {
			t.Errorf("frame %d marked speech inside silence", i)
		}
	}
	// Frames whose context window lies entirely in the tone.
	for i := 53; i < len(speech); i++ {
		if !speech[i] {
			t.Errorf("frame %d marked non-speech inside tone", i)
		}
	}
}

func TestSpeechFramesMaskAlignsWithExtract(t *testing.T) {
	cfg := DefaultConfig()
	samples := generateSine(16000, 440)

	feats, err := Extract(samples, cfg)
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	speech, err := SpeechFrames(samples, cfg, DefaultVADConfig())
	if err != nil {
		t.Fatalf("SpeechFrames error: %v", err)
	}
	if len(speech) != len(feats) {
		t.Fatalf("mask has %d frames, features have %d", len(speech), len(feats))
	}
}

func TestSpeechFramesRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	samples := generateSine(1600, 440)

	cases := []struct {
		name string
		vcfg VADConfig
	}{
		{"zero proportion", VADConfig{EnergyThreshold: 5.5, ProportionThreshold: 0}},
		{"full proportion", VADConfig{EnergyThreshold: 5.5, ProportionThreshold: 1}},
		{"negative context", VADConfig{EnergyThreshold: 5.5, ProportionThreshold: 0.5, FramesContext: -1}},
		{"negative mean scale", VADConfig{EnergyThreshold: 5.5, ProportionThreshold: 0.5, EnergyMeanScale: -0.1}},
	}
	for _, tc := range cases {
		if _, err := SpeechFrames(samples, cfg, tc.vcfg); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}

	if _, err := SpeechFrames(nil, cfg, DefaultVADConfig()); err == nil {
		t.Error("empty samples: expected error")
	}
}

func TestDropNonSpeech(t *testing.T) {
	features := [][]float64{{0}, {1}, {2}}
	kept, err := DropNonSpeech(features, []bool{true, false, true})
	if err != nil {
		t.Fatalf("DropNonSpeech error: %v", err)
	}
	if len(kept) != 2 || kept[0][0] != 0 || kept[1][0] != 2 {
		t.Errorf("kept = %v, want [[0] [2]]", kept)
	}

	if _, err := DropNonSpeech(features, []bool{true}); err == nil {
		t.Error("expected error for mismatched mask length")
	}
}
