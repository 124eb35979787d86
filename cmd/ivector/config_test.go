package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultFileConfig(t *testing.T) {
	cfg := defaultFileConfig()
	if cfg.Features.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", cfg.Features.SampleRate)
	}
	if cfg.Features.NumCepstra != 20 {
		t.Errorf("NumCepstra = %d, want 20", cfg.Features.NumCepstra)
	}
	if cfg.Extractor.IvectorDim != 400 {
		t.Errorf("IvectorDim = %d, want 400", cfg.Extractor.IvectorDim)
	}
	if !cfg.Extractor.UseWeights {
		t.Error("UseWeights = false, want true")
	}
	if cfg.Training.NumGselect != 20 {
		t.Errorf("NumGselect = %d, want 20", cfg.Training.NumGselect)
	}
	if cfg.Training.MinPost != 0.025 {
		t.Errorf("MinPost = %f, want 0.025", cfg.Training.MinPost)
	}
	if !cfg.VAD.Enabled {
		t.Error("VAD.Enabled = false, want true")
	}
}

func TestLoadFileConfigOverrides(t *testing.T) {
	path := writeTempFile(t, "cfg.yaml", `
features:
  num_cepstra: 13
vad:
  enabled: false
ubm:
  speed_perturbs: [0.9, 1.1]
extractor:
  ivector_dim: 64
training:
  num_iterations: 3
  gaussian_min_count: 5
`)
	cfg, err := loadFileConfig(path)
	if err != nil {
		t.Fatalf("loadFileConfig: %v", err)
	}
	if cfg.Features.NumCepstra != 13 {
		t.Errorf("NumCepstra = %d, want 13", cfg.Features.NumCepstra)
	}
	if cfg.VAD.Enabled {
		t.Error("VAD.Enabled = true, want false")
	}
	if cfg.Extractor.IvectorDim != 64 {
		t.Errorf("IvectorDim = %d, want 64", cfg.Extractor.IvectorDim)
	}
	if cfg.Training.NumIterations != 3 {
		t.Errorf("NumIterations = %d, want 3", cfg.Training.NumIterations)
	}
	if cfg.Training.GaussianMinCount != 5 {
		t.Errorf("GaussianMinCount = %f, want 5", cfg.Training.GaussianMinCount)
	}
	if len(cfg.UBM.SpeedPerturbs) != 2 || cfg.UBM.SpeedPerturbs[0] != 0.9 || cfg.UBM.SpeedPerturbs[1] != 1.1 {
		t.Errorf("SpeedPerturbs = %v, want [0.9 1.1]", cfg.UBM.SpeedPerturbs)
	}

	// Untouched fields keep their defaults.
	if !cfg.Extractor.UseWeights {
		t.Error("UseWeights lost its default")
	}
	if cfg.Training.MinPost != 0.025 {
		t.Errorf("MinPost = %f, want default 0.025", cfg.Training.MinPost)
	}
	if cfg.Features.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want default 16000", cfg.Features.SampleRate)
	}
}

func TestLoadFileConfigMissingAndMalformed(t *testing.T) {
	if _, err := loadFileConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeTempFile(t, "bad.yaml", "features: [not, a, mapping]")
	if _, err := loadFileConfig(path); err == nil {
		t.Error("expected error for malformed config")
	}
}

func TestConfigToOptions(t *testing.T) {
	cfg := defaultFileConfig()
	cfg.Extractor.IvectorDim = 8
	cfg.Extractor.UseWeights = false
	cfg.Training.NumIterations = 2
	cfg.Training.UpdateVariances = false
	cfg.Training.Orthogonalize = true

	eo := cfg.extractorOptions()
	if eo.IvectorDim != 8 || eo.UseWeights {
		t.Errorf("extractorOptions = %+v", eo)
	}
	to := cfg.trainOptions()
	if to.NumIterations != 2 {
		t.Errorf("NumIterations = %d, want 2", to.NumIterations)
	}
	if to.Stats.UpdateVariances {
		t.Error("Stats.UpdateVariances = true, want false")
	}
	if !to.Update.DoOrthogonalization {
		t.Error("Update.DoOrthogonalization = false, want true")
	}
	fc := cfg.featureConfig()
	if fc.UseCMVN {
		t.Error("featureConfig must leave CMVN to the pipeline")
	}
}
