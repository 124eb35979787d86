package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	ivector "github.com/ieee0824/ivector-go"
	"github.com/ieee0824/ivector-go/acoustic"
	"github.com/ieee0824/ivector-go/feature"
)

// fileConfig is the YAML configuration shared by the subcommands. Fields
// absent from the file keep the library defaults.
type fileConfig struct {
	Features  featuresConfig  `yaml:"features"`
	VAD       vadFileConfig   `yaml:"vad"`
	UBM       ubmConfig       `yaml:"ubm"`
	Extractor extractorConfig `yaml:"extractor"`
	Training  trainingConfig  `yaml:"training"`
}

type featuresConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	NumCepstra    int     `yaml:"num_cepstra"`
	NumMelFilters int     `yaml:"num_mel_filters"`
	LowFreq       float64 `yaml:"low_freq"`
	HighFreq      float64 `yaml:"high_freq"`
	UseDeltas     bool    `yaml:"use_deltas"`
}

type vadFileConfig struct {
	Enabled             bool    `yaml:"enabled"`
	EnergyThreshold     float64 `yaml:"energy_threshold"`
	EnergyMeanScale     float64 `yaml:"energy_mean_scale"`
	FramesContext       int     `yaml:"frames_context"`
	ProportionThreshold float64 `yaml:"proportion_threshold"`
}

type ubmConfig struct {
	NumComponents     int       `yaml:"num_components"`
	MaxIterations     int       `yaml:"max_iterations"`
	ConvergenceThresh float64   `yaml:"convergence_thresh"`
	MinVariance       float64   `yaml:"min_variance"`
	Seed              uint64    `yaml:"seed"`
	SpeedPerturbs     []float64 `yaml:"speed_perturbs"`
}

type extractorConfig struct {
	IvectorDim int  `yaml:"ivector_dim"`
	NumIters   int  `yaml:"num_iters"`
	UseWeights bool `yaml:"use_weights"`
}

type trainingConfig struct {
	NumIterations       int     `yaml:"num_iterations"`
	NumWorkers          int     `yaml:"num_workers"`
	NumGselect          int     `yaml:"num_gselect"`
	MinPost             float64 `yaml:"min_post"`
	SamplesForWeights   int     `yaml:"samples_for_weights"`
	CacheSize           int     `yaml:"cache_size"`
	UpdateVariances     bool    `yaml:"update_variances"`
	GaussianMinCount    float64 `yaml:"gaussian_min_count"`
	VarianceFloorFactor float64 `yaml:"variance_floor_factor"`
	Orthogonalize       bool    `yaml:"orthogonalize"`
	NumThreads          int     `yaml:"num_threads"`
}

// defaultFileConfig mirrors the library defaults into the file schema.
func defaultFileConfig() fileConfig {
	fc := feature.DefaultConfig()
	vc := feature.DefaultVADConfig()
	uc := acoustic.DefaultTrainConfig()
	ec := ivector.DefaultExtractorOptions()
	tc := ivector.DefaultTrainOptions()

	return fileConfig{
		Features: featuresConfig{
			SampleRate:    fc.SampleRate,
			NumCepstra:    fc.NumCepstra,
			NumMelFilters: fc.NumMelFilters,
			LowFreq:       fc.LowFreq,
			HighFreq:      fc.HighFreq,
			UseDeltas:     fc.UseDelta,
		},
		VAD: vadFileConfig{
			Enabled:             true,
			EnergyThreshold:     vc.EnergyThreshold,
			EnergyMeanScale:     vc.EnergyMeanScale,
			FramesContext:       vc.FramesContext,
			ProportionThreshold: vc.ProportionThreshold,
		},
		UBM: ubmConfig{
			NumComponents:     uc.NumComponents,
			MaxIterations:     uc.MaxIterations,
			ConvergenceThresh: uc.ConvergenceThresh,
			MinVariance:       uc.MinVariance,
			Seed:              uc.Seed,
		},
		Extractor: extractorConfig{
			IvectorDim: ec.IvectorDim,
			NumIters:   ec.NumIters,
			UseWeights: ec.UseWeights,
		},
		Training: trainingConfig{
			NumIterations:       tc.NumIterations,
			NumWorkers:          tc.NumWorkers,
			NumGselect:          tc.NumGselect,
			MinPost:             tc.MinPost,
			SamplesForWeights:   tc.Stats.NumSamplesForWeights,
			CacheSize:           tc.Stats.CacheSize,
			UpdateVariances:     tc.Stats.UpdateVariances,
			GaussianMinCount:    tc.Update.GaussianMinCount,
			VarianceFloorFactor: tc.Update.VarianceFloorFactor,
			Orthogonalize:       tc.Update.DoOrthogonalization,
			NumThreads:          tc.Update.NumThreads,
		},
	}
}

// loadFileConfig returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults unchanged.
func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// featureConfig builds the front-end configuration. CMVN stays off here:
// the pipeline normalizes after speech filtering, in loadUtterance.
func (c fileConfig) featureConfig() feature.Config {
	fc := feature.DefaultConfig()
	fc.SampleRate = c.Features.SampleRate
	fc.NumCepstra = c.Features.NumCepstra
	fc.NumMelFilters = c.Features.NumMelFilters
	fc.LowFreq = c.Features.LowFreq
	fc.HighFreq = c.Features.HighFreq
	fc.UseDelta = c.Features.UseDeltas
	fc.UseDeltaDelta = c.Features.UseDeltas
	fc.UseCMVN = false
	return fc
}

func (c fileConfig) vadConfig() feature.VADConfig {
	return feature.VADConfig{
		EnergyThreshold:     c.VAD.EnergyThreshold,
		EnergyMeanScale:     c.VAD.EnergyMeanScale,
		FramesContext:       c.VAD.FramesContext,
		ProportionThreshold: c.VAD.ProportionThreshold,
	}
}

func (c fileConfig) ubmTrainConfig() acoustic.TrainConfig {
	return acoustic.TrainConfig{
		NumComponents:     c.UBM.NumComponents,
		MaxIterations:     c.UBM.MaxIterations,
		ConvergenceThresh: c.UBM.ConvergenceThresh,
		MinVariance:       c.UBM.MinVariance,
		Seed:              c.UBM.Seed,
	}
}

func (c fileConfig) extractorOptions() ivector.ExtractorOptions {
	opts := ivector.DefaultExtractorOptions()
	opts.IvectorDim = c.Extractor.IvectorDim
	opts.NumIters = c.Extractor.NumIters
	opts.UseWeights = c.Extractor.UseWeights
	return opts
}

func (c fileConfig) trainOptions() ivector.TrainOptions {
	opts := ivector.DefaultTrainOptions()
	opts.NumIterations = c.Training.NumIterations
	opts.NumWorkers = c.Training.NumWorkers
	opts.NumGselect = c.Training.NumGselect
	opts.MinPost = c.Training.MinPost
	opts.Stats.NumSamplesForWeights = c.Training.SamplesForWeights
	opts.Stats.CacheSize = c.Training.CacheSize
	opts.Stats.UpdateVariances = c.Training.UpdateVariances
	opts.Update.GaussianMinCount = c.Training.GaussianMinCount
	opts.Update.VarianceFloorFactor = c.Training.VarianceFloorFactor
	opts.Update.DoOrthogonalization = c.Training.Orthogonalize
	opts.Update.NumThreads = c.Training.NumThreads
	return opts
}

func (c fileConfig) estimationOptions() ivector.EstimationOptions {
	opts := ivector.DefaultEstimationOptions()
	opts.NumGselect = c.Training.NumGselect
	opts.MinPost = c.Training.MinPost
	return opts
}
