package ivector

import "fmt"

// EstimationOptions controls iVector estimation during both training and
// test. The acoustic weight is not read by the estimator itself; apply it
// with UtteranceStats.Scale before estimating.
type EstimationOptions struct {
	AcousticWeight float64 // weight on the data-dependent stats; small values let the prior dominate
	NumGselect     int     // Gaussians retained per frame during preselection
	MinPost        float64 // posteriors below this are pruned and the rest renormalized
}

// DefaultEstimationOptions returns the standard estimation parameters.
func DefaultEstimationOptions() EstimationOptions {
	return EstimationOptions{
		AcousticWeight: 1.0,
		NumGselect:     20,
		MinPost:        0.025,
	}
}

// ExtractorOptions configures the shape of a new Extractor.
type ExtractorOptions struct {
	IvectorDim int  // dimension of the embedding
	NumIters   int  // estimation iterations; >1 needed when weights are used
	UseWeights bool // regress the log mixture weights on the embedding
}

// DefaultExtractorOptions returns the standard model shape parameters.
func DefaultExtractorOptions() ExtractorOptions {
	return ExtractorOptions{
		IvectorDim: 400,
		NumIters:   2,
		UseWeights: true,
	}
}

// StatsOptions configures the accumulation of training statistics.
type StatsOptions struct {
	UpdateVariances      bool // accumulate second-order stats so variances can be updated
	ComputeAuxf          bool // track the auxiliary function over the training data
	NumSamplesForWeights int  // posterior samples per utterance for the weight stats; must be >= 2
	CacheSize            int  // utterances batched before each R update
}

// DefaultStatsOptions returns the standard accumulation parameters.
func DefaultStatsOptions() StatsOptions {
	return StatsOptions{
		UpdateVariances:      true,
		ComputeAuxf:          true,
		NumSamplesForWeights: 10,
		CacheSize:            100,
	}
}

// Validate reports whether the options describe a usable accumulator.
func (o StatsOptions) Validate() error {
	if o.NumSamplesForWeights < 2 {
		return fmt.Errorf("NumSamplesForWeights is %d, need at least 2", o.NumSamplesForWeights)
	}
	if o.CacheSize < 1 {
		return fmt.Errorf("CacheSize is %d, need at least 1", o.CacheSize)
	}
	return nil
}

// UpdateOptions configures the re-estimation (M-step) of the model.
type UpdateOptions struct {
	VarianceFloorFactor float64 // floor each covariance to this times the global average covariance
	GaussianMinCount    float64 // refuse to update parameters of components with less total count
	NumThreads          int     // worker pool size; <= 0 uses all CPUs
	DoOrthogonalization bool    // constrain updated projections to orthonormal rows
	Tau                 float64 // initial Cayley transform step size
	Rho1                float64 // curvilinear search lower acceptance threshold
	Rho2                float64 // curvilinear search upper threshold for growing the step
}

// DefaultUpdateOptions returns the standard M-step parameters.
func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{
		VarianceFloorFactor: 0.1,
		GaussianMinCount:    100.0,
		DoOrthogonalization: false,
		Tau:                 1.0,
		Rho1:                1.0e-4,
		Rho2:                0.9,
	}
}
