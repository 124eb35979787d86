package feature

import "math"

// ApplyCMN subtracts the utterance-level mean from each feature dimension (Cepstral Mean Normalization).
// This removes channel and speaker-dependent spectral bias.
func ApplyCMN(features [][]float64) {
	T := len(features)
	if T == 0 {
		return
	}
	dim := len(features[0])
	mean := make([]float64, dim)
	for t := 0; t < T; t++ {
		for d := 0; d < dim; d++ {
			mean[d] += features[t][d]
		}
	}
	invT := 1.0 / float64(T)
	for d := 0; d < dim; d++ {
		mean[d] *= invT
	}
	for t := 0; t < T; t++ {
		for d := 0; d < dim; d++ {
			features[t][d] -= mean[d]
		}
	}
}

// ApplyCMVN normalizes each feature dimension to zero mean and unit variance
// over the utterance. Dimensions with near-zero variance are only mean-shifted.
func ApplyCMVN(features [][]float64) {
	T := len(features)
	if T == 0 {
		return
	}
	dim := len(features[0])
	mean := make([]float64, dim)
	sqSum := make([]float64, dim)
	for t := 0; t < T; t++ {
		for d := 0; d < dim; d++ {
			v := features[t][d]
			mean[d] += v
			sqSum[d] += v * v
		}
	}
	invT := 1.0 / float64(T)
	scale := make([]float64, dim)
	for d := 0; d < dim; d++ {
		mean[d] *= invT
		variance := sqSum[d]*invT - mean[d]*mean[d]
		if variance > 1e-10 {
			scale[d] = 1.0 / math.Sqrt(variance)
		} else {
			scale[d] = 1.0
		}
	}
	for t := 0; t < T; t++ {
		for d := 0; d < dim; d++ {
			features[t][d] = (features[t][d] - mean[d]) * scale[d]
		}
	}
}
