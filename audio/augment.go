package audio

// SpeedPerturb resamples audio to simulate a speaking-rate change by the
// given factor, using linear interpolation at a fixed sample rate. Factors
// above 1 shorten the signal and raise the pitch, factors below 1 do the
// opposite. Background model training uses mild perturbations such as 0.9
// and 1.1 to widen acoustic coverage without new recordings.
//
// The result has length len(samples)/factor. Empty input or a non-positive
// factor returns nil.
func SpeedPerturb(samples []float64, factor float64) []float64 {
	if len(samples) == 0 || factor <= 0 {
		return nil
	}
	n := int(float64(len(samples)) / factor)
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * factor
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = samples[j] + frac*(samples[j+1]-samples[j])
	}
	return out
}
