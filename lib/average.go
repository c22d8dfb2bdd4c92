package lib

import "math"

// Smoothing factor for the exponentially weighted mean.
const Smoothing = 0.2

// AverageInt64 track min, max, mean and an exponentially weighted
// recent mean of int64 samples. Not thread safe.
type AverageInt64 struct {
	n      int64
	minval int64
	maxval int64
	sum    int64
	sumsq  float64
	recent float64
}

// Add a sample.
func (av *AverageInt64) Add(sample int64) {
	if av.n == 0 || sample < av.minval {
		av.minval = sample
	}
	if av.n == 0 || sample > av.maxval {
		av.maxval = sample
	}
	f := float64(sample)
	if av.n == 0 {
		av.recent = f
	} else {
		av.recent = (Smoothing * f) + ((1 - Smoothing) * av.recent)
	}
	av.n++
	av.sum += sample
	av.sumsq += f * f
}

// Samples return number of samples.
func (av *AverageInt64) Samples() int64 {
	return av.n
}

// Min sample.
func (av *AverageInt64) Min() int64 {
	return av.minval
}

// Max sample.
func (av *AverageInt64) Max() int64 {
	return av.maxval
}

// Sum of samples.
func (av *AverageInt64) Sum() int64 {
	return av.sum
}

// Mean of all samples.
func (av *AverageInt64) Mean() int64 {
	if av.n == 0 {
		return 0
	}
	return av.sum / av.n
}

// Recent return the exponentially weighted mean, biased towards the
// latest samples.
func (av *AverageInt64) Recent() int64 {
	return int64(math.Round(av.recent))
}

// SD standard deviation of samples.
func (av *AverageInt64) SD() float64 {
	if av.n == 0 {
		return 0
	}
	mean := float64(av.sum) / float64(av.n)
	variance := (av.sumsq / float64(av.n)) - (mean * mean)
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// Stats return the average as a map.
func (av *AverageInt64) Stats() map[string]interface{} {
	return map[string]interface{}{
		"samples":     av.n,
		"min":         av.minval,
		"max":         av.maxval,
		"mean":        av.Mean(),
		"recent":      av.Recent(),
		"stddeviance": av.SD(),
	}
}
