package lib

import "fmt"
import "math/bits"
import "sort"
import "strings"

// Sizehistogram count samples into power-of-two buckets, bucket `i`
// holds samples in the range (2^(i-1), 2^i]. Suitable for allocation
// sizes that span several orders of magnitude. Not thread safe.
type Sizehistogram struct {
	n       int64
	minval  int64
	maxval  int64
	sum     int64
	buckets [64]int64
}

// NewSizehistogram return an empty histogram.
func NewSizehistogram() *Sizehistogram {
	return &Sizehistogram{}
}

// Add a sample, negative samples are counted as zero.
func (h *Sizehistogram) Add(sample int64) {
	if sample < 0 {
		sample = 0
	}
	if h.n == 0 || sample < h.minval {
		h.minval = sample
	}
	if sample > h.maxval {
		h.maxval = sample
	}
	h.n++
	h.sum += sample
	h.buckets[bucketof(sample)]++
}

func bucketof(sample int64) int {
	if sample <= 1 {
		return 0
	}
	return bits.Len64(uint64(sample - 1))
}

// Samples return number of samples added so far.
func (h *Sizehistogram) Samples() int64 {
	return h.n
}

// Min return smallest sample.
func (h *Sizehistogram) Min() int64 {
	return h.minval
}

// Max return largest sample.
func (h *Sizehistogram) Max() int64 {
	return h.maxval
}

// Sum of all samples.
func (h *Sizehistogram) Sum() int64 {
	return h.sum
}

// Mean of all samples.
func (h *Sizehistogram) Mean() int64 {
	if h.n == 0 {
		return 0
	}
	return h.sum / h.n
}

// Clone return a copy of this histogram.
func (h *Sizehistogram) Clone() *Sizehistogram {
	newh := *h
	return &newh
}

// Buckets return a map of bucket upper-bound to sample count, empty
// buckets are skipped.
func (h *Sizehistogram) Buckets() map[int64]int64 {
	m := make(map[int64]int64)
	for i, count := range h.buckets {
		if count > 0 {
			m[int64(1)<<uint(i)] = count
		}
	}
	return m
}

// Fullstats return histogram as a map, suitable for json encoding.
func (h *Sizehistogram) Fullstats() map[string]interface{} {
	hmap := make(map[string]interface{})
	for upper, count := range h.Buckets() {
		hmap[fmt.Sprintf("%d", upper)] = count
	}
	return map[string]interface{}{
		"samples":   h.n,
		"min":       h.minval,
		"max":       h.maxval,
		"mean":      h.Mean(),
		"histogram": hmap,
	}
}

// Logstring return histogram buckets in ascending order as a loggable
// string.
func (h *Sizehistogram) Logstring() string {
	buckets := h.Buckets()
	uppers := make([]int64, 0, len(buckets))
	for upper := range buckets {
		uppers = append(uppers, upper)
	}
	sort.Slice(uppers, func(i, j int) bool { return uppers[i] < uppers[j] })
	ss := make([]string, 0, len(uppers))
	for _, upper := range uppers {
		ss = append(ss, fmt.Sprintf(`"%v": %v`, upper, buckets[upper]))
	}
	fmsg := `{"samples": %v, "mean": %v, "histogram": {%v}}`
	return fmt.Sprintf(fmsg, h.n, h.Mean(), strings.Join(ss, ","))
}
