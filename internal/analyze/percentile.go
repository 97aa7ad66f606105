package analyze

import (
	"math"
	"sort"
)

// Percentile returns the p-quantile (0 <= p <= 1) of an ascending slice, interpolating
// linearly between the two closest order statistics. Empty input gives NaN.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// Quartiles returns Q1, median and Q3 of unsorted values.
func Quartiles(values []float64) (q1, median, q3 float64) {
	sorted := sortedCopy(values)
	return Percentile(sorted, 0.25), Percentile(sorted, 0.5), Percentile(sorted, 0.75)
}

func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}
