// driver/metrics/stats.go
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultOutlierThreshold is the median-absolute-deviation multiplier past
// which a sample is rejected. 2.576/0.6745 keeps about 99% of a Gaussian
// series.
const DefaultOutlierThreshold = 3.819

// confidence is the two-sided level of mean_err error bars.
const confidence = 0.95

type Number interface {
	int | int64 | float64
}

// Percentile returns the p-th percentile (0..100) of sorted data using
// linear interpolation between closest ranks. Empty data yields NaN.
func Percentile[T Number](sorted []T, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	rank := p / 100.0 * float64(n-1)
	lowerIdx := int(math.Floor(rank))
	upperIdx := int(math.Ceil(rank))
	if lowerIdx < 0 {
		return float64(sorted[0])
	}
	if upperIdx >= n {
		return float64(sorted[n-1])
	}
	if lowerIdx == upperIdx {
		return float64(sorted[lowerIdx])
	}
	lowerVal := float64(sorted[lowerIdx])
	upperVal := float64(sorted[upperIdx])
	return lowerVal + (upperVal-lowerVal)*(rank-float64(lowerIdx))
}

// Median of sorted data; the mean of the two middle values for even sizes.
func Median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Mean is the arithmetic mean; NaN for empty data.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	return stat.Mean(data, nil)
}

// MeanError returns the mean and the half-width of its 95% confidence
// interval: the population standard deviation over the square root of the
// count, scaled by the Student-t quantile for count-1 degrees of freedom.
// Fewer than two samples have no spread and yield an error of 0.
func MeanError(data []float64) (mean, halfWidth float64) {
	n := len(data)
	if n == 0 {
		return math.NaN(), math.NaN()
	}
	if n < 2 {
		return data[0], 0
	}
	mean, std := stat.PopMeanStdDev(data, nil)
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile(1 - (1-confidence)/2)
	return mean, t * stat.StdErr(std, float64(n))
}

// RejectOutliers drops samples whose absolute deviation from the median is
// more than threshold times the median absolute deviation. Input must be
// sorted; output stays sorted. When the MAD is zero nothing is rejected.
func RejectOutliers(sorted []float64, threshold float64) []float64 {
	if len(sorted) < 3 {
		return sorted
	}
	med := Median(sorted)
	dev := make([]float64, len(sorted))
	for i, x := range sorted {
		dev[i] = math.Abs(x - med)
	}
	sort.Float64s(dev)
	mad := Median(dev)
	if mad == 0 {
		return sorted
	}
	kept := make([]float64, 0, len(sorted))
	for _, x := range sorted {
		if math.Abs(x-med)/mad <= threshold {
			kept = append(kept, x)
		}
	}
	return kept
}
