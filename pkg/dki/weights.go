package dki

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// WeightsMethod recomputes per-measurement squared-residual weights for one
// voxel between rounds of the iteratively reweighted fit. It receives the
// measured signal, the current round's predicted signal, the shared design
// matrix, the fit leverages of the previous round, the 1-based round index,
// the total round count and the previous robust mask. It returns the
// updated weights and, optionally, an updated robust mask (nil keeps the
// previous one).
type WeightsMethod func(data, pred []float64, design *mat.Dense, leverages []float64, round, total int, robust []bool) ([]float64, []bool)

// tukeyC is the standard Tukey biweight tuning constant, giving 95%
// efficiency under Gaussian noise.
const tukeyC = 4.685

// MEstimator returns the default reweighting strategy: weighted least
// squares weights (squared predicted signal) attenuated by a Tukey biweight
// factor on the leverage-adjusted, MAD-standardized log residuals.
// Measurements whose standardized residual exceeds the biweight cutoff get
// zero weight and are flagged as outliers in the robust mask.
func MEstimator() WeightsMethod {
	return func(data, pred []float64, design *mat.Dense, leverages []float64, round, total int, robust []bool) ([]float64, []bool) {
		g := len(data)
		res := make([]float64, g)
		for i := 0; i < g; i++ {
			d := data[i]
			if d <= 0 {
				d = MinPositiveSignal
			}
			p := pred[i]
			if p <= 0 {
				p = MinPositiveSignal
			}
			res[i] = math.Log(d) - math.Log(p)
		}

		scale := madScale(res)

		weights := make([]float64, g)
		keep := make([]bool, g)
		for i := 0; i < g; i++ {
			w := pred[i] * pred[i]
			if scale == 0 {
				weights[i] = w
				keep[i] = true
				continue
			}

			// Leverage inflates the residual variance of influential
			// measurements; deflate before standardizing.
			h := 0.0
			if leverages != nil {
				h = leverages[i]
			}
			if h < 0 {
				h = 0
			}
			if h > 0.99 {
				h = 0.99
			}
			u := res[i] / (scale * math.Sqrt(1.0-h))

			if math.Abs(u) >= tukeyC {
				weights[i] = 0
				continue
			}
			t := 1.0 - (u/tukeyC)*(u/tukeyC)
			weights[i] = w * t * t
			keep[i] = true
		}
		return weights, keep
	}
}

// madScale estimates the residual scale as 1.4826 times the median absolute
// deviation from the median, the consistent robust estimator of a Gaussian
// standard deviation.
func madScale(res []float64) float64 {
	med := median(res)
	dev := make([]float64, len(res))
	for i, r := range res {
		dev[i] = math.Abs(r - med)
	}
	return 1.4826 * median(dev)
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2.0
}
