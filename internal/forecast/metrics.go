package forecast

import (
	"math"

	"github.com/shopspring/decimal"
)

// mapeEpsilon bounds the denominator so zero actuals do not divide by zero.
const mapeEpsilon = 2.220446049250313e-16

// MeanAbsoluteError of predictions against actuals.
func MeanAbsoluteError(actual, predicted []float64) float64 {
	if len(actual) == 0 {
		return math.NaN()
	}
	total := 0.0
	for i := range actual {
		total += math.Abs(actual[i] - predicted[i])
	}
	return total / float64(len(actual))
}

// MeanAbsolutePercentageError in percent: mean(|a-p| / max(|a|, eps)) * 100.
func MeanAbsolutePercentageError(actual, predicted []float64) float64 {
	if len(actual) == 0 {
		return math.NaN()
	}
	total := 0.0
	for i := range actual {
		total += math.Abs(actual[i]-predicted[i]) / math.Max(math.Abs(actual[i]), mapeEpsilon)
	}
	return total / float64(len(actual)) * 100
}

// Round half away from zero to the given decimal places. NaN and infinities pass through.
func Round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
