package forecast

import (
	"fmt"
	"math"
	"time"

	"valuation/server/internal/models"
)

// LagOffsets are the lags built for every input column.
var LagOffsets = []int{1, 2, 3}

// LaggedSeries is the supervised view of a series: X holds the lag columns,
// Y the target at the same row.
type LaggedSeries struct {
	Columns []string
	Periods []time.Time
	X       [][]float64
	Y       []float64
}

func (l *LaggedSeries) Len() int { return len(l.Y) }

// Split returns the leading rows for training and the last testRows rows for evaluation.
func (l *LaggedSeries) Split(testRows int) (train, test *LaggedSeries) {
	cut := l.Len() - testRows
	if cut < 0 {
		cut = 0
	}
	part := func(from, to int) *LaggedSeries {
		return &LaggedSeries{
			Columns: l.Columns,
			Periods: l.Periods[from:to],
			X:       l.X[from:to],
			Y:       l.Y[from:to],
		}
	}
	return part(0, cut), part(cut, l.Len())
}

// Last returns the feature row of the most recent complete period.
func (l *LaggedSeries) Last() ([]float64, time.Time, bool) {
	if l.Len() == 0 {
		return nil, time.Time{}, false
	}
	n := l.Len() - 1
	return l.X[n], l.Periods[n], true
}

func LagColumnName(column string, lag int) string {
	return fmt.Sprintf("%s_lag%d", column, lag)
}

// LagFeatures builds lag columns for every feature column and the target.
// The lag-k value at row i is the column value at row i-k. Rows with i < k,
// a missing lag or a missing target are dropped.
func LagFeatures(series []models.TimeSeriesRecord, featureColumns []string, target string) *LaggedSeries {
	columns := make([]string, 0, len(featureColumns)+1)
	for _, c := range featureColumns {
		if c != target {
			columns = append(columns, c)
		}
	}
	columns = append(columns, target)

	maxLag := 0
	for _, k := range LagOffsets {
		if k > maxLag {
			maxLag = k
		}
	}

	out := &LaggedSeries{}
	for _, c := range columns {
		for _, k := range LagOffsets {
			out.Columns = append(out.Columns, LagColumnName(c, k))
		}
	}

rows:
	for i := maxLag; i < len(series); i++ {
		y := series[i].Value(target)
		if math.IsNaN(y) {
			continue
		}

		x := make([]float64, 0, len(out.Columns))
		for _, c := range columns {
			for _, k := range LagOffsets {
				v := series[i-k].Value(c)
				if math.IsNaN(v) {
					continue rows
				}
				x = append(x, v)
			}
		}

		out.Periods = append(out.Periods, series[i].Period)
		out.X = append(out.X, x)
		out.Y = append(out.Y, y)
	}
	return out
}
