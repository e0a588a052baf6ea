package forecast

import (
	"sort"

	"valuation/server/internal/models"
)

// Windows is the lookback catalogue in evaluation order. Earlier windows win ties.
var Windows = []models.Window{5, 10, 15, 20, models.WindowAll}

// SelectWindow keeps the records whose period is on or after the last period
// minus the window's years. The series must be sorted by period.
func SelectWindow(series []models.TimeSeriesRecord, window models.Window) []models.TimeSeriesRecord {
	if window == models.WindowAll || len(series) == 0 {
		return series
	}

	start := series[len(series)-1].Period.AddDate(-window.Years(), 0, 0)
	idx := sort.Search(len(series), func(i int) bool {
		return !series[i].Period.Before(start)
	})
	return series[idx:]
}
