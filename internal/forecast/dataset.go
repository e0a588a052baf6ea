package forecast

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"valuation/server/config"
	"valuation/server/internal/models"
)

const dateLayout = "2006-01-02"

// ParseRecords converts loosely typed rows (as decoded from JSON or read from
// the external data table) into time-series records. Date and RegionName are
// required on every row; every other key becomes a numeric column.
func ParseRecords(raw []map[string]any) ([]models.TimeSeriesRecord, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyDataset
	}

	records := make([]models.TimeSeriesRecord, 0, len(raw))
	for i, row := range raw {
		dateValue, ok := row[config.DateColumn]
		if !ok || dateValue == nil {
			return nil, fmt.Errorf("%w: %s in row %d", ErrMissingColumn, config.DateColumn, i)
		}
		regionValue, ok := row[config.RegionColumn]
		if !ok || regionValue == nil {
			return nil, fmt.Errorf("%w: %s in row %d", ErrMissingColumn, config.RegionColumn, i)
		}

		period, err := parsePeriod(dateValue)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrInvalidInput, i, err)
		}
		region, ok := regionValue.(string)
		if !ok || strings.TrimSpace(region) == "" {
			return nil, fmt.Errorf("%w: row %d: %s must be a non-empty string", ErrInvalidInput, i, config.RegionColumn)
		}

		values := make(map[string]float64, len(row))
		for column, v := range row {
			if column == config.DateColumn || column == config.RegionColumn {
				continue
			}
			f, err := toFloat(v)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %q: %v", ErrInvalidInput, i, column, err)
			}
			values[column] = f
		}

		records = append(records, models.TimeSeriesRecord{
			Authority: strings.TrimSpace(region),
			Period:    period,
			Values:    values,
		})
	}
	return records, nil
}

// parsePeriod truncates a date to the first of its month in UTC.
func parsePeriod(v any) (time.Time, error) {
	var t time.Time
	switch d := v.(type) {
	case time.Time:
		t = d
	case string:
		parsed, err := time.Parse(dateLayout, strings.TrimSpace(d))
		if err != nil {
			return time.Time{}, fmt.Errorf("unparsable date %q", d)
		}
		t = parsed
	default:
		return time.Time{}, fmt.Errorf("unsupported date type %T", v)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return math.NaN(), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return math.NaN(), nil
		}
		return strconv.ParseFloat(s, 64)
	case []byte:
		return toFloat(string(n))
	default:
		return 0, fmt.Errorf("non-numeric value of type %T", v)
	}
}

// Dataset groups records by authority. Authorities keep their order of first
// appearance; each series is sorted by period.
type Dataset struct {
	authorities []string
	series      map[string][]models.TimeSeriesRecord
}

func NewDataset(records []models.TimeSeriesRecord) (*Dataset, error) {
	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}

	ds := &Dataset{series: make(map[string][]models.TimeSeriesRecord)}
	for _, r := range records {
		if r.Authority == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, config.RegionColumn)
		}
		if r.Period.IsZero() {
			return nil, fmt.Errorf("%w: %s for %s", ErrMissingColumn, config.DateColumn, r.Authority)
		}
		if _, ok := ds.series[r.Authority]; !ok {
			ds.authorities = append(ds.authorities, r.Authority)
		}
		ds.series[r.Authority] = append(ds.series[r.Authority], r)
	}

	for _, s := range ds.series {
		sort.SliceStable(s, func(i, j int) bool { return s[i].Period.Before(s[j].Period) })
	}
	return ds, nil
}

// Authorities returns the authority names in dataset order.
func (d *Dataset) Authorities() []string {
	return append([]string(nil), d.authorities...)
}

// Series returns the period-sorted records of one authority.
func (d *Dataset) Series(authority string) []models.TimeSeriesRecord {
	return d.series[authority]
}

// HasColumn reports whether any record of the authority carries the column.
func (d *Dataset) HasColumn(authority, column string) bool {
	for _, r := range d.series[authority] {
		if r.Has(column) {
			return true
		}
	}
	return false
}
