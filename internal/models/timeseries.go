package models

import (
	"math"
	"time"
)

// TimeSeriesRecord is one month of external data for a local authority.
// Values holds the index and indicator columns; a missing observation is NaN.
type TimeSeriesRecord struct {
	Authority string
	Period    time.Time
	Values    map[string]float64
}

// Value returns the named column, or NaN when the record does not carry it.
func (r TimeSeriesRecord) Value(column string) float64 {
	v, ok := r.Values[column]
	if !ok {
		return math.NaN()
	}
	return v
}

// Has reports whether the record carries the column, even as a missing value.
func (r TimeSeriesRecord) Has(column string) bool {
	_, ok := r.Values[column]
	return ok
}

// LocalAuthority is a postcode to authority mapping row.
type LocalAuthority struct {
	Postcode  string `json:"postcode"`
	Authority string `json:"authority"`
}
