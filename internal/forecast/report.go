package forecast

import (
	"context"
	"errors"
	"fmt"

	"valuation/server/internal/models"
)

// Failure reasons of a unit.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonMissingColumn    = "missing_column"
	ReasonNoValidModel     = "no_valid_model"
	ReasonTimeout          = "timeout"
	ReasonCancelled        = "cancelled"
	ReasonModelError       = "model_error"
)

// UnitFailure records why one (authority, property type) unit produced no forecast.
type UnitFailure struct {
	Authority    string
	PropertyType string
	Reason       string
	Err          error
}

func (f *UnitFailure) Error() string {
	return fmt.Sprintf("%s/%s: %v", f.Authority, f.PropertyType, f.Err)
}

func (f *UnitFailure) Unwrap() error { return f.Err }

func newUnitFailure(authority, propertyType string, err error) *UnitFailure {
	return &UnitFailure{
		Authority:    authority,
		PropertyType: propertyType,
		Reason:       failureReason(err),
		Err:          err,
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientData):
		return ReasonInsufficientData
	case errors.Is(err, ErrMissingColumn):
		return ReasonMissingColumn
	case errors.Is(err, ErrNoValidModel):
		return ReasonNoValidModel
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonModelError
	}
}

// Report is the outcome of a run: forecasts in authority then property-type
// order, plus every unit that failed.
type Report struct {
	Records  []models.ForecastRecord
	Failures []*UnitFailure
}

// Err joins the unit failures, nil when every unit succeeded.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// FailureMessages returns one line per failed unit.
func (r *Report) FailureMessages() []string {
	messages := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		messages[i] = f.Error()
	}
	return messages
}

func (r *Report) Summary() string {
	return fmt.Sprintf("%d forecasts, %d failed units", len(r.Records), len(r.Failures))
}
