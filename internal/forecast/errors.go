package forecast

import "errors"

var (
	// ErrEmptyDataset is returned when a run receives no records
	ErrEmptyDataset = errors.New("no data provided")

	// ErrMissingColumn is returned when a required column is absent
	ErrMissingColumn = errors.New("missing required column")

	// ErrInvalidInput is returned for unparsable dates or non-numeric values
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientData is returned when a window or its lagged series is too short
	ErrInsufficientData = errors.New("not enough data")

	// ErrNoValidModel is returned when no candidate produced a usable score
	ErrNoValidModel = errors.New("no valid model found")
)
