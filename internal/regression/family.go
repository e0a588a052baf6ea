package regression

import (
	"context"
	"errors"
	"fmt"
)

// Family names, in catalogue order.
const (
	TabPFNName       = "TabPFN"
	ObliviousGBTName = "ObliviousGBT"
	LeafwiseGBTName  = "LeafwiseGBT"
)

var (
	ErrEmptyTrainingSet = errors.New("empty training set")
	ErrShapeMismatch    = errors.New("feature shape mismatch")
)

// Family fits regression models of one kind.
type Family interface {
	Name() string
	Fit(ctx context.Context, X [][]float64, y []float64) (Model, error)

	// Decode restores a model previously serialised with encoding/json.
	Decode(data []byte) (Model, error)
}

// Model is a fitted regressor. Models are JSON-serialisable.
type Model interface {
	Predict(ctx context.Context, X [][]float64) ([]float64, error)

	// Width is the number of features the model was fitted on.
	Width() int
}

func validateTraining(X [][]float64, y []float64) (int, error) {
	if len(X) == 0 {
		return 0, ErrEmptyTrainingSet
	}
	if len(X) != len(y) {
		return 0, fmt.Errorf("%w: %d rows, %d targets", ErrShapeMismatch, len(X), len(y))
	}
	width := len(X[0])
	if err := validateWidth(X, width); err != nil {
		return 0, err
	}
	return width, nil
}

func validateWidth(X [][]float64, width int) error {
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrShapeMismatch, i, len(row), width)
		}
	}
	return nil
}
