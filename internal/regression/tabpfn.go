package regression

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// TabPFN delegates prediction to a remote in-context learning service.
// Fitting only captures the training set; every Predict call sends it
// along with the rows to score.
type TabPFN struct {
	endpoint string
	client   *http.Client
	logger   *logrus.Logger
}

func NewTabPFN(endpoint string, client *http.Client, logger *logrus.Logger) *TabPFN {
	if client == nil {
		client = http.DefaultClient
	}
	return &TabPFN{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
		logger:   logger,
	}
}

func (f *TabPFN) Name() string { return TabPFNName }

func (f *TabPFN) Fit(ctx context.Context, X [][]float64, y []float64) (Model, error) {
	width, err := validateTraining(X, y)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model := &TabPFNModel{
		NumFeatures: width,
		TrainX:      make([][]float64, len(X)),
		TrainY:      append([]float64(nil), y...),
		family:      f,
	}
	for i, row := range X {
		model.TrainX[i] = append([]float64(nil), row...)
	}
	return model, nil
}

func (f *TabPFN) Decode(data []byte) (Model, error) {
	var m TabPFNModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s model: %w", TabPFNName, err)
	}
	if len(m.TrainX) == 0 {
		return nil, fmt.Errorf("failed to decode %s model: %w", TabPFNName, ErrEmptyTrainingSet)
	}
	m.family = f
	return &m, nil
}

// TabPFNModel holds the in-context training set.
type TabPFNModel struct {
	NumFeatures int         `json:"num_features"`
	TrainX      [][]float64 `json:"train_x"`
	TrainY      []float64   `json:"train_y"`

	family *TabPFN
}

type predictRequest struct {
	TrainX [][]float64 `json:"train_x"`
	TrainY []float64   `json:"train_y"`
	TestX  [][]float64 `json:"test_x"`
}

type predictResponse struct {
	Predictions []float64 `json:"predictions"`
}

func (m *TabPFNModel) Width() int { return m.NumFeatures }

func (m *TabPFNModel) Predict(ctx context.Context, X [][]float64) ([]float64, error) {
	if err := validateWidth(X, m.NumFeatures); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(predictRequest{TrainX: m.TrainX, TrainY: m.TrainY, TestX: X})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prediction request: %w", err)
	}

	url := m.family.endpoint + "/predict"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.family.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s service: %w", TabPFNName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s service returned status %d: %s", TabPFNName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", TabPFNName, err)
	}
	if len(result.Predictions) != len(X) {
		return nil, fmt.Errorf("%w: %s returned %d predictions for %d rows", ErrShapeMismatch, TabPFNName, len(result.Predictions), len(X))
	}

	m.family.logger.WithFields(logrus.Fields{
		"train_rows": len(m.TrainX),
		"test_rows":  len(X),
	}).Debug("TabPFN prediction completed")

	return result.Predictions, nil
}
