package regression

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEndpoint = "http://tabpfn.test"

func newMockedTabPFN(t *testing.T) (*TabPFN, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	client := &http.Client{Transport: transport}
	return NewTabPFN(testEndpoint+"/", client, logrus.New()), transport
}

// meanResponder predicts the training mean for every test row.
func meanResponder(req *http.Request) (*http.Response, error) {
	var body predictRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
	}
	mean := 0.0
	for _, v := range body.TrainY {
		mean += v
	}
	mean /= float64(len(body.TrainY))

	predictions := make([]float64, len(body.TestX))
	for i := range predictions {
		predictions[i] = mean
	}
	return httpmock.NewJsonResponse(http.StatusOK, predictResponse{Predictions: predictions})
}

func TestTabPFNPredict(t *testing.T) {
	family, transport := newMockedTabPFN(t)
	transport.RegisterResponder(http.MethodPost, testEndpoint+"/predict", meanResponder)

	model, err := family.Fit(context.Background(), [][]float64{{1}, {2}, {3}}, []float64{10, 20, 30})
	require.NoError(t, err)
	assert.Zero(t, transport.GetTotalCallCount(), "fit must not call the service")

	pred, err := model.Predict(context.Background(), [][]float64{{4}, {5}})
	require.NoError(t, err)
	assert.Equal(t, []float64{20, 20}, pred)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestTabPFNDecode(t *testing.T) {
	family, transport := newMockedTabPFN(t)
	transport.RegisterResponder(http.MethodPost, testEndpoint+"/predict", meanResponder)

	model, err := family.Fit(context.Background(), [][]float64{{1}, {2}}, []float64{4, 8})
	require.NoError(t, err)
	data, err := json.Marshal(model)
	require.NoError(t, err)

	decoded, err := family.Decode(data)
	require.NoError(t, err)
	pred, err := decoded.Predict(context.Background(), [][]float64{{3}})
	require.NoError(t, err)
	assert.Equal(t, []float64{6}, pred)

	_, err = family.Decode([]byte(`{"num_features":1}`))
	assert.ErrorIs(t, err, ErrEmptyTrainingSet)
}

func TestTabPFNServiceErrors(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		errText   string
	}{
		{
			name:      "server error",
			responder: httpmock.NewStringResponder(http.StatusInternalServerError, "model not loaded"),
			errText:   "model not loaded",
		},
		{
			name:      "wrong prediction count",
			responder: httpmock.NewJsonResponderOrPanic(http.StatusOK, predictResponse{Predictions: []float64{1, 2, 3}}),
			errText:   "returned 3 predictions",
		},
		{
			name:      "malformed body",
			responder: httpmock.NewStringResponder(http.StatusOK, "{"),
			errText:   "failed to decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			family, transport := newMockedTabPFN(t)
			transport.RegisterResponder(http.MethodPost, testEndpoint+"/predict", tt.responder)

			model, err := family.Fit(context.Background(), [][]float64{{1}}, []float64{1})
			require.NoError(t, err)

			_, err = model.Predict(context.Background(), [][]float64{{2}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}
