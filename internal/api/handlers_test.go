package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"valuation/server/config"
	"valuation/server/internal/database"
	"valuation/server/internal/geocoding"
	"valuation/server/internal/geometry"
	"valuation/server/internal/models"
	"valuation/server/internal/queue"
)

// MockQueue is a mock implementation of JobQueue
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Push(job *models.TrainingJob) error {
	args := m.Called(job)
	return args.Error(0)
}

type testServer struct {
	router  *gin.Engine
	handler *Handler
	db      *database.Database
	queue   *MockQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "valuation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.RunMigrations())

	gormDB, err := database.NewTestDB()
	require.NoError(t, err)

	config.SetBorderConfigPath(filepath.Join(t.TempDir(), "bordering_authorities.json"))
	require.NoError(t, config.LoadBorderConfig())
	t.Cleanup(func() { config.SetBorderConfigPath("config/bordering_authorities.json") })

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	q := &MockQueue{}
	handler := NewHandler(db, gormDB, q, logger)

	cfg := &config.Config{}
	cfg.Server.AllowedOrigins = []string{"*"}
	return &testServer{
		router:  NewRouter(cfg, handler, logger),
		handler: handler,
		db:      db,
		queue:   q,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func (s *testServer) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := s.db.InsertExternalData(ctx, []map[string]any{
		{"Date": "2024-01-01", "RegionName": "Camden", "FlatIndex": 100.0, "TerracedIndex": 150.0},
		{"Date": "2024-02-01", "RegionName": "Camden", "FlatIndex": 104.0, "TerracedIndex": 151.0},
	})
	require.NoError(t, err)
	require.NoError(t, s.db.InsertLocalAuthorities(ctx, []models.LocalAuthority{
		{Postcode: "NW1 0AA", Authority: "Camden"},
	}))

	w := s.do(t, http.MethodPost, "/api/pricing/insert-forecast", []models.ForecastRecord{
		{LocalAuthority: "Camden", PropertyType: "FlatIndex", Forecast: 110, ForecastDate: "03/2024",
			BestModel: "LeafwiseGBT", BestTimeWindow: models.Window(5)},
	})
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateTrainingJob(t *testing.T) {
	s := newTestServer(t)
	s.queue.On("Push", mock.Anything).Return(nil).Once()

	w := s.do(t, http.MethodPost, "/api/training/jobs", gin.H{"local_authority": "  westminster "})
	require.Equal(t, http.StatusAccepted, w.Code)

	var job models.TrainingJob
	decode(t, w, &job)
	assert.Equal(t, "Camden", job.LocalAuthority)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	w = s.do(t, http.MethodGet, "/api/training/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stored models.TrainingJob
	decode(t, w, &stored)
	assert.Equal(t, job.ID, stored.ID)

	w = s.do(t, http.MethodGet, "/api/training/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []models.TrainingJob
	decode(t, w, &jobs)
	assert.Len(t, jobs, 1)

	w = s.do(t, http.MethodGet, "/api/training/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.queue.AssertExpectations(t)
}

func TestCreateTrainingJobValidation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/training/jobs", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/training/jobs", gin.H{"local_authority": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.queue.AssertNotCalled(t, "Push", mock.Anything)
}

func TestCreateTrainingJobQueueFull(t *testing.T) {
	s := newTestServer(t)
	s.queue.On("Push", mock.Anything).Return(queue.ErrQueueFull)

	w := s.do(t, http.MethodPost, "/api/training/jobs", gin.H{"local_authority": "Camden"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	jobs, err := s.handler.jobs.ListJobs(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
	assert.Equal(t, queue.ErrQueueFull.Error(), jobs[0].Error)
}

func TestInsertForecast(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/pricing/insert-forecast", []models.ForecastRecord{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"No forecast records provided."}`, w.Body.String())

	records := []models.ForecastRecord{
		{LocalAuthority: "Camden", PropertyType: "FlatIndex", Forecast: 110, ForecastDate: "03/2024"},
		{LocalAuthority: "Camden", PropertyType: "TerracedIndex", Forecast: 160, ForecastDate: "03/2024"},
	}
	w = s.do(t, http.MethodPost, "/api/pricing/insert-forecast", records)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"message":"Successfully inserted 2 records.","inserted_count":2}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/forecasts?local_authority=camden&property_type=Flat", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stored []models.ForecastRecord
	decode(t, w, &stored)
	require.Len(t, stored, 1)
	assert.Equal(t, 110.0, stored[0].Forecast)

	w = s.do(t, http.MethodGet, "/api/forecasts?property_type=Bungalow", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInsertForecastRequiresKeys(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/pricing/insert-forecast", []gin.H{{"forecast": 1.5}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetHPI(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	w := s.do(t, http.MethodGet, "/api/pricing/hpi?month=2024-01&local_authority=westminster&property_type=Flat&price=200", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result HPIResult
	decode(t, w, &result)
	assert.Equal(t, "Camden", result.LocalAuthority)
	assert.Equal(t, "FlatIndex", result.PropertyType)
	assert.Equal(t, 100.0, result.HPI)
	assert.Equal(t, 110.0, result.Forecast)
	assert.Equal(t, "03/2024", result.ForecastDate)
	assert.Equal(t, 1.1, result.Ratio)
	require.NotNil(t, result.Valuation)
	assert.Equal(t, 220.0, *result.Valuation)

	// A newer forecast invalidates the cached lookup
	w = s.do(t, http.MethodPost, "/api/pricing/insert-forecast", []models.ForecastRecord{
		{LocalAuthority: "Camden", PropertyType: "FlatIndex", Forecast: 120, ForecastDate: "03/2024"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(t, http.MethodGet, "/api/pricing/hpi?month=2024-01&local_authority=Camden&property_type=Flat", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &result)
	assert.Equal(t, 120.0, result.Forecast)
}

func TestInvalidateForecasts(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	path := "/api/pricing/hpi?month=2024-01&local_authority=Camden&property_type=Flat"
	w := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result HPIResult
	decode(t, w, &result)
	require.Equal(t, 110.0, result.Forecast)

	// A training job writes straight to the store
	require.NoError(t, s.handler.gormDB.Transaction(func(tx *gorm.DB) error {
		return database.SaveForecasts(tx, []models.ForecastRecord{
			{LocalAuthority: "Camden", PropertyType: "FlatIndex", Forecast: 125, ForecastDate: "03/2024"},
		})
	}))

	w = s.do(t, http.MethodGet, path, nil)
	decode(t, w, &result)
	assert.Equal(t, 110.0, result.Forecast)

	s.handler.InvalidateForecasts()
	w = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &result)
	assert.Equal(t, 125.0, result.Forecast)
}

func TestGetHPIErrors(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing params", "month=2024-01", http.StatusBadRequest},
		{"bad month", "month=01/2024&local_authority=Camden&property_type=Flat", http.StatusBadRequest},
		{"bad property type", "month=2024-01&local_authority=Camden&property_type=FlatIndex", http.StatusBadRequest},
		{"no index for month", "month=1999-01&local_authority=Camden&property_type=Flat", http.StatusNotFound},
		{"no forecast", "month=2024-01&local_authority=Camden&property_type=Terraced", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/api/pricing/hpi?"+tt.query, nil)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestValuation(t *testing.T) {
	assert.Equal(t, 0.0, Valuation(5000, 0, 120))
	assert.Equal(t, 6000.0, Valuation(5000, 100, 120))
}

func TestGetLocalAuthorityByPostcode(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	w := s.do(t, http.MethodGet, "/api/local_authority/get_by_postcode?postcode=nw1%200aa", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"status": "success",
		"message": "Local authority data retrieved successfully",
		"data": [{"postcode": "NW1 0AA", "authority": "Camden"}]
	}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/local_authority/get_by_postcode?postcode=NW1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/local_authority/get_by_postcode?postcode=ZZ11%201ZZZ", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/local_authority/get_by_postcode?postcode=ZZ1%201ZZ", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetExternalData(t *testing.T) {
	s := newTestServer(t)
	s.seed(t)

	w := s.do(t, http.MethodGet, "/api/local_authority/get_external_data?local_authority=CAMDEN", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status string           `json:"status"`
		Data   []map[string]any `json:"data"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "2024-01-01", resp.Data[0]["Date"])

	w = s.do(t, http.MethodGet, "/api/local_authority/get_external_data?local_authority=Adur", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/local_authority/get_external_data", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

const testBoundaries = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"LAD23NM": "Camden"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
    {"type": "Feature", "properties": {"LAD23NM": "Islington"},
     "geometry": {"type": "Polygon", "coordinates": [[[1,0],[2,0],[2,1],[1,1],[1,0]]]}},
    {"type": "Feature", "properties": {"LAD23NM": "Bromley"},
     "geometry": {"type": "Polygon", "coordinates": [[[10,10],[11,10],[11,11],[10,11],[10,10]]]}}
  ]
}`

func TestGetNearestLocalAuthority(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/local_authority/get_nearest_local_authority?local_authority=Camden", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	index, err := geometry.ParseBoundaries([]byte(testBoundaries), 0.0001, nil)
	require.NoError(t, err)
	s.handler.SetBoundaries(index)

	w = s.do(t, http.MethodGet, "/api/local_authority/get_nearest_local_authority?local_authority=Camden", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"status": "success",
		"message": "Bordering local authority data retrieved successfully",
		"data": {"authority": "Camden", "bordering": ["Islington"]}
	}`, w.Body.String())

	// The computed neighbours are saved to the borders file
	assert.Equal(t, []string{"Islington"}, config.GetBorderingAuthorities("camden"))

	w = s.do(t, http.MethodGet, "/api/local_authority/get_nearest_local_authority?local_authority=Bromley", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/local_authority/get_nearest_local_authority?local_authority=Atlantis", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBordersCRUD(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPut, "/api/local_authority/borders/Camden", gin.H{"bordering": []string{"Islington", " Barnet ", "camden", ""}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"authority":"Camden","bordering":["Barnet","Islington"]}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/local_authority/borders/camden", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/local_authority/borders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var groups []config.BorderGroup
	decode(t, w, &groups)
	assert.Len(t, groups, 1)

	w = s.do(t, http.MethodPut, "/api/local_authority/borders/Camden", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/api/local_authority/borders/Camden", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodDelete, "/api/local_authority/borders/Camden", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/local_authority/borders/Camden", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeLookup map[string]string

func (f fakeLookup) LocalAuthority(ctx context.Context, postcode string) (string, error) {
	if authority, ok := f[postcode]; ok {
		return authority, nil
	}
	if postcode == "E8 1AA" {
		return "", errors.New("upstream unavailable")
	}
	return "", geocoding.ErrPostcodeNotFound
}

func TestGetLocalAuthorityByPostcodeLookup(t *testing.T) {
	s := newTestServer(t)
	s.handler.SetPostcodeLookup(fakeLookup{"SW1A 1AA": "Westminster"})

	w := s.do(t, http.MethodGet, "/api/local_authority/get_by_postcode?postcode=sw1a%201aa", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"authority":"Westminster"`)

	// The resolved postcode is stored for later lookups
	stored, err := s.db.LocalAuthoritiesByPostcode(context.Background(), "SW1A 1AA", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	w = s.do(t, http.MethodGet, "/api/local_authority/get_by_postcode?postcode=ZZ1%201ZZ", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/local_authority/get_by_postcode?postcode=E8%201AA", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
