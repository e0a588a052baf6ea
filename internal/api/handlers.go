package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"valuation/server/config"
	"valuation/server/internal/database"
	"valuation/server/internal/geocoding"
	"valuation/server/internal/geometry"
	"valuation/server/internal/models"
	"valuation/server/internal/queue"
)

const (
	postcodeMinLength = 5
	postcodeMaxLength = 8
	postcodeLimit     = 10
	defaultJobsLimit  = 20
	hpiCacheTTL       = 10 * time.Minute
)

// JobQueue accepts training jobs for background processing
type JobQueue interface {
	Push(job *models.TrainingJob) error
}

// PostcodeLookup resolves postcodes missing from the database
type PostcodeLookup interface {
	LocalAuthority(ctx context.Context, postcode string) (string, error)
}

// Response is the envelope of the local authority lookups
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

type TrainingRequest struct {
	LocalAuthority string `json:"local_authority" binding:"required"`
}

// HPIQuery selects one month of an authority's index
type HPIQuery struct {
	Month          string   `form:"month" binding:"required"`
	LocalAuthority string   `form:"local_authority" binding:"required"`
	PropertyType   string   `form:"property_type" binding:"required"`
	Price          *float64 `form:"price"`
}

// HPIResult is the historic index of a month next to the latest forecast
type HPIResult struct {
	LocalAuthority string   `json:"local_authority"`
	PropertyType   string   `json:"property_type"`
	Month          string   `json:"month"`
	HPI            float64  `json:"hpi"`
	Forecast       float64  `json:"forecast"`
	ForecastDate   string   `json:"forecast_date"`
	Ratio          float64  `json:"ratio"`
	Valuation      *float64 `json:"valuation,omitempty"`
}

type Handler struct {
	db         *database.Database
	gormDB     *gorm.DB
	jobs       *database.JobStore
	queue      JobQueue
	boundaries *geometry.BoundaryIndex
	postcodes  PostcodeLookup
	hpiCache   *cache.Cache
	logger     *logrus.Logger
}

func NewHandler(db *database.Database, gormDB *gorm.DB, jobs JobQueue, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	return &Handler{
		db:       db,
		gormDB:   gormDB,
		jobs:     database.NewJobStore(gormDB),
		queue:    jobs,
		hpiCache: cache.New(hpiCacheTTL, 2*hpiCacheTTL),
		logger:   logger,
	}
}

// SetBoundaries enables computing bordering authorities from polygons
func (h *Handler) SetBoundaries(index *geometry.BoundaryIndex) {
	h.boundaries = index
}

// SetPostcodeLookup enables resolving unknown postcodes through an external service
func (h *Handler) SetPostcodeLookup(lookup PostcodeLookup) {
	h.postcodes = lookup
}

// Valuation scales a historic price by the index movement since it was paid.
// A zero historic index yields zero.
func Valuation(historyPrice, lastHPI, latestHPI float64) float64 {
	if lastHPI == 0 {
		return 0
	}
	return historyPrice * latestHPI / lastHPI
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateTrainingJob enqueues a forecast run for one authority
func (h *Handler) CreateTrainingJob(c *gin.Context) {
	var req TrainingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Error("Failed to parse training request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "local_authority is required"})
		return
	}

	authority := config.NormalizeAuthority(req.LocalAuthority)
	if authority == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "local_authority is required"})
		return
	}

	job := &models.TrainingJob{
		ID:             uuid.NewString(),
		LocalAuthority: authority,
		Status:         models.JobStatusPending,
		CreatedAt:      time.Now(),
	}
	if err := h.jobs.CreateJob(job); err != nil {
		h.logger.WithError(err).Error("Failed to create training job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create training job"})
		return
	}

	if err := h.queue.Push(job); err != nil {
		h.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to enqueue training job")
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		if updateErr := h.jobs.UpdateJob(job); updateErr != nil {
			h.logger.WithError(updateErr).Error("Failed to record rejected job")
		}
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (h *Handler) GetTrainingJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Training job not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to get training job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get training job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) ListTrainingJobs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultJobsLimit)))
	if err != nil || limit <= 0 {
		limit = defaultJobsLimit
	}

	jobs, err := h.jobs.ListJobs(limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list training jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list training jobs"})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// GetForecasts lists stored forecasts. property_type takes the short form (Flat, ...).
func (h *Handler) GetForecasts(c *gin.Context) {
	column := ""
	if pt := c.Query("property_type"); pt != "" {
		var err error
		if column, err = config.PropertyTypeColumn(pt); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	records, err := database.ListForecasts(h.gormDB, c.Query("local_authority"), column)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list forecasts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list forecasts"})
		return
	}
	c.JSON(http.StatusOK, records)
}

// InvalidateForecasts drops cached HPI lookups after forecasts change
func (h *Handler) InvalidateForecasts() {
	h.hpiCache.Flush()
}

// InsertForecast stores externally produced forecast records
func (h *Handler) InsertForecast(c *gin.Context) {
	var records []models.ForecastRecord
	if err := c.ShouldBindJSON(&records); err != nil {
		h.logger.WithError(err).Error("Invalid forecast records")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid forecast records"})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No forecast records provided."})
		return
	}

	err := h.gormDB.Transaction(func(tx *gorm.DB) error {
		return database.SaveForecasts(tx, records)
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to insert forecasts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to insert forecast records into the database."})
		return
	}
	h.InvalidateForecasts()

	c.JSON(http.StatusCreated, gin.H{
		"message":        fmt.Sprintf("Successfully inserted %d records.", len(records)),
		"inserted_count": len(records),
	})
}

// GetHPI returns the index of a month, the latest forecast and their ratio.
// With a price it also values the property at the forecast index.
func (h *Handler) GetHPI(c *gin.Context) {
	var query HPIQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "month, local_authority and property_type are required"})
		return
	}
	if _, err := time.Parse("2006-01", query.Month); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "month must be in 'YYYY-MM' format"})
		return
	}
	column, err := config.PropertyTypeColumn(query.PropertyType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	authority := config.NormalizeAuthority(query.LocalAuthority)

	result, status, err := h.lookupHPI(c, query.Month, authority, column)
	if err != nil {
		if status == http.StatusInternalServerError {
			h.logger.WithError(err).Error("Failed to look up HPI")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if query.Price != nil {
		valuation := Valuation(*query.Price, result.HPI, result.Forecast)
		result.Valuation = &valuation
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) lookupHPI(c *gin.Context, month, authority, column string) (HPIResult, int, error) {
	key := strings.ToLower(strings.Join([]string{month, authority, column}, "|"))
	if cached, ok := h.hpiCache.Get(key); ok {
		return cached.(HPIResult), http.StatusOK, nil
	}

	hpi, err := h.db.HPIByMonth(c.Request.Context(), month, authority, column)
	if errors.Is(err, database.ErrNotFound) {
		return HPIResult{}, http.StatusNotFound, errors.New("HPI data not found for the given month")
	}
	if err != nil {
		return HPIResult{}, http.StatusInternalServerError, err
	}

	forecast, err := database.LatestForecast(h.gormDB, authority, column)
	if errors.Is(err, database.ErrNotFound) {
		return HPIResult{}, http.StatusNotFound, errors.New("HPI forecast data not found.")
	}
	if err != nil {
		return HPIResult{}, http.StatusInternalServerError, err
	}

	result := HPIResult{
		LocalAuthority: authority,
		PropertyType:   column,
		Month:          month,
		HPI:            hpi,
		Forecast:       forecast.Forecast,
		ForecastDate:   forecast.ForecastDate,
		Ratio:          Valuation(1, hpi, forecast.Forecast),
	}
	h.hpiCache.Set(key, result, cache.DefaultExpiration)
	return result, http.StatusOK, nil
}

func (h *Handler) GetLocalAuthorityByPostcode(c *gin.Context) {
	postcode := strings.ToUpper(strings.TrimSpace(c.Query("postcode")))
	if len(postcode) < postcodeMinLength || len(postcode) > postcodeMaxLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf(
			"postcode must be between %d and %d characters", postcodeMinLength, postcodeMaxLength)})
		return
	}

	authorities, err := h.db.LocalAuthoritiesByPostcode(c.Request.Context(), postcode, postcodeLimit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up postcode")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if len(authorities) == 0 && h.postcodes != nil {
		authorities, err = h.resolvePostcode(c.Request.Context(), postcode)
		if err != nil && !errors.Is(err, geocoding.ErrPostcodeNotFound) {
			h.logger.WithError(err).WithField("postcode", postcode).Error("Postcode lookup failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": "Postcode lookup failed"})
			return
		}
	}
	if len(authorities) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No local authority found for the given postcode"})
		return
	}

	c.JSON(http.StatusOK, Response{
		Status:  "success",
		Message: "Local authority data retrieved successfully",
		Data:    authorities,
	})
}

// resolvePostcode asks the lookup service and remembers the answer in the database
func (h *Handler) resolvePostcode(ctx context.Context, postcode string) ([]models.LocalAuthority, error) {
	authority, err := h.postcodes.LocalAuthority(ctx, postcode)
	if err != nil {
		return nil, err
	}

	resolved := []models.LocalAuthority{{Postcode: geocoding.Normalize(postcode), Authority: authority}}
	if err := h.db.InsertLocalAuthorities(ctx, resolved); err != nil {
		h.logger.WithError(err).Warn("Failed to store resolved postcode")
	}
	return resolved, nil
}

func (h *Handler) GetExternalData(c *gin.Context) {
	authority := strings.TrimSpace(c.Query("local_authority"))
	if authority == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "local_authority is required"})
		return
	}

	rows, err := h.db.ExternalData(c.Request.Context(), authority)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get external data")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No data found for the given local authority"})
		return
	}

	c.JSON(http.StatusOK, Response{
		Status:  "success",
		Message: "Local authority data retrieved successfully",
		Data:    rows,
	})
}

// GetNearestLocalAuthority answers from the borders file and falls back to
// the boundary polygons, saving what it computes.
func (h *Handler) GetNearestLocalAuthority(c *gin.Context) {
	authority := strings.Join(strings.Fields(c.Query("local_authority")), " ")
	if authority == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "local_authority is required"})
		return
	}

	bordering := config.GetBorderingAuthorities(authority)
	if len(bordering) == 0 && h.boundaries != nil {
		computed, err := h.boundaries.Bordering(authority)
		if err != nil && !errors.Is(err, geometry.ErrUnknownAuthority) {
			h.logger.WithError(err).Error("Failed to compute bordering authorities")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		if len(computed) > 0 {
			if err := config.UpdateBorderingAuthorities(authority, computed); err != nil {
				h.logger.WithError(err).Warn("Failed to save bordering authorities")
			}
			bordering = computed
		}
	}

	if len(bordering) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No bordering local authorities found"})
		return
	}

	c.JSON(http.StatusOK, Response{
		Status:  "success",
		Message: "Bordering local authority data retrieved successfully",
		Data: config.BorderGroup{
			Authority: authority,
			Bordering: bordering,
		},
	})
}
