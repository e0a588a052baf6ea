package database

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"valuation/server/internal/models"
)

// NewGormDB opens the forecast and job tables on the same SQLite file
func NewGormDB(dbPath string) (*gorm.DB, error) {
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// MigrateSchema creates or updates the forecast and job tables
func MigrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.ForecastRecord{}, &models.TrainingJob{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// SaveForecasts upserts records keyed by authority, property type and forecast date
func SaveForecasts(tx *gorm.DB, records []models.ForecastRecord) error {
	if len(records) == 0 {
		return nil
	}

	// Rows are matched on the unit key, never on a caller-held ID
	rows := make([]models.ForecastRecord, len(records))
	for i, record := range records {
		record.ID = 0
		rows[i] = record
	}

	result := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "local_authority"},
			{Name: "property_type"},
			{Name: "forecast_date"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"mae",
			"mape",
			"forecast",
			"best_model",
			"best_time_window",
			"model_file",
			"training_date",
			"created_at",
		}),
	}).Create(&rows)
	if result.Error != nil {
		return fmt.Errorf("failed to save %d forecasts: %w", len(records), result.Error)
	}
	return nil
}

// ListForecasts returns forecasts, optionally filtered by authority (case-insensitive)
// and index column, newest forecast date first
func ListForecasts(db *gorm.DB, authority, propertyType string) ([]models.ForecastRecord, error) {
	query := db.Model(&models.ForecastRecord{})
	if authority = strings.TrimSpace(authority); authority != "" {
		query = query.Where("local_authority = ? COLLATE NOCASE", authority)
	}
	if propertyType != "" {
		query = query.Where("property_type = ?", propertyType)
	}

	var records []models.ForecastRecord
	if err := query.Order("local_authority, property_type, created_at DESC, id DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list forecasts: %w", err)
	}
	return records, nil
}

// LatestForecast returns the most recently stored forecast of one unit
func LatestForecast(db *gorm.DB, authority, propertyType string) (*models.ForecastRecord, error) {
	var record models.ForecastRecord
	err := db.Where("local_authority = ? COLLATE NOCASE AND property_type = ?", strings.TrimSpace(authority), propertyType).
		Order("created_at DESC, id DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast: %w", err)
	}
	return &record, nil
}

// JobStore persists training jobs
type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(job *models.TrainingJob) error {
	if err := s.db.Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(id string) (*models.TrainingJob, error) {
	var job models.TrainingJob
	err := s.db.First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) UpdateJob(job *models.TrainingJob) error {
	if err := s.db.Save(job).Error; err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// ListJobs returns the most recent jobs first
func (s *JobStore) ListJobs(limit int) ([]models.TrainingJob, error) {
	var jobs []models.TrainingJob
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}
