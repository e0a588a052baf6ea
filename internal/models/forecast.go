package models

import "time"

// ForecastRecord is the flat output of one (authority, property type) forecast.
type ForecastRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	LocalAuthority string    `gorm:"column:local_authority;uniqueIndex:idx_forecast_unit" json:"local_authority" binding:"required"`
	PropertyType   string    `gorm:"column:property_type;uniqueIndex:idx_forecast_unit" json:"property_type" binding:"required"`
	MAE            float64   `gorm:"column:mae" json:"mae"`
	MAPE           float64   `gorm:"column:mape" json:"mape"`
	Forecast       float64   `gorm:"column:forecast" json:"forecast"`
	ForecastDate   string    `gorm:"column:forecast_date;uniqueIndex:idx_forecast_unit" json:"forecast_date" binding:"required"`
	BestModel      string    `gorm:"column:best_model" json:"best_model"`
	BestTimeWindow Window    `gorm:"column:best_time_window" json:"best_time_window"`
	ModelFile      string    `gorm:"column:model_file" json:"model_file"`
	TrainingDate   string    `gorm:"column:training_date" json:"training_date"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName keeps the collection name used by the pricing lookups.
func (ForecastRecord) TableName() string { return "forecast" }

// JobStatus represents the status of a training job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// TrainingJob tracks one asynchronous forecast run.
// An empty LocalAuthority means every authority in the external data.
type TrainingJob struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	LocalAuthority string     `gorm:"column:local_authority" json:"local_authority"`
	Status         JobStatus  `gorm:"column:status;index" json:"status"`
	Forecasts      int        `gorm:"column:forecasts" json:"forecasts"`
	Failures       []string   `gorm:"column:failures;type:text;serializer:json" json:"failures,omitempty"`
	Error          string     `gorm:"column:error" json:"error,omitempty"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"created_at"`
	StartedAt      *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// TableName returns the jobs table name.
func (TrainingJob) TableName() string { return "training_jobs" }
