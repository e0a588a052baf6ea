package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"valuation/server/config"
	"valuation/server/internal/database"
	"valuation/server/internal/forecast"
	"valuation/server/internal/metrics"
	"valuation/server/internal/models"
	"valuation/server/internal/queue"
)

// ErrNoExternalData is returned when a job has nothing to train on
var ErrNoExternalData = errors.New("no external data")

// Transactor is the part of *gorm.DB the processor writes through
type Transactor interface {
	Transaction(fc func(*gorm.DB) error, opts ...*sql.TxOptions) error
}

// JobRecorder persists job state transitions
type JobRecorder interface {
	UpdateJob(job *models.TrainingJob) error
}

// DataSource supplies the external data a job trains on
type DataSource interface {
	ExternalData(ctx context.Context, authority string) ([]map[string]any, error)
	AllExternalData(ctx context.Context) ([]map[string]any, error)
}

// Runner executes a forecast run
type Runner interface {
	RunRaw(ctx context.Context, raw []map[string]any) (*forecast.Report, error)
}

// Publisher fans persisted forecasts out to other services
type Publisher interface {
	PublishForecasts(ctx context.Context, records []models.ForecastRecord) error
}

// Notifier reports finished jobs
type Notifier interface {
	NotifyTrainingReport(job *models.TrainingJob) error
}

// ForecastCache drops cached reads of persisted forecasts
type ForecastCache interface {
	InvalidateForecasts()
}

// TrainingProcessor executes queued training jobs
type TrainingProcessor struct {
	db        Transactor
	jobs      JobRecorder
	source    DataSource
	runner    Runner
	publisher Publisher
	notifier  Notifier
	cache     ForecastCache
	logger    *logrus.Logger
	config    *config.Config
	queue     *queue.TrainingQueue
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewTrainingProcessor creates a new training processor instance
func NewTrainingProcessor(db Transactor, jobs JobRecorder, source DataSource, runner Runner,
	queue *queue.TrainingQueue, config *config.Config, logger *logrus.Logger) *TrainingProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &TrainingProcessor{
		db:     db,
		jobs:   jobs,
		source: source,
		runner: runner,
		queue:  queue,
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetPublisher sets the optional forecast publisher
func (p *TrainingProcessor) SetPublisher(publisher Publisher) {
	p.publisher = publisher
}

// SetNotifier sets the optional job notifier
func (p *TrainingProcessor) SetNotifier(notifier Notifier) {
	p.notifier = notifier
}

// SetForecastCache sets the cache invalidated after forecasts are saved
func (p *TrainingProcessor) SetForecastCache(cache ForecastCache) {
	p.cache = cache
}

// Start subscribes the processor to the queue
func (p *TrainingProcessor) Start() {
	p.queue.Subscribe(p.ProcessJob)
}

// Stop cancels the job in progress
func (p *TrainingProcessor) Stop() {
	p.cancel()
}

// ProcessJob runs one training job to completion and records its outcome
func (p *TrainingProcessor) ProcessJob(job *models.TrainingJob) error {
	log := p.logger.WithFields(logrus.Fields{
		"job_id":          job.ID,
		"local_authority": job.LocalAuthority,
	})

	started := time.Now()
	job.Status = models.JobStatusRunning
	job.StartedAt = &started
	if err := p.jobs.UpdateJob(job); err != nil {
		log.WithError(err).Warn("Failed to mark job running")
	}
	log.Info("Training job started")

	records, err := p.run(job)
	if err != nil {
		return p.finish(job, err)
	}

	if err := p.publishForecasts(records); err != nil {
		log.WithError(err).Warn("Failed to publish forecasts")
	}
	return p.finish(job, nil)
}

func (p *TrainingProcessor) run(job *models.TrainingJob) ([]models.ForecastRecord, error) {
	var raw []map[string]any
	var err error
	if authority := strings.TrimSpace(job.LocalAuthority); authority != "" {
		raw, err = p.source.ExternalData(p.ctx, authority)
	} else {
		raw, err = p.source.AllExternalData(p.ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load external data: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w for authority %q", ErrNoExternalData, job.LocalAuthority)
	}

	report, err := p.runner.RunRaw(p.ctx, raw)
	if report != nil {
		job.Forecasts = len(report.Records)
		job.Failures = report.FailureMessages()
	}
	if err != nil {
		return nil, err
	}
	if len(report.Records) == 0 {
		if unitErr := report.Err(); unitErr != nil {
			return nil, fmt.Errorf("no forecasts produced: %w", unitErr)
		}
		return nil, errors.New("no forecasts produced")
	}

	if err := p.saveForecasts(report.Records); err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.InvalidateForecasts()
	}
	return report.Records, nil
}

// saveForecasts writes the records in a transaction with retry logic
func (p *TrainingProcessor) saveForecasts(records []models.ForecastRecord) error {
	var err error
	for attempt := 0; attempt <= p.config.BatchProcessing.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Infof("Retrying forecast persistence, attempt %d of %d", attempt, p.config.BatchProcessing.MaxRetries)
			select {
			case <-p.ctx.Done():
				return p.ctx.Err()
			case <-time.After(time.Duration(p.config.BatchProcessing.RetryDelay) * time.Second):
			}
		}

		err = p.db.Transaction(func(tx *gorm.DB) error {
			if err := database.SaveForecasts(tx, records); err != nil {
				return fmt.Errorf("failed to upsert forecasts: %w", err)
			}
			return nil
		})

		if err == nil {
			p.logger.Infof("Successfully persisted %d forecasts", len(records))
			return nil
		}

		p.logger.Errorf("Forecast persistence failed: %v", err)
	}

	return fmt.Errorf("failed to persist forecasts after %d attempts: %w", p.config.BatchProcessing.MaxRetries, err)
}

func (p *TrainingProcessor) publishForecasts(records []models.ForecastRecord) error {
	if p.publisher == nil {
		return nil
	}
	return p.publisher.PublishForecasts(p.ctx, records)
}

func (p *TrainingProcessor) finish(job *models.TrainingJob, runErr error) error {
	completed := time.Now()
	job.CompletedAt = &completed
	if runErr != nil {
		job.Status = models.JobStatusFailed
		job.Error = runErr.Error()
	} else {
		job.Status = models.JobStatusCompleted
	}
	metrics.TrainingJobs.WithLabelValues(string(job.Status)).Inc()

	log := p.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"status":    job.Status,
		"forecasts": job.Forecasts,
		"failures":  len(job.Failures),
	})
	if err := p.jobs.UpdateJob(job); err != nil {
		log.WithError(err).Error("Failed to record job outcome")
	}

	if p.notifier != nil {
		if err := p.notifier.NotifyTrainingReport(job); err != nil {
			log.WithError(err).Warn("Failed to send training notification")
		}
	}

	if runErr != nil {
		log.WithError(runErr).Error("Training job failed")
		return runErr
	}
	log.Info("Training job completed")
	return nil
}
