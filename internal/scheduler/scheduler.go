package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"valuation/server/config"
	"valuation/server/internal/models"
)

// JobRecorder stores training jobs and their status changes
type JobRecorder interface {
	CreateJob(job *models.TrainingJob) error
	UpdateJob(job *models.TrainingJob) error
}

// JobQueue accepts training jobs for background processing
type JobQueue interface {
	Push(job *models.TrainingJob) error
}

// Scheduler enqueues the monthly retraining run
type Scheduler struct {
	jobs     JobRecorder
	queue    JobQueue
	source   config.AuthoritySource
	logger   *logrus.Logger
	day      int
	hour     int
	stopChan chan struct{}
	wg       sync.WaitGroup
	jobMutex sync.Mutex
	lastRun  string
}

// NewScheduler creates a new scheduler for the configured day and hour
func NewScheduler(jobs JobRecorder, queue JobQueue, source config.AuthoritySource, cfg *config.Config, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Scheduler{
		jobs:     jobs,
		queue:    queue,
		source:   source,
		logger:   logger,
		day:      cfg.Scheduler.Day,
		hour:     cfg.Scheduler.Hour,
		stopChan: make(chan struct{}),
	}
}

// Start begins the scheduled tasks
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.runScheduler()
}

func (s *Scheduler) runScheduler() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case t := <-ticker.C:
			s.executeScheduledJobs(t)
		}
	}
}

// executeScheduledJobs enqueues the retraining job when t falls in the
// configured slot and no run has been enqueued for t's month yet.
// It returns the enqueued job, or nil.
func (s *Scheduler) executeScheduledJobs(t time.Time) *models.TrainingJob {
	if t.Day() != s.day || t.Hour() != s.hour {
		return nil
	}

	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()

	month := t.Format("2006-01")
	if s.lastRun == month {
		return nil
	}

	job, err := s.enqueueRetraining()
	if err != nil {
		s.logger.WithError(err).WithField("month", month).Error("Scheduled retraining failed")
		return nil
	}
	s.lastRun = month
	return job
}

func (s *Scheduler) enqueueRetraining() (*models.TrainingJob, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	authorities, err := config.KnownAuthorities(ctx, s.source)
	if err != nil {
		return nil, err
	}
	if len(authorities) == 0 {
		s.logger.Warn("No authorities in external data, skipping scheduled retraining")
		return nil, nil
	}

	job := &models.TrainingJob{
		ID:        uuid.NewString(),
		Status:    models.JobStatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.jobs.CreateJob(job); err != nil {
		return nil, err
	}
	if err := s.queue.Push(job); err != nil {
		completed := time.Now()
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		job.CompletedAt = &completed
		if updateErr := s.jobs.UpdateJob(job); updateErr != nil {
			s.logger.WithError(updateErr).WithField("job_id", job.ID).Error("Failed to record rejected job")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"authorities": len(authorities),
	}).Info("Scheduled retraining enqueued")
	return job, nil
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}
