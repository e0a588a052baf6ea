package queue

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"valuation/server/internal/models"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Handler processes one training job
type Handler func(job *models.TrainingJob) error

// TrainingQueue is an in-memory queue of training jobs processed one at a time
type TrainingQueue struct {
	items    chan *models.TrainingJob
	done     chan struct{}
	maxSize  int
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
	logger   *logrus.Logger
	handlers []Handler
}

// NewTrainingQueue creates a new training queue with the specified buffer size
func NewTrainingQueue(bufferSize int, logger *logrus.Logger) *TrainingQueue {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &TrainingQueue{
		items:   make(chan *models.TrainingJob, bufferSize),
		done:    make(chan struct{}),
		maxSize: bufferSize,
		logger:  logger,
	}
}

// Push adds a job to the queue without blocking
func (q *TrainingQueue) Push(job *models.TrainingJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- job:
		q.logger.WithFields(logrus.Fields{
			"job_id":          job.ID,
			"local_authority": job.LocalAuthority,
		}).Debug("Pushed training job to queue")
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe adds a handler that will be called for each job
func (q *TrainingQueue) Subscribe(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// Start begins processing items in the queue
func (q *TrainingQueue) Start() {
	q.wg.Add(1)
	go q.process()
}

func (q *TrainingQueue) process() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case job := <-q.items:
			q.processJob(job)
		}
	}
}

// processJob sends the job to all subscribed handlers
func (q *TrainingQueue) processJob(job *models.TrainingJob) {
	q.mu.RLock()
	handlers := q.handlers
	q.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(job); err != nil {
			q.logger.WithError(err).WithField("job_id", job.ID).Error("Handler failed to process training job")
		}
	}
}

// Close stops the queue, rejects new jobs and waits for the job in progress
func (q *TrainingQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// Len returns the number of jobs waiting in the queue
func (q *TrainingQueue) Len() int {
	return len(q.items)
}

// IsClosed returns whether the queue has been closed
func (q *TrainingQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
