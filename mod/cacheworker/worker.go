package cacheworker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when a job is dropped because the queue is full
	ErrQueueFull = errors.New("worker queue is full")

	// ErrStopped is returned for jobs enqueued after Stop
	ErrStopped = errors.New("worker is stopped")
)

// Job is one unit of background work
type Job interface {
	// Name identifies the job in logs
	Name() string

	// Run performs the work; a returned error triggers a retry
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job
type JobFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.Label }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Worker processes jobs in the background
type Worker struct {
	queue         chan Job
	workerCount   int
	retryAttempts int
	retryDelay    time.Duration
	jobTimeout    time.Duration

	wg      sync.WaitGroup
	pending sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

// Config holds worker configuration
type Config struct {
	// QueueSize is the size of the job queue
	QueueSize int `json:"queue_size" env:"QUEUE_SIZE"`

	// WorkerCount is the number of concurrent workers
	WorkerCount int `json:"worker_count" env:"COUNT"`

	// RetryAttempts is the number of times to retry failed jobs
	RetryAttempts int `json:"retry_attempts" env:"RETRY_ATTEMPTS"`

	// RetryDelay is the delay between retry attempts
	RetryDelay time.Duration `json:"retry_delay" env:"RETRY_DELAY"`

	// JobTimeout bounds one attempt of a job
	JobTimeout time.Duration `json:"job_timeout" env:"JOB_TIMEOUT"`

	// Logger for worker output
	Logger *zap.Logger `json:"-"`
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:     1000,
		WorkerCount:   4,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Second,
		JobTimeout:    30 * time.Second,
	}
}

// NewWorker creates a new background worker
func NewWorker(config Config) *Worker {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		queue:         make(chan Job, config.QueueSize),
		workerCount:   config.WorkerCount,
		retryAttempts: config.RetryAttempts,
		retryDelay:    config.RetryDelay,
		jobTimeout:    config.JobTimeout,
		ctx:           ctx,
		cancel:        cancel,
		logger:        config.Logger.Named("worker"),
	}
}

// Start starts the worker pool
func (w *Worker) Start() {
	w.logger.Info("Starting background workers", zap.Int("workers", w.workerCount))

	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.processJobs(i)
	}
}

// Stop lets queued jobs finish, then stops the pool
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.queue)
	w.mu.Unlock()

	w.logger.Info("Stopping background workers")
	w.wg.Wait()
	w.cancel()
	w.logger.Info("Background workers stopped")
}

// Abort cancels running jobs and stops the pool without draining the queue
func (w *Worker) Abort() {
	w.cancel()
	w.Stop()
}

// Enqueue adds a job without blocking; a full queue drops the job
func (w *Worker) Enqueue(job Job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return ErrStopped
	}

	w.pending.Add(1)
	select {
	case w.queue <- job:
		return nil
	default:
		w.pending.Done()
		w.logger.Warn("Queue is full, dropping job", zap.String("job", job.Name()))
		return ErrQueueFull
	}
}

// Wait blocks until every enqueued job finished or ctx ends
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processJobs processes jobs from the queue
func (w *Worker) processJobs(workerID int) {
	defer w.wg.Done()

	for job := range w.queue {
		w.processJob(workerID, job)
		w.pending.Done()
	}
}

// processJob runs a job, retrying failed attempts after the retry delay
func (w *Worker) processJob(workerID int, job Job) {
	for attempt := 0; attempt <= w.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-w.ctx.Done():
				w.logger.Warn("Job abandoned", zap.Int("worker", workerID), zap.String("job", job.Name()))
				return
			case <-time.After(w.retryDelay):
			}
		}

		err := w.runOnce(job)
		if err == nil {
			w.logger.Debug("Job completed", zap.Int("worker", workerID), zap.String("job", job.Name()), zap.Int("attempt", attempt+1))
			return
		}
		w.logger.Warn("Job attempt failed",
			zap.Int("worker", workerID),
			zap.String("job", job.Name()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	w.logger.Error("Job failed after retries", zap.Int("worker", workerID), zap.String("job", job.Name()))
}

func (w *Worker) runOnce(job Job) (err error) {
	ctx, cancel := context.WithTimeout(w.ctx, w.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job panicked", zap.String("job", job.Name()), zap.Any("panic", r))
			err = errors.New("job panicked")
		}
	}()
	return job.Run(ctx)
}

// GetQueueSize returns the current queue size
func (w *Worker) GetQueueSize() int {
	return len(w.queue)
}

// GetQueueCapacity returns the queue capacity
func (w *Worker) GetQueueCapacity() int {
	return cap(w.queue)
}
