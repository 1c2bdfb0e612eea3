package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/flowtrail/pkg/log"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

const (
	DefaultConcurrency     = 5
	DefaultRateLimit       = 100
	DefaultPollTimeout     = time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaintenance     = "@every 1s"
)

// Handler processes one job. Returning an error schedules a retry, or parks
// the job once its attempts are used up or the error wraps ErrPermanent.
type Handler func(ctx context.Context, job *Job) error

// FailedHook is called after a job has been parked in the failed set.
type FailedHook func(ctx context.Context, job *Job, err error)

// ConsumerConfig configures a Consumer. Zero values take the defaults.
type ConsumerConfig struct {
	Concurrency     int
	RateLimit       float64
	PollTimeout     time.Duration
	ShutdownTimeout time.Duration
	Maintenance     string
	WorkerID        string
	OnFailed        FailedHook
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}

	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}

	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Maintenance == "" {
		c.Maintenance = DefaultMaintenance
	}

	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}

	return c
}

// Consumer runs a pool of workers pulling jobs from a Queue.
type Consumer struct {
	queue   *Queue
	handler Handler
	cfg     ConsumerConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu          sync.Mutex
	started     bool
	cron        *cron.Cron
	stopPolling context.CancelFunc
	cancelWork  context.CancelFunc
	wg          sync.WaitGroup
}

func NewConsumer(queue *Queue, handler Handler, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	cfg = cfg.withDefaults()

	return &Consumer{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit))),
		logger: logger.With(
			"module", "queue_consumer",
			"queue", queue.Name(),
			"worker_id", cfg.WorkerID,
		),
	}
}

// Start launches the maintenance schedule and the workers. It returns once
// they are running.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("consumer already started")
	}

	c.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := c.cron.AddFunc(c.cfg.Maintenance, func() { c.maintain(ctx) })
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", c.cfg.Maintenance, err)
	}

	pollCtx, stopPolling := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	c.stopPolling = stopPolling
	c.cancelWork = cancelWork

	c.maintain(ctx)
	c.cron.Start()

	for i := range c.cfg.Concurrency {
		c.wg.Add(1)

		go c.work(pollCtx, workCtx, i)
	}

	c.started = true
	c.logger.InfoContext(ctx, "Queue consumer started",
		"concurrency", c.cfg.Concurrency,
		"rate_limit", c.cfg.RateLimit,
	)

	return nil
}

// Stop stops polling and waits for in-flight jobs up to the shutdown timeout.
// Jobs still running afterwards are cancelled; they stay leased and are
// redelivered once the lease expires.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	c.logger.InfoContext(ctx, "Stopping queue consumer")
	c.stopPolling()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error

	timer := time.NewTimer(c.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		err = errors.New("timed out waiting for in-flight jobs")
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		c.logger.WarnContext(ctx, "Cancelling in-flight jobs", "error", err)
		c.cancelWork()
		<-done
	}

	c.cancelWork()
	<-c.cron.Stop().Done()

	c.started = false
	c.logger.InfoContext(ctx, "Queue consumer stopped")

	return err
}

func (c *Consumer) work(pollCtx, workCtx context.Context, slot int) {
	defer c.wg.Done()

	logger := c.logger.With("slot", slot)

	for {
		if pollCtx.Err() != nil {
			return
		}

		if err := c.limiter.Wait(pollCtx); err != nil {
			return
		}

		id, err := c.queue.pickup(pollCtx, c.cfg.PollTimeout)
		if err != nil {
			if pollCtx.Err() != nil {
				return
			}

			logger.ErrorContext(pollCtx, "Error picking up job", "error", err)
			sleep(pollCtx, time.Second)

			continue
		}

		if id == "" {
			continue
		}

		c.run(workCtx, logger, id)
	}
}

func (c *Consumer) run(ctx context.Context, logger *slog.Logger, id string) {
	logger = logger.With("job_id", id)

	job, err := c.queue.claim(ctx, id, uuid.NewString())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to claim job", "error", err)

		return
	}

	if job == nil {
		logger.WarnContext(ctx, "Picked up unknown job")

		return
	}

	logger = logger.With("attempt", job.Attempts, "max_attempts", job.MaxAttempts)
	ctx = log.ContextWithLogger(ctx, logger)

	var handlerErr error
	if job.Attempts > job.MaxAttempts {
		handlerErr = Permanent(ErrStalled)
	} else {
		handlerErr = c.safeHandle(ctx, job)
	}

	if handlerErr == nil {
		if err := c.queue.complete(ctx, job); err != nil {
			logger.WarnContext(ctx, "Failed to mark job completed", "error", err)

			return
		}

		logger.InfoContext(ctx, "Job completed")

		return
	}

	parked, err := c.queue.fail(ctx, job, handlerErr)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record job failure", "error", err, "cause", handlerErr)

		return
	}

	if !parked {
		logger.WarnContext(ctx, "Job failed, retry scheduled",
			"error", handlerErr,
			"retry_in", RetryDelay(c.queue.cfg.Backoff, job.Attempts),
		)

		return
	}

	logger.ErrorContext(ctx, "Job failed permanently", "error", handlerErr)

	if c.cfg.OnFailed != nil {
		c.cfg.OnFailed(ctx, job, handlerErr)
	}
}

func (c *Consumer) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	return c.handler(ctx, job)
}

func (c *Consumer) maintain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	promoted, err := c.queue.promote(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "Queue maintenance failed", "error", err)
	} else if promoted > 0 {
		c.logger.DebugContext(ctx, "Promoted delayed jobs", "count", promoted)
	}

	requeued, err := c.queue.requeueExpired(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "Queue maintenance failed", "error", err)
	} else if requeued > 0 {
		c.logger.WarnContext(ctx, "Requeued stalled jobs", "count", requeued)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
