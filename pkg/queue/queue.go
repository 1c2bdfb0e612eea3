// Package queue is a durable Redis job queue with job-id deduplication,
// exponential retries, a parked failed set and lease based stalled job recovery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultName               = "flow-processing"
	DefaultMaxAttempts        = 5
	DefaultBackoff            = 2 * time.Second
	DefaultLease              = 5 * time.Minute
	DefaultKeepCompleted      = 1000
	DefaultKeepFailed         = 5000
	DefaultCompletedRetention = 24 * time.Hour
	DefaultFailedRetention    = 7 * 24 * time.Hour

	promoteBatch = 1000
)

var (
	// ErrLeaseLost indicates the job was requeued after its lease expired and
	// another worker owns it now.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrPermanent marks handler failures that must not be retried.
	ErrPermanent = errors.New("permanent job failure")

	// ErrStalled is recorded for jobs redelivered more often than allowed.
	ErrStalled = errors.New("job stalled more than allowed")
)

// Permanent wraps err so the job is parked without further attempts.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() []error {
	return []error{e.err, ErrPermanent}
}

// JobID derives a collision free job id from a flow name and an idempotency key.
func JobID(name, key string) string {
	return fmt.Sprintf("%d:%s:%s", len(name), name, key)
}

// Job is a unit of work as stored in Redis.
type Job struct {
	ID          string
	Data        []byte
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	LastError   string

	token string
}

// Config configures a Queue. Zero values take the defaults.
type Config struct {
	Name               string
	// MaxAttempts is stamped on jobs enqueued through this queue. Consumers
	// honor the value carried by each job, not their own.
	MaxAttempts        int
	Backoff            time.Duration
	Lease              time.Duration
	KeepCompleted      int
	KeepFailed         int
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}

	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}

	if c.KeepCompleted <= 0 {
		c.KeepCompleted = DefaultKeepCompleted
	}

	if c.KeepFailed <= 0 {
		c.KeepFailed = DefaultKeepFailed
	}

	if c.CompletedRetention <= 0 {
		c.CompletedRetention = DefaultCompletedRetention
	}

	if c.FailedRetention <= 0 {
		c.FailedRetention = DefaultFailedRetention
	}

	return c
}

// Counts reports the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

type keys struct {
	jobPrefix string
	wait      string
	active    string
	delayed   string
	leases    string
	failed    string
	completed string
}

func newKeys(name string) keys {
	prefix := "flowtrail:" + name + ":"

	return keys{
		jobPrefix: prefix + "job:",
		wait:      prefix + "wait",
		active:    prefix + "active",
		delayed:   prefix + "delayed",
		leases:    prefix + "leases",
		failed:    prefix + "failed",
		completed: prefix + "completed",
	}
}

func (k keys) job(id string) string {
	return k.jobPrefix + id
}

// Queue stores jobs in Redis. Jobs are keyed by id; enqueuing an id that is
// still known (waiting, active, delayed, retained after completion or
// failure) is a no-op.
type Queue struct {
	client redis.UniversalClient
	cfg    Config
	keys   keys
	logger *slog.Logger
	now    func() time.Time
}

func New(client redis.UniversalClient, cfg Config, logger *slog.Logger) *Queue {
	cfg = cfg.withDefaults()

	return &Queue{
		client: client,
		cfg:    cfg,
		keys:   newKeys(cfg.Name),
		logger: logger.With("module", "queue", "queue", cfg.Name),
		now:    time.Now,
	}
}

func (q *Queue) Name() string {
	return q.cfg.Name
}

// Enqueue adds a job and reports whether it was accepted. A duplicate id is
// not an error.
func (q *Queue) Enqueue(ctx context.Context, id string, data []byte) (bool, error) {
	if id == "" {
		return false, errors.New("job id is required")
	}

	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.job(id), q.keys.wait},
		id, data, q.cfg.MaxAttempts, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job %q: %w", id, err)
	}

	if added == 0 {
		q.logger.DebugContext(ctx, "Duplicate job ignored", "job_id", id)

		return false, nil
	}

	return true, nil
}

// Job loads a job by id. It returns nil when the job is unknown.
func (q *Queue) Job(ctx context.Context, id string) (*Job, string, error) {
	fields, err := q.client.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load job %q: %w", id, err)
	}

	if len(fields) == 0 {
		return nil, "", nil
	}

	job, err := jobFromFields(fields)
	if err != nil {
		return nil, "", err
	}

	return job, fields["state"], nil
}

// Failed returns up to limit parked jobs, most recent first.
func (q *Queue) Failed(ctx context.Context, limit int64) ([]*Job, error) {
	ids, err := q.client.LRange(ctx, q.keys.failed, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))

	for _, id := range ids {
		job, _, err := q.Job(ctx, id)
		if err != nil {
			return nil, err
		}

		if job != nil {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.keys.wait)
	active := pipe.LLen(ctx, q.keys.active)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	failed := pipe.LLen(ctx, q.keys.failed)
	completed := pipe.LLen(ctx, q.keys.completed)

	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Failed:    failed.Val(),
		Completed: completed.Val(),
	}, nil
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// RetryDelay is the wait before the next attempt once attempts have failed.
func RetryDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	return base << min(attempts-1, 30)
}

// pickup moves the next waiting job to active, blocking up to timeout.
func (q *Queue) pickup(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.client.BLMove(ctx, q.keys.wait, q.keys.active, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to pick up job: %w", err)
	}

	return id, nil
}

// claim leases a picked up job and counts the delivery as an attempt. It
// returns nil when the job hash no longer exists.
func (q *Queue) claim(ctx context.Context, id, token string) (*Job, error) {
	now := q.now()

	result, err := claimScript.Run(ctx, q.client,
		[]string{q.keys.job(id), q.keys.active, q.keys.leases},
		id, now.UnixMilli(), now.Add(q.cfg.Lease).UnixMilli(), token,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to claim job %q: %w", id, err)
	}

	fields := make(map[string]string, len(result)/2)
	for i := 0; i+1 < len(result); i += 2 {
		fields[result[i]] = result[i+1]
	}

	job, err := jobFromFields(fields)
	if err != nil {
		return nil, err
	}

	job.token = token

	return job, nil
}

func (q *Queue) complete(ctx context.Context, job *Job) error {
	updated, err := completeScript.Run(ctx, q.client,
		[]string{q.keys.job(job.ID), q.keys.active, q.keys.leases, q.keys.completed},
		job.ID, job.token, q.now().UnixMilli(), q.cfg.CompletedRetention.Milliseconds(), q.cfg.KeepCompleted,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete job %q: %w", job.ID, err)
	}

	if updated == 0 {
		return ErrLeaseLost
	}

	return nil
}

// fail records a failed attempt. It reports whether the job was parked.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) (bool, error) {
	now := q.now()
	park := job.Attempts >= job.MaxAttempts || errors.Is(cause, ErrPermanent)
	retryAt := now.Add(RetryDelay(q.cfg.Backoff, job.Attempts))

	parkFlag := "0"
	if park {
		parkFlag = "1"
	}

	result, err := failScript.Run(ctx, q.client,
		[]string{q.keys.job(job.ID), q.keys.active, q.keys.leases, q.keys.delayed, q.keys.failed},
		job.ID, job.token, now.UnixMilli(), retryAt.UnixMilli(), cause.Error(), parkFlag,
		q.cfg.FailedRetention.Milliseconds(), q.cfg.KeepFailed,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record failure of job %q: %w", job.ID, err)
	}

	if result < 0 {
		return false, ErrLeaseLost
	}

	return park, nil
}

// promote moves delayed jobs whose retry time has come back to waiting.
func (q *Queue) promote(ctx context.Context) (int, error) {
	promoted, err := promoteScript.Run(ctx, q.client,
		[]string{q.keys.delayed, q.keys.wait},
		q.now().UnixMilli(), q.keys.jobPrefix, promoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	return promoted, nil
}

// requeueExpired returns active jobs with an expired lease to waiting.
func (q *Queue) requeueExpired(ctx context.Context) (int, error) {
	requeued, err := requeueScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.leases, q.keys.wait},
		q.now().UnixMilli(), q.cfg.Lease.Milliseconds(), q.keys.jobPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stalled jobs: %w", err)
	}

	return requeued, nil
}

func jobFromFields(fields map[string]string) (*Job, error) {
	job := &Job{
		ID:        fields["id"],
		Data:      []byte(fields["data"]),
		LastError: fields["last_error"],
	}

	var err error

	if job.Attempts, err = atoi(fields, "attempts"); err != nil {
		return nil, err
	}

	if job.MaxAttempts, err = atoi(fields, "max_attempts"); err != nil {
		return nil, err
	}

	createdAt, err := atoi(fields, "created_at")
	if err != nil {
		return nil, err
	}

	job.CreatedAt = time.UnixMilli(int64(createdAt)).UTC()

	return job, nil
}

func atoi(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid job field %s=%q: %w", name, raw, err)
	}

	return value, nil
}
