package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"pos-loyalty-sync/internal/models"
	"pos-loyalty-sync/internal/telemetry"
)

const pgUndefinedTable = "42P01"

// Options tune the queue engine. Zero values fall back to defaults.
type Options struct {
	LockTimeout time.Duration // stale-lease reclamation age, default 5m
	BackoffBase time.Duration // first retry delay, default 5s
	BackoffCap  time.Duration // retry delay ceiling, default 5m
	ProbeTTL    time.Duration // availability cache TTL, default 60s
	MaxErrorLen int           // last_error truncation, default 500 runes
	Policy      FailurePolicy // terminal-failure strategy, default FailHard
}

func (o Options) withDefaults() Options {
	if o.LockTimeout == 0 {
		o.LockTimeout = 5 * time.Minute
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 5 * time.Minute
	}
	if o.ProbeTTL == 0 {
		o.ProbeTTL = 60 * time.Second
	}
	if o.MaxErrorLen == 0 {
		o.MaxErrorLen = 500
	}
	if o.Policy == nil {
		o.Policy = FailHard()
	}
	return o
}

// Store is the Postgres-backed durable job queue. All coordination
// between competing workers goes through row-level locks on the jobs
// table; the engine holds no cross-process state of its own.
type Store struct {
	pool  *pgxpool.Pool
	opts  Options
	avail *availabilityCache
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	opts = opts.withDefaults()
	return &Store{
		pool:  pool,
		opts:  opts,
		avail: newAvailabilityCache(opts.ProbeTTL, time.Now),
	}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnqueueParams collects inputs required to insert or refresh a job.
type EnqueueParams struct {
	IdempotencyKey string
	EventType      string
	Stage          string
	Payload        json.RawMessage
	Context        json.RawMessage
	ScheduledAt    time.Time // zero means now
	MaxAttempts    int       // non-positive means 5
	InitialError   string    // when set, the first attempt is delayed by one backoff step
}

const jobColumns = `id, idempotency_key, event_type, stage, status, payload, context,
	attempts, max_attempts, scheduled_at, lock_owner, locked_at, last_error, created_at, updated_at`

const jobColumnsQualified = `jobs.id, jobs.idempotency_key, jobs.event_type, jobs.stage, jobs.status,
	jobs.payload, jobs.context, jobs.attempts, jobs.max_attempts, jobs.scheduled_at,
	jobs.lock_owner, jobs.locked_at, jobs.last_error, jobs.created_at, jobs.updated_at`

// Enqueue inserts a job row or refreshes the existing row holding the
// same idempotency key. Re-enqueueing overwrites payload, context and
// schedule, clears the lock fields, last_error and attempt counter, and
// resets the row to queued, so a previously failed or exhausted job is
// automatically un-stuck with its full retry budget. A
// row that is currently running keeps its status and lock; only the
// payload, context and schedule are refreshed.
//
// When the jobs table is missing, Enqueue returns (nil, nil): the
// queue is best-effort and callers continue their primary flow.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*models.Job, error) {
	if !s.Available(ctx, false) {
		return nil, nil
	}
	if p.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}
	if p.EventType == "" {
		return nil, errors.New("event type is required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Payload == nil {
		p.Payload = json.RawMessage(`{}`)
	}

	now := time.Now().UTC()
	scheduledAt := p.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	var lastErr *string
	if p.InitialError != "" {
		// The caller already knows the first attempt must wait.
		msg := truncateError(p.InitialError, s.opts.MaxErrorLen)
		lastErr = &msg
		scheduledAt = now.Add(retryDelay(s.opts.BackoffBase, s.opts.BackoffCap, 1))
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, idempotency_key, event_type, stage, status, payload, context,
			attempts, max_attempts, scheduled_at, lock_owner, locked_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, NULL, NULL, $10, $11, $11)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			event_type   = EXCLUDED.event_type,
			stage        = EXCLUDED.stage,
			payload      = EXCLUDED.payload,
			context      = EXCLUDED.context,
			max_attempts = EXCLUDED.max_attempts,
			scheduled_at = EXCLUDED.scheduled_at,
			attempts     = CASE WHEN jobs.status = $12 THEN jobs.attempts ELSE 0 END,
			status       = CASE WHEN jobs.status = $12 THEN jobs.status ELSE EXCLUDED.status END,
			lock_owner   = CASE WHEN jobs.status = $12 THEN jobs.lock_owner ELSE NULL END,
			locked_at    = CASE WHEN jobs.status = $12 THEN jobs.locked_at ELSE NULL END,
			last_error   = CASE WHEN jobs.status = $12 THEN jobs.last_error ELSE EXCLUDED.last_error END,
			updated_at   = EXCLUDED.updated_at
		RETURNING `+jobColumns,
		uuid.New().String(), p.IdempotencyKey, p.EventType, p.Stage, models.StatusQueued,
		p.Payload, nullableJSON(p.Context), p.MaxAttempts, scheduledAt, lastErr, now,
		models.StatusRunning)

	job, err := scanJob(row)
	if err != nil {
		if s.markUnavailableIfMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	telemetry.JobsEnqueued.Inc()
	return job, nil
}

// Lease atomically selects and locks the oldest eligible job. Eligible
// rows are queued with scheduled_at due, or running with a lease older
// than the lock timeout (a crashed worker's job is reclaimed rather
// than stranded). Rows locked by a concurrent transaction are skipped,
// not waited on, so two racing workers never receive the same row and
// neither blocks.
//
// Returns (nil, nil) when no job is eligible or the table is missing.
func (s *Store) Lease(ctx context.Context, workerID string, excludeStages []string) (*models.Job, error) {
	if !s.Available(ctx, false) {
		return nil, nil
	}
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if excludeStages == nil {
		excludeStages = []string{}
	}

	now := time.Now().UTC()
	staleBefore := now.Add(-s.opts.LockTimeout)

	row := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM jobs
			WHERE scheduled_at <= $2
			  AND (status = $4 OR (status = $5 AND locked_at < $3))
			  AND NOT (stage = ANY($6))
			ORDER BY scheduled_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET
			status     = $5,
			attempts   = jobs.attempts + 1,
			lock_owner = $1,
			locked_at  = $2,
			last_error = NULL,
			updated_at = $2
		FROM candidate
		WHERE jobs.id = candidate.id
		RETURNING `+jobColumnsQualified,
		workerID, now, staleBefore, models.StatusQueued, models.StatusRunning, excludeStages)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if s.markUnavailableIfMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease job: %w", err)
	}
	telemetry.JobsInFlight.Inc()
	return job, nil
}

// Complete marks a leased job finished and releases the lock. Missing
// rows and a missing table are both no-ops.
func (s *Store) Complete(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, lock_owner = NULL, locked_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, jobID, models.StatusCompleted)
	if err != nil {
		if s.markUnavailableIfMissing(err) {
			return nil
		}
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		telemetry.JobsCompleted.Inc()
		telemetry.JobsInFlight.Dec()
	}
	return nil
}

// FailOpts override the backoff computed from the attempt counter.
type FailOpts struct {
	Delay       time.Duration // explicit delay before the retry
	ScheduledAt *time.Time    // explicit next eligible time, wins over Delay
}

// Fail records a handler failure against the job. While attempts
// remain, the row returns to queued with an exponential-backoff delay.
// Once attempts are exhausted, the configured FailurePolicy decides
// the terminal transition. A missing table is swallowed; any other
// store failure is returned.
func (s *Store) Fail(ctx context.Context, jobID string, errMsg string, opts FailOpts) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		if s.markUnavailableIfMissing(err) {
			return nil
		}
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		if s.markUnavailableIfMissing(err) {
			return nil
		}
		return fmt.Errorf("read job %s for failure: %w", jobID, err)
	}

	now := time.Now().UTC()
	msg := truncateError(errMsg, s.opts.MaxErrorLen)

	if attempts < maxAttempts {
		nextRun := now.Add(retryDelay(s.opts.BackoffBase, s.opts.BackoffCap, attempts))
		if opts.Delay > 0 {
			nextRun = now.Add(opts.Delay)
		}
		if opts.ScheduledAt != nil {
			nextRun = *opts.ScheduledAt
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, scheduled_at = $3, last_error = $4,
				lock_owner = NULL, locked_at = NULL, updated_at = $5
			WHERE id = $1
		`, jobID, models.StatusQueued, nextRun, msg, now)
		if err != nil {
			if s.markUnavailableIfMissing(err) {
				return nil
			}
			return fmt.Errorf("schedule retry for job %s: %w", jobID, err)
		}
		telemetry.JobsRetried.Inc()
	} else {
		term := s.opts.Policy.Exhausted(now)
		newAttempts := attempts
		if term.ResetAttempts {
			newAttempts = 0
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, attempts = $3, scheduled_at = $4, last_error = $5,
				lock_owner = NULL, locked_at = NULL, updated_at = $6
			WHERE id = $1
		`, jobID, term.Status, newAttempts, term.ScheduledAt, msg, now)
		if err != nil {
			if s.markUnavailableIfMissing(err) {
				return nil
			}
			return fmt.Errorf("record exhausted job %s: %w", jobID, err)
		}
		telemetry.JobsExhausted.Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		if s.markUnavailableIfMissing(err) {
			return nil
		}
		return fmt.Errorf("commit failure for job %s: %w", jobID, err)
	}
	telemetry.JobsInFlight.Dec()
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Backlog returns the count of jobs ready to run right now.
func (s *Store) Backlog(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND scheduled_at <= NOW()
	`, models.StatusQueued).Scan(&n)
	if err != nil {
		if s.markUnavailableIfMissing(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count backlog: %w", err)
	}
	return n, nil
}

// markUnavailableIfMissing records an undefined-table error in the
// availability cache so later calls degrade without probing.
func (s *Store) markUnavailableIfMissing(err error) bool {
	if isUndefinedTable(err) {
		s.avail.set(false)
		return true
	}
	return false
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var stage pgtype.Text
	var jobContext []byte
	var lockOwner, lastErr pgtype.Text
	var lockedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.IdempotencyKey, &job.EventType, &stage, &job.Status,
		&job.Payload, &jobContext, &job.Attempts, &job.MaxAttempts, &job.ScheduledAt,
		&lockOwner, &lockedAt, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if stage.Valid {
		job.Stage = stage.String
	}
	if jobContext != nil {
		job.Context = json.RawMessage(jobContext)
	}
	job.LockOwner = textPtr(lockOwner)
	job.LastError = textPtr(lastErr)
	if lockedAt.Valid {
		t := lockedAt.Time
		job.LockedAt = &t
	}
	return &job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
