package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"pos-loyalty-sync/internal/models"
	"pos-loyalty-sync/internal/store"
	"pos-loyalty-sync/internal/telemetry"
)

// Handler processes one job. The payload, id and creation time are all
// on the job; everything else about the work is the handler's business.
type Handler func(ctx context.Context, job models.Job) error

// Engine is the slice of the store the runner needs. *store.Store
// satisfies it; tests substitute a fake.
type Engine interface {
	Lease(ctx context.Context, workerID string, excludeStages []string) (*models.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, errMsg string, opts store.FailOpts) error
	Backlog(ctx context.Context) (int64, error)
}

// Result reports the outcome of a single RunOnce call.
type Result struct {
	Processed bool   `json:"processed"`
	JobID     string `json:"job_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// DrainStats aggregates one Drain invocation.
type DrainStats struct {
	Processed int `json:"processed"`
	Errored   int `json:"errored"`
}

// Options tune the runner. Zero values fall back to defaults.
type Options struct {
	ExcludeStages []string
	PollInterval  time.Duration // sleep between empty polls in Run, default 1s
	DrainBudget   int           // max jobs per Drain call, default 10
	ErrorLimit    int           // consecutive errors before Drain bails, default 3
}

// Runner leases jobs one at a time and dispatches them to the handler
// registered for their event type.
type Runner struct {
	engine   Engine
	handlers map[string]Handler
	opts     Options
}

// NewRunner builds a runner over a fixed handler registry. The registry
// is validated here so a bad registration is a startup error, not a
// per-job failure at runtime.
func NewRunner(engine Engine, handlers map[string]Handler, opts Options) (*Runner, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("at least one handler is required")
	}
	for eventType, h := range handlers {
		if eventType == "" {
			return nil, fmt.Errorf("handler registered with empty event type")
		}
		if h == nil {
			return nil, fmt.Errorf("nil handler registered for event type %q", eventType)
		}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.DrainBudget == 0 {
		opts.DrainBudget = 10
	}
	if opts.ErrorLimit == 0 {
		opts.ErrorLimit = 3
	}
	reg := make(map[string]Handler, len(handlers))
	for k, v := range handlers {
		reg[k] = v
	}
	return &Runner{engine: engine, handlers: reg, opts: opts}, nil
}

// RunOnce leases at most one job and processes it. A job whose event
// type has no registered handler is failed like any other handler
// error, so it follows the normal retry and terminal policy instead of
// wedging the loop. Handler errors are recorded against the job first
// and then returned, so the caller can count them.
func (r *Runner) RunOnce(ctx context.Context, workerID string) (Result, error) {
	job, err := r.engine.Lease(ctx, workerID, r.opts.ExcludeStages)
	if err != nil {
		return Result{}, fmt.Errorf("lease: %w", err)
	}
	if job == nil {
		return Result{}, nil
	}

	res := Result{JobID: job.ID, EventType: job.EventType}

	handler, ok := r.handlers[job.EventType]
	if !ok {
		herr := fmt.Errorf("no handler registered for event type %q", job.EventType)
		if ferr := r.engine.Fail(ctx, job.ID, herr.Error(), store.FailOpts{}); ferr != nil {
			return res, fmt.Errorf("record failure for job %s: %w", job.ID, ferr)
		}
		return res, herr
	}

	if herr := handler(ctx, *job); herr != nil {
		if ferr := r.engine.Fail(ctx, job.ID, herr.Error(), store.FailOpts{}); ferr != nil {
			return res, fmt.Errorf("record failure for job %s: %w", job.ID, ferr)
		}
		return res, fmt.Errorf("handler %s for job %s: %w", job.EventType, job.ID, herr)
	}

	if err := r.engine.Complete(ctx, job.ID); err != nil {
		return res, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	res.Processed = true
	return res, nil
}

// Drain calls RunOnce until the backlog is empty, the per-invocation
// budget is spent, or too many consecutive errors suggest a poison job
// that would otherwise be hot-looped. Made for short-lived callers such
// as a periodic trigger or a serverless invocation.
func (r *Runner) Drain(ctx context.Context, workerID string) (DrainStats, error) {
	var stats DrainStats
	consecutive := 0
	for i := 0; i < r.opts.DrainBudget; i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		res, err := r.RunOnce(ctx, workerID)
		if err != nil {
			stats.Errored++
			consecutive++
			log.Printf("worker %s: job error: %v", workerID, err)
			if consecutive >= r.opts.ErrorLimit {
				break
			}
			continue
		}
		if !res.Processed {
			break
		}
		stats.Processed++
		consecutive = 0
	}
	return stats, nil
}

// Run is the long-lived worker loop: drain the backlog, sleep when it
// is empty, repeat until the context is cancelled.
func (r *Runner) Run(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if depth, err := r.engine.Backlog(ctx); err == nil {
			telemetry.BacklogGauge.Set(float64(depth))
		}

		stats, err := r.Drain(ctx, workerID)
		if err != nil {
			return err
		}
		if stats.Processed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.PollInterval):
			}
		}
	}
}
