package store

import (
	"fmt"
	"time"

	"pos-loyalty-sync/internal/models"
)

// Terminal is the row transition applied once a job has exhausted its
// attempts.
type Terminal struct {
	Status        string
	ResetAttempts bool
	ScheduledAt   time.Time
}

// FailurePolicy decides what happens to a job whose retries are
// exhausted. The two observed behaviors in production are a hard error
// state requiring manual intervention, and a long-delay requeue that
// self-heals once the underlying issue is fixed. The policy is chosen
// per Store instance.
type FailurePolicy interface {
	Name() string
	Exhausted(now time.Time) Terminal
}

type failHard struct{}

// FailHard parks exhausted jobs in the error state. No further
// automatic processing happens until someone re-enqueues the key.
func FailHard() FailurePolicy { return failHard{} }

func (failHard) Name() string { return "error" }

func (failHard) Exhausted(now time.Time) Terminal {
	return Terminal{Status: models.StatusError, ScheduledAt: now}
}

type requeueAfter struct {
	delay time.Duration
}

// RequeueAfter resets exhausted jobs to queued with the attempt counter
// cleared and the schedule pushed out by delay, so they retry on their
// own once an upstream outage is over.
func RequeueAfter(delay time.Duration) FailurePolicy {
	if delay <= 0 {
		delay = 24 * time.Hour
	}
	return requeueAfter{delay: delay}
}

func (requeueAfter) Name() string { return "requeue" }

func (p requeueAfter) Exhausted(now time.Time) Terminal {
	return Terminal{
		Status:        models.StatusQueued,
		ResetAttempts: true,
		ScheduledAt:   now.Add(p.delay),
	}
}

// ParsePolicy maps a config value to a FailurePolicy.
func ParsePolicy(name string, requeueDelay time.Duration) (FailurePolicy, error) {
	switch name {
	case "", "error":
		return FailHard(), nil
	case "requeue":
		return RequeueAfter(requeueDelay), nil
	default:
		return nil, fmt.Errorf("unknown terminal policy %q (want error or requeue)", name)
	}
}
