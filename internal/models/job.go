package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job statuses persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Job represents one unit of asynchronous work persisted in Postgres.
// Payload and Context are opaque to the queue; only the handler
// registered for EventType knows how to read them.
type Job struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	Stage          string          `json:"stage,omitempty"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	Context        json.RawMessage `json:"context,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	LockOwner      *string         `json:"lock_owner,omitempty"`
	LockedAt       *time.Time      `json:"locked_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EventKey builds the idempotency key for an inbound integration event.
// The same provider event delivered twice maps to the same row.
func EventKey(org, eventID, eventType string) string {
	return fmt.Sprintf("%s:%s:%s", org, eventID, eventType)
}

// StageKey builds the idempotency key for one stage of a multi-stage
// lifecycle workflow sharing a correlation id.
func StageKey(correlationID, stage string) string {
	return fmt.Sprintf("%s:%s", correlationID, stage)
}
