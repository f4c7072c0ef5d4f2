package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pos-loyalty-sync/internal/config"
	"pos-loyalty-sync/internal/models"
	"pos-loyalty-sync/internal/ratelimit"
	"pos-loyalty-sync/internal/store"
	"pos-loyalty-sync/internal/telemetry"
	"pos-loyalty-sync/internal/worker"
)

// Queue is the producer-side slice of the job store.
type Queue interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// Drainer runs jobs within a bounded budget, for the serverless-style
// drain endpoint.
type Drainer interface {
	Drain(ctx context.Context, workerID string) (worker.DrainStats, error)
}

// Server wires HTTP handlers for webhook ingestion, lifecycle triggers
// and the drain surface.
type Server struct {
	cfg     config.Config
	queue   Queue
	drainer Drainer
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter and drainer may be nil.
func New(cfg config.Config, queue Queue, drainer Drainer, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		queue:   queue,
		drainer: drainer,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/{provider}", s.handleWebhook)
	r.Post("/referrals/{id}/lifecycle", s.handleLifecycle)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/worker/drain", s.handleDrain)
	return r
}

type webhookRequest struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Context   json.RawMessage `json:"context"`
}

type webhookResponse struct {
	Queued bool   `json:"queued"`
	JobID  string `json:"job_id,omitempty"`
}

// handleWebhook accepts one provider event and enqueues a job for it.
// The queue is best-effort here: the provider gets its acknowledgment
// even when the jobs table is missing, otherwise it would retry
// deliveries forever against an outage we already know about.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	org := orgFromRequest(r)

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.EventID == "" || req.EventType == "" {
		http.Error(w, "event_id and event_type are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", org))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.queue.Enqueue(r.Context(), store.EnqueueParams{
		IdempotencyKey: models.EventKey(org, req.EventID, req.EventType),
		EventType:      req.EventType,
		Payload:        req.Payload,
		Context:        req.Context,
		MaxAttempts:    s.cfg.MaxAttempts,
	})
	if err != nil {
		log.Printf("webhook %s/%s: enqueue failed, acknowledging anyway: %v", provider, req.EventID, err)
		writeJSON(w, http.StatusAccepted, webhookResponse{Queued: false})
		return
	}
	if job == nil {
		writeJSON(w, http.StatusAccepted, webhookResponse{Queued: false})
		return
	}
	writeJSON(w, http.StatusAccepted, webhookResponse{Queued: true, JobID: job.ID})
}

type lifecycleRequest struct {
	ReferrerRef string          `json:"referrer_ref"`
	RefereeRef  string          `json:"referee_ref"`
	RewardCents int64           `json:"reward_cents"`
	Currency    string          `json:"currency"`
	Context     json.RawMessage `json:"context"`
}

type lifecycleResponse struct {
	ReferralID string       `json:"referral_id"`
	Jobs       []stageState `json:"jobs"`
}

type stageState struct {
	Stage  string `json:"stage"`
	Queued bool   `json:"queued"`
	JobID  string `json:"job_id,omitempty"`
}

// handleLifecycle enqueues the full stage pipeline for one referral.
// All stages share the referral id as correlation id; each stage has
// its own idempotency key so re-triggering refreshes every stage row.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	referralID := chi.URLParam(r, "id")

	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"referral_id":  referralID,
		"referrer_ref": req.ReferrerRef,
		"referee_ref":  req.RefereeRef,
		"reward_cents": req.RewardCents,
		"currency":     req.Currency,
	})
	if err != nil {
		http.Error(w, "encode payload", http.StatusInternalServerError)
		return
	}

	resp := lifecycleResponse{ReferralID: referralID}
	for _, stage := range worker.LifecycleStages {
		job, err := s.queue.Enqueue(r.Context(), store.EnqueueParams{
			IdempotencyKey: models.StageKey(referralID, stage),
			EventType:      worker.EventReferralLifecycle,
			Stage:          stage,
			Payload:        payload,
			Context:        req.Context,
			MaxAttempts:    s.cfg.MaxAttempts,
		})
		state := stageState{Stage: stage}
		if err != nil {
			log.Printf("lifecycle %s stage %s: enqueue failed: %v", referralID, stage, err)
		} else if job != nil {
			state.Queued = true
			state.JobID = job.ID
		}
		resp.Jobs = append(resp.Jobs, state)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDrain lets a scheduled trigger or serverless invocation work
// the backlog within the configured budget and report what happened.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.drainer == nil {
		http.Error(w, "drain not enabled", http.StatusNotImplemented)
		return
	}
	workerID := r.Header.Get("X-Worker-ID")
	if workerID == "" {
		workerID = "drain-" + uuid.New().String()
	}
	start := time.Now()
	stats, err := s.drainer.Drain(r.Context(), workerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed":   stats.Processed,
		"errored":     stats.Errored,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func orgFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Org-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
