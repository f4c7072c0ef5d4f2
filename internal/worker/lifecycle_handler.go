package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pos-loyalty-sync/internal/config"
	"pos-loyalty-sync/internal/models"
)

// Lifecycle stages for a referral, each persisted as its own job under
// the referral's correlation id.
const (
	StageValidate = "validate"
	StageAward    = "award"
	StageNotify   = "notify"
)

// LifecycleStages lists the pipeline in order. Producers enqueue one
// job per stage.
var LifecycleStages = []string{StageValidate, StageAward, StageNotify}

// LifecycleHandler processes one stage of a referral lifecycle job.
// Which stage is on the job row; the payload carries the referral.
type LifecycleHandler struct {
	sale *SaleHandler // reuses the loyalty service client
}

type lifecyclePayload struct {
	ReferralID  string `json:"referral_id"`
	ReferrerRef string `json:"referrer_ref"`
	RefereeRef  string `json:"referee_ref"`
	RewardCents int64  `json:"reward_cents"`
	Currency    string `json:"currency"`
}

func NewLifecycleHandler(cfg config.Config) *LifecycleHandler {
	return &LifecycleHandler{sale: NewSaleHandler(cfg)}
}

func (h *LifecycleHandler) Handle(ctx context.Context, job models.Job) error {
	var payload lifecyclePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode lifecycle payload: %w", err)
	}
	if payload.ReferralID == "" {
		return errors.New("referral_id is required")
	}

	switch job.Stage {
	case StageValidate:
		return h.call(ctx, "/v1/referrals/"+payload.ReferralID+"/validate", job.ID, payload)
	case StageAward:
		return h.call(ctx, "/v1/referrals/"+payload.ReferralID+"/award", job.ID, payload)
	case StageNotify:
		return h.call(ctx, "/v1/referrals/"+payload.ReferralID+"/notify", job.ID, payload)
	default:
		return fmt.Errorf("unknown lifecycle stage %q", job.Stage)
	}
}

func (h *LifecycleHandler) call(ctx context.Context, path, dedupeKey string, payload lifecyclePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal lifecycle payload: %w", err)
	}
	return h.sale.post(ctx, h.sale.baseURL+path, dedupeKey, body)
}
