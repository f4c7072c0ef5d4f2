package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pos-loyalty-sync/internal/config"
	"pos-loyalty-sync/internal/models"
)

// SaleHandler accrues loyalty points for completed point-of-sale
// transactions by posting them to the loyalty service.
type SaleHandler struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// salePayload is the job payload for event type pos.sale.completed.
type salePayload struct {
	OrderID     string `json:"order_id"`
	StoreID     string `json:"store_id"`
	CustomerRef string `json:"customer_ref"`
	TotalCents  int64  `json:"total_cents"`
	Currency    string `json:"currency"`
	OccurredAt  string `json:"occurred_at"`
}

type accrualRequest struct {
	OrderID     string `json:"order_id"`
	StoreID     string `json:"store_id"`
	CustomerRef string `json:"customer_ref"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	OccurredAt  string `json:"occurred_at"`
}

// NewSaleHandler builds the handler from config.
func NewSaleHandler(cfg config.Config) *SaleHandler {
	timeout := cfg.LoyaltyTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &SaleHandler{
		baseURL:    cfg.LoyaltyBaseURL,
		token:      cfg.LoyaltyToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Handle posts one accrual. The loyalty service deduplicates on the
// order id, so a redelivered job is harmless.
func (h *SaleHandler) Handle(ctx context.Context, job models.Job) error {
	var payload salePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode sale payload: %w", err)
	}
	if payload.OrderID == "" {
		return errors.New("order_id is required")
	}
	if payload.CustomerRef == "" {
		return errors.New("customer_ref is required")
	}

	body, err := json.Marshal(accrualRequest{
		OrderID:     payload.OrderID,
		StoreID:     payload.StoreID,
		CustomerRef: payload.CustomerRef,
		AmountCents: payload.TotalCents,
		Currency:    payload.Currency,
		OccurredAt:  payload.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal accrual: %w", err)
	}

	return h.post(ctx, h.baseURL+"/v1/accruals", payload.OrderID, body)
}

func (h *SaleHandler) post(ctx context.Context, url, dedupeKey string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", dedupeKey)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call loyalty service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("loyalty service returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
