package worker

import (
	"context"

	"pos-loyalty-sync/internal/config"
)

// Event types processed by this deployment. Adding a job type means
// registering a new entry here, not touching the runner.
const (
	EventSaleCompleted     = "pos.sale.completed"
	EventReferralLifecycle = "referral.lifecycle"
	EventReportExport      = "report.export"
)

// DefaultHandlers builds the full handler registry for a worker
// process.
func DefaultHandlers(ctx context.Context, cfg config.Config) (map[string]Handler, error) {
	export, err := NewExportHandler(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return map[string]Handler{
		EventSaleCompleted:     NewSaleHandler(cfg).Handle,
		EventReferralLifecycle: NewLifecycleHandler(cfg).Handle,
		EventReportExport:      export.Handle,
	}, nil
}
