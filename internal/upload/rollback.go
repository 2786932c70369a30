package upload

import (
	"context"
	"log/slog"

	"realtyhub/pkg/domain"
	"realtyhub/pkg/storage"
)

// CompensationReport summarizes one best-effort rollback pass.
type CompensationReport struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    []string `json:"failed,omitempty"`
}

// Coordinator issues compensating deletes against the object store when a
// workflow terminates in failure after at least one successful upload.
type Coordinator struct {
	store storage.ObjectStore
}

// NewCoordinator wires a rollback coordinator to an object store.
func NewCoordinator(store storage.ObjectStore) *Coordinator {
	return &Coordinator{store: store}
}

// Compensate attempts a delete for every ledger entry, independently: one
// failed delete does not abort the rest. Delete failures are logged and
// counted but never surfaced as the primary error: a leaked blob is a
// lesser failure than masking the real cause.
func (c *Coordinator) Compensate(ctx context.Context, ledger []domain.UploadedAsset) CompensationReport {
	report := CompensationReport{Attempted: len(ledger)}
	for _, asset := range ledger {
		if err := c.store.Delete(ctx, asset.URL); err != nil {
			report.Failed = append(report.Failed, asset.URL)
			slog.WarnContext(ctx, "compensating delete failed", "url", asset.URL, "err", err)
			continue
		}
		report.Succeeded++
	}
	if len(report.Failed) > 0 {
		slog.WarnContext(ctx, "rollback incomplete",
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"leaked", len(report.Failed))
	}
	return report
}
