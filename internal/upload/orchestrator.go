package upload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"realtyhub/pkg/domain"
	"realtyhub/pkg/storage"
)

// Orchestrator uploads a validated batch to the object store, sequentially
// and in input order, so that the returned ledger always reflects exactly
// what physically exists in the store at the moment of any failure.
type Orchestrator struct {
	store storage.ObjectStore
}

// NewOrchestrator wires an orchestrator to an object store.
func NewOrchestrator(store storage.ObjectStore) *Orchestrator {
	return &Orchestrator{store: store}
}

// Upload stores each file and appends to the ledger immediately after each
// successful put. On the first failure it stops, skips the remaining files,
// and returns the ledger accumulated so far together with the cause; it
// never rolls back. That is the rollback coordinator's job, invoked by the
// workflow. The returned assets are valid (as the ledger) even when err is
// non-nil.
func (o *Orchestrator) Upload(ctx context.Context, userID int64, files []domain.ImageFile) ([]domain.UploadedAsset, error) {
	ledger := make([]domain.UploadedAsset, 0, len(files))
	for i, f := range files {
		key := BuildObjectKey(userID, f.Name, time.Now())
		url, err := o.store.Put(ctx, key, f.Bytes, f.MIMEType)
		if err != nil {
			return ledger, fmt.Errorf("upload %s: %w", f.Name, err)
		}
		ledger = append(ledger, domain.UploadedAsset{SourceFileIndex: i, URL: url})
		slog.DebugContext(ctx, "image uploaded", "file", f.Name, "key", key, "url", url)
	}
	return ledger, nil
}
