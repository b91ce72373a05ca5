package pipeline

import (
	"context"
	"time"

	"botforge/internal/logging"
	"botforge/internal/store"
)

// Anchor is the proof-anchoring collaborator. It receives the immutable
// execution record after a task completes; failures are swallowed and the
// primary response never waits longer than the bounded race.
type Anchor interface {
	AnchorRecord(ctx context.Context, rec *store.ExecutionRecord) error
}

// StoreAnchor persists records locally. It is the default collaborator.
type StoreAnchor struct {
	Records *store.RecordStore
}

func (a *StoreAnchor) AnchorRecord(_ context.Context, rec *store.ExecutionRecord) error {
	return a.Records.SaveRecord(rec)
}

const anchorWait = 5 * time.Second

// anchor hands the record to the collaborator racing a 5s timer, without
// blocking the caller's response.
func (r *Runner) anchor(rec *store.ExecutionRecord) {
	if r.proof == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), anchorWait)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- r.proof.AnchorRecord(ctx, rec)
		}()

		select {
		case err := <-done:
			if err != nil {
				logging.ProofWarn("anchor failed for %s: %v", rec.ID, err)
			} else {
				logging.Proof("anchored record %s", rec.ID)
			}
		case <-ctx.Done():
			logging.ProofWarn("anchor timed out for %s", rec.ID)
		}
	}()
}
