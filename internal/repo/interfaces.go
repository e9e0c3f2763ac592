package repo

import (
	"context"

	"github.com/episim-labs/episim-go/internal/domain"
)

// RunLedger maps fingerprints to the run that produced their output.
// Implementations enforce at most one record per fingerprint in storage,
// never by a read followed by a write.
type RunLedger interface {
	// Lookup returns domain.ErrNotFound when fp has no record.
	Lookup(ctx context.Context, fp domain.Fingerprint) (domain.RunRecord, error)
	Get(ctx context.Context, runID string) (domain.RunRecord, error)
	// Record inserts rec unless its fingerprint is already bound. Re-recording
	// the same run id is a no-op; a different run id yields *domain.ConflictError.
	Record(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error)
	// Touch bumps updated_at after the run's output was replaced.
	Touch(ctx context.Context, runID string) (domain.RunRecord, error)
	Ping(ctx context.Context) error
}

// ResolveExisting decides the outcome of a Record call whose insert did not
// apply because existing already holds the fingerprint.
func ResolveExisting(existing, attempted domain.RunRecord) (domain.RunRecord, error) {
	if existing.RunID == attempted.RunID {
		return existing, nil
	}
	return domain.RunRecord{}, &domain.ConflictError{Existing: existing}
}
