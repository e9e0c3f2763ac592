package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/episim-labs/episim-go/internal/domain"
	"github.com/episim-labs/episim-go/internal/repo"
)

type RunLedger struct {
	db DB
}

const (
	insertRunQuery = `INSERT INTO simulation_runs (
		fingerprint,
		run_id,
		backend,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (fingerprint) DO NOTHING
	RETURNING fingerprint, run_id, backend, created_at, updated_at`

	selectRunByFingerprintQuery = `SELECT fingerprint, run_id, backend, created_at, updated_at
	 FROM simulation_runs
	 WHERE fingerprint = $1`

	selectRunByIDQuery = `SELECT fingerprint, run_id, backend, created_at, updated_at
	 FROM simulation_runs
	 WHERE run_id = $1`

	touchRunQuery = `UPDATE simulation_runs
	 SET updated_at = $2
	 WHERE run_id = $1
	 RETURNING fingerprint, run_id, backend, created_at, updated_at`
)

var _ repo.RunLedger = (*RunLedger)(nil)

func NewRunLedger(db DB) *RunLedger {
	if db == nil {
		return nil
	}
	return &RunLedger{db: db}
}

func (l *RunLedger) ready() error {
	if l == nil || l.db == nil {
		return fmt.Errorf("run ledger not initialized")
	}
	return nil
}

func (l *RunLedger) Lookup(ctx context.Context, fp domain.Fingerprint) (domain.RunRecord, error) {
	if err := l.ready(); err != nil {
		return domain.RunRecord{}, err
	}
	if fp.IsZero() {
		return domain.RunRecord{}, domain.Inputf("fingerprint", "is required")
	}
	rec, err := scanRun(l.db.QueryRowContext(ctx, selectRunByFingerprintQuery, fp.String()))
	if err != nil {
		return domain.RunRecord{}, domain.Storage("lookup run", err)
	}
	return rec, nil
}

func (l *RunLedger) Get(ctx context.Context, runID string) (domain.RunRecord, error) {
	if err := l.ready(); err != nil {
		return domain.RunRecord{}, err
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunRecord{}, domain.Inputf("run_id", "is required")
	}
	rec, err := scanRun(l.db.QueryRowContext(ctx, selectRunByIDQuery, runID))
	if err != nil {
		return domain.RunRecord{}, domain.Storage("get run", err)
	}
	return rec, nil
}

func (l *RunLedger) Record(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	if err := l.ready(); err != nil {
		return domain.RunRecord{}, err
	}
	rec.RunID = strings.TrimSpace(rec.RunID)
	if err := rec.Validate(); err != nil {
		return domain.RunRecord{}, err
	}
	created := normalizeTime(rec.CreatedAt)
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	stored, err := scanRun(l.db.QueryRowContext(
		ctx,
		insertRunQuery,
		rec.Fingerprint.String(),
		rec.RunID,
		string(rec.Backend),
		created,
		updated.UTC(),
	))
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		if isUniqueViolation(err) {
			return domain.RunRecord{}, domain.Storage("record run", fmt.Errorf("run id %s is bound to another fingerprint: %w", rec.RunID, err))
		}
		return domain.RunRecord{}, domain.Storage("record run", err)
	}

	existing, err := l.Lookup(ctx, rec.Fingerprint)
	if err != nil {
		return domain.RunRecord{}, err
	}
	return repo.ResolveExisting(existing, rec)
}

func (l *RunLedger) Touch(ctx context.Context, runID string) (domain.RunRecord, error) {
	if err := l.ready(); err != nil {
		return domain.RunRecord{}, err
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunRecord{}, domain.Inputf("run_id", "is required")
	}
	rec, err := scanRun(l.db.QueryRowContext(ctx, touchRunQuery, runID, time.Now().UTC()))
	if err != nil {
		return domain.RunRecord{}, domain.Storage("touch run", err)
	}
	return rec, nil
}

func (l *RunLedger) Ping(ctx context.Context) error {
	if err := l.ready(); err != nil {
		return err
	}
	return domain.Storage("ping", l.db.PingContext(ctx))
}

func scanRun(row *sql.Row) (domain.RunRecord, error) {
	var (
		rec     domain.RunRecord
		fp      string
		backend string
	)
	if err := row.Scan(&fp, &rec.RunID, &backend, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return domain.RunRecord{}, handleNotFound(err)
	}
	parsed, err := domain.ParseFingerprint(fp)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("stored fingerprint %q is malformed", fp)
	}
	rec.Fingerprint = parsed
	rec.Backend = domain.Backend(backend)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
