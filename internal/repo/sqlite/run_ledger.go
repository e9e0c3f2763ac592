package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/episim-labs/episim-go/internal/domain"
	"github.com/episim-labs/episim-go/internal/repo"
)

const (
	insertRunQuery = `INSERT INTO simulation_runs (fingerprint, run_id, backend, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(fingerprint) DO NOTHING`

	selectRunByFingerprintQuery = `SELECT fingerprint, run_id, backend, created_at, updated_at
	FROM simulation_runs WHERE fingerprint = ?`

	selectRunByIDQuery = `SELECT fingerprint, run_id, backend, created_at, updated_at
	FROM simulation_runs WHERE run_id = ?`

	touchRunQuery = `UPDATE simulation_runs SET updated_at = ? WHERE run_id = ?`
)

type RunLedger struct {
	db *sql.DB
}

var _ repo.RunLedger = (*RunLedger)(nil)

func NewRunLedger(db *sql.DB) *RunLedger {
	if db == nil {
		return nil
	}
	return &RunLedger{db: db}
}

func (l *RunLedger) Lookup(ctx context.Context, fp domain.Fingerprint) (domain.RunRecord, error) {
	if fp.IsZero() {
		return domain.RunRecord{}, domain.Inputf("fingerprint", "is required")
	}
	rec, err := scanRun(l.db.QueryRowContext(ctx, selectRunByFingerprintQuery, fp.String()))
	return rec, domain.Storage("lookup run", err)
}

func (l *RunLedger) Get(ctx context.Context, runID string) (domain.RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunRecord{}, domain.Inputf("run_id", "is required")
	}
	rec, err := scanRun(l.db.QueryRowContext(ctx, selectRunByIDQuery, runID))
	return rec, domain.Storage("get run", err)
}

// Record relies on the primary key on fingerprint: an insert that affects no
// row lost to an earlier record, which is then read back and compared.
func (l *RunLedger) Record(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	rec.RunID = strings.TrimSpace(rec.RunID)
	if err := rec.Validate(); err != nil {
		return domain.RunRecord{}, err
	}
	created := toUnixNano(rec.CreatedAt)
	updated := created
	if !rec.UpdatedAt.IsZero() {
		updated = toUnixNano(rec.UpdatedAt)
	}

	res, err := l.db.ExecContext(ctx, insertRunQuery, rec.Fingerprint.String(), rec.RunID, string(rec.Backend), created, updated)
	if err != nil {
		return domain.RunRecord{}, domain.Storage("record run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.RunRecord{}, domain.Storage("record run", err)
	}
	if n == 1 {
		rec.CreatedAt = fromUnixNano(created)
		rec.UpdatedAt = fromUnixNano(updated)
		return rec, nil
	}

	existing, err := l.Lookup(ctx, rec.Fingerprint)
	if err != nil {
		return domain.RunRecord{}, err
	}
	return repo.ResolveExisting(existing, rec)
}

func (l *RunLedger) Touch(ctx context.Context, runID string) (domain.RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunRecord{}, domain.Inputf("run_id", "is required")
	}
	res, err := l.db.ExecContext(ctx, touchRunQuery, toUnixNano(time.Now()), runID)
	if err != nil {
		return domain.RunRecord{}, domain.Storage("touch run", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.RunRecord{}, domain.Storage("touch run", err)
	} else if n == 0 {
		return domain.RunRecord{}, domain.ErrNotFound
	}
	return l.Get(ctx, runID)
}

func (l *RunLedger) Ping(ctx context.Context) error {
	return domain.Storage("ping", l.db.PingContext(ctx))
}

func scanRun(row *sql.Row) (domain.RunRecord, error) {
	var (
		rec              domain.RunRecord
		fp, backend      string
		created, updated int64
	)
	if err := row.Scan(&fp, &rec.RunID, &backend, &created, &updated); err != nil {
		return domain.RunRecord{}, handleNotFound(err)
	}
	parsed, err := domain.ParseFingerprint(fp)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("stored fingerprint %q is malformed", fp)
	}
	rec.Fingerprint = parsed
	rec.Backend = domain.Backend(backend)
	rec.CreatedAt = fromUnixNano(created)
	rec.UpdatedAt = fromUnixNano(updated)
	return rec, nil
}
