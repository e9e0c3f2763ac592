package simulations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/episim-labs/episim-go/internal/domain"
	"github.com/episim-labs/episim-go/internal/fingerprint"
	"github.com/episim-labs/episim-go/internal/platform/auditlog"
	"github.com/episim-labs/episim-go/internal/platform/requestid"
	"github.com/episim-labs/episim-go/internal/repo"
	"github.com/episim-labs/episim-go/internal/runtimeexec"
	"github.com/episim-labs/episim-go/internal/storage/blobstore"
)

// Runner executes one simulation. *runtimeexec.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, bundle domain.InputBundle, backend domain.Backend) (runtimeexec.Result, error)
}

// BlobStore is the subset of *blobstore.Store the service needs.
type BlobStore interface {
	Put(ctx context.Context, key string, raw []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (blobstore.Info, error)
	Delete(ctx context.Context, key string) error
}

type AuditAppender interface {
	Append(ctx context.Context, event auditlog.Event) (int64, error)
}

type Options struct {
	// ArchiveInputs stores the bundle under blobstore.ParamsKey before the
	// first run of a fingerprint.
	ArchiveInputs bool
	Audit         AuditAppender
	Logger        *slog.Logger
	Now           func() time.Time
}

type Service struct {
	ledger  repo.RunLedger
	blobs   BlobStore
	runner  Runner
	archive bool
	audit   AuditAppender
	logger  *slog.Logger
	now     func() time.Time
	flights singleflight.Group
}

// Outcome is the answer to GetOrRun.
type Outcome struct {
	RunID       string
	Fingerprint domain.Fingerprint
	Backend     domain.Backend
	CacheHit    bool
}

// RunDetails describes a recorded run and its stored output.
type RunDetails struct {
	Record         domain.RunRecord
	Output         blobstore.Info
	ParamsArchived bool
}

func New(ledger repo.RunLedger, blobs BlobStore, runner Runner, opts Options) (*Service, error) {
	if ledger == nil {
		return nil, errors.New("run ledger is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		ledger:  ledger,
		blobs:   blobs,
		runner:  runner,
		archive: opts.ArchiveInputs,
		audit:   opts.Audit,
		logger:  logger,
		now:     now,
	}, nil
}

// GetOrRun returns the run id whose output answers bundle, running the
// simulation only when no run has been recorded for its fingerprint.
// An empty backend means the engine declared by the configuration, or
// domain.DefaultBackend when it declares none.
func (s *Service) GetOrRun(ctx context.Context, bundle domain.InputBundle, backend domain.Backend) (Outcome, error) {
	bundle, backend, fp, err := prepare(bundle, backend)
	if err != nil {
		return Outcome{}, err
	}

	if outcome, ok, err := s.lookup(ctx, fp); err != nil || ok {
		return outcome, err
	}

	// The flight outlives any single caller; the runner's own timeout
	// bounds it. Each caller stops waiting when its context ends.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(fp.String(), func() (any, error) {
		return s.compute(flightCtx, bundle, backend, fp)
	})
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Outcome{}, res.Err
		}
		outcome := res.Val.(Outcome)
		if res.Shared {
			s.logger.Debug("simulation shared", "run_id", outcome.RunID, "fingerprint", fp.String())
		}
		return outcome, nil
	}
}

// Fingerprint returns the cache key GetOrRun uses for bundle and backend,
// together with the resolved backend.
func Fingerprint(bundle domain.InputBundle, backend domain.Backend) (domain.Fingerprint, domain.Backend, error) {
	_, backend, fp, err := prepare(bundle, backend)
	return fp, backend, err
}

func prepare(bundle domain.InputBundle, backend domain.Backend) (domain.InputBundle, domain.Backend, domain.Fingerprint, error) {
	if err := bundle.Validate(); err != nil {
		return domain.InputBundle{}, "", domain.Fingerprint{}, err
	}
	bundle, backend, err := pinBackend(bundle, backend)
	if err != nil {
		return domain.InputBundle{}, "", domain.Fingerprint{}, err
	}
	fp, err := fingerprint.Of(bundle)
	if err != nil {
		return domain.InputBundle{}, "", domain.Fingerprint{}, err
	}
	return bundle, backend, fp, nil
}

func (s *Service) lookup(ctx context.Context, fp domain.Fingerprint) (Outcome, bool, error) {
	rec, err := s.ledger.Lookup(ctx, fp)
	if errors.Is(err, domain.ErrNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, domain.Storage("lookup run", err)
	}
	s.logger.Info("simulation cache hit", "run_id", rec.RunID, "fingerprint", fp.String(), "backend", rec.Backend)
	s.appendAudit(ctx, auditlog.ActionSimulationReused, rec)
	return Outcome{RunID: rec.RunID, Fingerprint: fp, Backend: rec.Backend, CacheHit: true}, true, nil
}

func (s *Service) compute(ctx context.Context, bundle domain.InputBundle, backend domain.Backend, fp domain.Fingerprint) (Outcome, error) {
	// A flight that finished between our lookup and Do already recorded it.
	if outcome, ok, err := s.lookup(ctx, fp); err != nil || ok {
		return outcome, err
	}
	s.logger.Info("simulation cache miss", "fingerprint", fp.String(), "backend", backend)

	if s.archive {
		s.archiveInputs(ctx, bundle, fp)
	}

	res, err := s.runner.Run(ctx, bundle, backend)
	if err != nil {
		return Outcome{}, err
	}

	key := blobstore.OutputKey(res.RunID)
	if err := s.blobs.Put(ctx, key, res.Output); err != nil {
		return Outcome{}, err
	}

	now := s.now().UTC()
	rec, err := s.ledger.Record(ctx, domain.RunRecord{
		RunID:       res.RunID,
		Fingerprint: fp,
		Backend:     backend,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		s.discard(ctx, key)
		winner := conflict.Existing
		s.logger.Info("simulation lost record race",
			"run_id", winner.RunID,
			"discarded_run_id", res.RunID,
			"fingerprint", fp.String(),
		)
		return Outcome{RunID: winner.RunID, Fingerprint: fp, Backend: winner.Backend, CacheHit: true}, nil
	case err != nil:
		s.discard(ctx, key)
		return Outcome{}, domain.Storage("record run", err)
	}

	s.logger.Info("simulation recorded",
		"run_id", rec.RunID,
		"fingerprint", fp.String(),
		"backend", backend,
		"duration_ms", res.Duration.Milliseconds(),
		"output_size", humanize.Bytes(uint64(len(res.Output))),
	)
	s.appendAudit(ctx, auditlog.ActionSimulationComputed, rec)
	return Outcome{RunID: rec.RunID, Fingerprint: fp, Backend: backend}, nil
}

func (s *Service) archiveInputs(ctx context.Context, bundle domain.InputBundle, fp domain.Fingerprint) {
	key := blobstore.ParamsKey(fp)
	exists, err := s.blobs.Exists(ctx, key)
	if err == nil && exists {
		return
	}
	if err == nil {
		var data []byte
		if data, err = bundle.Archive(); err == nil {
			err = s.blobs.Put(ctx, key, data)
		}
	}
	if err != nil {
		s.logger.Warn("parameter archive failed", "fingerprint", fp.String(), "error", err)
	}
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("discard output failed", "key", key, "error", err)
	}
}

// Output returns the decoded output of runID.
func (s *Service) Output(ctx context.Context, runID string) ([]byte, error) {
	runID, err := normalizeRunID(runID)
	if err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, blobstore.OutputKey(runID))
}

func (s *Service) Describe(ctx context.Context, runID string) (RunDetails, error) {
	runID, err := normalizeRunID(runID)
	if err != nil {
		return RunDetails{}, err
	}
	rec, err := s.ledger.Get(ctx, runID)
	if err != nil {
		return RunDetails{}, domain.Storage("get run", err)
	}
	info, err := s.blobs.Stat(ctx, blobstore.OutputKey(runID))
	if err != nil {
		return RunDetails{}, err
	}
	archived, err := s.blobs.Exists(ctx, blobstore.ParamsKey(rec.Fingerprint))
	if err != nil {
		return RunDetails{}, err
	}
	return RunDetails{Record: rec, Output: info, ParamsArchived: archived}, nil
}

// ReplaceOutput overwrites the stored output of an existing run. The run id
// and fingerprint binding are unchanged; only the content and updated_at move.
func (s *Service) ReplaceOutput(ctx context.Context, runID string, raw []byte) (domain.RunRecord, error) {
	runID, err := normalizeRunID(runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if len(raw) == 0 {
		return domain.RunRecord{}, domain.Inputf("output", "is required")
	}
	if _, err := s.ledger.Get(ctx, runID); err != nil {
		return domain.RunRecord{}, domain.Storage("get run", err)
	}
	if err := s.blobs.Put(ctx, blobstore.OutputKey(runID), raw); err != nil {
		return domain.RunRecord{}, err
	}
	rec, err := s.ledger.Touch(ctx, runID)
	if err != nil {
		return domain.RunRecord{}, domain.Storage("touch run", err)
	}
	s.logger.Info("simulation output replaced",
		"run_id", runID,
		"fingerprint", rec.Fingerprint.String(),
		"output_size", humanize.Bytes(uint64(len(raw))),
	)
	s.appendAudit(ctx, auditlog.ActionSimulationOutputReplace, rec)
	return rec, nil
}

// ParameterArchive returns the tar archive of the bundle stored for fp.
func (s *Service) ParameterArchive(ctx context.Context, fp domain.Fingerprint) ([]byte, error) {
	if fp.IsZero() {
		return nil, domain.Inputf("fingerprint", "is required")
	}
	return s.blobs.Get(ctx, blobstore.ParamsKey(fp))
}

func (s *Service) appendAudit(ctx context.Context, action string, rec domain.RunRecord) {
	if s.audit == nil {
		return
	}
	event := auditlog.SimulationEvent(action, rec.RunID, rec.Fingerprint.String(), string(rec.Backend))
	event.OccurredAt = s.now().UTC()
	event = event.WithClientFromContext(ctx)
	if id, ok := requestid.FromContext(ctx); ok {
		event.RequestID = id
	}
	if _, err := s.audit.Append(ctx, event); err != nil {
		s.logger.Warn("audit append failed", "action", action, "run_id", rec.RunID, "error", err)
	}
}

func normalizeRunID(runID string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", domain.Inputf("run_id", "is required")
	}
	if strings.Contains(runID, "/") || blobstore.ValidateKey(blobstore.OutputKey(runID)) != nil {
		return "", domain.Inputf("run_id", "%q is not a valid run id", runID)
	}
	return runID, nil
}

// pinBackend resolves the engine for bundle and writes it into the
// configuration's backend_engine, so the fingerprint covers the engine.
func pinBackend(bundle domain.InputBundle, requested domain.Backend) (domain.InputBundle, domain.Backend, error) {
	cfg, err := domain.ParseSimulationConfig(bundle.Config)
	if err != nil {
		return domain.InputBundle{}, "", err
	}
	declared := domain.Backend(strings.TrimSpace(cfg.BackendEngine))
	switch {
	case requested == "" && declared != "":
		return bundle, declared, nil
	case requested == "":
		requested = domain.DefaultBackend
	case !requested.Valid():
		return domain.InputBundle{}, "", domain.Inputf("engine", "unsupported backend %q", requested)
	case declared == requested:
		return bundle, requested, nil
	case declared != "":
		return domain.InputBundle{}, "", domain.Inputf("engine", "%s conflicts with config backend_engine %s", requested, declared)
	}

	canonical, err := fingerprint.Canonicalize(bundle.Config)
	if err != nil {
		return domain.InputBundle{}, "", &domain.InputError{Member: string(domain.MemberConfig), Reason: "not canonical JSON", Err: err}
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &doc); err != nil {
		return domain.InputBundle{}, "", &domain.InputError{Member: string(domain.MemberConfig), Reason: "invalid JSON", Err: err}
	}
	engine, err := json.Marshal(string(requested))
	if err != nil {
		return domain.InputBundle{}, "", fmt.Errorf("encode backend: %w", err)
	}
	doc["backend_engine"] = engine

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return domain.InputBundle{}, "", fmt.Errorf("encode config: %w", err)
	}
	pinned := bundle
	pinned.Config = bytes.TrimRight(buf.Bytes(), "\n")
	return pinned, requested, nil
}
