package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/episim-labs/episim-go/internal/domain"
	"github.com/episim-labs/episim-go/internal/platform/auditlog"
	"github.com/episim-labs/episim-go/internal/platform/httpserver"
	"github.com/episim-labs/episim-go/internal/platform/requestid"
	"github.com/episim-labs/episim-go/internal/service/simulations"
)

type simulationsAPI struct {
	logger    *slog.Logger
	svc       *simulations.Service
	uploadMax int64
}

func newSimulationsAPI(logger *slog.Logger, svc *simulations.Service, uploadMax int64) *simulationsAPI {
	return &simulationsAPI{logger: logger, svc: svc, uploadMax: uploadMax}
}

func (api *simulationsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /simulations", api.handleRun)
	// Path used by the dashboard before simulations were cached.
	mux.HandleFunc("POST /run_simulation", api.handleRun)
	mux.HandleFunc("GET /simulations/{run_id}", api.handleDescribe)
	mux.HandleFunc("GET /simulations/{run_id}/output", api.handleOutput)
	mux.HandleFunc("PUT /simulations/{run_id}/output", api.handleReplaceOutput)
	mux.HandleFunc("GET /parameters/{fingerprint}", api.handleParameters)
}

// auditContext attaches the caller's address and user agent to the audit
// events a request produces.
func auditContext(r *http.Request) context.Context {
	return auditlog.WithClient(r.Context(), auditlog.RequestIP(r.RemoteAddr), r.UserAgent())
}

// runRequest carries one bundle. Config is a JSON object or a string holding
// one; the CSV members are sent as text and the initial conditions as base64.
type runRequest struct {
	Engine            string          `json:"engine"`
	Config            json.RawMessage `json:"config"`
	MobilityReduction string          `json:"mobility_reduction"`
	MobilityMatrix    string          `json:"mobility_matrix"`
	Metapop           string          `json:"metapop"`
	InitConditions    string          `json:"init_conditions"`
}

func (req runRequest) bundle() (domain.InputBundle, domain.Backend, error) {
	config, err := domain.DecodeConfigString(req.Config)
	if err != nil {
		return domain.InputBundle{}, "", err
	}
	initial, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.InitConditions))
	if err != nil {
		return domain.InputBundle{}, "", &domain.InputError{Member: string(domain.MemberInitialConditions), Reason: "not base64", Err: err}
	}
	bundle := domain.InputBundle{
		Config:            config,
		MobilityReduction: []byte(req.MobilityReduction),
		MobilityMatrix:    []byte(req.MobilityMatrix),
		Metapopulation:    []byte(req.Metapop),
		InitialConditions: initial,
	}
	var backend domain.Backend
	if strings.TrimSpace(req.Engine) != "" {
		if backend, err = domain.ParseBackend(req.Engine); err != nil {
			return domain.InputBundle{}, "", err
		}
	}
	return bundle, backend, nil
}

type runResponse struct {
	Status      string `json:"status"`
	RunID       string `json:"run_id"`
	Fingerprint string `json:"fingerprint"`
	Backend     string `json:"backend"`
	CacheHit    bool   `json:"cache_hit"`
}

type runDetailsResponse struct {
	RunID          string    `json:"run_id"`
	Fingerprint    string    `json:"fingerprint"`
	Backend        string    `json:"backend"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	StoredSize     int64     `json:"stored_size"`
	ParamsArchived bool      `json:"params_archived"`
}

func (api *simulationsAPI) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	body := http.MaxBytesReader(w, r.Body, api.uploadMax)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds "+strconv.FormatInt(api.uploadMax, 10)+" bytes")
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	bundle, backend, err := req.bundle()
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	out, err := api.svc.GetOrRun(auditContext(r), bundle, backend)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, runResponse{
		Status:      "success",
		RunID:       out.RunID,
		Fingerprint: out.Fingerprint.String(),
		Backend:     string(out.Backend),
		CacheHit:    out.CacheHit,
	})
}

func (api *simulationsAPI) handleDescribe(w http.ResponseWriter, r *http.Request) {
	d, err := api.svc.Describe(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, runDetailsResponse{
		RunID:          d.Record.RunID,
		Fingerprint:    d.Record.Fingerprint.String(),
		Backend:        string(d.Record.Backend),
		CreatedAt:      d.Record.CreatedAt.UTC(),
		UpdatedAt:      d.Record.UpdatedAt.UTC(),
		StoredSize:     d.Output.Size,
		ParamsArchived: d.ParamsArchived,
	})
}

func (api *simulationsAPI) handleOutput(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	data, err := api.svc.Output(r.Context(), runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-netcdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+runID+`.nc"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleReplaceOutput overwrites the stored output of an existing run with
// the request body. The run id keeps answering the same fingerprint.
func (api *simulationsAPI) handleReplaceOutput(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.uploadMax))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "")
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	rec, err := api.svc.ReplaceOutput(auditContext(r), r.PathValue("run_id"), data)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "replaced",
		"run_id":     rec.RunID,
		"updated_at": rec.UpdatedAt.UTC(),
	})
}

func (api *simulationsAPI) handleParameters(w http.ResponseWriter, r *http.Request) {
	fp, err := domain.ParseFingerprint(r.PathValue("fingerprint"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	data, err := api.svc.ParameterArchive(r.Context(), fp)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition", `attachment; filename="`+fp.String()+`.tar"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (api *simulationsAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch kind := domain.Classify(err); kind {
	case domain.KindInput:
		httpserver.WriteError(w, r, http.StatusBadRequest, string(kind), err.Error())
	case domain.KindNotFound:
		httpserver.WriteError(w, r, http.StatusNotFound, string(kind), "")
	case domain.KindConflict:
		httpserver.WriteError(w, r, http.StatusConflict, string(kind), err.Error())
	case domain.KindExecution:
		body := map[string]any{"error": string(kind), "message": err.Error()}
		var execErr *domain.ExecutionError
		if errors.As(err, &execErr) {
			body["diagnostics"] = execErr.Diagnostics
			if execErr.ExitCode != 0 {
				body["exit_code"] = execErr.ExitCode
			}
		}
		if id, ok := requestid.FromContext(r.Context()); ok {
			body["request_id"] = id
		}
		httpserver.WriteJSON(w, http.StatusUnprocessableEntity, body)
	case domain.KindStorage, domain.KindDecode:
		api.logger.Error("simulation store failure", "kind", kind, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, string(kind), "")
	default:
		api.logger.Error("simulation request failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, string(domain.KindInternal), "")
	}
}
