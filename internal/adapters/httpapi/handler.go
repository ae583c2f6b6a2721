package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/alejandrodnm/expgov/internal/ports"
)

const (
	defaultDecisionLimit = 100
	maxDecisionLimit     = 500
)

// Handler contiene los handlers HTTP del engine.
type Handler struct {
	deps Deps
}

// NewHandler crea un Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Health responde 200 si el store contesta.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ping != nil {
		if err := h.deps.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Tick ejecuta un tick del experimento.
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Engine.Tick(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// evaluateRequest es el body opcional de POST /experiments/{id}/evaluate.
type evaluateRequest struct {
	UserID string `json:"userId"`
}

// Evaluate corre la evaluación de significancia del experimento.
// El actor sale del body {"userId"} o del header X-User-ID.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
			return
		}
	}
	actor := req.UserID
	if actor == "" {
		actor = r.Header.Get("X-User-ID")
	}

	res, err := h.deps.Engine.Evaluate(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sweep hace tick de todos los experimentos RUNNING.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Engine.Sweep(r.Context()))
}

// EvaluateRunning evalúa todos los experimentos RUNNING.
func (h *Handler) EvaluateRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Engine.EvaluateRunning(r.Context()))
}

// GetExperiment devuelve la definición y el estado actual.
func (h *Handler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.loadExperiment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// exportResponse es el rastro completo de un experimento.
type exportResponse struct {
	Experiment domain.Experiment         `json:"experiment"`
	Runs       []domain.ExperimentRun    `json:"runs"`
	Snapshots  []domain.EvidenceSnapshot `json:"snapshots"`
	Decisions  []domain.DecisionLog      `json:"decisions"`
}

// Export devuelve experimento, runs, snapshots y las decisiones que los referencian.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.loadExperiment(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	runs, err := h.deps.Audits.ListRuns(ctx, exp.ID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("httpapi.Export: %w", err))
		return
	}
	snaps, err := h.deps.Audits.ListSnapshots(ctx, exp.ID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("httpapi.Export: %w", err))
		return
	}
	logs, err := h.deps.Audits.ListDecisionLogs(ctx, exp.ProjectID, maxDecisionLimit)
	if err != nil {
		writeDomainError(w, fmt.Errorf("httpapi.Export: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, exportResponse{
		Experiment: exp,
		Runs:       nonNil(runs),
		Snapshots:  nonNil(snaps),
		Decisions:  nonNil(decisionsFor(logs, runs, snaps)),
	})
}

// Decisions lista las últimas decisiones del proyecto (?limit=, por defecto 100).
func (h *Handler) Decisions(w http.ResponseWriter, r *http.Request) {
	limit := defaultDecisionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxDecisionLimit)
	}

	logs, err := h.deps.Audits.ListDecisionLogs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeDomainError(w, fmt.Errorf("httpapi.Decisions: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": nonNil(logs)})
}

func (h *Handler) loadExperiment(w http.ResponseWriter, r *http.Request) (domain.Experiment, bool) {
	id := chi.URLParam(r, "id")
	exp, err := h.deps.Experiments.GetExperiment(r.Context(), id)
	if errors.Is(err, ports.ErrNotFound) {
		writeDomainError(w, domain.NotFound("httpapi.loadExperiment", "experiment %s", id))
		return domain.Experiment{}, false
	}
	if err != nil {
		writeDomainError(w, fmt.Errorf("httpapi.loadExperiment: %w", err))
		return domain.Experiment{}, false
	}
	return exp, true
}

// decisionsFor filtra las decisiones que referencian runs o snapshots del experimento.
func decisionsFor(logs []domain.DecisionLog, runs []domain.ExperimentRun, snaps []domain.EvidenceSnapshot) []domain.DecisionLog {
	refs := make(map[string]bool, len(runs)+len(snaps))
	for _, run := range runs {
		refs[run.ID] = true
	}
	for _, s := range snaps {
		refs[s.ID] = true
	}

	var out []domain.DecisionLog
	for _, l := range logs {
		match := l.EvidenceRefs.RunID != "" && refs[l.EvidenceRefs.RunID]
		for _, id := range l.EvidenceRefs.SnapshotIDs {
			match = match || refs[id]
		}
		if match {
			out = append(out, l)
		}
	}
	return out
}

// statusFor traduce el tipo de error del engine a un status HTTP.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindPersistence:
		return http.StatusServiceUnavailable
	case domain.KindPartialData:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		slog.Error("httpapi: request failed", "kind", kind, "err", err)
	}
	writeError(w, status, string(kind), err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: encode response", "err", err)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
