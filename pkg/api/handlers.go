package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Mycelia-Labs/mycelia/core/pkg/configreg"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/intent"
	"github.com/Mycelia-Labs/mycelia/core/pkg/projection"
	"github.com/Mycelia-Labs/mycelia/core/pkg/replay"
)

// IntentLister is the read side of the intent store used for listing.
type IntentLister interface {
	FindFiltered(ctx context.Context, typ contracts.IntentType, status contracts.IntentStatus, limit int) ([]*contracts.IntentRecord, error)
}

// Server hosts the operator HTTP surface.
type Server struct {
	log        *slog.Logger
	intents    *intent.Service
	lister     IntentLister
	stream     *intent.Stream
	projection *projection.Projection
	config     *configreg.Registry
	replay     *replay.Engine
}

// NewServer wires the handlers.
func NewServer(log *slog.Logger, svc *intent.Service, lister IntentLister, stream *intent.Stream, proj *projection.Projection, config *configreg.Registry, engine *replay.Engine) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:        log,
		intents:    svc,
		lister:     lister,
		stream:     stream,
		projection: proj,
		config:     config,
		replay:     engine,
	}
}

// Routes builds the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)
	mux.HandleFunc("POST /operator/intents", s.handleSubmitIntent)
	mux.HandleFunc("GET /operator/intents", s.handleListIntents)
	mux.HandleFunc("GET /operator/intents/stream", s.handleStream)
	mux.HandleFunc("GET /operator/state", s.handleState)
	mux.HandleFunc("GET /operator/history/state", s.handleHistoryState)
	mux.HandleFunc("POST /operator/config/override", s.handleConfigOverride)
	mux.HandleFunc("POST /operator/config/rollback", s.handleConfigRollback)
	mux.HandleFunc("POST /operator/config/preset", s.handleConfigPreset)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	Status  contracts.SubmitOutcome `json:"status"`
	Intent  json.RawMessage         `json:"intent,omitempty"`
	EventID uint64                  `json:"event_id,omitempty"`
	Reasons []intent.Reason         `json:"reasons,omitempty"`
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}

	var rec contracts.IntentRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		WriteBadRequest(w, "malformed intent payload: "+err.Error())
		return
	}
	preview := r.URL.Query().Get("preview") == "true"

	res, err := s.intents.Submit(r.Context(), &rec, claims.PrimaryRole(), preview)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	switch res.Outcome {
	case contracts.OutcomeAccepted, contracts.OutcomeIdempotentHit, contracts.OutcomePreview:
		writeJSON(w, http.StatusOK, submitResponse{
			Status:  res.Outcome,
			Intent:  res.RecordJSON,
			EventID: res.EventID,
			Reasons: res.Reasons,
		})
	case contracts.OutcomeValidationFail:
		writeProblem(w, &ProblemDetail{
			Title:   "Validation Failed",
			Status:  http.StatusBadRequest,
			Detail:  "the intent payload failed schema validation",
			Code:    string(res.Outcome),
			Reasons: res.Reasons,
		})
	case contracts.OutcomeBadSignature:
		writeProblem(w, &ProblemDetail{
			Title:  "Forbidden",
			Status: http.StatusForbidden,
			Detail: "intent signature does not verify",
			Code:   string(res.Outcome),
		})
	case contracts.OutcomeForbidden:
		writeProblem(w, &ProblemDetail{
			Title:  "Forbidden",
			Status: http.StatusForbidden,
			Detail: "missing permission " + res.MissingPermission,
			Code:   string(res.Outcome),
		})
	case contracts.OutcomeStateConflict:
		writeProblem(w, &ProblemDetail{
			Title:     "Conflict",
			Status:    http.StatusConflict,
			Detail:    "supplied state_hash does not match the current world state",
			Code:      string(res.Outcome),
			StateHash: res.CurrentStateHash,
		})
	case contracts.OutcomeBlockedByCap, contracts.OutcomeBlockedBreaker:
		writeProblem(w, &ProblemDetail{
			Title:   "Unprocessable Entity",
			Status:  http.StatusUnprocessableEntity,
			Detail:  "the intent is blocked in the current system state",
			Code:    string(res.Outcome),
			Reasons: res.Reasons,
		})
	case contracts.OutcomeQueueSaturated:
		WriteServiceUnavailable(w, "intent buffer is full; retry later", 2)
	default:
		WriteInternal(w, nil)
	}
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			WriteBadRequest(w, "limit must be an integer in [1,500]")
			return
		}
		limit = n
	}

	records, err := s.lister.FindFiltered(r.Context(),
		contracts.IntentType(q.Get("type")),
		contracts.IntentStatus(q.Get("status")),
		limit,
	)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intents": records,
		"total":   len(records),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	view, err := s.projection.View(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistoryState(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("timestamp")
	if raw == "" {
		WriteBadRequest(w, "timestamp query parameter is required")
		return
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		WriteBadRequest(w, "timestamp must be RFC 3339")
		return
	}

	view, err := s.replay.ReconstructStateAt(r.Context(), at)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	// The canonical bytes go out verbatim so equal timestamps produce
	// byte-identical responses.
	_, _ = w.Write([]byte(`{"as_of":"` + view.AsOf.Format(time.RFC3339Nano) + `","state_hash":"` + view.StateHash + `","state":`))
	_, _ = w.Write(view.Canonical)
	_, _ = w.Write([]byte(`}`))
}

type overrideRequest struct {
	Key    string `json:"key"`
	Value  any    `json:"value"`
	Reason string `json:"reason"`
}

func (s *Server) handleConfigOverride(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed override payload")
		return
	}
	if req.Key == "" {
		WriteBadRequest(w, "key is required")
		return
	}

	receipt, err := s.config.CreateOverride(r.Context(), req.Key, req.Value, claims.OperatorID, req.Reason)
	if err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleConfigRollback(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		WriteBadRequest(w, "key is required")
		return
	}

	receipt, err := s.config.Rollback(r.Context(), req.Key, claims.OperatorID)
	if err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleConfigPreset(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}

	outcomes, err := s.config.ApplyPreset(r.Context(), req.Name, claims.OperatorID)
	if err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preset": req.Name, "outcomes": outcomes})
}

func writeConfigError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unknown key"), strings.Contains(msg, "unknown preset"),
		strings.Contains(msg, "no active override"):
		WriteNotFound(w, msg)
	case strings.Contains(msg, "immutable"), strings.Contains(msg, "violation"),
		strings.Contains(msg, "safety class"):
		WriteUnprocessable(w, msg)
	default:
		WriteBadRequest(w, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
