package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/admitgate/internal/admission"
	"github.com/sawpanic/admitgate/internal/config"
	"github.com/sawpanic/admitgate/internal/domain"
	"github.com/sawpanic/admitgate/internal/exposure"
	"github.com/sawpanic/admitgate/internal/persistence"
	"github.com/sawpanic/admitgate/internal/symbol"
)

// Engine is the admission surface the handlers drive. *admission.Controller
// satisfies it.
type Engine interface {
	Evaluate(ctx context.Context, intent domain.TradeIntent) *admission.Verdict
	EffectiveConfig(ctx context.Context) (config.EffectiveConfig, error)
	Exposure(ctx context.Context) (exposure.Result, error)
	ResetCooldowns(ctx context.Context) error
}

// OverrideStore accepts runtime overrides. *config.StaticSource satisfies it.
type OverrideStore interface {
	AddOverride(o config.Override)
}

// HealthCheck checks one dependency
type HealthCheck func(ctx context.Context) error

const maxBodyBytes = 64 << 10

// Handlers holds the endpoint implementations
type Handlers struct {
	engine    Engine
	overrides OverrideStore
	audit     persistence.AuditRepo
	checks    map[string]HealthCheck
	version   string
	started   time.Time
	now       func() time.Time
	maxSkew   time.Duration
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestIDFrom(r.Context()),
		Timestamp: h.now().UTC(),
	})
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// Evaluate handles POST /v1/admission/evaluate. BLOCK is a normal outcome
// and is returned with 200. A client timestamp must sit within maxSkew of
// the server clock.
func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !h.decode(w, r, &req) {
		return
	}
	intent, err := req.Intent()
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_intent", err.Error())
		return
	}
	if !intent.Timestamp.IsZero() {
		if skew := intent.Timestamp.Sub(h.now()); skew > h.maxSkew || skew < -h.maxSkew {
			h.writeError(w, r, http.StatusBadRequest, "invalid_timestamp",
				"timestamp is "+skew.Round(time.Millisecond).String()+" from server time, limit "+h.maxSkew.String())
			return
		}
	}
	if intent.RequestID == "" {
		intent.RequestID = RequestIDFrom(r.Context())
	}

	h.writeJSON(w, http.StatusOK, h.engine.Evaluate(r.Context(), intent))
}

// EffectiveConfig handles GET /v1/config/effective
func (h *Handlers) EffectiveConfig(w http.ResponseWriter, r *http.Request) {
	eff, err := h.engine.EffectiveConfig(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, admission.ReasonConfigUnavailable, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, eff)
}

// AddOverride handles POST /v1/config/overrides
func (h *Handlers) AddOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := req.Override(h.now().UTC())
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_override", err.Error())
		return
	}
	if !config.Overridable(o.Field) {
		h.writeError(w, r, http.StatusBadRequest, "unknown_field", "unknown configuration field "+strconv.Quote(o.Field))
		return
	}

	h.overrides.AddOverride(o)
	log.Info().
		Str("override_id", o.ID).
		Str("field", o.Field).
		Float64("value", o.Value).
		Time("issued_at", o.IssuedAt).
		Msg("Override registered")

	resp := OverrideAccepted{Override: o}
	if eff, err := h.engine.EffectiveConfig(r.Context()); err == nil {
		resp.Provenance = eff.Provenance[o.Field]
		resp.Applied = resp.Provenance.OverrideID == o.ID
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// Exposure handles GET /v1/exposure
func (h *Handlers) Exposure(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Exposure(r.Context())
	if err != nil {
		code := admission.ReasonFor(err)
		if code == "" {
			code = "exposure_unavailable"
		}
		h.writeError(w, r, http.StatusServiceUnavailable, code, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ResetCooldowns handles POST /v1/cooldown/reset
func (h *Handlers) ResetCooldowns(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResetCooldowns(r.Context()); err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, admission.ReasonCooldownUnavailable, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, ResetResponse{Reset: true, Timestamp: h.now().UTC()})
}

// AuditByRequest handles GET /v1/audit/{request_id}
func (h *Handlers) AuditByRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["request_id"]
	rec, err := h.audit.GetByRequestID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "audit_unavailable", err.Error())
		return
	}
	if rec == nil {
		h.writeError(w, r, http.StatusNotFound, "audit_not_found", "no decision recorded for "+id)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// AuditBySymbol handles GET /v1/audit?symbol=BTC-EUR&from=..&to=..&limit=..
func (h *Handlers) AuditBySymbol(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sym := symbol.Base(q.Get("symbol"))
	if sym == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_symbol", "symbol query parameter is required")
		return
	}
	tr, err := h.timeRange(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}
	limit := 50
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	recs, err := h.audit.ListBySymbol(r.Context(), sym, tr, limit)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "audit_unavailable", err.Error())
		return
	}
	if recs == nil {
		recs = []persistence.AuditRecord{}
	}
	h.writeJSON(w, http.StatusOK, recs)
}

// AuditSummary handles GET /v1/audit/summary?from=..&to=..
func (h *Handlers) AuditSummary(w http.ResponseWriter, r *http.Request) {
	tr, err := h.timeRange(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}
	counts, err := h.audit.CountByOutcome(r.Context(), tr)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "audit_unavailable", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, AuditSummary{From: tr.From, To: tr.To, Counts: counts})
}

// timeRange reads RFC 3339 from/to parameters, defaulting to the last 24h.
func (h *Handlers) timeRange(r *http.Request) (persistence.TimeRange, error) {
	now := h.now().UTC()
	tr := persistence.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	for name, dst := range map[string]*time.Time{"from": &tr.From, "to": &tr.To} {
		if s := r.URL.Query().Get(name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return tr, errors.New(name + " must be RFC 3339")
			}
			*dst = t.UTC()
		}
	}
	if tr.To.Before(tr.From) {
		return tr, errors.New("to precedes from")
	}
	return tr, nil
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Version:   h.version,
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAlloc:      mem.Alloc,
		},
		Checks: make(map[string]CheckResult, len(h.checks)),
	}

	for name, check := range h.checks {
		start := time.Now()
		err := check(r.Context())
		res := CheckResult{Status: "pass", Duration: time.Since(start)}
		if err != nil {
			res.Status = "fail"
			res.Message = err.Error()
			resp.Status = "unhealthy"
		}
		resp.Checks[name] = res
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
}
