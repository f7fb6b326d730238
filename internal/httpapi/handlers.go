package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/calibration"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/publish"
	"github.com/sawpanic/equityrun/internal/ratelimit"
	"github.com/sawpanic/equityrun/internal/session"
	"github.com/sawpanic/equityrun/internal/trace"
)

// ComponentChecks probe infrastructure health; each returns nil when healthy.
type ComponentChecks struct {
	DB       func(ctx context.Context) error
	Cache    func(ctx context.Context) error
	Provider func() bool
}

// Handlers serves the discovery read and calibration surfaces.
type Handlers struct {
	reader     *publish.Reader
	calib      *calibration.Store
	recorder   *trace.Recorder
	clock      session.Clock
	limiter    *ratelimit.Manager
	checks     ComponentChecks
	strategy   string
	maxDataAge time.Duration
}

// NewHandlers wires the handler set with its explicit dependencies.
func NewHandlers(reader *publish.Reader, calib *calibration.Store, recorder *trace.Recorder,
	clock session.Clock, limiter *ratelimit.Manager, checks ComponentChecks,
	strategy string, maxDataAge time.Duration) *Handlers {

	return &Handlers{
		reader:     reader,
		calib:      calib,
		recorder:   recorder,
		clock:      clock,
		limiter:    limiter,
		checks:     checks,
		strategy:   strategy,
		maxDataAge: maxDataAge,
	}
}

// resolveArtifact reads the newest artifact and applies the freshness and
// anti-fabrication contract. A degraded state is returned with the reason;
// only infrastructure failures surface as errors.
func (h *Handlers) resolveArtifact(ctx context.Context, strategy string) (*domain.ScanArtifact, string, string, error) {
	artifact, err := h.reader.Latest(ctx, strategy)
	if errors.Is(err, domain.ErrNoArtifact) {
		return nil, StateDegraded, ReasonNoArtifact, nil
	}
	if err != nil {
		return nil, "", "", err
	}

	age := h.clock.Now().Sub(artifact.GeneratedAt)
	if age > h.maxDataAge {
		return artifact, StateDegraded, ReasonStaleData, nil
	}

	// Banned-default placeholders poison the whole list, never a single row:
	// per-candidate sanitizing is how fabricated values sneak through.
	for _, c := range artifact.Candidates {
		for _, v := range c.Inputs.SourcedValues() {
			if v.Fabricated() {
				log.Error().Str("scan_id", artifact.ScanID).Str("symbol", c.Symbol).
					Msg("fabricated input detected, suppressing artifact")
				return artifact, StateDegraded, ReasonFabricated, nil
			}
		}
	}

	return artifact, StateHealthy, "", nil
}

// Contenders handles GET /discovery/contenders.
func (h *Handlers) Contenders(w http.ResponseWriter, r *http.Request) {
	strategy := h.strategyParam(r)
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	artifact, state, reason, err := h.resolveArtifact(r.Context(), strategy)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	resp := ContendersResponse{
		Candidates: []domain.Candidate{},
		Strategy:   strategy,
		Meta: Meta{
			SystemState: state,
			Reason:      reason,
			Session:     string(h.clock.Session()),
		},
	}

	if artifact != nil {
		resp.Meta.DataAgeSeconds = h.clock.Now().Sub(artifact.GeneratedAt).Seconds()
		if state == StateHealthy {
			candidates := artifact.Candidates
			if len(candidates) > limit {
				candidates = candidates[:limit]
			}
			generated := artifact.GeneratedAt
			resp.Candidates = candidates
			resp.GeneratedAt = &generated
			resp.Meta.ScanID = artifact.ScanID
			resp.Meta.Preset = artifact.Preset
			resp.Meta.WeightsHash = artifact.WeightsHash
			stats := artifact.Stats
			resp.Meta.Stats = &stats
		}
	}
	resp.Count = len(resp.Candidates)

	h.writeJSON(w, http.StatusOK, resp)
}

// ContendersRaw handles GET /discovery/contenders/raw: the stored artifact
// with no freshness or fabrication filtering, for diagnostics only.
func (h *Handlers) ContendersRaw(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.reader.Latest(r.Context(), h.strategyParam(r))
	if errors.Is(err, domain.ErrNoArtifact) {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"artifact": nil})
		return
	}
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"artifact": artifact})
}

// Debug handles GET /discovery/contenders/debug.
func (h *Handlers) Debug(w http.ResponseWriter, r *http.Request) {
	strategy := h.strategyParam(r)

	artifact, state, reason, err := h.resolveArtifact(r.Context(), strategy)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}

	profile, perr := h.calib.Get(strategy)
	if perr != nil {
		h.writeError(w, r, http.StatusNotFound, "unknown_strategy", perr.Error())
		return
	}

	resp := DebugResponse{
		Strategy:    strategy,
		SystemState: state,
		Reason:      reason,
		Weights:     profile.Weights,
		WeightsHash: profile.WeightsHash,
	}
	if artifact != nil {
		resp.DataAgeSeconds = h.clock.Now().Sub(artifact.GeneratedAt).Seconds()
	}
	if t := h.recorder.Latest(strategy); t != nil {
		resp.Trace = t
		resp.Rejections = t.RejectionHistogram()
	}
	if ov := h.calib.Override(); ov != nil {
		resp.Override = ov
	}
	if h.limiter != nil {
		resp.RateLimits = h.limiter.Snapshot()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /discovery/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{"env": "ok"}
	state := StateHealthy

	check := func(name string, fn func(ctx context.Context) error) {
		if fn == nil {
			components[name] = "unconfigured"
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			components[name] = "down"
			state = StateDegraded
			return
		}
		components[name] = "ok"
	}
	check("db", h.checks.DB)
	check("cache", h.checks.Cache)

	if h.checks.Provider != nil {
		if h.checks.Provider() {
			components["provider"] = "ok"
		} else {
			components["provider"] = "down"
			state = StateDegraded
		}
	} else {
		components["provider"] = "unconfigured"
	}

	dataAge := -1.0
	if artifact, _, _, err := h.resolveArtifact(r.Context(), h.strategy); err == nil && artifact != nil {
		dataAge = h.clock.Now().Sub(artifact.GeneratedAt).Seconds()
		if dataAge > h.maxDataAge.Seconds() {
			state = StateDegraded
		}
	} else {
		state = StateDegraded
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		SystemState:    state,
		Components:     components,
		DataAgeSeconds: dataAge,
	})
}

// CalibrationConfig handles GET /discovery/calibration/{strategy}/config.
func (h *Handlers) CalibrationConfig(w http.ResponseWriter, r *http.Request) {
	profile, err := h.calib.Get(mux.Vars(r)["strategy"])
	if err != nil {
		h.writeError(w, r, http.StatusNotFound, "unknown_strategy", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

// CalibrationPatch handles PATCH /discovery/calibration/{strategy}.
func (h *Handlers) CalibrationPatch(w http.ResponseWriter, r *http.Request) {
	var req calibration.PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "malformed_body", err.Error())
		return
	}

	profile, err := h.calib.Patch(r.Context(), mux.Vars(r)["strategy"], req)
	if err != nil {
		h.writeCalibrationError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

// CalibrationPreset handles PATCH /discovery/calibration/{strategy}/preset.
func (h *Handlers) CalibrationPreset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_preset", "query parameter 'name' is required")
		return
	}

	profile, err := h.calib.SetPreset(r.Context(), mux.Vars(r)["strategy"], name)
	if err != nil {
		h.writeCalibrationError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

// CalibrationReset handles POST /discovery/calibration/{strategy}/reset.
func (h *Handlers) CalibrationReset(w http.ResponseWriter, r *http.Request) {
	profile, err := h.calib.Reset(r.Context(), mux.Vars(r)["strategy"])
	if err != nil {
		h.writeCalibrationError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

// ForceLegacy handles POST /discovery/calibration/emergency/force-legacy.
func (h *Handlers) ForceLegacy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy   string `json:"strategy"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	// Empty body means the default rollback target.
	_ = json.NewDecoder(r.Body).Decode(&body)

	strategy := body.Strategy
	if strategy == "" {
		strategy = calibration.StrategyLegacyV0
	}

	override, err := h.calib.ForceStrategy(strategy, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		h.writeCalibrationError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, override)
}

// StrategyValidation handles GET /discovery/strategy-validation: a
// side-by-side view of the latest artifact per known strategy.
func (h *Handlers) StrategyValidation(w http.ResponseWriter, r *http.Request) {
	summaries := make([]StrategySummary, 0, 2)

	for _, strategy := range h.calib.Strategies() {
		artifact, state, _, err := h.resolveArtifact(r.Context(), strategy)
		if err != nil {
			h.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}

		summary := StrategySummary{Strategy: strategy, SystemState: state}
		if artifact != nil && state == StateHealthy {
			generated := artifact.GeneratedAt
			summary.ScanID = artifact.ScanID
			summary.GeneratedAt = &generated
			summary.Count = len(artifact.Candidates)
			summary.WeightsHash = artifact.WeightsHash
			for i, c := range artifact.Candidates {
				if i == 5 {
					break
				}
				summary.Top = append(summary.Top, TopEntry{Symbol: c.Symbol, Score: c.Score, ActionTag: c.ActionTag})
			}
		}
		summaries = append(summaries, summary)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": summaries})
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "the requested endpoint does not exist")
}

func (h *Handlers) strategyParam(r *http.Request) string {
	if s := r.URL.Query().Get("strategy"); s != "" {
		return s
	}
	return h.strategy
}

func (h *Handlers) writeCalibrationError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusUnprocessableEntity
	if errors.Is(err, domain.ErrCalibrationInvalid) {
		status = http.StatusBadRequest
	}
	h.writeError(w, r, status, "calibration_rejected", err.Error())
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value(requestIDKey).(string)
	if requestID == "" {
		requestID = "unknown"
	}

	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
}
