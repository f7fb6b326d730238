package httpapi

import (
	"time"

	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/trace"
)

// System states surfaced by the read API. DEGRADED is a payload condition,
// not an HTTP error: readers still get a 200 with an empty candidate list.
const (
	StateHealthy  = "HEALTHY"
	StateDegraded = "DEGRADED"
)

// Degradation reasons.
const (
	ReasonNoArtifact = "no_artifact"
	ReasonStaleData  = "stale_artifact"
	ReasonFabricated = "fabricated_inputs_detected"
)

// Meta describes freshness and provenance of a contenders response.
type Meta struct {
	SystemState    string            `json:"system_state"`
	Reason         string            `json:"reason,omitempty"`
	ScanID         string            `json:"scan_id,omitempty"`
	Preset         string            `json:"preset,omitempty"`
	WeightsHash    string            `json:"weights_hash,omitempty"`
	DataAgeSeconds float64           `json:"data_age_seconds"`
	Session        string            `json:"session"`
	Stats          *domain.ScanStats `json:"stats,omitempty"`
}

// ContendersResponse is the primary read contract.
type ContendersResponse struct {
	Candidates  []domain.Candidate `json:"candidates"`
	Count       int                `json:"count"`
	Strategy    string             `json:"strategy"`
	GeneratedAt *time.Time         `json:"generated_at,omitempty"`
	Meta        Meta               `json:"meta"`
}

// DebugResponse is the diagnostics contract.
type DebugResponse struct {
	Strategy       string             `json:"strategy"`
	SystemState    string             `json:"system_state"`
	Reason         string             `json:"reason,omitempty"`
	DataAgeSeconds float64            `json:"data_age_seconds"`
	Trace          *trace.ScanTrace   `json:"trace,omitempty"`
	Rejections     map[string]int     `json:"rejection_histogram,omitempty"`
	Weights        map[string]float64 `json:"resolved_weights"`
	WeightsHash    string             `json:"weights_hash"`
	Override       interface{}        `json:"emergency_override,omitempty"`
	RateLimits     interface{}        `json:"rate_limits,omitempty"`
}

// HealthResponse reports component health.
type HealthResponse struct {
	SystemState    string            `json:"system_state"`
	Components     map[string]string `json:"components"`
	DataAgeSeconds float64           `json:"data_age_seconds"`
}

// StrategySummary is one row of the strategy-validation comparison.
type StrategySummary struct {
	Strategy    string     `json:"strategy"`
	SystemState string     `json:"system_state"`
	ScanID      string     `json:"scan_id,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
	Count       int        `json:"count"`
	Top         []TopEntry `json:"top,omitempty"`
	WeightsHash string     `json:"weights_hash,omitempty"`
}

// TopEntry is a compact leader-board row.
type TopEntry struct {
	Symbol    string           `json:"symbol"`
	Score     float64          `json:"score"`
	ActionTag domain.ActionTag `json:"action_tag"`
}

// ErrorResponse is the standard error envelope for infrastructure failures.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
