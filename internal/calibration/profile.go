package calibration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/sawpanic/equityrun/internal/domain"
)

// WeightSumTolerance bounds |sum(weights) - 1| for a valid weight map.
const WeightSumTolerance = 1e-6

// Weights maps subscore name to its share of the composite score.
type Weights map[string]float64

// SoftPassPolicy admits near-miss candidates under an explicit cap.
type SoftPassPolicy struct {
	Tolerance   float64 `json:"tolerance" yaml:"tolerance"`
	CatalystMin float64 `json:"catalyst_min" yaml:"catalyst_min"`
	MaxPerScan  int     `json:"max_per_scan" yaml:"max_per_scan"`
	Penalty     float64 `json:"penalty" yaml:"penalty"`
}

// Thresholds are the gatekeeping knobs read by the scoring engine. Score
// thresholds are fractions in (0,1]; legacy percent-scale values are rejected
// at validation.
type Thresholds struct {
	MinRelVol30         float64        `json:"min_relvol_30" yaml:"min_relvol_30"`
	MinATRPct           float64        `json:"min_atr_pct" yaml:"min_atr_pct"`
	RequireVWAPReclaim  bool           `json:"require_vwap_reclaim" yaml:"require_vwap_reclaim"`
	VWAPProximityPct    float64        `json:"vwap_proximity_pct" yaml:"vwap_proximity_pct"`
	MidFloatPathEnabled bool           `json:"mid_float_path_enabled" yaml:"mid_float_path_enabled"`
	MinRVol             float64        `json:"min_rvol" yaml:"min_rvol"`
	TradeReadyMin       float64        `json:"trade_ready_min" yaml:"trade_ready_min"`
	WatchlistMin        float64        `json:"watchlist_min" yaml:"watchlist_min"`
	SoftPass            SoftPassPolicy `json:"soft_pass" yaml:"soft_pass"`
}

// SessionOverride relaxes or tightens selected thresholds for one session.
// Nil fields leave the base threshold untouched.
type SessionOverride struct {
	MinRelVol30 *float64 `json:"min_relvol_30,omitempty" yaml:"min_relvol_30,omitempty"`
	MinATRPct   *float64 `json:"min_atr_pct,omitempty" yaml:"min_atr_pct,omitempty"`
	MinRVol     *float64 `json:"min_rvol,omitempty" yaml:"min_rvol,omitempty"`
}

// Profile is one immutable calibration version. Updates copy, never mutate.
type Profile struct {
	Version          int64                              `json:"version"`
	Strategy         string                             `json:"strategy"`
	ActivePreset     string                             `json:"active_preset"`
	Weights          Weights                            `json:"weights"`
	Thresholds       Thresholds                         `json:"thresholds"`
	SessionOverrides map[domain.Session]SessionOverride `json:"session_overrides,omitempty"`
}

// ResolvedProfile is what readers bind at scan start: the active profile with
// any unexpired emergency override applied, plus its canonical weights hash.
type ResolvedProfile struct {
	Profile
	WeightsHash string `json:"weights_hash"`
	Overridden  bool   `json:"overridden"`
}

// EffectiveThresholds merges the session override onto the base thresholds.
func (p Profile) EffectiveThresholds(sess domain.Session) Thresholds {
	t := p.Thresholds
	ov, ok := p.SessionOverrides[sess]
	if !ok {
		return t
	}
	if ov.MinRelVol30 != nil {
		t.MinRelVol30 = *ov.MinRelVol30
	}
	if ov.MinATRPct != nil {
		t.MinATRPct = *ov.MinATRPct
	}
	if ov.MinRVol != nil {
		t.MinRVol = *ov.MinRVol
	}
	return t
}

// clone deep-copies a profile so stored versions stay immutable.
func (p Profile) clone() Profile {
	out := p
	out.Weights = make(Weights, len(p.Weights))
	for k, v := range p.Weights {
		out.Weights[k] = v
	}
	out.SessionOverrides = make(map[domain.Session]SessionOverride, len(p.SessionOverrides))
	for k, v := range p.SessionOverrides {
		out.SessionOverrides[k] = v
	}
	return out
}

// HashWeights produces the canonical hash of a resolved weight map, attached
// to every candidate for drift detection.
func HashWeights(w Weights) string {
	parts := make([]string, 0, len(domain.SubscoreNames))
	for _, name := range domain.SubscoreNames {
		parts = append(parts, fmt.Sprintf("%s=%.6f", name, w[name]))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])[:16]
}

// ValidateWeights checks completeness, non-negativity and unit sum.
func ValidateWeights(w Weights) error {
	sum := 0.0
	for _, name := range domain.SubscoreNames {
		v, ok := w[name]
		if !ok {
			return fmt.Errorf("%w: missing weight %q", domain.ErrCalibrationInvalid, name)
		}
		if v < 0 {
			return fmt.Errorf("%w: negative weight %s=%v", domain.ErrCalibrationInvalid, name, v)
		}
		if v > 1 {
			return fmt.Errorf("%w: weight %s=%v looks percent-scaled, expected fraction", domain.ErrCalibrationInvalid, name, v)
		}
		sum += v
	}
	for name := range w {
		if !isSubscore(name) {
			return fmt.Errorf("%w: unknown subscore %q", domain.ErrCalibrationInvalid, name)
		}
	}
	if math.Abs(sum-1) > WeightSumTolerance {
		return fmt.Errorf("%w: weights sum to %v, expected 1.0", domain.ErrCalibrationInvalid, sum)
	}
	return nil
}

// ValidateThresholds rejects legacy percent-scale score thresholds and
// inconsistent entry rules.
func ValidateThresholds(t Thresholds) error {
	for name, v := range map[string]float64{
		"trade_ready_min":        t.TradeReadyMin,
		"watchlist_min":          t.WatchlistMin,
		"soft_pass.catalyst_min": t.SoftPass.CatalystMin,
		"soft_pass.penalty":      t.SoftPass.Penalty,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v outside [0,1]; legacy percent thresholds are rejected", domain.ErrCalibrationInvalid, name, v)
		}
	}
	if t.TradeReadyMin < t.WatchlistMin {
		return fmt.Errorf("%w: trade_ready_min %v below watchlist_min %v", domain.ErrCalibrationInvalid, t.TradeReadyMin, t.WatchlistMin)
	}
	if t.MinRVol <= 0 || t.MinRelVol30 < 0 || t.MinATRPct < 0 || t.VWAPProximityPct < 0 {
		return fmt.Errorf("%w: negative or zero gate threshold", domain.ErrCalibrationInvalid)
	}
	if t.SoftPass.MaxPerScan < 0 || t.SoftPass.Tolerance < 0 {
		return fmt.Errorf("%w: negative soft-pass policy", domain.ErrCalibrationInvalid)
	}
	return nil
}

func isSubscore(name string) bool {
	for _, s := range domain.SubscoreNames {
		if s == name {
			return true
		}
	}
	return false
}
