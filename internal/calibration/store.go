package calibration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/domain"
)

// MaxOverrideTTL caps how long an emergency override may shadow the active
// profile.
const MaxOverrideTTL = 15 * time.Minute

// EmergencyOverride forces a strategy until it expires. Expiry is a normal
// transition, not an error.
type EmergencyOverride struct {
	ForcedStrategy string    `json:"forced_strategy"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// PatchRequest is a partial calibration update. Threshold keys are merged by
// name; boolean knobs take 0 or 1.
type PatchRequest struct {
	Weights    map[string]float64 `json:"weights,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// History persists profile versions for audit; implementations may be nil-ops.
type History interface {
	Record(ctx context.Context, profile Profile, weightsHash string) error
}

// Store holds versioned calibration profiles per strategy plus the emergency
// override. Readers take an immutable snapshot; writers copy-on-write under
// the store lock and swap. Every observable transition bumps the monotonic
// version.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	presets  map[string]Preset
	override *EmergencyOverride
	version  int64
	now      func() time.Time
	history  History
}

// NewStore seeds pinned defaults for the known strategies. now may be nil for
// wall clock; history may be nil.
func NewStore(presets map[string]Preset, now func() time.Time, history History) *Store {
	if presets == nil {
		presets = BuiltinPresets()
	}
	if now == nil {
		now = time.Now
	}

	s := &Store{
		profiles: make(map[string]Profile),
		presets:  presets,
		now:      now,
		version:  1,
		history:  history,
	}
	for _, strategy := range []string{StrategyHybridV1, StrategyLegacyV0} {
		p := defaultProfile(strategy)
		p.Version = s.version
		s.profiles[strategy] = p
	}
	return s
}

// Strategies lists known strategies in stable order.
func (s *Store) Strategies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns the profile for a strategy with any unexpired emergency
// override applied.
func (s *Store) Get(strategy string) (ResolvedProfile, error) {
	s.expireOverride()

	s.mu.RLock()
	defer s.mu.RUnlock()

	effective := strategy
	overridden := false
	if s.override != nil && s.now().Before(s.override.ExpiresAt) {
		effective = s.override.ForcedStrategy
		overridden = true
	}

	p, ok := s.profiles[effective]
	if !ok {
		return ResolvedProfile{}, fmt.Errorf("%w: unknown strategy %q", domain.ErrCalibrationInvalid, effective)
	}

	return ResolvedProfile{
		Profile:     p.clone(),
		WeightsHash: HashWeights(p.Weights),
		Overridden:  overridden,
	}, nil
}

// Override returns the unexpired emergency override, or nil.
func (s *Store) Override() *EmergencyOverride {
	s.expireOverride()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.override == nil {
		return nil
	}
	ov := *s.override
	return &ov
}

// Patch merges a partial update into a strategy's profile. Weight patches are
// re-normalized when left off-sum; negative weights and percent-scale score
// thresholds are rejected with the current profile retained.
func (s *Store) Patch(ctx context.Context, strategy string, req PatchRequest) (ResolvedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.profiles[strategy]
	if !ok {
		return ResolvedProfile{}, fmt.Errorf("%w: unknown strategy %q", domain.ErrCalibrationInvalid, strategy)
	}
	next := base.clone()

	if len(req.Weights) > 0 {
		for name, v := range req.Weights {
			if !isSubscore(name) {
				return ResolvedProfile{}, fmt.Errorf("%w: unknown subscore %q", domain.ErrCalibrationInvalid, name)
			}
			if v < 0 {
				return ResolvedProfile{}, fmt.Errorf("%w: negative weight %s=%v", domain.ErrCalibrationInvalid, name, v)
			}
			next.Weights[name] = v
		}
		normalizeWeights(next.Weights)
		if err := ValidateWeights(next.Weights); err != nil {
			return ResolvedProfile{}, err
		}
	}

	for key, v := range req.Thresholds {
		if err := applyThreshold(&next.Thresholds, key, v); err != nil {
			return ResolvedProfile{}, err
		}
	}
	if err := ValidateThresholds(next.Thresholds); err != nil {
		return ResolvedProfile{}, err
	}

	return s.commit(ctx, strategy, next), nil
}

// SetPreset swaps the preset subtree for a strategy.
func (s *Store) SetPreset(ctx context.Context, strategy, name string) (ResolvedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.profiles[strategy]
	if !ok {
		return ResolvedProfile{}, fmt.Errorf("%w: unknown strategy %q", domain.ErrCalibrationInvalid, strategy)
	}
	preset, ok := s.presets[name]
	if !ok {
		return ResolvedProfile{}, fmt.Errorf("%w: unknown preset %q", domain.ErrCalibrationInvalid, name)
	}

	next := base.clone()
	next.ActivePreset = name
	next.Weights = make(Weights, len(preset.Weights))
	for k, v := range preset.Weights {
		next.Weights[k] = v
	}
	next.Thresholds = preset.Thresholds

	return s.commit(ctx, strategy, next), nil
}

// Reset restores the pinned defaults for a strategy.
func (s *Store) Reset(ctx context.Context, strategy string) (ResolvedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[strategy]; !ok {
		return ResolvedProfile{}, fmt.Errorf("%w: unknown strategy %q", domain.ErrCalibrationInvalid, strategy)
	}
	return s.commit(ctx, strategy, defaultProfile(strategy)), nil
}

// ForceStrategy installs an emergency override with a capped TTL.
func (s *Store) ForceStrategy(strategy string, ttl time.Duration) (EmergencyOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[strategy]; !ok {
		return EmergencyOverride{}, fmt.Errorf("%w: unknown strategy %q", domain.ErrCalibrationInvalid, strategy)
	}
	if ttl <= 0 || ttl > MaxOverrideTTL {
		ttl = MaxOverrideTTL
	}

	s.version++
	s.override = &EmergencyOverride{
		ForcedStrategy: strategy,
		ExpiresAt:      s.now().Add(ttl),
	}

	log.Warn().Str("forced_strategy", strategy).Time("expires_at", s.override.ExpiresAt).
		Msg("emergency strategy override installed")
	return *s.override, nil
}

// Version returns the monotonic store version.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// commit swaps in a new profile version. Caller holds the write lock.
func (s *Store) commit(ctx context.Context, strategy string, next Profile) ResolvedProfile {
	s.version++
	next.Version = s.version
	s.profiles[strategy] = next

	hash := HashWeights(next.Weights)
	if s.history != nil {
		if err := s.history.Record(ctx, next, hash); err != nil {
			log.Error().Err(err).Str("strategy", strategy).Int64("version", next.Version).
				Msg("failed to persist calibration version")
		}
	}

	log.Info().Str("strategy", strategy).Int64("version", next.Version).
		Str("preset", next.ActivePreset).Str("weights_hash", hash).
		Msg("calibration updated")

	return ResolvedProfile{Profile: next.clone(), WeightsHash: hash}
}

// expireOverride clears an expired override, bumping the version so the
// transition is observable.
func (s *Store) expireOverride() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.override != nil && !s.now().Before(s.override.ExpiresAt) {
		log.Info().Str("forced_strategy", s.override.ForcedStrategy).
			Msg("emergency override expired")
		s.override = nil
		s.version++
	}
}

func normalizeWeights(w Weights) {
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		return
	}
	for k, v := range w {
		w[k] = v / sum
	}
}

func applyThreshold(t *Thresholds, key string, v float64) error {
	switch key {
	case "min_relvol_30":
		t.MinRelVol30 = v
	case "min_atr_pct":
		t.MinATRPct = v
	case "vwap_proximity_pct":
		t.VWAPProximityPct = v
	case "min_rvol":
		t.MinRVol = v
	case "trade_ready_min":
		t.TradeReadyMin = v
	case "watchlist_min":
		t.WatchlistMin = v
	case "require_vwap_reclaim":
		t.RequireVWAPReclaim = v != 0
	case "mid_float_path_enabled":
		t.MidFloatPathEnabled = v != 0
	case "soft_pass_tolerance":
		t.SoftPass.Tolerance = v
	case "catalyst_soft_pass_min":
		t.SoftPass.CatalystMin = v
	case "max_soft_pass":
		t.SoftPass.MaxPerScan = int(v)
	case "soft_pass_penalty":
		t.SoftPass.Penalty = v
	default:
		return fmt.Errorf("%w: unknown threshold %q", domain.ErrCalibrationInvalid, key)
	}
	return nil
}
