package pipeline

import (
	"fmt"
	"strings"

	"github.com/sawpanic/equityrun/internal/domain"
)

// Stage names as they appear in traces and the debug endpoint.
const (
	StageUniverse = "universe_filter"
	StagePreRank  = "momentum_prerank"
	StageRVol     = "rvol_filter"
	StageScoring  = "scoring"
)

// Universe filter rejection reasons. Stable strings; the trace histogram
// keys on them.
const (
	ReasonPriceBelowMin  = "price_below_min"
	ReasonPriceAboveMax  = "price_above_max"
	ReasonVolumeBelowMin = "volume_below_min"
	ReasonETFToken       = "etf_token"
	ReasonLeveragedToken = "leveraged_token"
)

// UniverseConfig is the stage-1 quality gate configuration.
type UniverseConfig struct {
	PriceMin       float64 `yaml:"price_min"`
	PriceMax       float64 `yaml:"price_max"`
	MinVolume      int64   `yaml:"min_volume"`
	BlockFunds     bool    `yaml:"block_funds"`
	BlockLeveraged bool    `yaml:"block_leveraged"`
}

// DefaultUniverseConfig returns the stage-1 defaults.
func DefaultUniverseConfig() UniverseConfig {
	return UniverseConfig{
		PriceMin:       0.10,
		PriceMax:       100.0,
		MinVolume:      100_000,
		BlockFunds:     true,
		BlockLeveraged: true,
	}
}

var fundTokens = []string{"ETF", "FUND", "INDEX", "TRUST", "REIT"}

var leveragedTokens = []string{"2X", "3X", "BULL", "BEAR", "INVERSE"}

// FilterUniverse applies the stage-1 quality gate. Pure function: each
// snapshot either survives or yields exactly one rejection record carrying
// the first failed check.
func FilterUniverse(snapshots []domain.Snapshot, cfg UniverseConfig, sess domain.Session) ([]domain.Snapshot, []domain.RejectionRecord) {
	kept := make([]domain.Snapshot, 0, len(snapshots))
	var rejections []domain.RejectionRecord

	reject := func(sym, reason string) {
		rejections = append(rejections, domain.RejectionRecord{
			Symbol: sym, Stage: StageUniverse, Reason: reason, Session: sess,
		})
	}

	for _, snap := range snapshots {
		switch {
		case snap.Price < cfg.PriceMin:
			reject(snap.Symbol, ReasonPriceBelowMin)
		case snap.Price > cfg.PriceMax:
			reject(snap.Symbol, ReasonPriceAboveMax)
		case snap.Volume < cfg.MinVolume:
			reject(snap.Symbol, ReasonVolumeBelowMin)
		case cfg.BlockFunds && matchesToken(snap, fundTokens):
			reject(snap.Symbol, ReasonETFToken)
		case cfg.BlockLeveraged && matchesToken(snap, leveragedTokens):
			reject(snap.Symbol, ReasonLeveragedToken)
		default:
			kept = append(kept, snap)
		}
	}

	return kept, rejections
}

// matchesToken checks ticker and instrument name tokens against a blocklist.
func matchesToken(snap domain.Snapshot, tokens []string) bool {
	fields := strings.Fields(strings.ToUpper(snap.Name))
	for _, token := range tokens {
		if snap.Symbol == token {
			return true
		}
		for _, f := range fields {
			if strings.Trim(f, ".,()") == token {
				return true
			}
		}
	}
	return false
}

// Validate rejects nonsensical stage-1 settings at startup.
func (c UniverseConfig) Validate() error {
	if c.PriceMin < 0 || c.PriceMax <= c.PriceMin {
		return fmt.Errorf("invalid universe price band [%v, %v]", c.PriceMin, c.PriceMax)
	}
	if c.MinVolume < 0 {
		return fmt.Errorf("invalid universe min volume %d", c.MinVolume)
	}
	return nil
}
