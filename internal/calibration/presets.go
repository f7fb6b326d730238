package calibration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/equityrun/internal/domain"
)

// Built-in preset names. A preset is a named bundle of weights and
// thresholds selectable without editing individual fields.
const (
	PresetBalancedDefault   = "balanced_default"
	PresetSqueezeAggressive = "squeeze_aggressive"
	PresetCatalystHeavy     = "catalyst_heavy"
	PresetLegacyV0          = "legacy_v0"
)

// Known strategies. Both share the scoring engine and differ only in preset
// defaults; legacy_v0 exists for emergency rollback.
const (
	StrategyHybridV1 = "hybrid_v1"
	StrategyLegacyV0 = "legacy_v0"
)

// Preset bundles weights with a threshold overlay.
type Preset struct {
	Weights    Weights    `yaml:"weights"`
	Thresholds Thresholds `yaml:"thresholds"`
}

func defaultThresholds() Thresholds {
	return Thresholds{
		MinRelVol30:         2.5,
		MinATRPct:           0.04,
		RequireVWAPReclaim:  true,
		VWAPProximityPct:    0.005,
		MidFloatPathEnabled: true,
		MinRVol:             1.5,
		TradeReadyMin:       0.75,
		WatchlistMin:        0.70,
		SoftPass: SoftPassPolicy{
			Tolerance:   0.10,
			CatalystMin: 0.70,
			MaxPerScan:  0,
			Penalty:     0.05,
		},
	}
}

// BuiltinPresets returns the pinned preset catalog.
func BuiltinPresets() map[string]Preset {
	balanced := Preset{
		Weights: Weights{
			"volume_momentum": 0.35,
			"squeeze":         0.25,
			"catalyst":        0.20,
			"options":         0.10,
			"technical":       0.10,
		},
		Thresholds: defaultThresholds(),
	}

	squeeze := Preset{
		Weights: Weights{
			"volume_momentum": 0.30,
			"squeeze":         0.40,
			"catalyst":        0.15,
			"options":         0.10,
			"technical":       0.05,
		},
		Thresholds: defaultThresholds(),
	}
	squeeze.Thresholds.MinRelVol30 = 2.0

	catalyst := Preset{
		Weights: Weights{
			"volume_momentum": 0.30,
			"squeeze":         0.15,
			"catalyst":        0.35,
			"options":         0.10,
			"technical":       0.10,
		},
		Thresholds: defaultThresholds(),
	}
	catalyst.Thresholds.SoftPass.MaxPerScan = 3

	legacy := Preset{
		Weights: Weights{
			"volume_momentum": 0.50,
			"squeeze":         0.15,
			"catalyst":        0.15,
			"options":         0.05,
			"technical":       0.15,
		},
		Thresholds: defaultThresholds(),
	}
	legacy.Thresholds.RequireVWAPReclaim = false
	legacy.Thresholds.MinRelVol30 = 2.0
	legacy.Thresholds.MidFloatPathEnabled = false

	return map[string]Preset{
		PresetBalancedDefault:   balanced,
		PresetSqueezeAggressive: squeeze,
		PresetCatalystHeavy:     catalyst,
		PresetLegacyV0:          legacy,
	}
}

// defaultProfile builds the pinned base profile for a strategy.
func defaultProfile(strategy string) Profile {
	presets := BuiltinPresets()
	presetName := PresetBalancedDefault
	if strategy == StrategyLegacyV0 {
		presetName = PresetLegacyV0
	}
	preset := presets[presetName]

	relaxedRelVol := 1.8
	relaxedATR := 0.03

	return Profile{
		Version:      1,
		Strategy:     strategy,
		ActivePreset: presetName,
		Weights:      preset.Weights,
		Thresholds:   preset.Thresholds,
		SessionOverrides: map[domain.Session]SessionOverride{
			domain.SessionPremarket:  {MinRelVol30: &relaxedRelVol, MinATRPct: &relaxedATR},
			domain.SessionAfterhours: {MinRelVol30: &relaxedRelVol},
		},
	}
}

// LoadPresetFile merges preset overrides from a YAML file over the builtin
// catalog. Unknown subscore names or invalid weight sums fail the load.
func LoadPresetFile(path string) (map[string]Preset, error) {
	catalog := BuiltinPresets()
	if path == "" {
		return catalog, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}

	var fromFile map[string]Preset
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse preset file: %w", err)
	}

	for name, preset := range fromFile {
		if err := ValidateWeights(preset.Weights); err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
		if err := ValidateThresholds(preset.Thresholds); err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
		catalog[name] = preset
	}
	return catalog, nil
}
