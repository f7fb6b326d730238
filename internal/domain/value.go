package domain

// Input sources recognized by the integrity guard. Values sourced from
// sector_fallback or default are placeholders by definition and are never
// allowed to carry one of the historically fabricated magic numbers.
const (
	SourceProvider       = "provider"
	SourceSectorFallback = "sector_fallback"
	SourceDefault        = "default"
)

// BannedDefaults are magic numbers historically used as fabricated
// placeholders. A Known value equal to one of these with a fallback source
// marks the whole artifact as corrupt.
var BannedDefaults = []float64{0.25, 0.30, 0.50, 1.00, 100.0, 15.0, 0.15}

// Value represents a subscore input that is either known with attribution or
// missing with a reason. Missing is never replaced by a number; subscores
// compute from known values only.
type Value struct {
	IsKnown       bool    `json:"known"`
	Val           float64 `json:"value,omitempty"`
	Source        string  `json:"source,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	MissingReason string  `json:"missing_reason,omitempty"`
}

// Known builds a present value with source attribution.
func Known(v float64, source string, confidence float64) Value {
	return Value{IsKnown: true, Val: v, Source: source, Confidence: confidence}
}

// Missing builds an absent value carrying the reason it is absent.
func Missing(reason string) Value {
	return Value{MissingReason: reason}
}

// Fabricated reports whether the value is a banned placeholder: a known value
// from a fallback source whose magnitude matches the banned-defaults set.
func (v Value) Fabricated() bool {
	if !v.IsKnown {
		return false
	}
	if v.Source != SourceSectorFallback && v.Source != SourceDefault {
		return false
	}
	for _, banned := range BannedDefaults {
		if equalWithin(v.Val, banned, 1e-9) {
			return true
		}
	}
	return false
}

func equalWithin(a, b, eps float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= eps
}
