package scoring

import (
	"github.com/sawpanic/equityrun/internal/domain"
)

// Normalization ceilings for raw inputs. Values at or above the ceiling map
// to a full 1.0 component.
const (
	relVolCeiling   = 5.0  // 5x 30-min relative volume saturates
	uptrendCeiling  = 5.0  // days
	atrCeiling      = 0.10 // 10% daily range saturates
	shortIntCeiling = 0.40 // 40% short interest saturates
	borrowCeiling   = 0.50 // 50% annualized borrow fee saturates
	callPutCeiling  = 3.0
)

// computeSubscores maps raw factor inputs to the five normalized subscores.
// Missing inputs contribute zero and are reported by name; they are never
// replaced with a default.
func computeSubscores(in domain.FactorInputs) (domain.Subscores, []string) {
	var missing []string

	sub := domain.Subscores{
		VolumeMomentum: volumeMomentum(in),
		Technical:      technical(in),
	}
	sub.Squeeze, missing = squeeze(in, missing)
	sub.Catalyst, missing = catalyst(in, missing)
	sub.Options, missing = options(in, missing)

	return sub, missing
}

// volumeMomentum composites 30-min relative volume, consecutive uptrend days,
// VWAP reclaim and ATR%.
func volumeMomentum(in domain.FactorInputs) float64 {
	score := 0.40 * clamp01(in.RelVol30/relVolCeiling)
	score += 0.20 * clamp01(float64(in.UptrendDays)/uptrendCeiling)
	if in.VWAPReclaimed {
		score += 0.20
	}
	score += 0.20 * clamp01(in.ATRPct/atrCeiling)
	return clamp01(score)
}

// squeeze multiplies float tightness, short interest, borrow-fee proxy and
// utilization. All four must be present with attribution; otherwise the
// subscore is zero and the absent inputs are flagged.
func squeeze(in domain.FactorInputs, missing []string) (float64, []string) {
	required := []struct {
		name string
		val  domain.Value
	}{
		{"float_shares", in.FloatShares},
		{"short_interest", in.ShortInterest},
		{"borrow_fee", in.BorrowFee},
		{"utilization", in.Utilization},
	}
	absent := false
	for _, r := range required {
		if !r.val.IsKnown || r.val.Source == "" {
			missing = append(missing, r.name)
			absent = true
		}
	}
	if absent {
		return 0, missing
	}

	floatFactor := 0.0
	switch domain.ClassifyFloat(in.FloatShares.Val) {
	case domain.FloatSmall:
		floatFactor = 1.0
	case domain.FloatMid:
		floatFactor = 0.6
	case domain.FloatLarge:
		floatFactor = 0.3
	}

	score := floatFactor *
		clamp01(in.ShortInterest.Val/shortIntCeiling) *
		clamp01(in.BorrowFee.Val/borrowCeiling) *
		clamp01(in.Utilization.Val)
	return clamp01(score), missing
}

// catalyst blends the news signal with social rank; zero when absent.
func catalyst(in domain.FactorInputs, missing []string) (float64, []string) {
	score := 0.0
	if in.NewsScore.IsKnown {
		score += 0.60 * clamp01(in.NewsScore.Val)
	} else {
		missing = append(missing, "news_score")
	}
	if in.SocialRank.IsKnown {
		score += 0.40 * clamp01(in.SocialRank.Val)
	} else {
		missing = append(missing, "social_rank")
	}
	return clamp01(score), missing
}

// options blends call/put ratio with IV percentile; zero when absent.
func options(in domain.FactorInputs, missing []string) (float64, []string) {
	score := 0.0
	if in.CallPutRatio.IsKnown {
		score += 0.50 * clamp01(in.CallPutRatio.Val/callPutCeiling)
	} else {
		missing = append(missing, "call_put_ratio")
	}
	if in.IVPercentile.IsKnown {
		score += 0.50 * clamp01(in.IVPercentile.Val/100.0)
	} else {
		missing = append(missing, "iv_percentile")
	}
	return clamp01(score), missing
}

// technical scores EMA-cross state and RSI band membership.
func technical(in domain.FactorInputs) float64 {
	score := 0.0
	if in.EMACrossBull {
		score += 0.60
	}
	// Momentum band: strong but not blown out.
	if in.RSI >= 55 && in.RSI <= 75 {
		score += 0.40
	} else if in.RSI > 75 && in.RSI <= 85 {
		score += 0.20
	}
	return clamp01(score)
}

// composite applies calibration weights to subscores.
func composite(sub domain.Subscores, weights map[string]float64) float64 {
	score := weights["volume_momentum"]*sub.VolumeMomentum +
		weights["squeeze"]*sub.Squeeze +
		weights["catalyst"]*sub.Catalyst +
		weights["options"]*sub.Options +
		weights["technical"]*sub.Technical
	return clamp01(score)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
