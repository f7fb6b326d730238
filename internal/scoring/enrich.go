package scoring

import (
	"context"
	"math"

	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/pipeline"
)

// Enricher supplies externally sourced factor inputs for a set of symbols:
// the squeeze family (float, short interest, borrow, utilization), catalyst
// signals, options flow, and technical state. Implementations return inputs
// only for symbols they have real data for; the engine treats everything else
// as missing. An enricher must never coerce an absent value into a number.
type Enricher interface {
	Enrich(ctx context.Context, symbols []string, base map[string]domain.FactorInputs) (map[string]domain.FactorInputs, error)
}

// NoopEnricher leaves all externally sourced inputs missing. Used when no
// enrichment providers are configured; the engine scores on tape-derived
// inputs alone.
type NoopEnricher struct{}

func (NoopEnricher) Enrich(_ context.Context, _ []string, base map[string]domain.FactorInputs) (map[string]domain.FactorInputs, error) {
	return base, nil
}

// DeriveBaseInputs computes the tape-derived inputs for one RVOL survivor.
// The intraday VWAP is proxied by the HLC3 typical price, and the 30-minute
// relative volume by the session RVOL; both come from real observations.
// External families start Missing and stay that way unless enriched.
func DeriveBaseInputs(r pipeline.RVolResult) domain.FactorInputs {
	snap := r.Snapshot

	vwap := (snap.High + snap.Low + snap.Price) / 3
	vwapDist := 0.0
	reclaimed := false
	if vwap > 0 {
		vwapDist = math.Abs(snap.Price-vwap) / vwap
		// A price on the proxy, within float rounding, counts as reclaimed.
		reclaimed = snap.Price >= vwap || vwapDist < 1e-9
	}

	atrPct := 0.0
	if snap.Price > 0 && snap.High >= snap.Low {
		atrPct = (snap.High - snap.Low) / snap.Price
	}

	return domain.FactorInputs{
		RelVol30:      r.RVol,
		UptrendDays:   0,
		VWAPReclaimed: reclaimed,
		VWAPDistPct:   vwapDist,
		ATRPct:        atrPct,

		FloatShares:   domain.Missing("no_float_provider"),
		ShortInterest: domain.Missing("no_short_interest_provider"),
		BorrowFee:     domain.Missing("no_borrow_provider"),
		Utilization:   domain.Missing("no_utilization_provider"),
		NewsScore:     domain.Missing("no_news_provider"),
		SocialRank:    domain.Missing("no_social_provider"),
		CallPutRatio:  domain.Missing("no_options_provider"),
		IVPercentile:  domain.Missing("no_options_provider"),
	}
}
