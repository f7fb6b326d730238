package scoring

import (
	"sync/atomic"

	"github.com/sawpanic/equityrun/internal/calibration"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/pipeline"
)

// Gate rejection reasons, in gate order. The first failed gate rejects.
const (
	ReasonRelVolBelowMin  = "relvol30_below_min"
	ReasonATRBelowMin     = "atr_below_min"
	ReasonVWAPNotReclaim  = "vwap_not_reclaimed"
	ReasonFloatPathBlock  = "float_path_blocked"
	ReasonScoreBelowFloor = "score_below_watchlist"
)

// Engine scores RVOL survivors against a calibration snapshot bound at scan
// start. One engine serves a single scan; the soft-pass counter is atomic so
// sharded scoring can share it.
type Engine struct {
	profile    calibration.ResolvedProfile
	thresholds calibration.Thresholds
	session    domain.Session
	scanID     string

	softPassUsed atomic.Int32
}

// NewEngine binds a scan to its calibration snapshot and session. Session
// overrides are merged onto base thresholds here, once, so mid-scan
// calibration writes cannot drift the run.
func NewEngine(profile calibration.ResolvedProfile, sess domain.Session, scanID string) *Engine {
	return &Engine{
		profile:    profile,
		thresholds: profile.EffectiveThresholds(sess),
		session:    sess,
		scanID:     scanID,
	}
}

// Thresholds returns the session-merged thresholds the engine evaluates with.
func (e *Engine) Thresholds() calibration.Thresholds {
	return e.thresholds
}

// Score evaluates one survivor. It returns the candidate (action-tagged) and
// nil, or the zero candidate and a rejection record when a hard gate fails.
func (e *Engine) Score(result pipeline.RVolResult, inputs domain.FactorInputs) (domain.Candidate, *domain.RejectionRecord) {
	t := e.thresholds
	snap := result.Snapshot

	subscores, missing := computeSubscores(inputs)
	score := composite(subscores, e.profile.Weights)

	gateFailure, nearMiss := e.evaluateGates(result, inputs)

	softPass := false
	if gateFailure != "" {
		if !e.trySoftPass(nearMiss, subscores.Catalyst) {
			return domain.Candidate{}, e.reject(snap.Symbol, gateFailure)
		}
		softPass = true
	}

	// Gate 4: float structure path.
	midFloatAlt, ok := e.floatPath(inputs)
	if !ok {
		return domain.Candidate{}, e.reject(snap.Symbol, ReasonFloatPathBlock)
	}

	// Gate 5: entry floor.
	if score < t.WatchlistMin {
		return domain.Candidate{}, e.reject(snap.Symbol, ReasonScoreBelowFloor)
	}

	tradeReadyMin := t.TradeReadyMin
	if softPass {
		tradeReadyMin += t.SoftPass.Penalty
	}

	tag := domain.TagWatchlist
	if score >= tradeReadyMin {
		tag = domain.TagTradeReady
	}

	return domain.Candidate{
		Symbol:        snap.Symbol,
		ScanID:        e.scanID,
		Price:         snap.Price,
		RVol:          result.RVol,
		ATRPct:        inputs.ATRPct,
		RelVol30:      inputs.RelVol30,
		VWAPHeld:      inputs.VWAPReclaimed,
		FloatClass:    floatClassOf(inputs),
		Inputs:        inputs,
		MissingInputs: missing,
		Subscores:     subscores,
		Score:         score,
		ActionTag:     tag,
		SoftPass:      softPass,
		MidFloatAlt:   midFloatAlt,
		Strategy:      e.profile.Strategy,
		Preset:        e.profile.ActivePreset,
		WeightsHash:   e.profile.WeightsHash,
	}, nil
}

// evaluateGates runs hard gates 1-3 in order. It returns the first failure
// reason (empty when all pass) and whether that single failure was within the
// soft-pass tolerance with every other gate passing.
func (e *Engine) evaluateGates(result pipeline.RVolResult, in domain.FactorInputs) (string, bool) {
	t := e.thresholds

	type gateCheck struct {
		reason   string
		pass     bool
		nearMiss bool
	}

	vwapPass := in.VWAPReclaimed ||
		!t.RequireVWAPReclaim ||
		in.VWAPDistPct <= t.VWAPProximityPct

	checks := []gateCheck{
		{
			reason:   ReasonRelVolBelowMin,
			pass:     in.RelVol30 >= t.MinRelVol30,
			nearMiss: in.RelVol30 >= t.MinRelVol30*(1-t.SoftPass.Tolerance),
		},
		{
			reason:   ReasonATRBelowMin,
			pass:     in.ATRPct >= t.MinATRPct,
			nearMiss: in.ATRPct >= t.MinATRPct*(1-t.SoftPass.Tolerance),
		},
		{
			reason:   ReasonVWAPNotReclaim,
			pass:     vwapPass,
			nearMiss: in.VWAPDistPct <= t.VWAPProximityPct*(1+t.SoftPass.Tolerance),
		},
	}

	failures := 0
	firstFailure := ""
	firstNearMiss := false
	for _, c := range checks {
		if c.pass {
			continue
		}
		failures++
		if firstFailure == "" {
			firstFailure = c.reason
			firstNearMiss = c.nearMiss
		}
	}

	return firstFailure, failures == 1 && firstNearMiss
}

// trySoftPass admits a single near-miss under the catalyst floor and the
// per-scan cap. A cap of zero disables soft passes entirely.
func (e *Engine) trySoftPass(nearMiss bool, catalystScore float64) bool {
	t := e.thresholds.SoftPass
	if !nearMiss || t.MaxPerScan <= 0 || catalystScore < t.CatalystMin {
		return false
	}

	for {
		used := e.softPassUsed.Load()
		if int(used) >= t.MaxPerScan {
			return false
		}
		if e.softPassUsed.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

// floatPath evaluates gate 4. Admission paths: small float, large float with
// strong tape metrics, or mid float when the alternate path is enabled.
// Unknown float is admitted: absence of structure data is not evidence of a
// blocked structure, and fabricating a class would be worse.
func (e *Engine) floatPath(in domain.FactorInputs) (midFloatAlt bool, ok bool) {
	t := e.thresholds

	switch floatClassOf(in) {
	case domain.FloatSmall, domain.FloatUnknown:
		return false, true
	case domain.FloatLarge:
		strong := in.RelVol30 >= 2*t.MinRelVol30 && in.ATRPct >= 1.5*t.MinATRPct
		return false, strong
	case domain.FloatMid:
		return true, t.MidFloatPathEnabled
	}
	return false, false
}

func floatClassOf(in domain.FactorInputs) domain.FloatClass {
	if !in.FloatShares.IsKnown {
		return domain.FloatUnknown
	}
	return domain.ClassifyFloat(in.FloatShares.Val)
}

func (e *Engine) reject(symbol, reason string) *domain.RejectionRecord {
	return &domain.RejectionRecord{
		Symbol:  symbol,
		Stage:   pipeline.StageScoring,
		Reason:  reason,
		Session: e.session,
	}
}
