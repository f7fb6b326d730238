package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/calibration"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/pipeline"
)

func testProfile(t *testing.T, strategy string) calibration.ResolvedProfile {
	t.Helper()
	store := calibration.NewStore(nil, nil, nil)
	profile, err := store.Get(strategy)
	require.NoError(t, err)
	return profile
}

func winnerResult() pipeline.RVolResult {
	return pipeline.RVolResult{
		Snapshot: domain.Snapshot{Symbol: "VIGL", Price: 3.20, Volume: 9_400_000},
		RVol:     20.9,
		Avg20d:   450_000,
	}
}

func winnerInputs() domain.FactorInputs {
	return domain.FactorInputs{
		RelVol30:      20.9,
		UptrendDays:   3,
		VWAPReclaimed: true,
		VWAPDistPct:   0.001,
		ATRPct:        0.08,

		FloatShares:   domain.Known(12_000_000, domain.SourceProvider, 0.95),
		ShortInterest: domain.Known(0.35, domain.SourceProvider, 0.9),
		BorrowFee:     domain.Known(0.40, domain.SourceProvider, 0.9),
		Utilization:   domain.Known(0.90, domain.SourceProvider, 0.9),
		NewsScore:     domain.Known(0.90, domain.SourceProvider, 0.8),
		SocialRank:    domain.Known(0.80, domain.SourceProvider, 0.8),
		CallPutRatio:  domain.Known(2.40, domain.SourceProvider, 0.9),
		IVPercentile:  domain.Known(85, domain.SourceProvider, 0.9),

		EMACrossBull: true,
		RSI:          65,
	}
}

func TestEngine_WinnerDetection(t *testing.T) {
	profile := testProfile(t, calibration.StrategyHybridV1)
	engine := NewEngine(profile, domain.SessionRegular, "scan-1")

	candidate, rejection := engine.Score(winnerResult(), winnerInputs())

	require.Nil(t, rejection)
	assert.Equal(t, "VIGL", candidate.Symbol)
	assert.GreaterOrEqual(t, candidate.Score, 0.75)
	assert.LessOrEqual(t, candidate.Score, 1.0)
	assert.Equal(t, domain.TagTradeReady, candidate.ActionTag)
	assert.Equal(t, domain.FloatSmall, candidate.FloatClass)
	assert.False(t, candidate.SoftPass)
	assert.Equal(t, profile.WeightsHash, candidate.WeightsHash)
	assert.InDelta(t, 20.9, candidate.RVol, 0.05)
}

func TestEngine_ScoreIsWeightedSum(t *testing.T) {
	profile := testProfile(t, calibration.StrategyHybridV1)
	engine := NewEngine(profile, domain.SessionRegular, "scan-1")

	candidate, rejection := engine.Score(winnerResult(), winnerInputs())
	require.Nil(t, rejection)

	sub := candidate.Subscores
	w := profile.Weights
	expected := w["volume_momentum"]*sub.VolumeMomentum +
		w["squeeze"]*sub.Squeeze +
		w["catalyst"]*sub.Catalyst +
		w["options"]*sub.Options +
		w["technical"]*sub.Technical
	assert.InDelta(t, expected, candidate.Score, 1e-9)
}

func TestEngine_RelVolGateRejects(t *testing.T) {
	profile := testProfile(t, calibration.StrategyHybridV1)
	engine := NewEngine(profile, domain.SessionRegular, "scan-1")

	inputs := winnerInputs()
	inputs.RelVol30 = 1.9 // below the regular-session floor of 2.5

	_, rejection := engine.Score(winnerResult(), inputs)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonRelVolBelowMin, rejection.Reason)
	assert.Equal(t, pipeline.StageScoring, rejection.Stage)
}

func TestEngine_SessionRelaxationAdmitsAfterhours(t *testing.T) {
	profile := testProfile(t, calibration.StrategyHybridV1)

	inputs := winnerInputs()
	inputs.RelVol30 = 1.9

	regular := NewEngine(profile, domain.SessionRegular, "scan-1")
	_, rejection := regular.Score(winnerResult(), inputs)
	require.NotNil(t, rejection)

	// afterhours override relaxes min_relvol_30 to 1.8.
	afterhours := NewEngine(profile, domain.SessionAfterhours, "scan-2")
	candidate, rejection := afterhours.Score(winnerResult(), inputs)
	require.Nil(t, rejection)
	assert.NotEqual(t, domain.TagRejected, candidate.ActionTag)
}

func TestEngine_VWAPGateProximityEscape(t *testing.T) {
	profile := testProfile(t, calibration.StrategyHybridV1)
	engine := NewEngine(profile, domain.SessionRegular, "scan-1")

	inputs := winnerInputs()
	inputs.VWAPReclaimed = false
	inputs.VWAPDistPct = 0.004 // inside the 0.5% proximity band

	_, rejection := engine.Score(winnerResult(), inputs)
	assert.Nil(t, rejection)

	inputs.VWAPDistPct = 0.02
	_, rejection = engine.Score(winnerResult(), inputs)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonVWAPNotReclaim, rejection.Reason)
}

func TestEngine_FloatPaths(t *testing.T) {
	profile := testProfile(t, calibration.StrategyHybridV1)

	t.Run("mid float admitted when path enabled", func(t *testing.T) {
		engine := NewEngine(profile, domain.SessionRegular, "scan-1")
		inputs := winnerInputs()
		inputs.FloatShares = domain.Known(100_000_000, domain.SourceProvider, 0.9)

		candidate, rejection := engine.Score(winnerResult(), inputs)
		require.Nil(t, rejection)
		assert.True(t, candidate.MidFloatAlt)
		assert.Equal(t, domain.FloatMid, candidate.FloatClass)
	})

	t.Run("mid float blocked when path disabled", func(t *testing.T) {
		disabled := testProfile(t, calibration.StrategyHybridV1)
		disabled.Thresholds.MidFloatPathEnabled = false
		engine := NewEngine(disabled, domain.SessionRegular, "scan-1")

		inputs := winnerInputs()
		inputs.FloatShares = domain.Known(100_000_000, domain.SourceProvider, 0.9)

		_, rejection := engine.Score(winnerResult(), inputs)
		require.NotNil(t, rejection)
		assert.Equal(t, ReasonFloatPathBlock, rejection.Reason)
	})

	t.Run("large float requires strong tape", func(t *testing.T) {
		engine := NewEngine(profile, domain.SessionRegular, "scan-1")
		inputs := winnerInputs()
		inputs.FloatShares = domain.Known(200_000_000, domain.SourceProvider, 0.9)

		// RelVol30 20.9 and ATR 8% comfortably clear the strong bar.
		candidate, rejection := engine.Score(winnerResult(), inputs)
		require.Nil(t, rejection)
		assert.Equal(t, domain.FloatLarge, candidate.FloatClass)

		weak := inputs
		weak.RelVol30 = 3.0
		_, rejection = engine.Score(winnerResult(), weak)
		require.NotNil(t, rejection)
		assert.Equal(t, ReasonFloatPathBlock, rejection.Reason)
	})

	t.Run("unknown float passes", func(t *testing.T) {
		engine := NewEngine(profile, domain.SessionRegular, "scan-1")
		inputs := winnerInputs()
		inputs.FloatShares = domain.Missing("no_float_provider")
		// Squeeze contributes zero without float data; lift the tape inputs so
		// the composite still clears the watchlist floor.
		inputs.UptrendDays = 5
		inputs.ATRPct = 0.10

		candidate, rejection := engine.Score(winnerResult(), inputs)
		require.Nil(t, rejection)
		assert.Equal(t, domain.FloatUnknown, candidate.FloatClass)
	})
}

func TestEngine_SoftPassDisabledByDefault(t *testing.T) {
	profile := testProfile(t, calibration.StrategyHybridV1)
	require.Equal(t, 0, profile.Thresholds.SoftPass.MaxPerScan)

	engine := NewEngine(profile, domain.SessionRegular, "scan-1")

	inputs := winnerInputs()
	inputs.RelVol30 = 2.3 // near miss within 10% tolerance, strong catalyst

	_, rejection := engine.Score(winnerResult(), inputs)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonRelVolBelowMin, rejection.Reason)
}

func TestEngine_SoftPassCapAndPenalty(t *testing.T) {
	profile := testProfile(t, calibration.StrategyHybridV1)
	profile.Thresholds.SoftPass.MaxPerScan = 1

	engine := NewEngine(profile, domain.SessionRegular, "scan-1")

	inputs := winnerInputs()
	inputs.RelVol30 = 2.3 // single near miss; catalyst 0.86 clears the 0.70 floor

	first, rejection := engine.Score(winnerResult(), inputs)
	require.Nil(t, rejection)
	assert.True(t, first.SoftPass)

	// Penalized trade-ready bar: only scores past trade_ready_min + penalty keep the tag.
	bar := profile.Thresholds.TradeReadyMin + profile.Thresholds.SoftPass.Penalty
	if first.Score >= bar {
		assert.Equal(t, domain.TagTradeReady, first.ActionTag)
	} else {
		assert.Equal(t, domain.TagWatchlist, first.ActionTag)
	}

	// Cap exhausted: the second near miss rejects.
	second := pipeline.RVolResult{
		Snapshot: domain.Snapshot{Symbol: "NEXT", Price: 4.10, Volume: 8_000_000},
		RVol:     18.0,
	}
	_, rejection = engine.Score(second, inputs)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonRelVolBelowMin, rejection.Reason)
}

func TestEngine_SoftPassRequiresSingleNearMiss(t *testing.T) {
	profile := testProfile(t, calibration.StrategyHybridV1)
	profile.Thresholds.SoftPass.MaxPerScan = 5

	engine := NewEngine(profile, domain.SessionRegular, "scan-1")

	inputs := winnerInputs()
	inputs.RelVol30 = 2.3
	inputs.ATRPct = 0.037 // second failing gate kills the soft pass

	_, rejection := engine.Score(winnerResult(), inputs)
	require.NotNil(t, rejection)
}

func TestEngine_WatchlistFloor(t *testing.T) {
	profile := testProfile(t, calibration.StrategyHybridV1)
	engine := NewEngine(profile, domain.SessionRegular, "scan-1")

	// Strip the external families so only tape-derived signal remains; the
	// composite lands below the 0.70 watchlist floor.
	inputs := winnerInputs()
	inputs.FloatShares = domain.Missing("x")
	inputs.ShortInterest = domain.Missing("x")
	inputs.BorrowFee = domain.Missing("x")
	inputs.Utilization = domain.Missing("x")
	inputs.NewsScore = domain.Missing("x")
	inputs.SocialRank = domain.Missing("x")
	inputs.CallPutRatio = domain.Missing("x")
	inputs.IVPercentile = domain.Missing("x")
	inputs.EMACrossBull = false
	inputs.RSI = 40

	_, rejection := engine.Score(winnerResult(), inputs)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonScoreBelowFloor, rejection.Reason)
}
