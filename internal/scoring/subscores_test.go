package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/domain"
)

func TestComputeSubscores_AllInRange(t *testing.T) {
	sub, _ := computeSubscores(winnerInputs())

	for name, v := range map[string]float64{
		"volume_momentum": sub.VolumeMomentum,
		"squeeze":         sub.Squeeze,
		"catalyst":        sub.Catalyst,
		"options":         sub.Options,
		"technical":       sub.Technical,
	} {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
}

func TestComputeSubscores_SqueezeRequiresAllInputs(t *testing.T) {
	inputs := winnerInputs()
	inputs.BorrowFee = domain.Missing("no_borrow_provider")

	sub, missing := computeSubscores(inputs)

	// One absent squeeze input zeroes the whole subscore; it is never padded
	// with a placeholder.
	assert.Equal(t, 0.0, sub.Squeeze)
	assert.Contains(t, missing, "borrow_fee")
}

func TestComputeSubscores_SqueezeRequiresAttribution(t *testing.T) {
	inputs := winnerInputs()
	inputs.ShortInterest = domain.Value{IsKnown: true, Val: 0.35} // no source

	sub, missing := computeSubscores(inputs)
	assert.Equal(t, 0.0, sub.Squeeze)
	assert.Contains(t, missing, "short_interest")
}

func TestComputeSubscores_CatalystZeroWhenAbsent(t *testing.T) {
	inputs := winnerInputs()
	inputs.NewsScore = domain.Missing("no_news_provider")
	inputs.SocialRank = domain.Missing("no_social_provider")

	sub, missing := computeSubscores(inputs)
	assert.Equal(t, 0.0, sub.Catalyst)
	assert.Contains(t, missing, "news_score")
	assert.Contains(t, missing, "social_rank")
}

func TestComputeSubscores_OptionsPartialPresence(t *testing.T) {
	inputs := winnerInputs()
	inputs.IVPercentile = domain.Missing("no_options_provider")

	sub, missing := computeSubscores(inputs)
	// Call/put alone contributes its half; the absent percentile adds nothing.
	assert.InDelta(t, 0.5*(2.4/3.0), sub.Options, 1e-9)
	assert.Contains(t, missing, "iv_percentile")
}

func TestComputeSubscores_TechnicalBands(t *testing.T) {
	inputs := winnerInputs()

	inputs.RSI = 65
	sub, _ := computeSubscores(inputs)
	assert.InDelta(t, 1.0, sub.Technical, 1e-9)

	inputs.RSI = 80 // overextended band scores half credit
	sub, _ = computeSubscores(inputs)
	assert.InDelta(t, 0.8, sub.Technical, 1e-9)

	inputs.RSI = 40
	inputs.EMACrossBull = false
	sub, _ = computeSubscores(inputs)
	assert.Equal(t, 0.0, sub.Technical)
}

func TestDeriveBaseInputs(t *testing.T) {
	r := winnerResult()
	r.Snapshot.High = 3.40
	r.Snapshot.Low = 3.00

	inputs := DeriveBaseInputs(r)

	assert.InDelta(t, 20.9, inputs.RelVol30, 0.05)
	assert.InDelta(t, 0.125, inputs.ATRPct, 1e-9)

	// HLC3 = 3.20: price sits exactly on the proxy VWAP, counted as reclaimed.
	assert.True(t, inputs.VWAPReclaimed)
	assert.InDelta(t, 0.0, inputs.VWAPDistPct, 1e-9)

	// External families must start missing, never defaulted.
	require.False(t, inputs.ShortInterest.IsKnown)
	require.False(t, inputs.FloatShares.IsKnown)
	require.False(t, inputs.CallPutRatio.IsKnown)
	assert.NotEmpty(t, inputs.ShortInterest.MissingReason)
}
