package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/domain"
)

func avg(symbol string, avg20d int64) domain.VolumeAverage {
	return domain.VolumeAverage{Symbol: symbol, Avg20d: avg20d}
}

func TestEvaluateRVol_WinnerShape(t *testing.T) {
	snaps := []domain.Snapshot{{Symbol: "VIGL", Price: 3.20, Volume: 9_400_000}}
	averages := map[string]domain.VolumeAverage{"VIGL": avg("VIGL", 450_000)}

	survivors, rejections := EvaluateRVol(snaps, averages, 1.5, domain.SessionRegular)

	require.Len(t, survivors, 1)
	assert.Empty(t, rejections)
	assert.InDelta(t, 20.9, survivors[0].RVol, 0.05)
}

func TestEvaluateRVol_CacheMissDropsSymbol(t *testing.T) {
	snaps := []domain.Snapshot{{Symbol: "NEWCO", Price: 5, Volume: 2_000_000}}

	survivors, rejections := EvaluateRVol(snaps, map[string]domain.VolumeAverage{}, 1.5, domain.SessionRegular)

	assert.Empty(t, survivors)
	require.Len(t, rejections, 1)
	assert.Equal(t, ReasonCacheMiss, rejections[0].Reason)
	assert.Equal(t, "NEWCO", rejections[0].Symbol)
}

func TestEvaluateRVol_DistinguishesMissFromBelowMin(t *testing.T) {
	snaps := []domain.Snapshot{
		{Symbol: "MISS", Price: 5, Volume: 1_000_000},
		{Symbol: "QUIET", Price: 5, Volume: 100_000},
	}
	averages := map[string]domain.VolumeAverage{"QUIET": avg("QUIET", 400_000)}

	_, rejections := EvaluateRVol(snaps, averages, 1.5, domain.SessionRegular)

	require.Len(t, rejections, 2)
	reasons := map[string]string{}
	for _, r := range rejections {
		reasons[r.Symbol] = r.Reason
	}
	assert.Equal(t, ReasonCacheMiss, reasons["MISS"])
	assert.Equal(t, ReasonRVolBelowMin, reasons["QUIET"])
}

func TestEvaluateRVol_CorruptionGuard(t *testing.T) {
	snaps := []domain.Snapshot{{Symbol: "CORR", Price: 5, Volume: 2_000_000_000}}
	averages := map[string]domain.VolumeAverage{"CORR": avg("CORR", 1_000)}

	survivors, rejections := EvaluateRVol(snaps, averages, 1.5, domain.SessionRegular)

	assert.Empty(t, survivors)
	require.Len(t, rejections, 1)
	assert.Equal(t, ReasonRVolCorrupt, rejections[0].Reason)
}

func TestEvaluateRVol_NeverFabricatesBaseline(t *testing.T) {
	// A zero-average row must behave as a miss, not divide to infinity.
	snaps := []domain.Snapshot{{Symbol: "ZERO", Price: 5, Volume: 1_000_000}}
	averages := map[string]domain.VolumeAverage{"ZERO": avg("ZERO", 0)}

	survivors, rejections := EvaluateRVol(snaps, averages, 1.5, domain.SessionRegular)

	assert.Empty(t, survivors)
	require.Len(t, rejections, 1)
	assert.Equal(t, ReasonCacheMiss, rejections[0].Reason)
}
