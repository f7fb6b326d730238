package pipeline

import (
	"github.com/sawpanic/equityrun/internal/domain"
)

// RVOL stage rejection reasons. cache_miss and rvol_below_min are distinct so
// operators can tell a thin cache from a quiet tape.
const (
	ReasonCacheMiss    = "cache_miss"
	ReasonRVolCorrupt  = "rvol_corrupt"
	ReasonRVolBelowMin = "rvol_below_min"
)

// rvolCorruptionCeiling guards against corrupted averages: no real symbol
// trades a thousand times its 20-day baseline.
const rvolCorruptionCeiling = 1000.0

// RVolResult pairs a surviving snapshot with its computed relative volume.
type RVolResult struct {
	Snapshot domain.Snapshot
	RVol     float64
	Avg20d   int64
}

// EvaluateRVol computes rvol = volume / avg_20d for each pre-ranked symbol
// against cached baselines. Symbols absent from the cache are dropped, never
// backfilled with a fabricated average.
func EvaluateRVol(snapshots []domain.Snapshot, averages map[string]domain.VolumeAverage, minRVol float64, sess domain.Session) ([]RVolResult, []domain.RejectionRecord) {
	survivors := make([]RVolResult, 0, len(snapshots))
	var rejections []domain.RejectionRecord

	reject := func(sym, reason string) {
		rejections = append(rejections, domain.RejectionRecord{
			Symbol: sym, Stage: StageRVol, Reason: reason, Session: sess,
		})
	}

	for _, snap := range snapshots {
		avg, ok := averages[snap.Symbol]
		if !ok || avg.Avg20d <= 0 {
			reject(snap.Symbol, ReasonCacheMiss)
			continue
		}

		rvol := float64(snap.Volume) / float64(avg.Avg20d)
		switch {
		case rvol > rvolCorruptionCeiling:
			reject(snap.Symbol, ReasonRVolCorrupt)
		case rvol < minRVol:
			reject(snap.Symbol, ReasonRVolBelowMin)
		default:
			survivors = append(survivors, RVolResult{Snapshot: snap, RVol: rvol, Avg20d: avg.Avg20d})
		}
	}

	return survivors, rejections
}
