package pipeline

import (
	"math"
	"sort"

	"github.com/sawpanic/equityrun/internal/domain"
)

// MomentumScore is the stage-3 pre-ranking score: twice the absolute percent
// move plus log volume. When markets are closed and change_pct is zero this
// degenerates to a pure volume ranking, which the cache-backed RVOL stage
// re-sorts on relative volume anyway.
func MomentumScore(snap domain.Snapshot) float64 {
	vol := snap.Volume
	if vol < 1 {
		vol = 1
	}
	return 2*math.Abs(snap.ChangePct) + math.Log(float64(vol))
}

// PreRankTopK selects the top K snapshots by momentum score to cap downstream
// work. Ties break by volume descending, then symbol ascending, so a frozen
// input always produces the same ranking.
func PreRankTopK(snapshots []domain.Snapshot, k int) []domain.Snapshot {
	if k <= 0 || len(snapshots) == 0 {
		return nil
	}

	ranked := make([]domain.Snapshot, len(snapshots))
	copy(ranked, snapshots)

	sort.Slice(ranked, func(i, j int) bool {
		mi, mj := MomentumScore(ranked[i]), MomentumScore(ranked[j])
		if mi != mj {
			return mi > mj
		}
		if ranked[i].Volume != ranked[j].Volume {
			return ranked[i].Volume > ranked[j].Volume
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})

	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
