package scan

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/calibration"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/metrics"
	"github.com/sawpanic/equityrun/internal/pipeline"
	"github.com/sawpanic/equityrun/internal/publish"
	"github.com/sawpanic/equityrun/internal/session"
	"github.com/sawpanic/equityrun/internal/trace"
)

type fakeMarket struct {
	snapshots []domain.Snapshot
	err       error
	delay     time.Duration
}

func (f *fakeMarket) BulkSnapshot(ctx context.Context) ([]domain.Snapshot, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.snapshots, f.err
}

type fakeVolumes struct {
	averages map[string]domain.VolumeAverage
}

func (f *fakeVolumes) BatchGet(_ context.Context, symbols []string) (map[string]domain.VolumeAverage, error) {
	out := make(map[string]domain.VolumeAverage)
	for _, sym := range symbols {
		if avg, ok := f.averages[sym]; ok {
			out[sym] = avg
		}
	}
	return out, nil
}

// fullEnricher supplies the external factor families so tape survivors can
// reach trade-ready scores in tests.
type fullEnricher struct{}

func (fullEnricher) Enrich(_ context.Context, symbols []string, base map[string]domain.FactorInputs) (map[string]domain.FactorInputs, error) {
	for _, sym := range symbols {
		in := base[sym]
		in.UptrendDays = 3
		in.FloatShares = domain.Known(12_000_000, domain.SourceProvider, 0.95)
		in.ShortInterest = domain.Known(0.35, domain.SourceProvider, 0.9)
		in.BorrowFee = domain.Known(0.40, domain.SourceProvider, 0.9)
		in.Utilization = domain.Known(0.90, domain.SourceProvider, 0.9)
		in.NewsScore = domain.Known(0.90, domain.SourceProvider, 0.8)
		in.SocialRank = domain.Known(0.80, domain.SourceProvider, 0.8)
		in.CallPutRatio = domain.Known(2.40, domain.SourceProvider, 0.9)
		in.IVPercentile = domain.Known(85, domain.SourceProvider, 0.9)
		in.EMACrossBull = true
		in.RSI = 65
		base[sym] = in
	}
	return base, nil
}

type harness struct {
	market   *fakeMarket
	volumes  *fakeVolumes
	kv       *publish.MemKV
	reader   *publish.Reader
	clock    *session.FixedClock
	recorder *trace.Recorder
	orch     *Orchestrator
}

func newHarness(t *testing.T, market *fakeMarket, volumes *fakeVolumes) *harness {
	t.Helper()

	clock := &session.FixedClock{Instant: time.Now().UTC(), Current: domain.SessionRegular}
	kv := publish.NewMemKV(func() time.Time { return clock.Instant })
	recorder := trace.NewRecorder(8)

	cfg := Config{
		Strategy:       calibration.StrategyHybridV1,
		TopK:           1000,
		MaxCandidates:  50,
		SoftBudget:     15 * time.Second,
		HardBudget:     30 * time.Second,
		ShardThreshold: 2000,
		Universe:       pipeline.DefaultUniverseConfig(),
	}

	orch := New(cfg, market, volumes,
		calibration.NewStore(nil, func() time.Time { return clock.Instant }, nil),
		fullEnricher{},
		publish.NewPublisher(kv, 600*time.Second),
		publish.NewScanLock(kv, time.Minute),
		clock, recorder, metrics.New(prometheus.NewRegistry()), nil)

	return &harness{
		market:   market,
		volumes:  volumes,
		kv:       kv,
		reader:   publish.NewReader(kv),
		clock:    clock,
		recorder: recorder,
		orch:     orch,
	}
}

func viglSnapshot() domain.Snapshot {
	return domain.Snapshot{
		Symbol: "VIGL", Price: 3.20, Volume: 9_400_000,
		PrevClose: 2.50, ChangePct: 28.0, High: 3.40, Low: 3.00,
	}
}

func TestRunScan_WinnerDetection(t *testing.T) {
	market := &fakeMarket{snapshots: []domain.Snapshot{
		viglSnapshot(),
		{Symbol: "DULL", Price: 15.0, Volume: 300_000, ChangePct: 0.4, High: 15.1, Low: 14.9},
	}}
	volumes := &fakeVolumes{averages: map[string]domain.VolumeAverage{
		"VIGL": {Symbol: "VIGL", Avg20d: 450_000},
		"DULL": {Symbol: "DULL", Avg20d: 280_000},
	}}
	h := newHarness(t, market, volumes)

	artifact, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, artifact.Candidates)
	winner := artifact.Candidates[0]
	assert.Equal(t, "VIGL", winner.Symbol)
	assert.InDelta(t, 20.9, winner.RVol, 0.05)
	assert.GreaterOrEqual(t, winner.Score, 0.75)
	assert.Equal(t, domain.TagTradeReady, winner.ActionTag)
	assert.Equal(t, artifact.ScanID, winner.ScanID)

	// The artifact is readable through the published keys.
	stored, err := h.reader.Latest(context.Background(), calibration.StrategyHybridV1)
	require.NoError(t, err)
	assert.Equal(t, artifact.ScanID, stored.ScanID)
}

func TestRunScan_CacheMissDropsSymbol(t *testing.T) {
	market := &fakeMarket{snapshots: []domain.Snapshot{
		viglSnapshot(),
		{Symbol: "NEWCO", Price: 5, Volume: 2_000_000, ChangePct: 10, High: 5.2, Low: 4.8},
	}}
	volumes := &fakeVolumes{averages: map[string]domain.VolumeAverage{
		"VIGL": {Symbol: "VIGL", Avg20d: 450_000},
	}}
	h := newHarness(t, market, volumes)

	artifact, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)

	for _, c := range artifact.Candidates {
		assert.NotEqual(t, "NEWCO", c.Symbol)
	}

	tr := h.recorder.Latest(calibration.StrategyHybridV1)
	require.NotNil(t, tr)
	assert.Equal(t, 1, tr.RejectionHistogram()["cache_miss"])
}

func TestRunScan_EmptyUniversePublishesEmptyArtifact(t *testing.T) {
	h := newHarness(t, &fakeMarket{snapshots: nil}, &fakeVolumes{})

	artifact, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, artifact.Candidates)
	assert.Equal(t, 0, artifact.Stats.UniverseSize)

	stored, err := h.reader.Latest(context.Background(), calibration.StrategyHybridV1)
	require.NoError(t, err)
	assert.Empty(t, stored.Candidates)
}

func TestRunScan_ProviderOutageAbortsWithoutPublishing(t *testing.T) {
	h := newHarness(t, &fakeMarket{err: domain.ErrProviderUnavailable}, &fakeVolumes{})

	_, err := h.orch.RunScan(context.Background())
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)

	_, err = h.reader.Latest(context.Background(), calibration.StrategyHybridV1)
	assert.ErrorIs(t, err, domain.ErrNoArtifact)
}

func TestRunScan_GeneratedAtMonotonic(t *testing.T) {
	market := &fakeMarket{snapshots: []domain.Snapshot{viglSnapshot()}}
	volumes := &fakeVolumes{averages: map[string]domain.VolumeAverage{
		"VIGL": {Symbol: "VIGL", Avg20d: 450_000},
	}}
	h := newHarness(t, market, volumes)

	first, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	second, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)

	assert.True(t, second.GeneratedAt.After(first.GeneratedAt))
	assert.NotEqual(t, first.ScanID, second.ScanID)
}

func TestRunScan_DeterministicOnFrozenInputs(t *testing.T) {
	market := &fakeMarket{snapshots: []domain.Snapshot{
		viglSnapshot(),
		{Symbol: "ALSO", Price: 4.00, Volume: 6_000_000, ChangePct: 18, High: 4.3, Low: 3.7, PrevClose: 3.4},
	}}
	volumes := &fakeVolumes{averages: map[string]domain.VolumeAverage{
		"VIGL": {Symbol: "VIGL", Avg20d: 450_000},
		"ALSO": {Symbol: "ALSO", Avg20d: 500_000},
	}}
	h := newHarness(t, market, volumes)

	first, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)
	second, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)

	strip := func(cands []domain.Candidate) []domain.Candidate {
		out := make([]domain.Candidate, len(cands))
		copy(out, cands)
		for i := range out {
			out[i].ScanID = ""
		}
		return out
	}
	assert.Equal(t, strip(first.Candidates), strip(second.Candidates))

	// Deterministic ordering: score descending, symbol ascending.
	for i := 1; i < len(first.Candidates); i++ {
		prev, cur := first.Candidates[i-1], first.Candidates[i]
		assert.True(t, prev.Score > cur.Score || (prev.Score == cur.Score && prev.Symbol < cur.Symbol))
	}
}

func TestRunScan_HardBudgetAborts(t *testing.T) {
	market := &fakeMarket{snapshots: []domain.Snapshot{viglSnapshot()}, delay: 200 * time.Millisecond}
	volumes := &fakeVolumes{averages: map[string]domain.VolumeAverage{
		"VIGL": {Symbol: "VIGL", Avg20d: 450_000},
	}}
	h := newHarness(t, market, volumes)
	h.orch.cfg.HardBudget = 20 * time.Millisecond

	_, err := h.orch.RunScan(context.Background())
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)

	tr := h.recorder.Latest(calibration.StrategyHybridV1)
	require.NotNil(t, tr)
	assert.True(t, tr.Aborted)
	assert.Equal(t, "scan_aborted", tr.AbortedBy)

	_, err = h.reader.Latest(context.Background(), calibration.StrategyHybridV1)
	assert.ErrorIs(t, err, domain.ErrNoArtifact)
}

func TestRunScan_SingleWriterLock(t *testing.T) {
	market := &fakeMarket{snapshots: []domain.Snapshot{viglSnapshot()}}
	volumes := &fakeVolumes{averages: map[string]domain.VolumeAverage{
		"VIGL": {Symbol: "VIGL", Avg20d: 450_000},
	}}
	h := newHarness(t, market, volumes)

	lock := publish.NewScanLock(h.kv, time.Minute)
	release, err := lock.Acquire(context.Background(), calibration.StrategyHybridV1, "other-run")
	require.NoError(t, err)
	defer release()

	_, err = h.orch.RunScan(context.Background())
	assert.ErrorIs(t, err, domain.ErrScanInFlight)
}

func TestRunScan_CapsCandidates(t *testing.T) {
	snaps := make([]domain.Snapshot, 0, 80)
	averages := map[string]domain.VolumeAverage{}
	for i := 0; i < 80; i++ {
		sym := string([]byte{'A' + byte(i/26%26), 'A' + byte(i%26), 'Q'})
		snaps = append(snaps, domain.Snapshot{
			Symbol: sym, Price: 5, Volume: 5_000_000, ChangePct: 12,
			High: 5.4, Low: 4.6, PrevClose: 4.5,
		})
		averages[sym] = domain.VolumeAverage{Symbol: sym, Avg20d: 600_000}
	}
	h := newHarness(t, &fakeMarket{snapshots: snaps}, &fakeVolumes{averages: averages})

	artifact, err := h.orch.RunScan(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(artifact.Candidates), 50)
	assert.Equal(t, 80, artifact.Stats.UniverseSize)
}
