package scan

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/calibration"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/events"
	"github.com/sawpanic/equityrun/internal/metrics"
	"github.com/sawpanic/equityrun/internal/pipeline"
	"github.com/sawpanic/equityrun/internal/publish"
	"github.com/sawpanic/equityrun/internal/scoring"
	"github.com/sawpanic/equityrun/internal/session"
	"github.com/sawpanic/equityrun/internal/trace"
)

// Stage names beyond the pure pipeline stages.
const (
	StageSnapshot     = "bulk_snapshot"
	StageVolumeLookup = "volume_lookup"
	StagePublish      = "publish"
)

// MarketData is the provider slice the orchestrator consumes.
type MarketData interface {
	BulkSnapshot(ctx context.Context) ([]domain.Snapshot, error)
}

// VolumeSource resolves cached volume baselines for the hot path.
type VolumeSource interface {
	BatchGet(ctx context.Context, symbols []string) (map[string]domain.VolumeAverage, error)
}

// ArtifactPublisher writes the finished artifact.
type ArtifactPublisher interface {
	Publish(ctx context.Context, artifact *domain.ScanArtifact) error
}

// Config bounds one orchestrator instance.
type Config struct {
	Strategy       string
	TopK           int
	MaxCandidates  int
	SoftBudget     time.Duration
	HardBudget     time.Duration
	ShardThreshold int
	Universe       pipeline.UniverseConfig
}

// Orchestrator drives the seven discovery stages for one strategy. It is the
// only writer that publishes artifacts; the per-strategy lock keeps at most
// one run in flight.
type Orchestrator struct {
	cfg       Config
	market    MarketData
	volumes   VolumeSource
	calib     *calibration.Store
	enricher  scoring.Enricher
	publisher ArtifactPublisher
	lock      *publish.ScanLock
	clock     session.Clock
	recorder  *trace.Recorder
	metrics   *metrics.Registry
	sink      *events.Sink
}

// New wires an orchestrator. enricher may be nil (tape-only inputs);
// sink may be nil (no outbound events).
func New(cfg Config, market MarketData, volumes VolumeSource, calib *calibration.Store,
	enricher scoring.Enricher, publisher ArtifactPublisher, lock *publish.ScanLock,
	clock session.Clock, recorder *trace.Recorder, reg *metrics.Registry, sink *events.Sink) *Orchestrator {

	if enricher == nil {
		enricher = scoring.NoopEnricher{}
	}
	return &Orchestrator{
		cfg:       cfg,
		market:    market,
		volumes:   volumes,
		calib:     calib,
		enricher:  enricher,
		publisher: publisher,
		lock:      lock,
		clock:     clock,
		recorder:  recorder,
		metrics:   reg,
		sink:      sink,
	}
}

// RunScan executes one complete scan. On hard-budget breach or any per-scan
// error the previous artifact stays authoritative and no partial result is
// published.
func (o *Orchestrator) RunScan(ctx context.Context) (*domain.ScanArtifact, error) {
	release, err := o.lock.Acquire(ctx, o.cfg.Strategy, ulid.Make().String())
	if err != nil {
		return nil, err
	}
	defer release()

	scanID := ulid.Make().String()
	sess := o.clock.Session()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HardBudget)
	defer cancel()

	// Calibration binds once per scan; mid-scan writes cannot drift the run.
	profile, err := o.calib.Get(o.cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve calibration: %w", err)
	}

	t := o.recorder.Begin(scanID, o.cfg.Strategy, sess, start)
	log.Info().Str("scan_id", scanID).Str("strategy", profile.Strategy).
		Str("preset", profile.ActivePreset).Str("session", string(sess)).
		Msg("scan starting")

	artifact, err := o.runStages(ctx, scanID, sess, profile, t)
	elapsed := time.Since(start)

	if err != nil {
		abortReason := "error"
		if errors.Is(err, domain.ErrBudgetExceeded) || errors.Is(err, context.DeadlineExceeded) {
			abortReason = "scan_aborted"
			err = fmt.Errorf("%w: after %s", domain.ErrBudgetExceeded, elapsed)
		}
		o.recorder.Finish(t, elapsed, abortReason)
		o.metrics.ScansTotal.WithLabelValues("aborted").Inc()
		log.Error().Err(err).Str("scan_id", scanID).Dur("elapsed", elapsed).
			Msg("scan aborted, previous artifact retained")
		return nil, err
	}

	o.recorder.Finish(t, elapsed, "")
	o.metrics.ScansTotal.WithLabelValues("ok").Inc()
	o.metrics.ScanDuration.Observe(elapsed.Seconds())
	o.metrics.CandidatesLast.Set(float64(len(artifact.Candidates)))

	if elapsed > o.cfg.SoftBudget {
		log.Warn().Str("scan_id", scanID).Dur("elapsed", elapsed).
			Dur("soft_budget", o.cfg.SoftBudget).Msg("scan exceeded soft budget")
	}

	o.emitEvent(artifact, sess)
	return artifact, nil
}

func (o *Orchestrator) runStages(ctx context.Context, scanID string, sess domain.Session,
	profile calibration.ResolvedProfile, t *trace.ScanTrace) (*domain.ScanArtifact, error) {

	stats := domain.ScanStats{}

	// Stage 1: one bulk upstream call for the whole universe.
	stageStart := time.Now()
	snapshots, err := o.market.BulkSnapshot(ctx)
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}
	stats.UniverseSize = len(snapshots)
	o.recordStage(t, StageSnapshot, stageStart, len(snapshots), len(snapshots), nil)

	// Stage 2: quality gate.
	stageStart = time.Now()
	filtered, rejections := pipeline.FilterUniverse(snapshots, o.cfg.Universe, sess)
	stats.Filtered = len(filtered)
	o.recordStage(t, pipeline.StageUniverse, stageStart, len(snapshots), len(filtered), rejections)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 3: momentum pre-rank caps downstream work.
	stageStart = time.Now()
	ranked := pipeline.PreRankTopK(filtered, o.cfg.TopK)
	stats.PreRanked = len(ranked)
	o.recordStage(t, pipeline.StagePreRank, stageStart, len(filtered), len(ranked), nil)

	// Stage 4: cached baselines; misses drop symbols, no per-symbol history
	// fetches ever happen here.
	stageStart = time.Now()
	symbols := make([]string, len(ranked))
	for i, s := range ranked {
		symbols[i] = s.Symbol
	}
	averages, err := o.volumes.BatchGet(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("volume cache read failed: %w", err)
	}
	stats.CacheHits = len(averages)
	o.metrics.CacheLookups.WithLabelValues("hit").Add(float64(len(averages)))
	o.metrics.CacheLookups.WithLabelValues("miss").Add(float64(len(ranked) - len(averages)))
	o.recordStage(t, StageVolumeLookup, stageStart, len(ranked), len(averages), nil)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 5: RVOL floor.
	stageStart = time.Now()
	minRVol := profile.EffectiveThresholds(sess).MinRVol
	survivors, rejections := pipeline.EvaluateRVol(ranked, averages, minRVol, sess)
	stats.RVolSurvivors = len(survivors)
	o.recordStage(t, pipeline.StageRVol, stageStart, len(ranked), len(survivors), rejections)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 6: enrichment and scoring, sharded when the survivor set is large.
	stageStart = time.Now()
	candidates, rejections, err := o.scoreSurvivors(ctx, scanID, sess, profile, survivors)
	if err != nil {
		return nil, err
	}
	stats.Scored = len(candidates)
	o.recordStage(t, pipeline.StageScoring, stageStart, len(survivors), len(candidates), rejections)

	// Stage 7: deterministic order, cap, publish.
	stageStart = time.Now()
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
	if len(candidates) > o.cfg.MaxCandidates {
		candidates = candidates[:o.cfg.MaxCandidates]
	}
	stats.Published = len(candidates)

	artifact := &domain.ScanArtifact{
		ScanID:      scanID,
		GeneratedAt: o.clock.Now(),
		Strategy:    profile.Strategy,
		Preset:      profile.ActivePreset,
		WeightsHash: profile.WeightsHash,
		Candidates:  candidates,
		Stats:       stats,
		TraceRef:    scanID,
	}

	if err := o.publisher.Publish(ctx, artifact); err != nil {
		log.Warn().Err(err).Str("scan_id", scanID).
			Msg("publish failed, previous artifact retained")
		return nil, err
	}
	o.metrics.PublishTotal.WithLabelValues(profile.Strategy).Inc()
	o.recordStage(t, StagePublish, stageStart, len(candidates), len(candidates), nil)

	return artifact, nil
}

// scoreSurvivors enriches and scores the survivor set. Above the shard
// threshold the set fans out across worker goroutines; the soft-pass cap is
// shared through the engine's atomic counter.
func (o *Orchestrator) scoreSurvivors(ctx context.Context, scanID string, sess domain.Session,
	profile calibration.ResolvedProfile, survivors []pipeline.RVolResult) ([]domain.Candidate, []domain.RejectionRecord, error) {

	base := make(map[string]domain.FactorInputs, len(survivors))
	symbols := make([]string, len(survivors))
	for i, r := range survivors {
		symbols[i] = r.Snapshot.Symbol
		base[r.Snapshot.Symbol] = scoring.DeriveBaseInputs(r)
	}

	inputs, err := o.enricher.Enrich(ctx, symbols, base)
	if err != nil {
		// Enrichment is optional signal, never a scan killer: fall back to
		// tape-derived inputs and let the missing families score zero.
		log.Warn().Err(err).Msg("enrichment failed, scoring tape-only")
		inputs = base
	}

	engine := scoring.NewEngine(profile, sess, scanID)

	if len(survivors) <= o.cfg.ShardThreshold {
		return scoreSlice(ctx, engine, survivors, inputs)
	}

	shards := runtime.NumCPU()
	if shards > len(survivors) {
		shards = len(survivors)
	}
	chunk := (len(survivors) + shards - 1) / shards

	type shardResult struct {
		candidates []domain.Candidate
		rejections []domain.RejectionRecord
		err        error
	}
	results := make([]shardResult, shards)

	var wg sync.WaitGroup
	for i := 0; i < shards; i++ {
		lo, hi := i*chunk, (i+1)*chunk
		if hi > len(survivors) {
			hi = len(survivors)
		}
		wg.Add(1)
		go func(idx, lo, hi int) {
			defer wg.Done()
			c, r, err := scoreSlice(ctx, engine, survivors[lo:hi], inputs)
			results[idx] = shardResult{c, r, err}
		}(i, lo, hi)
	}
	wg.Wait()

	var candidates []domain.Candidate
	var rejections []domain.RejectionRecord
	for _, res := range results {
		if res.err != nil {
			return nil, nil, res.err
		}
		candidates = append(candidates, res.candidates...)
		rejections = append(rejections, res.rejections...)
	}
	return candidates, rejections, nil
}

// scoreSlice runs the engine over a contiguous slice, checking cancellation
// between batches.
func scoreSlice(ctx context.Context, engine *scoring.Engine, survivors []pipeline.RVolResult,
	inputs map[string]domain.FactorInputs) ([]domain.Candidate, []domain.RejectionRecord, error) {

	const checkEvery = 256

	var candidates []domain.Candidate
	var rejections []domain.RejectionRecord
	for i, r := range survivors {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		candidate, rejection := engine.Score(r, inputs[r.Snapshot.Symbol])
		if rejection != nil {
			rejections = append(rejections, *rejection)
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates, rejections, nil
}

func (o *Orchestrator) recordStage(t *trace.ScanTrace, stage string, start time.Time, in, out int, rejections []domain.RejectionRecord) {
	duration := time.Since(start)
	o.recorder.RecordStage(t, stage, duration, in, out, rejections)
	o.metrics.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	for _, rej := range rejections {
		o.metrics.StageRejections.WithLabelValues(stage, rej.Reason).Inc()
	}
}

func (o *Orchestrator) emitEvent(artifact *domain.ScanArtifact, sess domain.Session) {
	if o.sink == nil {
		return
	}
	top := make([]string, 0, 10)
	for i, c := range artifact.Candidates {
		if i == 10 {
			break
		}
		top = append(top, c.Symbol)
	}
	o.sink.Emit(events.ScanEvent{
		ScanID:      artifact.ScanID,
		Strategy:    artifact.Strategy,
		GeneratedAt: artifact.GeneratedAt,
		Session:     sess,
		Stats:       artifact.Stats,
		TopSymbols:  top,
		WeightsHash: artifact.WeightsHash,
	})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrProviderAuth):
		return "auth"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}
