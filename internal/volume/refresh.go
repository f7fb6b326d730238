package volume

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/domain"
)

// RefreshMode selects which symbols a refresh run targets.
type RefreshMode string

const (
	// RefreshFull targets the whole active universe.
	RefreshFull RefreshMode = "full"
	// RefreshTest targets a random sample, for dry runs.
	RefreshTest RefreshMode = "test"
	// RefreshStale targets only symbols past the freshness window.
	RefreshStale RefreshMode = "stale"
)

const (
	lookbackDays     = 20
	minBarsRequired  = 15
	defaultBatchSize = 100
	defaultPause     = 500 * time.Millisecond
)

// BarProvider is the slice of the market data client the job needs.
type BarProvider interface {
	BulkSnapshot(ctx context.Context) ([]domain.Snapshot, error)
	HistoricalBars(ctx context.Context, symbol string, nDays int) ([]domain.Bar, error)
}

// RefreshSummary is the job's structured terminal outcome.
type RefreshSummary struct {
	Mode      RefreshMode   `json:"mode"`
	Targeted  int           `json:"targeted"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Elapsed   time.Duration `json:"elapsed"`
}

// RefreshJob populates the volume cache from historical daily aggregates.
// Runs offline; the hot path never fetches history.
type RefreshJob struct {
	provider  BarProvider
	cache     *Cache
	batchSize int
	pause     time.Duration
	window    time.Duration
}

// NewRefreshJob builds a refresh job. window is the staleness window used by
// RefreshStale mode.
func NewRefreshJob(provider BarProvider, cache *Cache, window time.Duration) *RefreshJob {
	return &RefreshJob{
		provider:  provider,
		cache:     cache,
		batchSize: defaultBatchSize,
		pause:     defaultPause,
		window:    window,
	}
}

// Run executes one refresh pass. Per-symbol failures are isolated and
// counted; the job succeeds if any symbol succeeded. A global upstream outage
// fails the job and leaves the cache unchanged.
func (j *RefreshJob) Run(ctx context.Context, mode RefreshMode, sampleSize int) (*RefreshSummary, error) {
	start := time.Now()

	targets, err := j.resolveTargets(ctx, mode, sampleSize)
	if err != nil {
		return nil, err
	}

	summary := &RefreshSummary{Mode: mode, Targeted: len(targets)}
	log.Info().Str("mode", string(mode)).Int("targets", len(targets)).
		Msg("volume refresh starting")

	batchSize := j.batchSize
	pause := j.pause
	consecutiveOutages := 0

	for offset := 0; offset < len(targets); offset += batchSize {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("refresh cancelled: %w", err)
		}

		end := offset + batchSize
		if end > len(targets) {
			end = len(targets)
		}

		batch, outage := j.processBatch(ctx, targets[offset:end], summary)
		if outage {
			consecutiveOutages++
			if summary.Processed == 0 && consecutiveOutages >= 3 {
				return summary, fmt.Errorf("provider outage, cache unchanged: %w", domain.ErrProviderUnavailable)
			}
			// Throttling detected: halve the batch, double the pacing delay.
			if batchSize > 10 {
				batchSize /= 2
			}
			pause *= 2
			log.Warn().Int("batch_size", batchSize).Dur("pause", pause).
				Msg("provider throttling, backing off")
		} else {
			consecutiveOutages = 0
		}

		if len(batch) > 0 {
			if err := j.cache.Upsert(ctx, batch); err != nil {
				summary.Errors += len(batch)
				summary.Processed -= len(batch)
				log.Error().Err(err).Int("records", len(batch)).Msg("bulk upsert failed")
			}
		}

		if end < len(targets) {
			select {
			case <-ctx.Done():
				return summary, fmt.Errorf("refresh cancelled: %w", ctx.Err())
			case <-time.After(pause):
			}
		}
	}

	summary.Elapsed = time.Since(start)
	if summary.Processed == 0 && summary.Errors > 0 {
		return summary, fmt.Errorf("no symbol refreshed: %w", domain.ErrProviderUnavailable)
	}

	log.Info().Int("processed", summary.Processed).Int("skipped", summary.Skipped).
		Int("errors", summary.Errors).Dur("elapsed", summary.Elapsed).
		Msg("volume refresh complete")
	return summary, nil
}

// processBatch computes averages for one batch, returning rows ready to
// upsert and whether the provider looked globally unavailable.
func (j *RefreshJob) processBatch(ctx context.Context, symbols []string, summary *RefreshSummary) ([]domain.VolumeAverage, bool) {
	var records []domain.VolumeAverage
	outages := 0

	for _, sym := range symbols {
		bars, err := j.provider.HistoricalBars(ctx, sym, lookbackDays)
		if err != nil {
			summary.Errors++
			if errors.Is(err, domain.ErrProviderUnavailable) || errors.Is(err, domain.ErrProviderAuth) {
				outages++
			}
			continue
		}
		if len(bars) < minBarsRequired {
			summary.Skipped++
			continue
		}
		if len(bars) > lookbackDays {
			bars = bars[:lookbackDays]
		}

		var total int64
		for _, b := range bars {
			total += b.Volume
		}
		mean := int64(math.Round(float64(total) / float64(len(bars))))
		if mean <= 0 {
			summary.Skipped++
			continue
		}

		records = append(records, domain.VolumeAverage{Symbol: sym, Avg20d: mean})
		summary.Processed++
	}

	return records, outages == len(symbols) && len(symbols) > 0
}

func (j *RefreshJob) resolveTargets(ctx context.Context, mode RefreshMode, sampleSize int) ([]string, error) {
	switch mode {
	case RefreshStale:
		return j.cache.StaleSymbols(ctx, j.window)
	case RefreshFull, RefreshTest:
		snapshots, err := j.provider.BulkSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve universe: %w", err)
		}
		symbols := make([]string, 0, len(snapshots))
		for _, s := range snapshots {
			symbols = append(symbols, s.Symbol)
		}
		if mode == RefreshTest {
			if sampleSize <= 0 {
				sampleSize = 25
			}
			rand.Shuffle(len(symbols), func(i, k int) { symbols[i], symbols[k] = symbols[k], symbols[i] })
			if len(symbols) > sampleSize {
				symbols = symbols[:sampleSize]
			}
		}
		return symbols, nil
	default:
		return nil, fmt.Errorf("unknown refresh mode %q", mode)
	}
}
