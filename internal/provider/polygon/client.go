package polygon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/ratelimit"
)

// Endpoint classes for rate limiting. The refresh job's aggregate reads share
// nothing with the hot-path snapshot bucket.
const (
	ClassSnapshot   = "snapshot"
	ClassAggregates = "aggregates"
)

const (
	maxAttempts  = 3
	retryBaseMin = 250 * time.Millisecond
	retryBaseMax = 5 * time.Second
)

// Client fetches U.S. equity market data from a Polygon-style REST API.
// It never fabricates fields: rows with missing or invalid values are dropped
// at the boundary, not synthesized.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     atomic.Value // string
	limiter    *ratelimit.Manager
	breaker    *gobreaker.CircuitBreaker
	authBroken atomic.Bool
}

// NewClient wires the provider client with its rate limiter and circuit
// breaker. Bucket parameters come from configuration.
func NewClient(cfg config.ProviderConfig, limiter *ratelimit.Manager) *Client {
	limiter.AddClass(ClassSnapshot, cfg.Snapshot)
	limiter.AddClass(ClassAggregates, cfg.Aggregates)

	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.BaseURL,
		limiter:    limiter,
	}
	c.apiKey.Store(cfg.APIKey)

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "polygon",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("provider circuit breaker state change")
		},
	})

	return c
}

// Reload swaps credentials and re-arms a client that was auth-broken.
func (c *Client) Reload(cfg config.ProviderConfig) {
	c.apiKey.Store(cfg.APIKey)
	c.authBroken.Store(false)
}

// Healthy reports whether the client would currently attempt upstream calls.
func (c *Client) Healthy() bool {
	return !c.authBroken.Load() && c.breaker.State() != gobreaker.StateOpen
}

// snapshotResponse mirrors the bulk snapshot payload shape.
type snapshotResponse struct {
	Status  string `json:"status"`
	Tickers []struct {
		Ticker           string  `json:"ticker"`
		TodaysChangePerc float64 `json:"todaysChangePerc"`
		Updated          int64   `json:"updated"`
		Day              struct {
			Close  float64 `json:"c"`
			High   float64 `json:"h"`
			Low    float64 `json:"l"`
			Volume float64 `json:"v"`
		} `json:"day"`
		PrevDay struct {
			Close float64 `json:"c"`
		} `json:"prevDay"`
	} `json:"tickers"`
}

// BulkSnapshot returns the latest quote for every active U.S. equity in a
// single upstream call. Symbols with zero price or negative volume are
// dropped; change percent is zeroed when the previous close is zero.
func (c *Client) BulkSnapshot(ctx context.Context) ([]domain.Snapshot, error) {
	url := fmt.Sprintf("%s/v2/snapshot/locale/us/markets/stocks/tickers?apiKey=%s",
		c.baseURL, c.apiKey.Load().(string))

	body, err := c.get(ctx, ClassSnapshot, url)
	if err != nil {
		return nil, err
	}

	var resp snapshotResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed snapshot payload: %v", domain.ErrProviderUnavailable, err)
	}

	snapshots := make([]domain.Snapshot, 0, len(resp.Tickers))
	dropped := 0
	for _, t := range resp.Tickers {
		if !domain.ValidSymbol(t.Ticker) {
			dropped++
			continue
		}
		if t.Day.Close <= 0 || t.Day.Volume < 0 {
			dropped++
			continue
		}

		changePct := t.TodaysChangePerc
		if t.PrevDay.Close == 0 {
			changePct = 0
		}

		snapshots = append(snapshots, domain.Snapshot{
			Symbol:    t.Ticker,
			Price:     t.Day.Close,
			Volume:    int64(t.Day.Volume),
			PrevClose: t.PrevDay.Close,
			ChangePct: changePct,
			High:      t.Day.High,
			Low:       t.Day.Low,
			Timestamp: time.Unix(0, t.Updated).UTC(),
		})
	}

	log.Debug().Int("tickers", len(snapshots)).Int("dropped", dropped).
		Msg("bulk snapshot fetched")

	return snapshots, nil
}

// aggsResponse mirrors the daily aggregates payload shape.
type aggsResponse struct {
	Results []struct {
		Timestamp int64   `json:"t"`
		Volume    float64 `json:"v"`
		Close     float64 `json:"c"`
	} `json:"results"`
}

// HistoricalBars fetches up to nDays of completed daily bars for one symbol,
// newest first. Used only by the volume cache refresh job.
func (c *Client) HistoricalBars(ctx context.Context, symbol string, nDays int) ([]domain.Bar, error) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -nDays*2) // calendar span covers weekends/holidays

	url := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s?adjusted=true&sort=desc&limit=%d&apiKey=%s",
		c.baseURL, symbol, from.Format("2006-01-02"), to.Format("2006-01-02"), nDays, c.apiKey.Load().(string))

	body, err := c.get(ctx, ClassAggregates, url)
	if err != nil {
		return nil, err
	}

	var resp aggsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed aggregates payload: %v", domain.ErrProviderUnavailable, err)
	}

	bars := make([]domain.Bar, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Volume < 0 {
			continue
		}
		bars = append(bars, domain.Bar{
			Date:   time.UnixMilli(r.Timestamp).UTC(),
			Volume: int64(r.Volume),
			Close:  r.Close,
		})
	}
	return bars, nil
}

// get performs a rate-limited, circuit-broken GET with jittered exponential
// backoff. Auth failures latch the client until Reload.
func (c *Client) get(ctx context.Context, class, url string) ([]byte, error) {
	if c.authBroken.Load() {
		return nil, domain.ErrProviderAuth
	}

	boff := &backoff.Backoff{
		Min:    retryBaseMin,
		Max:    retryBaseMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx, class); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", domain.ErrProviderUnavailable, err)
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doGet(ctx, url)
		})
		if err == nil {
			return result.([]byte), nil
		}

		if errors.Is(err, domain.ErrProviderAuth) {
			c.authBroken.Store(true)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, ctx.Err())
		}
		lastErr = err

		if attempt < maxAttempts {
			delay := boff.Duration()
			log.Debug().Str("class", class).Int("attempt", attempt).
				Dur("backoff", delay).Err(err).
				Msg("provider call failed, retrying")
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, lastErr)
}

func (c *Client) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", domain.ErrProviderAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}
