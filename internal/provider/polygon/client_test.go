package polygon

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/config"
	"github.com/sawpanic/equityrun/internal/domain"
	"github.com/sawpanic/equityrun/internal/ratelimit"
)

func testClient(baseURL string) *Client {
	cfg := config.ProviderConfig{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		Snapshot:   ratelimit.BucketConfig{RPS: 1000, Burst: 1000},
		Aggregates: ratelimit.BucketConfig{RPS: 1000, Burst: 1000},
	}
	return NewClient(cfg, ratelimit.NewManager())
}

const snapshotPayload = `{
	"status": "OK",
	"tickers": [
		{"ticker": "VIGL", "todaysChangePerc": 28.0, "updated": 1700000000000000000,
		 "day": {"c": 3.20, "h": 3.40, "l": 3.00, "v": 9400000},
		 "prevDay": {"c": 2.50}},
		{"ticker": "ZERO", "todaysChangePerc": 5.0,
		 "day": {"c": 0, "h": 1, "l": 1, "v": 1000}, "prevDay": {"c": 1}},
		{"ticker": "IPO", "todaysChangePerc": 99.0,
		 "day": {"c": 10.0, "h": 11, "l": 9, "v": 500000}, "prevDay": {"c": 0}},
		{"ticker": "bad-sym", "todaysChangePerc": 1.0,
		 "day": {"c": 5, "h": 5, "l": 5, "v": 100}, "prevDay": {"c": 5}}
	]
}`

func TestBulkSnapshot_ParsesAndDrops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/v2/snapshot/locale/us/markets/stocks/tickers")
		assert.Equal(t, "test-key", r.URL.Query().Get("apiKey"))
		fmt.Fprint(w, snapshotPayload)
	}))
	defer srv.Close()

	snaps, err := testClient(srv.URL).BulkSnapshot(context.Background())
	require.NoError(t, err)

	// ZERO (no price) and bad-sym (invalid ticker) are dropped, never patched.
	require.Len(t, snaps, 2)
	assert.Equal(t, "VIGL", snaps[0].Symbol)
	assert.Equal(t, int64(9_400_000), snaps[0].Volume)
	assert.Equal(t, 28.0, snaps[0].ChangePct)

	// Zero previous close forces change_pct to zero.
	assert.Equal(t, "IPO", snaps[1].Symbol)
	assert.Equal(t, 0.0, snaps[1].ChangePct)
}

func TestBulkSnapshot_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, snapshotPayload)
	}))
	defer srv.Close()

	snaps, err := testClient(srv.URL).BulkSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBulkSnapshot_ExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).BulkSnapshot(context.Background())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestBulkSnapshot_AuthFailureLatchesUntilReload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := testClient(srv.URL)

	_, err := client.BulkSnapshot(context.Background())
	require.ErrorIs(t, err, domain.ErrProviderAuth)
	assert.Equal(t, int32(1), calls.Load(), "auth errors are not retried")
	assert.False(t, client.Healthy())

	// Latched: no further upstream calls until credentials are reloaded.
	_, err = client.BulkSnapshot(context.Background())
	require.ErrorIs(t, err, domain.ErrProviderAuth)
	assert.Equal(t, int32(1), calls.Load())

	client.Reload(config.ProviderConfig{BaseURL: srv.URL, APIKey: "new-key"})
	assert.True(t, client.Healthy())
	_, err = client.BulkSnapshot(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHistoricalBars_Parses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/v2/aggs/ticker/VIGL/range/1/day/")
		fmt.Fprint(w, `{"results": [
			{"t": 1700000000000, "v": 500000, "c": 3.1},
			{"t": 1699913600000, "v": 420000, "c": 3.0},
			{"t": 1699827200000, "v": -5, "c": 2.9}
		]}`)
	}))
	defer srv.Close()

	bars, err := testClient(srv.URL).HistoricalBars(context.Background(), "VIGL", 20)
	require.NoError(t, err)

	// The negative-volume row is dropped at the boundary.
	require.Len(t, bars, 2)
	assert.Equal(t, int64(500_000), bars[0].Volume)
	assert.Equal(t, 3.1, bars[0].Close)
}
