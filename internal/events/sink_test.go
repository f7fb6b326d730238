package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSink_DeliversEvent(t *testing.T) {
	var received atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event ScanEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		received.Store(event)
	}))
	defer srv.Close()

	sink := NewSink(srv.URL, nil)
	sink.Emit(ScanEvent{ScanID: "scan-1", Strategy: "hybrid_v1", Session: domain.SessionRegular})

	waitFor(t, func() bool { return received.Load() != nil })
	assert.Equal(t, "scan-1", received.Load().(ScanEvent).ScanID)
	assert.Equal(t, int64(0), sink.Dropped())
}

func TestSink_FailuresAreCountedNotPropagated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var drops atomic.Int32
	sink := NewSink(srv.URL, func() { drops.Add(1) })

	// Emit never blocks or errors, whatever the sink's health.
	sink.Emit(ScanEvent{ScanID: "scan-1"})
	waitFor(t, func() bool { return sink.Dropped() == 1 })
	assert.Equal(t, int32(1), drops.Load())
}

func TestSink_DisabledWithoutURL(t *testing.T) {
	sink := NewSink("", nil)
	sink.Emit(ScanEvent{ScanID: "scan-1"})
	assert.Equal(t, int64(0), sink.Dropped())
}

func TestSink_CircuitBreaksAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewSink(srv.URL, nil)
	for i := 0; i < 6; i++ {
		sink.Emit(ScanEvent{ScanID: "scan"})
		waitFor(t, func() bool { return sink.Dropped() == int64(i+1) })
	}

	// The breaker opened after three consecutive failures; later events are
	// dropped without reaching the wire.
	assert.LessOrEqual(t, calls.Load(), int32(3))
	assert.Equal(t, int64(6), sink.Dropped())
}
