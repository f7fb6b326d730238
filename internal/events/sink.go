package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/equityrun/internal/domain"
)

const sinkTimeout = 2 * time.Second

// ScanEvent is the outbound record the learning system consumes. The core
// never imports learning code; this one-way contract is the only coupling.
type ScanEvent struct {
	ScanID      string           `json:"scan_id"`
	Strategy    string           `json:"strategy"`
	GeneratedAt time.Time        `json:"generated_at"`
	Session     domain.Session   `json:"session"`
	Stats       domain.ScanStats `json:"stats"`
	TopSymbols  []string         `json:"top_symbols"`
	WeightsHash string           `json:"weights_hash"`
}

// Sink delivers scan events fire-and-forget: short timeout, circuit breaker,
// failures logged and counted, never propagated to the scan path.
type Sink struct {
	url        string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	dropped    atomic.Int64
	onDrop     func()
}

// NewSink creates a sink posting to url. An empty url disables delivery.
// onDrop, if non-nil, is invoked once per dropped event.
func NewSink(url string, onDrop func()) *Sink {
	return &Sink{
		url:        url,
		httpClient: &http.Client{Timeout: sinkTimeout},
		onDrop:     onDrop,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "event-sink",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Emit delivers the event asynchronously and returns immediately.
func (s *Sink) Emit(event ScanEvent) {
	if s.url == "" {
		return
	}
	go s.deliver(event)
}

// Dropped reports how many events have been dropped since startup.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Sink) deliver(event ScanEvent) {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		payload, err := json.Marshal(event)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("sink status %d", resp.StatusCode)
		}
		return nil, nil
	})

	if err != nil {
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
		log.Warn().Err(err).Str("scan_id", event.ScanID).Msg("scan event dropped")
	}
}
