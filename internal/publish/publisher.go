package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/equityrun/internal/domain"
)

// Key layout for published artifacts. The strategy-scoped key is primary;
// the bare key is the fallback readers use when no strategy is requested.
const keyPrefix = "discovery:contenders:latest"

// ErrNotFound is returned by KV.Get for absent keys.
var ErrNotFound = errors.New("key not found")

// StrategyKey returns the primary key for a strategy's latest artifact.
func StrategyKey(strategy string) string {
	return keyPrefix + ":" + strategy
}

// FallbackKey returns the strategy-agnostic fallback key.
func FallbackKey() string {
	return keyPrefix
}

// KV is the narrow slice of the artifact store the publisher and reader use.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisKV adapts a go-redis client to KV.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps an existing client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (r *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// Publisher serializes scan artifacts under the freshness-tagged keys.
type Publisher struct {
	kv  KV
	ttl time.Duration
}

// NewPublisher creates a publisher writing artifacts with the given TTL.
func NewPublisher(kv KV, ttl time.Duration) *Publisher {
	return &Publisher{kv: kv, ttl: ttl}
}

// Publish writes the artifact under the strategy key then the fallback key,
// identical payloads, one TTL. Each SET is atomic; on the first failure the
// publish aborts so the previous artifact stays authoritative.
func (p *Publisher) Publish(ctx context.Context, artifact *domain.ScanArtifact) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	primary := StrategyKey(artifact.Strategy)
	if err := p.kv.Set(ctx, primary, payload, p.ttl); err != nil {
		return fmt.Errorf("failed to publish %s: %w", primary, err)
	}
	if err := p.kv.Set(ctx, FallbackKey(), payload, p.ttl); err != nil {
		return fmt.Errorf("failed to publish fallback key: %w", err)
	}

	log.Info().Str("scan_id", artifact.ScanID).Str("strategy", artifact.Strategy).
		Int("candidates", len(artifact.Candidates)).Dur("ttl", p.ttl).
		Msg("artifact published")
	return nil
}

// Reader resolves the newest non-expired artifact for consumers.
type Reader struct {
	kv KV
}

// NewReader creates an artifact reader over the same store.
func NewReader(kv KV) *Reader {
	return &Reader{kv: kv}
}

// Latest reads the artifact, preferring the strategy-scoped key and falling
// back to the default key. Returns domain.ErrNoArtifact when neither exists.
func (r *Reader) Latest(ctx context.Context, strategy string) (*domain.ScanArtifact, error) {
	keys := []string{FallbackKey()}
	if strategy != "" {
		keys = []string{StrategyKey(strategy), FallbackKey()}
	}

	for _, key := range keys {
		payload, err := r.kv.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}

		var artifact domain.ScanArtifact
		if err := json.Unmarshal(payload, &artifact); err != nil {
			return nil, fmt.Errorf("corrupt artifact at %s: %w", key, err)
		}
		return &artifact, nil
	}

	return nil, domain.ErrNoArtifact
}

// ScanLock is the single-writer publish lock: at most one scan per strategy
// in flight, held under a short TTL so a crashed scanner cannot wedge the
// system.
type ScanLock struct {
	kv  KV
	ttl time.Duration
}

// NewScanLock creates the lock helper.
func NewScanLock(kv KV, ttl time.Duration) *ScanLock {
	return &ScanLock{kv: kv, ttl: ttl}
}

func lockKey(strategy string) string {
	return "discovery:scan:lock:" + strategy
}

// Acquire takes the per-strategy lock. Returns ErrScanInFlight if another
// holder exists; the release function is safe to call exactly once.
func (l *ScanLock) Acquire(ctx context.Context, strategy, holder string) (func(), error) {
	ok, err := l.kv.SetNX(ctx, lockKey(strategy), []byte(holder), l.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire scan lock: %w", err)
	}
	if !ok {
		return nil, domain.ErrScanInFlight
	}

	release := func() {
		if err := l.kv.Del(context.Background(), lockKey(strategy)); err != nil {
			log.Warn().Err(err).Str("strategy", strategy).Msg("failed to release scan lock")
		}
	}
	return release, nil
}
