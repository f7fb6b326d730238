package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AllowRespectsBurst(t *testing.T) {
	m := NewManager()
	m.AddClass("snapshot", BucketConfig{RPS: 1, Burst: 2})

	assert.True(t, m.Allow("snapshot"))
	assert.True(t, m.Allow("snapshot"))
	assert.False(t, m.Allow("snapshot"))
}

func TestManager_UnknownClassIsOpen(t *testing.T) {
	m := NewManager()
	assert.True(t, m.Allow("nonexistent"))
	assert.NoError(t, m.Wait(context.Background(), "nonexistent"))
}

func TestManager_ClassesAreIndependent(t *testing.T) {
	m := NewManager()
	m.AddClass("snapshot", BucketConfig{RPS: 1, Burst: 1})
	m.AddClass("aggregates", BucketConfig{RPS: 100, Burst: 10})

	// Draining the snapshot bucket leaves aggregates untouched: the refresh
	// job cannot starve the hot path.
	require.True(t, m.Allow("snapshot"))
	require.False(t, m.Allow("snapshot"))
	assert.True(t, m.Allow("aggregates"))
}

func TestManager_WaitHonorsContext(t *testing.T) {
	m := NewManager()
	m.AddClass("slow", BucketConfig{RPS: 0.001, Burst: 1})
	require.True(t, m.Allow("slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Wait(ctx, "slow"))
}

func TestManager_Snapshot(t *testing.T) {
	m := NewManager()
	m.AddClass("snapshot", BucketConfig{RPS: 2, Burst: 4})

	stats := m.Snapshot()
	require.Contains(t, stats, "snapshot")
	assert.Equal(t, 2.0, stats["snapshot"].RPS)
	assert.Equal(t, 4, stats["snapshot"].Burst)
	assert.False(t, stats["snapshot"].IsThrottled())
}
