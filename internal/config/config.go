package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sawpanic/equityrun/internal/ratelimit"
)

// ProviderConfig holds upstream market data provider settings. Snapshot and
// Aggregates are separate bucket classes so the refresh job cannot starve the
// hot path.
type ProviderConfig struct {
	BaseURL    string                 `yaml:"base_url"`
	APIKey     string                 `yaml:"api_key"`
	Snapshot   ratelimit.BucketConfig `yaml:"snapshot"`
	Aggregates ratelimit.BucketConfig `yaml:"aggregates"`
}

// Config is the process-wide configuration, read once at startup; the
// process does not re-read it while running.
type Config struct {
	Strategy     string
	HTTPAddr     string
	DatabaseURL  string
	RedisAddr    string
	RedisDB      int
	EventSinkURL string
	PresetsPath  string

	MaxDataAge      time.Duration
	ScanBudgetSoft  time.Duration
	ScanBudgetHard  time.Duration
	ScanInterval    time.Duration
	ArtifactTTL     time.Duration
	VolumeFreshness time.Duration

	MomentumTopK   int
	MinRVol        float64
	MaxCandidates  int
	ScoringShardAt int

	Provider ProviderConfig
}

// Default returns the built-in configuration before env overrides.
func Default() *Config {
	return &Config{
		Strategy:        "hybrid_v1",
		HTTPAddr:        "127.0.0.1:8090",
		RedisAddr:       "127.0.0.1:6379",
		MaxDataAge:      300 * time.Second,
		ScanBudgetSoft:  15 * time.Second,
		ScanBudgetHard:  30 * time.Second,
		ScanInterval:    60 * time.Second,
		ArtifactTTL:     600 * time.Second,
		VolumeFreshness: 48 * time.Hour,
		MomentumTopK:    1000,
		MinRVol:         1.5,
		MaxCandidates:   50,
		ScoringShardAt:  2000,
		Provider: ProviderConfig{
			BaseURL:    "https://api.polygon.io",
			Snapshot:   ratelimit.BucketConfig{RPS: 1, Burst: 2},
			Aggregates: ratelimit.BucketConfig{RPS: 5, Burst: 10},
		},
	}
}

// Load builds configuration from the environment on top of defaults.
func Load() (*Config, error) {
	c := Default()

	if v := os.Getenv("STRATEGY"); v != "" {
		c.Strategy = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		c.RedisDB = db
	}
	if v := os.Getenv("EVENT_SINK_URL"); v != "" {
		c.EventSinkURL = v
	}
	if v := os.Getenv("PRESETS_PATH"); v != "" {
		c.PresetsPath = v
	}
	if v := os.Getenv("POLYGON_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}

	var err error
	if c.MaxDataAge, err = envSeconds("MAX_DATA_AGE_SECONDS", c.MaxDataAge); err != nil {
		return nil, err
	}
	if c.ScanBudgetHard, err = envSeconds("SCAN_BUDGET_SECONDS", c.ScanBudgetHard); err != nil {
		return nil, err
	}
	if c.ScanInterval, err = envSeconds("SCAN_INTERVAL_SECONDS", c.ScanInterval); err != nil {
		return nil, err
	}
	if c.ScanBudgetHard < c.ScanBudgetSoft {
		c.ScanBudgetSoft = c.ScanBudgetHard / 2
	}

	if v := os.Getenv("MOMENTUM_TOPK"); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil || k <= 0 {
			return nil, fmt.Errorf("invalid MOMENTUM_TOPK %q", v)
		}
		c.MomentumTopK = k
	}
	if v := os.Getenv("MIN_RVOL_DEFAULT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("invalid MIN_RVOL_DEFAULT %q", v)
		}
		c.MinRVol = r
	}
	if v := os.Getenv("SNAPSHOT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			return nil, fmt.Errorf("invalid SNAPSHOT_RPS %q", v)
		}
		c.Provider.Snapshot.RPS = rps
	}
	if v := os.Getenv("AGGREGATES_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			return nil, fmt.Errorf("invalid AGGREGATES_RPS %q", v)
		}
		c.Provider.Aggregates.RPS = rps
	}

	return c, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return time.Duration(secs) * time.Second, nil
}
