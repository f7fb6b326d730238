package domain

import (
	"regexp"
	"time"
)

// Session identifies the current U.S. equity trading session.
type Session string

const (
	SessionPremarket  Session = "premarket"
	SessionRegular    Session = "regular"
	SessionAfterhours Session = "afterhours"
	SessionClosed     Session = "closed"
)

// ActionTag classifies a scored candidate for downstream consumers.
type ActionTag string

const (
	TagTradeReady ActionTag = "trade_ready"
	TagWatchlist  ActionTag = "watchlist"
	TagRejected   ActionTag = "rejected"
)

// FloatClass buckets tradeable share count.
type FloatClass string

const (
	FloatSmall   FloatClass = "small" // <= 75M shares
	FloatMid     FloatClass = "mid"   // 75M - 150M
	FloatLarge   FloatClass = "large" // >= 150M
	FloatUnknown FloatClass = "unknown"
)

const (
	FloatSmallMaxShares = 75_000_000
	FloatLargeMinShares = 150_000_000
)

// ClassifyFloat maps a share count to its float class. Zero or negative
// counts are unknown, never coerced into a bucket.
func ClassifyFloat(shares float64) FloatClass {
	switch {
	case shares <= 0:
		return FloatUnknown
	case shares <= FloatSmallMaxShares:
		return FloatSmall
	case shares >= FloatLargeMinShares:
		return FloatLarge
	default:
		return FloatMid
	}
}

var symbolRe = regexp.MustCompile(`^[A-Z0-9]{1,6}$`)

// ValidSymbol reports whether s is an uppercase alphanumeric ticker of 1-6 chars.
func ValidSymbol(s string) bool {
	return symbolRe.MatchString(s)
}

// Snapshot is one market observation for a symbol at scan time. Snapshots are
// created by the market data client, consumed within a single run, and never
// persisted.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
	PrevClose float64   `json:"prev_close"`
	ChangePct float64   `json:"change_pct"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name,omitempty"`
}

// Bar is one completed daily aggregate, used only by the volume refresh job.
type Bar struct {
	Date   time.Time `json:"date"`
	Volume int64     `json:"volume"`
	Close  float64   `json:"close"`
}

// VolumeAverage is the cached trailing-volume baseline for a symbol.
// Owned by the volume cache; avg_20d is always positive.
type VolumeAverage struct {
	Symbol      string    `json:"symbol" db:"symbol"`
	Avg20d      int64     `json:"avg_20d" db:"avg_20d"`
	Avg30d      *int64    `json:"avg_30d,omitempty" db:"avg_30d"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Subscores are the five normalized component scores, each in [0,1].
type Subscores struct {
	VolumeMomentum float64 `json:"volume_momentum"`
	Squeeze        float64 `json:"squeeze"`
	Catalyst       float64 `json:"catalyst"`
	Options        float64 `json:"options"`
	Technical      float64 `json:"technical"`
}

// SubscoreNames lists subscore keys in canonical (weight-hash) order.
var SubscoreNames = []string{"volume_momentum", "squeeze", "catalyst", "options", "technical"}

// FactorInputs carries the raw inputs feeding the five subscores. Inputs that
// can be absent upstream (squeeze, catalyst, options families) are Values;
// inputs derived within the pipeline are plain fields.
type FactorInputs struct {
	RelVol30      float64 `json:"relvol_30"`
	UptrendDays   int     `json:"uptrend_days"`
	VWAPReclaimed bool    `json:"vwap_reclaimed"`
	VWAPDistPct   float64 `json:"vwap_dist_pct"`
	ATRPct        float64 `json:"atr_pct"`

	FloatShares   Value `json:"float_shares"`
	ShortInterest Value `json:"short_interest"`
	BorrowFee     Value `json:"borrow_fee"`
	Utilization   Value `json:"utilization"`

	NewsScore  Value `json:"news_score"`
	SocialRank Value `json:"social_rank"`

	CallPutRatio Value `json:"call_put_ratio"`
	IVPercentile Value `json:"iv_percentile"`

	EMACrossBull bool    `json:"ema_cross_bull"`
	RSI          float64 `json:"rsi"`
}

// SourcedValues returns the named Value inputs for integrity inspection.
func (f FactorInputs) SourcedValues() map[string]Value {
	return map[string]Value{
		"float_shares":   f.FloatShares,
		"short_interest": f.ShortInterest,
		"borrow_fee":     f.BorrowFee,
		"utilization":    f.Utilization,
		"news_score":     f.NewsScore,
		"social_rank":    f.SocialRank,
		"call_put_ratio": f.CallPutRatio,
		"iv_percentile":  f.IVPercentile,
	}
}

// Candidate is a scored survivor of the discovery pipeline. Constructed by
// the scoring engine, published atomically per scan, never mutated after.
type Candidate struct {
	Symbol string `json:"symbol"`
	ScanID string `json:"scan_id"`

	Price      float64      `json:"price"`
	RVol       float64      `json:"rvol"`
	ATRPct     float64      `json:"atr_pct"`
	RelVol30   float64      `json:"relvol_30"`
	VWAPHeld   bool         `json:"vwap_reclaimed"`
	FloatClass FloatClass   `json:"float_class"`
	Inputs     FactorInputs `json:"inputs"`

	Subscores Subscores `json:"subscores"`
	Score     float64   `json:"score"`
	ActionTag ActionTag `json:"action_tag"`

	MissingInputs []string `json:"missing_inputs,omitempty"`

	SoftPass    bool   `json:"soft_pass"`
	MidFloatAlt bool   `json:"mid_float_alt"`
	Strategy    string `json:"strategy"`
	Preset      string `json:"preset"`
	WeightsHash string `json:"weights_hash"`
}

// ScanStats summarizes per-stage survivor counts for one run.
type ScanStats struct {
	UniverseSize  int `json:"universe_size"`
	Filtered      int `json:"filtered"`
	PreRanked     int `json:"pre_ranked"`
	CacheHits     int `json:"cache_hits"`
	RVolSurvivors int `json:"rvol_survivors"`
	Scored        int `json:"scored"`
	Published     int `json:"published"`
}

// ScanArtifact is the immutable published result of one scan. Readers compute
// freshness from GeneratedAt, not from store TTL alone.
type ScanArtifact struct {
	ScanID      string      `json:"scan_id"`
	GeneratedAt time.Time   `json:"generated_at"`
	Strategy    string      `json:"strategy"`
	Preset      string      `json:"preset"`
	WeightsHash string      `json:"weights_hash"`
	Candidates  []Candidate `json:"candidates"`
	Stats       ScanStats   `json:"stats"`
	TraceRef    string      `json:"trace_ref,omitempty"`
}

// RejectionRecord notes one symbol dropped at one stage.
type RejectionRecord struct {
	Symbol  string  `json:"symbol"`
	Stage   string  `json:"stage"`
	Reason  string  `json:"reason"`
	Session Session `json:"session"`
}
