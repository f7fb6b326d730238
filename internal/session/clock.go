package session

import (
	"time"

	"github.com/sawpanic/equityrun/internal/domain"
)

// Clock abstracts wall time and the derived trading session so the scoring
// engine and API can be tested against fixed instants.
type Clock interface {
	Now() time.Time
	Session() domain.Session
}

// MarketClock derives the U.S. equity session from Eastern wall time.
type MarketClock struct {
	loc *time.Location
}

// NewMarketClock resolves the US/Eastern location. Falls back to a fixed
// UTC-5 zone if the tz database is unavailable.
func NewMarketClock() *MarketClock {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
	}
	return &MarketClock{loc: loc}
}

func (c *MarketClock) Now() time.Time {
	return time.Now().UTC()
}

// Session returns the session for the current instant. Weekends are closed;
// holidays are treated as regular weekdays since the upstream snapshot is
// empty on those days anyway.
func (c *MarketClock) Session() domain.Session {
	return c.sessionAt(time.Now())
}

func (c *MarketClock) sessionAt(t time.Time) domain.Session {
	et := t.In(c.loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return domain.SessionClosed
	}

	minutes := et.Hour()*60 + et.Minute()
	switch {
	case minutes >= 4*60 && minutes < 9*60+30:
		return domain.SessionPremarket
	case minutes >= 9*60+30 && minutes < 16*60:
		return domain.SessionRegular
	case minutes >= 16*60 && minutes < 20*60:
		return domain.SessionAfterhours
	default:
		return domain.SessionClosed
	}
}

// FixedClock returns a constant instant and session, for tests.
type FixedClock struct {
	Instant time.Time
	Current domain.Session
}

func (f *FixedClock) Now() time.Time          { return f.Instant }
func (f *FixedClock) Session() domain.Session { return f.Current }
func (f *FixedClock) Set(s domain.Session)    { f.Current = s }
func (f *FixedClock) Advance(d time.Duration) { f.Instant = f.Instant.Add(d) }
