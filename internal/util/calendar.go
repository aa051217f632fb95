package util

import (
	"fmt"
	"time"
)

// TradingCalendar provides session-hours awareness for a single exchange
// timezone. Session boundaries are computed in the exchange's location, so
// daylight-saving shifts follow the tz database.
type TradingCalendar struct {
	loc   *time.Location
	open  clock
	close clock
}

type clock struct {
	hour, minute int
}

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clock{}, fmt.Errorf("parsing session time %q: %w", s, err)
	}
	return clock{hour: t.Hour(), minute: t.Minute()}, nil
}

// NewTradingCalendar creates a TradingCalendar for the named IANA timezone
// with session open and close given as "HH:MM" local times.
func NewTradingCalendar(timezone, open, close string) (*TradingCalendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, err
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, err
	}
	if c.hour*60+c.minute <= o.hour*60+o.minute {
		return nil, fmt.Errorf("session close %s is not after open %s", close, open)
	}
	return &TradingCalendar{loc: loc, open: o, close: c}, nil
}

// Location returns the exchange timezone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// IsTradingDay reports whether t falls on a weekday in the exchange timezone.
// Exchange holidays are not modelled.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	switch t.In(tc.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// SessionOpen returns the session open on the exchange-local date of t.
func (tc *TradingCalendar) SessionOpen(t time.Time) time.Time {
	l := t.In(tc.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), tc.open.hour, tc.open.minute, 0, 0, tc.loc)
}

// SessionClose returns the session close on the exchange-local date of t.
func (tc *TradingCalendar) SessionClose(t time.Time) time.Time {
	l := t.In(tc.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), tc.close.hour, tc.close.minute, 0, 0, tc.loc)
}

// IsMarketOpen returns whether the regular session is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	return !t.Before(tc.SessionOpen(t)) && t.Before(tc.SessionClose(t))
}

// InCloseWindow reports whether t is inside [close-buffer, close) on a
// trading day.
func (tc *TradingCalendar) InCloseWindow(t time.Time, buffer time.Duration) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	closeAt := tc.SessionClose(t)
	return !t.Before(closeAt.Add(-buffer)) && t.Before(closeAt)
}

// NextOpen returns the next session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	for day := 0; day < 8; day++ {
		d := t.In(tc.loc).AddDate(0, 0, day)
		open := tc.SessionOpen(d)
		if tc.IsTradingDay(open) && !open.Before(t) {
			return open
		}
	}
	return time.Time{}
}

// NextClose returns the next session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	for day := 0; day < 8; day++ {
		d := t.In(tc.loc).AddDate(0, 0, day)
		closeAt := tc.SessionClose(d)
		if tc.IsTradingDay(closeAt) && !closeAt.Before(t) {
			return closeAt
		}
	}
	return time.Time{}
}

// SessionDate returns the exchange-local date of t as YYYY-MM-DD.
func (tc *TradingCalendar) SessionDate(t time.Time) string {
	return t.In(tc.loc).Format("2006-01-02")
}
