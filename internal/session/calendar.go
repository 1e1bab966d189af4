// Package session models the exchange trading day: session hours, the
// defining range observed after the open and time-of-day jobs.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Clock is a wall-clock time of day in minutes after midnight.
type Clock int

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("parse clock %q: out of range", s)
	}
	return Clock(h*60 + m), nil
}

// MustClock is ParseClock for constants.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Hour returns the hour component.
func (c Clock) Hour() int { return int(c) / 60 }

// Minute returns the minute component.
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

// Calendar describes a single daily session in one time zone. Weekends and
// listed holidays are closed.
type Calendar struct {
	loc      *time.Location
	open     Clock
	close    Clock
	holidays map[string]struct{}
}

// NewCalendar builds a calendar from a zone name and "HH:MM" open/close times.
func NewCalendar(zone, open, close string, holidays []string) (*Calendar, error) {
	loc, err := loadZone(zone)
	if err != nil {
		return nil, err
	}
	o, err := ParseClock(open)
	if err != nil {
		return nil, err
	}
	c, err := ParseClock(close)
	if err != nil {
		return nil, err
	}
	if c <= o {
		return nil, errors.New("session close must be after open")
	}
	cal := &Calendar{loc: loc, open: o, close: c, holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		d, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(h), loc)
		if err != nil {
			return nil, fmt.Errorf("parse holiday %q: %w", h, err)
		}
		cal.holidays[d.Format(time.DateOnly)] = struct{}{}
	}
	return cal, nil
}

// NSE returns the cash-market calendar: 09:15 to 15:30 IST.
func NSE() *Calendar {
	cal, err := NewCalendar("Asia/Kolkata", "09:15", "15:30", nil)
	if err != nil {
		panic(err)
	}
	return cal
}

func loadZone(name string) (*time.Location, error) {
	if name == "" || name == "Asia/Kolkata" || name == "IST" {
		if loc, err := time.LoadLocation("Asia/Kolkata"); err == nil {
			return loc, nil
		}
		// tzdata may be missing in minimal containers
		return time.FixedZone("IST", 5*3600+30*60), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", name, err)
	}
	return loc, nil
}

// Location returns the calendar time zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// OpenClock returns the session open time of day.
func (c *Calendar) OpenClock() Clock { return c.open }

// CloseClock returns the session close time of day.
func (c *Calendar) CloseClock() Clock { return c.close }

// At returns the instant of clock on the calendar day containing t.
func (c *Calendar) At(t time.Time, clock Clock) time.Time {
	l := t.In(c.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), clock.Hour(), clock.Minute(), 0, 0, c.loc)
}

// Open returns the session open on t's day.
func (c *Calendar) Open(t time.Time) time.Time { return c.At(t, c.open) }

// Close returns the session close on t's day.
func (c *Calendar) Close(t time.Time) time.Time { return c.At(t, c.close) }

// SessionID identifies the trading day containing t.
func (c *Calendar) SessionID(t time.Time) string { return t.In(c.loc).Format(time.DateOnly) }

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	l := t.In(c.loc)
	if wd := l.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := c.holidays[l.Format(time.DateOnly)]
	return !holiday
}

// IsOpen reports whether the market is open at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	return !t.Before(c.Open(t)) && t.Before(c.Close(t))
}

// MinutesSinceOpen is negative before the open.
func (c *Calendar) MinutesSinceOpen(t time.Time) float64 {
	return t.Sub(c.Open(t)).Minutes()
}

// Bucket returns a bucket function aligned to the session open, so that
// wider bars (e.g. 60m) start at 09:15 rather than on the hour.
func (c *Calendar) Bucket(width time.Duration) func(time.Time) time.Time {
	return func(t time.Time) time.Time {
		open := c.Open(t)
		if t.Before(open) || width <= 0 {
			return t.Truncate(width)
		}
		n := t.Sub(open) / width
		return open.Add(n * width)
	}
}
