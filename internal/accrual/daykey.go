package accrual

import (
	"fmt"
	"time"

	"github.com/goodtune/dutyclock/internal/storage"
)

// DayKey is a calendar date "YYYY-MM-DD" in the engine's reference timezone.
type DayKey string

// ParseDayKey accepts only the canonical form, so "2024-1-5" is rejected.
func ParseDayKey(s string) (DayKey, error) {
	t, err := time.Parse(storage.DayLayout, s)
	if err != nil || t.Format(storage.DayLayout) != s {
		return "", fmt.Errorf("%w: %q", ErrInvalidDayKey, s)
	}
	return DayKey(s), nil
}

func (k DayKey) String() string { return string(k) }

// Calendar maps instants to day keys in a single reference timezone.
type Calendar struct {
	loc *time.Location
}

// NewCalendar returns a calendar for loc; nil means time.Local.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.Local
	}
	return Calendar{loc: loc}
}

func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

func (c Calendar) KeyOf(t time.Time) DayKey {
	return DayKey(t.In(c.Location()).Format(storage.DayLayout))
}

func (c Calendar) StartOfDay(t time.Time) time.Time {
	loc := c.Location()
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// NextMidnight is the first instant of the day after t's day. Days are
// stepped by date, not by 24h, so DST days of 23 or 25 hours split correctly.
func (c Calendar) NextMidnight(t time.Time) time.Time {
	loc := c.Location()
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// DaysBefore returns the key of the day n calendar days before t's day.
func (c Calendar) DaysBefore(t time.Time, n int) DayKey {
	loc := c.Location()
	y, m, d := t.In(loc).Date()
	return c.KeyOf(time.Date(y, m, d-n, 12, 0, 0, 0, loc))
}

// Segment is the part of an interval that falls on one calendar day.
type Segment struct {
	Day     DayKey
	Seconds int64
}

// Split cuts [from, to) at every midnight between them. Empty when to <= from.
func (c Calendar) Split(from, to time.Time) []Segment {
	if !to.After(from) {
		return nil
	}

	var segments []Segment
	cursor := from
	for {
		next := c.NextMidnight(cursor)
		if !next.Before(to) {
			segments = append(segments, Segment{Day: c.KeyOf(cursor), Seconds: seconds(to.Sub(cursor))})
			return segments
		}
		segments = append(segments, Segment{Day: c.KeyOf(cursor), Seconds: seconds(next.Sub(cursor))})
		cursor = next
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
