package clock

import (
	"sync"
	"time"
)

// DayLayout is the calendar-day format used for history dates.
const DayLayout = "2006-01-02"

// Clock is the only source of "now" for scans and reconciliation.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in a fixed location.
type System struct {
	Location *time.Location
}

// NewSystem returns a wall clock for loc; nil means time.Local.
func NewSystem(loc *time.Location) System {
	if loc == nil {
		loc = time.Local
	}
	return System{Location: loc}
}

// Now returns the current time in the clock's location.
func (s System) Now() time.Time {
	if s.Location == nil {
		return time.Now()
	}
	return time.Now().In(s.Location)
}

// Fixed is a settable clock for tests and replays.
type Fixed struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFixed creates a clock frozen at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t}
}

// NewFixedDay creates a clock frozen at noon UTC of the given YYYY-MM-DD day.
func NewFixedDay(day string) (*Fixed, error) {
	d, err := time.Parse(DayLayout, day)
	if err != nil {
		return nil, err
	}
	return NewFixed(d.Add(12 * time.Hour)), nil
}

// Now returns the frozen time.
func (f *Fixed) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// AddDays advances the clock by n calendar days.
func (f *Fixed) AddDays(n int) {
	f.mu.Lock()
	f.now = f.now.AddDate(0, 0, n)
	f.mu.Unlock()
}

// Today formats the current calendar day of c.
func Today(c Clock) string {
	return c.Now().Format(DayLayout)
}

// ParseDay parses a YYYY-MM-DD string into midnight UTC of that day.
// Day arithmetic is done in UTC so DST transitions never skip or repeat a day.
func ParseDay(s string) (time.Time, error) {
	return time.Parse(DayLayout, s)
}

// AddDays shifts a YYYY-MM-DD day by n days.
func AddDays(day string, n int) (string, error) {
	d, err := ParseDay(day)
	if err != nil {
		return "", err
	}
	return d.AddDate(0, 0, n).Format(DayLayout), nil
}
