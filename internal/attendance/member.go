package attendance

import (
	"fmt"
	"sort"
	"time"

	"qrattend/internal/clock"
)

// Roles.
const (
	RoleAdmin    = "admin"
	RoleEmployee = "employe"
	RoleOther    = "autre"
)

// HistoryEntry is one calendar day's attendance record.
type HistoryEntry struct {
	Date    string `json:"date"`
	Present bool   `json:"present"`
}

// Member is a tracked person. History is kept in chronological order with at
// most one entry per date, and Present mirrors today's entry.
type Member struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	Number   string `json:"number"`
	Position string `json:"position"`
	QG       string `json:"qg"`

	Image        string `json:"image"`
	ImageKey     string `json:"-"`
	PasswordHash string `json:"-"`

	WorkLocation     string     `json:"workLocation"`
	ContractStart    *time.Time `json:"contractStart"`
	ContractEnd      *time.Time `json:"contractEnd"`
	Salary           float64    `json:"salary"`
	ContractType     string     `json:"contractType"`
	Activity         string     `json:"activity"`
	ActivityBy       string     `json:"activityBy"`
	ActivityDeadline *time.Time `json:"activityDeadline"`
	Birthday         *time.Time `json:"birthday"`
	Mentor           string     `json:"mentor"`
	Manager          string     `json:"manager"`
	Nationality      string     `json:"nationality"`

	Present  bool           `json:"present"`
	LastScan *string        `json:"lastScan"`
	History  []HistoryEntry `json:"history"`

	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy. History is never nil in the copy.
func (m *Member) Clone() *Member {
	c := *m
	c.History = make([]HistoryEntry, len(m.History))
	copy(c.History, m.History)
	if m.LastScan != nil {
		s := *m.LastScan
		c.LastScan = &s
	}
	c.ContractStart = cloneTime(m.ContractStart)
	c.ContractEnd = cloneTime(m.ContractEnd)
	c.ActivityDeadline = cloneTime(m.ActivityDeadline)
	c.Birthday = cloneTime(m.Birthday)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// indexOf scans the whole history; entries may be out of order after manual edits.
func (m *Member) indexOf(date string) int {
	for i, h := range m.History {
		if h.Date == date {
			return i
		}
	}
	return -1
}

// EntryFor returns the history entry for date, if any.
func (m *Member) EntryFor(date string) (HistoryEntry, bool) {
	if i := m.indexOf(date); i >= 0 {
		return m.History[i], true
	}
	return HistoryEntry{}, false
}

// PresentOn reports whether date has an entry marked present.
func (m *Member) PresentOn(date string) bool {
	e, ok := m.EntryFor(date)
	return ok && e.Present
}

// MarkPresent records a scan for today. A present entry for today rejects the
// scan without touching the member; an absent entry for today is flipped in
// place so the one-entry-per-date rule holds.
func (m *Member) MarkPresent(today string) error {
	if i := m.indexOf(today); i >= 0 {
		if m.History[i].Present {
			return &AlreadyScannedError{Name: m.Name, Date: today}
		}
		m.History[i].Present = true
	} else {
		m.History = append(m.History, HistoryEntry{Date: today, Present: true})
	}
	m.Present = true
	d := today
	m.LastScan = &d
	return nil
}

// Backfill appends an absent entry for every day after the last history entry
// and strictly before today that has no entry yet. With an empty history it
// starts from today, so a new member gets nothing backfilled. It returns the
// number of appended entries.
func (m *Member) Backfill(today string) (int, error) {
	end, err := clock.ParseDay(today)
	if err != nil {
		return 0, fmt.Errorf("parse today %q: %w", today, err)
	}

	last := end.AddDate(0, 0, -1)
	if n := len(m.History); n > 0 {
		last, err = clock.ParseDay(m.History[n-1].Date)
		if err != nil {
			return 0, fmt.Errorf("member %s: parse history date %q: %w", m.ID, m.History[n-1].Date, err)
		}
	}

	seen := make(map[string]struct{}, len(m.History))
	for _, h := range m.History {
		seen[h.Date] = struct{}{}
	}

	added := 0
	for d := last.AddDate(0, 0, 1); d.Before(end); d = d.AddDate(0, 0, 1) {
		ds := d.Format(clock.DayLayout)
		if _, ok := seen[ds]; ok {
			continue
		}
		m.History = append(m.History, HistoryEntry{Date: ds, Present: false})
		seen[ds] = struct{}{}
		added++
	}
	return added, nil
}

// RecomputePresent derives Present from today's entry and reports whether it changed.
func (m *Member) RecomputePresent(today string) bool {
	present := m.PresentOn(today)
	changed := present != m.Present
	m.Present = present
	return changed
}

// SetEntry overrides the entry for date, inserting it at its chronological
// position when missing. LastScan is moved to the latest present day so it
// keeps pointing at a present entry.
func (m *Member) SetEntry(date string, present bool, today string) {
	if i := m.indexOf(date); i >= 0 {
		m.History[i].Present = present
	} else {
		pos := sort.Search(len(m.History), func(i int) bool { return m.History[i].Date > date })
		m.History = append(m.History, HistoryEntry{})
		copy(m.History[pos+1:], m.History[pos:])
		m.History[pos] = HistoryEntry{Date: date, Present: present}
	}

	m.LastScan = nil
	for _, h := range m.History {
		if h.Present && (m.LastScan == nil || h.Date > *m.LastScan) {
			d := h.Date
			m.LastScan = &d
		}
	}
	m.RecomputePresent(today)
}

// HistoryBetween returns entries whose date is within [from, to]; empty bounds are open.
func (m *Member) HistoryBetween(from, to string) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(m.History))
	for _, h := range m.History {
		if from != "" && h.Date < from {
			continue
		}
		if to != "" && h.Date > to {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Summary aggregates a slice of history entries.
type Summary struct {
	Days    int     `json:"days"`
	Present int     `json:"present"`
	Absent  int     `json:"absent"`
	Rate    float64 `json:"rate"`
}

// Summarize counts present and absent days.
func Summarize(entries []HistoryEntry) Summary {
	var s Summary
	for _, h := range entries {
		s.Days++
		if h.Present {
			s.Present++
		} else {
			s.Absent++
		}
	}
	if s.Days > 0 {
		s.Rate = float64(s.Present) / float64(s.Days)
	}
	return s
}
