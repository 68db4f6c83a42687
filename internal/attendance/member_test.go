package attendance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(pairs ...any) []HistoryEntry {
	out := []HistoryEntry{}
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, HistoryEntry{Date: pairs[i].(string), Present: pairs[i+1].(bool)})
	}
	return out
}

func assertUniqueDates(t *testing.T, h []HistoryEntry) {
	t.Helper()
	seen := map[string]bool{}
	for _, e := range h {
		assert.False(t, seen[e.Date], "duplicate date %s", e.Date)
		seen[e.Date] = true
	}
}

func TestMarkPresent(t *testing.T) {
	m := &Member{Name: "Awa"}
	require.NoError(t, m.MarkPresent("2026-03-02"))
	assert.Equal(t, entries("2026-03-02", true), m.History)
	assert.True(t, m.Present)
	require.NotNil(t, m.LastScan)
	assert.Equal(t, "2026-03-02", *m.LastScan)
}

func TestMarkPresentTwiceRejected(t *testing.T) {
	m := &Member{Name: "Awa"}
	require.NoError(t, m.MarkPresent("2026-03-02"))
	before := m.Clone()

	err := m.MarkPresent("2026-03-02")
	var already *AlreadyScannedError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, "Awa", already.Name)
	assert.ErrorIs(t, err, ErrAlreadyScanned)
	assert.Equal(t, before, m)
}

func TestMarkPresentFlipsAbsentEntry(t *testing.T) {
	m := &Member{History: entries("2026-03-01", true, "2026-03-02", false)}
	require.NoError(t, m.MarkPresent("2026-03-02"))
	assert.Equal(t, entries("2026-03-01", true, "2026-03-02", true), m.History)
	assert.True(t, m.Present)
}

func TestMarkPresentIgnoresStaleLastScan(t *testing.T) {
	// history is authoritative: a lastScan of today without a present entry does not block
	today := "2026-03-02"
	m := &Member{LastScan: &today, History: entries("2026-03-01", true)}
	require.NoError(t, m.MarkPresent(today))
	assert.Equal(t, entries("2026-03-01", true, "2026-03-02", true), m.History)
}

func TestBackfillEmptyHistory(t *testing.T) {
	m := &Member{}
	n, err := m.Backfill("2026-03-02")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, m.History)
}

func TestBackfillGap(t *testing.T) {
	m := &Member{History: entries("2026-02-27", true)}
	n, err := m.Backfill("2026-03-03")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, entries(
		"2026-02-27", true,
		"2026-02-28", false,
		"2026-03-01", false,
		"2026-03-02", false,
	), m.History)
}

func TestBackfillDoesNotTouchToday(t *testing.T) {
	m := &Member{History: entries("2026-03-01", true)}
	n, err := m.Backfill("2026-03-02")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok := m.EntryFor("2026-03-02")
	assert.False(t, ok)
}

func TestBackfillChecksWholeHistory(t *testing.T) {
	m := &Member{History: entries("2026-03-01", true, "2026-03-04", false, "2026-03-02", true)}
	n, err := m.Backfill("2026-03-06")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, entries(
		"2026-03-01", true,
		"2026-03-04", false,
		"2026-03-02", true,
		"2026-03-03", false,
		"2026-03-05", false,
	), m.History)
	assertUniqueDates(t, m.History)
}

func TestBackfillFutureEntry(t *testing.T) {
	m := &Member{History: entries("2026-03-10", false)}
	n, err := m.Backfill("2026-03-05")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackfillBadDates(t *testing.T) {
	_, err := (&Member{}).Backfill("03/02/2026")
	assert.Error(t, err)

	_, err = (&Member{History: entries("garbage", true)}).Backfill("2026-03-02")
	assert.Error(t, err)
}

func TestRecomputePresent(t *testing.T) {
	cases := []struct {
		name    string
		history []HistoryEntry
		flag    bool
		want    bool
		changed bool
	}{
		{"empty", nil, true, false, true},
		{"past absences", entries("2026-03-01", false), false, false, false},
		{"scanned today", entries("2026-03-01", false, "2026-03-02", true), false, true, true},
		{"absent today", entries("2026-03-02", false), true, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Member{History: tc.history, Present: tc.flag}
			assert.Equal(t, tc.changed, m.RecomputePresent("2026-03-02"))
			assert.Equal(t, tc.want, m.Present)
		})
	}
}

func TestSetEntry(t *testing.T) {
	m := &Member{History: entries("2026-03-01", true, "2026-03-03", true)}

	m.SetEntry("2026-03-02", false, "2026-03-03")
	assert.Equal(t, entries("2026-03-01", true, "2026-03-02", false, "2026-03-03", true), m.History)
	assert.True(t, m.Present)
	assert.Equal(t, "2026-03-03", *m.LastScan)

	m.SetEntry("2026-03-03", false, "2026-03-03")
	assert.False(t, m.Present)
	assert.Equal(t, "2026-03-01", *m.LastScan)

	m.SetEntry("2026-02-28", false, "2026-03-03")
	assert.Equal(t, "2026-02-28", m.History[0].Date)

	m.SetEntry("2026-03-01", false, "2026-03-03")
	assert.Nil(t, m.LastScan)
	assertUniqueDates(t, m.History)
}

func TestHistoryBetweenAndSummary(t *testing.T) {
	m := &Member{History: entries("2026-03-01", true, "2026-03-02", false, "2026-03-03", true, "2026-03-04", true)}

	h := m.HistoryBetween("2026-03-02", "2026-03-03")
	assert.Equal(t, entries("2026-03-02", false, "2026-03-03", true), h)
	assert.Len(t, m.HistoryBetween("", ""), 4)
	assert.Len(t, m.HistoryBetween("2026-03-03", ""), 2)

	s := Summarize(m.History)
	assert.Equal(t, Summary{Days: 4, Present: 3, Absent: 1, Rate: 0.75}, s)
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestCloneIsDeep(t *testing.T) {
	scan := "2026-03-01"
	m := &Member{History: entries("2026-03-01", true), LastScan: &scan}
	c := m.Clone()
	c.History[0].Present = false
	*c.LastScan = "x"
	assert.True(t, m.History[0].Present)
	assert.Equal(t, "2026-03-01", *m.LastScan)
}
