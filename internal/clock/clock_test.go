package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixed_Today(t *testing.T) {
	c, err := NewFixedDay("2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", Today(c))

	c.AddDays(1)
	assert.Equal(t, "2026-03-15", Today(c))

	c.Set(time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, "2026-12-31", Today(c))
}

func TestNewFixedDay_Invalid(t *testing.T) {
	_, err := NewFixedDay("14/03/2026")
	assert.Error(t, err)
}

func TestSystem_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+14", 14*3600)
	c := NewSystem(loc)
	assert.Equal(t, loc, c.Now().Location())

	assert.Equal(t, time.Local, NewSystem(nil).Location)
}

func TestAddDays(t *testing.T) {
	tests := []struct {
		day  string
		n    int
		want string
	}{
		{"2026-02-28", 1, "2026-03-01"},
		{"2024-02-28", 1, "2024-02-29"},
		{"2026-01-01", -1, "2025-12-31"},
		{"2026-03-29", 1, "2026-03-30"},
	}
	for _, tt := range tests {
		got, err := AddDays(tt.day, tt.n)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s%+d", tt.day, tt.n)
	}

	_, err := AddDays("not-a-day", 1)
	assert.Error(t, err)
}
