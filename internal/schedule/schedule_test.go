package schedule

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSchedule() Schedule {
	return Schedule{
		ID:          1,
		Name:        "Entrada",
		AudioPath:   "/srv/bells/entrada.mp3",
		Hour:        7,
		Minute:      30,
		DurationSec: DefaultDurationSec,
		Weekdays:    Weekdays(time.Monday, time.Wednesday, time.Friday),
		Enabled:     true,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Schedule)
		want   error
	}{
		{name: "ok", mutate: func(*Schedule) {}},
		{name: "blank name", mutate: func(s *Schedule) { s.Name = "  " }, want: ErrNameRequired},
		{name: "no audio", mutate: func(s *Schedule) { s.AudioPath = "" }, want: ErrAudioRequired},
		{name: "hour 24", mutate: func(s *Schedule) { s.Hour = 24 }, want: ErrInvalidTime},
		{name: "minute -1", mutate: func(s *Schedule) { s.Minute = -1 }, want: ErrInvalidTime},
		{name: "zero duration", mutate: func(s *Schedule) { s.DurationSec = 0 }, want: ErrInvalidDuration},
		{name: "empty weekdays", mutate: func(s *Schedule) { s.Weekdays = 0 }, want: ErrNoWeekdays},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := validSchedule()
			tt.mutate(&s)
			err := s.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestDueAt(t *testing.T) {
	t.Parallel()
	s := validSchedule()
	assert.True(t, s.DueAt(time.Monday, 7, 30))
	assert.False(t, s.DueAt(time.Tuesday, 7, 30), "weekday outside set")
	assert.False(t, s.DueAt(time.Monday, 7, 31), "minute mismatch")
	assert.False(t, s.DueAt(time.Monday, 19, 30), "hour mismatch")
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want WeekdaySet
	}{
		{"mon,wed,fri", Weekdays(time.Monday, time.Wednesday, time.Friday)},
		{"segunda, quarta", Weekdays(time.Monday, time.Wednesday)},
		{"1,7", Weekdays(time.Sunday, time.Saturday)},
		{"weekdays", Weekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)},
		{"daily", AllWeekdays},
		{"fri-mon", Weekdays(time.Friday, time.Saturday, time.Sunday, time.Monday)},
	}
	for _, tt := range tests {
		got, err := ParseWeekdays(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	_, err := ParseWeekdays("")
	assert.ErrorIs(t, err, ErrNoWeekdays)
	_, err = ParseWeekdays("funday")
	assert.Error(t, err)
}

func TestWeekdaySetString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "daily", AllWeekdays.String())
	assert.Equal(t, "weekdays", Weekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday).String())
	assert.Equal(t, "sun,sat", Weekdays(time.Saturday, time.Sunday).String())
}

func TestWeekdaySetJSON(t *testing.T) {
	t.Parallel()
	in := validSchedule()
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"weekdays":["mon","wed","fri"]`)

	var out Schedule
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in.Weekdays, out.Weekdays)
}

func TestNext(t *testing.T) {
	t.Parallel()
	s := validSchedule()
	// Tuesday 2026-10-20 10:00 -> next is Wednesday 07:30.
	from := time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)
	got := s.Next(from)
	assert.Equal(t, time.Date(2026, 10, 21, 7, 30, 0, 0, time.UTC), got)
	assert.Equal(t, "30 7 * * 1,3,5", s.CronSpec())

	s.Weekdays = 0
	assert.True(t, s.Next(from).IsZero())
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	h, m, err := ParseClock("07:05")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 5, m)

	h, m, err = ParseClock("23:59:10")
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 59, m)

	for _, bad := range []string{"24:00", "7h30", "12:60", ""} {
		_, _, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestSortByTime(t *testing.T) {
	t.Parallel()
	list := []Schedule{
		{ID: 3, Hour: 12, Minute: 0},
		{ID: 2, Hour: 7, Minute: 30},
		{ID: 1, Hour: 12, Minute: 0},
	}
	SortByTime(list)
	assert.Equal(t, []int64{2, 1, 3}, []int64{list[0].ID, list[1].ID, list[2].ID})
}
