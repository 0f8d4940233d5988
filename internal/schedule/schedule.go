package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDurationSec is applied when a schedule is created without a duration.
const DefaultDurationSec = 30

var (
	ErrNameRequired    = errors.New("schedule name is required")
	ErrAudioRequired   = errors.New("schedule audio path is required")
	ErrInvalidTime     = errors.New("schedule time out of range")
	ErrInvalidDuration = errors.New("schedule duration must be positive")
	ErrNoWeekdays      = errors.New("schedule needs at least one weekday")
)

// Schedule is one configured signal. Time has minute resolution; seconds
// never take part in evaluation.
type Schedule struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	AudioPath   string     `json:"audio_path"`
	Hour        int        `json:"hour"`
	Minute      int        `json:"minute"`
	DurationSec int        `json:"duration_sec"`
	Device      string     `json:"device,omitempty"`
	Weekdays    WeekdaySet `json:"weekdays"`
	Enabled     bool       `json:"enabled"`
	Notes       string     `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Key identifies one firing of a schedule within a clock minute.
type Key struct {
	ID     int64
	Hour   int
	Minute int
}

func (s Schedule) Key() Key { return Key{ID: s.ID, Hour: s.Hour, Minute: s.Minute} }

// Validate reports the first configuration error. Stores call it on every write
// so the evaluator never sees an unfireable schedule.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrNameRequired
	}
	if strings.TrimSpace(s.AudioPath) == "" {
		return ErrAudioRequired
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("%w: hour %d", ErrInvalidTime, s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("%w: minute %d", ErrInvalidTime, s.Minute)
	}
	if s.DurationSec <= 0 {
		return fmt.Errorf("%w: %ds", ErrInvalidDuration, s.DurationSec)
	}
	if s.Weekdays.Empty() {
		return ErrNoWeekdays
	}
	return nil
}

// DueAt is the due predicate: weekday in the set and exact (hour, minute) match.
func (s Schedule) DueAt(day time.Weekday, hour, minute int) bool {
	return s.Weekdays.Has(day) && s.Hour == hour && s.Minute == minute
}

func (s Schedule) PlayDuration() time.Duration {
	return time.Duration(s.DurationSec) * time.Second
}

// Clock renders the configured time as HH:MM.
func (s Schedule) Clock() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

// CronSpec expresses the schedule as a standard five-field cron line.
func (s Schedule) CronSpec() string {
	days := make([]string, 0, 7)
	for _, d := range s.Weekdays.Days() {
		days = append(days, strconv.Itoa(int(d)))
	}
	dow := "*"
	if len(days) > 0 && len(days) < 7 {
		dow = strings.Join(days, ",")
	}
	return fmt.Sprintf("%d %d * * %s", s.Minute, s.Hour, dow)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Next returns the next firing strictly after from, in from's location.
// Zero time means the schedule can never fire.
func (s Schedule) Next(from time.Time) time.Time {
	if s.Weekdays.Empty() {
		return time.Time{}
	}
	sched, err := cronParser.Parse(s.CronSpec())
	if err != nil {
		return time.Time{}
	}
	return sched.Next(from)
}

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})(?::\d{2})?\s*$`)

// ParseClock parses "HH:MM" (a trailing ":SS" is accepted and ignored).
func ParseClock(raw string) (hour, minute int, err error) {
	m := reClock.FindStringSubmatch(raw)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", raw)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
	}
	return hour, minute, nil
}

// SortByTime orders schedules by time of day, then id.
func SortByTime(list []Schedule) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Hour != b.Hour {
			return a.Hour < b.Hour
		}
		if a.Minute != b.Minute {
			return a.Minute < b.Minute
		}
		return a.ID < b.ID
	})
}
