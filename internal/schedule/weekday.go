package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WeekdaySet is a bitmask over time.Weekday (bit 0 = Sunday).
type WeekdaySet uint8

const AllWeekdays WeekdaySet = 1<<7 - 1

// Weekdays returns a set holding days.
func Weekdays(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.Add(d)
	}
	return s
}

func (s WeekdaySet) Add(d time.Weekday) WeekdaySet {
	if d < time.Sunday || d > time.Saturday {
		return s
	}
	return s | 1<<uint(d)
}

func (s WeekdaySet) Remove(d time.Weekday) WeekdaySet {
	if d < time.Sunday || d > time.Saturday {
		return s
	}
	return s &^ (1 << uint(d))
}

func (s WeekdaySet) Has(d time.Weekday) bool {
	if d < time.Sunday || d > time.Saturday {
		return false
	}
	return s&(1<<uint(d)) != 0
}

func (s WeekdaySet) Len() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			n++
		}
	}
	return n
}

func (s WeekdaySet) Empty() bool { return s&AllWeekdays == 0 }

// Days lists members from Sunday to Saturday.
func (s WeekdaySet) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

var shortNames = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// String renders "mon,wed,fri"; "daily" and "weekdays" for the common sets.
func (s WeekdaySet) String() string {
	switch s & AllWeekdays {
	case 0:
		return "-"
	case AllWeekdays:
		return "daily"
	case Weekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday):
		return "weekdays"
	}
	parts := make([]string, 0, 7)
	for _, d := range s.Days() {
		parts = append(parts, shortNames[d])
	}
	return strings.Join(parts, ",")
}

func (s WeekdaySet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 7)
	for _, d := range s.Days() {
		names = append(names, shortNames[d])
	}
	return json.Marshal(names)
}

func (s *WeekdaySet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return fmt.Errorf("weekdays: %w", err)
	}
	var out WeekdaySet
	for _, n := range names {
		d, err := ParseWeekday(n)
		if err != nil {
			return err
		}
		out = out.Add(d)
	}
	*s = out
	return nil
}

var weekdayAliases = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday, "dom": time.Sunday, "domingo": time.Sunday,
	"mon": time.Monday, "monday": time.Monday, "seg": time.Monday, "segunda": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday, "ter": time.Tuesday, "terca": time.Tuesday, "terça": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday, "qua": time.Wednesday, "quarta": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday, "qui": time.Thursday, "quinta": time.Thursday,
	"fri": time.Friday, "friday": time.Friday, "sex": time.Friday, "sexta": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday, "sab": time.Saturday, "sabado": time.Saturday, "sábado": time.Saturday,
}

// ParseWeekday accepts English or Portuguese names (full or three-letter) and
// the numeric form 1=Sunday..7=Saturday used by the legacy database.
func ParseWeekday(raw string) (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if d, ok := weekdayAliases[s]; ok {
		return d, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= 7 {
		return time.Weekday(n - 1), nil
	}
	return 0, fmt.Errorf("unknown weekday %q", raw)
}

// ParseWeekdays parses a comma separated list. "daily"/"all" and
// "weekdays"/"weekend" are accepted as shortcuts, and "mon-fri" as a range.
func ParseWeekdays(raw string) (WeekdaySet, error) {
	var out WeekdaySet
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "":
			continue
		case "daily", "all", "*":
			out |= AllWeekdays
			continue
		case "weekdays":
			out |= Weekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
			continue
		case "weekend":
			out |= Weekdays(time.Saturday, time.Sunday)
			continue
		}
		if from, to, ok := strings.Cut(part, "-"); ok {
			a, err := ParseWeekday(from)
			if err != nil {
				return 0, err
			}
			b, err := ParseWeekday(to)
			if err != nil {
				return 0, err
			}
			for d := a; ; d = (d + 1) % 7 {
				out = out.Add(d)
				if d == b {
					break
				}
			}
			continue
		}
		d, err := ParseWeekday(part)
		if err != nil {
			return 0, err
		}
		out = out.Add(d)
	}
	if out.Empty() {
		return 0, ErrNoWeekdays
	}
	return out, nil
}
