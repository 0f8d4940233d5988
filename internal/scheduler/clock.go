package scheduler

import "time"

// Clock is the time source sampled once per tick.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// sample is one reading of the clock, reduced to what evaluation needs.
type sample struct {
	at     time.Time
	day    time.Weekday
	hour   int
	minute int
}

func sampleAt(t time.Time, loc *time.Location) sample {
	if loc != nil {
		t = t.In(loc)
	}
	return sample{at: t, day: t.Weekday(), hour: t.Hour(), minute: t.Minute()}
}
