package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Status is a point-in-time view of the engine for CLIs and the debug server.
type Status struct {
	State        State     `json:"state"`
	Playing      bool      `json:"playing"`
	QueueLen     int       `json:"queue_len"`
	QueueRunning bool      `json:"queue_running"`
	LastTick     time.Time `json:"last_tick"`
	CacheSize    int       `json:"cache_size"`
	Fired        uint64    `json:"fired"`
	Completed    uint64    `json:"completed"`
	Failed       uint64    `json:"failed"`
	TickErrors   uint64    `json:"tick_errors"`
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Scheduler) Status() Status {
	st := Status{
		Playing:    s.player.IsPlaying(),
		CacheSize:  s.cache.size(),
		Fired:      s.fired.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		TickErrors: s.tickErrors.Load(),
	}
	if s.Running() {
		st.State = StateRunning
	}
	s.qmu.Lock()
	st.QueueLen = len(s.queue)
	st.QueueRunning = s.runnerActive
	s.qmu.Unlock()
	if ns := s.lastTick.Load(); ns != 0 {
		st.LastTick = time.Unix(0, ns)
	}
	return st
}

// String renders a one-line summary, e.g. "scheduler: running | playing | queue: 2 (running)".
func (st Status) String() string {
	parts := []string{"scheduler: " + st.State.String()}
	if st.Playing {
		parts = append(parts, "playing")
	}
	if st.QueueLen > 0 {
		q := fmt.Sprintf("queue: %d", st.QueueLen)
		if st.QueueRunning {
			q += " (running)"
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " | ")
}
