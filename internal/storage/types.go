package storage

import (
	"context"
	"errors"
	"time"

	"signalbell/internal/schedule"
)

var (
	ErrNotFound = errors.New("schedule not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "file": JSON snapshot + JSON Lines run log
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// HistoryLimit caps the number of run records kept. 0 means default.
	HistoryLimit int
}

const (
	DefaultPath         = "./signalbell.db"
	DefaultBusyTimeout  = 5 * time.Second
	DefaultHistoryLimit = 1000
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// RunRecord is one finished playback.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID         int64     `json:"id"`
	ScheduleID int64     `json:"schedule_id"`
	Name       string    `json:"name"`
	RunID      string    `json:"run_id"`
	Manual     bool      `json:"manual,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	At         time.Time `json:"at"`
	TookMS     int64     `json:"took_ms"`
	Error      string    `json:"error,omitempty"`
}

// Store is the persistence API used by the scheduler, the app and the CLI.
// List and ListEnabled return schedules ordered by time of day, then id.
type Store interface {
	ListEnabled(ctx context.Context) ([]schedule.Schedule, error)
	List(ctx context.Context) ([]schedule.Schedule, error)
	Get(ctx context.Context, id int64) (schedule.Schedule, error)
	Create(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	Update(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	Delete(ctx context.Context, id int64) error
	SetEnabled(ctx context.Context, id int64, enabled bool) (schedule.Schedule, error)

	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}

// prepare fills defaults and validates s before a write.
func prepare(s schedule.Schedule) (schedule.Schedule, error) {
	if s.DurationSec == 0 {
		s.DurationSec = schedule.DefaultDurationSec
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
