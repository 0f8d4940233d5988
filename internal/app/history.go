package app

import (
	"context"
	"sync/atomic"
	"time"

	"signalbell/internal/scheduler"
	"signalbell/internal/storage"
	logx "signalbell/pkg/logx"
)

// historyRecorder persists finished playbacks off the fan-out goroutine.
// Records that do not fit in the buffer are dropped and counted.
type historyRecorder struct {
	store   storage.Store
	log     logx.Logger
	ch      chan storage.RunRecord
	dropped atomic.Uint64
}

func newHistoryRecorder(store storage.Store, log logx.Logger, buffer int) *historyRecorder {
	if buffer <= 0 {
		buffer = 64
	}
	return &historyRecorder{store: store, log: log, ch: make(chan storage.RunRecord, buffer)}
}

func (h *historyRecorder) HandleEvent(e scheduler.Event) {
	if e.Schedule == nil {
		return
	}
	rec := storage.RunRecord{
		ScheduleID: e.Schedule.ID,
		Name:       e.Schedule.Name,
		RunID:      e.RunID,
		Manual:     e.Manual,
		At:         e.At,
		TookMS:     e.Took.Milliseconds(),
	}
	switch e.Kind {
	case scheduler.EventCompleted:
		rec.Outcome = storage.OutcomeCompleted
	case scheduler.EventError:
		rec.Outcome = storage.OutcomeFailed
		if e.Err != nil {
			rec.Error = e.Err.Error()
		}
	default:
		return
	}

	select {
	case h.ch <- rec:
	default:
		h.dropped.Add(1)
		h.log.Warn("run history buffer full; record dropped", logx.String("run", e.RunID))
	}
}

// run writes records until ctx is done, then drains what is already buffered.
func (h *historyRecorder) run(ctx context.Context) error {
	for {
		select {
		case rec := <-h.ch:
			h.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-h.ch:
					h.write(rec)
				default:
					return nil
				}
			}
		}
	}
}

func (h *historyRecorder) write(rec storage.RunRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.AppendRun(ctx, rec); err != nil {
		h.log.Warn("run history write failed", logx.Err(err), logx.String("run", rec.RunID))
	}
}
