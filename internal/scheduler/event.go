package scheduler

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"signalbell/internal/schedule"
	logx "signalbell/pkg/logx"
)

type Kind string

const (
	EventStarted       Kind = "scheduler.started"
	EventStopped       Kind = "scheduler.stopped"
	EventFired         Kind = "schedule.fired"
	EventCompleted     Kind = "playback.completed"
	EventError         Kind = "error"
	EventQueueStarted  Kind = "queue.started"
	EventQueueFinished Kind = "queue.finished"
)

// Event is delivered to listeners. Schedule is set for playback events;
// RunID ties the fired/completed/error events of one playback together.
type Event struct {
	Kind     Kind
	At       time.Time
	Schedule *schedule.Schedule
	RunID    string
	Manual   bool
	Took     time.Duration
	QueueLen int
	Message  string
	Err      error
}

func (e Event) String() string {
	if e.Schedule != nil {
		return fmt.Sprintf("%s %q@%s", e.Kind, e.Schedule.Name, e.Schedule.Clock())
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

// Listener receives scheduler events synchronously on the emitting goroutine.
// Implementations must return quickly; hand slow work to a goroutine.
type Listener interface {
	HandleEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }

type listenerEntry struct {
	id uint64
	l  Listener
}

type fanout struct {
	log logx.Logger

	mu  sync.RWMutex
	seq uint64
	ls  []listenerEntry
}

func (f *fanout) add(l Listener) func() {
	if l == nil {
		return func() {}
	}
	f.mu.Lock()
	f.seq++
	id := f.seq
	f.ls = append(f.ls, listenerEntry{id: id, l: l})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, e := range f.ls {
				if e.id == id {
					f.ls = append(f.ls[:i:i], f.ls[i+1:]...)
					return
				}
			}
		})
	}
}

func (f *fanout) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	f.mu.RLock()
	ls := make([]listenerEntry, len(f.ls))
	copy(ls, f.ls)
	f.mu.RUnlock()

	for _, entry := range ls {
		f.deliver(entry, e)
	}
}

func (f *fanout) deliver(entry listenerEntry, e Event) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("listener panicked",
				logx.Uint64("listener", entry.id),
				logx.String("event", string(e.Kind)),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	entry.l.HandleEvent(e)
}
