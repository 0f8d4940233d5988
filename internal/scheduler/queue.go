package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signalbell/internal/audio"
	logx "signalbell/pkg/logx"
)

// dispatch routes due items to playback. A single item with no active runner
// plays directly; several items form a queue run; anything arriving while a
// runner is active is appended behind it. Exactly one runner exists at a time.
func (s *Scheduler) dispatch(items []queued) {
	if len(items) == 0 || !s.Running() {
		return
	}

	s.qmu.Lock()
	if !s.accepting {
		s.qmu.Unlock()
		return
	}
	s.queue = append(s.queue, items...)
	qlen := len(s.queue)
	announce := false
	if (s.runnerActive || qlen > 1) && !s.announced {
		s.announced = true
		announce = true
	}
	spawn := !s.runnerActive
	s.runnerActive = true
	epoch := s.epoch.Load()
	s.qmu.Unlock()

	if announce {
		s.log.Info("execution queue started", logx.Int("size", qlen))
		s.listeners.emit(Event{Kind: EventQueueStarted, At: s.clock.Now(), QueueLen: qlen})
	} else if !spawn {
		s.log.Debug("appended to execution queue", logx.Int("added", len(items)), logx.Int("size", qlen))
	}
	if !spawn {
		return
	}

	// Spawning under mu keeps it ordered before Stop starts waiting.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.sup == nil || s.epoch.Load() != epoch {
		s.abandon(epoch)
		return
	}
	s.sup.Go("playback.runner", func(ctx context.Context) error {
		s.run(ctx, epoch)
		return nil
	})
}

// pop takes the head of the queue. When the queue is empty it retires the
// runner and reports whether a queue run had been announced.
func (s *Scheduler) pop(epoch uint64) (item queued, ok bool, finishedRun bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.epoch.Load() != epoch {
		return queued{}, false, false
	}
	if len(s.queue) == 0 {
		s.runnerActive = false
		finishedRun = s.announced
		s.announced = false
		return queued{}, false, finishedRun
	}
	item = s.queue[0]
	s.queue[0] = queued{}
	s.queue = s.queue[1:]
	return item, true, false
}

// abandon undoes a dispatch whose runner could not be spawned. Items that a
// flush already discarded belong to a newer epoch and are left alone.
func (s *Scheduler) abandon(epoch uint64) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.epoch.Load() != epoch {
		return
	}
	s.queue = nil
	s.runnerActive = false
	s.announced = false
	s.epoch.Add(1)
}

func (s *Scheduler) openQueue() {
	s.qmu.Lock()
	s.accepting = true
	s.qmu.Unlock()
}

// flushQueue discards queued items and detaches the current runner. With
// closing set, later dispatches are refused until Start reopens the queue.
func (s *Scheduler) flushQueue(closing bool) int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if closing {
		s.accepting = false
	}
	n := len(s.queue)
	s.queue = nil
	s.runnerActive = false
	s.announced = false
	s.epoch.Add(1)
	return n
}

func (s *Scheduler) QueueLen() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) halted(epoch uint64) bool {
	return s.epoch.Load() != epoch || !s.Running()
}

// run plays items until the queue is empty. Every item after the first waits
// QueueGap once it has been popped.
func (s *Scheduler) run(ctx context.Context, epoch uint64) {
	for first := true; ; first = false {
		item, ok, finishedRun := s.pop(epoch)
		if !ok {
			if finishedRun && !s.halted(epoch) {
				s.log.Info("execution queue finished")
				s.listeners.emit(Event{Kind: EventQueueFinished, At: s.clock.Now()})
			}
			return
		}

		if !first && !s.pause(ctx) {
			return
		}
		s.play(ctx, epoch, item)
		if s.halted(epoch) || ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) pause(ctx context.Context) bool {
	t := time.NewTimer(s.cfg.QueueGap)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// play runs one playback and reports it. Nothing is emitted once the runner
// has been detached by Stop or StopPlayback.
func (s *Scheduler) play(ctx context.Context, epoch uint64, item queued) {
	if s.halted(epoch) {
		return
	}
	sch := item.sch
	runID := uuid.NewString()
	log := s.log.With(
		logx.String("run", runID),
		logx.Int64("id", sch.ID),
		logx.String("name", sch.Name),
		logx.Bool("manual", item.manual),
	)

	s.fired.Add(1)
	log.Info("signal fired", logx.String("at", sch.Clock()), logx.Int("duration_sec", sch.DurationSec))
	s.listeners.emit(Event{Kind: EventFired, At: s.clock.Now(), Schedule: &sch, RunID: runID, Manual: item.manual, QueueLen: s.QueueLen()})

	start := time.Now()
	err := s.await(ctx, sch.PlayDuration(), s.player.Play(ctx, audio.Request{
		Path:     sch.AudioPath,
		Duration: sch.PlayDuration(),
		Device:   sch.Device,
	}))
	took := time.Since(start)

	if s.halted(epoch) {
		log.Debug("playback interrupted", logx.Duration("took", took))
		return
	}
	if err != nil {
		s.failed.Add(1)
		log.Warn("playback failed", logx.Err(err), logx.Duration("took", took))
		s.listeners.emit(Event{
			Kind:     EventError,
			At:       s.clock.Now(),
			Schedule: &sch,
			RunID:    runID,
			Manual:   item.manual,
			Took:     took,
			Message:  fmt.Sprintf("playback of %q failed: %v", sch.Name, err),
			Err:      err,
		})
		return
	}
	s.completed.Add(1)
	log.Info("playback completed", logx.Duration("took", took))
	s.listeners.emit(Event{Kind: EventCompleted, At: s.clock.Now(), Schedule: &sch, RunID: runID, Manual: item.manual, Took: took})
}

// await waits for the player, force-stopping it at the duration boundary.
func (s *Scheduler) await(ctx context.Context, d time.Duration, done <-chan error) error {
	boundary := time.NewTimer(d)
	defer boundary.Stop()

	select {
	case err := <-done:
		if errors.Is(err, audio.ErrStopped) {
			return nil
		}
		return err
	case <-boundary.C:
	case <-ctx.Done():
	}

	s.player.Stop()
	grace := time.NewTimer(s.cfg.BoundaryGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		if err == nil || errors.Is(err, audio.ErrStopped) {
			return ctx.Err()
		}
		return err
	case <-grace.C:
		return fmt.Errorf("player did not stop within %s", s.cfg.BoundaryGrace)
	}
}
