package notifier

import (
	"fmt"
	"strings"
	"time"

	"signalbell/internal/scheduler"
)

// formatEvent renders e as a notification text and priority.
func formatEvent(e scheduler.Event) (string, int) {
	name := ""
	if e.Schedule != nil {
		name = fmt.Sprintf("%q (%s)", e.Schedule.Name, e.Schedule.Clock())
	}
	switch e.Kind {
	case scheduler.EventFired:
		if e.Manual {
			return "🔔 " + name + " played manually", 3
		}
		return "🔔 " + name + " fired", 3
	case scheduler.EventCompleted:
		return fmt.Sprintf("✅ %s finished in %s", name, e.Took.Round(time.Second)), 1
	case scheduler.EventError:
		msg := e.Message
		if msg == "" && e.Err != nil {
			msg = e.Err.Error()
		}
		return "playback error: " + msg, 9
	case scheduler.EventQueueStarted:
		return fmt.Sprintf("▶️ execution queue started (%d waiting)", e.QueueLen), 3
	case scheduler.EventQueueFinished:
		return "⏹ execution queue finished", 3
	case scheduler.EventStarted:
		return "scheduler started", 5
	case scheduler.EventStopped:
		return "scheduler stopped", 7
	default:
		return strings.TrimSpace(e.String()), 3
	}
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

// eventFilter reports whether kind is forwarded under events.
func eventFilter(events []string) func(scheduler.Kind) bool {
	if len(events) == 0 {
		return func(k scheduler.Kind) bool { return k == scheduler.EventError }
	}
	set := make(map[string]struct{}, len(events))
	for _, e := range events {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "*" || e == "all" {
			return func(scheduler.Kind) bool { return true }
		}
		set[e] = struct{}{}
	}
	return func(k scheduler.Kind) bool {
		_, ok := set[string(k)]
		return ok
	}
}
