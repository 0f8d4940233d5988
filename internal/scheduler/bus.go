package scheduler

import "signalbell/internal/eventbus"

// BusEvent is the payload published for every scheduler event.
type BusEvent struct {
	ScheduleID int64  `json:"schedule_id,omitempty"`
	Name       string `json:"name,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Manual     bool   `json:"manual,omitempty"`
	TookMS     int64  `json:"took_ms,omitempty"`
	QueueLen   int    `json:"queue_len,omitempty"`
	Message    string `json:"message,omitempty"`
}

// NewBusListener republishes scheduler events on bus using the event kind as type.
func NewBusListener(bus eventbus.Bus) Listener {
	return ListenerFunc(func(e Event) {
		if bus == nil {
			return
		}
		data := BusEvent{
			RunID:    e.RunID,
			Manual:   e.Manual,
			TookMS:   e.Took.Milliseconds(),
			QueueLen: e.QueueLen,
			Message:  e.Message,
		}
		if e.Schedule != nil {
			data.ScheduleID = e.Schedule.ID
			data.Name = e.Schedule.Name
		}
		bus.Publish(eventbus.Event{Type: string(e.Kind), Time: e.At, Data: data})
	})
}
