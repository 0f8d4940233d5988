// Package scheduler is the signal engine.
//
// A tick driver samples the clock once per second, selects the enabled
// schedules due in the current minute, suppresses repeats through a fire-once
// cache keyed by (schedule, hour, minute), and hands them to playback:
//
//   - one due schedule plays directly;
//   - several due schedules go through a FIFO execution queue that plays them
//     one at a time with a pacing gap, so outputs never overlap.
//
// Every transition is reported to registered listeners (logging, metrics,
// notifications, run history). A panicking listener is logged and skipped.
//
// Evaluation has minute resolution and no catch-up: a minute missed because
// the process was suspended is not replayed.
package scheduler
