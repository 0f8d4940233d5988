// Package schedule holds the signal schedule model: what to play, when, and on
// which weekdays. It has no I/O; persistence lives in internal/storage and
// evaluation in internal/scheduler.
package schedule
