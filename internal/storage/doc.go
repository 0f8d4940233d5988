// Package storage persists schedules and the playback run history.
//
// Two backends are available:
//   - sqlite: a single SQLite database file (pure Go driver, WAL mode)
//   - file: a JSON snapshot of the schedules plus a JSON Lines run log
//
// Every write validates the schedule first, so readers only ever see
// schedules the evaluator can fire.
package storage
