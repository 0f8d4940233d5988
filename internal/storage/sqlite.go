package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"signalbell/internal/schedule"
	logx "signalbell/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	historyLimit int
	opCount      atomic.Uint64
	pruneEvery   uint64
}

const scheduleColumns = `s.id, s.name, s.audio_path, s.hour, s.minute, s.duration_sec, s.device, s.enabled, s.notes,
	s.created_at, s.updated_at,
	COALESCE((SELECT group_concat(d.weekday) FROM schedule_days d WHERE d.schedule_id = s.id), '')`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, historyLimit: cfg.HistoryLimit, pruneEvery: 100}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) List(ctx context.Context) ([]schedule.Schedule, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules s ORDER BY s.hour, s.minute, s.id`)
}

func (s *sqliteStore) ListEnabled(ctx context.Context) ([]schedule.Schedule, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules s WHERE s.enabled = 1 ORDER BY s.hour, s.minute, s.id`)
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (schedule.Schedule, error) {
	list, err := s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules s WHERE s.id = ?`, id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if len(list) == 0 {
		return schedule.Schedule{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return list[0], nil
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		var (
			sc               schedule.Schedule
			enabled          int
			created, updated string
			days             string
		)
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.AudioPath, &sc.Hour, &sc.Minute, &sc.DurationSec,
			&sc.Device, &enabled, &sc.Notes, &created, &updated, &days); err != nil {
			return nil, err
		}
		sc.Enabled = enabled != 0
		sc.CreatedAt = parseTime(created)
		sc.UpdatedAt = parseTime(updated)
		sc.Weekdays, err = parseDayList(days)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %w", sc.ID, err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Create(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	sc, err := prepare(sc)
	if err != nil {
		return sc, err
	}
	ts := now()
	sc.CreatedAt, sc.UpdatedAt = ts, ts

	err = s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO schedules(name, audio_path, hour, minute, duration_sec, device, enabled, notes, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			sc.Name, sc.AudioPath, sc.Hour, sc.Minute, sc.DurationSec, sc.Device, boolInt(sc.Enabled), sc.Notes,
			formatTime(ts), formatTime(ts),
		)
		if err != nil {
			return err
		}
		if sc.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return writeDays(ctx, tx, sc.ID, sc.Weekdays)
	})
	if err != nil {
		return schedule.Schedule{}, err
	}
	return sc, nil
}

func (s *sqliteStore) Update(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	sc, err := prepare(sc)
	if err != nil {
		return sc, err
	}
	err = s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE schedules SET name=?, audio_path=?, hour=?, minute=?, duration_sec=?, device=?, enabled=?, notes=?, updated_at=?
			 WHERE id=?`,
			sc.Name, sc.AudioPath, sc.Hour, sc.Minute, sc.DurationSec, sc.Device, boolInt(sc.Enabled), sc.Notes,
			formatTime(now()), sc.ID,
		)
		if err != nil {
			return err
		}
		if err := mustAffect(res, sc.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_days WHERE schedule_id = ?`, sc.ID); err != nil {
			return err
		}
		return writeDays(ctx, tx, sc.ID, sc.Weekdays)
	})
	if err != nil {
		return schedule.Schedule{}, err
	}
	return s.Get(ctx, sc.ID)
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, id)
}

func (s *sqliteStore) SetEnabled(ctx context.Context, id int64, enabled bool) (schedule.Schedule, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), formatTime(now()), id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if err := mustAffect(res, id); err != nil {
		return schedule.Schedule{}, err
	}
	return s.Get(ctx, id)
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.At.IsZero() {
		r.At = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(schedule_id, name, run_id, manual, outcome, at, took_ms, err) VALUES(?,?,?,?,?,?,?,?)`,
		r.ScheduleID, r.Name, r.RunID, boolInt(r.Manual), string(r.Outcome), formatTime(r.At), r.TookMS, nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := s.pruneRuns(pctx); err != nil {
			s.log.Debug("run history prune failed", logx.Err(err))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, name, run_id, manual, outcome, at, took_ms, COALESCE(err, '')
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			manual  int
			outcome string
			at      string
		)
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.Name, &r.RunID, &manual, &outcome, &at, &r.TookMS, &r.Error); err != nil {
			return nil, err
		}
		r.Manual = manual != 0
		r.Outcome = Outcome(outcome)
		r.At = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT id FROM runs ORDER BY id DESC LIMIT 1 OFFSET ?)`, s.historyLimit)
	return err
}

func (s *sqliteStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func writeDays(ctx context.Context, tx *sql.Tx, id int64, days schedule.WeekdaySet) error {
	for _, d := range days.Days() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schedule_days(schedule_id, weekday) VALUES(?,?)`, id, int(d)); err != nil {
			return err
		}
	}
	return nil
}

func mustAffect(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func parseDayList(raw string) (schedule.WeekdaySet, error) {
	var set schedule.WeekdaySet
	if raw == "" {
		return set, nil
	}
	for _, p := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			return 0, errors.New("bad weekday row " + strconv.Quote(p))
		}
		set = set.Add(time.Weekday(n))
	}
	return set, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
