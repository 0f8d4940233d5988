package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"signalbell/internal/schedule"
	logx "signalbell/pkg/logx"
)

// fileStore keeps everything in memory and persists to plain files.
//
// Files:
//   - <prefix>.schedules.json (snapshot, rewritten atomically on every change)
//   - <prefix>.runs.jsonl     (append-only JSON Lines)
//
// The run log is compacted to the newest HistoryLimit records once it grows
// past twice that size.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	runsPath     string
	runsFile     *os.File

	nextID    int64
	schedules map[int64]schedule.Schedule

	runs         []RunRecord
	nextRunID    int64
	runLines     int
	historyLimit int
}

type fileSnapshot struct {
	NextID    int64               `json:"next_id"`
	Schedules []schedule.Schedule `json:"schedules"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:          log,
		snapshotPath: prefix + ".schedules.json",
		runsPath:     prefix + ".runs.jsonl",
		nextID:       1,
		schedules:    map[int64]schedule.Schedule{},
		nextRunID:    1,
		historyLimit: cfg.HistoryLimit,
	}
	if err := st.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", st.snapshotPath, err)
	}
	if err := st.replayRuns(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run log replay failed", logx.Err(err))
	}

	rf, err := os.OpenFile(st.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.runsFile = rf
	log.Debug("file store opened", logx.String("snapshot", st.snapshotPath), logx.Int("schedules", len(st.schedules)))
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) List(ctx context.Context) ([]schedule.Schedule, error) {
	return s.list(false)
}

func (s *fileStore) ListEnabled(ctx context.Context) ([]schedule.Schedule, error) {
	return s.list(true)
}

func (s *fileStore) list(enabledOnly bool) ([]schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	out := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		if enabledOnly && !sc.Enabled {
			continue
		}
		out = append(out, sc)
	}
	schedule.SortByTime(out)
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, id int64) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return schedule.Schedule{}, ErrClosed
	}
	sc, ok := s.schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return sc, nil
}

func (s *fileStore) Create(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	sc, err := prepare(sc)
	if err != nil {
		return sc, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return schedule.Schedule{}, ErrClosed
	}
	ts := now()
	sc.ID = s.nextID
	sc.CreatedAt, sc.UpdatedAt = ts, ts
	s.schedules[sc.ID] = sc
	s.nextID++
	if err := s.saveLocked(); err != nil {
		delete(s.schedules, sc.ID)
		s.nextID--
		return schedule.Schedule{}, err
	}
	return sc, nil
}

func (s *fileStore) Update(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	sc, err := prepare(sc)
	if err != nil {
		return sc, err
	}
	return s.mutate(sc.ID, func(cur *schedule.Schedule) {
		created := cur.CreatedAt
		*cur = sc
		cur.CreatedAt = created
	})
}

func (s *fileStore) SetEnabled(ctx context.Context, id int64, enabled bool) (schedule.Schedule, error) {
	return s.mutate(id, func(cur *schedule.Schedule) { cur.Enabled = enabled })
}

func (s *fileStore) mutate(id int64, fn func(cur *schedule.Schedule)) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return schedule.Schedule{}, ErrClosed
	}
	prev, ok := s.schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	next := prev
	fn(&next)
	next.ID = id
	next.UpdatedAt = now()
	s.schedules[id] = next
	if err := s.saveLocked(); err != nil {
		s.schedules[id] = prev
		return schedule.Schedule{}, err
	}
	return next, nil
}

func (s *fileStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	prev, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	delete(s.schedules, id)
	if err := s.saveLocked(); err != nil {
		s.schedules[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = now()
	}
	r.ID = s.nextRunID
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.nextRunID++
	s.runLines++
	s.runs = append(s.runs, r)
	if len(s.runs) > s.historyLimit {
		s.runs = append(s.runs[:0:0], s.runs[len(s.runs)-s.historyLimit:]...)
	}
	if s.runLines > 2*s.historyLimit {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 20
	}
	out := make([]RunRecord, 0, min(limit, len(s.runs)))
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *fileStore) saveLocked() error {
	snap := fileSnapshot{NextID: s.nextID, Schedules: make([]schedule.Schedule, 0, len(s.schedules))}
	for _, sc := range s.schedules {
		snap.Schedules = append(snap.Schedules, sc)
	}
	schedule.SortByTime(snap.Schedules)
	return writeJSONAtomic(s.snapshotPath, snap)
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, sc := range snap.Schedules {
		if err := sc.Validate(); err != nil {
			s.log.Warn("skipping invalid schedule in snapshot", logx.Int64("id", sc.ID), logx.Err(err))
			continue
		}
		s.schedules[sc.ID] = sc
		if sc.ID >= s.nextID {
			s.nextID = sc.ID + 1
		}
	}
	if snap.NextID > s.nextID {
		s.nextID = snap.NextID
	}
	return nil
}

func (s *fileStore) replayRuns() error {
	f, err := os.Open(s.runsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.runLines++
		s.runs = append(s.runs, r)
		if r.ID >= s.nextRunID {
			s.nextRunID = r.ID + 1
		}
	}
	if len(s.runs) > s.historyLimit {
		s.runs = append(s.runs[:0:0], s.runs[len(s.runs)-s.historyLimit:]...)
	}
	return sc.Err()
}

// compactLocked rewrites the run log with only the retained records.
func (s *fileStore) compactLocked() error {
	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.runsFile.Close(); err != nil {
		return err
	}
	renameErr := os.Rename(tmp, s.runsPath)
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	s.runsFile = rf
	if renameErr != nil {
		return renameErr
	}
	s.runLines = len(s.runs)
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
