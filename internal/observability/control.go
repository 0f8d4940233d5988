package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"signalbell/internal/scheduler"
	"signalbell/internal/storage"
	logx "signalbell/pkg/logx"
)

// Control drives playback on the running engine.
type Control interface {
	Trigger(ctx context.Context, id int64) error
	StopPlayback() int
}

// SetControl enables POST /trigger?id=<id> and POST /stop. It takes effect
// the next time the server (re)starts.
func (s *DebugServer) SetControl(c Control) {
	s.mu.Lock()
	s.control = c
	s.mu.Unlock()
}

func (s *DebugServer) serveTrigger(ctl Control) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !postOnly(w, r) {
			return
		}
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "id must be a positive integer", http.StatusBadRequest)
			return
		}
		if err := ctl.Trigger(r.Context(), id); err != nil {
			code := http.StatusInternalServerError
			switch {
			case errors.Is(err, storage.ErrNotFound):
				code = http.StatusNotFound
			case errors.Is(err, scheduler.ErrNotRunning):
				code = http.StatusConflict
			default:
				s.log.Warn("trigger failed", logx.Int64("id", id), logx.Err(err))
			}
			http.Error(w, err.Error(), code)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": id})
	}
}

func (s *DebugServer) serveStop(ctl Control) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !postOnly(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dropped": ctl.StopPlayback()})
	}
}

func postOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		return true
	}
	w.Header().Set("Allow", http.MethodPost)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
