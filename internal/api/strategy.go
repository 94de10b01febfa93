package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/calllog"
	"github.com/sells-group/strategyd/internal/intake"
	"github.com/sells-group/strategyd/internal/model"
)

type submitRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

func (s *server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap model.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.Intake.CreateSnapshot(r.Context(), &snap)
	switch {
	case errors.Is(err, intake.ErrInvalidSnapshot):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("api: create snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create snapshot failed")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SnapshotID == "" {
		writeError(w, http.StatusBadRequest, "snapshot_id is required")
		return
	}
	receipt, err := s.Intake.Submit(r.Context(), req.SnapshotID)
	if err != nil {
		s.intakeError(w, req.SnapshotID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotID")
	receipt, err := s.Intake.Retry(r.Context(), id)
	if err != nil {
		s.intakeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *server) intakeError(w http.ResponseWriter, snapshotID string, err error) {
	if errors.Is(err, intake.ErrSnapshotNotFound) {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	s.log.Error("api: submit failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "submit failed")
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotID")
	view, err := s.Intake.Status(r.Context(), id)
	if err != nil {
		s.log.Error("api: status read failed", zap.String("snapshot_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status read failed")
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleEvents streams at most one completion event, or a timeout event once
// the subscription's fallback read finds the strategy still pending.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	sub := s.Hub.Subscribe(r.Context(), id)
	defer sub.Close()

	select {
	case ev, open := <-sub.C:
		if !open {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("api: encode event", zap.Error(err))
			return
		}
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	case <-r.Context().Done():
	}
}

func (s *server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	if s.Calls == nil {
		writeJSON(w, http.StatusOK, []calllog.Perf{})
		return
	}

	perf, err := s.Calls.Performance(r.Context(), calllog.PerfFilter{
		Stage:  r.URL.Query().Get("stage"),
		Window: time.Duration(hours) * time.Hour,
		Now:    time.Now().UTC(),
	})
	if err != nil {
		s.log.Error("api: performance query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "performance query failed")
		return
	}
	if perf == nil {
		perf = []calllog.Perf{}
	}
	writeJSON(w, http.StatusOK, perf)
}
