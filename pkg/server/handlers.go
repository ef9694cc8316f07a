package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/catalog"
	"github.com/bizflycloud/backup-orchestrator/pkg/manager"
	"github.com/bizflycloud/backup-orchestrator/pkg/orchestrator"
	"github.com/bizflycloud/backup-orchestrator/pkg/scheduler"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  backup.Kind `json:"kind,omitempty"`
}

// StatisticsResponse combines the manager and scheduler counters.
type StatisticsResponse struct {
	Manager   backup.Statistics    `json:"manager"`
	Scheduler scheduler.Statistics `json:"scheduler"`
}

// RestoreRequest is the body of a restore request.
type RestoreRequest struct {
	// Destination is the index of the record destination to read from,
	// nil meaning the first successful one.
	Destination *int              `json:"destination,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, backup.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, backup.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, backup.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, backup.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: backup.KindOf(err)})
}

// ListJobs lists the scheduled jobs.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Scheduler.Jobs())
}

// GetJob returns one scheduled job.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.Scheduler.Job(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

// RemoveJob unschedules a job.
func (s *Server) RemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Scheduler.Unschedule(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunJob runs a job now and returns its record once it completes.
func (s *Server) RunJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Scheduler.Trigger(r.Context(), chi.URLParam(r, "id"))
	if rec == nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// EnableJob enables a job.
func (s *Server) EnableJob(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

// DisableJob disables a job.
func (s *Server) DisableJob(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Scheduler.SetEnabled(id, enabled); err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	j, err := s.engine.Scheduler.Job(id)
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

// recordFilter reads a catalog filter from the query string.
func recordFilter(r *http.Request) (catalog.Filter, error) {
	q := r.URL.Query()
	f := catalog.Filter{
		JobID:       q.Get("job"),
		StorageType: q.Get("storage_type"),
		BackupType:  backup.Type(q.Get("backup_type")),
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, err
		}
		f.Success = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, err
		}
		f.Limit = n
	}
	return f, nil
}

// ListBackups lists the recorded runs, newest first.
func (s *Server) ListBackups(w http.ResponseWriter, r *http.Request) {
	f, err := recordFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Manager.Records(f))
}

// GetBackup returns one record.
func (s *Server) GetBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.engine.Manager.Catalog().Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("record "+id+" not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// Restore restores a record.
func (s *Server) Restore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.engine.Manager.Catalog().Get(id); !ok {
		s.writeError(w, http.StatusNotFound, errors.New("record "+id+" not found"))
		return
	}
	var body RestoreRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	opts := manager.RestoreOptions{Destination: -1, Options: body.Options}
	if body.Destination != nil {
		opts.Destination = *body.Destination
	}
	if err := s.engine.Manager.Restore(r.Context(), id, opts); err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreviewRetention shows what a retention pass would delete.
func (s *Server) PreviewRetention(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Manager.PreviewRetention())
}

// ApplyRetention runs a retention pass.
func (s *Server) ApplyRetention(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Manager.ApplyRetention(r.Context())
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// Statistics returns the manager and scheduler counters.
func (s *Server) Statistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatisticsResponse{
		Manager:   s.engine.ManagerStatistics(),
		Scheduler: s.engine.SchedulerStatistics(),
	})
}

// Health reports the health of the engine, with 503 when unhealthy.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	report := orchestrator.CheckHealth(s.engine)
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}
