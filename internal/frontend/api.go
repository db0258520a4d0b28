package frontend

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/synapse-ops/synapse/internal/health"
	"github.com/synapse-ops/synapse/internal/logger"
	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/store"
)

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Error: err.Error()})
}

type jobView struct {
	models.Job
	LastStatus string `json:"lastStatus,omitempty"`
	LastRunAt  string `json:"lastRunAt,omitempty"`
	LastError  string `json:"lastError,omitempty"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	lastResults := make(map[models.JobKey]models.JobResult)
	if _, results, err := s.store.LatestCycle(r.Context()); err == nil {
		for _, res := range results {
			lastResults[models.JobKey{Owner: res.Owner, Name: res.JobName}] = res
		}
	}

	views := lo.Map(s.scheduler.Registry().List(), func(job models.Job, _ int) jobView {
		view := jobView{Job: job}
		if res, ok := lastResults[job.Key()]; ok {
			view.LastStatus = res.Status.String()
			view.LastRunAt = res.StartedAt.Format(time.RFC3339)
			view.LastError = res.ErrorDetail
		}
		return view
	})
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) jobKey(r *http.Request) models.JobKey {
	return models.JobKey{
		Owner: chi.URLParam(r, "owner"),
		Name:  chi.URLParam(r, "name"),
	}
}

func (s *Server) handleEnableJob(w http.ResponseWriter, r *http.Request) {
	key := s.jobKey(r)
	if err := s.scheduler.Registry().Enable(key); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	logger.Info(r.Context(), "job enabled", "job", key.String())
	writeJSON(w, http.StatusOK, map[string]string{"job": key.String(), "enabled": "true"})
}

func (s *Server) handleDisableJob(w http.ResponseWriter, r *http.Request) {
	key := s.jobKey(r)
	if err := s.scheduler.Registry().Disable(key); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	logger.Info(r.Context(), "job disabled", "job", key.String())
	writeJSON(w, http.StatusOK, map[string]string{"job": key.String(), "enabled": "false"})
}

type cycleView struct {
	Cycle   *models.Cycle      `json:"cycle"`
	Results []models.JobResult `json:"results"`
}

func (s *Server) handleForceCycle(w http.ResponseWriter, r *http.Request) {
	cycle, results, err := s.scheduler.RunCycle(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cycleView{Cycle: cycle, Results: results})
}

func (s *Server) handleLatestCycle(w http.ResponseWriter, r *http.Request) {
	cycle, results, err := s.store.LatestCycle(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cycleView{Cycle: cycle, Results: results})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusConflict, errors.New("fallback sync is not configured"))
		return
	}
	replayed, err := s.syncer.Sync(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"replayed": replayed})
}

type statusView struct {
	Cycle           uint64 `json:"cycle"`
	BreakerState    string `json:"breakerState,omitempty"`
	ReducedMode     bool   `json:"reducedMode"`
	FallbackPending int    `json:"fallbackPending"`
	Workers         int    `json:"workers"`
	Jobs            int    `json:"jobs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view := statusView{
		Cycle: s.scheduler.CycleNumber(),
		Jobs:  len(s.scheduler.Registry().List()),
	}
	if workers, err := s.store.ListWorkers(r.Context()); err == nil {
		view.Workers = len(workers)
	}
	if s.syncer != nil {
		view.BreakerState = s.syncer.State().String()
		view.ReducedMode = s.syncer.InReducedMode()
		view.FallbackPending = s.syncer.PendingFallback(r.Context())
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type workerView struct {
		*models.Worker
		StatusText string `json:"statusText"`
	}
	views := lo.Map(workers, func(worker *models.Worker, _ int) workerView {
		return workerView{Worker: worker, StatusText: worker.Status.String()}
	})
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("worker id is required"))
		return
	}
	if err := health.Heartbeat(r.Context(), s.store, id, time.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker": id})
}
