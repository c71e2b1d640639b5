package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/ensrun/pkg/model"
)

type summaryResponse struct {
	model.QueueSummary
	Running  bool `json:"is_running"`
	Finished bool `json:"finished"`
}

func (s *Server) handleQueueSummary(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	sum := s.queue.Summary()
	respondOK(w, reqID, summaryResponse{
		QueueSummary: sum,
		Running:      s.queue.IsRunning(),
		Finished:     sum.Finished(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	jobs := s.queue.Snapshot()

	if st := r.URL.Query().Get("status"); st != "" {
		want, err := model.ParseJobStatus(st)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, &model.APIError{
				Code:    model.ErrValidation,
				Message: err.Error(),
			})
			return
		}
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == want {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	respondOK(w, reqID, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	raw := chi.URLParam(r, "iens")
	iens, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "iens must be an integer",
		})
		return
	}
	job, ok := s.queue.Job(iens)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", raw))
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) handleKillAll(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.queue.IsRunning() {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "queue is not running",
		})
		return
	}
	s.logger.Info("kill requested", "request_id", reqID)
	s.queue.KillAllJobs()
	respondAccepted(w, reqID, s.queue.Summary())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.queue.MetricsSnapshot())
}
