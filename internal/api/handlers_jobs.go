package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/scheduler"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// TriggerRequest is the optional body of a trigger call
type TriggerRequest struct {
	CycleKey string `json:"cycleKey,omitempty"`
}

// TriggerResponse describes the job a trigger started or joined
type TriggerResponse struct {
	Job     *models.JobRecord `json:"job"`
	Created bool              `json:"created"`
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}

// handleTrigger starts a step immediately. A submission that joins an active job of the
// same type and cycle is accepted too.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	step, err := scheduler.ParseStep(mux.Vars(r)["step"])
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	var req TriggerRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	handle, err := s.deps.Scheduler.Trigger(r.Context(), step, req.CycleKey)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, TriggerResponse{Job: handle.Job, Created: handle.Created})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultJobLimit, 1, maxJobLimit)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	jobs, err := s.deps.Jobs.ListJobs(r.Context(), limit)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.JobRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// queryInt reads an integer query parameter, falling back to def when absent
func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewInvalidParameterError(name, "must be an integer")
	}
	if n < min || n > max {
		return 0, apperrors.NewInvalidParameterError(name, "must be between "+strconv.Itoa(min)+" and "+strconv.Itoa(max))
	}
	return n, nil
}
