package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/catalog"
)

var validate = validator.New()

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusResponse is the `GET /status` payload.
type statusResponse struct {
	Queue  queueCounts `json:"queue"`
	Paused bool        `json:"paused"`
}

type queueCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	processors, err := s.broker.KnownProcessors(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing processors: %v", err)
		return
	}

	var counts queueCounts
	allPaused := len(processors) > 0
	for _, proc := range processors {
		paused, err := s.broker.IsPaused(ctx, proc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "checking pause state for %s: %v", proc, err)
			return
		}
		allPaused = allPaused && paused

		jobs, err := s.broker.ListJobs(ctx, proc, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "listing jobs for %s: %v", proc, err)
			return
		}

		for _, j := range jobs {
			switch j.State {
			case broker.StateQueued, broker.StateRetryScheduled:
				counts.Waiting++
			case broker.StateInFlight:
				counts.Active++
			case broker.StateDone:
				counts.Completed++
			case broker.StateFailed:
				counts.Failed++
			}
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{Queue: counts, Paused: allPaused})
}

// handlePause pauses every known processor's queue. The queue model has no
// single global pause flag, so "pause everything" is defined as pausing
// every processor the broker currently knows about.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPauseAll(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPauseAll(w, r, false)
}

func (s *Server) setPauseAll(w http.ResponseWriter, r *http.Request, pause bool) {
	ctx := r.Context()

	processors, err := s.broker.KnownProcessors(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing processors: %v", err)
		return
	}

	for _, proc := range processors {
		var opErr error
		if pause {
			opErr = s.broker.Pause(ctx, proc)
		} else {
			opErr = s.broker.Resume(ctx, proc)
		}
		if opErr != nil {
			writeError(w, http.StatusInternalServerError, "updating pause state for %s: %v", proc, opErr)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"paused": pause})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	processors, err := s.broker.KnownProcessors(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing processors: %v", err)
		return
	}

	var all []*broker.Job
	for _, proc := range processors {
		jobs, err := s.broker.ListJobs(ctx, proc, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "listing jobs for %s: %v", proc, err)
			return
		}
		all = append(all, jobs...)
	}

	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.broker.RetryJob(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, "retrying job %s: %v", id, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.dispatcher.Cancel(id)

	if err := s.broker.RemoveJob(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, "removing job %s: %v", id, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	processors, err := s.broker.KnownProcessors(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing processors: %v", err)
		return
	}

	for _, proc := range processors {
		if err := s.broker.ClearFinished(ctx, proc); err != nil {
			writeError(w, http.StatusInternalServerError, "clearing finished jobs for %s: %v", proc, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListFiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing files: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, files)
}

type fileTagRequest struct {
	Key   string  `json:"key" validate:"required"`
	Value *string `json:"value"`
}

func (s *Server) handleAddFileTag(w http.ResponseWriter, r *http.Request) {
	fileID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	var req fileTagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: %v", err)
		return
	}

	if err := s.store.AddFileTag(fileID, req.Key, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "adding tag: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRemoveFileTag(w http.ResponseWriter, r *http.Request) {
	fileID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key query parameter is required")
		return
	}

	if err := s.store.RemoveFileTag(fileID, key); err != nil {
		writeError(w, http.StatusInternalServerError, "removing tag: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleListProcessorConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListProcessorConfigs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing processor configs: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleUpsertProcessorConfig(w http.ResponseWriter, r *http.Request) {
	var cfg catalog.ProcessorConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if err := validate.Struct(cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid processor config: %v", err)
		return
	}

	if err := s.store.UpsertProcessorConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "saving processor config: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteProcessorConfig(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}

	if err := s.store.DeleteProcessorConfig(name); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting processor config: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetQueueMode(w http.ResponseWriter, r *http.Request) {
	mode, err := s.store.GetQueueMode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading queue mode: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]catalog.QueueMode{"mode": mode})
}

type queueModeRequest struct {
	Mode catalog.QueueMode `json:"mode" validate:"required,oneof=auto approval"`
}

func (s *Server) handleSetQueueMode(w http.ResponseWriter, r *http.Request) {
	var req queueModeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: %v", err)
		return
	}

	if err := s.store.SetQueueMode(req.Mode); err != nil {
		writeError(w, http.StatusInternalServerError, "setting queue mode: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handlePendingApproval(w http.ResponseWriter, r *http.Request) {
	summary, err := s.gate.Summarize()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "summarizing pending approvals: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

type approveJobsRequest struct {
	Keys []catalog.ParseKey `json:"keys" validate:"required,min=1"`
}

func (s *Server) handleApproveJobs(w http.ResponseWriter, r *http.Request) {
	var req approveJobsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: %v", err)
		return
	}

	batch, approved, err := s.gate.Approve(r.Context(), req.Keys)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "approving jobs: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, approveJobsResponse(batch, approved))
}

type approveJobsResponseBody struct {
	Batch    *catalog.ApprovalBatch `json:"batch"`
	Approved []*catalog.Parse       `json:"approved"`
}

func approveJobsResponse(batch *catalog.ApprovalBatch, approved []*catalog.Parse) approveJobsResponseBody {
	return approveJobsResponseBody{Batch: batch, Approved: approved}
}

func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListPredictedJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing predicted jobs: %v", err)
		return
	}

	var total float64
	for _, pj := range jobs {
		total += pj.EstimatedCost
	}

	writeJSON(w, http.StatusOK, map[string]any{"total_forecast": total, "count": len(jobs)})
}

func (s *Server) handlePredictedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListPredictedJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing predicted jobs: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}
