package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rivet-ci/rivet/internal/orchestrator"
)

// handlers holds the orchestrator Service every route delegates its
// business logic to, plus what the supplemental log-stream route needs.
type handlers struct {
	svc      *orchestrator.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// --- Runners ---

type registerRunnerRequest struct {
	RunnerID     string `json:"runner_id"`
	Capabilities []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"capabilities"`
}

func (h *handlers) registerRunner(w http.ResponseWriter, r *http.Request) {
	var req registerRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tags := make(map[string]string, len(req.Capabilities))
	for _, c := range req.Capabilities {
		tags[c.Key] = c.Value
	}
	if err := h.svc.RegisterRunner(r.Context(), req.RunnerID, tags); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"runner_id": req.RunnerID})
}

func (h *handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerID")
	if err := h.svc.Heartbeat(r.Context(), runnerID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Jobs (runner-facing) ---

func (h *handlers) scheduledJobs(w http.ResponseWriter, r *http.Request) {
	runnerID := r.URL.Query().Get("runner_id")
	runner, err := h.svc.GetRunner(r.Context(), runnerID)
	tags := map[string]string{}
	if err == nil {
		tags = runner.Tags
	}
	jobs, err := h.svc.ScheduledJobs(r.Context(), tags, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handlers) claimJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req struct {
		RunnerID string `json:"runner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := h.svc.Claim(r.Context(), jobID, req.RunnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":          job.ID,
		"pipeline_id":     job.PipelineID,
		"pipeline_source": job.PipelineSource,
		"parameters":      job.Parameters,
	})
}

func (h *handlers) updateJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req struct {
		Status orchestrator.JobStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := h.svc.UpdateStatus(r.Context(), jobID, req.Status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) completeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req struct {
		Result orchestrator.JobResult `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := h.svc.Complete(r.Context(), jobID, req.Result); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) ingestLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req struct {
		Entries []orchestrator.LogEntry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := h.svc.IngestLogs(r.Context(), jobID, req.Entries); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handlers) readLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	since := uint64(0)
	if s := r.URL.Query().Get("since_sequence"); s != "" {
		if parsed, err := strconv.ParseUint(s, 10, 64); err == nil {
			since = parsed
		}
	}
	entries, err := h.svc.ReadLogs(r.Context(), jobID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.svc.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) listJobsByPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	jobs, err := h.svc.ListJobsByPipeline(r.Context(), pipelineID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// streamLogs implements the supplemental websocket convenience endpoint:
// it polls the store for newly-ingested entries and pushes each as a JSON
// frame, closing once the job reaches a terminal state.
func (h *handlers) streamLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var sinceSequence uint64
	for range ticker.C {
		entries, err := h.svc.ReadLogs(r.Context(), jobID, sinceSequence)
		if err != nil {
			return
		}
		for _, e := range entries {
			if err := conn.WriteJSON(e); err != nil {
				return
			}
			if e.Sequence >= sinceSequence {
				sinceSequence = e.Sequence + 1
			}
		}

		job, err := h.svc.GetJob(r.Context(), jobID)
		if err != nil {
			return
		}
		if job.Status.IsTerminal() {
			return
		}
	}
}

// --- Pipelines (CLI-facing) ---

func (h *handlers) createPipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := h.svc.CreatePipeline(r.Context(), req.Name, req.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handlers) launchJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PipelineID string            `json:"pipeline_id"`
		Name       string            `json:"name"`
		Parameters map[string]string `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	idOrName := req.PipelineID
	if idOrName == "" {
		idOrName = req.Name
	}
	job, err := h.svc.LaunchJob(r.Context(), idOrName, req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handlers) listPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.svc.ListPipelines(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (h *handlers) getPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPipeline(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) deletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeletePipeline(r.Context(), chi.URLParam(r, "pipelineID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
