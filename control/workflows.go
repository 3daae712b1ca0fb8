package control

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"linkedin-outreach-engine/bus"
	"linkedin-outreach-engine/store"
)

type startWorkflowRequest struct {
	CampaignID    string `json:"campaignId"`
	AccountID     string `json:"accountId"`
	CustomMessage string `json:"customMessage"`
}

type startWorkflowResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// StartWorkflow inserts a queued job and spawns a worker process for it.
// One active job per (user, campaign) and one per account.
func (s *Server) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	user := userID(r)

	var req startWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CampaignID == "" || req.AccountID == "" {
		respondError(w, http.StatusBadRequest, "campaignId and accountId are required")
		return
	}

	ctx := r.Context()

	campaign, err := s.campaigns.Get(ctx, req.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		s.log.Errorw("load campaign failed", "campaign", req.CampaignID, "error", err)
		respondError(w, http.StatusInternalServerError, "load campaign failed")
		return
	}
	if campaign.UserID != user {
		respondError(w, http.StatusForbidden, "campaign belongs to another user")
		return
	}

	account, err := s.accounts.Get(ctx, req.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "linkedin account not found")
		return
	}
	if err != nil {
		s.log.Errorw("load account failed", "account", req.AccountID, "error", err)
		respondError(w, http.StatusInternalServerError, "load linkedin account failed")
		return
	}
	if account.UserID != user {
		respondError(w, http.StatusForbidden, "linkedin account belongs to another user")
		return
	}

	active, err := s.jobs.HasActiveForCampaign(ctx, user, req.CampaignID)
	if err != nil {
		s.log.Errorw("active-job check failed", "campaign", req.CampaignID, "error", err)
		respondError(w, http.StatusInternalServerError, "active-job check failed")
		return
	}
	if active {
		respondError(w, http.StatusConflict, "a workflow is already running for this campaign")
		return
	}

	busy, err := s.jobs.HasActiveForAccount(ctx, req.AccountID)
	if err != nil {
		s.log.Errorw("account-busy check failed", "account", req.AccountID, "error", err)
		respondError(w, http.StatusInternalServerError, "account-busy check failed")
		return
	}
	if busy {
		respondError(w, http.StatusConflict, "a workflow is already running on this linkedin account")
		return
	}

	job := &store.WorkflowJob{
		ID:                uuid.NewString(),
		UserID:            user,
		CampaignID:        req.CampaignID,
		LinkedInAccountID: req.AccountID,
		CustomMessage:     req.CustomMessage,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.log.Errorw("create job failed", "campaign", req.CampaignID, "error", err)
		respondError(w, http.StatusInternalServerError, "create job failed")
		return
	}

	if err := s.spawnWorker(job.ID); err != nil {
		s.log.Errorw("spawn worker failed", "job", job.ID, "error", err)
		if ferr := s.jobs.Fail(ctx, job.ID, fmt.Sprintf("spawn worker: %v", err), time.Now().UTC()); ferr != nil {
			s.log.Errorw("mark spawn failure failed", "job", job.ID, "error", ferr)
		}
		respondError(w, http.StatusInternalServerError, "spawn worker failed")
		return
	}

	s.log.Infow("workflow started", "job", job.ID, "user", user, "campaign", req.CampaignID, "account", req.AccountID)
	respondJSON(w, http.StatusAccepted, startWorkflowResponse{JobID: job.ID, Status: store.JobStatusQueued})
}

// GetJob returns the job row snapshot.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// PauseJob moves a processing job to paused, then signals the worker.
func (s *Server) PauseJob(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, bus.ActionPause)
}

// CancelJob moves a queued or processing job to cancelled, then signals the
// worker.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, bus.ActionCancel)
}

// controlJob writes the target status to the job row first and publishes the
// control message after. A worker polling the row in bus-fallback mode must
// observe the terminal status even when the publish is lost.
func (s *Server) controlJob(w http.ResponseWriter, r *http.Request, action string) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	target, err := targetStatus(action, job.Status)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.jobs.UpdateStatus(ctx, job.ID, target); err != nil {
		s.log.Errorw("update job status failed", "job", job.ID, "action", action, "error", err)
		respondError(w, http.StatusInternalServerError, "update job status failed")
		return
	}

	msg := &bus.ControlMessage{Action: action, UserID: job.UserID, Timestamp: time.Now().UTC()}
	if err := s.bus.PublishControl(ctx, job.ID, msg); err != nil {
		// Row is already terminal; the worker's DB fallback covers a lost
		// publish.
		s.log.Warnw("publish control failed", "job", job.ID, "action", action, "error", err)
	}

	s.log.Infow("job control applied", "job", job.ID, "action", action, "status", target)
	respondJSON(w, http.StatusOK, map[string]string{"jobId": job.ID, "status": target})
}

// targetStatus validates the transition for a control action. Pause is only
// valid from processing; cancel also covers queued jobs whose worker has not
// picked up yet.
func targetStatus(action, current string) (string, error) {
	switch action {
	case bus.ActionPause:
		if current != store.JobStatusProcessing {
			return "", fmt.Errorf("cannot pause job in status %q", current)
		}
		return store.JobStatusPaused, nil
	case bus.ActionCancel:
		if current != store.JobStatusProcessing && current != store.JobStatusQueued {
			return "", fmt.Errorf("cannot cancel job in status %q", current)
		}
		return store.JobStatusCancelled, nil
	}
	return "", fmt.Errorf("unknown control action %q", action)
}

// ownedJob loads the route's job and enforces ownership. On failure it has
// already written the response.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*store.WorkflowJob, bool) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.Get(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		s.log.Errorw("load job failed", "job", jobID, "error", err)
		respondError(w, http.StatusInternalServerError, "load job failed")
		return nil, false
	}
	if job.UserID != userID(r) {
		respondError(w, http.StatusForbidden, "job belongs to another user")
		return nil, false
	}
	return job, true
}

// spawnWorker launches the worker binary for the job and reaps it in the
// background. The worker owns the job row from here; its exit code is logged
// for operators.
func (s *Server) spawnWorker(jobID string) error {
	bin := s.cfg.Server.WorkerBin
	cmd := exec.Command(bin, jobID)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	s.log.Infow("worker spawned", "job", jobID, "pid", cmd.Process.Pid, "bin", bin)
	go func() {
		err := cmd.Wait()
		if err == nil {
			s.log.Infow("worker exited", "job", jobID, "code", 0)
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			s.log.Warnw("worker exited", "job", jobID, "code", exitErr.ExitCode())
			return
		}
		s.log.Warnw("worker wait failed", "job", jobID, "error", err)
	}()
	return nil
}
