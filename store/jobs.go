package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JobStore manages workflow_jobs rows.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, user_id, campaign_id, linkedin_account_id,
	COALESCE(custom_message, ''), status, total_leads, processed_leads, progress,
	results, COALESCE(error_message, ''), created_at, started_at, completed_at`

func scanJob(r rowScanner) (*WorkflowJob, error) {
	j := &WorkflowJob{}
	var results []byte
	err := r.Scan(
		&j.ID, &j.UserID, &j.CampaignID, &j.LinkedInAccountID,
		&j.CustomMessage, &j.Status, &j.TotalLeads, &j.ProcessedLeads, &j.Progress,
		&results, &j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		res := &JobResults{}
		if err := json.Unmarshal(results, res); err == nil {
			j.Results = res
		}
	}
	return j, nil
}

// Create inserts a queued job.
func (s *JobStore) Create(ctx context.Context, j *WorkflowJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_jobs
		 (id, user_id, campaign_id, linkedin_account_id, custom_message, status,
		  total_leads, processed_leads, progress, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, 0, 0, 0, NOW())`,
		j.ID, j.UserID, j.CampaignID, j.LinkedInAccountID, j.CustomMessage, JobStatusQueued)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get returns one job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (*WorkflowJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM workflow_jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetStatus reads only the status column; the worker polls this when the bus
// is unavailable.
func (s *JobStore) GetStatus(ctx context.Context, jobID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM workflow_jobs WHERE id = $1`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return status, nil
}

// MarkProcessing transitions the job to processing and stamps started_at.
func (s *JobStore) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_jobs SET status = $2, started_at = $3, error_message = NULL
		 WHERE id = $1`,
		jobID, JobStatusProcessing, startedAt)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTotalLeads records how many leads this run will attempt.
func (s *JobStore) SetTotalLeads(ctx context.Context, jobID string, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_jobs SET total_leads = $2 WHERE id = $1`, jobID, total)
	if err != nil {
		return fmt.Errorf("set total leads: %w", err)
	}
	return nil
}

// UpdateProgress persists whole-lead progress. Called once per completed
// lead, not per sub-step, to keep write volume down.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, processedLeads, progress int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_jobs SET processed_leads = $2, progress = $3 WHERE id = $1`,
		jobID, processedLeads, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// UpdateStatus moves the job to the target status. Used by the control plane
// for pause/cancel, always before the corresponding publish.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_jobs SET status = $2 WHERE id = $1`, jobID, status)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete writes the terminal completed state with aggregated results.
func (s *JobStore) Complete(ctx context.Context, jobID string, results *JobResults, completedAt time.Time) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_jobs SET status = $2, results = $3, progress = 100,
		        completed_at = $4 WHERE id = $1`,
		jobID, JobStatusCompleted, data, completedAt)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail writes the terminal failed state with the first fatal message.
func (s *JobStore) Fail(ctx context.Context, jobID, errMsg string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_jobs SET status = $2, error_message = $3, completed_at = $4
		 WHERE id = $1`,
		jobID, JobStatusFailed, errMsg, completedAt)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasActiveForCampaign reports whether a processing job already exists for
// the user's campaign. Enforces the one-runner-per-campaign rule at start.
func (s *JobStore) HasActiveForCampaign(ctx context.Context, userID, campaignID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_jobs
		 WHERE user_id = $1 AND campaign_id = $2 AND status IN ($3, $4)`,
		userID, campaignID, JobStatusQueued, JobStatusProcessing).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count active jobs: %w", err)
	}
	return count > 0, nil
}

// HasActiveForAccount reports whether any running job holds the account. An
// account's browser profile directory tolerates only one worker at a time.
func (s *JobStore) HasActiveForAccount(ctx context.Context, accountID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_jobs
		 WHERE linkedin_account_id = $1 AND status IN ($2, $3)`,
		accountID, JobStatusQueued, JobStatusProcessing).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count account jobs: %w", err)
	}
	return count > 0, nil
}
