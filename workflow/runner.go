// Package workflow runs one invite job end to end: quota gating, lead
// batching, per-batch browser sessions, progress publishing, and pause/
// cancel handling. One worker process owns one job.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"linkedin-outreach-engine/bus"
	"linkedin-outreach-engine/invite"
	"linkedin-outreach-engine/leadstate"
	"linkedin-outreach-engine/ratelimit"
	"linkedin-outreach-engine/session"
	"linkedin-outreach-engine/store"
)

const (
	batchSize       = 10
	interBatchSleep = 5 * time.Minute

	// Batch lock retries. Scheduling already keeps one active job per
	// account; the lock catches operator mistakes and future schedulers.
	lockAttempts   = 3
	lockRetryDelay = 10 * time.Second
)

const skipReasonAllProcessed = "all_leads_already_processed"

// Runner executes a workflow job. Exit codes: 0 for completed, skipped, or
// control-signal exits; 1 for fatal errors.
type Runner struct {
	jobs     *store.JobStore
	accounts *store.AccountStore
	state    *leadstate.Manager
	limits   *ratelimit.Manager
	sessions *session.Validator
	inviter  *invite.Automator
	bus      *bus.Bus
	log      *zap.SugaredLogger

	busLive bool
	exitFn  func(code int)
}

func New(
	jobs *store.JobStore,
	accounts *store.AccountStore,
	state *leadstate.Manager,
	limits *ratelimit.Manager,
	sessions *session.Validator,
	inviter *invite.Automator,
	b *bus.Bus,
	log *zap.SugaredLogger,
) *Runner {
	return &Runner{
		jobs:     jobs,
		accounts: accounts,
		state:    state,
		limits:   limits,
		sessions: sessions,
		inviter:  inviter,
		bus:      b,
		log:      log,
		exitFn:   os.Exit,
	}
}

// Run drives the job to a terminal state and returns the process exit code.
func (r *Runner) Run(ctx context.Context, jobID string) int {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		r.log.Errorw("load job failed", "job", jobID, "error", err)
		return 1
	}

	startedAt := time.Now().UTC()
	if err := r.jobs.MarkProcessing(ctx, jobID, startedAt); err != nil {
		r.log.Errorw("mark processing failed", "job", jobID, "error", err)
		return 1
	}
	job.Status = store.JobStatusProcessing
	job.StartedAt = &startedAt

	// Bus loss is survivable: control falls back to polling the job row and
	// status publishes are skipped.
	r.busLive = r.bus != nil && r.bus.Ping(ctx) == nil
	if r.busLive {
		sub := r.bus.SubscribeControl(ctx, jobID)
		defer sub.Close()
		go r.watchControl(jobID, sub)
	} else {
		r.log.Warnw("bus unavailable, control falls back to status polling", "job", jobID)
	}

	ev := r.newEvent(job, store.JobStatusProcessing)
	r.publish(ctx, ev)

	account, err := r.accounts.Get(ctx, job.LinkedInAccountID)
	if err != nil {
		return r.fail(ctx, job, fmt.Sprintf("load linkedin account %s: %v", job.LinkedInAccountID, err))
	}

	quota, err := r.limits.Require(ctx, account.ID, ratelimit.KindInvite)
	if errors.Is(err, ratelimit.ErrLimitReached) {
		return r.fail(ctx, job, err.Error())
	}
	if err != nil {
		return r.fail(ctx, job, fmt.Sprintf("check invite limit: %v", err))
	}

	eligible, err := r.state.FetchEligibleLeads(ctx, job.CampaignID)
	if err != nil {
		return r.fail(ctx, job, fmt.Sprintf("fetch eligible leads: %v", err))
	}
	if len(eligible.EligibleLeads) == 0 {
		r.log.Infow("no eligible leads, completing as skipped", "job", jobID, "campaign", job.CampaignID)
		return r.complete(ctx, job, 0, &store.JobResults{
			Skipped:    true,
			SkipReason: skipReasonAllProcessed,
		})
	}

	leads := TruncateToQuota(eligible.EligibleLeads, quota.Remaining)
	if len(leads) < len(eligible.EligibleLeads) {
		r.log.Infow("eligible set truncated to remaining quota",
			"job", jobID, "eligible", len(eligible.EligibleLeads), "remaining", quota.Remaining)
	}

	job.TotalLeads = len(leads)
	if err := r.jobs.SetTotalLeads(ctx, jobID, len(leads)); err != nil {
		return r.fail(ctx, job, fmt.Sprintf("set total leads: %v", err))
	}

	batches := SplitBatches(leads, batchSize)
	results := &store.JobResults{Total: len(leads)}
	processed := 0

	r.log.Infow("job plan",
		"job", jobID,
		"campaign", job.CampaignID,
		"leads", len(leads),
		"batches", len(batches),
		"quotaRemaining", quota.Remaining,
		"source", eligible.Source)

	for i, batch := range batches {
		r.log.Infow("starting batch", "job", jobID, "batch", i+1, "of", len(batches), "size", len(batch))

		res, err := r.runBatch(ctx, job, account, batch, processed, results)
		if err != nil {
			if bus.IsControl(err) {
				// Control plane already wrote the terminal row; polling saw it.
				r.log.Infow("control signal observed, exiting", "job", jobID, "reason", err.Error())
				return 0
			}
			return r.fail(ctx, job, err.Error())
		}

		if res != nil {
			results.Sent += res.Sent
			results.Failed += res.Failed
			results.AlreadyConnected += res.AlreadyConnected
			results.AlreadyPending += res.AlreadyPending
			results.Errors = append(results.Errors, res.Errors...)
		}
		processed += len(batch)
		if err := r.jobs.UpdateProgress(ctx, jobID, processed, ProgressPercent(processed, job.TotalLeads)); err != nil {
			r.log.Warnw("persist batch progress failed", "job", jobID, "error", err)
		}

		if i == len(batches)-1 {
			break
		}

		quota, err = r.limits.CheckLimit(ctx, account.ID, ratelimit.KindInvite)
		if err != nil {
			r.log.Warnw("quota re-check failed, stopping further batches", "job", jobID, "error", err)
			break
		}
		if !quota.CanProceed {
			r.log.Infow("invite quota exhausted mid-job, stopping further batches",
				"job", jobID, "used", quota.Used, "limit", quota.Limit)
			break
		}

		r.log.Infow("sleeping between batches", "job", jobID, "sleep", interBatchSleep.String())
		select {
		case <-ctx.Done():
			return r.fail(ctx, job, fmt.Sprintf("interrupted between batches: %v", ctx.Err()))
		case <-time.After(interBatchSleep):
		}
	}

	return r.complete(ctx, job, processed, results)
}

// runBatch opens one browser session for the batch and runs the invite loop
// over it. An invalid session counts the whole batch as failed without
// aborting the job. The returned error is either a control sentinel or fatal.
func (r *Runner) runBatch(
	ctx context.Context,
	job *store.WorkflowJob,
	account *store.LinkedInAccount,
	batch []*store.Lead,
	processedBefore int,
	results *store.JobResults,
) (*invite.Results, error) {
	lock := r.acquireBatchLock(ctx, account.ID)
	if lock != nil {
		defer func() {
			if err := lock.Release(ctx); err != nil {
				r.log.Warnw("release batch lock failed", "account", account.ID, "error", err)
			}
		}()
	}

	sess := r.sessions.Validate(ctx, account, true)
	defer session.Cleanup(sess.Browser)
	if !sess.IsValid {
		r.log.Warnw("session invalid, counting batch as failed",
			"job", job.ID, "account", account.ID, "reason", sess.Reason, "size", len(batch))
		results.Failed += len(batch)
		for _, lead := range batch {
			results.Errors = append(results.Errors, store.LeadFailure{
				LeadID: lead.ID,
				Name:   lead.Name,
				Error:  "session invalid: " + sess.Reason,
			})
		}
		return nil, nil
	}

	onProgress := r.progressCallback(ctx, job, account, processedBefore)
	return r.inviter.ProcessInvites(ctx, sess.Page, batch, job.CustomMessage, job.CampaignID, onProgress)
}

// progressCallback adapts invite progress events into status publishes, job
// row writes, quota increments, and (in fallback mode) control polling.
// Only control sentinels are returned; other failures are logged because the
// invite loop treats non-control callback errors as advisory.
// Published processedLeads is the completed-lead floor of the position, so
// the sequence a status subscriber sees never decreases within a run.
func (r *Runner) progressCallback(
	ctx context.Context,
	job *store.WorkflowJob,
	account *store.LinkedInAccount,
	base int,
) invite.ProgressFunc {
	return func(ev *invite.ProgressEvent) error {
		position := float64(base) + ev.Current
		processed := base + int(ev.Current)

		out := r.newEvent(job, store.JobStatusProcessing)
		out.Progress = float64(ProgressPercent(processed, job.TotalLeads))
		out.ProcessedLeads = processed
		out.FractionalProgress = position
		if ev.Lead != nil {
			out.CurrentLead = ev.Lead.Name
			if out.CurrentLead == "" {
				out.CurrentLead = ev.Lead.URL
			}
		}

		switch ev.Type {
		case invite.EventProgress:
			out.Stage = ev.Stage
			if job.TotalLeads > 0 {
				out.Progress = position / float64(job.TotalLeads) * 100
			}
			r.publish(ctx, out)

		case invite.EventLead:
			r.publish(ctx, out)

			if err := r.jobs.UpdateProgress(ctx, job.ID, processed, ProgressPercent(processed, job.TotalLeads)); err != nil {
				r.log.Warnw("persist lead progress failed", "job", job.ID, "error", err)
			}
			if ev.Status == invite.OutcomeSent {
				if err := r.limits.Increment(ctx, account.ID, ratelimit.KindInvite, 1); err != nil {
					r.log.Warnw("increment invite counter failed", "account", account.ID, "error", err)
				}
			}
			if !r.busLive {
				if err := r.pollControl(ctx, job.ID); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// pollControl is the DB fallback for control when the bus is down: re-read
// the job row and raise the matching sentinel if the control plane moved it.
func (r *Runner) pollControl(ctx context.Context, jobID string) error {
	status, err := r.jobs.GetStatus(ctx, jobID)
	if err != nil {
		r.log.Warnw("control poll failed", "job", jobID, "error", err)
		return nil
	}
	switch status {
	case store.JobStatusPaused:
		return bus.ErrWorkflowPaused
	case store.JobStatusCancelled:
		return bus.ErrWorkflowCancelled
	}
	return nil
}

// watchControl consumes the control channel and exits the process on the
// first pause/cancel. The control plane wrote the terminal row before
// publishing, so the worker does not touch it; rod's leakless launcher reaps
// the browser when the process dies.
func (r *Runner) watchControl(jobID string, sub *redis.PubSub) {
	for msg := range sub.Channel() {
		ctl, err := DecodeControl([]byte(msg.Payload))
		if err != nil {
			r.log.Warnw("bad control payload", "job", jobID, "error", err)
			continue
		}
		if bus.ControlError(ctl.Action) == nil {
			r.log.Debugw("ignoring control action", "job", jobID, "action", ctl.Action)
			continue
		}
		latency := time.Since(ctl.Timestamp)
		r.log.Infow("control signal received, exiting",
			"job", jobID, "action", ctl.Action, "user", ctl.UserID, "latencyMs", latency.Milliseconds())
		_ = sub.Close()
		r.exitFn(0)
		return
	}
}

// acquireBatchLock takes the account's profile-directory lock, retrying
// briefly on contention. Proceeding without the lock is allowed after the
// retries: scheduling already holds one active job per account, the lock is
// a second line.
func (r *Runner) acquireBatchLock(ctx context.Context, accountID string) *bus.BatchLock {
	if !r.busLive {
		return nil
	}
	lock := r.bus.BatchLock(accountID)
	for attempt := 1; attempt <= lockAttempts; attempt++ {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			r.log.Warnw("batch lock acquire failed", "account", accountID, "error", err)
			return nil
		}
		if ok {
			return lock
		}
		r.log.Warnw("batch lock held elsewhere, retrying",
			"account", accountID, "attempt", attempt, "of", lockAttempts)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(lockRetryDelay):
		}
	}
	r.log.Warnw("proceeding without batch lock", "account", accountID)
	return nil
}

func (r *Runner) complete(ctx context.Context, job *store.WorkflowJob, processed int, results *store.JobResults) int {
	completedAt := time.Now().UTC()
	if err := r.jobs.Complete(ctx, job.ID, results, completedAt); err != nil {
		r.log.Errorw("write completed job failed", "job", job.ID, "error", err)
		return 1
	}

	ev := r.newEvent(job, store.JobStatusCompleted)
	ev.Progress = 100
	ev.ProcessedLeads = processed
	ev.Results = results
	ev.CompletedAt = &completedAt
	r.publish(ctx, ev)

	r.log.Infow("job completed",
		"job", job.ID,
		"sent", results.Sent,
		"failed", results.Failed,
		"alreadyConnected", results.AlreadyConnected,
		"alreadyPending", results.AlreadyPending,
		"skipped", results.Skipped)
	return 0
}

func (r *Runner) fail(ctx context.Context, job *store.WorkflowJob, errMsg string) int {
	completedAt := time.Now().UTC()
	if err := r.jobs.Fail(ctx, job.ID, errMsg, completedAt); err != nil {
		r.log.Errorw("write failed job failed", "job", job.ID, "error", err)
	}

	ev := r.newEvent(job, store.JobStatusFailed)
	ev.ErrorMessage = errMsg
	ev.CompletedAt = &completedAt
	r.publish(ctx, ev)

	r.log.Errorw("job failed", "job", job.ID, "error", errMsg)
	return 1
}

func (r *Runner) newEvent(job *store.WorkflowJob, status string) *bus.StatusEvent {
	return &bus.StatusEvent{
		Type:       "status",
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		Status:     status,
		TotalLeads: job.TotalLeads,
		StartedAt:  job.StartedAt,
		Timestamp:  time.Now().UTC(),
	}
}

func (r *Runner) publish(ctx context.Context, ev *bus.StatusEvent) {
	if !r.busLive {
		return
	}
	if err := r.bus.PublishStatus(ctx, ev); err != nil {
		r.log.Warnw("publish status failed", "job", ev.JobID, "error", err)
	}
}

// SplitBatches cuts leads into consecutive groups of at most size each,
// preserving order.
func SplitBatches(leads []*store.Lead, size int) [][]*store.Lead {
	if size <= 0 || len(leads) == 0 {
		return nil
	}
	batches := make([][]*store.Lead, 0, (len(leads)+size-1)/size)
	for start := 0; start < len(leads); start += size {
		end := start + size
		if end > len(leads) {
			end = len(leads)
		}
		batches = append(batches, leads[start:end])
	}
	return batches
}

// TruncateToQuota caps the lead set at the remaining daily invite quota.
func TruncateToQuota(leads []*store.Lead, remaining int) []*store.Lead {
	if remaining < 0 {
		remaining = 0
	}
	if len(leads) <= remaining {
		return leads
	}
	return leads[:remaining]
}

// ProgressPercent converts whole-lead progress into a 0-100 integer.
func ProgressPercent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := processed * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// DecodeControl parses a control channel payload.
func DecodeControl(data []byte) (*bus.ControlMessage, error) {
	ctl := &bus.ControlMessage{}
	if err := json.Unmarshal(data, ctl); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}
	return ctl, nil
}
