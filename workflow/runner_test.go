package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"linkedin-outreach-engine/bus"
	"linkedin-outreach-engine/invite"
	"linkedin-outreach-engine/leadstate"
	"linkedin-outreach-engine/ratelimit"
	"linkedin-outreach-engine/store"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func makeLeads(n int) []*store.Lead {
	leads := make([]*store.Lead, n)
	for i := range leads {
		leads[i] = &store.Lead{ID: fmt.Sprintf("lead-%d", i)}
	}
	return leads
}

func TestSplitBatches(t *testing.T) {
	tests := []struct {
		name      string
		leads     int
		size      int
		wantSizes []int
	}{
		{"empty", 0, 10, nil},
		{"smaller than one batch", 4, 10, []int{4}},
		{"exact batch", 10, 10, []int{10}},
		{"uneven tail", 23, 10, []int{10, 10, 3}},
		{"size one", 3, 1, []int{1, 1, 1}},
		{"zero size", 5, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := SplitBatches(makeLeads(tt.leads), tt.size)
			if len(batches) != len(tt.wantSizes) {
				t.Fatalf("len(batches) = %d, want %d", len(batches), len(tt.wantSizes))
			}
			seen := 0
			for i, b := range batches {
				if len(b) != tt.wantSizes[i] {
					t.Errorf("batch %d size = %d, want %d", i, len(b), tt.wantSizes[i])
				}
				for _, lead := range b {
					if lead.ID != fmt.Sprintf("lead-%d", seen) {
						t.Errorf("batch %d holds %s out of order", i, lead.ID)
					}
					seen++
				}
			}
		})
	}
}

func TestTruncateToQuota(t *testing.T) {
	tests := []struct {
		name      string
		leads     int
		remaining int
		want      int
	}{
		{"quota covers all", 5, 10, 5},
		{"quota exact", 5, 5, 5},
		{"quota truncates", 10, 3, 3},
		{"zero quota", 10, 0, 0},
		{"negative quota", 10, -2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateToQuota(makeLeads(tt.leads), tt.remaining)
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
			if tt.want > 0 && got[0].ID != "lead-0" {
				t.Errorf("truncation must keep input order, got first %s", got[0].ID)
			}
		})
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		processed int
		total     int
		want      int
	}{
		{0, 10, 0},
		{3, 10, 30},
		{10, 10, 100},
		{1, 3, 33},
		{2, 3, 66},
		{5, 0, 0},
		{5, -1, 0},
		{20, 10, 100},
	}
	for _, tt := range tests {
		if got := ProgressPercent(tt.processed, tt.total); got != tt.want {
			t.Errorf("ProgressPercent(%d, %d) = %d, want %d", tt.processed, tt.total, got, tt.want)
		}
	}
}

func TestDecodeControl(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(&bus.ControlMessage{Action: bus.ActionPause, UserID: "u1", Timestamp: ts})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ctl, err := DecodeControl(data)
	if err != nil {
		t.Fatalf("DecodeControl() error: %v", err)
	}
	if ctl.Action != bus.ActionPause || ctl.UserID != "u1" || !ctl.Timestamp.Equal(ts) {
		t.Errorf("DecodeControl() = %+v, want pause/u1/%v", ctl, ts)
	}

	if _, err := DecodeControl([]byte("{not json")); err == nil {
		t.Error("DecodeControl(malformed) = nil error, want error")
	}
}

func TestPollControl(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   error
	}{
		{"processing keeps going", store.JobStatusProcessing, nil},
		{"queued keeps going", store.JobStatusQueued, nil},
		{"paused aborts", store.JobStatusPaused, bus.ErrWorkflowPaused},
		{"cancelled aborts", store.JobStatusCancelled, bus.ErrWorkflowCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, cleanup := setupTestDB(t)
			defer cleanup()

			mock.ExpectQuery("SELECT status FROM workflow_jobs").
				WithArgs("job-1").
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(tt.status))

			r := New(store.NewJobStore(db), nil, nil, nil, nil, nil, nil, zap.NewNop().Sugar())
			if got := r.pollControl(context.Background(), "job-1"); !errors.Is(got, tt.want) {
				t.Errorf("pollControl() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPollControlSwallowsStoreErrors(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status FROM workflow_jobs").
		WithArgs("job-1").
		WillReturnError(errors.New("connection refused"))

	r := New(store.NewJobStore(db), nil, nil, nil, nil, nil, nil, zap.NewNop().Sugar())
	if got := r.pollControl(context.Background(), "job-1"); got != nil {
		t.Errorf("pollControl() = %v, want nil on store error", got)
	}
}

var jobCols = []string{
	"id", "user_id", "campaign_id", "linkedin_account_id",
	"custom_message", "status", "total_leads", "processed_leads", "progress",
	"results", "error_message", "created_at", "started_at", "completed_at",
}

func jobRow(id string) *sqlmock.Rows {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(jobCols).AddRow(
		id, "user-1", "camp-1", "acct-1",
		"", store.JobStatusQueued, 0, 0, 0,
		nil, "", created, nil, nil,
	)
}

var accountCols = []string{
	"id", "user_id", "email", "user_name",
	"profile_image_url", "user_agent",
	"cookies", "local_storage", "session_storage",
	"daily_invites_sent", "daily_connection_checks", "daily_messages_sent",
	"invites_reset_at", "connection_checks_reset_at", "messages_reset_at",
	"daily_invite_limit", "daily_connection_check_limit", "daily_message_limit",
	"is_active", "created_at", "last_used",
}

func accountRow(id string, invitesSent int) *sqlmock.Rows {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(accountCols).AddRow(
		id, "user-1", "a@example.com", "Ada",
		"", "Mozilla/5.0",
		[]byte(`[]`), []byte(`{}`), []byte(`{}`),
		invitesSent, 0, 0,
		created, created, created,
		nil, nil, nil,
		true, created, nil,
	)
}

// runFixture wires a Runner against sqlmock and miniredis. Session and invite
// dependencies stay nil; the paths under test never open a browser.
func runFixture(t *testing.T) (*Runner, sqlmock.Sqlmock, *bus.Bus) {
	t.Helper()
	db, mock, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := bus.NewWithClient(client)

	logr := zap.NewNop().Sugar()
	leads := store.NewLeadStore(db)
	accounts := store.NewAccountStore(db)
	state := leadstate.New(leads, b, logr)
	limits := ratelimit.New(accounts, ratelimit.Defaults{Invites: 30, ConnectionChecks: 3, Messages: 10}, logr)

	r := New(store.NewJobStore(db), accounts, state, limits, nil, nil, b, logr)
	return r, mock, b
}

func lastStatusEvent(t *testing.T, b *bus.Bus, jobID string) *bus.StatusEvent {
	t.Helper()
	data, err := b.LastStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("LastStatus() error: %v", err)
	}
	if data == nil {
		t.Fatal("LastStatus() = nil, want a stored snapshot")
	}
	ev := &bus.StatusEvent{}
	if err := json.Unmarshal(data, ev); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	return ev
}

func TestRunSkipsWhenNoEligibleLeads(t *testing.T) {
	r, mock, b := runFixture(t)
	ctx := context.Background()

	// Every cached lead already has its invite out; nothing is eligible.
	lead, _ := json.Marshal(&store.Lead{
		ID: "lead-1", UserID: "user-1", CampaignID: "camp-1",
		URL:        "https://www.linkedin.com/in/alpha",
		InviteSent: true, InviteStatus: store.InviteStatusSent,
		CreatedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err := b.SetCampaignLead(ctx, "camp-1", "lead-1", string(lead)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	mock.ExpectQuery("FROM workflow_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1"))
	mock.ExpectExec("UPDATE workflow_jobs SET status").
		WithArgs("job-1", store.JobStatusProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM linkedin_accounts WHERE id").
		WithArgs("acct-1").
		WillReturnRows(accountRow("acct-1", 5))
	mock.ExpectExec("UPDATE linkedin_accounts SET daily_invites_sent = 0").
		WithArgs("acct-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT daily_invites_sent, daily_invite_limit, invites_reset_at").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"used", "limit", "reset_at"}).
			AddRow(5, nil, time.Now().UTC().Add(-time.Hour)))
	mock.ExpectExec("UPDATE workflow_jobs SET status").
		WithArgs("job-1", store.JobStatusCompleted, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if code := r.Run(ctx, "job-1"); code != 0 {
		t.Fatalf("Run() = %d, want 0 for a skipped job", code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet db expectations: %v", err)
	}

	ev := lastStatusEvent(t, b, "job-1")
	if ev.Status != store.JobStatusCompleted {
		t.Errorf("snapshot status = %q, want completed", ev.Status)
	}
	if ev.Results == nil || !ev.Results.Skipped {
		t.Fatalf("snapshot results = %+v, want skipped", ev.Results)
	}
	if ev.Results.SkipReason != skipReasonAllProcessed {
		t.Errorf("skip reason = %q, want %q", ev.Results.SkipReason, skipReasonAllProcessed)
	}
}

func TestRunFailsWhenQuotaExhausted(t *testing.T) {
	r, mock, b := runFixture(t)

	mock.ExpectQuery("FROM workflow_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1"))
	mock.ExpectExec("UPDATE workflow_jobs SET status").
		WithArgs("job-1", store.JobStatusProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM linkedin_accounts WHERE id").
		WithArgs("acct-1").
		WillReturnRows(accountRow("acct-1", 30))
	mock.ExpectExec("UPDATE linkedin_accounts SET daily_invites_sent = 0").
		WithArgs("acct-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT daily_invites_sent, daily_invite_limit, invites_reset_at").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"used", "limit", "reset_at"}).
			AddRow(30, nil, time.Now().UTC().Add(-time.Hour)))
	mock.ExpectExec("UPDATE workflow_jobs SET status").
		WithArgs("job-1", store.JobStatusFailed, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if code := r.Run(context.Background(), "job-1"); code != 1 {
		t.Fatalf("Run() = %d, want 1 when the invite quota is spent", code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet db expectations: %v", err)
	}

	ev := lastStatusEvent(t, b, "job-1")
	if ev.Status != store.JobStatusFailed {
		t.Errorf("snapshot status = %q, want failed", ev.Status)
	}
	if !strings.Contains(ev.ErrorMessage, "30/30") {
		t.Errorf("snapshot error = %q, want the quota counts", ev.ErrorMessage)
	}
}

func TestWatchControlExitsOnPause(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	b := bus.NewWithClient(client)

	exited := make(chan int, 1)
	r := New(nil, nil, nil, nil, nil, nil, b, zap.NewNop().Sugar())
	r.exitFn = func(code int) { exited <- code }

	ctx := context.Background()
	sub := b.SubscribeControl(ctx, "job-1")
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe receive error: %v", err)
	}
	go r.watchControl("job-1", sub)

	// A non-control action must be ignored; only pause/cancel exits.
	if err := b.PublishControl(ctx, "job-1", &bus.ControlMessage{Action: "noop", Timestamp: time.Now()}); err != nil {
		t.Fatalf("PublishControl(noop) error: %v", err)
	}
	if err := b.PublishControl(ctx, "job-1", &bus.ControlMessage{
		Action: bus.ActionPause, UserID: "u1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("PublishControl(pause) error: %v", err)
	}

	select {
	case code := <-exited:
		if code != 0 {
			t.Errorf("exit code = %d, want 0 for control exit", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchControl did not exit on pause")
	}
}

func TestProgressCallbackPublishesMonotonicCounts(t *testing.T) {
	r, mock, b := runFixture(t)
	r.busLive = true
	ctx := context.Background()

	// Lead 1 sends (progress row write plus counter increment); lead 2
	// resolves as already pending (row write only).
	mock.ExpectExec("UPDATE workflow_jobs SET processed_leads").
		WithArgs("job-1", 1, 50).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE linkedin_accounts SET daily_invites_sent = daily_invites_sent").
		WithArgs("acct-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE workflow_jobs SET processed_leads").
		WithArgs("job-1", 2, 100).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub := b.SubscribeStatus(ctx, "job-1")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe receive error: %v", err)
	}

	job := &store.WorkflowJob{ID: "job-1", CampaignID: "camp-1", TotalLeads: 2, Status: store.JobStatusProcessing}
	account := &store.LinkedInAccount{ID: "acct-1", UserID: "user-1"}
	cb := r.progressCallback(ctx, job, account, 0)

	leadOne := &store.Lead{ID: "lead-1", Name: "Ada", URL: "https://www.linkedin.com/in/ada"}
	leadTwo := &store.Lead{ID: "lead-2", Name: "Grace", URL: "https://www.linkedin.com/in/grace"}

	// The order the invite loop emits for two leads: stage events at the
	// fractional positions, then the whole-lead completion. Lead 2's stage
	// events arrive after lead 1 completed; the published count must not dip
	// back while they stream.
	events := []*invite.ProgressEvent{
		{Type: invite.EventProgress, Current: 0.2, Stage: invite.StageNavigating, Lead: leadOne},
		{Type: invite.EventProgress, Current: 0.4, Stage: invite.StageClassifying, Lead: leadOne},
		{Type: invite.EventProgress, Current: 0.6, Stage: invite.StageClicking, Lead: leadOne},
		{Type: invite.EventProgress, Current: 0.8, Stage: invite.StageSending, Lead: leadOne},
		{Type: invite.EventLead, Current: 1, Lead: leadOne, Status: invite.OutcomeSent},
		{Type: invite.EventProgress, Current: 1.2, Stage: invite.StageNavigating, Lead: leadTwo},
		{Type: invite.EventProgress, Current: 1.4, Stage: invite.StageClassifying, Lead: leadTwo},
		{Type: invite.EventLead, Current: 2, Lead: leadTwo, Status: invite.OutcomeAlreadyPending},
	}
	for i, ev := range events {
		if err := cb(ev); err != nil {
			t.Fatalf("callback event %d error: %v", i, err)
		}
	}

	counts := make([]int, 0, len(events))
	for range events {
		select {
		case msg := <-sub.Channel():
			ev := &bus.StatusEvent{}
			if err := json.Unmarshal([]byte(msg.Payload), ev); err != nil {
				t.Fatalf("unmarshal status event: %v", err)
			}
			counts = append(counts, ev.ProcessedLeads)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d status events arrived", len(counts), len(events))
		}
	}

	want := []int{0, 0, 0, 0, 1, 1, 1, 2}
	for i, got := range counts {
		if got != want[i] {
			t.Errorf("event %d processedLeads = %d, want %d", i, got, want[i])
		}
		if i > 0 && got < counts[i-1] {
			t.Errorf("processedLeads decreased at event %d: %v", i, counts)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet db expectations: %v", err)
	}
}
