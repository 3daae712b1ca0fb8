package control

import (
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linkedin-outreach-engine/bus"
	"linkedin-outreach-engine/config"
	"linkedin-outreach-engine/conncheck"
	"linkedin-outreach-engine/leadstate"
	"linkedin-outreach-engine/message"
	"linkedin-outreach-engine/ratelimit"
	"linkedin-outreach-engine/session"
	"linkedin-outreach-engine/store"
)

// fixture wires a Server against sqlmock and miniredis so handler tests can
// drive the full router.
type fixture struct {
	router *chi.Mux
	mock   sqlmock.Sqlmock
	mr     *miniredis.Miniredis
	bus    *bus.Bus
	redis  *redis.Client
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := bus.NewWithClient(client)

	logr := zap.NewNop().Sugar()

	cfg := &config.Config{}
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.WorkerBin = "/bin/true"
	cfg.Limits = config.LimitsConfig{DailyInvites: 30, DailyConnectionChecks: 3, DailyMessages: 10}

	leads := store.NewLeadStore(db)
	accounts := store.NewAccountStore(db)
	campaigns := store.NewCampaignStore(db)
	jobs := store.NewJobStore(db)
	messages := store.NewMessageStore(db)

	state := leadstate.New(leads, b, logr)
	limits := ratelimit.New(accounts, ratelimit.Defaults{
		Invites:          cfg.Limits.DailyInvites,
		ConnectionChecks: cfg.Limits.DailyConnectionChecks,
		Messages:         cfg.Limits.DailyMessages,
	}, logr)
	sessions := session.New(cfg.Browser, logr)
	sender := message.NewSender(cfg.Browser, cfg.Timing, logr)
	checker := conncheck.New(sessions, sender, state, limits, leads, messages, cfg.Browser, logr)

	srv := NewServer(cfg, jobs, accounts, campaigns, state, limits, checker, b, logr)
	return &fixture{router: srv.Router(), mock: mock, mr: mr, bus: b, redis: client, cfg: cfg}
}

func doRequest(t *testing.T, router http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

var jobCols = []string{
	"id", "user_id", "campaign_id", "linkedin_account_id",
	"custom_message", "status", "total_leads", "processed_leads", "progress",
	"results", "error_message", "created_at", "started_at", "completed_at",
}

func jobRows(id, userID, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(jobCols).AddRow(
		id, userID, "camp-1", "acct-1", "", status, 0, 0, 0, nil, "", now, nil, nil,
	)
}

var accountCols = []string{
	"id", "user_id", "email", "user_name", "profile_image_url", "user_agent",
	"cookies", "local_storage", "session_storage",
	"daily_invites_sent", "daily_connection_checks", "daily_messages_sent",
	"invites_reset_at", "connection_checks_reset_at", "messages_reset_at",
	"daily_invite_limit", "daily_connection_check_limit", "daily_message_limit",
	"is_active", "created_at", "last_used",
}

func accountRows(id, userID string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(accountCols).AddRow(
		id, userID, "jane@example.com", "Jane Doe", "", "",
		[]byte("[]"), []byte("{}"), []byte("{}"),
		0, 0, 0, now, now, now, nil, nil, nil, true, now, nil,
	)
}

var campaignCols = []string{"id", "user_id", "name", "description", "status", "created_at", "updated_at"}

func campaignRows(id, userID string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(campaignCols).AddRow(id, userID, "Q3 outreach", "", "active", now, now)
}

func TestHealthRequiresNoUser(t *testing.T) {
	f := newFixture(t)

	rec := doRequest(t, f.router, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAPIRejectsMissingUserHeader(t *testing.T) {
	f := newFixture(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/workflows/job-1"},
		{http.MethodPost, "/api/workflows/start"},
		{http.MethodPost, "/api/workflows/job-1/pause"},
		{http.MethodPost, "/api/connections/check"},
		{http.MethodGet, "/api/campaigns/camp-1/analytics"},
	}
	for _, p := range paths {
		rec := doRequest(t, f.router, p.method, p.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", p.method, p.path)
	}

	// No request may have reached the database.
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetJobOwnership(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery("FROM workflow_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows("job-1", "someone-else", store.JobStatusProcessing))

	rec := doRequest(t, f.router, http.MethodGet, "/api/workflows/job-1", "user-1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery("FROM workflow_jobs WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	rec := doRequest(t, f.router, http.MethodGet, "/api/workflows/missing", "user-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobReturnsRow(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery("FROM workflow_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows("job-1", "user-1", store.JobStatusProcessing))

	rec := doRequest(t, f.router, http.MethodGet, "/api/workflows/job-1", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"job-1"`)
	assert.Contains(t, rec.Body.String(), `"status":"processing"`)
}
