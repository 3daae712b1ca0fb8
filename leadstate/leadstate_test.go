package leadstate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"linkedin-outreach-engine/bus"
	"linkedin-outreach-engine/store"
)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock, *bus.Bus) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := bus.NewWithClient(client)
	return New(store.NewLeadStore(db), cache, zap.NewNop().Sugar()), mock, cache
}

func seedCachedLead(t *testing.T, cache *bus.Bus, campaignID string, lead *store.Lead) {
	t.Helper()
	data, err := json.Marshal(lead)
	if err != nil {
		t.Fatalf("marshal lead: %v", err)
	}
	if err := cache.SetCampaignLead(context.Background(), campaignID, lead.ID, string(data)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
}

func cachedLead(t *testing.T, cache *bus.Bus, campaignID, leadID string) *store.Lead {
	t.Helper()
	data, found, err := cache.CampaignLead(context.Background(), campaignID, leadID)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	if !found {
		t.Fatalf("lead %s missing from campaign %s cache", leadID, campaignID)
	}
	lead := &store.Lead{}
	if err := json.Unmarshal([]byte(data), lead); err != nil {
		t.Fatalf("unmarshal cached lead: %v", err)
	}
	return lead
}

func TestIsEligible(t *testing.T) {
	tests := []struct {
		name string
		lead store.Lead
		want bool
	}{
		{"fresh pending", store.Lead{URL: "https://www.linkedin.com/in/a", InviteStatus: store.InviteStatusPending}, true},
		{"failed retries", store.Lead{URL: "https://www.linkedin.com/in/a", InviteStatus: store.InviteStatusFailed}, true},
		{"blank status", store.Lead{URL: "https://www.linkedin.com/in/a"}, true},
		{"nameless still eligible", store.Lead{URL: "https://www.linkedin.com/in/a", Name: ""}, true},
		{"no url", store.Lead{InviteStatus: store.InviteStatusPending}, false},
		{"invite already sent", store.Lead{URL: "https://www.linkedin.com/in/a", InviteSent: true, InviteStatus: store.InviteStatusSent}, false},
		{"sent status without flag", store.Lead{URL: "https://www.linkedin.com/in/a", InviteStatus: store.InviteStatusSent}, false},
		{"accepted", store.Lead{URL: "https://www.linkedin.com/in/a", InviteStatus: store.InviteStatusAccepted}, false},
		{"rejected", store.Lead{URL: "https://www.linkedin.com/in/a", InviteStatus: store.InviteStatusRejected}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEligible(&tt.lead); got != tt.want {
				t.Errorf("IsEligible(%+v) = %v, want %v", tt.lead, got, tt.want)
			}
		})
	}
}

func TestFetchEligibleLeadsFromCache(t *testing.T) {
	m, _, cache := newTestManager(t)
	ctx := context.Background()

	older := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	// The older lead already got its invite; only the newer one is eligible.
	seedCachedLead(t, cache, "c1", &store.Lead{
		ID: "l1", CampaignID: "c1", URL: "https://www.linkedin.com/in/a",
		InviteSent: true, InviteStatus: store.InviteStatusSent, CreatedAt: older,
	})
	seedCachedLead(t, cache, "c1", &store.Lead{
		ID: "l2", CampaignID: "c1", URL: "https://www.linkedin.com/in/b",
		InviteStatus: store.InviteStatusPending, CreatedAt: newer,
	})

	got, err := m.FetchEligibleLeads(ctx, "c1")
	if err != nil {
		t.Fatalf("FetchEligibleLeads() error: %v", err)
	}

	if got.Source != SourceRedis {
		t.Errorf("Source = %q, want %q", got.Source, SourceRedis)
	}
	if len(got.AllLeads) != 2 {
		t.Fatalf("len(AllLeads) = %d, want 2", len(got.AllLeads))
	}
	if got.AllLeads[0].ID != "l1" || got.AllLeads[1].ID != "l2" {
		t.Errorf("AllLeads order = [%s %s], want insertion order [l1 l2]",
			got.AllLeads[0].ID, got.AllLeads[1].ID)
	}
	if len(got.EligibleLeads) != 1 || got.EligibleLeads[0].ID != "l2" {
		t.Errorf("EligibleLeads = %+v, want only l2", got.EligibleLeads)
	}
}

func TestFetchEligibleLeadsFallsBackToStore(t *testing.T) {
	m, mock, cache := newTestManager(t)
	ctx := context.Background()

	created := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	cols := []string{
		"id", "user_id", "campaign_id", "url",
		"name", "title", "company", "location", "profile_picture", "status",
		"invite_sent", "invite_status", "invite_sent_at", "invite_accepted_at",
		"invite_retry_count", "invite_error", "last_connection_check_at",
		"message_sent", "message_sent_at", "message_error",
		"created_at", "updated_at",
	}
	mock.ExpectQuery("FROM leads WHERE campaign_id").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("l1", "u1", "c1", "https://www.linkedin.com/in/a",
				"Jane Doe", "", "", "", "", store.LeadStatusCompleted,
				false, store.InviteStatusPending, nil, nil,
				0, "", nil,
				false, nil, "",
				created, created).
			AddRow("l2", "u1", "c1", "https://www.linkedin.com/in/b",
				"Ravi Kumar", "", "", "", "", store.LeadStatusCompleted,
				true, store.InviteStatusSent, nil, nil,
				0, "", nil,
				false, nil, "",
				created.Add(time.Minute), created.Add(time.Minute)))

	got, err := m.FetchEligibleLeads(ctx, "c1")
	if err != nil {
		t.Fatalf("FetchEligibleLeads() error: %v", err)
	}

	if got.Source != SourcePostgres {
		t.Errorf("Source = %q, want %q", got.Source, SourcePostgres)
	}
	if len(got.AllLeads) != 2 {
		t.Fatalf("len(AllLeads) = %d, want 2", len(got.AllLeads))
	}
	if len(got.EligibleLeads) != 1 || got.EligibleLeads[0].ID != "l1" {
		t.Errorf("EligibleLeads = %+v, want only l1", got.EligibleLeads)
	}

	// The store read must warm the cache for the next caller.
	warmed := cachedLead(t, cache, "c1", "l1")
	if warmed.URL != "https://www.linkedin.com/in/a" {
		t.Errorf("warmed cache URL = %q, want original", warmed.URL)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet db expectations: %v", err)
	}
}

func TestUpdateLeadStatusWritesCacheFirst(t *testing.T) {
	m, mock, cache := newTestManager(t)
	ctx := context.Background()

	seedCachedLead(t, cache, "c1", &store.Lead{
		ID: "l1", CampaignID: "c1", URL: "https://www.linkedin.com/in/a",
		InviteStatus: store.InviteStatusPending,
	})

	mock.ExpectExec("UPDATE leads SET invite_status").
		WithArgs("l1", store.InviteStatusSent, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.UpdateLeadStatus(ctx, "c1", "l1", store.InviteStatusSent, true); err != nil {
		t.Fatalf("UpdateLeadStatus() error: %v", err)
	}

	lead := cachedLead(t, cache, "c1", "l1")
	if !lead.InviteSent || lead.InviteStatus != store.InviteStatusSent {
		t.Errorf("cached lead = %+v, want inviteSent=true status=sent", lead)
	}
	if lead.InviteSentAt == nil {
		t.Error("cached lead InviteSentAt = nil, want stamped")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet db expectations: %v", err)
	}
}

func TestUpdateLeadStatusToleratesCacheMiss(t *testing.T) {
	m, mock, _ := newTestManager(t)

	// Nothing cached for the campaign; only the store write matters.
	mock.ExpectExec("UPDATE leads SET invite_status").
		WithArgs("l1", store.InviteStatusSent, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.UpdateLeadStatus(context.Background(), "c1", "l1", store.InviteStatusSent, true); err != nil {
		t.Fatalf("UpdateLeadStatus() error: %v", err)
	}
}

func TestUpdateLeadStatusPropagatesStoreError(t *testing.T) {
	m, mock, _ := newTestManager(t)

	mock.ExpectExec("UPDATE leads SET invite_status").
		WithArgs("l1", store.InviteStatusSent, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.UpdateLeadStatus(context.Background(), "c1", "l1", store.InviteStatusSent, true)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateLeadStatus() = %v, want ErrNotFound", err)
	}
}

func TestUpdateLeadConnectionAcceptedFansOut(t *testing.T) {
	m, mock, cache := newTestManager(t)
	ctx := context.Background()

	// The same profile sits in two campaigns under different URL spellings;
	// a third lead shares the campaign but not the profile.
	seedCachedLead(t, cache, "c1", &store.Lead{
		ID: "l1", CampaignID: "c1", URL: "https://www.linkedin.com/in/Jane-Doe/",
		InviteSent: true, InviteStatus: store.InviteStatusSent,
	})
	seedCachedLead(t, cache, "c2", &store.Lead{
		ID: "l9", CampaignID: "c2", URL: "https://linkedin.com/in/jane-doe?trk=x",
		InviteSent: true, InviteStatus: store.InviteStatusSent,
	})
	seedCachedLead(t, cache, "c1", &store.Lead{
		ID: "l2", CampaignID: "c1", URL: "https://www.linkedin.com/in/someone-else",
		InviteStatus: store.InviteStatusPending,
	})

	acceptedAt := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE leads SET invite_sent = TRUE").
		WithArgs("https://www.linkedin.com/in/jane-doe", store.InviteStatusAccepted, acceptedAt).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := m.UpdateLeadConnectionAccepted(ctx, "https://www.linkedin.com/in/Jane-Doe/", acceptedAt)
	if err != nil {
		t.Fatalf("UpdateLeadConnectionAccepted() error: %v", err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}

	for _, loc := range []struct{ campaign, lead string }{{"c1", "l1"}, {"c2", "l9"}} {
		got := cachedLead(t, cache, loc.campaign, loc.lead)
		if got.InviteStatus != store.InviteStatusAccepted || !got.InviteSent {
			t.Errorf("%s/%s = %+v, want accepted", loc.campaign, loc.lead, got)
		}
		if got.InviteAcceptedAt == nil || !got.InviteAcceptedAt.Equal(acceptedAt) {
			t.Errorf("%s/%s InviteAcceptedAt = %v, want %v", loc.campaign, loc.lead, got.InviteAcceptedAt, acceptedAt)
		}
	}

	untouched := cachedLead(t, cache, "c1", "l2")
	if untouched.InviteStatus != store.InviteStatusPending {
		t.Errorf("unrelated lead status = %q, want pending", untouched.InviteStatus)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet db expectations: %v", err)
	}
}

func TestUpdateLeadMessageSentFansOut(t *testing.T) {
	m, mock, cache := newTestManager(t)
	ctx := context.Background()

	seedCachedLead(t, cache, "c1", &store.Lead{
		ID: "l1", CampaignID: "c1", URL: "https://www.linkedin.com/in/jane-doe",
		InviteSent: true, InviteStatus: store.InviteStatusAccepted,
		MessageError: "previous failure",
	})

	sentAt := time.Date(2025, 2, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE leads SET message_sent = TRUE").
		WithArgs("https://www.linkedin.com/in/jane-doe", sentAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := m.UpdateLeadMessageSent(ctx, "https://www.linkedin.com/in/jane-doe/", sentAt)
	if err != nil {
		t.Fatalf("UpdateLeadMessageSent() error: %v", err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}

	got := cachedLead(t, cache, "c1", "l1")
	if !got.MessageSent || got.MessageError != "" {
		t.Errorf("cached lead = %+v, want messageSent=true and cleared error", got)
	}
}

func TestGetLeadAnalytics(t *testing.T) {
	leads := []*store.Lead{
		{InviteStatus: store.InviteStatusSent, InviteSent: true},
		{InviteStatus: store.InviteStatusSent, InviteSent: true},
		{InviteStatus: store.InviteStatusAccepted, InviteSent: true},
		{InviteStatus: store.InviteStatusFailed},
		{InviteStatus: ""},
	}

	a := GetLeadAnalytics(leads)

	if a.Total != 5 {
		t.Errorf("Total = %d, want 5", a.Total)
	}
	if a.LeadsWithInvites != 3 {
		t.Errorf("LeadsWithInvites = %d, want 3", a.LeadsWithInvites)
	}
	if a.InviteStats[store.InviteStatusSent] != 2 {
		t.Errorf("sent = %d, want 2", a.InviteStats[store.InviteStatusSent])
	}
	// Blank statuses are reported as pending.
	if a.InviteStats[store.InviteStatusPending] != 1 {
		t.Errorf("pending = %d, want 1", a.InviteStats[store.InviteStatusPending])
	}
	if a.InviteStats[store.InviteStatusAccepted] != 1 || a.InviteStats[store.InviteStatusFailed] != 1 {
		t.Errorf("stats = %+v, want accepted=1 failed=1", a.InviteStats)
	}
}

func TestGetLeadAnalyticsEmpty(t *testing.T) {
	a := GetLeadAnalytics(nil)
	if a.Total != 0 || a.LeadsWithInvites != 0 || len(a.InviteStats) != 0 {
		t.Errorf("GetLeadAnalytics(nil) = %+v, want zeroes", a)
	}
}
