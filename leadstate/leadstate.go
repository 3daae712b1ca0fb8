// Package leadstate keeps lead invite/message state consistent across the
// Postgres system of record and the Redis campaign cache. Writes hit the
// cache first so readers see fresh state quickly, then the store; only store
// failures propagate. Global updates fan out to every campaign holding the
// same profile URL.
package leadstate

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"linkedin-outreach-engine/bus"
	"linkedin-outreach-engine/store"
)

// Source values reported by FetchEligibleLeads.
const (
	SourceRedis    = "redis"
	SourcePostgres = "postgresql"
)

// Manager is the single write path for lead invite and message state.
type Manager struct {
	leads *store.LeadStore
	cache *bus.Bus
	log   *zap.SugaredLogger
}

func New(leads *store.LeadStore, cache *bus.Bus, log *zap.SugaredLogger) *Manager {
	return &Manager{leads: leads, cache: cache, log: log}
}

// patchCachedLead rewrites one cached entry through fn. Absence and cache
// errors are logged and swallowed; the store stays authoritative.
func (m *Manager) patchCachedLead(ctx context.Context, campaignID, leadID string, fn func(*store.Lead)) {
	data, found, err := m.cache.CampaignLead(ctx, campaignID, leadID)
	if err != nil {
		m.log.Warnw("lead cache read failed", "campaign", campaignID, "lead", leadID, "error", err)
		return
	}
	if !found {
		m.log.Debugw("lead not in campaign cache", "campaign", campaignID, "lead", leadID)
		return
	}

	lead := &store.Lead{}
	if err := json.Unmarshal([]byte(data), lead); err != nil {
		m.log.Warnw("corrupt cached lead entry", "campaign", campaignID, "lead", leadID, "error", err)
		return
	}

	fn(lead)
	lead.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(lead)
	if err != nil {
		m.log.Warnw("marshal cached lead failed", "lead", leadID, "error", err)
		return
	}
	if err := m.cache.SetCampaignLead(ctx, campaignID, leadID, string(updated)); err != nil {
		m.log.Warnw("lead cache write failed", "campaign", campaignID, "lead", leadID, "error", err)
	}
}

// fanOutCache patches every cached copy of the profile across all campaign
// lead maps, matching by extracted username.
func (m *Manager) fanOutCache(ctx context.Context, profileURL string, fn func(*store.Lead)) {
	username := ExtractUsername(profileURL)
	if username == "" {
		m.log.Debugw("fan-out skipped, url has no username", "url", profileURL)
		return
	}

	keys, err := m.cache.ScanCampaignLeadKeys(ctx)
	if err != nil {
		m.log.Warnw("campaign key scan failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, key := range keys {
		entries, err := m.cache.LeadsAtKey(ctx, key)
		if err != nil {
			m.log.Warnw("cache read failed during fan-out", "key", key, "error", err)
			continue
		}
		for leadID, data := range entries {
			lead := &store.Lead{}
			if err := json.Unmarshal([]byte(data), lead); err != nil {
				continue
			}
			if ExtractUsername(lead.URL) != username {
				continue
			}
			fn(lead)
			lead.UpdatedAt = now
			updated, err := json.Marshal(lead)
			if err != nil {
				continue
			}
			if err := m.cache.SetLeadAtKey(ctx, key, leadID, string(updated)); err != nil {
				m.log.Warnw("cache write failed during fan-out", "key", key, "lead", leadID, "error", err)
			}
		}
	}
}

// UpdateLeadStatus records an invite outcome for one lead within one
// campaign. Cache first, then store; store errors propagate.
func (m *Manager) UpdateLeadStatus(ctx context.Context, campaignID, leadID, inviteStatus string, inviteSent bool) error {
	now := time.Now().UTC()

	m.patchCachedLead(ctx, campaignID, leadID, func(l *store.Lead) {
		l.InviteSent = inviteSent
		l.InviteStatus = inviteStatus
		l.InviteSentAt = &now
		l.InviteError = ""
	})

	if err := m.leads.UpdateInvite(ctx, leadID, inviteStatus, inviteSent, now); err != nil {
		return err
	}

	m.log.Debugw("lead status updated",
		"campaign", campaignID, "lead", leadID,
		"inviteStatus", inviteStatus, "inviteSent", inviteSent,
	)
	return nil
}

// RecordInviteFailure marks a lead failed with its cause and bumps the retry
// counter, cache first.
func (m *Manager) RecordInviteFailure(ctx context.Context, campaignID, leadID, errText string) error {
	m.patchCachedLead(ctx, campaignID, leadID, func(l *store.Lead) {
		l.InviteSent = false
		l.InviteStatus = store.InviteStatusFailed
		l.InviteError = errText
		l.InviteRetryCount++
	})

	return m.leads.RecordInviteFailure(ctx, leadID, errText)
}

// UpdateLeadStatusGlobally fans an invite state change out to every lead row
// and cache entry sharing the profile URL. Returns the store row count.
func (m *Manager) UpdateLeadStatusGlobally(ctx context.Context, profileURL, inviteStatus string, inviteSent bool) (int64, error) {
	target := NormalizeProfileURL(profileURL)
	if target == "" {
		target = profileURL
	}

	n, err := m.leads.UpdateInviteByURL(ctx, target, inviteStatus, inviteSent)
	if err != nil {
		return 0, err
	}

	m.fanOutCache(ctx, target, func(l *store.Lead) {
		l.InviteSent = inviteSent
		l.InviteStatus = inviteStatus
	})

	m.log.Infow("lead status fanned out",
		"url", target, "inviteStatus", inviteStatus, "rows", n,
	)
	return n, nil
}

// UpdateLeadConnectionAccepted promotes every copy of a profile to accepted.
func (m *Manager) UpdateLeadConnectionAccepted(ctx context.Context, profileURL string, acceptedAt time.Time) (int64, error) {
	target := NormalizeProfileURL(profileURL)
	if target == "" {
		target = profileURL
	}

	n, err := m.leads.AcceptByURL(ctx, target, acceptedAt)
	if err != nil {
		return 0, err
	}

	m.fanOutCache(ctx, target, func(l *store.Lead) {
		l.InviteSent = true
		l.InviteStatus = store.InviteStatusAccepted
		at := acceptedAt
		l.InviteAcceptedAt = &at
	})

	m.log.Infow("connection accepted fanned out", "url", target, "rows", n)
	return n, nil
}

// UpdateLeadMessageSent records a delivered follow-up message everywhere the
// profile appears.
func (m *Manager) UpdateLeadMessageSent(ctx context.Context, profileURL string, sentAt time.Time) (int64, error) {
	target := NormalizeProfileURL(profileURL)
	if target == "" {
		target = profileURL
	}

	n, err := m.leads.MarkMessageSentByURL(ctx, target, sentAt)
	if err != nil {
		return 0, err
	}

	m.fanOutCache(ctx, target, func(l *store.Lead) {
		l.MessageSent = true
		at := sentAt
		l.MessageSentAt = &at
		l.MessageError = ""
	})

	return n, nil
}

// UpdateLeadMessageError records a failed follow-up message everywhere the
// profile appears.
func (m *Manager) UpdateLeadMessageError(ctx context.Context, profileURL, errText string) (int64, error) {
	target := NormalizeProfileURL(profileURL)
	if target == "" {
		target = profileURL
	}

	n, err := m.leads.MarkMessageErrorByURL(ctx, target, errText)
	if err != nil {
		return 0, err
	}

	m.fanOutCache(ctx, target, func(l *store.Lead) {
		l.MessageSent = false
		l.MessageError = errText
	})

	return n, nil
}

// EligibleLeads is the outcome of FetchEligibleLeads.
type EligibleLeads struct {
	AllLeads      []*store.Lead
	EligibleLeads []*store.Lead
	Source        string
}

// IsEligible reports whether a lead can still receive an invite: it must
// carry a URL, must not have a sent invite, and its status must be pending,
// failed or unset. A missing name does not disqualify.
func IsEligible(l *store.Lead) bool {
	if l.URL == "" || l.InviteSent {
		return false
	}
	switch l.InviteStatus {
	case store.InviteStatusPending, store.InviteStatusFailed, "":
		return true
	}
	return false
}

// FetchEligibleLeads reads the campaign's leads cache-first, falling back to
// the store and repopulating the cache best-effort. Leads come back in
// insertion order regardless of source.
func (m *Manager) FetchEligibleLeads(ctx context.Context, campaignID string) (*EligibleLeads, error) {
	result := &EligibleLeads{Source: SourceRedis}

	entries, err := m.cache.CampaignLeads(ctx, campaignID)
	if err != nil {
		m.log.Warnw("campaign cache read failed, falling back to store", "campaign", campaignID, "error", err)
		entries = nil
	}

	if len(entries) > 0 {
		for leadID, data := range entries {
			lead := &store.Lead{}
			if err := json.Unmarshal([]byte(data), lead); err != nil {
				m.log.Warnw("corrupt cached lead skipped", "campaign", campaignID, "lead", leadID, "error", err)
				continue
			}
			result.AllLeads = append(result.AllLeads, lead)
		}
		// Hash iteration order is random; restore insertion order.
		sort.Slice(result.AllLeads, func(i, j int) bool {
			a, b := result.AllLeads[i], result.AllLeads[j]
			if a.CreatedAt.Equal(b.CreatedAt) {
				return a.ID < b.ID
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
	}

	if len(result.AllLeads) == 0 {
		leads, err := m.leads.ListByCampaign(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		result.AllLeads = leads
		result.Source = SourcePostgres

		if len(leads) > 0 {
			cacheEntries := make(map[string]string, len(leads))
			for _, l := range leads {
				data, err := json.Marshal(l)
				if err != nil {
					continue
				}
				cacheEntries[l.ID] = string(data)
			}
			if err := m.cache.SetCampaignLeads(ctx, campaignID, cacheEntries); err != nil {
				m.log.Warnw("campaign cache populate failed", "campaign", campaignID, "error", err)
			}
		}
	}

	for _, l := range result.AllLeads {
		if IsEligible(l) {
			result.EligibleLeads = append(result.EligibleLeads, l)
		}
	}

	m.log.Infow("eligible leads fetched",
		"campaign", campaignID,
		"total", len(result.AllLeads),
		"eligible", len(result.EligibleLeads),
		"source", result.Source,
	)
	return result, nil
}

// Analytics summarizes invite progress over a set of leads.
type Analytics struct {
	Total            int            `json:"total"`
	InviteStats      map[string]int `json:"inviteStats"`
	LeadsWithInvites int            `json:"leadsWithInvites"`
}

// GetLeadAnalytics aggregates invite statistics. Pure.
func GetLeadAnalytics(leads []*store.Lead) Analytics {
	a := Analytics{
		Total:       len(leads),
		InviteStats: make(map[string]int),
	}
	for _, l := range leads {
		status := l.InviteStatus
		if status == "" {
			status = store.InviteStatusPending
		}
		a.InviteStats[status]++
		if l.InviteSent {
			a.LeadsWithInvites++
		}
	}
	return a
}
