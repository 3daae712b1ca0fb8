package control

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"linkedin-outreach-engine/leadstate"
	"linkedin-outreach-engine/store"
)

type campaignAnalyticsResponse struct {
	CampaignID string              `json:"campaignId"`
	Eligible   int                 `json:"eligible"`
	Source     string              `json:"source"`
	Analytics  leadstate.Analytics `json:"analytics"`
}

// CampaignAnalytics reports invite progress for one campaign: totals per
// invite status plus how many leads are still eligible. Reads go through the
// cache-first lead path, so the numbers match what a running worker sees.
func (s *Server) CampaignAnalytics(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	ctx := r.Context()

	campaign, err := s.campaigns.Get(ctx, campaignID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		s.log.Errorw("load campaign failed", "campaign", campaignID, "error", err)
		respondError(w, http.StatusInternalServerError, "load campaign failed")
		return
	}
	if campaign.UserID != userID(r) {
		respondError(w, http.StatusForbidden, "campaign belongs to another user")
		return
	}

	leads, err := s.state.FetchEligibleLeads(ctx, campaignID)
	if err != nil {
		s.log.Errorw("fetch leads failed", "campaign", campaignID, "error", err)
		respondError(w, http.StatusInternalServerError, "fetch leads failed")
		return
	}

	respondJSON(w, http.StatusOK, campaignAnalyticsResponse{
		CampaignID: campaignID,
		Eligible:   len(leads.EligibleLeads),
		Source:     leads.Source,
		Analytics:  leadstate.GetLeadAnalytics(leads.AllLeads),
	})
}
