package control

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"linkedin-outreach-engine/ratelimit"
	"linkedin-outreach-engine/store"
)

type checkConnectionsRequest struct {
	AccountID string `json:"accountId"`
}

// CheckConnections runs one connection-check pass for the caller's account
// and returns the report. The pass drives a real browser, so the request
// stays open until it finishes. Without an accountId in the body, the user's
// active account is used.
func (s *Server) CheckConnections(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	ctx := r.Context()

	var req checkConnectionsRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		account *store.LinkedInAccount
		err     error
	)
	if req.AccountID != "" {
		account, err = s.accounts.Get(ctx, req.AccountID)
	} else {
		account, err = s.accounts.GetActiveForUser(ctx, user)
	}
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no linkedin account available")
		return
	}
	if err != nil {
		s.log.Errorw("load account failed", "user", user, "error", err)
		respondError(w, http.StatusInternalServerError, "load linkedin account failed")
		return
	}
	if account.UserID != user {
		respondError(w, http.StatusForbidden, "linkedin account belongs to another user")
		return
	}

	if !s.cfg.InsideWorkingHours(time.Now()) {
		respondError(w, http.StatusServiceUnavailable, "outside configured working hours")
		return
	}

	if _, err := s.limits.Require(ctx, account.ID, ratelimit.KindConnectionCheck); err != nil {
		if errors.Is(err, ratelimit.ErrLimitReached) {
			respondError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		s.log.Errorw("check connection-check limit failed", "account", account.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "quota check failed")
		return
	}

	report, err := s.checker.CheckAcceptances(ctx, account, user)
	if err != nil {
		s.log.Errorw("connection check failed", "account", account.ID, "error", err)
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("connection check failed: %v", err))
		return
	}

	respondJSON(w, http.StatusOK, report)
}
