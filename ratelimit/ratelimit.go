// Package ratelimit enforces per-account daily quotas for invites,
// connection checks and messages. Counters live on the linkedin_accounts row
// and reset lazily once 24 hours have passed since the last reset.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"linkedin-outreach-engine/store"
)

// Kind identifies one of the three independent quotas.
type Kind = store.CounterKind

const (
	KindInvite          = store.CounterInvite
	KindConnectionCheck = store.CounterConnectionCheck
	KindMessage         = store.CounterMessage
)

// ErrLimitReached signals that a quota is exhausted for the current window.
var ErrLimitReached = errors.New("ratelimit: daily limit reached")

// Defaults fill in when an account row carries no explicit limit.
type Defaults struct {
	Invites          int
	ConnectionChecks int
	Messages         int
}

// Status is the outcome of a limit check.
type Status struct {
	CanProceed bool
	Used       int
	Limit      int
	Remaining  int
	ResetsAt   time.Time
}

// HoursUntilReset reports how long until the window opens again, rounded up.
func (s *Status) HoursUntilReset(now time.Time) int {
	h := s.ResetsAt.Sub(now).Hours()
	if h < 0 {
		return 0
	}
	return int(math.Ceil(h))
}

// Manager is the sole authority on quota decisions.
type Manager struct {
	accounts *store.AccountStore
	defaults Defaults
	log      *zap.SugaredLogger
}

func New(accounts *store.AccountStore, defaults Defaults, log *zap.SugaredLogger) *Manager {
	return &Manager{accounts: accounts, defaults: defaults, log: log}
}

func (m *Manager) limitFor(kind Kind, stored *int) int {
	if stored != nil && *stored > 0 {
		return *stored
	}
	switch kind {
	case KindInvite:
		return m.defaults.Invites
	case KindConnectionCheck:
		return m.defaults.ConnectionChecks
	case KindMessage:
		return m.defaults.Messages
	}
	return 0
}

// CheckLimit applies the lazy 24h reset, then reports the quota state.
// Remaining may go negative if callers incremented past the limit; the
// arithmetic remaining+used=limit always holds.
func (m *Manager) CheckLimit(ctx context.Context, accountID string, kind Kind) (*Status, error) {
	now := time.Now().UTC()

	didReset, err := m.accounts.MaybeResetCounter(ctx, accountID, kind, now)
	if err != nil {
		return nil, fmt.Errorf("check %s limit: %w", kind, err)
	}
	if didReset {
		m.log.Debugw("daily counter reset", "account", accountID, "kind", kind)
	}

	st, err := m.accounts.GetCounter(ctx, accountID, kind)
	if err != nil {
		return nil, fmt.Errorf("check %s limit: %w", kind, err)
	}

	limit := m.limitFor(kind, st.Limit)
	remaining := limit - st.Used

	return &Status{
		CanProceed: remaining > 0,
		Used:       st.Used,
		Limit:      limit,
		Remaining:  remaining,
		ResetsAt:   st.LastReset.Add(24 * time.Hour),
	}, nil
}

// Require is CheckLimit plus enforcement: when the quota is exhausted it
// returns ErrLimitReached annotated with the counts and the time to reset, so
// callers can surface the error text directly.
func (m *Manager) Require(ctx context.Context, accountID string, kind Kind) (*Status, error) {
	st, err := m.CheckLimit(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}
	if !st.CanProceed {
		return nil, fmt.Errorf("%w: %s quota %d/%d, resets in %dh",
			ErrLimitReached, kind, st.Used, st.Limit, st.HoursUntilReset(time.Now().UTC()))
	}
	return st, nil
}

// Increment adds n to the counter. It never gates; callers must have checked
// the limit first. n below 1 is a no-op.
func (m *Manager) Increment(ctx context.Context, accountID string, kind Kind, n int) error {
	if n < 1 {
		return nil
	}
	if err := m.accounts.IncrementCounter(ctx, accountID, kind, n); err != nil {
		return fmt.Errorf("increment %s counter: %w", kind, err)
	}
	m.log.Debugw("counter incremented", "account", accountID, "kind", kind, "n", n)
	return nil
}

// Reset zeroes the counter immediately. Admin and test use only.
func (m *Manager) Reset(ctx context.Context, accountID string, kind Kind) error {
	if err := m.accounts.ResetCounter(ctx, accountID, kind, time.Now().UTC()); err != nil {
		return fmt.Errorf("reset %s counter: %w", kind, err)
	}
	m.log.Infow("counter reset", "account", accountID, "kind", kind)
	return nil
}
