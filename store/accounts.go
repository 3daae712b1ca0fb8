package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CounterKind selects one of the three independent daily quotas tracked on a
// LinkedIn account row.
type CounterKind string

const (
	CounterInvite          CounterKind = "invite"
	CounterConnectionCheck CounterKind = "connection_check"
	CounterMessage         CounterKind = "message"
)

// counterCols maps a kind to its fixed column names. Only these trusted
// values are ever spliced into SQL.
var counterCols = map[CounterKind]struct {
	used  string
	reset string
	limit string
}{
	CounterInvite:          {"daily_invites_sent", "invites_reset_at", "daily_invite_limit"},
	CounterConnectionCheck: {"daily_connection_checks", "connection_checks_reset_at", "daily_connection_check_limit"},
	CounterMessage:         {"daily_messages_sent", "messages_reset_at", "daily_message_limit"},
}

// AccountStore reads LinkedIn account rows and mutates their daily counters.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountColumns = `id, user_id, email, COALESCE(user_name, ''),
	COALESCE(profile_image_url, ''), COALESCE(user_agent, ''),
	COALESCE(cookies, '[]'), COALESCE(local_storage, '{}'), COALESCE(session_storage, '{}'),
	daily_invites_sent, daily_connection_checks, daily_messages_sent,
	invites_reset_at, connection_checks_reset_at, messages_reset_at,
	daily_invite_limit, daily_connection_check_limit, daily_message_limit,
	is_active, created_at, last_used`

func scanAccount(r rowScanner) (*LinkedInAccount, error) {
	a := &LinkedInAccount{}
	var cookies, localStorage, sessionStorage []byte
	err := r.Scan(
		&a.ID, &a.UserID, &a.Email, &a.UserName,
		&a.ProfileImageURL, &a.UserAgent,
		&cookies, &localStorage, &sessionStorage,
		&a.DailyInvitesSent, &a.DailyConnectionChecks, &a.DailyMessagesSent,
		&a.InvitesResetAt, &a.ChecksResetAt, &a.MessagesResetAt,
		&a.InviteLimit, &a.ConnectionCheckLimit, &a.MessageLimit,
		&a.IsActive, &a.CreatedAt, &a.LastUsed,
	)
	if err != nil {
		return nil, err
	}
	a.Cookies = cookies
	a.LocalStorage = localStorage
	a.SessionStorage = sessionStorage
	return a, nil
}

// Get returns one account by id.
func (s *AccountStore) Get(ctx context.Context, accountID string) (*LinkedInAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM linkedin_accounts WHERE id = $1`, accountID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetActiveForUser returns the user's single active account.
func (s *AccountStore) GetActiveForUser(ctx context.Context, userID string) (*LinkedInAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM linkedin_accounts
		 WHERE user_id = $1 AND is_active = TRUE LIMIT 1`, userID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active account: %w", err)
	}
	return a, nil
}

// CounterState is the raw quota bookkeeping for one kind.
type CounterState struct {
	Used      int
	Limit     *int
	LastReset time.Time
}

// GetCounter reads the current counter columns for a kind.
func (s *AccountStore) GetCounter(ctx context.Context, accountID string, kind CounterKind) (*CounterState, error) {
	cols, ok := counterCols[kind]
	if !ok {
		return nil, fmt.Errorf("unknown counter kind %q", kind)
	}
	st := &CounterState{}
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s, %s, %s FROM linkedin_accounts WHERE id = $1`,
			cols.used, cols.limit, cols.reset),
		accountID,
	).Scan(&st.Used, &st.Limit, &st.LastReset)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s counter: %w", kind, err)
	}
	return st, nil
}

// MaybeResetCounter zeroes the counter when its last reset is 24h or more in
// the past. The WHERE clause makes the reset race-free across workers.
func (s *AccountStore) MaybeResetCounter(ctx context.Context, accountID string, kind CounterKind, now time.Time) (bool, error) {
	cols, ok := counterCols[kind]
	if !ok {
		return false, fmt.Errorf("unknown counter kind %q", kind)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE linkedin_accounts SET %s = 0, %s = $2
		 WHERE id = $1 AND $2 - %s >= INTERVAL '24 hours'`,
			cols.used, cols.reset, cols.reset),
		accountID, now)
	if err != nil {
		return false, fmt.Errorf("reset %s counter: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// IncrementCounter adds n to the counter in a single statement and touches
// last_used. Callers gate on the limit beforehand.
func (s *AccountStore) IncrementCounter(ctx context.Context, accountID string, kind CounterKind, n int) error {
	cols, ok := counterCols[kind]
	if !ok {
		return fmt.Errorf("unknown counter kind %q", kind)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE linkedin_accounts SET %s = %s + $2, last_used = NOW()
		 WHERE id = $1`, cols.used, cols.used),
		accountID, n)
	if err != nil {
		return fmt.Errorf("increment %s counter: %w", kind, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetCounter zeroes the counter unconditionally.
func (s *AccountStore) ResetCounter(ctx context.Context, accountID string, kind CounterKind, now time.Time) error {
	cols, ok := counterCols[kind]
	if !ok {
		return fmt.Errorf("unknown counter kind %q", kind)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE linkedin_accounts SET %s = 0, %s = $2 WHERE id = $1`,
			cols.used, cols.reset),
		accountID, now)
	if err != nil {
		return fmt.Errorf("reset %s counter: %w", kind, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}
