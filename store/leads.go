package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// LeadStore reads and writes lead rows. Fan-out updates match by profile URL
// (lowercased, trailing slash ignored) so copies of the same profile across
// campaigns stay in step.
type LeadStore struct {
	db *sql.DB
}

func NewLeadStore(db *sql.DB) *LeadStore {
	return &LeadStore{db: db}
}

const leadColumns = `id, user_id, campaign_id, url,
	COALESCE(name, ''), COALESCE(title, ''), COALESCE(company, ''),
	COALESCE(location, ''), COALESCE(profile_picture, ''), status,
	invite_sent, invite_status, invite_sent_at, invite_accepted_at,
	invite_retry_count, COALESCE(invite_error, ''), last_connection_check_at,
	message_sent, message_sent_at, COALESCE(message_error, ''),
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLead(r rowScanner) (*Lead, error) {
	l := &Lead{}
	err := r.Scan(
		&l.ID, &l.UserID, &l.CampaignID, &l.URL,
		&l.Name, &l.Title, &l.Company,
		&l.Location, &l.ProfilePicture, &l.Status,
		&l.InviteSent, &l.InviteStatus, &l.InviteSentAt, &l.InviteAcceptedAt,
		&l.InviteRetryCount, &l.InviteError, &l.LastConnectionCheckAt,
		&l.MessageSent, &l.MessageSentAt, &l.MessageError,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns a single lead by id.
func (s *LeadStore) Get(ctx context.Context, leadID string) (*Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, leadID)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return l, nil
}

// ListByCampaign returns every lead of a campaign in insertion order.
func (s *LeadStore) ListByCampaign(ctx context.Context, campaignID string) ([]*Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE campaign_id = $1 ORDER BY created_at ASC`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var leads []*Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// ListSentInvitesByUser returns all of a user's leads whose invite has been
// sent but not yet resolved, across all campaigns.
func (s *LeadStore) ListSentInvitesByUser(ctx context.Context, userID string) ([]*Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads
		 WHERE user_id = $1 AND invite_status = $2 ORDER BY created_at ASC`,
		userID, InviteStatusSent)
	if err != nil {
		return nil, fmt.Errorf("list sent invites: %w", err)
	}
	defer rows.Close()

	var leads []*Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// UpdateInvite writes the invite outcome for one lead.
func (s *LeadStore) UpdateInvite(ctx context.Context, leadID, status string, sent bool, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET invite_status = $2, invite_sent = $3, invite_sent_at = $4, updated_at = NOW()
		 WHERE id = $1`,
		leadID, status, sent, sentAt)
	if err != nil {
		return fmt.Errorf("update invite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordInviteFailure marks a lead failed, stores the failure cause on the
// row and bumps the retry counter.
func (s *LeadStore) RecordInviteFailure(ctx context.Context, leadID, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET invite_status = $2, invite_sent = FALSE,
		        invite_retry_count = invite_retry_count + 1,
		        invite_error = $3, updated_at = NOW()
		 WHERE id = $1`,
		leadID, InviteStatusFailed, errText)
	if err != nil {
		return fmt.Errorf("record invite failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// urlMatch ignores case and a trailing slash so stored URLs and normalized
// inputs compare equal.
const urlMatch = `lower(rtrim(url, '/')) = lower(rtrim($1, '/'))`

// UpdateInviteByURL fans an invite state change out to every lead row sharing
// the profile URL. Returns the number of rows updated.
func (s *LeadStore) UpdateInviteByURL(ctx context.Context, url, status string, sent bool) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET invite_status = $2, invite_sent = $3, updated_at = NOW()
		 WHERE `+urlMatch,
		url, status, sent)
	if err != nil {
		return 0, fmt.Errorf("update invite by url: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// AcceptByURL promotes every copy of the profile to accepted.
func (s *LeadStore) AcceptByURL(ctx context.Context, url string, acceptedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET invite_sent = TRUE, invite_status = $2,
		        invite_accepted_at = $3, updated_at = NOW()
		 WHERE `+urlMatch,
		url, InviteStatusAccepted, acceptedAt)
	if err != nil {
		return 0, fmt.Errorf("accept by url: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// MarkMessageSentByURL fans a successful message delivery out by URL.
func (s *LeadStore) MarkMessageSentByURL(ctx context.Context, url string, sentAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET message_sent = TRUE, message_sent_at = $2,
		        message_error = NULL, updated_at = NOW()
		 WHERE `+urlMatch,
		url, sentAt)
	if err != nil {
		return 0, fmt.Errorf("mark message sent by url: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// MarkMessageErrorByURL fans a message failure out by URL.
func (s *LeadStore) MarkMessageErrorByURL(ctx context.Context, url, errText string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET message_sent = FALSE, message_error = $2, updated_at = NOW()
		 WHERE `+urlMatch,
		url, errText)
	if err != nil {
		return 0, fmt.Errorf("mark message error by url: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// TouchConnectionCheck stamps last_connection_check_at on the given leads.
func (s *LeadStore) TouchConnectionCheck(ctx context.Context, leadIDs []string, at time.Time) error {
	if len(leadIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE leads SET last_connection_check_at = $2, updated_at = NOW()
		 WHERE id = ANY($1)`,
		pq.Array(leadIDs), at)
	if err != nil {
		return fmt.Errorf("touch connection check: %w", err)
	}
	return nil
}
