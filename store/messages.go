package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MessageStore reads pre-generated follow-up messages and records delivery.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `id, user_id, lead_id, campaign_id, content,
	COALESCE(model, ''), COALESCE(prompt, ''), status, sent_at, created_at, updated_at`

func scanMessage(r rowScanner) (*Message, error) {
	m := &Message{}
	err := r.Scan(
		&m.ID, &m.UserID, &m.LeadID, &m.CampaignID, &m.Content,
		&m.Model, &m.Prompt, &m.Status, &m.SentAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetDraftForLead returns the newest unsent message for a lead, or
// ErrNotFound when none exists.
func (s *MessageStore) GetDraftForLead(ctx context.Context, leadID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE lead_id = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`,
		leadID, MessageStatusDraft)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get draft message: %w", err)
	}
	return m, nil
}

// MarkSent moves a message to sent with its delivery time.
func (s *MessageStore) MarkSent(ctx context.Context, messageID string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $2, sent_at = $3, updated_at = NOW()
		 WHERE id = $1`,
		messageID, MessageStatusSent, sentAt)
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
