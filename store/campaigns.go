package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CampaignStore reads campaign rows. Campaign creation and editing belong to
// the upstream application; this service only validates and reports on them.
type CampaignStore struct {
	db *sql.DB
}

func NewCampaignStore(db *sql.DB) *CampaignStore {
	return &CampaignStore{db: db}
}

const campaignColumns = `id, user_id, name, COALESCE(description, ''),
	status, created_at, updated_at`

func scanCampaign(r rowScanner) (*Campaign, error) {
	c := &Campaign{}
	err := r.Scan(
		&c.ID, &c.UserID, &c.Name, &c.Description,
		&c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns one campaign by id.
func (s *CampaignStore) Get(ctx context.Context, campaignID string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, campaignID)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}
