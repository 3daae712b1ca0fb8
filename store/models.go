package store

import (
	"encoding/json"
	"time"
)

// Lead statuses for the scraping pipeline (populated by the external scraper).
const (
	LeadStatusPending    = "pending"
	LeadStatusProcessing = "processing"
	LeadStatusCompleted  = "completed"
	LeadStatusError      = "error"
)

// Invite statuses follow pending → sent → accepted, with failed → sent on retry.
const (
	InviteStatusPending  = "pending"
	InviteStatusSent     = "sent"
	InviteStatusAccepted = "accepted"
	InviteStatusRejected = "rejected"
	InviteStatusFailed   = "failed"
)

// Workflow job statuses. Completed, failed and cancelled are terminal.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusPaused     = "paused"
	JobStatusCancelled  = "cancelled"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

const (
	MessageStatusDraft     = "draft"
	MessageStatusSent      = "sent"
	MessageStatusScheduled = "scheduled"
)

// Lead is one targeted LinkedIn profile inside a campaign. The JSON shape is
// also the cache entry format under campaign:{id}:leads, so field names are
// stable wire contract.
type Lead struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	CampaignID     string `json:"campaignId"`
	URL            string `json:"url"`
	Name           string `json:"name,omitempty"`
	Title          string `json:"title,omitempty"`
	Company        string `json:"company,omitempty"`
	Location       string `json:"location,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	Status         string `json:"status"`

	InviteSent            bool       `json:"inviteSent"`
	InviteStatus          string     `json:"inviteStatus"`
	InviteSentAt          *time.Time `json:"inviteSentAt,omitempty"`
	InviteAcceptedAt      *time.Time `json:"inviteAcceptedAt,omitempty"`
	InviteRetryCount      int        `json:"inviteRetryCount"`
	InviteError           string     `json:"inviteError,omitempty"`
	LastConnectionCheckAt *time.Time `json:"lastConnectionCheckAt,omitempty"`

	MessageSent   bool       `json:"messageSent"`
	MessageSentAt *time.Time `json:"messageSentAt,omitempty"`
	MessageError  string     `json:"messageError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Campaign groups leads under a user.
type Campaign struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LinkedInAccount carries the persisted session bundle plus the daily
// counters the rate limiter mutates. Limit pointers are nil when the row
// relies on configured defaults.
type LinkedInAccount struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	Email           string `json:"email"`
	UserName        string `json:"userName,omitempty"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
	UserAgent       string `json:"userAgent,omitempty"`

	Cookies        json.RawMessage `json:"cookies,omitempty"`
	LocalStorage   json.RawMessage `json:"localStorage,omitempty"`
	SessionStorage json.RawMessage `json:"sessionStorage,omitempty"`

	DailyInvitesSent      int       `json:"dailyInvitesSent"`
	DailyConnectionChecks int       `json:"dailyConnectionChecks"`
	DailyMessagesSent     int       `json:"dailyMessagesSent"`
	InvitesResetAt        time.Time `json:"invitesResetAt"`
	ChecksResetAt         time.Time `json:"checksResetAt"`
	MessagesResetAt       time.Time `json:"messagesResetAt"`
	InviteLimit           *int      `json:"inviteLimit,omitempty"`
	ConnectionCheckLimit  *int      `json:"connectionCheckLimit,omitempty"`
	MessageLimit          *int      `json:"messageLimit,omitempty"`

	IsActive  bool       `json:"isActive"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
}

// SessionCookie mirrors one browser cookie from the stored bundle.
type SessionCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Message is a pre-generated follow-up for a lead; only the send paths move
// it from draft to sent.
type Message struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	LeadID     string     `json:"leadId"`
	CampaignID string     `json:"campaignId"`
	Content    string     `json:"content"`
	Model      string     `json:"model,omitempty"`
	Prompt     string     `json:"prompt,omitempty"`
	Status     string     `json:"status"`
	SentAt     *time.Time `json:"sentAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// JobResults aggregates one workflow run.
type JobResults struct {
	Total            int           `json:"total"`
	Sent             int           `json:"sent"`
	Failed           int           `json:"failed"`
	AlreadyConnected int           `json:"alreadyConnected"`
	AlreadyPending   int           `json:"alreadyPending"`
	Skipped          bool          `json:"skipped,omitempty"`
	SkipReason       string        `json:"skipReason,omitempty"`
	Errors           []LeadFailure `json:"errors,omitempty"`
}

// LeadFailure records one failed lead inside job results.
type LeadFailure struct {
	LeadID string `json:"leadId"`
	Name   string `json:"name,omitempty"`
	Error  string `json:"error"`
}

// WorkflowJob is one invite run over a campaign from one LinkedIn account.
type WorkflowJob struct {
	ID                string      `json:"id"`
	UserID            string      `json:"userId"`
	CampaignID        string      `json:"campaignId"`
	LinkedInAccountID string      `json:"linkedinAccountId"`
	CustomMessage     string      `json:"customMessage,omitempty"`
	Status            string      `json:"status"`
	TotalLeads        int         `json:"totalLeads"`
	ProcessedLeads    int         `json:"processedLeads"`
	Progress          int         `json:"progress"`
	Results           *JobResults `json:"results,omitempty"`
	ErrorMessage      string      `json:"errorMessage,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	StartedAt         *time.Time  `json:"startedAt,omitempty"`
	CompletedAt       *time.Time  `json:"completedAt,omitempty"`
}

// Terminal reports whether the job can no longer make progress.
func (j *WorkflowJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
