// Package bus wraps the Redis key-value store and pub/sub channels shared by
// workers and the control plane. All key and channel naming lives here.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"linkedin-outreach-engine/store"
)

const (
	statusSnapshotTTL = 10 * time.Minute
	batchLockTTL      = 5 * time.Minute
)

// Control actions accepted on job:{id}:control. Anything else is ignored.
const (
	ActionPause  = "pause"
	ActionCancel = "cancel"
)

// In-process form of a control signal. Progress callbacks return these to
// abort automation loops; everything else a callback returns is advisory.
var (
	ErrWorkflowPaused    = errors.New("workflow paused")
	ErrWorkflowCancelled = errors.New("workflow cancelled")
)

// ControlError maps a control action to its sentinel, or nil for actions the
// worker must ignore.
func ControlError(action string) error {
	switch action {
	case ActionPause:
		return ErrWorkflowPaused
	case ActionCancel:
		return ErrWorkflowCancelled
	}
	return nil
}

// IsControl reports whether err is one of the workflow control sentinels.
func IsControl(err error) bool {
	return errors.Is(err, ErrWorkflowPaused) || errors.Is(err, ErrWorkflowCancelled)
}

// ControlMessage is the payload on a job's control channel.
type ControlMessage struct {
	Action    string    `json:"action"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent is the payload on a job's status channel and the snapshot
// stored under job:{id}:status:last.
type StatusEvent struct {
	Type               string            `json:"type"`
	JobID              string            `json:"jobId"`
	CampaignID         string            `json:"campaignId"`
	Status             string            `json:"status"`
	Progress           float64           `json:"progress"`
	TotalLeads         int               `json:"totalLeads"`
	ProcessedLeads     int               `json:"processedLeads"`
	CurrentLead        string            `json:"currentLead,omitempty"`
	FractionalProgress float64           `json:"fractionalProgress,omitempty"`
	Stage              string            `json:"stage,omitempty"`
	Results            *store.JobResults `json:"results,omitempty"`
	StartedAt          *time.Time        `json:"startedAt,omitempty"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
	ErrorMessage       string            `json:"errorMessage,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
}

func ControlChannel(jobID string) string { return fmt.Sprintf("job:%s:control", jobID) }

func StatusChannel(jobID string) string { return fmt.Sprintf("job:%s:status", jobID) }

func StatusSnapshotKey(jobID string) string { return fmt.Sprintf("job:%s:status:last", jobID) }

func CampaignLeadsKey(campaignID string) string { return fmt.Sprintf("campaign:%s:leads", campaignID) }

func BatchLockKey(accountID string) string { return fmt.Sprintf("account:%s:batch-lock", accountID) }

// Bus is a thin layer over one Redis connection pool.
type Bus struct {
	rdb *redis.Client
}

// New parses the URL (redis:// or rediss:// for TLS) and builds the client.
// No connection is attempted here; callers probe with Ping where bus loss
// must degrade gracefully instead of failing.
func New(redisURL string) (*Bus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Bus{rdb: redis.NewClient(opt)}, nil
}

// NewWithClient wraps an existing client; tests use this with miniredis.
func NewWithClient(client *redis.Client) *Bus {
	return &Bus{rdb: client}
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

// PublishStatus sends the event on the job's status channel and refreshes the
// last-status snapshot so late subscribers can catch up.
func (b *Bus) PublishStatus(ctx context.Context, ev *StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	if err := b.rdb.Publish(ctx, StatusChannel(ev.JobID), data).Err(); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	if err := b.rdb.Set(ctx, StatusSnapshotKey(ev.JobID), data, statusSnapshotTTL).Err(); err != nil {
		return fmt.Errorf("store status snapshot: %w", err)
	}
	return nil
}

// LastStatus returns the stored snapshot, or nil when none is present.
func (b *Bus) LastStatus(ctx context.Context, jobID string) ([]byte, error) {
	data, err := b.rdb.Get(ctx, StatusSnapshotKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status snapshot: %w", err)
	}
	return data, nil
}

// PublishControl sends a pause/cancel message on the job's control channel.
func (b *Bus) PublishControl(ctx context.Context, jobID string, msg *ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	if err := b.rdb.Publish(ctx, ControlChannel(jobID), data).Err(); err != nil {
		return fmt.Errorf("publish control: %w", err)
	}
	return nil
}

// SubscribeControl opens a subscription on the job's control channel.
func (b *Bus) SubscribeControl(ctx context.Context, jobID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, ControlChannel(jobID))
}

// SubscribeStatus opens a subscription on the job's status channel.
func (b *Bus) SubscribeStatus(ctx context.Context, jobID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, StatusChannel(jobID))
}

// CampaignLeads loads the whole cached lead map for a campaign. An empty map
// means the cache is cold.
func (b *Bus) CampaignLeads(ctx context.Context, campaignID string) (map[string]string, error) {
	entries, err := b.rdb.HGetAll(ctx, CampaignLeadsKey(campaignID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load campaign leads: %w", err)
	}
	return entries, nil
}

// CampaignLead reads a single cached lead entry; found reports presence.
func (b *Bus) CampaignLead(ctx context.Context, campaignID, leadID string) (string, bool, error) {
	data, err := b.rdb.HGet(ctx, CampaignLeadsKey(campaignID), leadID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get campaign lead: %w", err)
	}
	return data, true, nil
}

// SetCampaignLead writes one lead entry keyed by lead id, so concurrent
// writers of different leads never clobber each other.
func (b *Bus) SetCampaignLead(ctx context.Context, campaignID, leadID, data string) error {
	if err := b.rdb.HSet(ctx, CampaignLeadsKey(campaignID), leadID, data).Err(); err != nil {
		return fmt.Errorf("set campaign lead: %w", err)
	}
	return nil
}

// SetCampaignLeads bulk-populates the campaign cache.
func (b *Bus) SetCampaignLeads(ctx context.Context, campaignID string, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(entries)*2)
	for id, data := range entries {
		args = append(args, id, data)
	}
	if err := b.rdb.HSet(ctx, CampaignLeadsKey(campaignID), args...).Err(); err != nil {
		return fmt.Errorf("populate campaign leads: %w", err)
	}
	return nil
}

// ScanCampaignLeadKeys walks every campaign:*:leads key. The fan-out path
// uses this to patch all cached copies of a profile.
func (b *Bus) ScanCampaignLeadKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := b.rdb.Scan(ctx, 0, "campaign:*:leads", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan campaign keys: %w", err)
	}
	return keys, nil
}

// LeadsAtKey loads the lead map behind one scanned key.
func (b *Bus) LeadsAtKey(ctx context.Context, key string) (map[string]string, error) {
	entries, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load leads at %s: %w", key, err)
	}
	return entries, nil
}

// SetLeadAtKey writes one entry behind a scanned key.
func (b *Bus) SetLeadAtKey(ctx context.Context, key, leadID, data string) error {
	if err := b.rdb.HSet(ctx, key, leadID, data).Err(); err != nil {
		return fmt.Errorf("set lead at %s: %w", key, err)
	}
	return nil
}
