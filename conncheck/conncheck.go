// Package conncheck walks the account's connections page, matches newly
// accepted connections against leads with sent invites, and delivers any
// drafted follow-up messages within the daily message quota.
package conncheck

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"go.uber.org/zap"

	"linkedin-outreach-engine/config"
	"linkedin-outreach-engine/leadstate"
	"linkedin-outreach-engine/message"
	"linkedin-outreach-engine/ratelimit"
	"linkedin-outreach-engine/session"
	"linkedin-outreach-engine/stealth"
	"linkedin-outreach-engine/store"
)

const connectionsURL = "https://www.linkedin.com/mynetwork/invite-connect/connections/"

// Scroll loop bounds. The connections list is an infinite scroll; the loop
// harvests profile links until the set is large enough to contain every
// recently accepted invite, or the page stops yielding new ones.
const (
	maxScrolls       = 20
	zeroNewWindow    = 3
	minScrollPx      = 800
	maxScrollPx      = 1200
	minScrollWaitSec = 2
	maxScrollWaitSec = 5

	targetFloor      = 100
	targetMultiplier = 3

	interMessageMinSec = 30
	interMessageMaxSec = 90
)

// Report summarizes one connection-check pass.
type Report struct {
	Total        int           `json:"total"`
	Matched      int           `json:"matched"`
	Updated      int           `json:"updated"`
	MessagesSent int           `json:"messagesSent"`
	MatchedLeads []MatchedLead `json:"matchedLeads"`
}

// MatchedLead identifies a lead whose invite was found accepted.
type MatchedLead struct {
	LeadID string `json:"leadId"`
	Name   string `json:"name,omitempty"`
	URL    string `json:"url"`
}

// Checker coordinates the session, the scraping pass, and follow-up sends.
type Checker struct {
	sessions *session.Validator
	sender   *message.Sender
	state    *leadstate.Manager
	limits   *ratelimit.Manager
	leads    *store.LeadStore
	messages *store.MessageStore
	browser  config.BrowserConfig
	log      *zap.SugaredLogger
}

func New(
	sessions *session.Validator,
	sender *message.Sender,
	state *leadstate.Manager,
	limits *ratelimit.Manager,
	leads *store.LeadStore,
	messages *store.MessageStore,
	browser config.BrowserConfig,
	log *zap.SugaredLogger,
) *Checker {
	return &Checker{
		sessions: sessions,
		sender:   sender,
		state:    state,
		limits:   limits,
		leads:    leads,
		messages: messages,
		browser:  browser,
		log:      log,
	}
}

// CheckAcceptances runs one pass for the user's account: harvest the
// connections list, flip matched leads to accepted, send drafted follow-ups
// while message quota remains, and stamp lastConnectionCheckAt on every
// sent-invite lead.
func (c *Checker) CheckAcceptances(ctx context.Context, account *store.LinkedInAccount, userID string) (*Report, error) {
	sent, err := c.leads.ListSentInvitesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sent invites: %w", err)
	}

	report := &Report{Total: len(sent)}
	if len(sent) == 0 {
		c.log.Infow("no sent invites to check", "user", userID)
		return report, nil
	}

	res := c.sessions.Validate(ctx, account, true)
	defer session.Cleanup(res.Browser)
	if !res.IsValid {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionInvalid, res.Reason)
	}

	usernames, err := c.harvestConnections(ctx, res.Page, len(sent))
	if err != nil {
		return nil, err
	}
	c.log.Infow("connections harvested", "user", userID, "collected", len(usernames), "sentInvites", len(sent))

	now := time.Now().UTC()
	var matched []*store.Lead
	for _, lead := range sent {
		username := leadstate.ExtractUsername(lead.URL)
		if username == "" {
			continue
		}
		if _, ok := usernames[username]; !ok {
			continue
		}

		matched = append(matched, lead)
		report.Matched++
		report.MatchedLeads = append(report.MatchedLeads, MatchedLead{LeadID: lead.ID, Name: lead.Name, URL: lead.URL})

		rows, err := c.state.UpdateLeadConnectionAccepted(ctx, lead.URL, now)
		if err != nil {
			c.log.Warnw("mark accepted failed", "lead", lead.ID, "error", err)
			continue
		}
		report.Updated += int(rows)
	}

	if err := c.sendFollowUps(ctx, res.Page, account.ID, matched, report); err != nil {
		c.log.Warnw("follow-up messaging stopped early", "error", err)
	}

	ids := make([]string, 0, len(sent))
	for _, lead := range sent {
		ids = append(ids, lead.ID)
	}
	if err := c.leads.TouchConnectionCheck(ctx, ids, now); err != nil {
		c.log.Warnw("touch connection check failed", "error", err)
	}

	if err := c.limits.Increment(ctx, account.ID, ratelimit.KindConnectionCheck, 1); err != nil {
		c.log.Warnw("increment connection_check counter failed", "account", account.ID, "error", err)
	}

	c.log.Infow("connection check finished",
		"user", userID,
		"total", report.Total,
		"matched", report.Matched,
		"updated", report.Updated,
		"messagesSent", report.MessagesSent)
	return report, nil
}

// harvestConnections scrolls the connections list and returns the lowercased
// set of profile usernames it saw.
func (c *Checker) harvestConnections(ctx context.Context, page *rod.Page, sentCount int) (map[string]struct{}, error) {
	p := page.Context(ctx)

	if err := p.Timeout(c.browser.NavigateTimeout).Navigate(connectionsURL); err != nil {
		return nil, fmt.Errorf("navigate connections page: %w", err)
	}
	if err := p.Timeout(c.browser.NavigateTimeout).WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait connections page: %w", err)
	}
	time.Sleep(c.browser.StabilizeWait)

	target := ScrollTarget(sentCount)
	seen := make(map[string]struct{})
	zeroNew := 0

	for scrolls := 0; ; scrolls++ {
		added := c.collectProfileLinks(p, seen)
		if added == 0 {
			zeroNew++
		} else {
			zeroNew = 0
		}
		c.log.Debugw("connections scroll step", "scrolls", scrolls, "collected", len(seen), "added", added, "target", target)

		if ShouldStopScrolling(len(seen), target, zeroNew, scrolls) {
			break
		}

		distance := minScrollPx + rand.Intn(maxScrollPx-minScrollPx+1)
		if err := stealth.SmoothScrollDown(p, distance); err != nil {
			c.log.Debugw("scroll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(stealth.RandomDelaySeconds(minScrollWaitSec, maxScrollWaitSec)):
		}
	}

	return seen, nil
}

func (c *Checker) collectProfileLinks(page *rod.Page, seen map[string]struct{}) int {
	els, err := page.Timeout(c.browser.SelectorTimeout).Elements("a[href*='/in/']")
	if err != nil {
		c.log.Debugw("collect profile links failed", "error", err)
		return 0
	}

	added := 0
	for _, el := range els {
		href, err := el.Attribute("href")
		if err != nil || href == nil {
			continue
		}
		if !leadstate.IsProfileURL(*href) {
			continue
		}
		username := leadstate.ExtractUsername(leadstate.NormalizeProfileURL(*href))
		if username == "" {
			continue
		}
		if _, ok := seen[username]; !ok {
			seen[username] = struct{}{}
			added++
		}
	}
	return added
}

// sendFollowUps delivers drafted messages to freshly accepted leads while
// the daily message quota allows. Per-lead failures are recorded on the lead
// row and do not stop the loop; only store/quota reads abort it.
func (c *Checker) sendFollowUps(ctx context.Context, page *rod.Page, accountID string, matched []*store.Lead, report *Report) error {
	if len(matched) == 0 {
		return nil
	}

	quota, err := c.limits.CheckLimit(ctx, accountID, ratelimit.KindMessage)
	if err != nil {
		return fmt.Errorf("check message quota: %w", err)
	}
	if !quota.CanProceed || quota.Remaining <= 0 {
		c.log.Infow("message quota exhausted, skipping follow-ups", "used", quota.Used, "limit", quota.Limit)
		return nil
	}

	remaining := quota.Remaining
	sentAny := false
	for _, lead := range matched {
		if remaining <= 0 {
			c.log.Infow("message quota reached mid-run", "messagesSent", report.MessagesSent)
			break
		}
		if lead.MessageSent {
			continue
		}

		draft, err := c.messages.GetDraftForLead(ctx, lead.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load draft for lead %s: %w", lead.ID, err)
		}

		if sentAny {
			message.RandomDelay(interMessageMinSec, interMessageMaxSec)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		content := Personalize(draft.Content, lead.Name)
		if err := c.sender.Send(ctx, page, lead.URL, content, lead.Name); err != nil {
			c.log.Warnw("follow-up send failed", "lead", lead.ID, "error", err)
			if _, uerr := c.state.UpdateLeadMessageError(ctx, lead.URL, err.Error()); uerr != nil {
				c.log.Warnw("record message error failed", "lead", lead.ID, "error", uerr)
			}
			continue
		}
		sentAny = true

		now := time.Now().UTC()
		if _, err := c.state.UpdateLeadMessageSent(ctx, lead.URL, now); err != nil {
			c.log.Warnw("record message sent failed", "lead", lead.ID, "error", err)
		}
		if err := c.messages.MarkSent(ctx, draft.ID, now); err != nil {
			c.log.Warnw("mark message row sent failed", "message", draft.ID, "error", err)
		}
		if err := c.limits.Increment(ctx, accountID, ratelimit.KindMessage, 1); err != nil {
			c.log.Warnw("increment message counter failed", "account", accountID, "error", err)
		}
		remaining--
		report.MessagesSent++
	}
	return nil
}

// ScrollTarget returns how many distinct profile links to collect before the
// harvest can stop: three times the outstanding invites, floored at 100.
func ScrollTarget(sentLeads int) int {
	if t := targetMultiplier * sentLeads; t > targetFloor {
		return t
	}
	return targetFloor
}

// ShouldStopScrolling reports whether the harvest loop is done: the target
// was reached, the page yielded nothing new three steps in a row, or the
// scroll cap was hit.
func ShouldStopScrolling(collected, target, consecutiveZeroNew, scrolls int) bool {
	return collected >= target || consecutiveZeroNew >= zeroNewWindow || scrolls >= maxScrolls
}

// Personalize fills {{name}} and {{firstName}} template variables from the
// lead's stored name, falling back to "there" when it is empty.
func Personalize(template, fullName string) string {
	name := strings.TrimSpace(fullName)
	first := "there"
	if name == "" {
		name = "there"
	} else if fields := strings.Fields(name); len(fields) > 0 {
		first = fields[0]
	}
	out := strings.ReplaceAll(template, "{{name}}", name)
	return strings.ReplaceAll(out, "{{firstName}}", first)
}
