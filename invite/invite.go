// Package invite drives LinkedIn connection requests for one batch of leads
// on an already-authenticated page: navigate to each profile, classify the
// relationship from the top card, and send an invite without a note.
package invite

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"go.uber.org/zap"

	"linkedin-outreach-engine/bus"
	"linkedin-outreach-engine/config"
	"linkedin-outreach-engine/leadstate"
	"linkedin-outreach-engine/stealth"
	"linkedin-outreach-engine/store"
)

// Outcomes of one processed lead.
const (
	OutcomeSent             = "sent"
	OutcomeAlreadyPending   = "already_pending"
	OutcomeAlreadyConnected = "already_connected"
	OutcomeFailed           = "failed"
)

// Progress stages inside one lead.
const (
	StageNavigating  = "navigating"
	StageClassifying = "classifying"
	StageClicking    = "clicking"
	StageSending     = "sending"
)

var stageFractions = map[string]float64{
	StageNavigating:  0.2,
	StageClassifying: 0.4,
	StageClicking:    0.6,
	StageSending:     0.8,
}

// StageFraction maps a stage to its sub-lead progress fraction.
func StageFraction(stage string) float64 {
	return stageFractions[stage]
}

// Inter-lead pacing bounds in seconds. Required anti-detection behavior,
// deliberately not configurable.
const (
	interLeadMinSeconds = 10
	interLeadMaxSeconds = 30
)

const (
	modalWait         = 2 * time.Second
	pendingVerifyWait = 3 * time.Second
)

// Top-card container candidates; LinkedIn rotates these class names, so the
// cascade runs in order until one matches.
var topCardSelectors = []string{
	"section.artdeco-card.pv-top-card",
	"div.pv-top-card",
	"section[data-member-id]",
	"div.ph5.pb5",
	"main.scaffold-layout__main > section",
}

var moreButtonSelectors = []string{
	"button[aria-label='More actions']",
	"button[aria-label*='More']",
}

var overflowItemSelectors = []string{
	"div.artdeco-dropdown__content-inner div[role='button']",
	"div.artdeco-dropdown__content-inner li",
	"div[role='menu'] [role='button']",
}

// The send-invite modal, or any dialog whose content identifies it as one.
var inviteModalSelectors = []string{
	"div.send-invite",
	"div[role='dialog'][aria-labelledby*='send-invite']",
	"div[role='dialog']",
}

// Top-card actions that embed "connect" or sit beside the Connect button but
// must never be clicked as one.
var connectExclusionRe = regexp.MustCompile(`(?i)message|pending|follow|connected`)

// Progress event types delivered to the callback.
const (
	EventProgress = "progress"
	EventLead     = "lead"
)

// ProgressEvent reports loop position. EventProgress events carry the
// fractional position and stage; EventLead events mark one lead fully
// resolved and carry its outcome.
type ProgressEvent struct {
	Type    string
	Current float64
	Stage   string
	Lead    *store.Lead
	Status  string
	Error   string
}

// ProgressFunc observes the loop. Returning bus.ErrWorkflowPaused or
// bus.ErrWorkflowCancelled aborts processing; any other error is logged and
// ignored.
type ProgressFunc func(*ProgressEvent) error

// Results aggregates one batch. Failed leads carry their error text so the
// job's terminal results expose what went wrong per lead.
type Results struct {
	Total            int                 `json:"total"`
	Sent             int                 `json:"sent"`
	AlreadyConnected int                 `json:"alreadyConnected"`
	AlreadyPending   int                 `json:"alreadyPending"`
	Failed           int                 `json:"failed"`
	Errors           []store.LeadFailure `json:"errors,omitempty"`
}

func (r *Results) record(lead *store.Lead, outcome, errText string) {
	switch outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeAlreadyPending:
		r.AlreadyPending++
	case OutcomeAlreadyConnected:
		r.AlreadyConnected++
	case OutcomeFailed:
		r.Failed++
		r.Errors = append(r.Errors, store.LeadFailure{LeadID: lead.ID, Name: lead.Name, Error: errText})
	}
}

// Automator runs invite batches. Lead state writes go through the lead state
// manager with per-campaign semantics.
type Automator struct {
	state   *leadstate.Manager
	browser config.BrowserConfig
	timing  config.TimingConfig
	log     *zap.SugaredLogger
}

func New(state *leadstate.Manager, browser config.BrowserConfig, timing config.TimingConfig, log *zap.SugaredLogger) *Automator {
	return &Automator{state: state, browser: browser, timing: timing, log: log}
}

// ProcessInvites runs the invite state machine over leads in input order.
// customMessage is accepted for callers that carry one, but invites always go
// out without a note. Per-lead failures land in Results rather than aborting;
// the returned error is non-nil only for control aborts, context
// cancellation, or lead state persistence failures.
func (a *Automator) ProcessInvites(ctx context.Context, page *rod.Page, leads []*store.Lead, customMessage, campaignID string, onProgress ProgressFunc) (*Results, error) {
	res := &Results{Total: len(leads)}
	if len(leads) == 0 {
		return res, nil
	}

	a.log.Infow("starting invite batch", "campaignId", campaignID, "leads", len(leads))

	for i, lead := range leads {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		a.log.Infow("processing lead",
			"index", i+1,
			"total", len(leads),
			"leadId", lead.ID,
			"url", lead.URL,
		)

		outcome, failText, ctlErr := a.processLead(ctx, page, lead, float64(i), onProgress)
		if ctlErr != nil {
			a.log.Infow("invite batch aborted by control signal", "processed", i, "reason", ctlErr)
			return res, ctlErr
		}

		if err := a.recordOutcome(ctx, campaignID, lead, outcome, failText); err != nil {
			return res, err
		}
		res.record(lead, outcome, failText)

		if outcome == OutcomeFailed {
			a.log.Warnw("lead failed", "leadId", lead.ID, "error", failText)
		} else {
			a.log.Infow("lead resolved", "leadId", lead.ID, "outcome", outcome)
		}

		if err := a.emit(onProgress, &ProgressEvent{
			Type:    EventLead,
			Current: float64(i + 1),
			Lead:    lead,
			Status:  outcome,
			Error:   failText,
		}); err != nil {
			return res, err
		}

		if i < len(leads)-1 {
			delay := stealth.RandomDelaySeconds(interLeadMinSeconds, interLeadMaxSeconds)
			a.log.Infow("pausing before next lead", "delay", delay)
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	a.log.Infow("invite batch finished",
		"sent", res.Sent,
		"alreadyPending", res.AlreadyPending,
		"alreadyConnected", res.AlreadyConnected,
		"failed", res.Failed,
	)
	return res, nil
}

// processLead walks one lead through navigate → classify → click → send.
// Automation failures come back as (OutcomeFailed, reason, nil); a non-nil
// ctlErr means a control signal arrived through the callback.
func (a *Automator) processLead(ctx context.Context, page *rod.Page, lead *store.Lead, completed float64, onProgress ProgressFunc) (outcome, failText string, ctlErr error) {
	if err := a.emit(onProgress, progressEvent(lead, completed, StageNavigating)); err != nil {
		return "", "", err
	}

	if err := a.navigateProfile(ctx, page, lead.URL); err != nil {
		return OutcomeFailed, fmt.Sprintf("navigate profile: %v", err), nil
	}

	if err := a.emit(onProgress, progressEvent(lead, completed, StageClassifying)); err != nil {
		return "", "", err
	}

	scan, err := a.scanTopCard(page)
	if err != nil {
		return OutcomeFailed, err.Error(), nil
	}

	if rel := scan.relationship(); rel != "" {
		return rel, "", nil
	}

	connectBtn := scan.connect
	if connectBtn == nil {
		connectBtn = a.findOverflowConnect(page, scan.card)
	}
	if connectBtn == nil {
		// Late re-check: the invite may have landed on a previous run, or the
		// relationship indicator rendered after the first scan.
		if a.pendingVisible(page, a.browser.SelectorTimeout) {
			return OutcomeAlreadyPending, "", nil
		}
		if a.removeConnectionVisible(page) {
			return OutcomeAlreadyConnected, "", nil
		}
		return OutcomeFailed, "Connect button not found", nil
	}

	if err := a.emit(onProgress, progressEvent(lead, completed, StageClicking)); err != nil {
		return "", "", err
	}

	if err := stealth.ScrollToElement(page, connectBtn, a.timing.MinDelayMs, a.timing.MaxDelayMs); err != nil {
		a.log.Debugw("scroll to connect failed", "error", err)
	}
	if err := stealth.MoveToElementHuman(page, connectBtn, a.timing.MinDelayMs); err != nil {
		a.log.Debugw("mouse move failed, clicking directly", "error", err)
	}
	time.Sleep(stealth.RandomDelay(500, 1200))

	if err := clickWithFallbacks(connectBtn); err != nil {
		return OutcomeFailed, fmt.Sprintf("click connect: %v", err), nil
	}

	time.Sleep(modalWait)

	modal := a.findInviteModal(page)
	if modal == nil {
		return OutcomeFailed, "invite modal did not appear", nil
	}

	if err := a.emit(onProgress, progressEvent(lead, completed, StageSending)); err != nil {
		return "", "", err
	}

	if err := a.clickSendWithoutNote(modal); err != nil {
		return OutcomeFailed, fmt.Sprintf("send invite: %v", err), nil
	}

	if !a.pendingVisible(page, pendingVerifyWait) {
		return OutcomeFailed, "invite not confirmed: Pending button absent", nil
	}

	return OutcomeSent, "", nil
}

// recordOutcome persists per-campaign lead state. Writes never fan out by
// URL here; cross-campaign promotion belongs to the connection checker.
func (a *Automator) recordOutcome(ctx context.Context, campaignID string, lead *store.Lead, outcome, failText string) error {
	switch outcome {
	case OutcomeSent, OutcomeAlreadyPending:
		return a.state.UpdateLeadStatus(ctx, campaignID, lead.ID, store.InviteStatusSent, true)
	case OutcomeAlreadyConnected:
		return a.state.UpdateLeadStatus(ctx, campaignID, lead.ID, store.InviteStatusAccepted, true)
	case OutcomeFailed:
		return a.state.RecordInviteFailure(ctx, campaignID, lead.ID, failText)
	}
	return nil
}

func (a *Automator) emit(onProgress ProgressFunc, ev *ProgressEvent) error {
	if onProgress == nil {
		return nil
	}
	err := onProgress(ev)
	if err == nil {
		return nil
	}
	if bus.IsControl(err) {
		return err
	}
	a.log.Warnw("progress callback error ignored", "type", ev.Type, "stage", ev.Stage, "error", err)
	return nil
}

func progressEvent(lead *store.Lead, completed float64, stage string) *ProgressEvent {
	return &ProgressEvent{
		Type:    EventProgress,
		Current: completed + StageFraction(stage),
		Stage:   stage,
		Lead:    lead,
	}
}

func (a *Automator) navigateProfile(ctx context.Context, page *rod.Page, url string) error {
	p := page.Context(ctx)
	if err := p.Timeout(a.browser.NavigateTimeout).Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := p.Timeout(a.browser.NavigateTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}

	// Fixed settle for client-side redirects and lazy top-card render.
	time.Sleep(a.browser.StabilizeWait)

	// Skim the profile a little before acting on it.
	if err := stealth.SmoothScrollDown(p, 300+rand.Intn(300)); err != nil {
		a.log.Debugw("profile scroll failed", "error", err)
	}
	return nil
}

// buttonRole is the relationship signal one top-card button carries.
type buttonRole int

const (
	roleOther buttonRole = iota
	rolePending
	roleConnected
	roleConnect
)

// classifyButton assigns a top-card button to its relationship role. Pending
// is matched first because a profile with an outstanding invite shows both a
// Pending chip and a Message action.
func classifyButton(text, aria string) buttonRole {
	combined := strings.ToLower(text + " " + aria)
	if strings.Contains(combined, "pending") {
		return rolePending
	}
	if strings.Contains(combined, "remove connection") || isMessageAction(text, aria) {
		return roleConnected
	}
	if IsConnectCandidate(text, aria) {
		return roleConnect
	}
	return roleOther
}

// topCardScan is one pass over the profile header's buttons.
type topCardScan struct {
	card      *rod.Element
	pending   bool
	connected bool
	connect   *rod.Element
}

// relationship resolves the scan flags to an existing-relationship outcome,
// or "" when the lead is still a stranger. Pending outranks connected.
func (s *topCardScan) relationship() string {
	switch {
	case s.pending:
		return OutcomeAlreadyPending
	case s.connected:
		return OutcomeAlreadyConnected
	}
	return ""
}

// scanTopCard classifies the relationship from the profile header. Scoping to
// the top card keeps sidebar "Connect" buttons on recommended-profile widgets
// out of the scan.
func (a *Automator) scanTopCard(page *rod.Page) (*topCardScan, error) {
	card, err := a.findTopCard(page)
	if err != nil {
		return nil, err
	}

	buttons, err := card.Elements("button")
	if err != nil {
		return nil, fmt.Errorf("scan top card buttons: %w", err)
	}

	scan := &topCardScan{card: card}
	for _, btn := range buttons {
		text, aria := buttonLabels(btn)
		switch classifyButton(text, aria) {
		case rolePending:
			scan.pending = true
		case roleConnected:
			scan.connected = true
		case roleConnect:
			if scan.connect == nil && interactable(btn) {
				scan.connect = btn
			}
		}
	}
	return scan, nil
}

func (a *Automator) findTopCard(page *rod.Page) (*rod.Element, error) {
	for _, sel := range topCardSelectors {
		card, err := page.Timeout(a.browser.SelectorTimeout).Element(sel)
		if err != nil {
			a.log.Debugw("top card selector missed", "selector", sel)
			continue
		}
		return card, nil
	}
	return nil, fmt.Errorf("profile top card not found")
}

// findOverflowConnect opens the More menu and looks for a Connect entry.
// Second and third degree profiles often tuck Connect in there when the top
// card leads with Message or Follow.
func (a *Automator) findOverflowConnect(page *rod.Page, card *rod.Element) *rod.Element {
	var more *rod.Element
	for _, sel := range moreButtonSelectors {
		btn, err := card.Timeout(a.browser.SelectorTimeout).Element(sel)
		if err != nil {
			continue
		}
		if interactable(btn) {
			more = btn
			break
		}
	}
	if more == nil {
		buttons, err := card.Elements("button")
		if err == nil {
			for _, btn := range buttons {
				text, _ := buttonLabels(btn)
				if strings.EqualFold(text, "more") && interactable(btn) {
					more = btn
					break
				}
			}
		}
	}
	if more == nil {
		a.log.Debug("no overflow menu on top card")
		return nil
	}

	if err := clickWithFallbacks(more); err != nil {
		a.log.Debugw("open overflow menu failed", "error", err)
		return nil
	}
	time.Sleep(stealth.RandomDelay(800, 1500))

	for _, sel := range overflowItemSelectors {
		items, err := page.Elements(sel)
		if err != nil {
			continue
		}
		for _, item := range items {
			text, aria := buttonLabels(item)
			if IsOverflowConnectItem(text, aria) && interactable(item) {
				a.log.Debugw("connect found in overflow menu", "selector", sel)
				return item
			}
		}
	}
	return nil
}

func (a *Automator) findInviteModal(page *rod.Page) *rod.Element {
	for _, sel := range inviteModalSelectors {
		modal, err := page.Timeout(a.browser.SelectorTimeout).Element(sel)
		if err != nil {
			continue
		}
		// The bare dialog selector needs content verification; LinkedIn
		// reuses role=dialog for unrelated overlays.
		if sel == "div[role='dialog']" {
			text, err := modal.Text()
			if err != nil {
				continue
			}
			low := strings.ToLower(text)
			if !strings.Contains(low, "send without a note") && !strings.Contains(low, "add a note") {
				continue
			}
		}
		return modal
	}
	return nil
}

func (a *Automator) clickSendWithoutNote(modal *rod.Element) error {
	buttons, err := modal.Elements("button")
	if err != nil {
		return fmt.Errorf("scan modal buttons: %w", err)
	}
	for _, btn := range buttons {
		text, aria := buttonLabels(btn)
		low := strings.ToLower(text + " " + aria)
		if !strings.Contains(low, "send without a note") && !strings.Contains(low, "send now") {
			continue
		}
		if !interactable(btn) {
			continue
		}
		if err := clickWithFallbacks(btn); err != nil {
			return fmt.Errorf("click send: %w", err)
		}
		return nil
	}
	return fmt.Errorf("send without a note button not found")
}

func (a *Automator) pendingVisible(page *rod.Page, wait time.Duration) bool {
	_, err := page.Timeout(wait).ElementR("button", "/pending/i")
	return err == nil
}

func (a *Automator) removeConnectionVisible(page *rod.Page) bool {
	_, err := page.Timeout(a.browser.SelectorTimeout).ElementR("button, span, div[role='button']", "/remove connection/i")
	return err == nil
}

// IsConnectCandidate reports whether a top-card button with these labels is
// the direct Connect action.
func IsConnectCandidate(text, ariaLabel string) bool {
	t := strings.TrimSpace(text)
	if t != "" && !connectExclusionRe.MatchString(t) && strings.Contains(strings.ToLower(t), "connect") {
		return true
	}
	la := strings.TrimSpace(ariaLabel)
	if la == "" || connectExclusionRe.MatchString(la) {
		return false
	}
	low := strings.ToLower(la)
	return strings.Contains(low, "invite") && strings.Contains(low, "connect")
}

// IsOverflowConnectItem matches Connect entries inside the More menu: exact
// "Connect" text, or an aria-label carrying both invite and connect.
func IsOverflowConnectItem(text, ariaLabel string) bool {
	if strings.EqualFold(strings.TrimSpace(text), "connect") {
		return true
	}
	low := strings.ToLower(ariaLabel)
	return strings.Contains(low, "invite") && strings.Contains(low, "connect")
}

func isMessageAction(text, aria string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "message" || strings.HasPrefix(t, "message ") {
		return true
	}
	return strings.HasPrefix(strings.ToLower(aria), "message ")
}

func buttonLabels(el *rod.Element) (text, aria string) {
	if t, err := el.Text(); err == nil {
		text = strings.TrimSpace(t)
	}
	if attr, err := el.Attribute("aria-label"); err == nil && attr != nil {
		aria = strings.TrimSpace(*attr)
	}
	return text, aria
}

func interactable(el *rod.Element) bool {
	visible, err := el.Visible()
	if err != nil || !visible {
		return false
	}
	if disabled, err := el.Property("disabled"); err == nil && disabled.Bool() {
		return false
	}
	return true
}

// clickWithFallbacks climbs the click ladder: real mouse click, then a
// scroll-into-view retry, then a DOM-dispatched click.
func clickWithFallbacks(el *rod.Element) error {
	if err := el.Click("left", 1); err == nil {
		return nil
	}
	if err := el.ScrollIntoView(); err == nil {
		if err := el.Click("left", 1); err == nil {
			return nil
		}
	}
	if _, err := el.Eval(`() => this.click()`); err != nil {
		return fmt.Errorf("all click strategies failed: %w", err)
	}
	return nil
}
