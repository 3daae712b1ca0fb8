// Package message delivers one direct message to a connected LinkedIn
// profile through the compose surface that the profile's Message button
// opens.
package message

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"go.uber.org/zap"

	"linkedin-outreach-engine/config"
	"linkedin-outreach-engine/stealth"
)

// Per-character typing bounds in milliseconds.
const (
	typeMinCharMs = 20
	typeMaxCharMs = 50
)

const (
	composeWait      = 2 * time.Second
	settleWait       = 2 * time.Second
	maxMessageLength = 2000
)

// Message button candidates, most specific first. Verification against the
// text and aria-label happens after the selector hits.
var messageButtonSelectors = []string{
	"button[aria-label*='Message']",
	"a[aria-label*='Message']",
	"button[data-control-name='message']",
	"a[data-control-name='message']",
	"button.pvs-profile-actions__action",
	"div.pvs-profile-actions button",
}

// Compose input candidates across the modal and full messaging surfaces.
var composeInputSelectors = []string{
	"div[role='dialog'] div[role='textbox']",
	"div.msg-overlay-conversation-bubble div[role='textbox']",
	"div.msg-form__contenteditable",
	"div[contenteditable='true'][role='textbox']",
	"textarea[placeholder*='message']",
}

var sendButtonSelectors = []string{
	"button.msg-form__send-button",
	"div[role='dialog'] button[type='submit']",
	"button[type='submit']",
	"button[aria-label*='Send']",
}

// Sender drives the message flow on an already-authenticated page.
type Sender struct {
	browser config.BrowserConfig
	timing  config.TimingConfig
	log     *zap.SugaredLogger
}

func NewSender(browser config.BrowserConfig, timing config.TimingConfig, log *zap.SugaredLogger) *Sender {
	return &Sender{browser: browser, timing: timing, log: log}
}

// Send navigates to the profile, opens the compose surface, and types and
// sends content. displayName is only used for log context. A nil return
// means the final send click went through.
func (s *Sender) Send(ctx context.Context, page *rod.Page, profileURL, content, displayName string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("empty message content")
	}
	if len(content) > maxMessageLength {
		content = content[:maxMessageLength]
		s.log.Warnw("message truncated to character limit", "limit", maxMessageLength)
	}

	p := page.Context(ctx)

	s.log.Infow("sending message", "url", profileURL, "lead", displayName, "length", len(content))

	if err := p.Timeout(s.browser.NavigateTimeout).Navigate(profileURL); err != nil {
		return fmt.Errorf("navigate profile: %w", err)
	}
	if err := p.Timeout(s.browser.NavigateTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("wait profile load: %w", err)
	}
	time.Sleep(s.browser.StabilizeWait)

	btn, err := s.findMessageButton(p)
	if err != nil {
		return err
	}

	if err := stealth.ScrollToElement(p, btn, s.timing.MinDelayMs, s.timing.MaxDelayMs); err != nil {
		s.log.Debugw("scroll to message button failed", "error", err)
	}
	if err := stealth.MoveToElementHuman(p, btn, s.timing.MinDelayMs); err != nil {
		s.log.Debugw("mouse move failed, clicking directly", "error", err)
	}
	time.Sleep(stealth.RandomDelay(500, 1200))

	if err := btn.Click("left", 1); err != nil {
		return fmt.Errorf("click message button: %w", err)
	}

	time.Sleep(composeWait)

	input, err := s.findComposeInput(p)
	if err != nil {
		return err
	}

	if err := input.Focus(); err != nil {
		return fmt.Errorf("focus compose input: %w", err)
	}
	stealth.ShortPause(s.timing.MinDelayMs)
	// Stale drafts linger in the compose box between conversations.
	if _, err := input.Eval(`() => { this.textContent = "" }`); err != nil {
		s.log.Debugw("clear compose input failed", "error", err)
	}

	// Hesitate like a human deciding what to write.
	stealth.ThinkPause(s.timing.MinDelayMs, s.timing.MaxDelayMs)

	if err := stealth.TypeHuman(input, content, typeMinCharMs, typeMaxCharMs); err != nil {
		return fmt.Errorf("type message: %w", err)
	}

	// Re-read before hitting send.
	time.Sleep(stealth.RandomDelay(1500, 3000))

	send, err := s.findSendButton(p)
	if err != nil {
		return err
	}
	if !enabled(send) {
		return fmt.Errorf("send button disabled")
	}
	if err := send.Click("left", 1); err != nil {
		return fmt.Errorf("click send button: %w", err)
	}

	time.Sleep(settleWait)

	s.log.Infow("message sent", "url", profileURL, "lead", displayName)
	return nil
}

// RandomDelay sleeps uniformly between minSec and maxSec seconds. The
// connection checker calls this between message sends.
func RandomDelay(minSec, maxSec int) {
	time.Sleep(stealth.RandomDelaySeconds(minSec, maxSec))
}

func (s *Sender) findMessageButton(page *rod.Page) (*rod.Element, error) {
	for _, sel := range messageButtonSelectors {
		el, err := page.Timeout(s.browser.SelectorTimeout).Element(sel)
		if err != nil {
			s.log.Debugw("message button selector missed", "selector", sel)
			continue
		}
		text, aria := labels(el)
		if IsMessageButton(text, aria) && enabled(el) {
			s.log.Debugw("found message button", "selector", sel)
			return el, nil
		}
	}
	return nil, fmt.Errorf("message button not found")
}

func (s *Sender) findComposeInput(page *rod.Page) (*rod.Element, error) {
	for _, sel := range composeInputSelectors {
		el, err := page.Timeout(s.browser.SelectorTimeout).Element(sel)
		if err != nil {
			s.log.Debugw("compose input selector missed", "selector", sel)
			continue
		}
		s.log.Debugw("found compose input", "selector", sel)
		return el, nil
	}
	return nil, fmt.Errorf("compose input not found")
}

func (s *Sender) findSendButton(page *rod.Page) (*rod.Element, error) {
	for _, sel := range sendButtonSelectors {
		el, err := page.Timeout(s.browser.SelectorTimeout).Element(sel)
		if err != nil {
			s.log.Debugw("send button selector missed", "selector", sel)
			continue
		}
		text, aria := labels(el)
		if IsSendButton(text, aria) {
			s.log.Debugw("found send button", "selector", sel)
			return el, nil
		}
	}
	return nil, fmt.Errorf("send button not found")
}

// IsMessageButton reports whether a control labeled this way opens the
// compose surface. The "Messaging" nav link and "Message sent" toasts are
// the lookalikes to keep out.
func IsMessageButton(text, ariaLabel string) bool {
	combined := strings.ToLower(strings.TrimSpace(text) + " " + strings.TrimSpace(ariaLabel))
	if strings.Contains(combined, "messaging") || strings.Contains(combined, "message sent") {
		return false
	}
	return strings.Contains(combined, "message")
}

// IsSendButton matches the compose surface's send action.
func IsSendButton(text, ariaLabel string) bool {
	combined := strings.ToLower(strings.TrimSpace(text) + " " + strings.TrimSpace(ariaLabel))
	return strings.Contains(combined, "send")
}

func labels(el *rod.Element) (text, aria string) {
	if t, err := el.Text(); err == nil {
		text = strings.TrimSpace(t)
	}
	if attr, err := el.Attribute("aria-label"); err == nil && attr != nil {
		aria = strings.TrimSpace(*attr)
	}
	return text, aria
}

func enabled(el *rod.Element) bool {
	visible, err := el.Visible()
	if err != nil || !visible {
		return false
	}
	if disabled, err := el.Property("disabled"); err == nil && disabled.Bool() {
		return false
	}
	return true
}
