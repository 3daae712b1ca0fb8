// Package session validates persisted LinkedIn sessions. It replays the
// stored cookie + storage bundle inside a persistent per-account browser
// profile, probes the feed, and classifies where LinkedIn lands us.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"linkedin-outreach-engine/config"
	"linkedin-outreach-engine/stealth"
	"linkedin-outreach-engine/store"
)

const feedURL = "https://www.linkedin.com/feed/"

// Baseline viewport; the launcher jitters upward from here so consecutive
// runs don't present identical window metrics.
const (
	baseWidth  = 1280
	baseHeight = 720
)

// ErrSessionInvalid marks an expired or unusable stored session. Callers that
// need an error value (rather than the Result verdict) wrap this.
var ErrSessionInvalid = errors.New("session: invalid or expired")

// Markers checked against the post-navigation URL. Logged-out markers win:
// LinkedIn bounces stale cookies to login/authwall and suspicious ones to a
// checkpoint or captcha challenge.
var (
	loggedOutMarkers = []string{
		"/login",
		"/checkpoint",
		"/authwall",
		"/challenge",
		"captcha",
	}
	authenticatedMarkers = []string{
		"/feed",
		"/in/",
		"/mynetwork",
		"/messaging",
	}
)

// Verdict is the classification of the URL the feed probe ended on.
type Verdict int

const (
	VerdictLoggedOut Verdict = iota
	VerdictAuthenticated
	VerdictUnknown
)

// ClassifyURL maps a landed URL to a session verdict. Pure; no browser.
func ClassifyURL(rawURL string) Verdict {
	u := strings.ToLower(rawURL)
	for _, m := range loggedOutMarkers {
		if strings.Contains(u, m) {
			return VerdictLoggedOut
		}
	}
	for _, m := range authenticatedMarkers {
		if strings.Contains(u, m) {
			return VerdictAuthenticated
		}
	}
	return VerdictUnknown
}

// Result is the outcome of one validation. Browser and Page are populated
// only for a valid session requested with keepOpen.
type Result struct {
	IsValid bool
	Reason  string
	Browser *rod.Browser
	Page    *rod.Page
}

// Validator launches browsers from persisted session bundles.
type Validator struct {
	cfg config.BrowserConfig
	log *zap.SugaredLogger
}

func New(cfg config.BrowserConfig, log *zap.SugaredLogger) *Validator {
	return &Validator{cfg: cfg, log: log}
}

// Validate restores the account's session bundle in a fresh persistent
// context and probes the feed. Every failure along the way folds into an
// invalid Result with the failure text; the context is closed unless a valid
// session was requested with keepOpen.
func (v *Validator) Validate(ctx context.Context, account *store.LinkedInAccount, keepOpen bool) *Result {
	browser, page, err := v.open(ctx, account)
	if err != nil {
		v.log.Warnw("session launch failed", "accountId", account.ID, "error", err)
		Cleanup(browser)
		return &Result{Reason: err.Error()}
	}

	landed, err := v.probeFeed(ctx, page)
	if err != nil {
		v.log.Warnw("feed probe failed", "accountId", account.ID, "error", err)
		Cleanup(browser)
		return &Result{Reason: err.Error()}
	}

	switch ClassifyURL(landed) {
	case VerdictAuthenticated:
		v.log.Infow("session valid", "accountId", account.ID, "landedOn", landed)
		if keepOpen {
			return &Result{IsValid: true, Reason: "authenticated", Browser: browser, Page: page}
		}
		Cleanup(browser)
		return &Result{IsValid: true, Reason: "authenticated"}
	case VerdictLoggedOut:
		v.log.Infow("session expired", "accountId", account.ID, "landedOn", landed)
		Cleanup(browser)
		return &Result{Reason: "redirected to login"}
	default:
		v.log.Warnw("session landed on unexpected page", "accountId", account.ID, "landedOn", landed)
		Cleanup(browser)
		return &Result{Reason: "unexpected page"}
	}
}

// Cleanup closes the browser, swallowing errors. Safe on nil.
func Cleanup(browser *rod.Browser) {
	if browser == nil {
		return
	}
	_ = browser.Close()
}

// open launches the persistent context and wires the session bundle into it:
// cookies via the devtools protocol, storage via a pre-navigation script that
// runs on every new document.
func (v *Validator) open(ctx context.Context, account *store.LinkedInAccount) (*rod.Browser, *rod.Page, error) {
	if len(account.Cookies) == 0 {
		return nil, nil, fmt.Errorf("session bundle has no cookies")
	}

	var cookies []store.SessionCookie
	if err := json.Unmarshal(account.Cookies, &cookies); err != nil {
		return nil, nil, fmt.Errorf("parse cookie bundle: %w", err)
	}

	profileDir := filepath.Join(v.cfg.ProfileRoot, "account-"+account.ID)
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create profile dir: %w", err)
	}

	width, height := v.randomViewport()
	ua := account.UserAgent
	if ua == "" && len(v.cfg.UserAgents) > 0 {
		ua = v.cfg.UserAgents[rand.Intn(len(v.cfg.UserAgents))]
	}

	l := launcher.New().
		Bin(v.cfg.Bin).
		UserDataDir(profileDir).
		Headless(v.cfg.Headless).
		// Strip the automation switches bot defenses probe for, and the
		// sandbox/GPU layers that break inside containers.
		Set("disable-blink-features", "AutomationControlled").
		Set("no-sandbox").
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("disable-extensions").
		Set("window-size", fmt.Sprintf("%d,%d", width, height))
	if ua != "" {
		l = l.Set("user-agent", ua)
	}

	launchURL, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, nil, fmt.Errorf("connect browser: %w", err)
	}

	if err := browser.SetCookies(toCookieParams(cookies)); err != nil {
		return browser, nil, fmt.Errorf("set cookies: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return browser, nil, fmt.Errorf("open page: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		v.log.Warnw("set viewport failed", "error", err)
	}

	if err := stealth.Apply(page); err != nil {
		return browser, page, fmt.Errorf("apply stealth: %w", err)
	}

	if script := storageScript(account.LocalStorage, account.SessionStorage); script != "" {
		if _, err := page.EvalOnNewDocument(script); err != nil {
			return browser, page, fmt.Errorf("register storage replay: %w", err)
		}
	}

	return browser, page, nil
}

// randomViewport jitters the window metrics inside the configured envelope,
// never below the 1280x720 baseline, keeping a 16:9 ratio.
func (v *Validator) randomViewport() (int, int) {
	lo := v.cfg.MinViewport
	if lo < baseWidth {
		lo = baseWidth
	}
	hi := v.cfg.MaxViewport
	if hi <= lo {
		hi = lo + 96
	}
	w := lo + rand.Intn(hi-lo+1)
	h := int(math.Round(float64(w) * float64(baseHeight) / float64(baseWidth)))
	return w, h
}

// probeFeed navigates to the feed, waits for load plus a fixed settle window
// so LinkedIn's redirects finish, then reports the URL we ended on.
func (v *Validator) probeFeed(ctx context.Context, page *rod.Page) (string, error) {
	navCtx, cancel := context.WithTimeout(ctx, v.cfg.NavigateTimeout)
	defer cancel()
	p := page.Context(navCtx)

	if err := p.Navigate(feedURL); err != nil {
		return "", fmt.Errorf("navigate feed: %w", err)
	}
	if err := rod.Try(func() { p.MustWaitLoad() }); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(v.cfg.StabilizeWait):
	}

	info, err := p.Info()
	if err != nil {
		return "", fmt.Errorf("read page info: %w", err)
	}
	return info.URL, nil
}

func toCookieParams(cs []store.SessionCookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(cs))
	for _, c := range cs {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: sameSiteParam(c.SameSite),
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		out = append(out, p)
	}
	return out
}

// sameSiteParam accepts both devtools ("Lax") and extension-export
// ("no_restriction") spellings found in stored bundles.
func sameSiteParam(s string) proto.NetworkCookieSameSite {
	switch strings.ToLower(s) {
	case "strict":
		return proto.NetworkCookieSameSiteStrict
	case "lax":
		return proto.NetworkCookieSameSiteLax
	case "none", "no_restriction":
		return proto.NetworkCookieSameSiteNone
	}
	return ""
}

// storageScript builds the pre-navigation script replaying localStorage and
// sessionStorage. Returns "" when the bundle carries neither.
func storageScript(localStorage, sessionStorage json.RawMessage) string {
	ls := normalizeStorage(localStorage)
	ss := normalizeStorage(sessionStorage)
	if ls == "" && ss == "" {
		return ""
	}
	if ls == "" {
		ls = "{}"
	}
	if ss == "" {
		ss = "{}"
	}
	return fmt.Sprintf(`(() => {
	try {
		const ls = %s;
		for (const k in ls) { window.localStorage.setItem(k, ls[k]); }
		const ss = %s;
		for (const k in ss) { window.sessionStorage.setItem(k, ss[k]); }
	} catch (e) {}
})();`, ls, ss)
}

// normalizeStorage validates the stored blob is a JSON object so it can be
// inlined into the script. Anything else is dropped rather than injected.
func normalizeStorage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil || len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

