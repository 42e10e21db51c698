// Package site holds the versioned locator and phrase tables for the
// dashboard and its login provider. Dashboard markup changes are absorbed by
// adding a profile rather than editing the workflow.
package site

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/autorenew/internal/browser"
)

// Phrases drives outcome classification. Matching is case-insensitive
// substring matching on whitespace-collapsed text.
type Phrases struct {
	Blocked []string
	NotYet  []string
	Success []string
}

// Profile is one version of the dashboard's markup and wording.
type Profile struct {
	Name string

	// LoginMarker appears in the URL while the dashboard wants a login.
	LoginMarker string
	// AuthorizeMarker appears in the provider's authorize page URL.
	AuthorizeMarker string

	ProviderLogin  []browser.Locator
	Authorize      []browser.Locator
	AuthorizeTexts []string

	// CredentialField is the provider's primary login field. Its presence
	// after a token reload means the token was rejected.
	CredentialField []browser.Locator
	IdentifierField []browser.Locator
	SecretField     []browser.Locator
	SubmitControl   []browser.Locator

	Renew      []browser.Locator
	RenewTexts []string

	Dialog       []browser.Locator
	Confirm      []browser.Locator
	ConfirmTexts []string

	ChallengeFrame   []browser.Locator
	ChallengeTitles  []string
	ChallengePhrases []string

	Outcomes Phrases
}

var renewTexts = []string{"Renew", "续期"}

var v1 = Profile{
	Name:            "katabump-v1",
	LoginMarker:     "login",
	AuthorizeMarker: "oauth2",
	ProviderLogin: []browser.Locator{
		browser.Text("Login with Discord"),
		browser.Text("Discord 登录"),
		browser.CSS(`a[href*="discord"]`),
		browser.CSS(".btn-discord"),
		browser.XPath(`//a[contains(text(), "Discord")]`),
		browser.XPath(`//button[contains(text(), "Login")]`),
	},
	Authorize: []browser.Locator{
		browser.Text("Authorize"),
		browser.Text("授权"),
		browser.CSS(`button[type="submit"]`),
		browser.XPath(`//button[contains(text(), "Authorize")]`),
	},
	AuthorizeTexts:  []string{"Authorize", "授权"},
	CredentialField: []browser.Locator{browser.CSS(`input[name="email"]`)},
	IdentifierField: []browser.Locator{
		browser.CSS(`input[name="email"]`),
		browser.CSS(`input[type="email"]`),
	},
	SecretField: []browser.Locator{
		browser.CSS(`input[name="password"]`),
		browser.CSS(`input[type="password"]`),
	},
	SubmitControl: []browser.Locator{
		browser.CSS(`button[type="submit"]`),
		browser.CSS(`input[type="submit"]`),
	},
	Renew: []browser.Locator{
		browser.Control("Renew"),
		browser.Control("续期"),
		browser.XPath(`//button[contains(text(), "Renew")]`),
		browser.XPath(`//button[contains(text(), "续期")]`),
		browser.XPath(`//a[contains(text(), "Renew")]`),
	},
	RenewTexts: renewTexts,
	Dialog: []browser.Locator{
		browser.CSS(".modal-content"),
		browser.CSS(".modal-dialog"),
		browser.CSS(".ant-modal-content"),
		browser.CSS(".dialog-container"),
		browser.XPath(`//div[contains(@class, "modal")]`),
	},
	Confirm: []browser.Locator{
		browser.Control("Renew"),
		browser.Control("确认"),
		browser.Control("Confirm"),
		browser.CSS("button.btn-primary"),
		browser.CSS("button.btn-success"),
		browser.CSS(`button[type="submit"]`),
		browser.XPath(`.//button[contains(text(), "Renew")]`),
		browser.XPath(`.//button[contains(text(), "确认")]`),
	},
	ConfirmTexts:     []string{"Renew", "续期", "Confirm", "确认"},
	ChallengeFrame:   []browser.Locator{browser.CSS(`iframe[src*="challenges.cloudflare.com"]`)},
	ChallengeTitles:  []string{"just a moment", "attention required", "cloudflare"},
	ChallengePhrases: []string{"checking your browser", "verifying you are human", "verify you are human"},
	Outcomes: Phrases{
		Blocked: []string{"just a moment", "checking your browser", "verify you are human", "access denied"},
		NotYet:  []string{"can't renew", "cannot renew", "can't be renewed", "not yet", "too early", "无法续期"},
		Success: []string{"successfully", "renew success", "renewed", "续期成功"},
	},
}

// v2 extends v1 with the attribute-based controls and ARIA dialogs of the
// current dashboard.
var v2 = extend(v1, func(p *Profile) {
	p.Name = "katabump-v2"
	p.ProviderLogin = append(p.ProviderLogin,
		browser.CSS(`button[aria-label="Login with Discord"]`),
		browser.XPath(`//div[contains(text(), "Login with Discord")]`),
	)
	p.Authorize = append(p.Authorize,
		browser.CSS(`button[aria-label="Authorize"]`),
		browser.XPath(`//div[contains(text(), "Authorize")]`),
	)
	p.Renew = append(p.Renew,
		browser.CSS(`[data-action="renew"]`),
		browser.CSS(`button[aria-label*="Renew"]`),
	)
	p.Dialog = append([]browser.Locator{browser.CSS(`[role="dialog"]`)}, p.Dialog...)
})

var profiles = map[string]Profile{
	v1.Name: v1,
	v2.Name: v2,
}

// Default is the profile used when none is configured.
const Default = "katabump-v2"

// Lookup returns the named profile.
func Lookup(name string) (Profile, error) {
	if name == "" {
		name = Default
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown site profile %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Names lists the known profiles, sorted.
func Names() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// extend copies base, including its slices, and applies fn to the copy.
func extend(base Profile, fn func(*Profile)) Profile {
	p := base
	clone := func(in []browser.Locator) []browser.Locator { return append([]browser.Locator(nil), in...) }
	p.ProviderLogin = clone(base.ProviderLogin)
	p.Authorize = clone(base.Authorize)
	p.CredentialField = clone(base.CredentialField)
	p.IdentifierField = clone(base.IdentifierField)
	p.SecretField = clone(base.SecretField)
	p.SubmitControl = clone(base.SubmitControl)
	p.Renew = clone(base.Renew)
	p.Dialog = clone(base.Dialog)
	p.Confirm = clone(base.Confirm)
	p.ChallengeFrame = clone(base.ChallengeFrame)
	fn(&p)
	return p
}
