package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/honeycomb/internal/coordinator"
	"github.com/dgnsrekt/honeycomb/internal/popup"
)

const sample = `
default: default
rules:
  - name: block-ads
    match: "https://ads.*/**"
    action: deny
  - name: app-popups
    match: "https://app.example.com/**"
    action: allow
    windowless: true
    kinds: [new_popup]
    client: sidebar
    settings:
      zoom: 1.5
    extra:
      team: core
  - name: gestures-only
    match: "https://*.example.org/**"
    action: allow
    user_gesture: true
`

func request(url string, kind popup.OpenKind, gesture bool) coordinator.PopupRequest {
	return coordinator.PopupRequest{OpenerBrowserID: 1, TargetURL: url, Kind: kind, UserGesture: gesture}
}

func TestPolicyRules(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())
	ctx := context.Background()

	d := p.BeforePopup(ctx, request("https://ads.tracker.net/banner", popup.OpenPopup, true))
	assert.True(t, d.Handled)
	assert.True(t, d.Deny)

	d = p.BeforePopup(ctx, request("https://app.example.com/reports/42", popup.OpenPopup, false))
	assert.True(t, d.Handled)
	assert.False(t, d.Deny)
	assert.True(t, d.Windowless)
	assert.Equal(t, "sidebar", d.Client)
	assert.Equal(t, 1.5, d.Settings["zoom"])
	assert.Equal(t, "core", d.Extra["team"])

	// Kind filter falls through to the default action.
	d = p.BeforePopup(ctx, request("https://app.example.com/reports/42", popup.OpenForegroundTab, false))
	assert.False(t, d.Handled)

	d = p.BeforePopup(ctx, request("https://docs.example.org/page", popup.OpenPopup, true))
	assert.True(t, d.Handled)
	d = p.BeforePopup(ctx, request("https://docs.example.org/page", popup.OpenPopup, false))
	assert.False(t, d.Handled)
}

func TestPolicyDecisionDoesNotAliasRule(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)

	d := p.BeforePopup(context.Background(), request("https://app.example.com/x", popup.OpenPopup, false))
	d.Extra["team"] = "changed"

	again := p.BeforePopup(context.Background(), request("https://app.example.com/x", popup.OpenPopup, false))
	assert.Equal(t, "core", again.Extra["team"])
}

func TestPolicyDefaultsToAllow(t *testing.T) {
	p, err := Parse([]byte("rules: []\n"))
	require.NoError(t, err)
	d := p.BeforePopup(context.Background(), request("https://anything/", popup.OpenPopup, false))
	assert.True(t, d.Handled)
	assert.False(t, d.Deny)
}

func TestPolicyFiltersJavaScriptURLs(t *testing.T) {
	p, err := Compile(Config{Rules: []RuleConfig{{Match: "about:blank", Action: ActionDeny}}})
	require.NoError(t, err)
	d := p.BeforePopup(context.Background(), request("JavaScript:alert(1)", popup.OpenPopup, true))
	assert.True(t, d.Deny)
}

func TestPolicyValidation(t *testing.T) {
	for name, doc := range map[string]string{
		"missing match":  "rules:\n  - action: allow\n",
		"bad action":     "rules:\n  - match: '*'\n    action: maybe\n",
		"bad default":    "default: sometimes\n",
		"malformed yaml": "rules: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "popups.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
