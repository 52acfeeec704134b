// Package policy decides popups from an ordered list of URL rules loaded
// from YAML.
//
//	default: allow
//	rules:
//	  - name: block-ads
//	    match: "https://ads.*/**"
//	    action: deny
//	  - match: "https://app.example.com/**"
//	    action: allow
//	    windowless: true
//	    kinds: [new_popup]
//	    extra: {team: core}
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/honeycomb/internal/coordinator"
	"github.com/dgnsrekt/honeycomb/internal/popup"
	"github.com/dgnsrekt/honeycomb/internal/types"
)

// Action is what a rule does with a matching popup.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionDeny    Action = "deny"
	ActionDefault Action = "default"
)

func (a Action) valid() bool {
	return a == ActionAllow || a == ActionDeny || a == ActionDefault
}

// RuleConfig is one rule as written in the policy file.
type RuleConfig struct {
	Name        string         `yaml:"name,omitempty"`
	Match       string         `yaml:"match"`
	Action      Action         `yaml:"action"`
	Kinds       []string       `yaml:"kinds,omitempty"`
	UserGesture *bool          `yaml:"user_gesture,omitempty"`
	Windowless  bool           `yaml:"windowless,omitempty"`
	Client      string         `yaml:"client,omitempty"`
	Settings    map[string]any `yaml:"settings,omitempty"`
	Extra       map[string]any `yaml:"extra,omitempty"`
}

// Config is the top-level policy file.
type Config struct {
	Default Action       `yaml:"default,omitempty"`
	Rules   []RuleConfig `yaml:"rules"`
}

type rule struct {
	RuleConfig
	pattern glob.Glob
	kinds   map[popup.OpenKind]struct{}
}

// Policy is a compiled rule list. It implements coordinator.PopupHandler.
type Policy struct {
	fallback Action
	rules    []rule
}

var _ coordinator.PopupHandler = (*Policy)(nil)

// Load reads and compiles a policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("popup policy: %w", err)
	}
	return Parse(data)
}

// Parse compiles a policy document.
func Parse(data []byte) (*Policy, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("popup policy: %w", err)
	}
	return Compile(cfg)
}

// Compile validates cfg and compiles its patterns.
func Compile(cfg Config) (*Policy, error) {
	p := &Policy{fallback: cfg.Default}
	if p.fallback == "" {
		p.fallback = ActionAllow
	}
	if !p.fallback.valid() {
		return nil, fmt.Errorf("popup policy: unknown default action %q", cfg.Default)
	}

	for i, rc := range cfg.Rules {
		label := rc.Name
		if label == "" {
			label = fmt.Sprintf("rule[%d]", i)
		}
		if rc.Match == "" {
			return nil, fmt.Errorf("popup policy: %s missing match", label)
		}
		if !rc.Action.valid() {
			return nil, fmt.Errorf("popup policy: %s has unknown action %q", label, rc.Action)
		}
		g, err := glob.Compile(rc.Match, '/')
		if err != nil {
			return nil, fmt.Errorf("popup policy: %s invalid match %q: %w", label, rc.Match, err)
		}
		r := rule{RuleConfig: rc, pattern: g}
		r.Name = label
		if len(rc.Kinds) > 0 {
			r.kinds = make(map[popup.OpenKind]struct{}, len(rc.Kinds))
			for _, k := range rc.Kinds {
				r.kinds[popup.OpenKind(strings.ToLower(strings.TrimSpace(k)))] = struct{}{}
			}
		}
		p.rules = append(p.rules, r)
	}
	return p, nil
}

// Len returns the number of rules.
func (p *Policy) Len() int { return len(p.rules) }

func (r *rule) matches(req coordinator.PopupRequest, url string) bool {
	if !r.pattern.Match(url) {
		return false
	}
	if r.kinds != nil {
		if _, ok := r.kinds[req.Kind]; !ok {
			return false
		}
	}
	if r.UserGesture != nil && *r.UserGesture != req.UserGesture {
		return false
	}
	return true
}

// BeforePopup applies the first matching rule, or the default action.
func (p *Policy) BeforePopup(_ context.Context, req coordinator.PopupRequest) coordinator.PopupDecision {
	url := coordinator.FilterURL(req.TargetURL)
	for i := range p.rules {
		r := &p.rules[i]
		if !r.matches(req, url) {
			continue
		}
		slog.Debug("popup policy match", "rule", r.Name, "action", string(r.Action), "url", url, "browser_id", req.OpenerBrowserID)
		return decide(r.Action, &r.RuleConfig)
	}
	slog.Debug("popup policy default", "action", string(p.fallback), "url", url, "browser_id", req.OpenerBrowserID)
	return decide(p.fallback, nil)
}

func decide(action Action, rc *RuleConfig) coordinator.PopupDecision {
	switch action {
	case ActionDeny:
		return coordinator.PopupDecision{Handled: true, Deny: true}
	case ActionDefault:
		return coordinator.PopupDecision{}
	}
	d := coordinator.PopupDecision{Handled: true}
	if rc != nil {
		d.Windowless = rc.Windowless
		d.Client = rc.Client
		d.Settings = types.Extra(rc.Settings).Clone()
		d.Extra = types.Extra(rc.Extra).Clone()
	}
	return d
}
