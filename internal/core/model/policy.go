package model

import "time"

type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionLimit           Action = "limit"
	ActionRedirectCloud   Action = "redirect_cloud"
	ActionRequireApproval Action = "require_approval"
	ActionLogOnly         Action = "log_only"
)

// Terminal reports whether the action ends rule evaluation when it matches.
func (a Action) Terminal() bool {
	return a == ActionAllow || a == ActionDeny
}

func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionLimit, ActionRedirectCloud, ActionRequireApproval, ActionLogOnly:
		return true
	}
	return false
}

// Condition is the predicate of a Rule. Zero-valued fields do not constrain.
type Condition struct {
	Kinds            []Kind         `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	SecurityTiers    []SecurityTier `json:"securityTiers,omitempty" yaml:"securityTiers,omitempty"`
	MinInputBytes    int            `json:"minInputBytes,omitempty" yaml:"minInputBytes,omitempty"`
	MaxInputBytes    int            `json:"maxInputBytes,omitempty" yaml:"maxInputBytes,omitempty"`
	MaxEstimatedCost int64          `json:"maxEstimatedCost,omitempty" yaml:"maxEstimatedCost,omitempty"`
	TokenLimit       int64          `json:"tokenLimit,omitempty" yaml:"tokenLimit,omitempty"`
}

type Rule struct {
	ID        string    `json:"id" yaml:"id"`
	Priority  int       `json:"priority" yaml:"priority"`
	Condition Condition `json:"condition" yaml:"condition"`
	Action    Action    `json:"action" yaml:"action"`
}

type Policy struct {
	ID         string    `json:"id" yaml:"id"`
	Version    int       `json:"version" yaml:"version"`
	ValidFrom  time.Time `json:"validFrom" yaml:"validFrom"`
	ValidUntil time.Time `json:"validUntil" yaml:"validUntil"`
	Signature  string    `json:"signature" yaml:"signature"`
	Rules      []Rule    `json:"rules" yaml:"rules"`
}

// ValidAt reports whether now falls inside the validity window. A zero
// ValidUntil means the policy does not expire.
func (p Policy) ValidAt(now time.Time) bool {
	if !p.ValidFrom.IsZero() && now.Before(p.ValidFrom) {
		return false
	}
	if !p.ValidUntil.IsZero() && !now.Before(p.ValidUntil) {
		return false
	}
	return true
}

type Advisory struct {
	RuleID     string `json:"rule_id"`
	Action     Action `json:"action"`
	TokenLimit int64  `json:"token_limit,omitempty"`
}

type Decision struct {
	Allowed          bool       `json:"allowed"`
	MatchedRuleIDs   []string   `json:"matched_rule_ids"`
	InspectedRuleIDs []string   `json:"inspected_rule_ids"`
	Advisories       []Advisory `json:"advisories,omitempty"`
	Reason           string     `json:"reason"`
}

func (d Decision) HasAdvisory(a Action) bool {
	for _, adv := range d.Advisories {
		if adv.Action == a {
			return true
		}
	}
	return false
}
