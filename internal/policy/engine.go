// Package policy evaluates tasks against signed, time-bounded governance
// policies.
package policy

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthands/cortex/internal/core/model"
)

const reasonEvaluationError = "policy evaluation error"

var errInvalidRule = errors.New("invalid rule")

// EvalInput is the set of task attributes rules are matched against.
type EvalInput struct {
	Kind          model.Kind
	InputBytes    int
	EstimatedCost int64
	Tier          model.SecurityTier
}

type LoadReport struct {
	Accepted []string          `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"` // policy id -> reason
	Skipped  []string          `json:"skipped,omitempty"`  // superseded by an equal or newer version
}

// activeSet is immutable once published.
type activeSet struct {
	policies []model.Policy
}

type Option func(*Engine)

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

type Engine struct {
	verifier Verifier
	clock    func() time.Time
	logger   *log.Logger

	writeMu sync.Mutex
	active  atomic.Pointer[activeSet]
}

func NewEngine(verifier Verifier, opts ...Option) *Engine {
	e := &Engine{
		verifier: verifier,
		clock:    time.Now,
		logger:   log.New(os.Stderr, "[policy] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.active.Store(&activeSet{})
	return e
}

// Load verifies each policy and merges the accepted ones into the active
// set by id. A policy replaces an active one only when its version is newer.
// Policies that fail verification or fall outside their validity window are
// dropped with a warning.
func (e *Engine) Load(policies []model.Policy) LoadReport {
	return e.install(policies, false)
}

// Replace swaps the whole active set for the accepted subset of policies.
func (e *Engine) Replace(policies []model.Policy) LoadReport {
	return e.install(policies, true)
}

func (e *Engine) install(policies []model.Policy, replace bool) LoadReport {
	accepted, report := e.admit(policies)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var next []model.Policy
	if !replace {
		next = append(next, e.active.Load().policies...)
	}
	for _, p := range accepted {
		idx := indexOf(next, p.ID)
		switch {
		case idx < 0:
			next = append(next, p)
			report.Accepted = append(report.Accepted, p.ID)
		case p.Version > next[idx].Version:
			next[idx] = p
			report.Accepted = append(report.Accepted, p.ID)
		default:
			report.Skipped = append(report.Skipped, p.ID)
		}
	}
	e.active.Store(&activeSet{policies: next})
	return report
}

// admit runs signature and window checks outside the write lock.
func (e *Engine) admit(policies []model.Policy) ([]model.Policy, LoadReport) {
	now := e.clock()
	report := LoadReport{Rejected: map[string]string{}}
	accepted := make([]model.Policy, 0, len(policies))
	for _, p := range policies {
		if e.verifier == nil {
			e.reject(&report, p, "no verifier configured")
			continue
		}
		if err := e.verifier.Verify(p); err != nil {
			e.reject(&report, p, err.Error())
			continue
		}
		if !p.ValidAt(now) {
			e.reject(&report, p, "outside validity window")
			continue
		}
		accepted = append(accepted, clonePolicy(p))
	}
	return accepted, report
}

func (e *Engine) reject(report *LoadReport, p model.Policy, reason string) {
	e.logger.Printf("Warning: dropping policy %s v%d: %s", p.ID, p.Version, reason)
	report.Rejected[p.ID] = reason
}

// Active returns a copy of the active policies in insertion order.
func (e *Engine) Active() []model.Policy {
	set := e.active.Load()
	out := make([]model.Policy, len(set.policies))
	for i, p := range set.policies {
		out[i] = clonePolicy(p)
	}
	return out
}

// Prune drops policies whose validity window has ended.
func (e *Engine) Prune() int {
	now := e.clock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.active.Load().policies
	next := make([]model.Policy, 0, len(cur))
	for _, p := range cur {
		if p.ValidAt(now) {
			next = append(next, p)
		}
	}
	e.active.Store(&activeSet{policies: next})
	return len(cur) - len(next)
}

type candidate struct {
	rule      model.Rule
	policyIdx int
	ruleIdx   int
}

// Evaluate decides whether a task may run. It is a pure function of the
// active set, the clock and the input. With no terminal rule the default is
// allow; any internal error denies.
func (e *Engine) Evaluate(in EvalInput) (d model.Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("policy evaluation panic: %v", r)
			d = failClosed(d.InspectedRuleIDs)
		}
	}()

	set := e.active.Load()
	d, err := evaluate(set.policies, e.clock(), in, e.logger)
	if err != nil {
		e.logger.Printf("policy evaluation failed: %v", err)
		return failClosed(d.InspectedRuleIDs)
	}
	return d
}

func evaluate(policies []model.Policy, now time.Time, in EvalInput, logger *log.Logger) (model.Decision, error) {
	var candidates []candidate
	for pi, p := range policies {
		if !p.ValidAt(now) {
			continue
		}
		for ri, r := range p.Rules {
			if coarseMatch(r.Condition, in) {
				candidates = append(candidates, candidate{rule: r, policyIdx: pi, ruleIdx: ri})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority > b.rule.Priority
		}
		if a.policyIdx != b.policyIdx {
			return a.policyIdx < b.policyIdx
		}
		return a.ruleIdx < b.ruleIdx
	})

	d := model.Decision{
		MatchedRuleIDs:   []string{},
		InspectedRuleIDs: []string{},
	}
	for _, c := range candidates {
		r := c.rule
		d.InspectedRuleIDs = append(d.InspectedRuleIDs, r.ID)
		if err := validateRule(r); err != nil {
			return d, err
		}
		if !detailedMatch(r.Condition, in) {
			continue
		}
		d.MatchedRuleIDs = append(d.MatchedRuleIDs, r.ID)

		switch r.Action {
		case model.ActionAllow:
			d.Allowed = true
			d.Reason = fmt.Sprintf("allowed by rule %s", r.ID)
			return d, nil
		case model.ActionDeny:
			d.Allowed = false
			d.Reason = fmt.Sprintf("denied by rule %s", r.ID)
			return d, nil
		case model.ActionLimit:
			if in.EstimatedCost > r.Condition.TokenLimit {
				d.Allowed = false
				d.Reason = fmt.Sprintf("rule %s: estimated cost %d exceeds limit %d", r.ID, in.EstimatedCost, r.Condition.TokenLimit)
				return d, nil
			}
		case model.ActionRedirectCloud, model.ActionRequireApproval:
			d.Advisories = append(d.Advisories, model.Advisory{
				RuleID:     r.ID,
				Action:     r.Action,
				TokenLimit: r.Condition.TokenLimit,
			})
		case model.ActionLogOnly:
			logger.Printf("log-only rule %s matched %s task (cost %d)", r.ID, in.Kind, in.EstimatedCost)
		}
	}

	d.Allowed = true
	d.Reason = "no terminal rule matched; default allow"
	return d, nil
}

func failClosed(inspected []string) model.Decision {
	if inspected == nil {
		inspected = []string{}
	}
	return model.Decision{
		Allowed:          false,
		MatchedRuleIDs:   []string{},
		InspectedRuleIDs: inspected,
		Reason:           reasonEvaluationError,
	}
}

func validateRule(r model.Rule) error {
	if !r.Action.Valid() {
		return fmt.Errorf("%w %s: unknown action %q", errInvalidRule, r.ID, r.Action)
	}
	c := r.Condition
	if c.MinInputBytes < 0 || c.MaxInputBytes < 0 || c.MaxEstimatedCost < 0 || c.TokenLimit < 0 {
		return fmt.Errorf("%w %s: negative bound", errInvalidRule, r.ID)
	}
	if c.MaxInputBytes > 0 && c.MinInputBytes > c.MaxInputBytes {
		return fmt.Errorf("%w %s: min input %d > max input %d", errInvalidRule, r.ID, c.MinInputBytes, c.MaxInputBytes)
	}
	if r.Action == model.ActionLimit && c.TokenLimit == 0 {
		return fmt.Errorf("%w %s: limit rule without tokenLimit", errInvalidRule, r.ID)
	}
	return nil
}

// coarseMatch is the gather-time filter on categorical attributes.
func coarseMatch(c model.Condition, in EvalInput) bool {
	if len(c.Kinds) > 0 && !containsKind(c.Kinds, in.Kind) {
		return false
	}
	if len(c.SecurityTiers) > 0 && !containsTier(c.SecurityTiers, in.Tier) {
		return false
	}
	return true
}

// detailedMatch checks the numeric bounds.
func detailedMatch(c model.Condition, in EvalInput) bool {
	if !coarseMatch(c, in) {
		return false
	}
	if c.MinInputBytes > 0 && in.InputBytes < c.MinInputBytes {
		return false
	}
	if c.MaxInputBytes > 0 && in.InputBytes > c.MaxInputBytes {
		return false
	}
	if c.MaxEstimatedCost > 0 && in.EstimatedCost > c.MaxEstimatedCost {
		return false
	}
	return true
}

func containsKind(kinds []model.Kind, k model.Kind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func containsTier(tiers []model.SecurityTier, t model.SecurityTier) bool {
	for _, v := range tiers {
		if v == t {
			return true
		}
	}
	return false
}

func indexOf(policies []model.Policy, id string) int {
	for i, p := range policies {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func clonePolicy(p model.Policy) model.Policy {
	rules := make([]model.Rule, len(p.Rules))
	for i, r := range p.Rules {
		r.Condition.Kinds = append([]model.Kind(nil), r.Condition.Kinds...)
		r.Condition.SecurityTiers = append([]model.SecurityTier(nil), r.Condition.SecurityTiers...)
		rules[i] = r
	}
	p.Rules = rules
	return p
}
