package policy

import (
	"bytes"
	"crypto/ed25519"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cortex/internal/core/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	return ed25519.NewKeyFromSeed(seed)
}

func signed(t *testing.T, key ed25519.PrivateKey, p model.Policy) model.Policy {
	t.Helper()
	if p.ValidFrom.IsZero() {
		p.ValidFrom = testNow.Add(-time.Hour)
	}
	if p.ValidUntil.IsZero() {
		p.ValidUntil = testNow.Add(24 * time.Hour)
	}
	sig, err := Sign(p, key)
	require.NoError(t, err)
	p.Signature = sig
	return p
}

func newTestEngine(t *testing.T) (*Engine, ed25519.PrivateKey) {
	t.Helper()
	key := testKey(t)
	e := NewEngine(
		NewEd25519Verifier(key.Public().(ed25519.PublicKey)),
		WithClock(func() time.Time { return testNow }),
		WithLogger(log.New(io.Discard, "", 0)),
	)
	return e, key
}

func TestCriticalTierDenyShortCircuitsRedirect(t *testing.T) {
	e, key := newTestEngine(t)
	report := e.Load([]model.Policy{signed(t, key, model.Policy{
		ID:      "device-governance",
		Version: 1,
		Rules: []model.Rule{
			{
				ID:        "chat-redirect",
				Priority:  70,
				Condition: model.Condition{Kinds: []model.Kind{model.KindChat}, TokenLimit: 5000},
				Action:    model.ActionRedirectCloud,
			},
			{
				ID:       "critical-lockdown",
				Priority: 200,
				Condition: model.Condition{
					Kinds:         []model.Kind{model.KindChat, model.KindRecommend},
					SecurityTiers: []model.SecurityTier{model.TierCritical},
				},
				Action: model.ActionDeny,
			},
		},
	})})
	require.Equal(t, []string{"device-governance"}, report.Accepted)

	d := e.Evaluate(EvalInput{Kind: model.KindChat, InputBytes: 40, EstimatedCost: 100, Tier: model.TierCritical})
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{"critical-lockdown"}, d.MatchedRuleIDs)
	assert.Equal(t, []string{"critical-lockdown"}, d.InspectedRuleIDs)
	assert.Contains(t, d.Reason, "critical-lockdown")
	assert.Empty(t, d.Advisories)

	d = e.Evaluate(EvalInput{Kind: model.KindChat, InputBytes: 40, EstimatedCost: 100, Tier: model.TierStandard})
	assert.True(t, d.Allowed)
	assert.True(t, d.HasAdvisory(model.ActionRedirectCloud))
	assert.Equal(t, []string{"chat-redirect"}, d.InspectedRuleIDs)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e, key := newTestEngine(t)
	e.Load([]model.Policy{
		signed(t, key, model.Policy{ID: "p1", Version: 1, Rules: []model.Rule{
			{ID: "p1-log", Priority: 50, Action: model.ActionLogOnly},
			{ID: "p1-approve", Priority: 50, Action: model.ActionRequireApproval},
		}}),
		signed(t, key, model.Policy{ID: "p2", Version: 1, Rules: []model.Rule{
			{ID: "p2-log", Priority: 50, Action: model.ActionLogOnly},
			{ID: "p2-limit", Priority: 90, Condition: model.Condition{TokenLimit: 10_000}, Action: model.ActionLimit},
		}}),
	})

	in := EvalInput{Kind: model.KindClassify, InputBytes: 10, EstimatedCost: 200}
	first := e.Evaluate(in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, e.Evaluate(in))
	}
	// priority first, then policy insertion order, then rule order
	assert.Equal(t, []string{"p2-limit", "p1-log", "p1-approve", "p2-log"}, first.InspectedRuleIDs)
	assert.True(t, first.Allowed)
	assert.True(t, first.HasAdvisory(model.ActionRequireApproval))
}

func TestInvalidSignatureNeverContributes(t *testing.T) {
	e, key := newTestEngine(t)
	forged := signed(t, key, model.Policy{ID: "forged", Version: 1, Rules: []model.Rule{
		{ID: "deny-all", Priority: 1000, Action: model.ActionDeny},
	}})
	forged.Rules[0].Priority = 999 // tampered after signing

	_, otherKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	foreign := signed(t, otherKey, model.Policy{ID: "foreign", Version: 1, Rules: []model.Rule{
		{ID: "foreign-deny", Priority: 1000, Action: model.ActionDeny},
	}})

	report := e.Load([]model.Policy{forged, foreign})
	assert.Empty(t, report.Accepted)
	assert.Contains(t, report.Rejected, "forged")
	assert.Contains(t, report.Rejected, "foreign")

	d := e.Evaluate(EvalInput{Kind: model.KindChat})
	assert.True(t, d.Allowed)
	assert.Empty(t, d.InspectedRuleIDs)
}

func TestOutsideWindowIsDropped(t *testing.T) {
	e, key := newTestEngine(t)
	expired := signed(t, key, model.Policy{
		ID: "old", Version: 1,
		ValidFrom:  testNow.Add(-48 * time.Hour),
		ValidUntil: testNow.Add(-24 * time.Hour),
		Rules:      []model.Rule{{ID: "r", Priority: 1, Action: model.ActionDeny}},
	})
	future := signed(t, key, model.Policy{
		ID: "future", Version: 1,
		ValidFrom:  testNow.Add(time.Hour),
		ValidUntil: testNow.Add(48 * time.Hour),
		Rules:      []model.Rule{{ID: "r2", Priority: 1, Action: model.ActionDeny}},
	})
	report := e.Load([]model.Policy{expired, future})
	assert.Len(t, report.Rejected, 2)
	assert.Empty(t, e.Active())
}

func TestLimitRule(t *testing.T) {
	e, key := newTestEngine(t)
	e.Load([]model.Policy{signed(t, key, model.Policy{ID: "limits", Version: 1, Rules: []model.Rule{
		{ID: "chat-limit", Priority: 10, Condition: model.Condition{Kinds: []model.Kind{model.KindChat}, TokenLimit: 500}, Action: model.ActionLimit},
		{ID: "allow-small", Priority: 5, Condition: model.Condition{MaxInputBytes: 100}, Action: model.ActionAllow},
	}})})

	d := e.Evaluate(EvalInput{Kind: model.KindChat, InputBytes: 50, EstimatedCost: 900})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "exceeds limit")

	d = e.Evaluate(EvalInput{Kind: model.KindChat, InputBytes: 50, EstimatedCost: 100})
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"chat-limit", "allow-small"}, d.MatchedRuleIDs)

	// size bound fails the detailed match; evaluation falls through to default
	d = e.Evaluate(EvalInput{Kind: model.KindChat, InputBytes: 5000, EstimatedCost: 100})
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"chat-limit"}, d.MatchedRuleIDs)
	assert.Equal(t, []string{"chat-limit", "allow-small"}, d.InspectedRuleIDs)
}

func TestMalformedRuleFailsClosed(t *testing.T) {
	e, key := newTestEngine(t)
	e.Load([]model.Policy{signed(t, key, model.Policy{ID: "broken", Version: 1, Rules: []model.Rule{
		{ID: "bad-bounds", Priority: 10, Condition: model.Condition{MinInputBytes: 100, MaxInputBytes: 10}, Action: model.ActionAllow},
	}})})

	d := e.Evaluate(EvalInput{Kind: model.KindChat, InputBytes: 50})
	assert.False(t, d.Allowed)
	assert.Equal(t, "policy evaluation error", d.Reason)
	assert.Equal(t, []string{"bad-bounds"}, d.InspectedRuleIDs)
}

func TestUnknownActionFailsClosed(t *testing.T) {
	e, key := newTestEngine(t)
	e.Load([]model.Policy{signed(t, key, model.Policy{ID: "odd", Version: 1, Rules: []model.Rule{
		{ID: "mystery", Priority: 10, Action: model.Action("quarantine")},
	}})})

	d := e.Evaluate(EvalInput{Kind: model.KindModerate})
	assert.False(t, d.Allowed)
	assert.Equal(t, "policy evaluation error", d.Reason)
}

func TestDefaultAllowWithoutRules(t *testing.T) {
	e, _ := newTestEngine(t)
	d := e.Evaluate(EvalInput{Kind: model.KindRecommend})
	assert.True(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)
}

func TestLoadMergesByVersion(t *testing.T) {
	e, key := newTestEngine(t)
	v1 := signed(t, key, model.Policy{ID: "p", Version: 1, Rules: []model.Rule{{ID: "v1-deny", Priority: 1, Action: model.ActionDeny}}})
	v2 := signed(t, key, model.Policy{ID: "p", Version: 2, Rules: []model.Rule{{ID: "v2-allow", Priority: 1, Action: model.ActionAllow}}})

	e.Load([]model.Policy{v1})
	report := e.Load([]model.Policy{v2})
	assert.Equal(t, []string{"p"}, report.Accepted)

	report = e.Load([]model.Policy{v1})
	assert.Equal(t, []string{"p"}, report.Skipped)

	active := e.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Version)
	assert.True(t, e.Evaluate(EvalInput{Kind: model.KindChat}).Allowed)
}

func TestReplaceAndPrune(t *testing.T) {
	now := testNow
	key := testKey(t)
	e := NewEngine(
		NewEd25519Verifier(key.Public().(ed25519.PublicKey)),
		WithClock(func() time.Time { return now }),
		WithLogger(log.New(io.Discard, "", 0)),
	)
	short := signed(t, key, model.Policy{ID: "short", Version: 1, ValidUntil: testNow.Add(time.Minute)})
	long := signed(t, key, model.Policy{ID: "long", Version: 1})

	e.Load([]model.Policy{short, long})
	e.Replace([]model.Policy{long})
	assert.Len(t, e.Active(), 1)

	e.Load([]model.Policy{short})
	now = testNow.Add(2 * time.Minute)
	assert.Equal(t, 1, e.Prune())
	assert.Len(t, e.Active(), 1)
}

func TestNilVerifierRejectsEverything(t *testing.T) {
	e := NewEngine(nil, WithLogger(log.New(io.Discard, "", 0)))
	report := e.Load([]model.Policy{{ID: "p", Version: 1}})
	assert.Empty(t, report.Accepted)
	assert.Contains(t, report.Rejected, "p")
}
