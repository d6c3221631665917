// Package federated decides when the device joins a federated learning
// round and produces its differentially private update.
package federated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/storage"
)

var ErrDeltaLength = errors.New("delta length does not match model")

const stateKey = "federated"

// participationRetention bounds how long round ids are remembered.
const participationRetention = 90 * 24 * time.Hour

type Coordinator interface {
	FetchRounds(ctx context.Context) ([]model.FederatedRound, error)
	SubmitUpdate(ctx context.Context, update model.ModelUpdate) error
}

type Signer interface {
	ID() string
	Sign(msg []byte) string
}

// StateStore persists the manager's budgets and participation history.
// storage.WriteBehind satisfies it.
type StateStore interface {
	PutState(key string, value []byte)
	GetState(ctx context.Context, key string) ([]byte, error)
}

type Options struct {
	EpsilonPerRound      float64
	MonthlyEpsilonBudget float64
	MaxRoundsPerDay      int
	Sensitivity          float64
	MinSamples           int
	DeltaLength          int
	Clock                func() time.Time
	Rand                 *rand.Rand
	Logger               *log.Logger
}

type Status string

const (
	StatusParticipated Status = "participated"
	StatusSkipped      Status = "skipped"
)

type Outcome struct {
	Status      Status `json:"status"`
	RoundID     string `json:"roundId,omitempty"`
	SampleCount int    `json:"sampleCount,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type state struct {
	Participated map[string]time.Time `json:"participated"`
	Day          string               `json:"day"`
	RoundsToday  int                  `json:"roundsToday"`
	Month        string               `json:"month"`
	EpsilonSpent float64              `json:"epsilonSpent"`
}

// Budget is a point-in-time view of the participation budgets.
type Budget struct {
	RoundsToday      int     `json:"roundsToday"`
	MaxRoundsPerDay  int     `json:"maxRoundsPerDay"`
	EpsilonSpent     float64 `json:"epsilonSpent"`
	EpsilonBudget    float64 `json:"epsilonBudget"`
	RoundsRemembered int     `json:"roundsRemembered"`
}

type Manager struct {
	opts        Options
	coordinator Coordinator
	trainer     Trainer
	signer      Signer
	store       StateStore

	cycle sync.Mutex
	mu    sync.Mutex
	state state
}

func NewManager(opts Options, coordinator Coordinator, trainer Trainer, signer Signer, store StateStore) *Manager {
	if opts.EpsilonPerRound <= 0 {
		opts.EpsilonPerRound = 1.0
	}
	if opts.MonthlyEpsilonBudget <= 0 {
		opts.MonthlyEpsilonBudget = 10.0
	}
	if opts.MaxRoundsPerDay <= 0 {
		opts.MaxRoundsPerDay = 3
	}
	if opts.Sensitivity <= 0 {
		opts.Sensitivity = 1.0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[federated] ", log.LstdFlags)
	}
	return &Manager{
		opts:        opts,
		coordinator: coordinator,
		trainer:     trainer,
		signer:      signer,
		store:       store,
		state:       state{Participated: map[string]time.Time{}},
	}
}

// Load restores persisted budgets and participation history. A missing
// record leaves the fresh state in place.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	data, err := m.store.GetState(ctx, stateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load federated state: %w", err)
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode federated state: %w", err)
	}
	if s.Participated == nil {
		s.Participated = map[string]time.Time{}
	}
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	return nil
}

func (m *Manager) Budget() Budget {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollBudgets(m.opts.Clock().UTC())
	return Budget{
		RoundsToday:      m.state.RoundsToday,
		MaxRoundsPerDay:  m.opts.MaxRoundsPerDay,
		EpsilonSpent:     m.state.EpsilonSpent,
		EpsilonBudget:    m.opts.MonthlyEpsilonBudget,
		RoundsRemembered: len(m.state.Participated),
	}
}

// ParticipateInRound runs one participation cycle. Budget exhaustion and
// the absence of a usable round or enough samples are reported as skipped
// outcomes, not errors. Cycles are serialized; the state lock is not held
// across network calls or training.
func (m *Manager) ParticipateInRound(ctx context.Context) (Outcome, error) {
	m.cycle.Lock()
	defer m.cycle.Unlock()

	now := m.opts.Clock().UTC()
	if reason, ok := m.admit(now); !ok {
		return skipped(reason), nil
	}

	rounds, err := m.coordinator.FetchRounds(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch rounds: %w", err)
	}
	m.mu.Lock()
	round, ok := m.selectRound(rounds, now)
	m.mu.Unlock()
	if !ok {
		return skipped("no eligible round"), nil
	}

	var eligible []Sample
	sampleCount := 0
	for _, s := range m.trainer.Samples(round.ModelID) {
		if s.Count > m.opts.MinSamples {
			eligible = append(eligible, s)
			sampleCount += s.Count
		}
	}
	if len(eligible) == 0 {
		return skipped("insufficient samples"), nil
	}

	delta, err := m.trainer.Train(ctx, round, eligible)
	if err != nil {
		return Outcome{}, fmt.Errorf("train round %s: %w", round.ID, err)
	}
	if m.opts.DeltaLength > 0 && len(delta) != m.opts.DeltaLength {
		return Outcome{}, fmt.Errorf("%w: got %d, want %d", ErrDeltaLength, len(delta), m.opts.DeltaLength)
	}

	update := model.ModelUpdate{
		RoundID:     round.ID,
		DeviceID:    m.signer.ID(),
		NoisedDelta: AddLaplaceNoise(delta, m.opts.Sensitivity, m.opts.EpsilonPerRound, m.opts.Rand),
		SampleCount: sampleCount,
		Timestamp:   now,
	}
	update.Signature = m.signer.Sign(UpdatePayload(update))

	if err := m.coordinator.SubmitUpdate(ctx, update); err != nil {
		return Outcome{}, fmt.Errorf("submit update for round %s: %w", round.ID, err)
	}

	m.mu.Lock()
	m.rollBudgets(now)
	m.state.Participated[round.ID] = now
	m.state.RoundsToday++
	m.state.EpsilonSpent += m.opts.EpsilonPerRound
	spent := m.state.EpsilonSpent
	m.persist(now)
	m.mu.Unlock()

	m.opts.Logger.Printf("participated in round %s with %d samples (epsilon spent %.2f/%.2f)",
		round.ID, sampleCount, spent, m.opts.MonthlyEpsilonBudget)
	return Outcome{Status: StatusParticipated, RoundID: round.ID, SampleCount: sampleCount}, nil
}

// admit checks both budgets for a cycle starting at now.
func (m *Manager) admit(now time.Time) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollBudgets(now)
	if m.state.RoundsToday >= m.opts.MaxRoundsPerDay {
		return "daily round cap reached", false
	}
	if m.state.EpsilonSpent+m.opts.EpsilonPerRound > m.opts.MonthlyEpsilonBudget {
		return "monthly privacy budget exhausted", false
	}
	return "", true
}

// selectRound prefers rounds still below their minimum participant count,
// then the round closing soonest.
func (m *Manager) selectRound(rounds []model.FederatedRound, now time.Time) (model.FederatedRound, bool) {
	var candidates []model.FederatedRound
	for _, r := range rounds {
		if _, done := m.state.Participated[r.ID]; done {
			continue
		}
		if !r.Open(now) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return model.FederatedRound{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.NeedsParticipants() != b.NeedsParticipants() {
			return a.NeedsParticipants()
		}
		if !a.EndsAt.Equal(b.EndsAt) {
			return a.EndsAt.Before(b.EndsAt)
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

func (m *Manager) rollBudgets(now time.Time) {
	day := now.Format("2006-01-02")
	if m.state.Day != day {
		m.state.Day = day
		m.state.RoundsToday = 0
	}
	month := now.Format("2006-01")
	if m.state.Month != month {
		m.state.Month = month
		m.state.EpsilonSpent = 0
	}
}

func (m *Manager) persist(now time.Time) {
	for id, at := range m.state.Participated {
		if now.Sub(at) > participationRetention {
			delete(m.state.Participated, id)
		}
	}
	if m.store == nil {
		return
	}
	data, err := json.Marshal(m.state)
	if err != nil {
		m.opts.Logger.Printf("Warning: encode federated state: %v", err)
		return
	}
	m.store.PutState(stateKey, data)
}

// Run participates on every tick until ctx is done. Failures are logged
// and retried on the next tick.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := m.ParticipateInRound(ctx)
			if err != nil {
				m.opts.Logger.Printf("Warning: federated cycle failed: %v", err)
				continue
			}
			if out.Status == StatusSkipped {
				m.opts.Logger.Printf("federated cycle skipped: %s", out.Reason)
			}
		}
	}
}

// UpdatePayload is the byte string an update signature covers: round,
// device, timestamp and the noised delta.
func UpdatePayload(u model.ModelUpdate) []byte {
	buf := make([]byte, 0, 64+len(u.NoisedDelta)*20)
	buf = append(buf, u.RoundID...)
	buf = append(buf, '|')
	buf = append(buf, u.DeviceID...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, u.Timestamp.UnixMilli(), 10)
	for _, v := range u.NoisedDelta {
		buf = append(buf, '|')
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	}
	return buf
}

func skipped(reason string) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason}
}
