// Package ledger tracks one session's token budget. Every reservation is
// decided inside a single critical section that performs no I/O, so two
// concurrent reservations can never both observe stale headroom.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrInvalidAmount  = errors.New("invalid reservation amount")
)

type State string

const (
	StateHeld      State = "held"
	StateCommitted State = "committed"
	StateReleased  State = "released"
)

// Reservation is a handle to a pending claim against the ledger. Only the
// ledger mutates it.
type Reservation struct {
	ID      string
	TaskID  string
	session uint64
	amount  int64
	state   State
}

type Snapshot struct {
	Cap         int64  `json:"cap"`
	Outstanding int64  `json:"outstanding"`
	Held        int64  `json:"held"`
	Committed   int64  `json:"committed"`
	Reserved    int    `json:"reserved"`
	Denied      int    `json:"denied"`
	Overruns    int    `json:"overruns"`
	Session     uint64 `json:"session"`
}

type Ledger struct {
	mu          sync.Mutex
	cap         int64
	outstanding int64
	held        int64
	committed   int64
	session     uint64
	live        map[string]*Reservation
	reserved    int
	denied      int
	overruns    int
}

func New(cap int64) *Ledger {
	return &Ledger{
		cap:     cap,
		session: 1,
		live:    make(map[string]*Reservation),
	}
}

// Reserve claims amount units for taskID if outstanding+amount <= cap.
func (l *Ledger) Reserve(taskID string, amount int64) (*Reservation, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outstanding+amount > l.cap {
		l.denied++
		return nil, fmt.Errorf("%w: requested %d, outstanding %d, cap %d", ErrBudgetExceeded, amount, l.outstanding, l.cap)
	}
	r := &Reservation{
		ID:      uuid.New().String(),
		TaskID:  taskID,
		session: l.session,
		amount:  amount,
		state:   StateHeld,
	}
	l.outstanding += amount
	l.held += amount
	l.live[r.ID] = r
	l.reserved++
	return r, nil
}

// Commit replaces the held amount with actual and marks the reservation
// committed. A lower actual refunds the difference; a higher one is granted
// only up to the remaining headroom. Returns false if r was already terminal
// or belongs to an earlier session.
func (l *Ledger) Commit(r *Reservation, actual int64) bool {
	if r == nil {
		return false
	}
	if actual < 0 {
		actual = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.activeLocked(r) {
		return false
	}
	if actual > r.amount {
		headroom := l.cap - l.outstanding
		extra := actual - r.amount
		if extra > headroom {
			extra = headroom
		}
		l.overruns++
		actual = r.amount + extra
	}
	l.held -= r.amount
	l.outstanding += actual - r.amount
	l.committed += actual
	r.amount = actual
	r.state = StateCommitted
	delete(l.live, r.ID)
	return true
}

// Release frees a held reservation in full. Returns false if r was already
// terminal, making a second release a no-op.
func (l *Ledger) Release(r *Reservation) bool {
	if r == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.activeLocked(r) {
		return false
	}
	l.held -= r.amount
	l.outstanding -= r.amount
	r.amount = 0
	r.state = StateReleased
	delete(l.live, r.ID)
	return true
}

func (l *Ledger) activeLocked(r *Reservation) bool {
	return r.session == l.session && r.state == StateHeld
}

// State returns the reservation's current state.
func (l *Ledger) State(r *Reservation) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return r.state
}

// Amount returns the reservation's current claim.
func (l *Ledger) Amount(r *Reservation) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return r.amount
}

// Reset starts a new session. Reservations from the previous session become
// stale; committing or releasing them afterwards changes nothing.
func (l *Ledger) Reset(cap int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.live {
		r.state = StateReleased
	}
	l.cap = cap
	l.outstanding = 0
	l.held = 0
	l.committed = 0
	l.reserved = 0
	l.denied = 0
	l.overruns = 0
	l.live = make(map[string]*Reservation)
	l.session++
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Cap:         l.cap,
		Outstanding: l.outstanding,
		Held:        l.held,
		Committed:   l.committed,
		Reserved:    l.reserved,
		Denied:      l.denied,
		Overruns:    l.overruns,
		Session:     l.session,
	}
}

// CheckInvariants detects leaks and accounting corruption.
func (l *Ledger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outstanding > l.cap {
		return fmt.Errorf("outstanding %d exceeds cap %d", l.outstanding, l.cap)
	}
	if l.held+l.committed != l.outstanding {
		return fmt.Errorf("held %d + committed %d != outstanding %d", l.held, l.committed, l.outstanding)
	}
	var sum int64
	for _, r := range l.live {
		sum += r.amount
	}
	if sum != l.held {
		return fmt.Errorf("live reservations sum %d != held %d", sum, l.held)
	}
	return nil
}

// Pending returns the ids of tasks holding non-terminal reservations.
func (l *Ledger) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.live))
	for _, r := range l.live {
		out = append(out, r.TaskID)
	}
	return out
}
