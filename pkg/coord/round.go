package coord

import (
	"sync"
	"time"

	"tandem/pkg/proto"
)

// RoundState is the per-round record. The engine's mutex serializes all
// access; the timer handles live here so resolution and deletion can
// cancel them.
type RoundState struct {
	RoundID          string
	TriggerContent   string
	TriggerMessageID string
	SourceChatID     string

	MyProposal    *proto.Proposal
	OtherProposal *proto.Proposal
	OtherName     string

	// Context loaded once per round, best-effort.
	CoordHistory      string
	RecentPeerReplies string

	StartedAt time.Time
	Resolved  bool // monotonic false -> true, terminal

	deadline *time.Timer
	cleanup  *time.Timer
}

// SetDeadline installs the round-deadline timer.
func (r *RoundState) SetDeadline(d time.Duration, fire func()) {
	r.deadline = time.AfterFunc(d, fire)
}

// SetCleanup installs the cleanup timer. Scheduled only once proposal
// generation has completed or failed.
func (r *RoundState) SetCleanup(d time.Duration, fire func()) {
	r.cleanup = time.AfterFunc(d, fire)
}

// StopTimers cancels both timers. Mandatory on transition to resolved and
// on deletion.
func (r *RoundState) StopTimers() {
	if r.deadline != nil {
		r.deadline.Stop()
	}
	if r.cleanup != nil {
		r.cleanup.Stop()
	}
}

// StopDeadline cancels only the round deadline, leaving cleanup to reap
// the entry.
func (r *RoundState) StopDeadline() {
	if r.deadline != nil {
		r.deadline.Stop()
	}
}

// RoundStore holds at most one RoundState per round id.
type RoundStore struct {
	mu     sync.Mutex
	rounds map[string]*RoundState
}

// NewRoundStore creates an empty store.
func NewRoundStore() *RoundStore {
	return &RoundStore{rounds: make(map[string]*RoundState)}
}

// Get returns the state for a round id, or nil.
func (s *RoundStore) Get(roundID string) *RoundState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds[roundID]
}

// Insert stores a new round. Returns false without storing when the round
// already exists (I1: at most one state per round id).
func (s *RoundStore) Insert(roundID string, state *RoundState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rounds[roundID]; exists {
		return false
	}
	s.rounds[roundID] = state
	return true
}

// Delete removes a round and stops its timers.
func (s *RoundStore) Delete(roundID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.rounds[roundID]; ok {
		state.StopTimers()
		delete(s.rounds, roundID)
	}
}

// AnyUnresolved reports whether any round is still in flight. Peer-chat
// records are shed while this holds.
func (s *RoundStore) AnyUnresolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.rounds {
		if !state.Resolved {
			return true
		}
	}
	return false
}

// Len returns the number of live rounds.
func (s *RoundStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rounds)
}

// Clear stops every timer and drops all rounds. Called on shutdown.
func (s *RoundStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.rounds {
		state.StopTimers()
		delete(s.rounds, id)
	}
}
