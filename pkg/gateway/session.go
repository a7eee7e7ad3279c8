package gateway

import (
	"sync"

	"tandem/pkg/utils"
)

// session is a rolling exchange history bounded by a token budget. Old
// turns fall off the front in user/assistant pairs so the history never
// starts mid-exchange.
type session struct {
	mu      sync.Mutex
	turns   []Message
	budget  int
	counter *utils.TokenCounter
}

func newSession(budget int, counter *utils.TokenCounter) *session {
	return &session{budget: budget, counter: counter}
}

// History returns a copy of the current turns.
func (s *session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.turns))
	copy(out, s.turns)
	return out
}

// Append records a completed exchange and trims to budget.
func (s *session) Append(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, msgs...)
	s.trim()
}

// trim drops the oldest pair until the history fits the budget. Must be
// called with mu held.
func (s *session) trim() {
	if s.budget <= 0 {
		return
	}
	for len(s.turns) > 2 && s.tokens() > s.budget {
		drop := 2
		if drop > len(s.turns) {
			drop = len(s.turns)
		}
		s.turns = s.turns[drop:]
	}
}

func (s *session) tokens() int {
	total := 0
	for _, m := range s.turns {
		total += s.counter.CountTokens(m.Content)
	}
	return total
}
