package coord

import (
	"fmt"
	"strings"
	"sync"
)

// maxRecentAngles bounds the per-chat angle memory.
const maxRecentAngles = 5

// AngleEntry records which agent last took which angle in a chat.
type AngleEntry struct {
	Agent string
	Angle string
}

// Register is the advisory per-chat memory of who spoke last and with what
// angle. It feeds proposal prompts only and never the filter, so peers
// whose registers drift still agree on outcomes.
type Register struct {
	mu     sync.Mutex
	byChat map[string]*registerState
}

type registerState struct {
	lastResponder string
	recentAngles  []AngleEntry // newest first, unique by agent
}

// NewRegister creates an empty register.
func NewRegister() *Register {
	return &Register{byChat: make(map[string]*registerState)}
}

// NoteResponse records that agent replied in chatID with the given angle:
// newest entry first, one entry per agent, capped.
func (r *Register) NoteResponse(chatID, agent, angle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.byChat[chatID]
	if state == nil {
		state = &registerState{}
		r.byChat[chatID] = state
	}

	state.lastResponder = agent

	angles := make([]AngleEntry, 0, maxRecentAngles)
	angles = append(angles, AngleEntry{Agent: agent, Angle: angle})
	for _, entry := range state.recentAngles {
		if entry.Agent == agent {
			continue
		}
		angles = append(angles, entry)
		if len(angles) == maxRecentAngles {
			break
		}
	}
	state.recentAngles = angles
}

// LastResponder returns the most recent responder in a chat, or "".
func (r *Register) LastResponder(chatID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state := r.byChat[chatID]; state != nil {
		return state.lastResponder
	}
	return ""
}

// RecentAngles returns a copy of the angle memory, newest first.
func (r *Register) RecentAngles(chatID string) []AngleEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.byChat[chatID]
	if state == nil {
		return nil
	}
	out := make([]AngleEntry, len(state.recentAngles))
	copy(out, state.recentAngles)
	return out
}

// PromptContext renders the register for inclusion in a proposal prompt.
// Empty when the chat has no recorded history.
func (r *Register) PromptContext(chatID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.byChat[chatID]
	if state == nil || state.lastResponder == "" {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "last responder: %s", state.lastResponder)
	if len(state.recentAngles) > 0 {
		b.WriteString("; recent angles:")
		for _, entry := range state.recentAngles {
			fmt.Fprintf(&b, " %s=%q", entry.Agent, entry.Angle)
		}
	}
	return b.String()
}

// Clear drops all per-chat state.
func (r *Register) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChat = make(map[string]*registerState)
}
