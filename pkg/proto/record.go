// Package proto defines the coordination record wire format exchanged over
// the shared coordination stream, and the parser that normalizes inbound
// records before the engine consumes them.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Kind string

const (
	KindRoundStart   Kind = "round_start"   // Opens a round; round_id equals the trigger message id
	KindMicroPropose Kind = "micro_propose" // A peer's self-assessment for the round
	KindResolved     Kind = "resolved"      // Terminal record; informational to peers
	KindSignal       Kind = "signal"        // Post-facto assessment; never consumed by the state machine
	KindQuestion     Kind = "question"      // Peer-chat layer
	KindInform       Kind = "inform"        // Peer-chat layer
	KindFlag         Kind = "flag"          // Peer-chat layer
	KindDelegate     Kind = "delegate"      // Peer-chat layer
	KindStatus       Kind = "status"        // Peer-chat layer

	// kindIntent is the legacy envelope; intent.type="round_start" is
	// normalized to KindRoundStart, everything else is skipped.
	kindIntent Kind = "intent"
)

// Protocol version strings accepted on inbound records. Outbound records
// always carry ProtocolCurrent.
const (
	ProtocolCurrent = "tandem/1"
	ProtocolPrior   = "coord/1"
	ProtocolLegacy  = "coord-beta"
)

var acceptedProtocols = map[string]bool{
	ProtocolCurrent: true,
	ProtocolPrior:   true,
	ProtocolLegacy:  true,
}

// Dispatch modes produced by the proposal filter.
const (
	ModeSolo      = "solo"
	ModeParallel  = "parallel"
	ModeSynthesis = "synthesis"
)

var (
	// ErrMalformed is returned for unparseable JSON.
	ErrMalformed = fmt.Errorf("malformed coordination record")
	// ErrUnsupportedProtocol is returned for protocol strings outside the acceptance set.
	ErrUnsupportedProtocol = fmt.Errorf("unsupported protocol version")
	// ErrUnknownKind is returned for kinds no version of the protocol defines.
	ErrUnknownKind = fmt.Errorf("unknown record kind")
	// ErrLegacyKind is returned for known-legacy records that are skipped.
	ErrLegacyKind = fmt.Errorf("legacy record kind")
	// ErrMissingField is returned when a kind's required field is absent.
	ErrMissingField = fmt.Errorf("missing required field")
)

// Proposal is a micro-proposal: a compact self-assessment
// {angle, confidence, covers, solo_sufficient, builds_on_other}.
type Proposal struct {
	Angle          string   `json:"angle"`
	Confidence     float64  `json:"confidence"`
	Covers         []string `json:"covers"`
	SoloSufficient bool     `json:"solo_sufficient"`
	BuildsOnOther  bool     `json:"builds_on_other,omitempty"`
}

// Clamped returns a copy with confidence forced into [0,1].
func (p Proposal) Clamped() Proposal {
	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}
	return p
}

// Intent is the legacy envelope that predates first-class kinds.
type Intent struct {
	Type             string `json:"type"`
	TriggerMessageID string `json:"trigger_message_id,omitempty"`
	TriggerContent   string `json:"trigger_content,omitempty"`
}

// Record is the coordination record envelope. One struct covers every kind;
// per-kind required fields are enforced by Validate.
type Record struct {
	Protocol     string `json:"protocol"`
	Kind         Kind   `json:"kind"`
	RoundID      string `json:"round_id,omitempty"`
	SourceChatID string `json:"source_chat_id,omitempty"`

	// round_start
	TriggerMessageID string `json:"trigger_message_id,omitempty"`
	TriggerContent   string `json:"trigger_content,omitempty"`

	// micro_propose
	Proposal *Proposal `json:"proposal,omitempty"`

	// resolved
	Mode          string    `json:"mode,omitempty"`
	Winner        string    `json:"winner,omitempty"`
	RunnerUp      string    `json:"runner_up,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	MyProposal    *Proposal `json:"my_proposal,omitempty"`
	OtherProposal *Proposal `json:"other_proposal,omitempty"`

	// signal
	SoloInsufficient bool    `json:"solo_insufficient,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Basis            string  `json:"basis,omitempty"`
	ChainDepth       int     `json:"chain_depth,omitempty"`

	// peer chat
	To           string `json:"to,omitempty"`
	Content      string `json:"content,omitempty"`
	ExpectsReply bool   `json:"expects_reply,omitempty"`
	Depth        int    `json:"depth,omitempty"`

	// legacy intent envelope, kept only until normalization
	Intent *Intent `json:"intent,omitempty"`
}

// NewRoundStart builds the record that opens a round.
func NewRoundStart(roundID, triggerMessageID, triggerContent, sourceChatID string) *Record {
	return &Record{
		Protocol:         ProtocolCurrent,
		Kind:             KindRoundStart,
		RoundID:          roundID,
		SourceChatID:     sourceChatID,
		TriggerMessageID: triggerMessageID,
		TriggerContent:   triggerContent,
	}
}

// NewMicroPropose builds the record carrying this agent's proposal.
func NewMicroPropose(roundID string, proposal Proposal) *Record {
	p := proposal.Clamped()
	return &Record{
		Protocol: ProtocolCurrent,
		Kind:     KindMicroPropose,
		RoundID:  roundID,
		Proposal: &p,
	}
}

// NewResolved builds the terminal record for a round.
func NewResolved(roundID, mode, winner, runnerUp, reason string, mine, other Proposal) *Record {
	m := mine.Clamped()
	o := other.Clamped()
	return &Record{
		Protocol:      ProtocolCurrent,
		Kind:          KindResolved,
		RoundID:       roundID,
		Mode:          mode,
		Winner:        winner,
		RunnerUp:      runnerUp,
		Reason:        reason,
		MyProposal:    &m,
		OtherProposal: &o,
	}
}

// NewSignal builds an informational post-facto assessment.
func NewSignal(soloInsufficient bool, confidence float64, reason, basis string, chainDepth int, sourceChatID string) *Record {
	return &Record{
		Protocol:         ProtocolCurrent,
		Kind:             KindSignal,
		SourceChatID:     sourceChatID,
		SoloInsufficient: soloInsufficient,
		Confidence:       confidence,
		Reason:           reason,
		Basis:            basis,
		ChainDepth:       chainDepth,
	}
}

// NewPeerChat builds a peer-chat record. to may be empty for broadcast.
func NewPeerChat(kind Kind, to, content string, expectsReply bool, depth int) (*Record, error) {
	if !IsPeerChat(kind) {
		return nil, fmt.Errorf("%w: %q is not a peer-chat kind", ErrUnknownKind, kind)
	}
	return &Record{
		Protocol:     ProtocolCurrent,
		Kind:         kind,
		To:           to,
		Content:      content,
		ExpectsReply: expectsReply,
		Depth:        depth,
	}, nil
}

// IsPeerChat reports whether kind belongs to the peer-chat layer.
func IsPeerChat(kind Kind) bool {
	switch kind {
	case KindQuestion, KindInform, KindFlag, KindDelegate, KindStatus:
		return true
	default:
		return false
	}
}

// RoundScoped reports whether kind requires a round_id.
func RoundScoped(kind Kind) bool {
	switch kind {
	case KindRoundStart, KindMicroPropose, KindResolved:
		return true
	default:
		return false
	}
}

// AcceptedProtocol reports whether a protocol string is in the acceptance set.
func AcceptedProtocol(p string) bool {
	return acceptedProtocols[p]
}

// Encode serializes the record for posting onto the coordination chat.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", r.Kind, err)
	}
	return data, nil
}

// Parse decodes, normalizes, and validates an inbound coordination record.
// Errors classify the drop: ErrMalformed, ErrUnsupportedProtocol,
// ErrLegacyKind (known but skipped), ErrUnknownKind, ErrMissingField.
func Parse(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !AcceptedProtocol(r.Protocol) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, r.Protocol)
	}

	if err := r.normalize(); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// normalize rewrites legacy shapes into current kinds.
func (r *Record) normalize() error {
	if r.Kind != kindIntent {
		return nil
	}
	if r.Intent == nil || r.Intent.Type != string(KindRoundStart) {
		kind := "intent"
		if r.Intent != nil {
			kind = "intent." + r.Intent.Type
		}
		return fmt.Errorf("%w: %s", ErrLegacyKind, kind)
	}
	r.Kind = KindRoundStart
	if r.TriggerMessageID == "" {
		r.TriggerMessageID = r.Intent.TriggerMessageID
	}
	if r.TriggerContent == "" {
		r.TriggerContent = r.Intent.TriggerContent
	}
	r.Intent = nil
	return nil
}

// Validate enforces per-kind required fields.
func (r *Record) Validate() error {
	if RoundScoped(r.Kind) && strings.TrimSpace(r.RoundID) == "" {
		return fmt.Errorf("%w: round_id on %s", ErrMissingField, r.Kind)
	}

	switch r.Kind {
	case KindRoundStart:
		if strings.TrimSpace(r.TriggerMessageID) == "" {
			return fmt.Errorf("%w: trigger_message_id on round_start", ErrMissingField)
		}
		if r.TriggerContent == "" {
			return fmt.Errorf("%w: trigger_content on round_start", ErrMissingField)
		}
	case KindMicroPropose:
		if r.Proposal == nil {
			return fmt.Errorf("%w: proposal on micro_propose", ErrMissingField)
		}
		clamped := r.Proposal.Clamped()
		r.Proposal = &clamped
	case KindResolved:
		if r.Mode == "" || r.Winner == "" || r.Reason == "" {
			return fmt.Errorf("%w: mode/winner/reason on resolved", ErrMissingField)
		}
	case KindSignal:
		// All fields informational.
	case KindQuestion, KindInform, KindFlag, KindDelegate, KindStatus:
		if strings.TrimSpace(r.Content) == "" {
			return fmt.Errorf("%w: content on %s", ErrMissingField, r.Kind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	return nil
}
