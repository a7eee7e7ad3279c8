package proto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundStart(t *testing.T) {
	data := []byte(`{
		"protocol": "tandem/1",
		"kind": "round_start",
		"round_id": "msg-42",
		"source_chat_id": "chat-1",
		"trigger_message_id": "msg-42",
		"trigger_content": "how do we scale this?"
	}`)

	rec, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, KindRoundStart, rec.Kind)
	assert.Equal(t, "msg-42", rec.RoundID)
	assert.Equal(t, "msg-42", rec.TriggerMessageID)
	assert.Equal(t, "how do we scale this?", rec.TriggerContent)
	assert.Equal(t, "chat-1", rec.SourceChatID)
}

func TestParseLegacyIntentRoundStart(t *testing.T) {
	data := []byte(`{
		"protocol": "coord-beta",
		"kind": "intent",
		"round_id": "msg-7",
		"intent": {
			"type": "round_start",
			"trigger_message_id": "msg-7",
			"trigger_content": "older envelope"
		}
	}`)

	rec, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, KindRoundStart, rec.Kind)
	assert.Equal(t, "msg-7", rec.TriggerMessageID)
	assert.Equal(t, "older envelope", rec.TriggerContent)
	assert.Nil(t, rec.Intent)
}

func TestParseLegacyIntentOtherTypeSkipped(t *testing.T) {
	data := []byte(`{
		"protocol": "coord-beta",
		"kind": "intent",
		"intent": {"type": "claim"}
	}`)

	_, err := Parse(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLegacyKind), "expected ErrLegacyKind, got %v", err)
}

func TestParseMicroPropose(t *testing.T) {
	data := []byte(`{
		"protocol": "coord/1",
		"kind": "micro_propose",
		"round_id": "msg-42",
		"proposal": {
			"angle": "perf",
			"confidence": 0.85,
			"covers": ["latency", "throughput"],
			"solo_sufficient": true
		}
	}`)

	rec, err := Parse(data)
	require.NoError(t, err)
	require.NotNil(t, rec.Proposal)
	assert.Equal(t, "perf", rec.Proposal.Angle)
	assert.InDelta(t, 0.85, rec.Proposal.Confidence, 1e-9)
	assert.Equal(t, []string{"latency", "throughput"}, rec.Proposal.Covers)
	assert.True(t, rec.Proposal.SoloSufficient)
	assert.False(t, rec.Proposal.BuildsOnOther)
}

func TestParseClampsConfidence(t *testing.T) {
	data := []byte(`{
		"protocol": "tandem/1",
		"kind": "micro_propose",
		"round_id": "r",
		"proposal": {"angle": "x", "confidence": 3.2, "covers": [], "solo_sufficient": false}
	}`)

	rec, err := Parse(data)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rec.Proposal.Confidence, 1e-9)
}

func TestParseResolved(t *testing.T) {
	rec := NewResolved("msg-42", ModeSolo, "claude", "gemini", "confidence gap 0.45 > 0.30",
		Proposal{Angle: "perf", Confidence: 0.85},
		Proposal{Angle: "perf", Confidence: 0.40})
	data, err := rec.Encode()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, KindResolved, parsed.Kind)
	assert.Equal(t, ModeSolo, parsed.Mode)
	assert.Equal(t, "claude", parsed.Winner)
	assert.Equal(t, "gemini", parsed.RunnerUp)
	require.NotNil(t, parsed.MyProposal)
	require.NotNil(t, parsed.OtherProposal)
}

func TestParsePeerChatKinds(t *testing.T) {
	for _, kind := range []Kind{KindQuestion, KindInform, KindFlag, KindDelegate, KindStatus} {
		t.Run(string(kind), func(t *testing.T) {
			rec, err := NewPeerChat(kind, "gemini", "are you holding msg-9?", true, 2)
			require.NoError(t, err)
			data, err := rec.Encode()
			require.NoError(t, err)

			parsed, err := Parse(data)
			require.NoError(t, err)
			assert.Equal(t, kind, parsed.Kind)
			assert.Equal(t, "gemini", parsed.To)
			assert.Equal(t, 2, parsed.Depth)
			assert.True(t, parsed.ExpectsReply)
			assert.True(t, IsPeerChat(parsed.Kind))
		})
	}
}

func TestNewPeerChatRejectsCoreKinds(t *testing.T) {
	_, err := NewPeerChat(KindResolved, "", "x", false, 0)
	require.Error(t, err)
}

func TestParseUnknownKindDropped(t *testing.T) {
	data := []byte(`{"protocol": "tandem/1", "kind": "barter", "round_id": "r"}`)

	_, err := Parse(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind), "expected ErrUnknownKind, got %v", err)
}

func TestParseUnsupportedProtocol(t *testing.T) {
	data := []byte(`{"protocol": "coord/9", "kind": "round_start", "round_id": "r",
		"trigger_message_id": "r", "trigger_content": "x"}`)

	_, err := Parse(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedProtocol), "expected ErrUnsupportedProtocol, got %v", err)
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"protocol": "tandem/1"`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed), "expected ErrMalformed, got %v", err)
}

func TestParseMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"round_start without trigger": `{"protocol":"tandem/1","kind":"round_start","round_id":"r","trigger_content":"x"}`,
		"round-scoped without round":  `{"protocol":"tandem/1","kind":"micro_propose","proposal":{"angle":"a","confidence":0.5}}`,
		"micro_propose no proposal":   `{"protocol":"tandem/1","kind":"micro_propose","round_id":"r"}`,
		"resolved without winner":     `{"protocol":"tandem/1","kind":"resolved","round_id":"r","mode":"solo","reason":"x"}`,
		"peer chat without content":   `{"protocol":"tandem/1","kind":"question","to":"gemini"}`,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingField), "expected ErrMissingField, got %v", err)
		})
	}
}

func TestRoundScoped(t *testing.T) {
	assert.True(t, RoundScoped(KindRoundStart))
	assert.True(t, RoundScoped(KindMicroPropose))
	assert.True(t, RoundScoped(KindResolved))
	assert.False(t, RoundScoped(KindSignal))
	assert.False(t, RoundScoped(KindQuestion))
}

func TestAcceptedProtocols(t *testing.T) {
	assert.True(t, AcceptedProtocol(ProtocolCurrent))
	assert.True(t, AcceptedProtocol(ProtocolPrior))
	assert.True(t, AcceptedProtocol(ProtocolLegacy))
	assert.False(t, AcceptedProtocol("coord/2"))
	assert.False(t, AcceptedProtocol(""))
}

func TestEncodeRoundTripSignal(t *testing.T) {
	rec := NewSignal(true, 0.45, "needed peer for depth", "trigger spans two domains", 3, "chat-1")
	data, err := rec.Encode()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, KindSignal, parsed.Kind)
	assert.True(t, parsed.SoloInsufficient)
	assert.InDelta(t, 0.45, parsed.Confidence, 1e-9)
	assert.Equal(t, 3, parsed.ChainDepth)
	assert.Equal(t, "chat-1", parsed.SourceChatID)
}
