package coord

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterTracksLastResponderPerChat(t *testing.T) {
	reg := NewRegister()

	reg.NoteResponse("general", "alice", "debugging")
	reg.NoteResponse("general", "bob", "deployment")
	reg.NoteResponse("random", "alice", "smalltalk")

	assert.Equal(t, "bob", reg.LastResponder("general"))
	assert.Equal(t, "alice", reg.LastResponder("random"))
	assert.Empty(t, reg.LastResponder("unknown"))
}

func TestRegisterKeepsOneAngleEntryPerAgent(t *testing.T) {
	reg := NewRegister()

	reg.NoteResponse("general", "alice", "first angle")
	reg.NoteResponse("general", "bob", "bob angle")
	reg.NoteResponse("general", "alice", "second angle")

	angles := reg.RecentAngles("general")
	assert.Equal(t, []AngleEntry{
		{Agent: "alice", Angle: "second angle"},
		{Agent: "bob", Angle: "bob angle"},
	}, angles)
}

func TestRegisterCapsAngleMemory(t *testing.T) {
	reg := NewRegister()
	for i := 0; i < maxRecentAngles+3; i++ {
		reg.NoteResponse("general", fmt.Sprintf("agent%d", i), "angle")
	}
	assert.Len(t, reg.RecentAngles("general"), maxRecentAngles)
}

func TestRegisterPromptContext(t *testing.T) {
	reg := NewRegister()
	assert.Empty(t, reg.PromptContext("general"))

	reg.NoteResponse("general", "alice", "performance")
	ctx := reg.PromptContext("general")
	assert.Contains(t, ctx, "last responder: alice")
	assert.Contains(t, ctx, `alice="performance"`)
}

func TestRegisterClear(t *testing.T) {
	reg := NewRegister()
	reg.NoteResponse("general", "alice", "anything")

	reg.Clear()
	assert.Empty(t, reg.LastResponder("general"))
	assert.Nil(t, reg.RecentAngles("general"))
}
