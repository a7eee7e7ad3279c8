package coord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/proto"
)

func TestRoundStoreInsertRejectsDuplicates(t *testing.T) {
	store := NewRoundStore()

	first := &RoundState{RoundID: "r1"}
	require.True(t, store.Insert("r1", first))
	assert.False(t, store.Insert("r1", &RoundState{RoundID: "r1"}))

	// The original entry survives the rejected insert.
	assert.Same(t, first, store.Get("r1"))
	assert.Equal(t, 1, store.Len())
}

func TestRoundStoreDeleteStopsTimers(t *testing.T) {
	store := NewRoundStore()
	state := &RoundState{RoundID: "r1"}
	require.True(t, store.Insert("r1", state))

	fired := make(chan struct{}, 2)
	state.SetDeadline(20*time.Millisecond, func() { fired <- struct{}{} })
	state.SetCleanup(20*time.Millisecond, func() { fired <- struct{}{} })

	store.Delete("r1")
	assert.Nil(t, store.Get("r1"))

	select {
	case <-fired:
		t.Fatal("timer fired after delete")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRoundStoreAnyUnresolved(t *testing.T) {
	store := NewRoundStore()
	assert.False(t, store.AnyUnresolved())

	store.Insert("r1", &RoundState{RoundID: "r1"})
	assert.True(t, store.AnyUnresolved())

	store.Get("r1").Resolved = true
	assert.False(t, store.AnyUnresolved())

	store.Insert("r2", &RoundState{RoundID: "r2"})
	assert.True(t, store.AnyUnresolved())
}

func TestRoundStoreClearDropsEverything(t *testing.T) {
	store := NewRoundStore()
	store.Insert("r1", &RoundState{RoundID: "r1"})
	store.Insert("r2", &RoundState{RoundID: "r2", Resolved: true})

	store.Clear()
	assert.Equal(t, 0, store.Len())
	assert.Nil(t, store.Get("r1"))
}

func TestRoundStateDeadlineFires(t *testing.T) {
	state := &RoundState{RoundID: "r1"}
	fired := make(chan struct{})
	state.SetDeadline(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
}

func TestRoundStateStopDeadlineKeepsCleanup(t *testing.T) {
	state := &RoundState{RoundID: "r1", MyProposal: &proto.Proposal{Angle: "x"}}

	deadline := make(chan struct{}, 1)
	cleanup := make(chan struct{})
	state.SetDeadline(20*time.Millisecond, func() { deadline <- struct{}{} })
	state.SetCleanup(40*time.Millisecond, func() { close(cleanup) })

	state.StopDeadline()

	select {
	case <-deadline:
		t.Fatal("deadline fired after stop")
	case <-cleanup:
	case <-time.After(time.Second):
		t.Fatal("cleanup never fired")
	}
}
