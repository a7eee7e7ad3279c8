package coord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/proto"
)

func peerQuestion(t *testing.T, to, content string, depth int) *proto.Record {
	t.Helper()
	rec, err := proto.NewPeerChat(proto.KindQuestion, to, content, true, depth)
	require.NoError(t, err)
	return rec
}

func TestPeerQuestionGetsAnswered(t *testing.T) {
	gw := &fakeGateway{callReply: "port 8080, same as staging"}
	eng, poster, _ := newTestEngine(t, gw, nil)

	eng.HandleRecord(peerQuestion(t, "alice", "which port does the gateway use?", 0), "bob")

	require.Eventually(t, func() bool { return poster.countKind(proto.KindInform) == 1 },
		2*time.Second, 10*time.Millisecond)

	reply := poster.lastOfKind(proto.KindInform)
	assert.Equal(t, "bob", reply.To)
	assert.Equal(t, "port 8080, same as staging", reply.Content)
	assert.Equal(t, 1, reply.Depth)
}

func TestPeerChatShedDuringActiveRound(t *testing.T) {
	gw := &fakeGateway{callReply: "never sent"}
	eng, _, _ := newTestEngine(t, gw, nil)

	require.True(t, eng.Rounds().Insert("r1", &RoundState{RoundID: "r1"}))

	eng.HandleRecord(peerQuestion(t, "alice", "got a second?", 0), "bob")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, gw.peerCallCount())
}

func TestPeerChatAddressedToAnotherAgentIgnored(t *testing.T) {
	gw := &fakeGateway{callReply: "never sent"}
	eng, _, _ := newTestEngine(t, gw, nil)

	eng.HandleRecord(peerQuestion(t, "carol", "carol, thoughts?", 0), "bob")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, gw.peerCallCount())
}

func TestPeerChatDepthCapStopsChains(t *testing.T) {
	gw := &fakeGateway{callReply: "never sent"}
	eng, _, _ := newTestEngine(t, gw, nil)

	eng.HandleRecord(peerQuestion(t, "alice", "still going?", 6), "bob")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, gw.peerCallCount())
}

func TestPeerChatDuplicateContentAnsweredOnce(t *testing.T) {
	gw := &fakeGateway{callReply: "answered once"}
	eng, poster, _ := newTestEngine(t, gw, nil)

	eng.HandleRecord(peerQuestion(t, "alice", "did the deploy finish?", 0), "bob")
	eng.HandleRecord(peerQuestion(t, "alice", "did the deploy finish?", 0), "bob")

	require.Eventually(t, func() bool { return poster.countKind(proto.KindInform) >= 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, gw.peerCallCount())
	assert.Equal(t, 1, poster.countKind(proto.KindInform))
}

func TestPeerInformWithoutReplyRequestStaysQuiet(t *testing.T) {
	gw := &fakeGateway{callReply: "never sent"}
	eng, _, _ := newTestEngine(t, gw, nil)

	rec, err := proto.NewPeerChat(proto.KindInform, "alice", "fyi: deploy done", false, 1)
	require.NoError(t, err)
	eng.HandleRecord(rec, "bob")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, gw.peerCallCount())
}

func TestAskPeerPostsQuestion(t *testing.T) {
	gw := &fakeGateway{}
	eng, poster, _ := newTestEngine(t, gw, nil)

	require.NoError(t, eng.AskPeer("bob", "can you take the frontend half?", true))

	question := poster.lastOfKind(proto.KindQuestion)
	require.NotNil(t, question)
	assert.Equal(t, "bob", question.To)
	assert.True(t, question.ExpectsReply)
	assert.Equal(t, 0, question.Depth)
}
