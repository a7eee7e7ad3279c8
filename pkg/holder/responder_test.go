package holder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/chat"
	"tandem/pkg/config"
	"tandem/pkg/gateway"
	"tandem/pkg/persistence"
)

type scriptedGateway struct {
	reply      string
	err        error
	lastPrompt string
}

func (g *scriptedGateway) Call(_ context.Context, prompt string, _ gateway.CallOptions) (string, error) {
	g.lastPrompt = prompt
	return g.reply, g.err
}

type recordingNotifier struct {
	roundID string
	chatID  string
}

func (n *recordingNotifier) NoteResponded(roundID, chatID string) {
	n.roundID = roundID
	n.chatID = chatID
}

func newResponderFixture(t *testing.T, gw *scriptedGateway) (*ChatResponder, *chat.Service, *recordingNotifier) {
	t.Helper()

	store, err := persistence.Open(persistence.DriverSQLite, filepath.Join(t.TempDir(), "responder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := chat.NewService(store, config.ChatConfig{
		Driver:      config.DriverSQLite,
		CoordChatID: "coordination",
		MaxMsgChars: 4096,
	}, "alice")

	notifier := &recordingNotifier{}
	return NewChatResponder(gw, svc, notifier), svc, notifier
}

func TestRespondPostsReplyAndSummary(t *testing.T) {
	gw := &scriptedGateway{reply: "restart the worker and check the logs"}
	responder, svc, notifier := newResponderFixture(t, gw)
	ctx := context.Background()

	msg := Message{MessageID: "m1", ChatID: "general", Content: "the worker is stuck"}
	require.NoError(t, responder.Respond(ctx, msg, ""))

	msgs, err := svc.RecentMessages(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "restart the worker and check the logs", msgs[0].Content)
	assert.Equal(t, "alice", msgs[0].Speaker)

	summaries, err := svc.RoundSummaries(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "restart the worker and check the logs", summaries[0].Content)

	assert.Equal(t, "m1", notifier.roundID)
	assert.Equal(t, "general", notifier.chatID)
}

func TestRespondPrependsSynthesisContext(t *testing.T) {
	gw := &scriptedGateway{reply: "building on that point"}
	responder, _, _ := newResponderFixture(t, gw)

	msg := Message{MessageID: "m1", ChatID: "general", Content: "what else?"}
	require.NoError(t, responder.Respond(context.Background(), msg, "[coordination resolved: synthesis]"))

	assert.Contains(t, gw.lastPrompt, "[coordination resolved: synthesis]")
	assert.Contains(t, gw.lastPrompt, "what else?")
}

func TestRespondSurfacesGatewayFailure(t *testing.T) {
	gw := &scriptedGateway{err: errors.New("model unavailable")}
	responder, svc, notifier := newResponderFixture(t, gw)

	msg := Message{MessageID: "m1", ChatID: "general", Content: "anything"}
	err := responder.Respond(context.Background(), msg, "")
	require.Error(t, err)

	msgs, err2 := svc.RecentMessages(context.Background(), "general", 10)
	require.NoError(t, err2)
	assert.Empty(t, msgs)
	assert.Empty(t, notifier.roundID)
}
