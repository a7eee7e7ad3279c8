package holder

import (
	"context"
	"fmt"

	"tandem/pkg/chat"
	"tandem/pkg/gateway"
	"tandem/pkg/logx"
)

// Notifier receives the post-dispatch note that this agent replied. The
// coordination engine satisfies it.
type Notifier interface {
	NoteResponded(roundID, chatID string)
}

// ReplyGateway is the slice of the model gateway the responder uses.
type ReplyGateway interface {
	Call(ctx context.Context, prompt string, opts gateway.CallOptions) (string, error)
}

// ChatResponder generates the reply through the gateway, posts it to the
// source chat, and records the response summary other agents build on.
// Sessions are keyed per chat so conversation context carries across turns.
type ChatResponder struct {
	gw       ReplyGateway
	svc      *chat.Service
	notifier Notifier
	logger   *logx.Logger
}

// NewChatResponder creates a responder. notifier may be nil.
func NewChatResponder(gw ReplyGateway, svc *chat.Service, notifier Notifier) *ChatResponder {
	return &ChatResponder{
		gw:       gw,
		svc:      svc,
		notifier: notifier,
		logger:   logx.NewLogger("responder"),
	}
}

// Respond answers one dispatched message. The synthesis context, when
// present, is prepended so the reply carries the negotiated framing.
func (r *ChatResponder) Respond(ctx context.Context, msg Message, synthContext string) error {
	prompt := msg.Content
	if synthContext != "" {
		prompt = synthContext + "\n\n" + msg.Content
	}

	reply, err := r.gw.Call(ctx, prompt, gateway.CallOptions{SessionID: "chat:" + msg.ChatID})
	if err != nil {
		return fmt.Errorf("reply generation failed for message %s: %w", msg.MessageID, err)
	}

	if _, err := r.svc.Post(ctx, msg.ChatID, reply); err != nil {
		return fmt.Errorf("failed to post reply for message %s: %w", msg.MessageID, err)
	}

	// The summary feeds synthesis waits and defer reconciliation on the
	// peer side; a failed write degrades those, not this reply.
	if err := r.svc.WriteResponseSummary(ctx, msg.MessageID, reply, msg.ChatID); err != nil {
		r.logger.Warn("Summary write failed for message %s: %v", msg.MessageID, err)
	}

	if r.notifier != nil {
		r.notifier.NoteResponded(msg.MessageID, msg.ChatID)
	}
	return nil
}
