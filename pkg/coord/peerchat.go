package coord

import (
	"fmt"
	"time"

	"tandem/pkg/dedup"
	"tandem/pkg/gateway"
	"tandem/pkg/proto"
)

// Peer chat is the conversational layer under the round machinery: agents
// asking each other questions, flagging issues, delegating. It yields
// entirely to negotiation: while any round is unresolved, peer chatter is
// dropped on the floor.

const peerChatSystem = "You are chatting with a peer assistant, not a user. Be brief and direct. One short paragraph at most."

// handlePeerChat consumes one inbound peer-chat record and, when it asks
// for a reply, answers it through the layer-2 semaphore.
func (e *Engine) handlePeerChat(rec *proto.Record, speaker string) {
	if e.rounds.AnyUnresolved() {
		e.logger.Debug("Dropping peer %s from %s: round in progress", rec.Kind, speaker)
		return
	}
	if rec.To != "" && rec.To != e.myName {
		return
	}
	if e.peerWindow.Mark(dedup.PeerKey(speaker, rec.Content)) {
		e.rec.IncDedupHit("peer")
		return
	}
	if rec.Depth >= e.cfg.DepthCap {
		e.logger.Warn("Dropping peer %s from %s: depth %d at cap %d", rec.Kind, speaker, rec.Depth, e.cfg.DepthCap)
		return
	}

	e.logger.Info("Peer %s from %s (depth %d): %s", rec.Kind, speaker, rec.Depth, firstChars(rec.Content, 120))

	if !rec.ExpectsReply && rec.Kind != proto.KindQuestion {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.replyToPeer(rec, speaker)
	}()
}

// replyToPeer generates and posts the answer to a peer's question. The
// session is keyed per peer so back-and-forth threads keep their context.
func (e *Engine) replyToPeer(rec *proto.Record, speaker string) {
	start := time.Now()
	if err := e.layer2Sem.Acquire(e.ctx); err != nil {
		return
	}
	e.rec.ObserveSemaphoreWait(e.layer2Sem.Name(), time.Since(start))
	defer e.layer2Sem.Release()

	prompt := fmt.Sprintf("%s asks:\n%s", speaker, rec.Content)
	reply, err := e.gw.Call(e.ctx, prompt, gateway.CallOptions{
		SessionID: "peer:" + speaker,
		System:    peerChatSystem,
	})
	if err != nil {
		e.logger.Warn("Peer reply to %s failed: %v", speaker, err)
		return
	}

	out, err := proto.NewPeerChat(proto.KindInform, speaker, reply, false, rec.Depth+1)
	if err != nil {
		e.logger.Error("Failed to build peer reply record: %v", err)
		return
	}
	e.post(out)
}

// AskPeer sends a question to a named peer on behalf of the host. Depth
// starts at zero; replies inherit depth+1 until the cap.
func (e *Engine) AskPeer(to, content string, expectsReply bool) error {
	rec, err := proto.NewPeerChat(proto.KindQuestion, to, content, expectsReply, 0)
	if err != nil {
		return err
	}
	e.post(rec)
	return nil
}
