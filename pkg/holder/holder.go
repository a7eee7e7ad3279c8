// Package holder implements the pending-dispatch holder: the component
// that sits between an inbound user message and the reply, holding the
// message while a coordination round decides who answers. Every exit path
// is timer-bounded; when coordination stalls, the backstop dispatches
// anyway. A dedup window over dispatched message ids keeps the backstop
// and a late decision from both firing (at most one dispatch per message).
package holder

import (
	"context"
	"sync"
	"time"

	"tandem/pkg/chat"
	"tandem/pkg/config"
	"tandem/pkg/coord"
	"tandem/pkg/dedup"
	"tandem/pkg/logx"
	"tandem/pkg/metrics"
	"tandem/pkg/persistence"
)

// Message is one held user message.
type Message struct {
	MessageID string
	ChatID    string
	UserID    string
	Content   string
}

// Responder produces and delivers the actual reply. It may block for the
// duration of a gateway call.
type Responder interface {
	Respond(ctx context.Context, msg Message, synthContext string) error
}

// SummarySource is the slice of the chat service the holder polls during
// synthesis waits and defer-backstop reconciliation.
type SummarySource interface {
	WaitForResponseSummary(ctx context.Context, roundID, speaker string, pollInterval time.Duration) (*persistence.ResponseSummary, error)
	RoundSummaries(ctx context.Context, roundID string) ([]*persistence.ResponseSummary, error)
}

type heldMessage struct {
	msg      Message
	backstop *time.Timer
	deferred bool
	peerName string
}

// Holder tracks held messages by message id and applies coordination
// decisions to them.
type Holder struct {
	cfg       config.HolderConfig
	myName    string
	coordOn   bool
	logger    *logx.Logger
	rec       metrics.Recorder
	responder Responder
	summaries SummarySource

	mu         sync.Mutex
	held       map[string]*heldMessage
	dispatched *dedup.Window

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config wires a Holder.
type Config struct {
	Holder       config.HolderConfig
	MyName       string
	Coordination bool // when false, every message dispatches immediately
	Responder    Responder
	Summaries    SummarySource
	Recorder     metrics.Recorder
}

// New creates a holder. Call Stop to cancel timers and in-flight waits.
func New(c Config) *Holder {
	rec := c.Recorder
	if rec == nil {
		rec = metrics.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Holder{
		cfg:        c.Holder,
		myName:     c.MyName,
		coordOn:    c.Coordination,
		logger:     logx.NewLogger("holder"),
		rec:        rec,
		responder:  c.Responder,
		summaries:  c.Summaries,
		held:       make(map[string]*heldMessage),
		dispatched: dedup.NewWindow(c.Holder.DispatchedTTL(), 0),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Accept routes one inbound user message. Messages that @mention this
// agent bypass negotiation entirely, as does everything when coordination
// is off. Returns true when the message was held pending a decision; the
// caller opens the round in that case.
func (h *Holder) Accept(msg Message) bool {
	if !h.coordOn {
		h.dispatch(msg, "", "direct")
		return false
	}
	if mentions := chat.Mentions(msg.Content); len(mentions) > 0 {
		if chat.MentionsAgent(msg.Content, h.myName) {
			h.logger.Info("Message %s mentions %s, bypassing negotiation", msg.MessageID, h.myName)
			h.dispatch(msg, "", "mention")
		} else {
			// Addressed to another agent; their mention bypass answers it.
			h.logger.Debug("Message %s mentions %v, not %s, dropping", msg.MessageID, mentions, h.myName)
		}
		return false
	}

	if h.dispatched.Contains(msg.MessageID) {
		h.logger.Debug("Message %s already dispatched, dropping", msg.MessageID)
		return false
	}

	h.mu.Lock()
	if _, exists := h.held[msg.MessageID]; exists {
		h.mu.Unlock()
		return false
	}
	hm := &heldMessage{msg: msg}
	h.held[msg.MessageID] = hm
	id := msg.MessageID
	hm.backstop = time.AfterFunc(h.cfg.Backstop(), func() { h.onBackstop(id) })
	h.mu.Unlock()

	h.logger.Debug("Holding message %s (backstop %v)", msg.MessageID, h.cfg.Backstop())
	return true
}

// ApplyDecision resolves a held message per the round outcome. The engine
// calls this on its own goroutine; synthesis waits block here for up to
// the full wait window.
func (h *Holder) ApplyDecision(triggerMessageID string, d coord.Decision) {
	h.mu.Lock()
	hm := h.held[triggerMessageID]
	if hm == nil {
		h.mu.Unlock()
		// Backstop already fired (or the message was never held); the
		// dispatched window ensured at most one reply.
		h.logger.Debug("Decision for %s arrived with nothing held", triggerMessageID)
		return
	}

	if d.InitialDefer() {
		// Hold-and-see: re-arm a shorter backstop and reconcile against
		// the summary sink when it fires.
		hm.deferred = true
		hm.peerName = d.PeerName
		hm.backstop.Stop()
		id := triggerMessageID
		hm.backstop = time.AfterFunc(h.cfg.DeferBackstop(), func() { h.onBackstop(id) })
		h.mu.Unlock()
		return
	}

	hm.backstop.Stop()
	delete(h.held, triggerMessageID)
	msg := hm.msg
	h.mu.Unlock()

	switch {
	case d.CancelPending:
		h.logger.Info("Cancelling held message %s: peer answers", msg.MessageID)
		// The id counts as dispatched so a redelivered copy is not held
		// and answered after the peer already replied.
		h.dispatched.Mark(msg.MessageID)
		h.rec.IncDispatch("cancelled")

	case d.WaitForResponse != nil:
		h.waitAndBuild(msg, d)

	default:
		h.dispatch(msg, d.SynthesizeContext, "decision")
	}
}

// waitAndBuild is the synthesis runner-up path: poll the summary sink for
// the winner's reply, then dispatch building on it, falling back to a
// parallel-style framing when the wait expires.
func (h *Holder) waitAndBuild(msg Message, d coord.Decision) {
	wait := d.WaitForResponse

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.SynthesisWait())
	defer cancel()

	summary, err := h.summaries.WaitForResponseSummary(ctx, d.RoundID, wait.WinnerName, h.cfg.SummaryPoll())
	if err != nil {
		h.logger.Warn("Synthesis wait for %s expired on round %s: %v", wait.WinnerName, d.RoundID, err)
		h.dispatch(msg, wait.FallbackContext(), "synthesis_fallback")
		return
	}
	h.dispatch(msg, wait.BuildContext(summary.Content), "synthesis_build")
}

// onBackstop fires when no decision resolved the hold in time.
func (h *Holder) onBackstop(messageID string) {
	h.mu.Lock()
	hm := h.held[messageID]
	if hm == nil {
		h.mu.Unlock()
		return
	}
	delete(h.held, messageID)
	msg := hm.msg
	deferred := hm.deferred
	peerName := hm.peerName
	h.mu.Unlock()

	if deferred {
		// The round deferred and then went quiet. If a peer's reply
		// already landed for this round, stay silent.
		if h.peerReplied(messageID) {
			return
		}

		// Both defer-backstops can fire together: the alphabetical
		// tiebreak gives the lex-smaller name the immediate dispatch.
		// The lex-larger one waits a grace poll for the peer's summary
		// and dispatches only when it never lands; both agents going
		// quiet is worse than both replying.
		if peerName != "" && h.myName > peerName {
			select {
			case <-h.ctx.Done():
				return
			case <-time.After(h.cfg.SummaryPoll()):
			}
			if h.peerReplied(messageID) {
				return
			}
			h.logger.Info("Defer backstop for %s: no reply from %s after grace poll, dispatching", messageID, peerName)
		}
	}

	h.logger.Warn("Backstop dispatching message %s without a decision", messageID)
	h.dispatch(msg, "", "backstop")
}

// peerReplied reports whether another agent's response summary exists for
// the round keyed by this message id.
func (h *Holder) peerReplied(messageID string) bool {
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	summaries, err := h.summaries.RoundSummaries(ctx, messageID)
	cancel()
	if err != nil {
		return false
	}
	for _, s := range summaries {
		if s.Speaker != h.myName {
			h.logger.Info("Defer backstop for %s: %s already replied, staying quiet", messageID, s.Speaker)
			h.rec.IncDispatch("suppressed")
			return true
		}
	}
	return false
}

// dispatch delivers one reply, at most once per message id.
func (h *Holder) dispatch(msg Message, synthContext, outcome string) {
	if h.dispatched.Mark(msg.MessageID) {
		h.rec.IncDedupHit("dispatched")
		h.logger.Debug("Message %s already dispatched, skipping %s path", msg.MessageID, outcome)
		return
	}
	h.rec.IncDispatch(outcome)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.responder.Respond(h.ctx, msg, synthContext); err != nil {
			h.logger.Error("Respond failed for message %s: %v", msg.MessageID, err)
		}
	}()
}

// HeldCount returns the number of messages currently held.
func (h *Holder) HeldCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.held)
}

// Stop cancels backstop timers and in-flight waits, then drops all held
// state.
func (h *Holder) Stop() {
	h.cancel()

	h.mu.Lock()
	for id, hm := range h.held {
		hm.backstop.Stop()
		delete(h.held, id)
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.dispatched.Clear()
}
