// Package inbound is the reliable delivery layer: it merges the realtime
// fast path with a periodic poll of the dispatch row store, deduplicates
// across both, and claims each row exactly once before invoking the agent.
// The poll is the source of truth; the websocket only makes delivery fast.
package inbound

import (
	"context"
	"errors"
	"time"

	"tandem/pkg/config"
	"tandem/pkg/dedup"
	"tandem/pkg/logx"
	"tandem/pkg/metrics"
	"tandem/pkg/persistence"
	"tandem/pkg/proto"
	"tandem/pkg/realtime"
)

// Delivery paths recorded per inbound message.
const (
	PathRealtime = "realtime"
	PathPoll     = "poll"
)

// queryTimeout bounds one store round trip inside the event loop.
const queryTimeout = 5 * time.Second

// coordSweepDepth is how many recent coordination messages each poll
// re-reads. The id window drops everything already seen.
const coordSweepDepth = 50

// Dispatch is one user message deliverable to this agent.
type Dispatch struct {
	MessageID string
	ChatID    string
	UserID    string
	Content   string
}

// Callbacks receive deliveries. Both are invoked from the inbound
// goroutine and should hand off quickly.
type Callbacks struct {
	OnDispatch     func(Dispatch)
	OnCoordination func(rec *proto.Record, speaker, payload string)
}

// Session is one live realtime subscription. *realtime.Client satisfies it.
type Session interface {
	Events() <-chan realtime.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a fresh session. Injected so tests run without a server.
type DialFunc func(ctx context.Context) (Session, error)

// Store is the slice of the persistence layer the inbound loop uses.
type Store interface {
	PendingRows(ctx context.Context, botID string) ([]*persistence.DispatchRow, error)
	ClaimRow(ctx context.Context, botID, messageID string) (bool, error)
	MarkHandledBefore(ctx context.Context, botID string, cutoff time.Time) (int64, error)
	RecentChatMessages(ctx context.Context, chatID string, limit int) ([]*persistence.ChatMessage, error)
	Ping(ctx context.Context) error
}

// Inbound runs the delivery loop for one agent.
type Inbound struct {
	cfg         config.InboundConfig
	botID       string
	myName      string
	coordChatID string
	logger      *logx.Logger
	rec         metrics.Recorder

	store     Store
	dial      DialFunc
	callbacks Callbacks

	idWindow      *dedup.Window
	contentWindow *dedup.Window

	// boot is the quarantine cutoff: rows older than process start are
	// stale backlog, rows younger are live even if the first dial is slow.
	boot        time.Time
	quarantined bool
}

// Config wires an Inbound.
type Config struct {
	Inbound      config.InboundConfig
	Coordination config.CoordinationConfig // dedup window TTLs
	BotID        string
	MyName       string
	CoordChatID  string
	Store        Store
	Dial         DialFunc
	Callbacks    Callbacks
	Recorder     metrics.Recorder
}

// New creates the inbound layer. Dedup windows persist across reconnects;
// the boot quarantine runs once per process.
func New(c Config) *Inbound {
	rec := c.Recorder
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Inbound{
		cfg:           c.Inbound,
		botID:         c.BotID,
		myName:        c.MyName,
		coordChatID:   c.CoordChatID,
		logger:        logx.NewLogger("inbound"),
		rec:           rec,
		store:         c.Store,
		dial:          c.Dial,
		callbacks:     c.Callbacks,
		idWindow:      dedup.NewWindow(c.Coordination.DedupIDTTL(), 0),
		contentWindow: dedup.NewWindow(c.Coordination.ContentTTL(), 0),
		boot:          time.Now(),
	}
}

// Run dials one session and services it until the session dies or ctx is
// canceled. A session error returns non-nil so the supervisor redials;
// ctx cancellation returns ctx.Err(). onReady fires after a successful
// connect, resetting the supervisor's backoff.
func (in *Inbound) Run(ctx context.Context, onReady func()) error {
	sess, err := in.dial(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	in.ensureQuarantine(ctx)

	if onReady != nil {
		onReady()
	}
	in.logger.Info("Inbound session up (poll %v, health %v)", in.cfg.Poll(), in.cfg.Health())

	poll := time.NewTicker(in.cfg.Poll())
	defer poll.Stop()
	health := time.NewTicker(in.cfg.Health())
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sess.Done():
			err := sess.Err()
			if err == nil {
				err = errors.New("realtime session closed")
			}
			return err

		case ev := <-sess.Events():
			in.handleEvent(ctx, ev)

		case <-poll.C:
			in.pollPending(ctx)
			in.sweepCoordination(ctx)

		case <-health.C:
			in.healthCheck(ctx)
		}
	}
}

func (in *Inbound) handleEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventDispatch:
		if ev.BotID != "" && ev.BotID != in.botID {
			return
		}
		in.deliverDispatch(ctx, Dispatch{
			MessageID: ev.MessageID,
			ChatID:    ev.ChatID,
			UserID:    ev.UserID,
			Content:   ev.Content,
		}, PathRealtime)

	case realtime.EventCoord:
		in.deliverCoordination(ev.MessageID, ev.Speaker, ev.Content, PathRealtime)

	default:
		in.logger.Debug("Ignoring event type %q", ev.Type)
	}
}

// deliverDispatch runs a dispatch through the dedup windows and the claim,
// then invokes the agent. The id window is the hard gate: a marked id
// never reaches the agent again regardless of path.
func (in *Inbound) deliverDispatch(ctx context.Context, d Dispatch, path string) {
	if d.MessageID == "" {
		return
	}
	if in.idWindow.Mark(d.MessageID) {
		in.rec.IncDedupHit("id")
		return
	}
	if in.contentWindow.Mark(dedup.ContentKey(d.ChatID, d.UserID, d.Content)) {
		in.rec.IncDedupHit("content")
		in.logger.Debug("Content-duplicate message %s dropped", d.MessageID)
		// The duplicate carries its own durable row under a fresh id.
		// Claim it anyway: left pending, the poll would re-read it every
		// tick and dispatch it once the windows expire.
		cctx, cancel := context.WithTimeout(ctx, queryTimeout)
		if _, err := in.store.ClaimRow(cctx, in.botID, d.MessageID); err != nil {
			in.logger.Warn("Claim of content-duplicate %s failed: %v", d.MessageID, err)
		}
		cancel()
		return
	}

	cctx, cancel := context.WithTimeout(ctx, queryTimeout)
	claimed, err := in.store.ClaimRow(cctx, in.botID, d.MessageID)
	cancel()
	if err != nil {
		// A broken store must not silence the agent. Invoke anyway; the
		// id window still prevents repeats within this process.
		in.logger.Warn("Claim failed for %s, invoking fail-open: %v", d.MessageID, err)
	} else if !claimed {
		// Another path or an earlier incarnation already handled it.
		return
	}

	in.rec.IncInbound(path)
	in.callbacks.OnDispatch(d)
}

// deliverCoordination parses and forwards one coordination record.
func (in *Inbound) deliverCoordination(messageID, speaker, payload, path string) {
	if speaker == in.myName {
		return
	}
	if messageID != "" && in.idWindow.Mark(messageID) {
		in.rec.IncDedupHit("id")
		return
	}

	rec, err := proto.Parse([]byte(payload))
	if err != nil {
		switch {
		case errors.Is(err, proto.ErrLegacyKind):
			in.logger.Debug("Skipping legacy record from %s: %v", speaker, err)
		case errors.Is(err, proto.ErrUnknownKind):
			in.logger.Debug("Skipping unknown record kind from %s: %v", speaker, err)
		case errors.Is(err, proto.ErrUnsupportedProtocol):
			in.logger.Warn("Dropping record from %s: %v", speaker, err)
		default:
			in.logger.Warn("Dropping malformed record from %s: %v", speaker, err)
		}
		return
	}

	in.rec.IncInbound(path)
	in.callbacks.OnCoordination(rec, speaker, payload)
}

// ensureQuarantine bulk-marks the pending rows that predate process boot.
// Backlog accumulated while this agent was down is stale: answering it
// now would be noise. The cutoff is boot time, never dial time, so a user
// message that lands during a slow first connect stays pending for the
// poll. Retried on every poll tick until the store accepts it.
func (in *Inbound) ensureQuarantine(ctx context.Context) bool {
	if in.quarantined {
		return true
	}

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	n, err := in.store.MarkHandledBefore(qctx, in.botID, in.boot)
	if err != nil {
		in.logger.Warn("Boot quarantine failed, will retry: %v", err)
		return false
	}
	in.quarantined = true
	if n > 0 {
		in.logger.Info("Quarantined %d stale pending rows from before boot", n)
	}
	in.rec.AddQuarantined(int(n))
	return true
}

// pollPending is the durable safety net: re-read pending rows and deliver
// whatever the fast path missed. Nothing is delivered off the poll until
// the quarantine has landed, or stale backlog would slip through.
func (in *Inbound) pollPending(ctx context.Context) {
	if !in.ensureQuarantine(ctx) {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, queryTimeout)
	rows, err := in.store.PendingRows(pctx, in.botID)
	cancel()
	if err != nil {
		in.logger.Warn("Pending poll failed: %v", err)
		return
	}

	for _, row := range rows {
		in.deliverDispatch(ctx, Dispatch{
			MessageID: row.MessageID,
			ChatID:    row.ChatID,
			UserID:    row.UserID,
			Content:   row.Content,
		}, PathPoll)
	}
}

// sweepCoordination re-reads the tail of the coordination chat so records
// that raced a websocket outage still arrive. Everything already seen
// falls to the id window.
func (in *Inbound) sweepCoordination(ctx context.Context) {
	if in.coordChatID == "" {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, queryTimeout)
	msgs, err := in.store.RecentChatMessages(sctx, in.coordChatID, coordSweepDepth)
	cancel()
	if err != nil {
		in.logger.Warn("Coordination sweep failed: %v", err)
		return
	}

	for _, msg := range msgs {
		in.deliverCoordination(msg.ID, msg.Speaker, msg.Content, PathPoll)
	}
}

func (in *Inbound) healthCheck(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := in.store.Ping(hctx); err != nil {
		in.logger.Warn("Store health check failed: %v", err)
	}
}
