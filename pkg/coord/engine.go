package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tandem/pkg/config"
	"tandem/pkg/dedup"
	"tandem/pkg/eventlog"
	"tandem/pkg/gateway"
	"tandem/pkg/limiter"
	"tandem/pkg/logx"
	"tandem/pkg/metrics"
	"tandem/pkg/persistence"
	"tandem/pkg/proto"
)

// postTimeout bounds one outbound coordination write.
const postTimeout = 5 * time.Second

// Gateway is the slice of the model gateway the engine uses: Fast for
// micro-proposals (stateless, no context bleed between rounds), Call for
// peer-chat replies (long-lived session).
type Gateway interface {
	Fast(ctx context.Context, prompt string) (string, error)
	Call(ctx context.Context, prompt string, opts gateway.CallOptions) (string, error)
}

// Poster writes outbound coordination records. Best-effort: the engine
// logs failures and never rewinds state over them.
type Poster interface {
	PostCoordination(ctx context.Context, payload string) (*persistence.ChatMessage, error)
}

// HistorySource loads the prompt-enrichment context.
type HistorySource interface {
	LoadCoordinationHistory(ctx context.Context, excludeRoundID string) string
	LoadRecentPeerReplies(ctx context.Context, sourceChatID, myName string) string
}

// RoundTrigger describes the user message that opens a round. The round id
// equals the trigger message id so both peers derive it identically.
type RoundTrigger struct {
	RoundID          string
	TriggerMessageID string
	TriggerContent   string
	SourceChatID     string
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Coordination config.CoordinationConfig
	MyName       string
	Gateway      Gateway
	Poster       Poster
	History      HistorySource
	Recorder     metrics.Recorder
	EventLog     *eventlog.Writer // optional
	// Decide receives the dispatch decision for a trigger message id. The
	// engine calls it on its own goroutine; it may block.
	Decide func(triggerMessageID string, d Decision)
}

// Engine drives the round state machine: it opens rounds, generates this
// agent's micro-proposal, consumes peer records, runs the filter once both
// proposals are present, and raises a Decision to the holder. Fail-open
// everywhere: if negotiation cannot complete, the user still gets a reply.
type Engine struct {
	cfg    config.CoordinationConfig
	myName string
	th     Thresholds
	logger *logx.Logger
	rec    metrics.Recorder

	gw      Gateway
	poster  Poster
	history HistorySource
	events  *eventlog.Writer
	decide  func(string, Decision)

	rounds   *RoundStore
	register *Register

	// mu brackets state transitions so awaited calls re-check resolved
	// and round existence before continuing.
	mu sync.Mutex

	coordSem   *limiter.Semaphore
	layer2Sem  *limiter.Semaphore
	peerWindow *dedup.Window

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. Call Stop to release timers and drain the
// semaphores.
func NewEngine(ec EngineConfig) *Engine {
	rec := ec.Recorder
	if rec == nil {
		rec = metrics.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:        ec.Coordination,
		myName:     ec.MyName,
		th:         ThresholdsFrom(ec.Coordination),
		logger:     logx.NewLogger("coord"),
		rec:        rec,
		gw:         ec.Gateway,
		poster:     ec.Poster,
		history:    ec.History,
		events:     ec.EventLog,
		decide:     ec.Decide,
		rounds:     NewRoundStore(),
		register:   NewRegister(),
		coordSem:   limiter.NewSemaphore("coordination", ec.Coordination.GatewayInflightMax),
		layer2Sem:  limiter.NewSemaphore("layer2", ec.Coordination.Layer2InflightMax),
		peerWindow: dedup.NewWindow(ec.Coordination.ContentTTL(), 0),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register returns the advisory per-chat register, injected into proposal
// prompts only.
func (e *Engine) Register() *Register {
	return e.register
}

// Rounds exposes the round store for the host's introspection.
func (e *Engine) Rounds() *RoundStore {
	return e.rounds
}

// StartRound opens a round for a locally received user message and
// announces it on the coordination stream. A duplicate round id is dropped.
func (e *Engine) StartRound(trig RoundTrigger) {
	e.startRound(trig, true)
}

// HandleRecord consumes one inbound coordination record. Records authored
// by this instance are skipped upstream; speaker is the authoring peer.
func (e *Engine) HandleRecord(rec *proto.Record, speaker string) {
	if speaker == e.myName {
		return
	}

	switch rec.Kind {
	case proto.KindRoundStart:
		e.startRound(RoundTrigger{
			RoundID:          rec.RoundID,
			TriggerMessageID: rec.TriggerMessageID,
			TriggerContent:   rec.TriggerContent,
			SourceChatID:     rec.SourceChatID,
		}, false)

	case proto.KindMicroPropose:
		e.handlePeerPropose(rec, speaker)

	case proto.KindResolved:
		// Informational: this instance computes its own filter result.
		e.logger.Debug("Peer %s resolved round %s as %s (winner %s)", speaker, rec.RoundID, rec.Mode, rec.Winner)

	case proto.KindSignal:
		e.logger.Debug("Signal from %s: solo_insufficient=%v conf=%.2f (%s)",
			speaker, rec.SoloInsufficient, rec.Confidence, rec.Reason)

	default:
		if proto.IsPeerChat(rec.Kind) {
			e.handlePeerChat(rec, speaker)
			return
		}
		e.logger.Warn("Dropping record with unhandled kind %q from %s", rec.Kind, speaker)
	}
}

// startRound inserts the round state, arms the deadline, and kicks off the
// context load plus proposal generation. announce posts the round_start
// record for locally triggered rounds.
func (e *Engine) startRound(trig RoundTrigger, announce bool) {
	if e.ctx.Err() != nil {
		return
	}
	if trig.RoundID == "" {
		e.logger.Warn("Dropping round start without round id")
		return
	}

	state := &RoundState{
		RoundID:          trig.RoundID,
		TriggerContent:   trig.TriggerContent,
		TriggerMessageID: trig.TriggerMessageID,
		SourceChatID:     trig.SourceChatID,
		StartedAt:        time.Now(),
	}
	if !e.rounds.Insert(trig.RoundID, state) {
		e.logger.Debug("Round %s already exists, dropping start", trig.RoundID)
		return
	}

	roundID := trig.RoundID
	state.SetDeadline(e.cfg.MaxRound(), func() { e.onDeadline(roundID) })

	e.logger.Info("Round %s started (announce=%v)", roundID, announce)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runRound(state, announce)
	}()
}

// runRound is the per-round worker: announce, load context, generate the
// proposal, and either post it or fail open.
func (e *Engine) runRound(state *RoundState, announce bool) {
	roundID := state.RoundID

	if announce {
		e.post(proto.NewRoundStart(roundID, state.TriggerMessageID, state.TriggerContent, state.SourceChatID))
	}

	// Both context loads run in parallel; each is internally bounded.
	var coordHistory, peerReplies string
	var loadWG sync.WaitGroup
	loadWG.Add(2)
	go func() {
		defer loadWG.Done()
		coordHistory = e.history.LoadCoordinationHistory(e.ctx, roundID)
	}()
	go func() {
		defer loadWG.Done()
		peerReplies = e.history.LoadRecentPeerReplies(e.ctx, state.SourceChatID, e.myName)
	}()
	loadWG.Wait()

	e.mu.Lock()
	st := e.rounds.Get(roundID)
	if st == nil {
		e.mu.Unlock()
		return
	}
	st.CoordHistory = coordHistory
	st.RecentPeerReplies = peerReplies
	registerContext := e.register.PromptContext(st.SourceChatID)
	prompt := buildProposalPrompt(st, e.myName, registerContext)
	e.mu.Unlock()

	proposal, err := e.generateProposal(prompt)
	if err != nil {
		e.failOpenGeneration(roundID, err)
		return
	}

	e.mu.Lock()
	st = e.rounds.Get(roundID)
	if st == nil {
		e.mu.Unlock()
		return
	}
	if st.Resolved {
		// Deadline won the race; the decision is already out. The entry
		// just needs reaping.
		e.mu.Unlock()
		e.rounds.Delete(roundID)
		return
	}

	// The resolved check, the post, and the MyProposal publication form
	// one critical section. A deadline firing mid-post parks on the mutex
	// and resolves only after the record is out, so a micro_propose can
	// never trail the round's terminal state. Publishing MyProposal after
	// the post keeps a peer proposal buffered mid-generation from
	// resolving ahead of this instance's record on the wire.
	e.post(proto.NewMicroPropose(roundID, proposal))

	st.MyProposal = &proposal
	st.SetCleanup(e.cfg.Cleanup(), func() { e.rounds.Delete(roundID) })
	peerReady := st.OtherProposal != nil
	e.mu.Unlock()

	if peerReady {
		e.resolve(roundID)
	}
}

// generateProposal runs the gateway call under the coordination semaphore
// and parses the JSON self-assessment.
func (e *Engine) generateProposal(prompt string) (proto.Proposal, error) {
	start := time.Now()
	if err := e.coordSem.Acquire(e.ctx); err != nil {
		return proto.Proposal{}, fmt.Errorf("coordination semaphore: %w", err)
	}
	e.rec.ObserveSemaphoreWait(e.coordSem.Name(), time.Since(start))
	defer e.coordSem.Release()

	reply, err := e.gw.Fast(e.ctx, prompt)
	if err != nil {
		return proto.Proposal{}, fmt.Errorf("proposal generation failed: %w", err)
	}
	return parseProposal(reply)
}

// failOpenGeneration deletes the round and raises a respond-anyway
// decision so the held user message still gets a reply.
func (e *Engine) failOpenGeneration(roundID string, cause error) {
	e.logger.Error("Round %s proposal generation failed, failing open: %v", roundID, cause)
	e.rec.IncRoundExpired("generator_failure")

	e.mu.Lock()
	st := e.rounds.Get(roundID)
	if st == nil {
		e.mu.Unlock()
		return
	}
	alreadyResolved := st.Resolved
	trigger := st.TriggerMessageID
	sourceChat := st.SourceChatID
	e.mu.Unlock()

	e.rounds.Delete(roundID)

	// Post-facto assessment for peers; not consumed by any state machine.
	e.post(proto.NewSignal(true, 0, "proposal generation failed", "fail-open", 0, sourceChat))

	if alreadyResolved {
		return
	}
	e.raise(trigger, Decision{
		RoundID:          roundID,
		TriggerMessageID: trigger,
		ShouldRespond:    true,
	})
}

// handlePeerPropose records the peer's proposal, buffering it when this
// agent's own proposal is still generating (I4).
func (e *Engine) handlePeerPropose(rec *proto.Record, speaker string) {
	e.mu.Lock()
	st := e.rounds.Get(rec.RoundID)
	if st == nil {
		e.mu.Unlock()
		e.logger.Debug("Proposal from %s for unknown round %s, dropping", speaker, rec.RoundID)
		return
	}
	if st.Resolved {
		e.mu.Unlock()
		e.logger.Debug("Proposal from %s for resolved round %s, dropping", speaker, rec.RoundID)
		return
	}
	st.OtherProposal = rec.Proposal
	st.OtherName = speaker
	mineReady := st.MyProposal != nil
	e.mu.Unlock()

	if mineReady {
		e.resolve(rec.RoundID)
	}
}

// onDeadline fails the round open when it has not resolved in time.
func (e *Engine) onDeadline(roundID string) {
	e.mu.Lock()
	st := e.rounds.Get(roundID)
	if st == nil || st.Resolved {
		e.mu.Unlock()
		return
	}
	st.Resolved = true
	trigger := st.TriggerMessageID
	e.mu.Unlock()

	e.logger.Warn("Round %s deadline expired, failing open", roundID)
	e.rec.IncRoundExpired("deadline")

	e.raise(trigger, Decision{
		RoundID:          roundID,
		TriggerMessageID: trigger,
		ShouldRespond:    true,
	})
}

// resolve runs the filter once both proposals are present, posts the
// terminal record, and raises the mode-dependent decision. One-shot per
// round.
func (e *Engine) resolve(roundID string) {
	e.mu.Lock()
	st := e.rounds.Get(roundID)
	if st == nil || st.Resolved || st.MyProposal == nil || st.OtherProposal == nil {
		e.mu.Unlock()
		return
	}
	st.Resolved = true
	st.StopDeadline()

	mine := *st.MyProposal
	other := *st.OtherProposal
	otherName := st.OtherName
	trigger := st.TriggerMessageID
	started := st.StartedAt
	e.mu.Unlock()

	result := Filter(mine, other, e.myName, otherName, e.th)
	e.rec.ObserveRound(result.Mode, time.Since(started))
	e.logger.Info("Round %s resolved: mode=%s winner=%s (%s)", roundID, result.Mode, result.Winner, result.Reason)

	e.post(proto.NewResolved(roundID, result.Mode, result.Winner, result.RunnerUp, result.Reason, mine, other))

	e.raise(trigger, e.decisionFor(roundID, trigger, result, mine, other, otherName))
}

// decisionFor maps a filter result onto this instance's decision.
func (e *Engine) decisionFor(roundID, trigger string, result FilterResult, mine, other proto.Proposal, otherName string) Decision {
	d := Decision{RoundID: roundID, TriggerMessageID: trigger, PeerName: otherName}

	switch result.Mode {
	case proto.ModeParallel:
		d.ShouldRespond = true
		d.SynthesizeContext = parallelContext(result, e.myName, otherName)

	case proto.ModeSynthesis:
		if result.Winner == e.myName {
			d.ShouldRespond = true
			d.SynthesizeContext = synthesisWinnerContext(result, e.myName, otherName)
		} else {
			d.WaitForResponse = &WaitForResponse{
				WinnerName:    otherName,
				MyProposal:    mine,
				OtherProposal: other,
			}
		}

	default: // solo
		if result.Winner == e.myName {
			d.ShouldRespond = true
			d.SynthesizeContext = soloWinnerContext(result, e.myName, otherName)
		} else {
			d.CancelPending = true
		}
	}
	return d
}

// NoteResponded records a delivered reply in the advisory register. The
// holder calls this after a decision-path dispatch actually went out.
func (e *Engine) NoteResponded(roundID, chatID string) {
	e.mu.Lock()
	st := e.rounds.Get(roundID)
	var angle string
	if st != nil && st.MyProposal != nil {
		angle = st.MyProposal.Angle
	}
	e.mu.Unlock()

	if chatID == "" {
		return
	}
	e.register.NoteResponse(chatID, e.myName, angle)
}

// raise hands the decision to the holder on a fresh goroutine: decision
// application can block for the full synthesis wait.
func (e *Engine) raise(triggerMessageID string, d Decision) {
	if e.decide == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.decide(triggerMessageID, d)
	}()
}

// post encodes and delivers one outbound record, best-effort, and mirrors
// it to the event log.
func (e *Engine) post(rec *proto.Record) {
	payload, err := rec.Encode()
	if err != nil {
		e.logger.Error("Failed to encode %s record: %v", rec.Kind, err)
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, postTimeout)
	defer cancel()

	if _, err := e.poster.PostCoordination(ctx, string(payload)); err != nil {
		// State never rewinds over a failed post; peers recover via
		// their own deadlines.
		e.logger.Warn("Failed to post %s record for round %s: %v", rec.Kind, rec.RoundID, err)
	}

	if e.events != nil {
		if err := e.events.Record(eventlog.DirOutbound, string(rec.Kind), rec.RoundID, e.myName, string(payload)); err != nil {
			e.logger.Debug("Event log write failed: %v", err)
		}
	}
}

// LogInbound mirrors an inbound record to the event log.
func (e *Engine) LogInbound(rec *proto.Record, speaker, payload string) {
	if e.events == nil {
		return
	}
	if err := e.events.Record(eventlog.DirInbound, string(rec.Kind), rec.RoundID, speaker, payload); err != nil {
		e.logger.Debug("Event log write failed: %v", err)
	}
}

// Stop quiesces the engine: semaphores drain, round timers cancel, state
// clears. In-flight workers observe the canceled context and return.
func (e *Engine) Stop() {
	e.cancel()
	e.coordSem.Drain()
	e.layer2Sem.Drain()
	e.wg.Wait()
	e.rounds.Clear()
	e.register.Clear()
	e.peerWindow.Clear()
}
