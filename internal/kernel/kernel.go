// Package kernel is the composition root: it builds the store, chat
// service, gateway, engine, holder, and inbound layer from configuration,
// wires them together, and runs the whole sidecar until the context is
// canceled.
package kernel

import (
	"context"
	"fmt"

	"tandem/internal/supervisor"
	"tandem/pkg/chat"
	"tandem/pkg/config"
	"tandem/pkg/coord"
	"tandem/pkg/eventlog"
	"tandem/pkg/gateway"
	"tandem/pkg/holder"
	"tandem/pkg/inbound"
	"tandem/pkg/logx"
	"tandem/pkg/metrics"
	"tandem/pkg/persistence"
	"tandem/pkg/proto"
	"tandem/pkg/realtime"
)

// Kernel owns every long-lived component of one sidecar instance.
type Kernel struct {
	cfg    *config.Config
	logger *logx.Logger
	rec    metrics.Recorder

	store   *persistence.Store
	svc     *chat.Service
	gw      *gateway.Gateway
	events  *eventlog.Writer
	engine  *coord.Engine
	holder  *holder.Holder
	inbound *inbound.Inbound
	sup     *supervisor.Supervisor
	metrics *metrics.Server
}

// New builds and wires a kernel from validated configuration.
func New(cfg *config.Config) (*Kernel, error) {
	if cfg.Log.Debug {
		logx.SetDebug(true, cfg.Log.Domains)
	}

	k := &Kernel{
		cfg:    cfg,
		logger: logx.NewLogger("kernel"),
		rec:    metrics.Nop(),
	}
	if cfg.Metrics.Addr != "" {
		k.rec = metrics.NewPrometheusRecorder(cfg.Agent.Name)
	}

	store, err := persistence.Open(cfg.Chat.Driver, cfg.Chat.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat store: %w", err)
	}
	k.store = store

	k.svc = chat.NewService(store, cfg.Chat, cfg.Agent.Name)

	gw, err := gateway.New(cfg.Gateway, k.rec)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	k.gw = gw

	if cfg.EventLog.Dir != "" {
		events, err := eventlog.NewWriter(cfg.EventLog.Dir)
		if err != nil {
			// Traffic logging is diagnostic only.
			k.logger.Warn("Event log disabled: %v", err)
		} else {
			k.events = events
		}
	}

	// The engine raises decisions into the holder, and the holder's
	// responder notes dispatches back into the engine's register. The
	// holder variable closes that loop.
	k.engine = coord.NewEngine(coord.EngineConfig{
		Coordination: cfg.Coordination,
		MyName:       cfg.Agent.Name,
		Gateway:      gw,
		Poster:       k.svc,
		History:      coord.NewHistoryLoader(k.svc),
		Recorder:     k.rec,
		EventLog:     k.events,
		Decide: func(triggerMessageID string, d coord.Decision) {
			k.holder.ApplyDecision(triggerMessageID, d)
		},
	})

	k.holder = holder.New(holder.Config{
		Holder:       cfg.Holder,
		MyName:       cfg.Agent.Name,
		Coordination: cfg.CoordinationEnabled(),
		Responder:    holder.NewChatResponder(gw, k.svc, k.engine),
		Summaries:    k.svc,
		Recorder:     k.rec,
	})

	k.inbound = inbound.New(inbound.Config{
		Inbound:      cfg.Inbound,
		Coordination: cfg.Coordination,
		BotID:        cfg.Agent.ID,
		MyName:       cfg.Agent.Name,
		CoordChatID:  cfg.Chat.CoordChatID,
		Store:        store,
		Dial:         k.dialFunc(),
		Callbacks: inbound.Callbacks{
			OnDispatch:     k.onDispatch,
			OnCoordination: k.onCoordination,
		},
		Recorder: k.rec,
	})

	k.sup = supervisor.New(cfg.Backoff, k.inbound, k.rec)

	if cfg.Metrics.Addr != "" {
		k.metrics = metrics.NewServer(cfg.Agent.Name, store)
	}

	return k, nil
}

// dialFunc returns the realtime dialer, or a poll-only stub when no
// realtime endpoint is configured.
func (k *Kernel) dialFunc() inbound.DialFunc {
	if k.cfg.Realtime.URL == "" {
		k.logger.Info("No realtime endpoint configured, running poll-only")
		return func(context.Context) (inbound.Session, error) {
			return newIdleSession(), nil
		}
	}

	url := k.cfg.Realtime.URL
	botID := k.cfg.Agent.ID
	return func(ctx context.Context) (inbound.Session, error) {
		token, err := config.GetSecret(config.SecretRealtimeToken)
		if err != nil {
			return nil, fmt.Errorf("realtime token unavailable: %w", err)
		}
		return realtime.Dial(ctx, url, token, botID)
	}
}

// onDispatch routes one delivered user message: hold it and open a round,
// unless the holder dispatched it directly.
func (k *Kernel) onDispatch(d inbound.Dispatch) {
	msg := holder.Message{
		MessageID: d.MessageID,
		ChatID:    d.ChatID,
		UserID:    d.UserID,
		Content:   d.Content,
	}
	if k.holder.Accept(msg) {
		k.engine.StartRound(coord.RoundTrigger{
			RoundID:          d.MessageID,
			TriggerMessageID: d.MessageID,
			TriggerContent:   d.Content,
			SourceChatID:     d.ChatID,
		})
	}
}

// onCoordination forwards one peer record into the engine.
func (k *Kernel) onCoordination(rec *proto.Record, speaker, payload string) {
	k.engine.LogInbound(rec, speaker, payload)
	k.engine.HandleRecord(rec, speaker)
}

// Run starts the metrics listener and the supervised inbound loop, then
// shuts everything down in reverse order when ctx is canceled.
func (k *Kernel) Run(ctx context.Context) error {
	k.logger.Info("Starting sidecar agent=%s bot=%s", k.cfg.Agent.Name, k.cfg.Agent.ID)

	if k.metrics != nil {
		if err := k.metrics.StartServer(ctx, k.cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	err := k.sup.Run(ctx)

	k.shutdown()

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// shutdown quiesces components in reverse dependency order: no new work,
// drain in-flight, flush, close.
func (k *Kernel) shutdown() {
	k.logger.Info("Shutting down")

	k.holder.Stop()
	k.engine.Stop()
	k.gw.Stop()

	if k.events != nil {
		if err := k.events.Close(); err != nil {
			k.logger.Warn("Event log close failed: %v", err)
		}
	}
	if err := k.store.Close(); err != nil {
		k.logger.Warn("Store close failed: %v", err)
	}
}

// idleSession is the poll-only stand-in for a realtime connection: it
// never produces events and never dies.
type idleSession struct {
	done chan struct{}
}

func newIdleSession() *idleSession {
	return &idleSession{done: make(chan struct{})}
}

func (s *idleSession) Events() <-chan realtime.Event { return nil }
func (s *idleSession) Done() <-chan struct{}         { return s.done }
func (s *idleSession) Err() error                    { return nil }
func (s *idleSession) Close() error                  { return nil }
