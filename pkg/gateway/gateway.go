// Package gateway fronts the language-model providers behind one interface.
// The engine uses two entry points: Call, which keeps a long-lived logical
// session so proposal prompts carry context across rounds, and Fast, which
// is stateless per call so micro-proposal prompts never bleed context.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tandem/pkg/config"
	"tandem/pkg/gateway/gatewayerrors"
	"tandem/pkg/logx"
	"tandem/pkg/metrics"
	"tandem/pkg/utils"
)

// Role of one exchange message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a completion request.
type Message struct {
	Role    Role
	Content string
}

// Request is a provider-neutral completion request.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Provider is one model backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
	ModelName() string
}

// TemperatureDefault keeps proposal and reply prompts mildly exploratory.
const TemperatureDefault = 0.3

// CallOptions shape a single Call.
type CallOptions struct {
	// SessionID selects the long-lived exchange history. Empty means
	// stateless.
	SessionID string
	// System prepends a system message. On session calls it is pinned,
	// not stored in the rolling history.
	System string
	// Timeout bounds the first attempt; the retry gets 2x. Zero uses the
	// configured default.
	Timeout time.Duration
	// Retries caps additional attempts after the first. Negative means
	// none; zero uses the default of one.
	Retries int
}

// Gateway routes prompts to the main and fast providers with the
// timeout-and-one-retry policy and per-session context.
type Gateway struct {
	main    Provider
	fast    Provider
	logger  *logx.Logger
	rec     metrics.Recorder
	counter *utils.TokenCounter

	timeout   time.Duration
	maxTokens int
	budget    int

	mu       sync.Mutex
	sessions map[string]*session
	stopped  bool
}

// New builds a gateway from configuration, selecting providers by model
// name and pulling API keys from the secrets layer.
func New(cfg config.GatewayConfig, rec metrics.Recorder) (*Gateway, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("gateway model is required")
	}

	main, err := providerFor(cfg.Model, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build main provider: %w", err)
	}

	fast := main
	if cfg.FastModel != "" && cfg.FastModel != cfg.Model {
		fast, err = providerFor(cfg.FastModel, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build fast provider: %w", err)
		}
	}

	counter, err := utils.NewTokenCounter(cfg.Model)
	if err != nil {
		// Budgeting degrades to the chars/4 estimate.
		logx.NewLogger("gateway").Warn("Tokenizer unavailable, using char estimate: %v", err)
		counter = nil
	}

	if rec == nil {
		rec = metrics.Nop()
	}

	return &Gateway{
		main:      main,
		fast:      fast,
		logger:    logx.NewLogger("gateway"),
		rec:       rec,
		counter:   counter,
		timeout:   cfg.Timeout(),
		maxTokens: cfg.MaxTokens,
		budget:    cfg.SessionBudget,
		sessions:  make(map[string]*session),
	}, nil
}

// NewWithProviders builds a gateway over explicit providers. Tests use this
// to install fakes.
func NewWithProviders(main, fast Provider, cfg config.GatewayConfig, rec metrics.Recorder) *Gateway {
	if fast == nil {
		fast = main
	}
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Gateway{
		main:      main,
		fast:      fast,
		logger:    logx.NewLogger("gateway"),
		rec:       rec,
		timeout:   cfg.Timeout(),
		maxTokens: cfg.MaxTokens,
		budget:    cfg.SessionBudget,
		sessions:  make(map[string]*session),
	}
}

// providerFor picks a backend by model-name pattern.
func providerFor(model string, cfg config.GatewayConfig) (Provider, error) {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		key, err := config.GetSecret(config.SecretAnthropicKey)
		if err != nil {
			return nil, err
		}
		return NewAnthropicProvider(key, model), nil
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		key, err := config.GetSecret(config.SecretOpenAIKey)
		if err != nil {
			return nil, err
		}
		return NewOpenAIProvider(key, model), nil
	case strings.HasPrefix(lower, "gemini"):
		key, err := config.GetSecret(config.SecretGeminiKey)
		if err != nil {
			return nil, err
		}
		return NewGeminiProvider(key, model), nil
	default:
		return NewOllamaProvider(cfg.OllamaHost, model), nil
	}
}

// Call sends a prompt through the main provider. With a SessionID the
// exchange joins a rolling history trimmed to the token budget. Returns
// the reply text, or "" with an error once retries are exhausted.
func (g *Gateway) Call(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return "", fmt.Errorf("gateway stopped")
	}
	var sess *session
	if opts.SessionID != "" {
		sess = g.sessions[opts.SessionID]
		if sess == nil {
			sess = newSession(g.budget, g.counter)
			g.sessions[opts.SessionID] = sess
		}
	}
	g.mu.Unlock()

	messages := make([]Message, 0, 8)
	if opts.System != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: opts.System})
	}
	if sess != nil {
		messages = append(messages, sess.History()...)
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})

	reply, err := g.complete(ctx, g.main, messages, opts)
	if err != nil {
		return "", err
	}

	if sess != nil {
		sess.Append(
			Message{Role: RoleUser, Content: prompt},
			Message{Role: RoleAssistant, Content: reply},
		)
	}
	return reply, nil
}

// Fast sends a prompt through the fast provider with no session. Used for
// micro-proposal generation where context bleed between rounds would skew
// the self-assessment.
func (g *Gateway) Fast(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	stopped := g.stopped
	g.mu.Unlock()
	if stopped {
		return "", fmt.Errorf("gateway stopped")
	}

	messages := []Message{{Role: RoleUser, Content: prompt}}
	return g.complete(ctx, g.fast, messages, CallOptions{})
}

// complete runs the attempt loop: first try bounded by the timeout, one
// retry at double the timeout when the failure classifies as retryable.
func (g *Gateway) complete(ctx context.Context, p Provider, messages []Message, opts CallOptions) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	retries := opts.Retries
	if retries == 0 {
		retries = 1
	} else if retries < 0 {
		retries = 0
	}

	req := Request{
		Messages:    messages,
		MaxTokens:   g.maxTokens,
		Temperature: TemperatureDefault,
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		attemptTimeout := timeout
		if attempt > 0 {
			attemptTimeout = 2 * timeout
		}

		callCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		start := time.Now()
		reply, err := p.Complete(callCtx, req)
		cancel()

		if err == nil && strings.TrimSpace(reply) == "" {
			err = gatewayerrors.New(gatewayerrors.TypeEmptyResponse, "provider returned no content")
		}
		if err == nil {
			g.rec.ObserveRequest(p.ModelName(), true, "", time.Since(start))
			return reply, nil
		}

		classified := gatewayerrors.Classify(err)
		g.rec.ObserveRequest(p.ModelName(), false, classified.Type.String(), time.Since(start))
		lastErr = classified

		if ctx.Err() != nil {
			return "", fmt.Errorf("gateway call aborted: %w", ctx.Err())
		}
		if !classified.Retryable() || attempt == retries {
			break
		}
		g.rec.IncRetry(p.ModelName(), classified.Type.String())
		g.logger.Warn("Gateway call failed (%s), retrying at %v: %v", classified.Type, 2*timeout, err)
	}

	return "", fmt.Errorf("gateway call to %s failed: %w", p.ModelName(), lastErr)
}

// ClearSession drops one session's history.
func (g *Gateway) ClearSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// Stop clears every session and refuses further calls.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	g.sessions = make(map[string]*session)
}
