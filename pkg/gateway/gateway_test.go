package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/config"
	"tandem/pkg/gateway/gatewayerrors"
)

// fakeProvider scripts responses and records the requests it saw.
type fakeProvider struct {
	mu       sync.Mutex
	model    string
	replies  []string
	errs     []error
	requests []Request
}

func (f *fakeProvider) Complete(_ context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	n := len(f.requests) - 1
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	if n < len(f.replies) {
		return f.replies[n], nil
	}
	return "", fmt.Errorf("fake provider exhausted")
}

func (f *fakeProvider) ModelName() string { return f.model }

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func testConfig() config.GatewayConfig {
	cfg := config.Default("bot-a", "alpha").Gateway
	return cfg
}

func TestCallReturnsReply(t *testing.T) {
	p := &fakeProvider{model: "fake", replies: []string{"hello back"}}
	g := NewWithProviders(p, nil, testConfig(), nil)

	reply, err := g.Call(context.Background(), "hello", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello back", reply)
	assert.Equal(t, 1, p.calls())
}

func TestCallRetriesOnceOnTransient(t *testing.T) {
	p := &fakeProvider{
		model:   "fake",
		errs:    []error{gatewayerrors.New(gatewayerrors.TypeTransient, "server error"), nil},
		replies: []string{"", "second try"},
	}
	g := NewWithProviders(p, nil, testConfig(), nil)

	reply, err := g.Call(context.Background(), "prompt", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "second try", reply)
	assert.Equal(t, 2, p.calls())
}

func TestCallDoesNotRetryAuthErrors(t *testing.T) {
	p := &fakeProvider{
		model: "fake",
		errs:  []error{gatewayerrors.New(gatewayerrors.TypeAuth, "bad key")},
	}
	g := NewWithProviders(p, nil, testConfig(), nil)

	_, err := g.Call(context.Background(), "prompt", CallOptions{})
	require.Error(t, err)
	assert.True(t, gatewayerrors.Is(err, gatewayerrors.TypeAuth))
	assert.Equal(t, 1, p.calls())
}

func TestCallGivesUpAfterOneRetry(t *testing.T) {
	transient := gatewayerrors.New(gatewayerrors.TypeTransient, "still down")
	p := &fakeProvider{model: "fake", errs: []error{transient, transient, transient}}
	g := NewWithProviders(p, nil, testConfig(), nil)

	reply, err := g.Call(context.Background(), "prompt", CallOptions{})
	require.Error(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, 2, p.calls())
}

func TestEmptyReplyClassifiedAndRetried(t *testing.T) {
	p := &fakeProvider{model: "fake", replies: []string{"  ", "real answer"}}
	g := NewWithProviders(p, nil, testConfig(), nil)

	reply, err := g.Call(context.Background(), "prompt", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "real answer", reply)
	assert.Equal(t, 2, p.calls())
}

func TestSessionCarriesHistory(t *testing.T) {
	p := &fakeProvider{model: "fake", replies: []string{"first", "second"}}
	g := NewWithProviders(p, nil, testConfig(), nil)

	_, err := g.Call(context.Background(), "question one", CallOptions{SessionID: "s1"})
	require.NoError(t, err)
	_, err = g.Call(context.Background(), "question two", CallOptions{SessionID: "s1"})
	require.NoError(t, err)

	// Second request carries the first exchange plus the new prompt.
	second := p.requests[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, "question one", second.Messages[0].Content)
	assert.Equal(t, "first", second.Messages[1].Content)
	assert.Equal(t, RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, "question two", second.Messages[2].Content)
}

func TestFastIsStateless(t *testing.T) {
	main := &fakeProvider{model: "main", replies: []string{"main reply"}}
	fast := &fakeProvider{model: "fast", replies: []string{"fast one", "fast two"}}
	g := NewWithProviders(main, fast, testConfig(), nil)

	_, err := g.Fast(context.Background(), "quick question")
	require.NoError(t, err)
	_, err = g.Fast(context.Background(), "another question")
	require.NoError(t, err)

	// No history carried between Fast calls.
	require.Equal(t, 2, fast.calls())
	assert.Len(t, fast.requests[1].Messages, 1)
	assert.Zero(t, main.calls())
}

func TestSystemPromptPinnedNotStored(t *testing.T) {
	p := &fakeProvider{model: "fake", replies: []string{"a", "b"}}
	g := NewWithProviders(p, nil, testConfig(), nil)

	_, err := g.Call(context.Background(), "one", CallOptions{SessionID: "s", System: "you are alpha"})
	require.NoError(t, err)
	_, err = g.Call(context.Background(), "two", CallOptions{SessionID: "s", System: "you are alpha"})
	require.NoError(t, err)

	second := p.requests[1]
	require.Len(t, second.Messages, 4)
	assert.Equal(t, RoleSystem, second.Messages[0].Role)
	// History holds only the user/assistant turns.
	assert.Equal(t, "one", second.Messages[1].Content)
}

func TestStopRefusesCalls(t *testing.T) {
	p := &fakeProvider{model: "fake", replies: []string{"never"}}
	g := NewWithProviders(p, nil, testConfig(), nil)

	g.Stop()
	_, err := g.Call(context.Background(), "prompt", CallOptions{})
	assert.Error(t, err)
	_, err = g.Fast(context.Background(), "prompt")
	assert.Error(t, err)
	assert.Zero(t, p.calls())
}

func TestClearSessionDropsHistory(t *testing.T) {
	p := &fakeProvider{model: "fake", replies: []string{"a", "b"}}
	g := NewWithProviders(p, nil, testConfig(), nil)

	_, err := g.Call(context.Background(), "one", CallOptions{SessionID: "s"})
	require.NoError(t, err)
	g.ClearSession("s")
	_, err = g.Call(context.Background(), "two", CallOptions{SessionID: "s"})
	require.NoError(t, err)

	assert.Len(t, p.requests[1].Messages, 1)
}
