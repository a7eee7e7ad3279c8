package kernel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default("b1", "alice")
	cfg.Chat.DSN = filepath.Join(t.TempDir(), "tandem.db")
	cfg.Gateway.Model = "llama3" // local provider, no API key needed
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewWiresAllComponents(t *testing.T) {
	k, err := New(testConfig(t))
	require.NoError(t, err)

	assert.NotNil(t, k.store)
	assert.NotNil(t, k.svc)
	assert.NotNil(t, k.gw)
	assert.NotNil(t, k.engine)
	assert.NotNil(t, k.holder)
	assert.NotNil(t, k.inbound)
	assert.NotNil(t, k.sup)
	assert.Nil(t, k.metrics, "metrics server is off without an addr")

	k.shutdown()
}

func TestNewFailsOnUnopenableStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.DSN = filepath.Join(t.TempDir(), "missing", "nested", "tandem.db")

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	k, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	// Poll-only mode: the inbound loop is up once the run settles.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("kernel did not stop")
	}
}

func TestEventLogEnabledByConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventLog.Dir = t.TempDir()

	k, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, k.events)
	k.shutdown()
}
