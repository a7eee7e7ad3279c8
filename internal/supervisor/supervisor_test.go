package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/config"
)

func testBackoff() config.BackoffConfig {
	return config.BackoffConfig{InitialMS: 10, MaxMS: 80, Factor: 2, Jitter: 0}
}

type scriptedRunner struct {
	mu      sync.Mutex
	runs    int
	script  []func(ctx context.Context, onReady func()) error
	fallthr func(ctx context.Context, onReady func()) error
}

func (r *scriptedRunner) Run(ctx context.Context, onReady func()) error {
	r.mu.Lock()
	n := r.runs
	r.runs++
	var fn func(context.Context, func()) error
	if n < len(r.script) {
		fn = r.script[n]
	} else {
		fn = r.fallthr
	}
	r.mu.Unlock()
	return fn(ctx, onReady)
}

func (r *scriptedRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func TestDelayGrowsExponentiallyToCap(t *testing.T) {
	s := New(testBackoff(), nil, nil)

	assert.Equal(t, 10*time.Millisecond, s.Delay(1))
	assert.Equal(t, 20*time.Millisecond, s.Delay(2))
	assert.Equal(t, 40*time.Millisecond, s.Delay(3))
	assert.Equal(t, 80*time.Millisecond, s.Delay(4))
	assert.Equal(t, 80*time.Millisecond, s.Delay(9))
}

func TestDelayJitterStaysInBounds(t *testing.T) {
	cfg := testBackoff()
	cfg.Jitter = 0.2
	s := New(cfg, nil, nil)

	for i := 0; i < 200; i++ {
		d := s.Delay(1)
		assert.GreaterOrEqual(t, d, 8*time.Millisecond)
		assert.LessOrEqual(t, d, 12*time.Millisecond)
	}
}

func TestRunRedialsUntilCanceled(t *testing.T) {
	runner := &scriptedRunner{
		fallthr: func(context.Context, func()) error {
			return errors.New("connection lost")
		},
	}
	s := New(testBackoff(), runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.runCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never returned")
	}
}

func TestSuccessfulConnectResetsBackoff(t *testing.T) {
	// Two failures escalate the delay (20ms, 80ms). The third run
	// connects before dying, so the fourth redial drops back to the
	// initial 20ms instead of continuing to 320ms.
	var mu sync.Mutex
	var starts []time.Time

	recordStart := func() {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
	}

	runner := &scriptedRunner{
		script: []func(ctx context.Context, onReady func()) error{
			func(context.Context, func()) error { recordStart(); return errors.New("refused") },
			func(context.Context, func()) error { recordStart(); return errors.New("refused") },
			func(_ context.Context, onReady func()) error {
				recordStart()
				onReady()
				return errors.New("dropped after connect")
			},
		},
		fallthr: func(ctx context.Context, _ func()) error {
			recordStart()
			<-ctx.Done()
			return ctx.Err()
		},
	}

	s := New(config.BackoffConfig{InitialMS: 20, MaxMS: 2000, Factor: 4, Jitter: 0}, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.runCount() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(starts), 4)
	gap := starts[3].Sub(starts[2])
	assert.Less(t, gap, 150*time.Millisecond, "redial after a successful connect must use the initial delay")
}
