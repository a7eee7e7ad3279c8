// Package supervisor keeps the inbound session alive: it runs the session
// in a loop and redials with jittered exponential backoff whenever it
// dies. A successful connect resets the backoff so a stable link that
// drops once reconnects quickly.
package supervisor

import (
	"context"
	"math"
	"math/rand"
	"time"

	"tandem/pkg/config"
	"tandem/pkg/logx"
	"tandem/pkg/metrics"
)

// Runner is one supervised session. Run blocks until the session ends,
// calling onReady once the session is established.
type Runner interface {
	Run(ctx context.Context, onReady func()) error
}

// Supervisor redials a Runner until its context is canceled.
type Supervisor struct {
	cfg    config.BackoffConfig
	runner Runner
	logger *logx.Logger
	rec    metrics.Recorder
}

// New creates a supervisor over the given runner.
func New(cfg config.BackoffConfig, runner Runner, rec metrics.Recorder) *Supervisor {
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Supervisor{
		cfg:    cfg,
		runner: runner,
		logger: logx.NewLogger("supervisor"),
		rec:    rec,
	}
}

// Run loops the runner until ctx is canceled. Returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.runner.Run(ctx, func() {
			// Connection established: the next failure starts the
			// backoff curve from the beginning.
			attempt = 0
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		delay := s.Delay(attempt)
		s.logger.Warn("Session ended (attempt %d): %v; redialing in %v", attempt, err, delay)
		s.rec.IncReconnect()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Delay computes the backoff for the given attempt (1-based):
// initial * factor^(attempt-1), capped at max, with +/-jitter applied.
func (s *Supervisor) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(s.cfg.Initial()) * math.Pow(s.cfg.Factor, float64(attempt-1))
	maxDelay := float64(s.cfg.Max())
	if base > maxDelay {
		base = maxDelay
	}

	if s.cfg.Jitter > 0 {
		base *= 1 + s.cfg.Jitter*(2*rand.Float64()-1)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
