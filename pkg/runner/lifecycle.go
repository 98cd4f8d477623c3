package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callcore/pkg/logging"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrDrainTimeout = errors.New("drain timeout")
)

// LifecycleRunner takes the process through New, Starting, Running,
// Draining and Stopped. Live calls are ended by the Drainer, which gets
// the drain timeout as its context deadline.
type LifecycleRunner struct {
	state   atomic.Int32
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	log     *slog.Logger

	stopCh    chan struct{}
	requested sync.Once
	stopped   sync.Once
	stopErr   error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		log:     logging.NewComponentLogger(nil, "runner"),
		stopCh:  make(chan struct{}),
	}
}

// WithLogger replaces the default logger. Call it before Run.
func (r *LifecycleRunner) WithLogger(log *slog.Logger) *LifecycleRunner {
	r.log = logging.NewComponentLogger(log, "runner")
	return r
}

// Run blocks until ctx is cancelled or Stop is called, then drains. The
// context passed to OnStart is cancelled when draining begins.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrInvalidState
	}
	PrintBanner()
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(runCtx); err != nil {
			r.setState(StateStopped)
			return fmt.Errorf("start: %w", err)
		}
	}
	if !r.casState(StateStarting, StateRunning) {
		// Stop arrived while OnStart was running.
		cancel()
		return r.stop()
	}
	r.log.Info("runner_running")
	select {
	case <-ctx.Done():
		r.log.Info("runner_signalled", "cause", context.Cause(ctx))
	case <-r.stopCh:
	}
	cancel()
	return r.stop()
}

// Stop drains and returns once the runner is stopped. It is safe to call
// alongside Run and more than once.
func (r *LifecycleRunner) Stop() error {
	r.requested.Do(func() { close(r.stopCh) })
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.stopped.Do(func() {
		r.setState(StateDraining)
		start := time.Now()
		r.log.Info("runner_draining", "timeout", r.timeout)
		r.stopErr = r.drain()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
		r.log.Info("runner_stopped", "drain_duration", time.Since(start))
	})
	return r.stopErr
}

func (r *LifecycleRunner) drain() error {
	if r.drainer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			r.log.Warn("runner_drain_error", "error", err)
		}
		return err
	case <-ctx.Done():
		r.log.Warn("runner_drain_timeout")
		return ErrDrainTimeout
	}
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	r.state.Store(int32(s))
}

var _ Runner = (*LifecycleRunner)(nil)
