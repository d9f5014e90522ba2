// Package stopwatcher implements the Stop Watcher (SW): one instance per
// in-flight run, watching its two control channels for a stop signal while
// independently refreshing the run's heartbeat, adapted from the
// subscribe/unsubscribe bookkeeping of the platform's websocket hub and
// narrowed to a single run's control channels.
package stopwatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/runs"
	"github.com/kandev/runorchestrator/internal/runs/streaming"
)

// StopWatcher watches a single run's control channels for a stop signal and
// refreshes its heartbeat and lock on a fixed period. Stopped() is safe to
// poll from the drive loop at any point after New returns.
type StopWatcher struct {
	bus       streaming.Bus
	namespace string
	instance  string
	heartbeat time.Duration
	lockTTL   time.Duration
	period    time.Duration
	logger    *logger.Logger

	stopped atomic.Bool
	subs    []streaming.Subscription

	stopCh chan struct{}
	once   sync.Once
	done   chan struct{}
}

// Config holds the Stop Watcher's TTL and timing knobs, set from the Run
// Coordinator's OrchestratorConfig.
type Config struct {
	// HeartbeatTTL and LockTTL are refreshed on every tick of Period, so a
	// run that keeps running never lets either key lapse mid-run (SPEC_FULL
	// §9: the lock TTL must not equal a day-long response-list TTL, but it
	// still needs periodic renewal for runs that outlive one TTL window).
	HeartbeatTTL time.Duration
	LockTTL      time.Duration
	Period       time.Duration

	// SetupTimeout bounds how long establishing the control-channel
	// subscriptions and the initial heartbeat write may take. It is the
	// Stop Watcher's share of the spec's stop-latency bound: a run whose
	// watcher never finishes subscribing can never observe a STOP.
	SetupTimeout time.Duration
}

// New subscribes to both the global and this-instance control channels for
// namespace and starts the periodic heartbeat/lock refresh. It does not
// block; call Stopped to poll and Close to tear down.
func New(ctx context.Context, bus streaming.Bus, namespace, instance string, cfg Config, log *logger.Logger) (*StopWatcher, error) {
	w := &StopWatcher{
		bus:       bus,
		namespace: namespace,
		instance:  instance,
		heartbeat: cfg.HeartbeatTTL,
		lockTTL:   cfg.LockTTL,
		period:    cfg.Period,
		logger:    log,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	onControl := func(payload string) {
		switch payload {
		case runs.ControlStop, runs.ControlError:
			w.logger.Info("stopwatcher: stop signal received",
				zap.String("namespace", namespace), zap.String("payload", payload))
			w.signalStop()
		case runs.ControlEndStream:
			// terminal from the producer side, not a stop request; ignored here
		}
	}

	setupCtx := ctx
	if cfg.SetupTimeout > 0 {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, cfg.SetupTimeout)
		defer cancel()
	}

	globalSub, err := bus.SubscribeControl(setupCtx, namespace, "", onControl)
	if err != nil {
		return nil, err
	}
	w.subs = append(w.subs, globalSub)

	instanceSub, err := bus.SubscribeControl(setupCtx, namespace, instance, onControl)
	if err != nil {
		_ = globalSub.Unsubscribe()
		return nil, err
	}
	w.subs = append(w.subs, instanceSub)

	if err := bus.WriteHeartbeat(setupCtx, namespace, instance, cfg.HeartbeatTTL); err != nil {
		_ = globalSub.Unsubscribe()
		_ = instanceSub.Unsubscribe()
		return nil, err
	}

	go w.heartbeatLoop(ctx)

	return w, nil
}

// Stopped reports whether a stop signal has been observed. Once true it
// never becomes false again for this watcher's lifetime.
func (w *StopWatcher) Stopped() bool {
	return w.stopped.Load()
}

// StopC returns a channel closed the instant a stop signal is observed, so
// the drive loop can select on it alongside the event channel instead of
// only noticing the flag between blocking reads.
func (w *StopWatcher) StopC() <-chan struct{} {
	return w.stopCh
}

func (w *StopWatcher) signalStop() {
	w.stopped.Store(true)
	w.once.Do(func() { close(w.stopCh) })
}

// heartbeatLoop is the Run Coordinator's only source of time-based TTL
// renewal: it refreshes both the heartbeat key and the lock this instance
// holds on the same period. Without the lock refresh, a run that outlives
// LockTTL would have its lock silently expire mid-run, letting a redelivered
// job be claimed and executed a second time on another worker (breaking the
// Uniqueness invariant) -- so a failure to refresh either key is treated the
// same fail-safe way as a control-channel error: stop rather than risk a
// duplicate or orphaned execution.
func (w *StopWatcher) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.bus.RefreshHeartbeat(ctx, w.namespace, w.instance, w.heartbeat); err != nil {
				w.logger.Error("stopwatcher: heartbeat refresh failed, treating as fail-safe stop",
					zap.String("namespace", w.namespace), zap.Error(err))
				w.signalStop()
				return
			}
			if err := w.bus.RefreshLock(ctx, w.namespace, w.instance, w.lockTTL); err != nil {
				w.logger.Error("stopwatcher: lock refresh failed, treating as fail-safe stop",
					zap.String("namespace", w.namespace), zap.Error(err))
				w.signalStop()
				return
			}
		}
	}
}

// Close stops the heartbeat loop and unsubscribes from both control
// channels. It does not delete the heartbeat key; the Run Coordinator owns
// that as part of its cleanup phase.
func (w *StopWatcher) Close() error {
	close(w.done)
	var firstErr error
	for _, s := range w.subs {
		if err := s.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
