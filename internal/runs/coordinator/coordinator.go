// Package coordinator implements the Run Coordinator (RC): the component
// that claims a delivered job exactly once, drives its Event Producer to
// completion, and writes the resulting terminal state, adapted from the
// platform scheduler's dequeue-and-dispatch loop and terminal monotone-
// transition guard.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/runorchestrator/internal/common/config"
	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/runs"
	"github.com/kandev/runorchestrator/internal/runs/producer"
	"github.com/kandev/runorchestrator/internal/runs/statuswriter"
	"github.com/kandev/runorchestrator/internal/runs/stopwatcher"
	"github.com/kandev/runorchestrator/internal/runs/store"
	"github.com/kandev/runorchestrator/internal/runs/streaming"
)

// ProducerFactory resolves the Event Producer a job's kind is driven by.
type ProducerFactory func(kind runs.Kind) (producer.Producer, error)

// Coordinator runs the claim -> drive -> terminal-write -> cleanup
// algorithm for one job at a time. One Coordinator is shared across every
// job this worker instance claims; each call to ClaimAndDrive is
// independent and safe to run concurrently with others.
type Coordinator struct {
	bus       streaming.Bus
	store     store.Store
	writer    *statuswriter.StatusWriter
	producers ProducerFactory
	instance  string
	cfg       config.OrchestratorConfig
	logger    *logger.Logger
	tracer    trace.Tracer
}

// New builds a Coordinator. Tracing defaults to a no-op tracer; call
// SetTracer to wire a real one once the process's tracing.Provider is ready.
func New(bus streaming.Bus, st store.Store, writer *statuswriter.StatusWriter, producers ProducerFactory, instance string, cfg config.OrchestratorConfig, log *logger.Logger) *Coordinator {
	return &Coordinator{
		bus: bus, store: st, writer: writer, producers: producers, instance: instance, cfg: cfg, logger: log,
		tracer: noop.NewTracerProvider().Tracer("coordinator"),
	}
}

// SetTracer replaces the no-op tracer New installs by default.
func (c *Coordinator) SetTracer(t trace.Tracer) {
	c.tracer = t
}

// ClaimAndDrive runs the full RC algorithm for one job. It never returns an
// error for conditions the contract treats as ordinary outcomes (claim
// conflict, EP failure); it returns an error only when the job's
// stream_namespace resolves empty, or when the lock acquire, the producer
// lookup or the Stop Watcher start fails before the run begins, so the
// broker's Ack/Nak decision has somewhere to go for pathological cases.
func (c *Coordinator) ClaimAndDrive(ctx context.Context, job runs.Job) error {
	namespace := job.StreamNamespace()
	if namespace == "" {
		return runs.ErrNamespaceRequired
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.claim_and_drive",
		trace.WithAttributes(
			attribute.String("run.id", job.RunID),
			attribute.String("run.kind", string(job.Kind)),
			attribute.String("run.namespace", namespace),
		))
	defer span.End()

	log := c.logger.WithFields(zap.String("run_id", job.RunID), zap.String("namespace", namespace))

	// --- CLAIMING ---
	holder, acquired, err := c.bus.AcquireLock(ctx, namespace, c.instance, c.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("coordinator: acquire lock for %s: %w", namespace, err)
	}
	if !acquired {
		log.Info("claim conflict, abandoning delivery", zap.String("holder", holder))
		return nil
	}

	prod, err := c.producers(job.Kind)
	if err != nil {
		_ = c.bus.ReleaseLock(ctx, namespace)
		return fmt.Errorf("coordinator: resolve producer for %s: %w", job.RunID, err)
	}

	// --- RUNNING ---
	sw, err := stopwatcher.New(ctx, c.bus, namespace, c.instance, stopwatcher.Config{
		HeartbeatTTL: c.cfg.HeartbeatTTL,
		LockTTL:      c.cfg.LockTTL,
		Period:       c.cfg.StopWatcherHeartbeatRate,
		SetupTimeout: c.cfg.StopPollTimeout,
	}, c.logger)
	if err != nil {
		_ = c.bus.ReleaseLock(ctx, namespace)
		return fmt.Errorf("coordinator: start stop watcher for %s: %w", namespace, err)
	}

	startedAt := time.Now()
	if err := c.store.MarkRunning(ctx, job, startedAt); err != nil {
		log.Error("mark running failed, continuing anyway", zap.Error(err))
	}

	bg, bgCtx := errgroup.WithContext(context.Background())

	finalStatus, finalMessage := c.driveLoop(ctx, log, job, namespace, prod, sw, bg, bgCtx)
	span.SetAttributes(attribute.String("run.final_status", string(finalStatus)))

	// --- DRAINING_* ---
	// Every event's append already completed synchronously inside emit;
	// what's left to drain here is only the fire-and-forget notification
	// publishes, which carry no ordering requirement against the response
	// list read-back below.
	c.drainBackground(log, bg)

	events, err := c.bus.ReadResponses(ctx, namespace, 0)
	if err != nil {
		log.Error("read back response list failed", zap.Error(err))
		events = nil
	}

	errMsg := ""
	if finalStatus == runs.StatusFailed {
		errMsg = finalMessage
	}
	c.writer.Write(ctx, job.RunID, finalStatus, errMsg, time.Now(), events)
	if err := c.bus.PublishControl(ctx, namespace, "", runs.BroadcastFor(finalStatus)); err != nil {
		log.Warn("publish terminal broadcast failed", zap.Error(err))
	}

	// --- CLEANUP (always) ---
	c.cleanup(context.Background(), log, namespace, prod, sw)

	return nil
}

// driveLoop consumes the producer's event sequence, appending each event to
// the response list in order (backpressured on the append itself) and
// publishing its notification in the background, and returns the run's
// final status once the sequence ends, a terminal event is observed, or the
// Stop Watcher's cancellation flag is set.
func (c *Coordinator) driveLoop(ctx context.Context, log *logger.Logger, job runs.Job, namespace string, prod producer.Producer, sw *stopwatcher.StopWatcher, bg *errgroup.Group, bgCtx context.Context) (runs.Status, string) {
	// prodCtx is cancelled the moment the drive loop stops consuming, so a
	// producer blocked sending its next event (or sleeping between events)
	// unblocks promptly on external STOP instead of leaking until Close.
	prodCtx, cancelProd := context.WithCancel(ctx)
	defer cancelProd()

	eventCh, err := prod.Open(prodCtx, job)
	if err != nil {
		msg := err.Error()
		c.emit(ctx, bg, bgCtx, namespace, runs.NewTerminalEvent(job.Kind, runs.StatusFailed, msg))
		return runs.StatusFailed, msg
	}

	count := 0
	sawTerminal := false
	finalStatus := runs.StatusCompleted
	finalMessage := ""

loop:
	for {
		select {
		case <-sw.StopC():
			finalStatus = runs.StatusStopped
			break loop
		case ev, ok := <-eventCh:
			if !ok {
				break loop
			}
			count++
			c.emit(ctx, bg, bgCtx, namespace, ev)
			if count%c.cfg.HeartbeatEventStride == 0 {
				if err := c.bus.RefreshHeartbeat(ctx, namespace, c.instance, c.cfg.HeartbeatTTL); err != nil {
					log.Warn("opportunistic heartbeat refresh failed", zap.Error(err))
				}
			}

			if status, terminal := ev.IsTerminal(job.Kind); terminal {
				sawTerminal = true
				finalStatus = status
				finalMessage = ev.Message
				if status == runs.StatusFailed && ev.Err != "" {
					finalMessage = ev.Err
				}
				break loop
			}
		}
	}

	if !sawTerminal && finalStatus != runs.StatusStopped {
		finalStatus = runs.StatusCompleted
		finalMessage = "run completed successfully"
		c.emit(ctx, bg, bgCtx, namespace, runs.NewTerminalEvent(job.Kind, runs.StatusCompleted, finalMessage))
	} else if finalStatus == runs.StatusStopped {
		finalMessage = "stopped by external signal"
		c.emit(ctx, bg, bgCtx, namespace, runs.NewTerminalEvent(job.Kind, runs.StatusStopped, finalMessage))
	}

	return finalStatus, finalMessage
}

// emit serialises ev and appends it to the response list before returning,
// so the next event's emit call can't race it: the Streaming Bus append for
// event N+1 never gets scheduled until event N's append has been
// acknowledged by the bus. This is the backpressure design SPEC_FULL.md §9
// calls for -- without it, two events appended from independent goroutines
// race on the bus and the stored order can diverge from the order the Event
// Producer yielded them in (the Event-order invariant), and a later event
// can even land before an earlier run's terminal event, breaking
// Log-status agreement. Only the notification publish, which carries no
// ordering requirement of its own, stays fire-and-forget and tracked by bg
// for the cleanup drain.
func (c *Coordinator) emit(ctx context.Context, bg *errgroup.Group, bgCtx context.Context, namespace string, ev runs.Event) {
	payload, err := runs.MarshalEvent(ev)
	if err != nil {
		c.logger.Error("marshal event failed, dropping", zap.String("namespace", namespace), zap.Error(err))
		return
	}

	if _, err := c.bus.AppendResponse(ctx, namespace, payload); err != nil {
		c.logger.Warn("append response failed", zap.String("namespace", namespace), zap.Error(err))
	}
	bg.Go(func() error {
		if err := c.bus.PublishNotification(bgCtx, namespace); err != nil {
			c.logger.Warn("publish notification failed", zap.String("namespace", namespace), zap.Error(err))
		}
		return nil
	})
}

// drainBackground waits for every outstanding notification-publish task bg
// is tracking, up to DrainTimeout, before the caller reads the response list
// back. The State Store row remains authoritative even if this times out;
// a slow notification publish only risks a subscriber's "new" signal
// arriving late, never an incorrect terminal status or response order.
func (c *Coordinator) drainBackground(log *logger.Logger, bg *errgroup.Group) {
	done := make(chan struct{})
	go func() {
		_ = bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.DrainTimeout):
		log.Warn("drain timed out, some notification publishes may be lost (SS row remains authoritative)")
	}
}

func (c *Coordinator) cleanup(ctx context.Context, log *logger.Logger, namespace string, prod producer.Producer, sw *stopwatcher.StopWatcher) {
	if err := sw.Close(); err != nil {
		log.Warn("stop watcher close failed", zap.Error(err))
	}
	if err := prod.Close(); err != nil {
		log.Warn("producer close failed", zap.Error(err))
	}

	if err := c.bus.ExpireResponses(ctx, namespace, c.cfg.ResponseListTTL); err != nil {
		log.Warn("set response list TTL failed", zap.Error(err))
	}
	if err := c.bus.DeleteHeartbeat(ctx, namespace, c.instance); err != nil {
		log.Warn("delete heartbeat failed", zap.Error(err))
	}
	if err := c.bus.ReleaseLock(ctx, namespace); err != nil {
		log.Warn("release lock failed", zap.Error(err))
	}
}
