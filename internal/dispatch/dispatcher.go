package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/siphon/internal/events"
	"github.com/mattjoyce/siphon/internal/log"
	"github.com/mattjoyce/siphon/internal/metrics"
	"github.com/mattjoyce/siphon/internal/protocol"
	"github.com/mattjoyce/siphon/internal/queue"
	"github.com/mattjoyce/siphon/internal/status"
	"github.com/mattjoyce/siphon/internal/supervisor"
)

const (
	DefaultMaxConcurrent = 4
	DefaultLongPoll      = 20 * time.Second
	DefaultShutdownGrace = 30 * time.Second
	DefaultReleaseDelay  = 10 * time.Second

	// stderrTail is how much worker stderr is logged on an unclean exit.
	stderrTail = 2048
)

// Config tunes the dispatch loop. Command and Args start one submission
// worker; the WorkerRequest is written to its stdin.
type Config struct {
	MaxConcurrent  int
	LongPoll       time.Duration
	ShutdownGrace  time.Duration
	TerminateGrace time.Duration
	ReleaseDelay   time.Duration
	Command        string
	Args           []string
	Env            []string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.LongPoll <= 0 {
		c.LongPoll = DefaultLongPoll
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = supervisor.DefaultGrace
	}
	if c.ReleaseDelay <= 0 {
		c.ReleaseDelay = DefaultReleaseDelay
	}
	return c
}

// Dispatcher drains the work queue into worker processes.
type Dispatcher struct {
	queue  *queue.Queue
	store  *status.Store
	prober supervisor.Prober
	sup    *supervisor.Supervisor
	hub    *events.Hub
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*supervisor.Child // source_id -> worker
	wg      sync.WaitGroup
}

// New creates a Dispatcher. hub may be nil.
func New(q *queue.Queue, store *status.Store, prober supervisor.Prober, hub *events.Hub, cfg Config) *Dispatcher {
	logger := log.WithComponent("dispatch")
	return &Dispatcher{
		queue:   q,
		store:   store,
		prober:  prober,
		sup:     &supervisor.Supervisor{Logger: logger},
		hub:     hub,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		running: make(map[string]*supervisor.Child),
	}
}

// Running returns the source ids with a live worker, sorted.
func (d *Dispatcher) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.running))
	for id := range d.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start runs the dispatch loop until ctx is cancelled. At most
// MaxConcurrent workers run at once; a slot is taken before a receive so
// items are never leased without capacity to launch them. On shutdown the
// loop stops receiving, waits ShutdownGrace for workers to finish, then
// terminates and reconciles the rest.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.Recover(ctx); err != nil {
		return err
	}
	d.logger.Info("dispatch loop started", "max_concurrent", d.cfg.MaxConcurrent)
	defer d.logger.Info("dispatch loop stopped")

	slots := make(chan struct{}, d.cfg.MaxConcurrent)
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			d.shutdown()
			return nil
		}

		item, err := d.queue.Receive(ctx, d.cfg.LongPoll)
		d.observeDepth(ctx)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				d.shutdown()
				return nil
			}
			d.logger.Error("receive failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if item == nil {
			<-slots
			continue
		}

		child, sourceID := d.handle(ctx, item)
		if child == nil {
			<-slots
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { <-slots }()
			d.reap(sourceID, item.ID, child)
		}()
	}
}

// handle decides what to do with one received item. It returns the started
// worker, or nil when nothing was launched.
func (d *Dispatcher) handle(ctx context.Context, item *queue.WorkItem) (*supervisor.Child, string) {
	logger := log.WithItem(item.ID).With("component", "dispatch", "receive_count", item.ReceiveCount)

	var sub protocol.Submission
	if err := json.Unmarshal(item.Payload, &sub); err != nil || sub.SourceID == "" {
		logger.Error("dropping malformed work item", "error", err)
		d.ack(ctx, item, logger)
		metrics.CounterLaunches.WithLabelValues(metrics.LaunchFailed).Inc()
		return nil, ""
	}
	logger = logger.With("source_id", sub.SourceID)

	st, err := d.ensureStatus(ctx, sub)
	if err != nil {
		logger.Error("status unavailable, releasing item", "error", err)
		d.release(ctx, item, logger)
		return nil, ""
	}

	if skip, reason := d.skip(ctx, st); skip {
		logger.Info("work item skipped", "reason", reason)
		d.ack(ctx, item, logger)
		metrics.CounterLaunches.WithLabelValues(metrics.LaunchSkipped).Inc()
		d.hub.Publish(events.TypeSkipped, sub.SourceID, map[string]string{"reason": reason})
		return nil, ""
	}

	var stdin bytes.Buffer
	req := &protocol.WorkerRequest{Protocol: protocol.Version, ItemID: item.ID, Submission: sub}
	if err := protocol.EncodeWorkerRequest(&stdin, req); err != nil {
		logger.Error("cannot encode worker request", "error", err)
		d.ack(ctx, item, logger)
		metrics.CounterLaunches.WithLabelValues(metrics.LaunchFailed).Inc()
		return nil, ""
	}

	child, err := d.sup.Start(ctx, supervisor.Spec{
		Command: d.cfg.Command,
		Args:    d.cfg.Args,
		Env:     d.cfg.Env,
		Stdin:   stdin.Bytes(),
	})
	if err != nil {
		logger.Error("worker launch failed, releasing item", "error", err)
		d.release(ctx, item, logger)
		metrics.CounterLaunches.WithLabelValues(metrics.LaunchReleased).Inc()
		return nil, ""
	}

	// Record ownership before the worker claims it itself, so a concurrent
	// supersession never mistakes a starting worker for a dead one.
	if _, err := d.store.Update(ctx, sub.SourceID, func(s *status.Status) error {
		if s.Active {
			s.ProcessID = child.Handle.String()
		}
		return nil
	}); err != nil {
		logger.Warn("could not record worker handle", "error", err)
	}

	d.mu.Lock()
	d.running[sub.SourceID] = child
	d.mu.Unlock()
	metrics.GaugeRunning.Inc()

	// Ack only once the worker runs; a crash before this point redelivers.
	d.ack(ctx, item, logger)
	metrics.CounterLaunches.WithLabelValues(metrics.LaunchStarted).Inc()
	d.hub.Publish(events.TypeLaunched, sub.SourceID, map[string]any{"pid": child.Pid(), "handle": child.Handle.String()})
	logger.Info("worker launched", "pid", child.Pid())
	return child, sub.SourceID
}

// ensureStatus returns the status for sub, creating it when the item was
// enqueued without one.
func (d *Dispatcher) ensureStatus(ctx context.Context, sub protocol.Submission) (*status.Status, error) {
	st, err := d.store.Get(ctx, sub.SourceID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, status.ErrNotFound) {
		return nil, err
	}
	fresh, err := status.New(sub.SourceID, sub.OwnerID)
	if err != nil {
		return nil, err
	}
	fresh.ACL = append([]string{}, sub.ACL...)
	fresh.Test = sub.Test
	if err := d.store.Create(ctx, fresh); err != nil && !errors.Is(err, status.ErrExists) {
		return nil, err
	}
	return d.store.Get(ctx, sub.SourceID)
}

// skip applies the idempotence rules to a redelivered or duplicate item.
func (d *Dispatcher) skip(ctx context.Context, st *status.Status) (bool, string) {
	if !st.Active {
		return true, "submission already finished"
	}
	if st.ProcessID != "" {
		if d.prober.IsAlive(supervisor.Handle(st.ProcessID)) {
			return true, "submission owned by a live worker"
		}
		d.reconcile(ctx, st.SourceID, st.ProcessID, "worker exited unexpectedly")
		return true, "previous worker died"
	}
	if st.Cancelled {
		if _, err := d.store.Update(ctx, st.SourceID, func(s *status.Status) error {
			s.CancelRemaining()
			s.Active = false
			return nil
		}); err != nil {
			d.logger.Error("could not close cancelled submission", "source_id", st.SourceID, "error", err)
		}
		d.hub.Publish(events.TypeCancelled, st.SourceID, nil)
		return true, "cancelled before launch"
	}
	return false, ""
}

// reap waits for a worker and reconciles its status.
func (d *Dispatcher) reap(sourceID, itemID string, child *supervisor.Child) {
	ex := child.Wait()

	d.mu.Lock()
	delete(d.running, sourceID)
	d.mu.Unlock()
	metrics.GaugeRunning.Dec()

	logger := log.WithSubmission(sourceID).With("component", "dispatch", "item_id", itemID)
	if !ex.Success() {
		logger.Warn("worker exited uncleanly",
			"exit_code", ex.ExitCode, "terminated", ex.Terminated, "error", ex.Err, "stderr", tail(ex.Stderr, stderrTail))
	}

	reason := "worker exited unexpectedly"
	if ex.Terminated {
		reason = "interrupted by shutdown"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reconciled := d.reconcile(ctx, sourceID, child.Handle.String(), reason)

	outcome := metrics.ReapClean
	switch {
	case ex.Terminated:
		outcome = metrics.ReapTerminated
	case reconciled:
		outcome = metrics.ReapReconciled
	}
	metrics.CounterReaps.WithLabelValues(outcome).Inc()

	st, err := d.store.Get(ctx, sourceID)
	if err != nil {
		logger.Error("cannot read final status", "error", err)
		return
	}
	d.hub.Publish(events.TypeFinished, sourceID, map[string]any{
		"code":       st.Code,
		"exit_code":  ex.ExitCode,
		"reconciled": reconciled,
	})
	logger.Info("worker reaped", "code", st.Code, "exit_code", ex.ExitCode, "outcome", outcome)
}

// reconcile closes a status whose owner is gone: the first unfinished step
// becomes fatal, the rest are cancelled and the status goes inactive. Only
// statuses still owned by handle are touched. It reports whether anything
// was written.
func (d *Dispatcher) reconcile(ctx context.Context, sourceID, handle, reason string) bool {
	changed := false
	_, err := d.store.Update(ctx, sourceID, func(st *status.Status) error {
		if !st.Active || (st.ProcessID != "" && st.ProcessID != handle) {
			return nil
		}
		changed = true
		if _, failed := st.FailedAt(); !failed && !st.Cancelled {
			if step, ok := st.FirstPending(); ok {
				if err := st.SetStep(step, status.CodeFailed, status.Text("%s", reason)); err != nil {
					return err
				}
			}
		}
		st.CancelRemaining()
		st.Hibernating = false
		st.Active = false
		return nil
	})
	if err != nil {
		d.logger.Error("reconcile failed", "source_id", sourceID, "error", err)
		return false
	}
	if changed {
		d.logger.Warn("status reconciled after worker exit", "source_id", sourceID, "reason", reason)
		d.hub.Publish(events.TypeReconciled, sourceID, map[string]string{"reason": reason})
	}
	return changed
}

// Recover reconciles active statuses whose recorded owner is no longer
// alive, typically left behind by a crash of the previous dispatcher.
func (d *Dispatcher) Recover(ctx context.Context) error {
	active, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active statuses: %w", err)
	}
	n := 0
	for _, st := range active {
		if st.ProcessID == "" || d.prober.IsAlive(supervisor.Handle(st.ProcessID)) {
			continue
		}
		if d.reconcile(ctx, st.SourceID, st.ProcessID, "worker lost before restart") {
			n++
		}
	}
	if n > 0 {
		d.logger.Warn("recovered orphaned submissions", "count", n)
	}
	return nil
}

// shutdown waits up to ShutdownGrace for workers, then terminates the rest.
func (d *Dispatcher) shutdown() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	running := d.Running()
	if len(running) > 0 {
		d.logger.Info("waiting for workers", "count", len(running), "grace", d.cfg.ShutdownGrace.String())
	}
	select {
	case <-done:
		return
	case <-time.After(d.cfg.ShutdownGrace):
	}

	d.mu.Lock()
	children := make([]*supervisor.Child, 0, len(d.running))
	for _, c := range d.running {
		children = append(children, c)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range children {
		wg.Add(1)
		go func(c *supervisor.Child) {
			defer wg.Done()
			c.Terminate(d.cfg.TerminateGrace)
		}(c)
	}
	wg.Wait()
	<-done
}

func (d *Dispatcher) ack(ctx context.Context, item *queue.WorkItem, logger *slog.Logger) {
	if err := d.queue.Ack(context.WithoutCancel(ctx), item.Receipt); err != nil {
		// The lease expired; a redelivery is caught by the dedup rules.
		logger.Warn("ack failed", "error", err)
	}
}

func (d *Dispatcher) release(ctx context.Context, item *queue.WorkItem, logger *slog.Logger) {
	if err := d.queue.Release(context.WithoutCancel(ctx), item.Receipt, d.cfg.ReleaseDelay); err != nil {
		logger.Warn("release failed", "error", err)
	}
}

func (d *Dispatcher) observeDepth(ctx context.Context) {
	if n, err := d.queue.Depth(ctx); err == nil {
		metrics.GaugeQueueDepth.Set(float64(n))
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
