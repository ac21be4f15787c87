// Package submission drives one submission through every pipeline step.
// A Runner is the body of the worker process the dispatcher launches: it
// owns the status row for the duration of the run, observes the cancel flag
// at each checkpoint and leaves the status inactive exactly once.
package submission

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/siphon/internal/fetch"
	"github.com/mattjoyce/siphon/internal/index"
	"github.com/mattjoyce/siphon/internal/metrics"
	"github.com/mattjoyce/siphon/internal/pipeline"
	"github.com/mattjoyce/siphon/internal/protocol"
	"github.com/mattjoyce/siphon/internal/publish"
	"github.com/mattjoyce/siphon/internal/status"
	"github.com/mattjoyce/siphon/internal/supersede"
	"github.com/mattjoyce/siphon/internal/supervisor"
	"github.com/mattjoyce/siphon/internal/validate"
	"github.com/mattjoyce/siphon/internal/workspace"
)

const (
	DefaultCurationPoll    = 30 * time.Second
	DefaultCurationMaxWait = 7 * 24 * time.Hour
	DefaultCancelPoll      = 2 * time.Second
	finalizeTimeout        = 30 * time.Second
)

// Supersessor stops older versions of the same dataset.
type Supersessor interface {
	Cancel(ctx context.Context, name string, version status.Version, wait bool) ([]supersede.Result, error)
}

// Fetcher places a submission's data in a directory.
type Fetcher interface {
	Fetch(ctx context.Context, location, destDir string) (fetch.Result, error)
}

// Converter turns downloaded data into a feedstock file.
type Converter interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Summary, error)
}

// IndexSubmitter ingests a feedstock into the search index.
type IndexSubmitter interface {
	Submit(ctx context.Context, req index.Request) (index.Result, error)
}

type Config struct {
	CurationPoll    time.Duration
	CurationMaxWait time.Duration
	// CancelPoll is how often the cancel flag is re-read while extraction
	// runs, so no new file group is started once it is set.
	CancelPoll time.Duration
	// KeepWorkspace leaves the workspace behind after a clean run.
	KeepWorkspace bool
}

func (c Config) withDefaults() Config {
	if c.CurationPoll <= 0 {
		c.CurationPoll = DefaultCurationPoll
	}
	if c.CurationMaxWait <= 0 {
		c.CurationMaxWait = DefaultCurationMaxWait
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = DefaultCancelPoll
	}
	return c
}

// Runner executes submissions. Publish holds the optional publication
// steps; publication steps without an entry are recorded as not requested.
type Runner struct {
	Store      *status.Store
	Workspaces workspace.Manager
	Supersede  Supersessor
	Fetcher    Fetcher
	Converter  Converter
	Index      IndexSubmitter
	Publish    []publish.Step
	Config     Config
	Logger     *slog.Logger
}

// run carries the state of one submission through the steps.
type run struct {
	r      *Runner
	cfg    Config
	sub    protocol.Submission
	st     *status.Status
	ws     workspace.Workspace
	hasWS  bool
	logger *slog.Logger

	records   int
	feedstock string

	// cancelSeen is set by watchCancel. Steps never stop on it mid-work.
	cancelSeen atomic.Bool
}

// stop ends the step sequence early.
type stop struct {
	cancelled bool
}

func (stop) Error() string { return "stop" }

// Run processes sub to completion and returns the final status. The error
// is reserved for status store failures that leave the outcome unknown;
// step failures are recorded in the status.
func (r *Runner) Run(ctx context.Context, sub protocol.Submission) (*status.Status, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	x := &run{
		r:      r,
		cfg:    r.Config.withDefaults(),
		sub:    sub,
		logger: logger.With("source_id", sub.SourceID),
	}

	st, err := x.claim(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Active {
		x.logger.Info("submission already finished, nothing to do", "code", st.Code)
		return st, nil
	}
	x.st = st

	watchCtx, stopWatch := context.WithCancel(ctx)
	go x.watchCancel(watchCtx)
	stepErr := x.steps(ctx)
	stopWatch()

	// Final writes must land even when the worker is being shut down.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()

	var s stop
	switch {
	case stepErr == nil:
	case errors.As(stepErr, &s):
	default:
		x.logger.Error("run interrupted", "error", stepErr)
		if err := x.abandon(fctx); err != nil {
			return x.st, errors.Join(stepErr, err)
		}
	}
	return x.finish(fctx, s.cancelled)
}

// abandon marks the first unfinished step fatal after an error that left
// the step sequence midway.
func (x *run) abandon(ctx context.Context) error {
	st, err := x.r.Store.Update(ctx, x.sub.SourceID, func(st *status.Status) error {
		step, ok := st.FirstPending()
		if !ok {
			return nil
		}
		if _, failed := st.FailedAt(); failed {
			return nil
		}
		return st.SetStep(step, status.CodeFailed, status.Text("interrupted"))
	})
	if err != nil {
		return err
	}
	x.st = st
	return nil
}

func (x *run) steps(ctx context.Context) error {
	for _, fn := range []func(context.Context) error{
		x.start,
		x.supersede,
		x.download,
		x.extract,
		x.curate,
		x.search,
		x.publish,
	} {
		if err := x.checkpoint(ctx); err != nil {
			return err
		}
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// claim loads the status, creating it when the work item arrived without
// one, and records this process as its owner.
func (x *run) claim(ctx context.Context) (*status.Status, error) {
	handle, err := supervisor.Self()
	if err != nil {
		return nil, fmt.Errorf("resolve own process handle: %w", err)
	}

	fresh, err := status.New(x.sub.SourceID, x.sub.OwnerID)
	if err != nil {
		return nil, err
	}
	fresh.ACL = append([]string{}, x.sub.ACL...)
	fresh.Test = x.sub.Test
	if err := x.r.Store.Create(ctx, fresh); err != nil && !errors.Is(err, status.ErrExists) {
		return nil, fmt.Errorf("create status: %w", err)
	}

	return x.r.Store.Update(ctx, x.sub.SourceID, func(st *status.Status) error {
		if !st.Active {
			return nil
		}
		st.ProcessID = handle.String()
		return nil
	})
}

// checkpoint re-reads the cancel flag. Cancellation only takes effect here,
// between steps.
func (x *run) checkpoint(ctx context.Context) error {
	st, err := x.r.Store.Get(ctx, x.sub.SourceID)
	if err != nil {
		return err
	}
	x.st = st
	if st.Cancelled {
		x.logger.Info("cancellation observed")
		return stop{cancelled: true}
	}
	return nil
}

// watchCancel records in cancelSeen that the flag was set, until ctx ends.
func (x *run) watchCancel(ctx context.Context) {
	t := time.NewTicker(x.cfg.CancelPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		st, err := x.r.Store.Get(ctx, x.sub.SourceID)
		if err != nil {
			continue
		}
		if st.Cancelled {
			x.cancelSeen.Store(true)
			return
		}
	}
}

// set writes one step code.
func (x *run) set(ctx context.Context, step status.Step, code status.Code, msg status.Message) error {
	st, err := x.r.Store.Update(ctx, x.sub.SourceID, func(st *status.Status) error {
		return st.SetStep(step, code, msg)
	})
	if err != nil {
		return err
	}
	x.st = st
	if code.Terminal() {
		metrics.CounterStepOutcomes.WithLabelValues(step.Key(), code.String()).Inc()
	}
	return nil
}

// fail records a fatal outcome and stops the sequence.
func (x *run) fail(ctx context.Context, step status.Step, msg status.Message, cause error) error {
	x.logger.Error("step failed", "step", step.Key(), "error", cause)
	wctx := context.WithoutCancel(ctx)
	if err := x.set(wctx, step, status.CodeFailed, msg); err != nil {
		return err
	}
	return stop{}
}

// stepFailed records a fatal step error, noting when the worker itself was
// being shut down.
func (x *run) stepFailed(ctx context.Context, step status.Step, msg status.Message, err error) error {
	if ctx.Err() != nil {
		msg = status.Text("interrupted")
	}
	return x.fail(ctx, step, msg, err)
}

func (x *run) start(ctx context.Context) error {
	if err := x.set(ctx, status.StepStart, status.CodeInProgress, status.Message{}); err != nil {
		return err
	}
	ws, err := x.r.Workspaces.Create(ctx, x.sub.SourceID)
	if err != nil {
		return x.stepFailed(ctx, status.StepStart, status.Text("could not prepare a workspace"), err)
	}
	x.ws, x.hasWS = ws, true
	return x.set(ctx, status.StepStart, status.CodeSuccess, status.Message{})
}

func (x *run) supersede(ctx context.Context) error {
	step := status.StepOldCancel
	if err := x.set(ctx, step, status.CodeInProgress, status.Message{}); err != nil {
		return err
	}
	results, err := x.r.Supersede.Cancel(ctx, x.st.SourceName, x.st.Version, true)
	if err != nil {
		return x.stepFailed(ctx, step, status.Text("could not cancel previous versions"), err)
	}
	if !supersede.AllStopped(results) {
		blocking := supersede.Blocking(results)
		ids := make([]string, len(blocking))
		for i, b := range blocking {
			ids[i] = b.SourceID
		}
		return x.fail(ctx, step, status.Text("previous version still running: %s", strings.Join(ids, ", ")),
			fmt.Errorf("%w: %v", supersede.ErrNotStopped, ids))
	}

	cancelled := 0
	for _, res := range results {
		if res.Cancelled {
			cancelled++
		}
	}
	if cancelled > 0 {
		return x.set(ctx, step, status.CodeMessage, status.Text("cancelled %d previous version(s)", cancelled))
	}
	return x.set(ctx, step, status.CodeSuccess, status.Message{})
}

func (x *run) download(ctx context.Context) error {
	step := status.StepDownload
	if err := x.set(ctx, step, status.CodeInProgress, status.Message{}); err != nil {
		return err
	}
	// A retry that cannot be recorded stops the download.
	fetchCtx, stopFetch := context.WithCancel(ctx)
	defer stopFetch()
	var retryErr error
	if f, ok := x.r.Fetcher.(*fetch.Fetcher); ok {
		f.OnRetry = func(attempt int, _ string) {
			if retryErr != nil {
				return
			}
			if err := x.set(ctx, step, status.CodeRetry, status.Text("download retry %d", attempt)); err != nil {
				retryErr = fmt.Errorf("record download retry: %w", err)
				stopFetch()
			}
		}
		defer func() { f.OnRetry = nil }()
	}

	// The fetcher creates the data directory itself.
	if err := os.Remove(x.ws.DataDir()); err != nil && !os.IsNotExist(err) {
		return x.fail(ctx, step, status.Text("could not prepare a workspace"), err)
	}
	res, err := x.r.Fetcher.Fetch(fetchCtx, x.sub.Location, x.ws.DataDir())
	if retryErr != nil {
		return retryErr
	}
	if err != nil {
		msg := status.Text("data could not be downloaded")
		if fetch.IsTransient(err) {
			msg = status.Text("data source unavailable, retries exhausted")
		}
		return x.stepFailed(ctx, step, msg, err)
	}
	if res.Files == 0 {
		return x.fail(ctx, step, status.Text("no files found at the submitted location"), errors.New("empty dataset"))
	}

	exts, err := extensions(x.ws.DataDir())
	if err != nil {
		return x.stepFailed(ctx, step, status.Text("data could not be read"), err)
	}
	st, err := x.r.Store.Update(ctx, x.sub.SourceID, func(st *status.Status) error {
		st.Extensions = exts
		return st.SetStep(step, status.CodeMessage, status.Text("%d files, %d bytes", res.Files, res.Bytes))
	})
	if err != nil {
		return err
	}
	x.st = st
	return nil
}

func (x *run) extract(ctx context.Context) error {
	step := status.StepExtract
	if err := x.set(ctx, step, status.CodeInProgress, status.Message{}); err != nil {
		return err
	}
	sum, err := x.r.Converter.Run(ctx, pipeline.Request{
		Halt:    x.cancelSeen.Load,
		Root:    x.ws.DataDir(),
		Dataset: x.sub.Dataset,
		Provenance: validate.Provenance{
			SourceID:   x.st.SourceID,
			SourceName: x.st.SourceName,
			Version:    x.st.Version.String(),
			ACL:        x.st.ACL,
			Test:       x.st.Test,
		},
		Output: x.ws.FeedstockPath(),
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrHalted) {
			x.logger.Info("cancellation observed during extraction")
			return stop{cancelled: true}
		}
		msg := status.Text("metadata extraction failed")
		var rej *validate.RejectError
		if errors.As(err, &rej) {
			msg = status.Text("%s", rej.Error())
		}
		return x.stepFailed(ctx, step, msg, err)
	}
	x.records, x.feedstock = sum.Records, sum.Feedstock

	if sum.FailedGroups > 0 {
		return x.set(ctx, step, status.CodeNoteworthy,
			status.Text("%d records; %d of %d file groups could not be read", sum.Records, sum.FailedGroups, sum.Groups))
	}
	return x.set(ctx, step, status.CodeMessage, status.Text("%d records from %d file groups", sum.Records, sum.Groups))
}

func (x *run) curate(ctx context.Context) error {
	step := status.StepCuration
	if !x.sub.Curation {
		return x.set(ctx, step, status.CodeSkipped, status.Message{})
	}
	st, err := x.r.Store.Update(ctx, x.sub.SourceID, func(st *status.Status) error {
		st.Hibernating = true
		return st.SetStep(step, status.CodeInProgress, status.Text("awaiting curation"))
	})
	if err != nil {
		return err
	}
	x.st = st
	x.logger.Info("hibernating until a curation decision arrives")

	deadline := time.Now().Add(x.cfg.CurationMaxWait)
	t := time.NewTicker(x.cfg.CurationPoll)
	defer t.Stop()
	for {
		cur, err := x.r.Store.Get(ctx, x.sub.SourceID)
		if err != nil {
			return err
		}
		x.st = cur
		switch {
		case cur.Cancelled:
			return stop{cancelled: true}
		case cur.Curation != nil:
			return x.decide(ctx, cur.Curation)
		case time.Now().After(deadline):
			return x.wake(ctx, status.CodeFailed, status.Text("no curation decision within %s", x.cfg.CurationMaxWait))
		}
		select {
		case <-ctx.Done():
			return x.wake(ctx, status.CodeFailed, status.Text("interrupted"))
		case <-t.C:
		}
	}
}

func (x *run) decide(ctx context.Context, c *status.Curation) error {
	if c.Accepted {
		msg := status.Message{}
		code := status.CodeSuccess
		if c.Reason != "" {
			code, msg = status.CodeMessage, status.Text("%s", c.Reason)
		}
		return x.wake(ctx, code, msg)
	}
	reason := c.Reason
	if reason == "" {
		reason = "no reason given"
	}
	return x.wake(ctx, status.CodeFailed, status.Text("rejected by curator: %s", reason))
}

// wake clears hibernation and records the curation outcome.
func (x *run) wake(ctx context.Context, code status.Code, msg status.Message) error {
	st, err := x.r.Store.Update(context.WithoutCancel(ctx), x.sub.SourceID, func(st *status.Status) error {
		st.Hibernating = false
		return st.SetStep(status.StepCuration, code, msg)
	})
	if err != nil {
		return err
	}
	x.st = st
	metrics.CounterStepOutcomes.WithLabelValues(status.StepCuration.Key(), code.String()).Inc()
	if code.Fatal() {
		return stop{}
	}
	return nil
}

func (x *run) search(ctx context.Context) error {
	step := status.StepSearch
	if err := x.set(ctx, step, status.CodeInProgress, status.Message{}); err != nil {
		return err
	}
	res, err := x.r.Index.Submit(ctx, index.Request{
		Feedstock:  x.feedstock,
		SourceID:   x.st.SourceID,
		SourceName: x.st.SourceName,
		ACL:        x.st.ACL,
	})
	metrics.CounterIndexBatches.WithLabelValues("ok").Add(float64(max(res.Batches-len(res.Errors), 0)))
	metrics.CounterIndexBatches.WithLabelValues("failed").Add(float64(len(res.Errors)))
	if err != nil {
		msg := status.Text("search ingestion failed")
		if errors.Is(err, index.ErrDeleteFailed) {
			msg = status.Text("previous search entries could not be removed")
		}
		return x.stepFailed(ctx, step, msg, err)
	}
	if !res.Success {
		return x.fail(ctx, step, status.Text("%d of %d batches were not ingested", len(res.Errors), res.Batches),
			errors.Join(batchErrors(res.Errors)...))
	}
	return x.set(ctx, step, status.CodeMessage, status.Text("%d entries ingested", res.Ingested))
}

func batchErrors(in []*index.BatchError) []error {
	out := make([]error, len(in))
	for i, e := range in {
		out[i] = e
	}
	return out
}

// publish runs the recoverable publication steps in step order.
func (x *run) publish(ctx context.Context) error {
	byStep := map[status.Step]publish.Step{}
	for _, p := range x.r.Publish {
		byStep[p.Key()] = p
	}
	job := publish.Job{
		SourceID:   x.st.SourceID,
		SourceName: x.st.SourceName,
		Version:    x.st.Version,
		OwnerID:    x.st.OwnerID,
		ACL:        x.st.ACL,
		Test:       x.st.Test,
		DataDir:    x.ws.DataDir(),
		Feedstock:  x.feedstock,
		Records:    x.records,
		Services:   x.sub.Services,
	}

	for step := status.StepBackup; step <= status.StepRegistry; step++ {
		if step != status.StepBackup {
			if err := x.checkpoint(ctx); err != nil {
				return err
			}
		}
		p, ok := byStep[step]
		if !ok || !p.Enabled(job) {
			if err := x.set(ctx, step, status.CodeSkipped, status.Message{}); err != nil {
				return err
			}
			continue
		}
		if err := x.set(ctx, step, status.CodeInProgress, status.Message{}); err != nil {
			return err
		}
		out, err := p.Run(ctx, job)
		if err != nil {
			x.logger.Warn("publication step failed", "step", step.Key(), "error", err)
			if err := x.set(ctx, step, status.CodeRecover, status.Text("%s failed", strings.ToLower(step.Description()))); err != nil {
				return err
			}
			continue
		}
		if err := x.set(ctx, step, out.Code, out.Message); err != nil {
			return err
		}
	}
	return nil
}

// finish performs cleanup and marks the status inactive. On cancellation
// every unfinished step, cleanup included, becomes X before the cleanup
// work runs.
func (x *run) finish(ctx context.Context, cancelled bool) (*status.Status, error) {
	if cancelled {
		st, err := x.r.Store.Update(ctx, x.sub.SourceID, func(st *status.Status) error {
			st.CancelRemaining()
			st.Hibernating = false
			return nil
		})
		if err != nil {
			return x.st, err
		}
		x.st = st
		x.logger.Info("submission cancelled", "code", st.Code)
	}

	cleanupPending := x.st.StepCode(status.StepCleanup).Pending()
	if cleanupPending {
		if err := x.set(ctx, status.StepCleanup, status.CodeInProgress, status.Message{}); err != nil {
			return x.st, err
		}
	}

	_, failed := x.st.FailedAt()
	keep := x.cfg.KeepWorkspace && !failed && !cancelled
	var cleanupErr error
	if x.hasWS && !keep {
		cleanupErr = x.r.Workspaces.Remove(ctx, x.sub.SourceID)
	}

	st, err := x.r.Store.Update(ctx, x.sub.SourceID, func(st *status.Status) error {
		if st.StepCode(status.StepCleanup).Pending() {
			code, msg := status.CodeSuccess, status.Message{}
			if cleanupErr != nil {
				code, msg = status.CodeNoteworthy, status.Text("workspace could not be removed")
			} else if recovered(st) {
				code, msg = status.CodeNoteworthy, status.Text("completed with publication failures")
			}
			if err := st.SetStep(status.StepCleanup, code, msg); err != nil {
				return err
			}
		}
		st.CancelRemaining()
		st.Hibernating = false
		st.Active = false
		return nil
	})
	if err != nil {
		return x.st, err
	}
	if cleanupErr != nil {
		x.logger.Warn("workspace cleanup failed", "error", cleanupErr)
	}
	x.st = st
	x.logger.Info("submission finished", "code", st.Code)
	return st, nil
}

func recovered(st *status.Status) bool {
	for i := 0; i < status.NumSteps; i++ {
		if st.StepCode(status.Step(i)) == status.CodeRecover {
			return true
		}
	}
	return false
}

// extensions returns the sorted, lower-case file extensions under root.
func extensions(root string) ([]string, error) {
	seen := map[string]bool{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			if ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(p), ".")); ext != "" {
				seen[ext] = true
			}
		}
		return nil
	})
	out := make([]string, 0, len(seen))
	for ext := range seen {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out, err
}
