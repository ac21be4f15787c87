// Package pipeline converts a downloaded dataset into a feedstock file:
// files are grouped, groups fan out to a fixed pool of workers, and the
// records fan back in through a single Validator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/siphon/internal/feedstock"
	"github.com/mattjoyce/siphon/internal/group"
	"github.com/mattjoyce/siphon/internal/validate"
	"github.com/mattjoyce/siphon/internal/workq"
)

// ErrRejected means the Validator refused an entry and the conversion was
// abandoned. No feedstock file is produced.
var ErrRejected = errors.New("conversion rejected")

// ErrHalted means Request.Halt reported true while the conversion ran.
// Groups already running were allowed to finish; no feedstock is produced.
var ErrHalted = errors.New("conversion halted")

const (
	DefaultWorkers      = 4
	DefaultQueueSize    = 64
	DefaultPollInterval = 100 * time.Millisecond
)

// Grouper turns a dataset root into file groups.
type Grouper interface {
	Walk(root string) ([]group.FileGroup, error)
}

// GroupRunner extracts the records of one group. An error means the group
// produced nothing; it never aborts the conversion.
type GroupRunner interface {
	RunGroup(ctx context.Context, g group.FileGroup) ([]map[string]any, error)
}

type Config struct {
	Workers      int
	InputQueue   int
	OutputQueue  int
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.InputQueue <= 0 {
		c.InputQueue = DefaultQueueSize
	}
	if c.OutputQueue <= 0 {
		c.OutputQueue = DefaultQueueSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Request describes one conversion.
type Request struct {
	Root       string
	Dataset    map[string]any
	Provenance validate.Provenance
	Output     string // feedstock path

	// Halt, when set, is consulted between groups. Once it reports true no
	// further group is started.
	Halt func() bool
}

// Summary reports what a conversion did.
type Summary struct {
	Groups       int
	FailedGroups int
	Records      int
	Discarded    int // records drained after a rejection
	Feedstock    string
}

type Pipeline struct {
	grouper Grouper
	runner  GroupRunner
	schemas *validate.Schemas
	cfg     Config
	logger  *slog.Logger
}

func New(grouper Grouper, runner GroupRunner, schemas *validate.Schemas, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		grouper: grouper,
		runner:  runner,
		schemas: schemas,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

type emitted struct {
	groupID string
	record  map[string]any
}

// Run performs the conversion. On success the feedstock is installed at
// req.Output; on rejection, cancellation or any other error nothing is
// written there.
func (p *Pipeline) Run(ctx context.Context, req Request) (Summary, error) {
	var sum Summary

	groups, err := p.grouper.Walk(req.Root)
	if err != nil {
		return sum, fmt.Errorf("group files: %w", err)
	}
	sum.Groups = len(groups)

	v := validate.New(p.schemas, req.Provenance)
	datasetEntry, err := v.StartDataset(req.Dataset)
	if err != nil {
		return sum, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	w, err := feedstock.Create(req.Output)
	if err != nil {
		return sum, err
	}
	committed := false
	defer func() {
		if !committed {
			w.Abort()
		}
	}()
	if err := w.Append(datasetEntry); err != nil {
		return sum, err
	}

	// workCtx stops the queues. Extractors run under ctx, so stopping the
	// conversion never cuts a running group short.
	workCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	in := workq.New[group.FileGroup](p.cfg.InputQueue)
	out := workq.New[emitted](p.cfg.OutputQueue)

	// The pool is running before the first group is enqueued.
	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, workCtx, id, in, out, &failed)
		}(i)
	}
	go func() {
		wg.Wait()
		out.Close()
	}()

	go func() {
		defer in.Close()
		for _, g := range groups {
			if err := in.Put(workCtx, g); err != nil {
				return
			}
		}
	}()

	p.logger.Info("conversion started", "groups", len(groups), "workers", p.cfg.Workers)

	var abort error
	for {
		item, ok, done := out.Get(p.cfg.PollInterval)
		if done {
			break
		}
		if abort == nil && ctx.Err() != nil {
			abort = ctx.Err()
			stopWorkers()
		}
		if abort == nil && req.Halt != nil && req.Halt() {
			p.logger.Info("conversion halted, waiting for running groups")
			abort = ErrHalted
			stopWorkers()
		}
		if !ok {
			continue
		}
		if abort != nil {
			sum.Discarded++
			continue
		}

		entry, err := v.AddRecord(item.record)
		if err != nil {
			p.logger.Warn("record rejected, aborting conversion", "group_id", item.groupID, "error", err)
			abort = fmt.Errorf("%w: %w", ErrRejected, err)
			stopWorkers()
			continue
		}
		if err := w.Append(entry); err != nil {
			abort = err
			stopWorkers()
			continue
		}
		sum.Records++
	}
	sum.FailedGroups = int(failed.Load())

	if abort == nil && ctx.Err() != nil {
		abort = ctx.Err()
	}
	if abort != nil {
		sum.Discarded += out.Drain()
		return sum, abort
	}

	if err := w.Commit(); err != nil {
		return sum, err
	}
	committed = true
	sum.Feedstock = req.Output
	p.logger.Info("conversion complete", "groups", sum.Groups, "records", sum.Records, "failed_groups", sum.FailedGroups)
	return sum, nil
}

// work consumes groups until the input queue is empty and closed, or
// workCtx ends. A group already taken runs to completion under ctx.
func (p *Pipeline) work(ctx, workCtx context.Context, id int, in *workq.Queue[group.FileGroup], out *workq.Queue[emitted], failed *atomic.Int64) {
	logger := p.logger.With("worker", id)
	for {
		if workCtx.Err() != nil {
			return
		}
		g, ok, done := in.Get(p.cfg.PollInterval)
		if done {
			return
		}
		if !ok {
			continue
		}
		if workCtx.Err() != nil {
			return
		}

		recs, err := p.runner.RunGroup(ctx, g)
		if err != nil {
			if workCtx.Err() != nil {
				return
			}
			failed.Add(1)
			logger.Warn("group produced no records", "group_id", g.ID, "error", err)
			continue
		}
		for _, r := range recs {
			if err := out.Put(workCtx, emitted{groupID: g.ID, record: r}); err != nil {
				return
			}
		}
	}
}
