package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/siphon/internal/feedstock"
	"github.com/mattjoyce/siphon/internal/workq"
)

const (
	DefaultBatchSize     = 100
	DefaultWorkers       = 4
	DefaultMaxRetries    = 3
	DefaultDeleteRetries = 3
	DefaultRetryDelay    = 2 * time.Second
	DefaultPollInterval  = time.Second
	DefaultTaskTimeout   = 10 * time.Minute
)

var ErrDeleteFailed = errors.New("delete of previous entries failed")

type Config struct {
	Index         string
	BatchSize     int
	Workers       int
	MaxRetries    int // per batch, after the first attempt
	DeleteRetries int
	RetryDelay    time.Duration // first retry wait, doubling after each attempt
	PollInterval  time.Duration
	TaskTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DeleteRetries <= 0 {
		c.DeleteRetries = DefaultDeleteRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	return c
}

// Request names the feedstock to ingest.
type Request struct {
	Feedstock  string
	SourceID   string
	SourceName string   // entries of previous versions are deleted by name
	ACL        []string // default visibility when an entry carries none
}

// BatchError is one batch that could not be ingested.
type BatchError struct {
	Batch   int
	Entries int
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d entries): %v", e.Batch, e.Entries, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Result is the outcome of a submission. Success requires zero errors;
// Ingested counts entries in batches that succeeded.
type Result struct {
	Success  bool
	Deleted  int
	Batches  int
	Ingested int
	Errors   []*BatchError
}

type Submitter struct {
	idx    Index
	cfg    Config
	logger *slog.Logger
}

func NewSubmitter(idx Index, cfg Config, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{idx: idx, cfg: cfg.withDefaults(), logger: logger}
}

// Submit deletes previous entries for req.SourceName and ingests the
// feedstock. Per-batch failures are collected into Result.Errors; the
// returned error is reserved for conditions that stop the whole submission
// (failed delete, unreadable feedstock, cancellation).
func (s *Submitter) Submit(ctx context.Context, req Request) (Result, error) {
	var res Result

	deleted, err := s.deleteOld(ctx, req.SourceName)
	if err != nil {
		return res, err
	}
	res.Deleted = deleted

	batches := workq.New[Batch](s.cfg.Workers * 2)
	var (
		mu   sync.Mutex
		errs []*BatchError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer batches.Close()
		n, err := s.populate(gctx, req, batches)
		mu.Lock()
		res.Batches = n
		mu.Unlock()
		return err
	})
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				b, ok, done := batches.Get(s.cfg.PollInterval)
				if done {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				if !ok {
					continue
				}
				err := s.ingest(gctx, b)
				mu.Lock()
				if err != nil {
					errs = append(errs, &BatchError{Batch: b.Seq, Entries: len(b.Entries), Err: err})
				} else {
					res.Ingested += len(b.Entries)
				}
				mu.Unlock()
				if err != nil {
					s.logger.Warn("batch failed", "batch", b.Seq, "entries", len(b.Entries), "error", err)
					if gctx.Err() != nil {
						return gctx.Err()
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return res, err
	}
	sortBatchErrors(errs)
	res.Errors = errs
	res.Success = len(errs) == 0
	s.logger.Info("index submission finished", "batches", res.Batches, "ingested", res.Ingested, "errors", len(errs))
	return res, nil
}

func (s *Submitter) deleteOld(ctx context.Context, sourceName string) (int, error) {
	var n int
	attempts, err := s.retry(ctx, s.cfg.DeleteRetries, func() error {
		var err error
		n, err = s.idx.DeleteByQuery(ctx, s.cfg.Index, sourceName)
		return err
	}, func(attempt int, err error) {
		s.logger.Warn("delete-by-query failed, retrying", "attempt", attempt, "error", err)
	})
	switch {
	case err == nil:
		s.logger.Debug("deleted previous entries", "source_name", sourceName, "deleted", n)
		return n, nil
	case ctx.Err() != nil:
		return 0, ctx.Err()
	case IsTransient(err):
		return 0, fmt.Errorf("%w after %d attempts: %w", ErrDeleteFailed, attempts, err)
	default:
		return 0, fmt.Errorf("%w: %w", ErrDeleteFailed, err)
	}
}

// populate reads the feedstock, formats entries and enqueues full batches
// followed by the tail batch. It returns the number of batches enqueued.
func (s *Submitter) populate(ctx context.Context, req Request, out *workq.Queue[Batch]) (int, error) {
	var (
		cur []Entry
		seq int
	)
	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		seq++
		b := Batch{Seq: seq, Entries: cur}
		cur = nil
		return out.Put(ctx, b)
	}

	err := feedstock.Read(req.Feedstock, func(i int, entry map[string]any) error {
		cur = append(cur, Format(entry, req))
		if len(cur) >= s.cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return seq, fmt.Errorf("read feedstock: %w", err)
	}
	return seq, nil
}

// Format turns a feedstock entry into an index document. The subject is
// "{source_id}#{scroll_id}"; visibility comes from the entry's meta.acl,
// falling back to req.ACL.
func Format(entry map[string]any, req Request) Entry {
	meta, _ := entry["meta"].(map[string]any)
	sourceID := req.SourceID
	if v, ok := meta["source_id"].(string); ok && v != "" {
		sourceID = v
	}

	var acl []string
	if list, ok := meta["acl"].([]any); ok {
		for _, a := range list {
			if s, ok := a.(string); ok {
				acl = append(acl, s)
			}
		}
	}
	if len(acl) == 0 {
		acl = append(acl, req.ACL...)
	}
	if len(acl) == 0 {
		acl = []string{"public"}
	}

	return Entry{
		Subject:   fmt.Sprintf("%s#%v", sourceID, meta["scroll_id"]),
		VisibleTo: acl,
		Content:   entry,
	}
}

// ingest sends one batch with bounded retry and waits for its task.
func (s *Submitter) ingest(ctx context.Context, b Batch) error {
	attempts, err := s.retry(ctx, s.cfg.MaxRetries, func() error {
		return s.ingestOnce(ctx, b)
	}, func(attempt int, err error) {
		s.logger.Debug("batch attempt failed", "batch", b.Seq, "attempt", attempt, "error", err)
	})
	if err != nil && ctx.Err() == nil && IsTransient(err) {
		return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)
	}
	return err
}

// retry runs op until it succeeds, fails with a non-transient error, or
// retries repeats have failed. Waits start at RetryDelay and double. It
// returns the number of attempts made.
func (s *Submitter) retry(ctx context.Context, retries int, op func() error, notify func(attempt int, err error)) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryDelay
	eb.MaxInterval = 16 * s.cfg.RetryDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, _ time.Duration) {
		notify(attempts, err)
	})
	return attempts, err
}

func (s *Submitter) ingestOnce(ctx context.Context, b Batch) error {
	res, err := s.idx.Ingest(ctx, s.cfg.Index, b)
	if err != nil {
		return err
	}
	if !res.Acknowledged {
		return Transient("ingest", errors.New("batch not acknowledged"))
	}
	if res.TaskID == "" {
		return nil
	}
	return s.waitTask(ctx, res.TaskID)
}

// waitTask polls until the task leaves the pending state. Transient poll
// errors are tolerated until TaskTimeout.
func (s *Submitter) waitTask(ctx context.Context, taskID string) error {
	deadline := time.Now().Add(s.cfg.TaskTimeout)
	for {
		task, err := s.idx.GetTask(ctx, taskID)
		switch {
		case err != nil && !IsTransient(err):
			return fmt.Errorf("task %s: %w", taskID, err)
		case err == nil && task.State == TaskSuccess:
			return nil
		case err == nil && task.State == TaskFailure:
			return fmt.Errorf("task %s failed: %s", taskID, task.Message)
		}
		if time.Now().After(deadline) {
			return Transient("task", fmt.Errorf("task %s still pending after %s", taskID, s.cfg.TaskTimeout))
		}
		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortBatchErrors(errs []*BatchError) {
	sort.Slice(errs, func(i, j int) bool { return errs[i].Batch < errs[j].Batch })
}
