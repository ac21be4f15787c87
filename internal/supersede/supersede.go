// Package supersede cancels older in-flight versions of a dataset when a
// newer version is submitted.
package supersede

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/siphon/internal/log"
	"github.com/mattjoyce/siphon/internal/status"
	"github.com/mattjoyce/siphon/internal/supervisor"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxWait      = 2 * time.Minute
)

// ErrNotStopped is recorded on a target that neither stopped nor could be
// cleaned up before the maximum wait elapsed.
var ErrNotStopped = errors.New("older version did not stop in time")

// errSkip aborts an Update without writing.
var errSkip = errors.New("skip")

type Config struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}

// Result reports the outcome for one older version.
//
// Stopped is true whenever the target no longer runs, whatever the cause.
// Requested is true when this call set the cancel flag. Cancelled is true
// when this call set the flag and the owner then stopped on it; a dead owner
// cleaned up here is stopped but not cancelled.
type Result struct {
	SourceID  string
	Stopped   bool
	Cancelled bool
	Requested bool
	Err       error
}

type Supersessor struct {
	store  *status.Store
	prober supervisor.Prober
	cfg    Config
	logger *slog.Logger
}

func New(store *status.Store, prober supervisor.Prober, cfg Config) *Supersessor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &Supersessor{store: store, prober: prober, cfg: cfg, logger: log.WithComponent("supersede")}
}

// Cancel requests cancellation of every version of name lower than version.
// With wait, it polls each live owner until its status goes inactive or the
// maximum wait elapses. Targets whose owner is already dead are cleaned up
// here. The returned error is reserved for status store failures; per-target
// timeouts are reported in Result.Err.
func (s *Supersessor) Cancel(ctx context.Context, name string, version status.Version, wait bool) ([]Result, error) {
	all, err := s.store.ListByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", name, err)
	}

	var targets []*status.Status
	for _, st := range all {
		if st.Version.Less(version) {
			targets = append(targets, st)
		}
	}
	if len(targets) == 0 {
		s.logger.Debug("no older versions", "source_name", name, "version", version.String())
		return nil, nil
	}

	results := make([]Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range targets {
		i, id := i, st.SourceID
		g.Go(func() error {
			r, err := s.cancelOne(gctx, id, wait)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (s *Supersessor) cancelOne(ctx context.Context, sourceID string, wait bool) (Result, error) {
	res := Result{SourceID: sourceID}
	logger := log.WithSubmission(sourceID).With("component", "supersede")

	_, err := s.store.Update(ctx, sourceID, func(st *status.Status) error {
		if !st.Active || st.Cancelled {
			return errSkip
		}
		st.Cancelled = true
		res.Requested = true
		return nil
	})
	switch {
	case errors.Is(err, errSkip):
	case err != nil:
		return res, fmt.Errorf("request cancel of %s: %w", sourceID, err)
	}

	cur, err := s.store.Get(ctx, sourceID)
	if err != nil {
		return res, err
	}
	if !cur.Active {
		res.Stopped = true
		return res, nil
	}
	owner := cur.ProcessID

	if !s.alive(owner) {
		logger.Warn("owner of older version is gone, cleaning up on its behalf", "process_id", owner)
		stopped, err := s.cleanupDead(ctx, sourceID)
		if err != nil {
			return res, err
		}
		res.Stopped = stopped
		return res, nil
	}

	if !wait {
		logger.Info("cancel requested", "process_id", owner)
		return res, nil
	}

	deadline := time.Now().Add(s.cfg.MaxWait)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}

		cur, err := s.store.Get(ctx, sourceID)
		if err != nil {
			return res, err
		}
		if !cur.Active {
			if err := s.cancelLeftovers(ctx, sourceID); err != nil {
				return res, err
			}
			res.Stopped, res.Cancelled = true, res.Requested
			logger.Info("older version stopped")
			return res, nil
		}
		if !s.alive(cur.ProcessID) {
			stopped, err := s.cleanupDead(ctx, sourceID)
			if err != nil {
				return res, err
			}
			res.Stopped = stopped
			logger.Warn("older version exited without cleanup", "process_id", cur.ProcessID)
			return res, nil
		}
		if time.Now().After(deadline) {
			res.Err = fmt.Errorf("%w: %s after %s", ErrNotStopped, sourceID, s.cfg.MaxWait)
			logger.Error("older version did not stop", "waited", s.cfg.MaxWait.String())
			return res, nil
		}
	}
}

func (s *Supersessor) alive(handle string) bool {
	if handle == "" {
		return false
	}
	return s.prober.IsAlive(supervisor.Handle(handle))
}

// cleanupDead performs the dead owner's completion: every unfinished step
// becomes X and the status goes inactive.
func (s *Supersessor) cleanupDead(ctx context.Context, sourceID string) (bool, error) {
	_, err := s.store.Update(ctx, sourceID, func(st *status.Status) error {
		if !st.Active {
			return errSkip
		}
		st.CancelRemaining()
		st.Hibernating = false
		st.Active = false
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		return false, fmt.Errorf("clean up %s: %w", sourceID, err)
	}
	return true, nil
}

// cancelLeftovers rewrites z/P/T to X on a stopped target.
func (s *Supersessor) cancelLeftovers(ctx context.Context, sourceID string) error {
	_, err := s.store.Update(ctx, sourceID, func(st *status.Status) error {
		if _, ok := st.FirstPending(); !ok {
			return errSkip
		}
		st.CancelRemaining()
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		return fmt.Errorf("cancel leftovers of %s: %w", sourceID, err)
	}
	return nil
}

// AllStopped reports whether the new version may proceed.
func AllStopped(results []Result) bool {
	for _, r := range results {
		if !r.Stopped {
			return false
		}
	}
	return true
}

// Blocking returns the targets that did not stop.
func Blocking(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Stopped {
			out = append(out, r)
		}
	}
	return out
}
