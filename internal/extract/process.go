package extract

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"github.com/mattjoyce/siphon/internal/group"
	"github.com/mattjoyce/siphon/internal/tree"
)

// Options carries per-submission context for ProcessGroup.
type Options struct {
	Root       string // submission data root; file paths are reported relative to it
	BaseURL    string
	ScratchDir string
}

// ProcessGroup runs the group's extractors and returns its records.
//
// Single results are merged commutatively; multi results are concatenated
// in extractor-name order. When both exist the merged single record is
// folded into every multi record. Every record carries the group's file
// metadata. Extractor failures are logged and count as no result. A group
// where no extractor produced anything yields no records.
func ProcessGroup(ctx context.Context, reg *Registry, g group.FileGroup, opts Options, logger *slog.Logger) []map[string]any {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("group_id", g.ID)

	names := g.Extractors
	if len(names) == 0 {
		names = reg.Names()
	} else {
		names = sortedUnique(names)
	}

	var (
		singles []tree.Node
		multi   []map[string]any
	)
	for _, name := range names {
		if ctx.Err() != nil {
			return nil
		}
		e, ok := reg.Get(name)
		if !ok {
			logger.Warn("unknown extractor", "extractor", name)
			continue
		}
		res, err := safeExtract(ctx, e, Input{
			Files:      g.Files,
			Params:     g.Params[name],
			ScratchDir: opts.ScratchDir,
		})
		if err != nil {
			logger.Warn("extractor failed", "extractor", name, "error", err)
			continue
		}
		if len(res.Single) > 0 {
			singles = append(singles, tree.FromAny(res.Single))
		}
		multi = append(multi, res.Multi...)
	}

	var single tree.Node
	if len(singles) > 0 {
		single = tree.MergeAll(tree.Commutative, singles...)
	}
	if single.IsNull() && len(multi) == 0 {
		return nil
	}

	files, errs := fileRecord(g.Files, opts.Root, opts.BaseURL)
	for _, err := range errs {
		logger.Warn("file metadata unavailable", "error", err)
	}
	info := tree.FromAny(files)

	var records []map[string]any
	if len(multi) == 0 {
		records = append(records, tree.MergeAll(tree.Commutative, single, info).AsMap())
		return records
	}
	for _, m := range multi {
		records = append(records, tree.MergeAll(tree.Commutative, tree.FromAny(m), single, info).AsMap())
	}
	return records
}

func safeExtract(ctx context.Context, e Extractor, in Input) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return e.Extract(ctx, in)
}

func sortedUnique(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
