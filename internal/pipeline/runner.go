package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/siphon/internal/extract"
	"github.com/mattjoyce/siphon/internal/group"
	"github.com/mattjoyce/siphon/internal/protocol"
	"github.com/mattjoyce/siphon/internal/supervisor"
)

// LocalRunner extracts groups in-process.
type LocalRunner struct {
	Registry *extract.Registry
	Options  extract.Options
	Logger   *slog.Logger
}

func (r *LocalRunner) RunGroup(ctx context.Context, g group.FileGroup) ([]map[string]any, error) {
	return extract.ProcessGroup(ctx, r.Registry, g, groupOptions(r.Options, g), r.Logger), nil
}

// groupOptions roots opts at the group's dataset when the walk recorded one.
func groupOptions(opts extract.Options, g group.FileGroup) extract.Options {
	if g.Root != "" {
		opts.Root = g.Root
	}
	return opts
}

// DefaultGroupTimeout bounds one group child.
const DefaultGroupTimeout = 10 * time.Minute

// ExecRunner extracts each group in a fresh child process (normally
// `siphon worker extract`), so a parser crash costs one group and nothing
// else.
type ExecRunner struct {
	Command    string
	Args       []string
	Env        []string
	Timeout    time.Duration
	Options    extract.Options
	Supervisor *supervisor.Supervisor
	Logger     *slog.Logger
}

func (r *ExecRunner) RunGroup(ctx context.Context, g group.FileGroup) ([]map[string]any, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultGroupTimeout
	}
	sup := r.Supervisor
	if sup == nil {
		sup = &supervisor.Supervisor{Logger: r.Logger}
	}

	opts := groupOptions(r.Options, g)
	req := &protocol.ExtractRequest{
		Protocol:   protocol.Version,
		GroupID:    g.ID,
		Files:      g.Files,
		Extractors: g.Extractors,
		Params:     g.Params,
		BaseURL:    opts.BaseURL,
		Root:       opts.Root,
		ScratchDir: opts.ScratchDir,
		DeadlineAt: time.Now().Add(timeout).UTC(),
	}
	var stdin bytes.Buffer
	if err := protocol.EncodeExtractRequest(&stdin, req); err != nil {
		return nil, err
	}

	ex, err := sup.Run(ctx, supervisor.Spec{
		Command: r.Command,
		Args:    r.Args,
		Env:     r.Env,
		Stdin:   stdin.Bytes(),
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", g.ID, err)
	}
	if ex.ExitCode != 0 {
		return nil, fmt.Errorf("group %s: worker exited with code %d: %s", g.ID, ex.ExitCode, strings.TrimSpace(ex.Stderr))
	}

	resp, err := protocol.DecodeExtractResponse(bytes.NewReader(ex.Stdout))
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", g.ID, err)
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("group %s: %s", g.ID, resp.Error)
	}
	return resp.Records, nil
}

// ServeExtract is the child side of ExecRunner: it reads one request from
// r, processes the group and writes one response to w.
func ServeExtract(ctx context.Context, r io.Reader, w io.Writer, reg *extract.Registry, logger *slog.Logger) error {
	req, err := protocol.DecodeExtractRequest(r)
	if err != nil {
		_ = protocol.EncodeExtractResponse(w, &protocol.ExtractResponse{Status: "error", Error: err.Error()})
		return err
	}
	if !req.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.DeadlineAt)
		defer cancel()
	}

	g := group.FileGroup{
		ID:         req.GroupID,
		Files:      req.Files,
		Extractors: req.Extractors,
		Params:     req.Params,
	}
	recs := extract.ProcessGroup(ctx, reg, g, extract.Options{
		Root:       req.Root,
		BaseURL:    req.BaseURL,
		ScratchDir: req.ScratchDir,
	}, logger)
	if recs == nil {
		recs = []map[string]any{}
	}
	return protocol.EncodeExtractResponse(w, &protocol.ExtractResponse{Status: "ok", Records: recs})
}
