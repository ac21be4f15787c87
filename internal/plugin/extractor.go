package plugin

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/siphon/internal/extract"
	"github.com/mattjoyce/siphon/internal/protocol"
	"github.com/mattjoyce/siphon/internal/supervisor"
)

// Extractor runs a plugin as an extract.Extractor: one child per
// invocation, the request on stdin and a single response on stdout.
type Extractor struct {
	plugin *Plugin
	sup    *supervisor.Supervisor
	logger *slog.Logger
}

func NewExtractor(p *Plugin, sup *supervisor.Supervisor, logger *slog.Logger) *Extractor {
	if sup == nil {
		sup = &supervisor.Supervisor{Logger: logger}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{plugin: p, sup: sup, logger: logger.With("plugin", p.Name)}
}

func (e *Extractor) Name() string { return e.plugin.Name }

func (e *Extractor) Extract(ctx context.Context, in extract.Input) (extract.Result, error) {
	if err := e.plugin.CheckParams(in.Params); err != nil {
		return extract.Result{}, err
	}

	req := &protocol.ExtractRequest{
		Protocol:   protocol.Version,
		Files:      in.Files,
		Extractors: []string{e.plugin.Name},
		ScratchDir: in.ScratchDir,
		DeadlineAt: time.Now().Add(e.plugin.Timeout).UTC(),
	}
	if in.Params != nil {
		req.Params = map[string]map[string]any{e.plugin.Name: in.Params}
	}
	var stdin bytes.Buffer
	if err := protocol.EncodeExtractRequest(&stdin, req); err != nil {
		return extract.Result{}, err
	}

	ex, err := e.sup.Run(ctx, supervisor.Spec{
		Command: e.plugin.Entrypoint,
		Dir:     e.plugin.Path,
		Stdin:   stdin.Bytes(),
	}, e.plugin.Timeout)
	if err != nil {
		return extract.Result{}, fmt.Errorf("plugin %s: %w", e.plugin.Name, err)
	}
	if ex.ExitCode != 0 {
		return extract.Result{}, fmt.Errorf("plugin %s exited with code %d: %s", e.plugin.Name, ex.ExitCode, strings.TrimSpace(ex.Stderr))
	}

	resp, raw, err := protocol.DecodeExtractResponseLenient(bytes.NewReader(ex.Stdout))
	if err != nil {
		e.logger.Debug("unparseable plugin output", "stdout", truncate(string(raw), 512))
		return extract.Result{}, fmt.Errorf("plugin %s: %w", e.plugin.Name, err)
	}
	for _, l := range resp.Logs {
		e.logger.Log(ctx, childLevel(l.Level), l.Message)
	}
	if resp.Status == "error" {
		return extract.Result{}, fmt.Errorf("plugin %s: %s", e.plugin.Name, resp.Error)
	}
	return extract.Result{Single: resp.Record, Multi: resp.Records}, nil
}

// RegisterAll adds every discovered plugin to reg in name order.
func RegisterAll(reg *extract.Registry, plugins *Registry, sup *supervisor.Supervisor, logger *slog.Logger) error {
	for _, name := range plugins.Names() {
		p, _ := plugins.Get(name)
		if err := reg.Register(NewExtractor(p, sup, logger)); err != nil {
			return err
		}
	}
	return nil
}

func childLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
