package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/siphon/internal/config"
	"github.com/mattjoyce/siphon/internal/extract"
	"github.com/mattjoyce/siphon/internal/fetch"
	"github.com/mattjoyce/siphon/internal/group"
	"github.com/mattjoyce/siphon/internal/httpx"
	"github.com/mattjoyce/siphon/internal/index"
	"github.com/mattjoyce/siphon/internal/log"
	"github.com/mattjoyce/siphon/internal/pipeline"
	"github.com/mattjoyce/siphon/internal/plugin"
	"github.com/mattjoyce/siphon/internal/protocol"
	"github.com/mattjoyce/siphon/internal/publish"
	"github.com/mattjoyce/siphon/internal/status"
	"github.com/mattjoyce/siphon/internal/submission"
	"github.com/mattjoyce/siphon/internal/supersede"
	"github.com/mattjoyce/siphon/internal/supervisor"
	"github.com/mattjoyce/siphon/internal/validate"
	"github.com/mattjoyce/siphon/internal/webhook"
	"github.com/mattjoyce/siphon/internal/workspace"
)

// runWorker processes the one submission the dispatcher wrote to stdin.
// Exit status 0 means the status was driven to a terminal state; anything
// else leaves reconciliation to the dispatcher.
func runWorker(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	req, err := protocol.DecodeWorkerRequest(os.Stdin)
	if err != nil {
		log.WithComponent("worker").Error("bad worker request", "error", err)
		return 1
	}
	logger := log.WithSubmission(req.Submission.SourceID)
	if req.ItemID != "" {
		logger = logger.With("item_id", req.ItemID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openState(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer st.Close()

	runner, err := buildRunner(cfg, resolved, st.store, logger)
	if err != nil {
		logger.Error("failed to assemble worker", "error", err)
		return 1
	}

	final, err := runner.Run(ctx, req.Submission)
	if err != nil {
		logger.Error("submission run failed", "error", err)
		return 1
	}
	logger.Info("submission finished", "code", final.Code, "active", final.Active)
	return 0
}

// runWorkerExtract is the child side of process isolation: one file group
// in on stdin, its records out on stdout.
func runWorkerExtract(args []string) int {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("extract")

	reg, _, err := extractors(cfg, logger)
	if err != nil {
		logger.Error("failed to load extractors", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pipeline.ServeExtract(ctx, os.Stdin, os.Stdout, reg, logger); err != nil {
		logger.Error("extraction failed", "error", err)
		return 1
	}
	return 0
}

// buildRunner wires every step of a submission from config.
func buildRunner(cfg *config.Config, configPath string, store *status.Store, logger *slog.Logger) (*submission.Runner, error) {
	ws, err := workspace.NewFSManager(cfg.Workspace.Dir)
	if err != nil {
		return nil, fmt.Errorf("workspace manager: %w", err)
	}

	conv, err := buildPipeline(cfg, configPath, logger)
	if err != nil {
		return nil, err
	}

	steps, err := publishSteps(cfg, ws, logger)
	if err != nil {
		return nil, err
	}

	return &submission.Runner{
		Store:      store,
		Workspaces: ws,
		Supersede: supersede.New(store, supervisor.ProcessProber{}, supersede.Config{
			PollInterval: cfg.Supersede.PollInterval,
			MaxWait:      cfg.Supersede.MaxWait,
		}),
		Fetcher: fetch.New(httpx.Options{
			Timeout:  cfg.Fetch.Timeout,
			RetryMax: cfg.Fetch.RetryMax,
		}, log.WithComponent("fetch")),
		Converter: conv,
		Index:     buildIndex(cfg),
		Publish:   steps,
		Config: submission.Config{
			CurationPoll:    cfg.Curation.PollInterval,
			CurationMaxWait: cfg.Curation.MaxWait,
			CancelPoll:      cfg.Supersede.PollInterval,
			KeepWorkspace:   cfg.Workspace.KeepOnSuccess,
		},
		Logger: logger,
	}, nil
}

func buildPipeline(cfg *config.Config, configPath string, logger *slog.Logger) (*pipeline.Pipeline, error) {
	ec := cfg.Extraction

	var schemas *validate.Schemas
	var err error
	if ec.SchemaDir != "" {
		schemas, err = validate.LoadSchemas(ec.SchemaDir)
	} else {
		schemas, err = validate.DefaultSchemas()
	}
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	opts := extract.Options{BaseURL: ec.BaseURL}
	var runner pipeline.GroupRunner
	switch ec.Isolation {
	case "local":
		reg, _, err := extractors(cfg, logger)
		if err != nil {
			return nil, err
		}
		runner = &pipeline.LocalRunner{Registry: reg, Options: opts, Logger: logger}
	default:
		self, err := selfCommand(configPath, "worker", "extract")
		if err != nil {
			return nil, err
		}
		runner = &pipeline.ExecRunner{
			Command:    self[0],
			Args:       self[1:],
			Timeout:    ec.GroupTimeout,
			Options:    opts,
			Supervisor: &supervisor.Supervisor{Logger: logger},
			Logger:     logger,
		}
	}

	return pipeline.New(group.New(ec.Grouping, ec.OverrideFile), runner, schemas, pipeline.Config{
		Workers:     ec.Workers,
		InputQueue:  ec.QueueSize,
		OutputQueue: ec.QueueSize,
	}, log.WithComponent("pipeline")), nil
}

// extractors returns the builtin extractors plus any discovered plugins.
func extractors(cfg *config.Config, logger *slog.Logger) (*extract.Registry, *plugin.Registry, error) {
	reg := extract.NewDefaultRegistry()
	dir := cfg.Extraction.PluginsDir
	if dir == "" {
		return reg, plugin.NewRegistry(), nil
	}
	plugins, err := plugin.Discover(dir, discoveryLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("plugin discovery in %s: %w", dir, err)
	}
	if err := plugin.RegisterAll(reg, plugins, &supervisor.Supervisor{Logger: logger}, logger); err != nil {
		return nil, nil, fmt.Errorf("register plugins: %w", err)
	}
	return reg, plugins, nil
}

func discoveryLogger(logger *slog.Logger) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	}
}

func buildIndex(cfg *config.Config) *index.Submitter {
	ic := cfg.Index
	logger := log.WithComponent("index")
	var idx index.Index
	if ic.Backend == "memory" {
		idx = index.NewMemoryIndex()
	} else {
		// The submitter retries whole batches; no transport retries under it.
		idx = index.NewHTTPIndex(ic.URL, ic.Token, httpx.Options{RetryMax: -1}, logger)
	}
	return index.NewSubmitter(idx, index.Config{
		Index:         ic.Name,
		BatchSize:     ic.BatchSize,
		Workers:       ic.Workers,
		MaxRetries:    ic.MaxRetries,
		DeleteRetries: ic.DeleteRetries,
		RetryDelay:    ic.RetryDelay,
		PollInterval:  ic.PollInterval,
		TaskTimeout:   ic.TaskTimeout,
	}, logger)
}

// publishSteps returns the enabled publication steps in step order.
func publishSteps(cfg *config.Config, ws workspace.Manager, logger *slog.Logger) ([]publish.Step, error) {
	p := cfg.Publish
	var steps []publish.Step
	if p.Backup.Enabled {
		steps = append(steps, &publish.Backup{Dir: p.Backup.Dir, Workspaces: ws, Logger: logger})
	}
	if p.S3.Enabled {
		archive, err := publish.NewS3Archive(publish.S3Options{
			Bucket:   p.S3.Bucket,
			Prefix:   p.S3.Prefix,
			Region:   p.S3.Region,
			Endpoint: p.S3.Endpoint,
		}, logger)
		if err != nil {
			return nil, err
		}
		steps = append(steps, archive)
	}
	for _, t := range []struct {
		step   status.Step
		target config.WebhookTarget
	}{
		{status.StepIntegration, p.Integration},
		{status.StepRegistry, p.Registry},
	} {
		if !t.target.Enabled {
			continue
		}
		steps = append(steps, &publish.Webhook{
			Step:   t.step,
			URL:    t.target.URL,
			Secret: t.target.Secret,
			Sender: webhook.NewSender(httpx.Options{Timeout: t.target.Timeout}, logger),
		})
	}
	return steps, nil
}
