package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/siphon/internal/api"
	"github.com/mattjoyce/siphon/internal/auth"
	"github.com/mattjoyce/siphon/internal/cache"
	"github.com/mattjoyce/siphon/internal/config"
	"github.com/mattjoyce/siphon/internal/dispatch"
	"github.com/mattjoyce/siphon/internal/events"
	"github.com/mattjoyce/siphon/internal/lock"
	"github.com/mattjoyce/siphon/internal/log"
	"github.com/mattjoyce/siphon/internal/status"
	"github.com/mattjoyce/siphon/internal/supervisor"
	"github.com/mattjoyce/siphon/internal/workspace"
)

const version = "0.1.0"

// cleanupInterval is how often serve prunes expired workspaces.
const cleanupInterval = time.Hour

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "serve":
		if hasHelpFlag(rest) {
			printServeHelp()
			return 0
		}
		return runServe(rest)
	case "submit":
		if hasHelpFlag(rest) {
			printSubmitHelp()
			return 0
		}
		return runSubmit(rest)
	case "status":
		if hasHelpFlag(rest) {
			printStatusHelp()
			return 0
		}
		return runStatus(rest)
	case "cancel":
		if hasHelpFlag(rest) {
			printCancelHelp()
			return 0
		}
		return runCancel(rest)
	case "curate":
		if hasHelpFlag(rest) {
			printCurateHelp()
			return 0
		}
		return runCurate(rest)
	case "queue":
		return runQueueNoun(rest)
	case "config":
		return runConfigNoun(rest)
	case "worker":
		return runWorkerNoun(rest)
	case "version", "--version":
		fmt.Printf("siphon version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`siphon - dataset ingestion service

Usage:
  siphon <command> [flags]
  siphon <noun> <action> [flags]

Service:
  serve                 Run the dispatcher (and API when enabled) in the foreground

Submissions:
  submit                Queue a submission from a JSON request
  status <source_id>    Show a submission's transcript
  status --name NAME    Show every version of a dataset
  cancel <source_id>    Ask a submission to stop
  curate <source_id>    Record a curation decision

Queue:
  queue depth           Show unacknowledged work items
  queue log             Show recently acknowledged items

Config:
  config lock           Authorize current state (update integrity hashes)
  config check          Validate syntax, policy, and integrity

Worker (started by the dispatcher):
  worker run            Process one submission read from stdin
  worker extract        Extract one file group read from stdin

General:
  version               Show version information
  help                  Show this help message

Use 'siphon <command> --help' for flags.
`)
}

// --- NOUN DISPATCHERS ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		printConfigNounHelp(os.Stderr)
		return 1
	}
}

func runQueueNoun(args []string) int {
	if len(args) < 1 {
		printQueueNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printQueueNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "depth":
		return runQueueDepth(args[1:])
	case "log":
		return runQueueLog(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown queue action: %s\n", args[0])
		printQueueNounHelp(os.Stderr)
		return 1
	}
}

func runWorkerNoun(args []string) int {
	if len(args) < 1 {
		printWorkerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkerNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "run":
		return runWorker(args[1:])
	case "extract":
		return runWorkerExtract(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", args[0])
		printWorkerNounHelp(os.Stderr)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: siphon config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check")
}

func printQueueNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: siphon queue <action> [flags]")
	fmt.Fprintln(w, "Actions: depth, log")
}

func printWorkerNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: siphon worker <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: run, extract")
}

func printServeHelp() {
	fmt.Println("Usage: siphon serve [--config PATH]")
	fmt.Println("Drain the work queue, launching one worker per submission.")
}

func printSubmitHelp() {
	fmt.Println("Usage: siphon submit [--config PATH] [--file PATH|-] [--json]")
	fmt.Println("Create the status and queue the work item for a submission request.")
}

func printStatusHelp() {
	fmt.Println("Usage: siphon status <source_id> [--config PATH] [--json]")
	fmt.Println("       siphon status --name NAME [--config PATH] [--json]")
	fmt.Println("Show the transcript of one submission or of every version of a dataset.")
}

func printCancelHelp() {
	fmt.Println("Usage: siphon cancel <source_id> [--config PATH]")
	fmt.Println("Set the cancel flag; the worker stops at its next checkpoint.")
}

func printCurateHelp() {
	fmt.Println("Usage: siphon curate <source_id> (--accept | --reject) [--reason TEXT] [--curator ID] [--config PATH]")
	fmt.Println("Record the curation decision a held submission is waiting for.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: siphon config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating integrity hashes.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: siphon config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, policy, and integrity.")
}

// --- ACTION IMPLEMENTATIONS ---

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("siphon starting", "version", version, "config", resolved)

	pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", cfg.Service.LockPath)

	st, err := openState(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer st.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	wsManager, err := workspace.NewFSManager(cfg.Workspace.Dir)
	if err != nil {
		logger.Error("failed to initialize workspace manager", "base_dir", cfg.Workspace.Dir, "error", err)
		return 1
	}

	dispCfg, err := dispatcherConfig(cfg, resolved)
	if err != nil {
		logger.Error("failed to resolve worker command", "error", err)
		return 1
	}

	hub := events.NewHub(0)
	disp := dispatch.New(st.queue, st.store, supervisor.ProcessProber{}, hub, dispCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := disp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(apiConfig(cfg), st.store, st.queue, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Workspace.Retention > 0 {
		go pruneWorkspaces(ctx, wsManager, st.store, cfg.Workspace.Retention, log.WithComponent("workspace"))
	}

	logger.Info("siphon running", "max_concurrent", dispCfg.MaxConcurrent)

	exit := 0
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exit = 1
	}

	cancel()
	<-done
	logger.Info("siphon stopped")
	return exit
}

// dispatcherConfig maps the dispatcher section onto dispatch.Config. With no
// explicit worker command the dispatcher re-executes this binary.
func dispatcherConfig(cfg *config.Config, configPath string) (dispatch.Config, error) {
	dc := dispatch.Config{
		MaxConcurrent: cfg.Dispatcher.MaxConcurrent,
		LongPoll:      cfg.Dispatcher.LongPoll,
		ShutdownGrace: cfg.Dispatcher.ShutdownGrace,
	}
	if wc := cfg.Dispatcher.WorkerCommand; len(wc) > 0 {
		dc.Command = wc[0]
		dc.Args = wc[1:]
		return dc, nil
	}
	self, err := selfCommand(configPath, "worker", "run")
	if err != nil {
		return dispatch.Config{}, err
	}
	dc.Command, dc.Args = self[0], self[1:]
	return dc, nil
}

// selfCommand is this executable invoked with action and the resolved
// config path.
func selfCommand(configPath string, action ...string) ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cmd := append([]string{exe}, action...)
	return append(cmd, "--config", abs), nil
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	ac := api.Config{
		Listen:   cfg.API.Listen,
		APIKey:   cfg.API.Auth.APIKey,
		Tokens:   tokens,
		Services: enabledServices(cfg),
	}
	if cfg.API.Owners.File != "" {
		ac.Owners = cache.NewMembership(cfg.API.Owners.File, cfg.API.Owners.Refresh)
	}
	return ac
}

// enabledServices lists the step keys of the publication steps this
// deployment can run.
func enabledServices(cfg *config.Config) []string {
	var out []string
	p := cfg.Publish
	if p.Backup.Enabled {
		out = append(out, status.StepBackup.Key())
	}
	if p.S3.Enabled {
		out = append(out, status.StepPublish.Key())
	}
	if p.Integration.Enabled {
		out = append(out, status.StepIntegration.Key())
	}
	if p.Registry.Enabled {
		out = append(out, status.StepRegistry.Key())
	}
	return out
}

// pruneWorkspaces removes expired workspaces, sparing those of submissions
// still in flight.
func pruneWorkspaces(ctx context.Context, ws workspace.Manager, store *status.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		active, err := store.ListActive(ctx)
		if err != nil {
			logger.Warn("workspace cleanup skipped", "error", err)
			continue
		}
		keep := make(map[string]bool, len(active))
		for _, st := range active {
			keep[st.SourceID] = true
		}
		report, err := ws.Cleanup(ctx, retention, keep)
		if err != nil {
			logger.Warn("workspace cleanup failed", "error", err)
			continue
		}
		if report.DeletedDirs > 0 {
			logger.Info("expired workspaces removed", "count", report.DeletedDirs)
		}
	}
}
