package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattjoyce/siphon/internal/api"
	"github.com/mattjoyce/siphon/internal/config"
	"github.com/mattjoyce/siphon/internal/events"
	"github.com/mattjoyce/siphon/internal/log"
	"github.com/mattjoyce/siphon/internal/queue"
	"github.com/mattjoyce/siphon/internal/status"
	"github.com/mattjoyce/siphon/internal/storage"
)

// state bundles the shared database and the two stores on it.
type state struct {
	db    *sql.DB
	store *status.Store
	queue *queue.Queue
}

func openState(ctx context.Context, cfg *config.Config) (*state, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}
	return &state{
		db:    db,
		store: status.NewStore(db),
		queue: queue.New(db, cfg.Dispatcher.Visibility),
	}, nil
}

func (s *state) Close() error { return s.db.Close() }

// loadConfig loads configPath, discovering it when empty. It returns the
// path actually used.
func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

// splitPositional lets the id come before or after the flags.
func splitPositional(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

// openTool loads config and state for the short-lived commands.
func openTool(configPath string) (*config.Config, *state, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	st, err := openState(context.Background(), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, st, nil
}

func newIntake(cfg *config.Config, st *state) *api.Intake {
	ac := apiConfig(cfg)
	return &api.Intake{
		Store:    st.store,
		Queue:    st.queue,
		Hub:      events.NewHub(0),
		Services: ac.Services,
		Owners:   ac.Owners,
		Logger:   log.WithComponent("cli"),
	}
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	file := fs.String("file", "-", "Submission request JSON (- for stdin)")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open request: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}
	var req api.SubmitRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid request JSON: %v\n", err)
		return 1
	}

	cfg, st, err := openTool(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()

	resp, err := newIntake(cfg, st).Submit(context.Background(), req)
	if err != nil {
		var drop *queue.DedupeDropError
		switch {
		case errors.Is(err, status.ErrExists):
			fmt.Fprintf(os.Stderr, "Submission %s already exists; submit a new version\n", req.SourceID)
		case errors.As(err, &drop):
			fmt.Fprintf(os.Stderr, "Submission %s is already queued\n", req.SourceID)
		default:
			fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		}
		return 1
	}

	if *jsonOut {
		return printJSON(resp)
	}
	fmt.Printf("Queued %s (item %s)\n", resp.SourceID, resp.ItemID)
	return 0
}

func runStatus(args []string) int {
	sourceID, rest := splitPositional(args)
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	name := fs.String("name", "", "List every version of this dataset")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if sourceID == "" {
		sourceID = fs.Arg(0)
	}
	if (sourceID == "") == (*name == "") {
		fmt.Fprintln(os.Stderr, "Error: give either <source_id> or --name")
		return 1
	}

	_, st, err := openTool(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()
	ctx := context.Background()

	var list []*status.Status
	if *name != "" {
		list, err = st.store.ListByName(ctx, *name)
	} else {
		var one *status.Status
		one, err = st.store.Get(ctx, sourceID)
		list = []*status.Status{one}
	}
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Submission not found: %s\n", sourceID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to read status: %v\n", err)
		return 1
	}

	transcripts := make([]status.Transcript, 0, len(list))
	for _, s := range list {
		transcripts = append(transcripts, status.Translate(s))
	}
	if *jsonOut {
		if *name == "" {
			return printJSON(transcripts[0])
		}
		return printJSON(transcripts)
	}
	for i, tr := range transcripts {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s  %s  active=%t\n", tr.SourceID, tr.Code, tr.Active)
		fmt.Print(tr.Text)
		if !strings.HasSuffix(tr.Text, "\n") {
			fmt.Println()
		}
	}
	return 0
}

func runCancel(args []string) int {
	sourceID, rest := splitPositional(args)
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if sourceID == "" {
		sourceID = fs.Arg(0)
	}
	if sourceID == "" {
		fmt.Fprintln(os.Stderr, "Error: <source_id> is required")
		return 1
	}

	cfg, st, err := openTool(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()

	if _, err := newIntake(cfg, st).Cancel(context.Background(), sourceID); err != nil {
		fmt.Fprintf(os.Stderr, "Cancel failed: %v\n", err)
		return 1
	}
	fmt.Printf("Cancel requested for %s\n", sourceID)
	return 0
}

func runCurate(args []string) int {
	sourceID, rest := splitPositional(args)
	fs := flag.NewFlagSet("curate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	accept := fs.Bool("accept", false, "Accept the submission")
	reject := fs.Bool("reject", false, "Reject the submission")
	reason := fs.String("reason", "", "Reason shown to the submitter")
	curator := fs.String("curator", os.Getenv("USER"), "Curator id")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if sourceID == "" {
		sourceID = fs.Arg(0)
	}
	if sourceID == "" || *accept == *reject {
		fmt.Fprintln(os.Stderr, "Error: <source_id> and exactly one of --accept or --reject are required")
		return 1
	}

	cfg, st, err := openTool(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()

	_, err = newIntake(cfg, st).Curate(context.Background(), sourceID, api.CurationRequest{
		Accepted:  *accept,
		Reason:    *reason,
		CuratorID: *curator,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Curation failed: %v\n", err)
		return 1
	}
	verdict := "rejected"
	if *accept {
		verdict = "accepted"
	}
	fmt.Printf("Submission %s %s\n", sourceID, verdict)
	return 0
}

func runQueueDepth(args []string) int {
	fs := flag.NewFlagSet("depth", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	_, st, err := openTool(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()

	depth, err := st.queue.Depth(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read queue depth: %v\n", err)
		return 1
	}
	fmt.Println(depth)
	return 0
}

func runQueueLog(args []string) int {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	limit := fs.Int("limit", 20, "Number of entries")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	_, st, err := openTool(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()

	entries, err := st.queue.Log(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read queue log: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(entries)
	}
	for _, e := range entries {
		fmt.Printf("%s  %-24s  received=%d  acked=%s\n", e.ID, e.DedupKey, e.ReceiveCount, e.AckedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return 0
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
		return 1
	}
	return 0
}
