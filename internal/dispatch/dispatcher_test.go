package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/siphon/internal/events"
	"github.com/mattjoyce/siphon/internal/log"
	"github.com/mattjoyce/siphon/internal/protocol"
	"github.com/mattjoyce/siphon/internal/queue"
	"github.com/mattjoyce/siphon/internal/status"
	"github.com/mattjoyce/siphon/internal/storage"
	"github.com/mattjoyce/siphon/internal/supervisor"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

type fixture struct {
	disp  *Dispatcher
	queue *queue.Queue
	store *status.Store
	hub   *events.Hub
	dir   string
}

func setupTestDispatcher(t *testing.T, script string, tune func(*Config)) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	scriptPath := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write worker script: %v", err)
	}

	q := queue.New(db, time.Minute)
	q.SetPollInterval(10 * time.Millisecond)
	store := status.NewStore(db)
	hub := events.NewHub(64)

	cfg := Config{
		MaxConcurrent:  2,
		LongPoll:       50 * time.Millisecond,
		ShutdownGrace:  100 * time.Millisecond,
		TerminateGrace: 500 * time.Millisecond,
		ReleaseDelay:   10 * time.Millisecond,
		Command:        "/bin/bash",
		Args:           []string{scriptPath},
		Env:            []string{"SIPHON_TEST_DIR=" + dir},
	}
	if tune != nil {
		tune(&cfg)
	}
	return &fixture{
		disp:  New(q, store, supervisor.ProcessProber{}, hub, cfg),
		queue: q,
		store: store,
		hub:   hub,
		dir:   dir,
	}
}

func (f *fixture) submit(t *testing.T, sourceID string) {
	t.Helper()
	payload, err := json.Marshal(protocol.Submission{SourceID: sourceID, OwnerID: "alice", Location: "/data/" + sourceID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		Kind: queue.KindSubmission, Payload: payload, DedupKey: sourceID,
	}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
}

// run starts the dispatch loop and returns a stop function that cancels it
// and waits for Start to return.
func (f *fixture) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.disp.Start(ctx); close(done) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start returned error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) inactive(t *testing.T, sourceID string) func() bool {
	return func() bool {
		st, err := f.store.Get(context.Background(), sourceID)
		return err == nil && !st.Active
	}
}

func TestDispatcherReconcilesWorkerThatNeverReports(t *testing.T) {
	f := setupTestDispatcher(t, `#!/bin/bash
cat > "$SIPHON_TEST_DIR/stdin.json"
exit 3
`, nil)
	stop := f.run(t)
	f.submit(t, "cells_v1.0")

	waitFor(t, "status to go inactive", f.inactive(t, "cells_v1.0"))
	stop()

	st, err := f.store.Get(context.Background(), "cells_v1.0")
	if err != nil {
		t.Fatal(err)
	}
	if st.Code != "FXXXXXXXXXX" {
		t.Fatalf("code = %q, want FXXXXXXXXXX", st.Code)
	}
	if got := st.Messages[status.StepStart].Text; got != "worker exited unexpectedly" {
		t.Fatalf("message = %q", got)
	}

	fh, err := os.Open(filepath.Join(f.dir, "stdin.json"))
	if err != nil {
		t.Fatalf("worker stdin not captured: %v", err)
	}
	defer fh.Close()
	req, err := protocol.DecodeWorkerRequest(fh)
	if err != nil {
		t.Fatalf("decode worker request: %v", err)
	}
	if req.Submission.SourceID != "cells_v1.0" || req.Submission.OwnerID != "alice" || req.ItemID == "" {
		t.Fatalf("unexpected worker request: %+v", req)
	}

	depth, err := f.queue.Depth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}

func TestDispatcherLeavesFinishedStatusAlone(t *testing.T) {
	f := setupTestDispatcher(t, `#!/bin/bash
cat > /dev/null
sleep 0.5
`, nil)
	stop := f.run(t)
	f.submit(t, "cells_v1.0")

	ctx := context.Background()
	waitFor(t, "worker handle to be recorded", func() bool {
		st, err := f.store.Get(ctx, "cells_v1.0")
		return err == nil && st.ProcessID != ""
	})
	// Stand in for the worker finishing its pipeline.
	if _, err := f.store.Update(ctx, "cells_v1.0", func(st *status.Status) error {
		for i := 0; i < status.NumSteps; i++ {
			if err := st.SetStep(status.Step(i), status.CodeSuccess, status.Message{}); err != nil {
				return err
			}
		}
		st.Active = false
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "worker to be reaped", func() bool { return len(f.disp.Running()) == 0 })
	stop()

	st, err := f.store.Get(ctx, "cells_v1.0")
	if err != nil {
		t.Fatal(err)
	}
	if st.Code != strings.Repeat("S", status.NumSteps) {
		t.Fatalf("code = %q, reconcile must not touch a finished status", st.Code)
	}
}

func TestDispatcherSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	self, err := supervisor.Self()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*status.Status)
	}{
		{"inactive", func(st *status.Status) { st.CancelRemaining(); st.Active = false }},
		{"live owner", func(st *status.Status) { st.ProcessID = self.String() }},
		{"cancelled before launch", func(st *status.Status) { st.Cancelled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestDispatcher(t, "#!/bin/bash\ntouch \"$SIPHON_TEST_DIR/launched\"\n", nil)
			st, err := status.New("cells_v1.0", "alice")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(st)
			if err := f.store.Create(ctx, st); err != nil {
				t.Fatal(err)
			}
			f.submit(t, "cells_v1.0")

			item, err := f.queue.Receive(ctx, time.Second)
			if err != nil || item == nil {
				t.Fatalf("Receive: %v %v", item, err)
			}
			child, _ := f.disp.handle(ctx, item)
			if child != nil {
				child.Wait()
				t.Fatal("duplicate submission must not launch a worker")
			}
			if depth, _ := f.queue.Depth(ctx); depth != 0 {
				t.Fatalf("skipped item must be acked, depth = %d", depth)
			}
			if _, err := os.Stat(filepath.Join(f.dir, "launched")); err == nil {
				t.Fatal("worker ran")
			}
			got, err := f.store.Get(ctx, "cells_v1.0")
			if err != nil {
				t.Fatal(err)
			}
			if tt.name == "cancelled before launch" && (got.Active || got.Code != strings.Repeat("X", status.NumSteps)) {
				t.Fatalf("cancelled submission not closed: %q active=%v", got.Code, got.Active)
			}
		})
	}
}

func TestDispatcherReconcilesDeadOwnerOnRedelivery(t *testing.T) {
	ctx := context.Background()
	f := setupTestDispatcher(t, "#!/bin/bash\nexit 0\n", nil)

	st, err := status.New("cells_v1.0", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetStep(status.StepStart, status.CodeSuccess, status.Message{}); err != nil {
		t.Fatal(err)
	}
	st.ProcessID = supervisor.NewHandle(1<<22-1, 1).String()
	if err := f.store.Create(ctx, st); err != nil {
		t.Fatal(err)
	}
	f.submit(t, "cells_v1.0")

	item, err := f.queue.Receive(ctx, time.Second)
	if err != nil || item == nil {
		t.Fatalf("Receive: %v %v", item, err)
	}
	if child, _ := f.disp.handle(ctx, item); child != nil {
		child.Wait()
		t.Fatal("dead owner must be reconciled, not relaunched")
	}

	got, err := f.store.Get(ctx, "cells_v1.0")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active || got.Code != "SFXXXXXXXXX" {
		t.Fatalf("code = %q active = %v, want SFXXXXXXXXX inactive", got.Code, got.Active)
	}
}

func TestDispatcherRecoverOrphans(t *testing.T) {
	ctx := context.Background()
	f := setupTestDispatcher(t, "#!/bin/bash\n", nil)
	self, err := supervisor.Self()
	if err != nil {
		t.Fatal(err)
	}

	orphan, _ := status.New("orphan_v1.0", "alice")
	orphan.ProcessID = supervisor.NewHandle(1<<22-1, 1).String()
	live, _ := status.New("live_v1.0", "alice")
	live.ProcessID = self.String()
	queued, _ := status.New("queued_v1.0", "alice")
	for _, st := range []*status.Status{orphan, live, queued} {
		if err := f.store.Create(ctx, st); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.disp.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, _ := f.store.Get(ctx, "orphan_v1.0")
	if got.Active || got.Code != "FXXXXXXXXXX" {
		t.Fatalf("orphan = %q active=%v", got.Code, got.Active)
	}
	for _, id := range []string{"live_v1.0", "queued_v1.0"} {
		got, _ := f.store.Get(ctx, id)
		if !got.Active {
			t.Fatalf("%s must stay active", id)
		}
	}
}

func TestDispatcherShutdownTerminatesWorkers(t *testing.T) {
	f := setupTestDispatcher(t, `#!/bin/bash
cat > /dev/null
exec sleep 30
`, nil)
	stop := f.run(t)
	f.submit(t, "cells_v1.0")

	waitFor(t, "worker to start", func() bool { return len(f.disp.Running()) == 1 })
	start := time.Now()
	stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}

	st, err := f.store.Get(context.Background(), "cells_v1.0")
	if err != nil {
		t.Fatal(err)
	}
	if st.Active || st.Code != "FXXXXXXXXXX" {
		t.Fatalf("code = %q active = %v", st.Code, st.Active)
	}
	if got := st.Messages[status.StepStart].Text; got != "interrupted by shutdown" {
		t.Fatalf("message = %q", got)
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	f := setupTestDispatcher(t, `#!/bin/bash
cat > /dev/null
exec sleep 30
`, func(c *Config) { c.MaxConcurrent = 1 })
	stop := f.run(t)
	f.submit(t, "a_v1.0")
	f.submit(t, "b_v1.0")

	waitFor(t, "first worker", func() bool { return len(f.disp.Running()) == 1 })
	time.Sleep(200 * time.Millisecond)
	if n := len(f.disp.Running()); n != 1 {
		t.Fatalf("running = %d, want 1", n)
	}
	if depth, _ := f.queue.Depth(context.Background()); depth != 1 {
		t.Fatalf("second item must stay queued, depth = %d", depth)
	}
	stop()
}

func TestDispatcherPublishesEvents(t *testing.T) {
	f := setupTestDispatcher(t, "#!/bin/bash\ncat > /dev/null\n", nil)
	stop := f.run(t)
	f.submit(t, "cells_v1.0")

	waitFor(t, "finished event", func() bool {
		for _, ev := range f.hub.Since(0, "cells_v1.0") {
			if ev.Type == events.TypeFinished {
				return true
			}
		}
		return false
	})
	stop()

	var types []string
	for _, ev := range f.hub.Since(0, "cells_v1.0") {
		types = append(types, ev.Type)
	}
	want := []string{events.TypeLaunched, events.TypeReconciled, events.TypeFinished}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestDropsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	f := setupTestDispatcher(t, "#!/bin/bash\n", nil)
	if _, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Kind: queue.KindSubmission, Payload: []byte(`{"nope":true}`)}); err != nil {
		t.Fatal(err)
	}
	item, err := f.queue.Receive(ctx, time.Second)
	if err != nil || item == nil {
		t.Fatalf("Receive: %v %v", item, err)
	}
	if child, _ := f.disp.handle(ctx, item); child != nil {
		t.Fatal("malformed item launched")
	}
	if depth, _ := f.queue.Depth(ctx); depth != 0 {
		t.Fatalf("depth = %d", depth)
	}
}
