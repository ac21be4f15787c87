package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is an in-process Index for dry runs and tests. Ingest
// completes synchronously and returns no task id.
type MemoryIndex struct {
	mu   sync.Mutex
	docs map[string]map[string]Entry // index -> subject -> entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]map[string]Entry)}
}

func (m *MemoryIndex) DeleteByQuery(_ context.Context, index, sourceName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for subject, e := range m.docs[index] {
		if sourceNameOf(e) == sourceName {
			delete(m.docs[index], subject)
			n++
		}
	}
	return n, nil
}

func (m *MemoryIndex) Ingest(_ context.Context, index string, batch Batch) (IngestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[index] == nil {
		m.docs[index] = make(map[string]Entry)
	}
	for _, e := range batch.Entries {
		if e.Subject == "" {
			return IngestResult{}, fmt.Errorf("ingest: entry without subject")
		}
		m.docs[index][e.Subject] = e
	}
	return IngestResult{Acknowledged: true}, nil
}

func (m *MemoryIndex) GetTask(_ context.Context, taskID string) (Task, error) {
	return Task{}, fmt.Errorf("get task: unknown task %q", taskID)
}

// Subjects lists the documents held for index in sorted order.
func (m *MemoryIndex) Subjects(index string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.docs[index]))
	for s := range m.docs[index] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sourceNameOf(e Entry) string {
	if meta, ok := e.Content["meta"].(map[string]any); ok {
		if s, ok := meta["source_name"].(string); ok {
			return s
		}
	}
	name, _, _ := strings.Cut(e.Subject, "_v")
	return name
}
