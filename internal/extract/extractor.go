// Package extract runs metadata extractors over file groups.
package extract

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Input is what an extractor sees: the group's files (absolute paths), the
// parameters configured for this extractor, and a scratch directory it may
// write incidental artifacts to.
type Input struct {
	Files      []string
	Params     map[string]any
	ScratchDir string
}

// Result holds either one record for the whole group (Single) or one record
// per entry found (Multi). Both may be empty.
type Result struct {
	Single map[string]any
	Multi  []map[string]any
}

// Empty reports that the extractor found nothing.
func (r Result) Empty() bool { return len(r.Single) == 0 && len(r.Multi) == 0 }

// Extractor turns files into partial records. Implementations must not
// depend on other groups or on the order extractors run in.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, in Input) (Result, error)
}

// Registry maps extractor names to implementations.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Extractor)}
}

// NewDefaultRegistry returns a registry holding the built-in extractors.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, e := range Builtins() {
		_ = r.Register(e)
	}
	return r
}

// Register adds e; names must be unique.
func (r *Registry) Register(e Extractor) error {
	name := e.Name()
	if name == "" {
		return fmt.Errorf("extractor name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("extractor %q already registered", name)
	}
	r.byName[name] = e
	return nil
}

func (r *Registry) Get(name string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Builtins returns the extractors compiled into siphon.
func Builtins() []Extractor {
	return []Extractor{
		JSON{},
		YAML{},
		CSV{},
		XLSX{},
		CIF{},
	}
}
