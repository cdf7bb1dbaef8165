package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps type names used in pipeline files to module types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*ModuleType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*ModuleType)}
}

// Register adds a module type. Document-map types get the standard
// processes and on_error options unless they declare their own.
func (r *Registry) Register(t *ModuleType) error {
	if t.Name == "" {
		return fmt.Errorf("module type has no name")
	}
	if t.Executable && (t.Execute == nil) == (t.Map == nil) {
		return fmt.Errorf("module type %s must set exactly one of Execute or Map", t.Name)
	}
	if !t.Executable && t.Filter == nil {
		return fmt.Errorf("module type %s is not executable and has no Filter", t.Name)
	}
	if len(t.Outputs) > 0 && t.Outputs[0].Type == nil && len(t.Inputs) == 0 {
		return fmt.Errorf("module type %s passes its input type through but has no inputs", t.Name)
	}

	if t.IsDocumentMap() {
		if _, ok := t.option(OptionProcesses); !ok {
			t.Options = append(t.Options, OptionSpec{
				Name: OptionProcesses, Kind: OptionInt, Default: 1,
				Help: "number of worker goroutines",
			})
		}
		if _, ok := t.option(OptionOnError); !ok {
			t.Options = append(t.Options, OptionSpec{
				Name: OptionOnError, Kind: OptionString, Default: "contain",
				Help: "contain: mark failing documents invalid; propagate: abort the run",
			})
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("module type %s already registered", t.Name)
	}
	r.types[t.Name] = t
	return nil
}

// MustRegister is Register that panics, for package init code.
func (r *Registry) MustRegister(types ...*ModuleType) {
	for _, t := range types {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Lookup finds a module type by name.
func (r *Registry) Lookup(name string) (*ModuleType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names lists the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
