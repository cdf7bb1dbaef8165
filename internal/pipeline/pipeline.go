// ============================================================================
// docpipe Pipeline - 模組圖、排程與就緒判斷
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Purpose: Build the module graph from a definition, validate it, and answer
//          "what can run next" questions for the executor and the CLI
//
// Validation runs once, in Build, before anything executes:
//   1. every module type is known and every required option is present
//   2. every binding names an existing module and output
//   3. the graph is acyclic
//   4. every bound pair passes the structural type check
//
// Readiness is computed from the status store on every call, never cached,
// since another process may be running modules of the same pipeline.
//
// ============================================================================

package pipeline

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/internal/status"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// Pipeline is a validated module graph bound to a status store.
type Pipeline struct {
	Name string

	store   *status.Store
	logger  logger.Logger
	modules []*Module
	byName  map[string]*Module
	graph   *simple.DirectedGraph
	order   []*Module
}

// Build validates def against reg and returns the pipeline.
func Build(def *Definition, reg *Registry, store *status.Store, log logger.Logger) (*Pipeline, error) {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	p := &Pipeline{
		Name:   def.Name,
		store:  store,
		logger: log,
		byName: make(map[string]*Module, len(def.Modules)),
	}

	for i, md := range def.Modules {
		if md.Name == "" {
			return nil, &ConfigError{Module: fmt.Sprintf("#%d", i), Err: fmt.Errorf("module has no name")}
		}
		if _, dup := p.byName[md.Name]; dup {
			return nil, &ConfigError{Module: md.Name, Err: ErrDuplicateModule}
		}
		t, ok := reg.Lookup(md.Type)
		if !ok {
			return nil, &ConfigError{Module: md.Name, Err: fmt.Errorf("%w: %q", ErrUnknownModuleType, md.Type)}
		}
		opts, err := resolveOptions(t, md.Options)
		if err != nil {
			return nil, &ConfigError{Module: md.Name, Err: err}
		}
		if md.Filter && !t.IsDocumentMap() {
			return nil, &ConfigError{Module: md.Name, Err: fmt.Errorf("%w: %s", ErrNotFilterable, t.Name)}
		}
		m := &Module{Name: md.Name, Type: t, Options: opts, index: i, filter: md.Filter}
		p.modules = append(p.modules, m)
		p.byName[m.Name] = m
	}

	for i, md := range def.Modules {
		if err := p.bindInputs(p.modules[i], md.Inputs); err != nil {
			return nil, err
		}
	}

	g, err := buildGraph(p.modules, p.byName)
	if err != nil {
		return nil, err
	}
	if err := checkCycles(g, p.modules); err != nil {
		return nil, err
	}
	p.graph = g
	p.order = declarationOrder(g, p.modules)

	if err := p.Typecheck(); err != nil {
		return nil, err
	}

	p.logger.Debug("Pipeline loaded",
		zap.String("pipeline", p.Name),
		zap.Int("modules", len(p.modules)))
	return p, nil
}

// Load reads a pipeline file and builds it. storeDir overrides the store
// named in the file when not empty.
func Load(path string, reg *Registry, storeDir string, log logger.Logger) (*Pipeline, error) {
	def, err := LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	if storeDir != "" {
		def.Store = storeDir
	}
	if def.Store == "" {
		return nil, fmt.Errorf("%s: no store directory configured", path)
	}
	return Build(def, reg, status.NewStore(def.Store, log), log)
}

func (p *Pipeline) bindInputs(m *Module, raw map[string]string) error {
	for name := range raw {
		if _, ok := m.Type.input(name); !ok {
			return &ConfigError{Module: m.Name, Err: fmt.Errorf("%w: %s", ErrUnknownInput, name)}
		}
	}
	for _, in := range m.Type.Inputs {
		spec, ok := raw[in.Name]
		if !ok {
			if in.Optional {
				continue
			}
			return &ConfigError{Module: m.Name, Err: fmt.Errorf("%w: %s", ErrMissingInput, in.Name)}
		}
		b, err := parseBinding(in.Name, spec)
		if err != nil {
			return &ConfigError{Module: m.Name, Err: err}
		}
		producer, ok := p.byName[b.Module]
		if !ok {
			return &ConfigError{Module: m.Name, Err: fmt.Errorf("%w: input %s reads from %q", ErrUnknownModule, in.Name, b.Module)}
		}
		if b.Output == "" {
			if len(producer.Type.Outputs) == 0 {
				return &ConfigError{Module: m.Name, Err: fmt.Errorf("%w: %s has no outputs", ErrUnknownOutput, b.Module)}
			}
			b.Output = producer.Type.Outputs[0].Name
		}
		if !producer.HasOutput(b.Output) {
			return &ConfigError{Module: m.Name, Err: fmt.Errorf("%w: %s", ErrUnknownOutput, b.Source())}
		}
		m.Inputs = append(m.Inputs, b)
	}
	return nil
}

// OutputType resolves the datatype of a module output, following
// pass-through outputs back to the input they copy.
func (p *Pipeline) OutputType(module, output string) (Datatype, error) {
	seen := make(map[string]bool)
	for {
		m, err := p.Module(module)
		if err != nil {
			return Datatype{}, err
		}
		spec, ok := m.Type.output(output)
		if !ok {
			return Datatype{}, fmt.Errorf("%w: %s.%s", ErrUnknownOutput, module, output)
		}
		if spec.Type != nil {
			return *spec.Type, nil
		}
		if seen[m.Name] || len(m.Inputs) == 0 {
			return AnyDatatype, nil
		}
		seen[m.Name] = true
		module, output = m.Inputs[0].Module, m.Inputs[0].Output
	}
}

// Typecheck verifies that every bound output provides what its consumer's
// input requires.
func (p *Pipeline) Typecheck() error {
	for _, m := range p.modules {
		for _, b := range m.Inputs {
			in, _ := m.Type.input(b.Input)
			provided, err := p.OutputType(b.Module, b.Output)
			if err != nil {
				return &ConfigError{Module: m.Name, Err: err}
			}
			if !provided.Provides(in.Type) {
				return &TypeCheckError{
					Module:   m.Name,
					Input:    b.Input,
					Source:   b.Source(),
					Required: in.Type,
					Provided: provided,
				}
			}
		}
	}
	return nil
}

// Store returns the pipeline's status store.
func (p *Pipeline) Store() *status.Store {
	return p.store
}

// Module finds a module by name.
func (p *Pipeline) Module(name string) (*Module, error) {
	m, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	return m, nil
}

// Modules returns every module in declaration order.
func (p *Pipeline) Modules() []*Module {
	return append([]*Module(nil), p.modules...)
}

// Order returns every module in default execution order.
func (p *Pipeline) Order() []*Module {
	return append([]*Module(nil), p.order...)
}

// DOT renders the module graph for Graphviz.
func (p *Pipeline) DOT() ([]byte, error) {
	return marshalDOT(p.graph, p.Name)
}

// Status returns the stored status of a module.
func (p *Pipeline) Status(name string) (types.ModuleStatus, error) {
	return p.store.Status(name)
}

// Locked reports whether an execution of the module is in progress or
// was left unfinished.
func (p *Pipeline) Locked(name string) bool {
	return p.store.Lock(name).Locked()
}

// OutputReady reports whether the output bound by b can be read. A lazy
// filter's output is ready when the filter's own inputs are.
func (p *Pipeline) OutputReady(b Binding) (bool, error) {
	producer, err := p.Module(b.Module)
	if err != nil {
		return false, err
	}
	if !producer.Executable() {
		notReady, err := p.UnreadyInputs(producer)
		return len(notReady) == 0, err
	}
	st, err := p.Status(producer.Name)
	if err != nil {
		return false, err
	}
	return st == types.StatusComplete, nil
}

// UnreadyInputs lists the inputs of m whose producing output is not ready.
func (p *Pipeline) UnreadyInputs(m *Module) ([]Binding, error) {
	var notReady []Binding
	for _, b := range m.Inputs {
		ok, err := p.OutputReady(b)
		if err != nil {
			return nil, err
		}
		if !ok {
			notReady = append(notReady, b)
		}
	}
	return notReady, nil
}

// Ready reports whether a module can be run now: not COMPLETE, not locked
// and every input ready.
func (p *Pipeline) Ready(name string) (bool, error) {
	m, err := p.Module(name)
	if err != nil {
		return false, err
	}
	st, err := p.Status(name)
	if err != nil {
		return false, err
	}
	if st == types.StatusComplete || p.Locked(name) {
		return false, nil
	}
	notReady, err := p.UnreadyInputs(m)
	if err != nil {
		return false, err
	}
	return len(notReady) == 0, nil
}

// NextReady returns the first module in default order that is ready, or
// nil when none is.
func (p *Pipeline) NextReady() (*Module, error) {
	for _, m := range p.order {
		if !m.Executable() {
			continue
		}
		ok, err := p.Ready(m.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			return m, nil
		}
	}
	return nil, nil
}

// RunnableModules returns the executable modules among names, or all
// executable modules when names is empty, in default order.
func (p *Pipeline) RunnableModules(names ...string) ([]*Module, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		m, ok := p.byName[n]
		if !ok {
			return nil, &ConfigError{Module: n, Err: ErrUnknownModule}
		}
		if !m.Executable() {
			return nil, &ConfigError{Module: n, Err: ErrNotExecutable}
		}
		want[n] = true
	}
	var out []*Module
	for _, m := range p.order {
		if !m.Executable() {
			continue
		}
		if len(want) == 0 || want[m.Name] {
			out = append(out, m)
		}
	}
	return out, nil
}

// UnexecutedDependencies lists the executable modules that name
// transitively depends on and that are not COMPLETE, in default order.
// Lazy filters are looked through; a COMPLETE producer ends the walk.
func (p *Pipeline) UnexecutedDependencies(name string) ([]*Module, error) {
	m, err := p.Module(name)
	if err != nil {
		return nil, err
	}

	var walkErr error
	complete := func(id int64) bool {
		mod := p.modules[id]
		if !mod.Executable() {
			return false
		}
		st, err := p.Status(mod.Name)
		if err != nil {
			walkErr = err
			return true
		}
		return st == types.StatusComplete
	}

	start := int64(m.index)
	pendingDeps := make(map[int64]bool)
	walkProducers(p.graph, start,
		func(consumer int64) bool {
			return consumer == start || !complete(consumer)
		},
		func(producer int64) {
			if p.modules[producer].Executable() && !complete(producer) {
				pendingDeps[producer] = true
			}
		})
	if walkErr != nil {
		return nil, walkErr
	}

	var out []*Module
	for _, mod := range p.order {
		if pendingDeps[int64(mod.index)] {
			out = append(out, mod)
		}
	}
	return out, nil
}

// ExecutedDependents lists the executable modules that transitively consume
// an output of any of names and have been run at least partly, in default
// order. Their inputs are rebuilt when names are, so they have to be reset
// with them. Lazy filters are looked through; names themselves are left out.
func (p *Pipeline) ExecutedDependents(names ...string) ([]*Module, error) {
	seen := make(map[int64]bool)
	for _, n := range names {
		m, err := p.Module(n)
		if err != nil {
			return nil, err
		}
		walkConsumers(p.graph, int64(m.index), func(consumer int64) {
			seen[consumer] = true
		})
	}
	for _, n := range names {
		delete(seen, int64(p.byName[n].index))
	}

	var out []*Module
	for _, m := range p.order {
		if !seen[int64(m.index)] || !m.Executable() {
			continue
		}
		st, err := p.Status(m.Name)
		if err != nil {
			return nil, err
		}
		if st != types.StatusUnexecuted || p.Locked(m.Name) {
			out = append(out, m)
		}
	}
	return out, nil
}

// CheckRuntimeDependencies runs the module type's runtime checks.
func (p *Pipeline) CheckRuntimeDependencies(m *Module) []error {
	if m.Type.Dependencies == nil {
		return nil
	}
	var errs []error
	for _, dep := range m.Type.Dependencies(m) {
		if err := dep.Check(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dep.Name(), err))
		}
	}
	return errs
}

// OutputDirs maps each output of m to its directory in the store.
func (p *Pipeline) OutputDirs(m *Module) map[string]string {
	dirs := make(map[string]string, len(m.Type.Outputs))
	for _, out := range m.Type.Outputs {
		dirs[out.Name] = p.store.OutputDir(m.Name, out.Name)
	}
	return dirs
}

// OpenOutput returns a reader over one module output. Outputs of lazy
// filters are built from the filter's inputs.
func (p *Pipeline) OpenOutput(module, output string) (corpus.Reader, error) {
	m, err := p.Module(module)
	if err != nil {
		return nil, err
	}
	if !m.HasOutput(output) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownOutput, module, output)
	}
	if m.Executable() {
		return corpus.Open(p.store.OutputDir(module, output)), nil
	}
	inputs, err := p.OpenInputs(m)
	if err != nil {
		return nil, err
	}
	if m.filter {
		return newMapFilter(m, output, inputs)
	}
	return m.Type.Filter(m, output, inputs)
}

// OpenInputs returns one reader per bound input of m, in declaration order.
func (p *Pipeline) OpenInputs(m *Module) ([]corpus.Reader, error) {
	readers := make([]corpus.Reader, 0, len(m.Inputs))
	for _, b := range m.Inputs {
		r, err := p.OpenOutput(b.Module, b.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to open input %s of %s: %w", b.Input, m.Name, err)
		}
		readers = append(readers, r)
	}
	return readers, nil
}
