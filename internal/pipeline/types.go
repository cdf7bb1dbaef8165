package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
	"github.com/ChuLiYu/docpipe/internal/worker"
)

// Datatype names what a corpus provides. Compatibility is structural: a
// produced datatype satisfies a required one when it has at least the
// required fields.
type Datatype struct {
	Name   string
	Fields []string
}

// AnyDatatype is accepted by every input and requires nothing.
var AnyDatatype = Datatype{Name: "any"}

// Provides reports whether d has every field req asks for.
func (d Datatype) Provides(req Datatype) bool {
	have := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		have[f] = true
	}
	for _, f := range req.Fields {
		if !have[f] {
			return false
		}
	}
	return true
}

func (d Datatype) String() string {
	if len(d.Fields) == 0 {
		return d.Name
	}
	return fmt.Sprintf("%s{%s}", d.Name, strings.Join(d.Fields, ","))
}

// InputSpec declares one named input of a module type.
type InputSpec struct {
	Name     string
	Type     Datatype
	Optional bool
}

// OutputSpec declares one named output. A nil Type means "whatever the first
// input provides", which is how filters pass their input type through.
type OutputSpec struct {
	Name     string
	Type     *Datatype
	Optional bool
}

// OptionKind is the value type of a module option.
type OptionKind string

const (
	OptionString OptionKind = "string"
	OptionInt    OptionKind = "int"
	OptionFloat  OptionKind = "float"
	OptionBool   OptionKind = "bool"
)

// OptionSpec declares one module option.
type OptionSpec struct {
	Name     string
	Kind     OptionKind
	Required bool
	Default  interface{}
	Help     string
}

// Standard options every document-map type accepts.
const (
	OptionProcesses = "processes"
	OptionOnError   = "on_error"
)

// RunContext is handed to a non-map module's Execute function.
type RunContext struct {
	Module *Module
	// Inputs holds one reader per bound input, in declaration order.
	Inputs []corpus.Reader
	// OutputDirs maps each output name to its directory.
	OutputDirs map[string]string
	Logger     logger.Logger
}

// ModuleType is the behaviour shared by every module of one type.
//
// Executable types set exactly one of Execute or Map. Lazy filters set
// Executable to false and provide Filter, which builds an output reader
// from the filter's own inputs whenever a consumer asks for it.
type ModuleType struct {
	Name        string
	Description string
	Inputs      []InputSpec
	Outputs     []OutputSpec
	Options     []OptionSpec
	Executable  bool

	// Dependencies lists runtime checks re-run just before execution.
	Dependencies func(m *Module) []Dependency

	Execute func(ctx context.Context, rc *RunContext) error
	Map     func(m *Module) (worker.Setup, error)
	Filter  func(m *Module, output string, inputs []corpus.Reader) (corpus.Reader, error)
}

// IsDocumentMap reports whether the type runs through the document-map
// executor.
func (t *ModuleType) IsDocumentMap() bool {
	return t.Map != nil
}

func (t *ModuleType) input(name string) (InputSpec, bool) {
	for _, in := range t.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

func (t *ModuleType) output(name string) (OutputSpec, bool) {
	for _, out := range t.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return OutputSpec{}, false
}

func (t *ModuleType) option(name string) (OptionSpec, bool) {
	for _, o := range t.Options {
		if o.Name == name {
			return o, true
		}
	}
	return OptionSpec{}, false
}

// Dependency is something that must be present in the environment a module
// runs in.
type Dependency interface {
	Name() string
	Check() error
}

// CommandDependency requires an executable on PATH.
type CommandDependency struct {
	Command string
}

func (d CommandDependency) Name() string {
	return "command " + d.Command
}

func (d CommandDependency) Check() error {
	if _, err := exec.LookPath(d.Command); err != nil {
		return fmt.Errorf("%s not found on PATH: %w", d.Command, err)
	}
	return nil
}
