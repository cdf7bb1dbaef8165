package pipeline

// ============================================================================
// Pipeline Configuration Error Definitions
// Purpose: Errors reported while loading and validating a pipeline, before
// any module runs
// ============================================================================

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownModuleType = errors.New("unknown module type")
	ErrUnknownModule     = errors.New("unknown module")
	ErrDuplicateModule   = errors.New("duplicate module name")
	ErrUnknownInput      = errors.New("unknown input")
	ErrUnknownOutput     = errors.New("unknown output")
	ErrMissingInput      = errors.New("required input not bound")
	ErrMissingOption     = errors.New("required option missing")
	ErrUnknownOption     = errors.New("unknown option")
	ErrInvalidOption     = errors.New("invalid option value")
	ErrInvalidBinding    = errors.New("invalid input binding")
	ErrNotExecutable     = errors.New("module is not executable")
	ErrNotFilterable     = errors.New("only document-map modules can run as filters")
)

// ConfigError attributes a configuration problem to a module.
type ConfigError struct {
	Module string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("module %s: %v", e.Module, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// CycleError is a dependency cycle. Chain starts and ends with the same
// module.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Chain, " -> ")
}

// TypeCheckError is an input bound to an output that does not provide what
// the input requires.
type TypeCheckError struct {
	Module   string
	Input    string
	Source   string // "module.output"
	Required Datatype
	Provided Datatype
}

func (e *TypeCheckError) Error() string {
	return fmt.Sprintf("module %s: input %s requires %s but %s provides %s",
		e.Module, e.Input, e.Required, e.Source, e.Provided)
}

// IsConfigError reports whether err is a pipeline configuration problem.
func IsConfigError(err error) bool {
	var ce *ConfigError
	var cy *CycleError
	var tc *TypeCheckError
	return errors.As(err, &ce) || errors.As(err, &cy) || errors.As(err, &tc)
}
