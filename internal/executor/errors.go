package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/docpipe/internal/pipeline"
)

var (
	// ErrInterrupted marks a run stopped by cancellation rather than by a
	// failure of the module itself.
	ErrInterrupted = errors.New("execution interrupted")
)

// ModuleLockedError is returned when another run holds, or abandoned, the
// module's lock.
type ModuleLockedError struct {
	Module string
	Owner  string
}

func (e *ModuleLockedError) Error() string {
	msg := fmt.Sprintf("module %s is locked", e.Module)
	if e.Owner != "" {
		msg += " by " + e.Owner
	}
	return msg + "; if no run is in progress, use `docpipe unlock " + e.Module + "`"
}

// ModuleAlreadyCompletedError is returned for a COMPLETE module without
// ForceRerun.
type ModuleAlreadyCompletedError struct {
	Module string
}

func (e *ModuleAlreadyCompletedError) Error() string {
	return fmt.Sprintf("module %s is already complete; use --force-rerun to run it again", e.Module)
}

// ModuleNotReadyError lists the inputs whose producers have not finished.
type ModuleNotReadyError struct {
	Module string
	Inputs []pipeline.Binding
}

func (e *ModuleNotReadyError) Error() string {
	names := make([]string, len(e.Inputs))
	for i, b := range e.Inputs {
		names[i] = fmt.Sprintf("%s (from %s)", b.Input, b.Source())
	}
	return fmt.Sprintf("module %s is not ready, inputs not available: %s", e.Module, strings.Join(names, ", "))
}

// DependencyError collects the failed runtime dependency checks.
type DependencyError struct {
	Module string
	Errs   []error
}

func (e *DependencyError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("module %s has unsatisfied dependencies: %s", e.Module, strings.Join(msgs, "; "))
}

func (e *DependencyError) Unwrap() []error {
	return e.Errs
}

// ModuleExecutionError wraps any failure that happened after the lock was
// taken.
type ModuleExecutionError struct {
	Module string
	Err    error
}

func (e *ModuleExecutionError) Error() string {
	return fmt.Sprintf("module %s failed: %v", e.Module, e.Err)
}

func (e *ModuleExecutionError) Unwrap() error {
	return e.Err
}

// IsPrecondition reports whether err was raised before anything was
// mutated, so retrying after fixing the cause is safe.
func IsPrecondition(err error) bool {
	var locked *ModuleLockedError
	var complete *ModuleAlreadyCompletedError
	var notReady *ModuleNotReadyError
	var deps *DependencyError
	return errors.As(err, &locked) || errors.As(err, &complete) ||
		errors.As(err, &notReady) || errors.As(err, &deps)
}
