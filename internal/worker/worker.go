// ============================================================================
// docpipe Worker - Document Transform Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Owns one Processor and applies it to tasks until the pool stops
//
// How it works:
//   Each Worker is an independent goroutine that loops:
//   1. Receive a task from taskCh (or stop)
//   2. Run the Processor on it; a panic is recovered into the result
//   3. Send the result to resultCh (or stop)
//   On exit the Processor's teardown hook runs.
//
// There is no per-task timeout: a transform that hangs stalls the run.
// Tools that can hang are expected to bound themselves.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	proc     Processor
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	logger   logger.Logger
}

func newWorker(id int, proc Processor, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, log logger.Logger) *Worker {
	return &Worker{
		id:       id,
		proc:     proc,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		logger:   log,
	}
}

// Run is the worker main loop. It returns the teardown error, if any.
func (w *Worker) Run(ctx context.Context) error {
	defer w.logger.Debug("Worker exiting", zap.Int("worker", w.id))

	for {
		var task Task
		var ok bool
		select {
		case task, ok = <-w.taskCh:
			if !ok {
				return w.teardown()
			}
		case <-w.stopCh:
			return w.teardown()
		}

		result := w.execute(ctx, task)

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			return w.teardown()
		}
	}
}

// execute runs the processor on one task. Panics become errors.
func (w *Worker) execute(ctx context.Context, task Task) Result {
	start := time.Now()
	outputs, err := Apply(ctx, w.proc, task.Key, task.Inputs)

	var pe *PanicError
	return Result{
		Seq:      task.Seq,
		Key:      task.Key,
		Outputs:  outputs,
		Err:      err,
		Panicked: errors.As(err, &pe),
		Worker:   w.id,
		Duration: time.Since(start),
	}
}

// PanicError is a panic recovered from a transform. Its message carries only
// the panic value, never the stack, so the same document fails with the same
// message on any worker.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Apply runs proc on one document, returning a recovered panic as
// *PanicError.
func Apply(ctx context.Context, proc Processor, key types.DocKey, inputs []types.Document) (outputs []types.Document, err error) {
	recovered := panics.Try(func() {
		outputs, err = proc.Process(ctx, key, inputs)
	})
	if recovered != nil {
		return nil, &PanicError{Value: recovered.Value, Stack: recovered.Stack}
	}
	return outputs, err
}

func (w *Worker) teardown() error {
	c, ok := w.proc.(io.Closer)
	if !ok {
		return nil
	}
	var err error
	if recovered := panics.Try(func() { err = c.Close() }); recovered != nil {
		err = recovered.AsError()
	}
	if err != nil {
		return fmt.Errorf("worker %d teardown: %w", w.id, err)
	}
	return nil
}
