// ============================================================================
// docpipe Document-Map Executor - 平行文件轉換與有序輸出
// ============================================================================
//
// Package: internal/docmap
// File: docmap.go
// Purpose: Apply a per-document transform to aligned input corpora with P
//          workers, write results in input order, checkpoint as it goes
//
// Stages:
//   aligned inputs ──> coordinator ──Submit──> worker pool (P workers)
//                          ↑                         │
//                          └──── ReceiveResult ──────┘
//                          │
//                          └──> writers (one per output) ──> checkpoint
//
// Ordering:
//   The coordinator keeps a FIFO of dispatched sequence numbers (pending)
//   and a map of finished outcomes (buffer). After every result it pops the
//   front of pending while the front is in buffer, writing those documents.
//   Output order is therefore input order whatever order workers finish in.
//
// Memory bound:
//   At most 2×P documents are dispatched and not yet written.
//
// Checkpoint:
//   After each flush the writers are flushed first, then the checkpoint
//   (count, last key) is persisted. A crash loses at most the in-flight
//   window.
//
// Failures:
//   contain    a transform error or panic becomes an invalid document in
//              every output and the run continues
//   propagate  dispatch stops; documents before the failing one are still
//              collected and written; the failing one is not, so the
//              checkpoint ends just before it
//   An arity mismatch is fatal under both policies.
//   A panic is recorded as "panic: <value>"; the stack goes to the log only.
//
// Interrupts:
//   Transforms never see the interrupt; the coordinator stops dispatching
//   and writes the prefix that is already complete. A transform error that
//   arrives after the interrupt aborts the run instead of becoming invalid.
//
// ============================================================================

package docmap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/internal/metrics"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
	"github.com/ChuLiYu/docpipe/internal/worker"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// progressEvery is how often, in documents, progress is logged.
const progressEvery = 1000

// Policy decides what a per-document error does to the run.
type Policy string

const (
	PolicyContain   Policy = "contain"
	PolicyPropagate Policy = "propagate"
)

// ParsePolicy validates a policy name. Empty means contain.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyContain:
		return PolicyContain, nil
	case PolicyPropagate:
		return PolicyPropagate, nil
	}
	return "", fmt.Errorf("unknown error policy %q (want %s or %s)", s, PolicyContain, PolicyPropagate)
}

var (
	// ErrArity is a transform result whose length differs from the number
	// of outputs.
	ErrArity = errors.New("transform returned the wrong number of documents")
)

// DocumentError is a per-document failure under the propagate policy.
type DocumentError struct {
	Module string
	Key    types.DocKey
	Err    error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("module %s failed on document %s: %v", e.Module, e.Key, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// Writer is the write side of one output corpus. *corpus.Writer
// implements it.
type Writer interface {
	Add(archive, doc string, d types.Document) error
	Flush() error
}

// Config describes one document-map run.
type Config struct {
	Module    string
	Processes int
	Policy    Policy
	Setup     worker.Setup

	Inputs  []corpus.Reader
	Outputs []Writer

	// Resume continues after this checkpoint. Nil starts from the top.
	Resume *types.Checkpoint
	// Checkpoint persists progress after each flush.
	Checkpoint func(types.Checkpoint) error
	// Total is the number of input documents, used only for progress logs.
	Total int

	Logger  logger.Logger
	Metrics *metrics.Collector
}

// Stats summarises a run.
type Stats struct {
	// Processed and Invalid count documents written by this run.
	Processed int
	Invalid   int
	// Checkpoint is the last persisted checkpoint, including documents
	// written by earlier runs.
	Checkpoint types.Checkpoint
}

// outcome is one document ready to be written, or the error that stops the
// run at this document.
type outcome struct {
	key     types.DocKey
	docs    []types.Document
	invalid bool
	err     error
	latency time.Duration
}

type coordinator struct {
	cfg     Config
	log     logger.Logger
	pending *linkedlistqueue.Queue
	buffer  map[int64]outcome
	stats   Stats
}

// Run executes the document map described by cfg. Whatever happens, every
// worker's teardown has run when Run returns.
func Run(ctx context.Context, cfg Config) (Stats, error) {
	if cfg.Setup == nil {
		return Stats{}, errors.New("document map has no setup function")
	}
	if len(cfg.Inputs) == 0 {
		return Stats{}, errors.New("document map needs at least one input")
	}
	if cfg.Processes < 1 {
		cfg.Processes = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyContain
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	c := &coordinator{
		cfg:     cfg,
		log:     log.With(zap.String("module", cfg.Module)),
		pending: linkedlistqueue.New(),
		buffer:  make(map[int64]outcome),
	}

	opts := corpus.IterateOptions{}
	if cfg.Resume != nil && !cfg.Resume.LastDoc.IsZero() {
		last := cfg.Resume.LastDoc
		opts.StartAfter = &last
		c.stats.Checkpoint = *cfg.Resume
		c.log.Info("Resuming document map",
			zap.Int("docs_completed", cfg.Resume.DocsCompleted),
			zap.String("last_doc_completed", last.String()))
	}

	it, err := corpus.IterateAligned(ctx, cfg.Inputs, opts)
	if err != nil {
		return c.stats, err
	}
	defer it.Stop()

	c.log.Info("Starting document map",
		zap.Int("processes", cfg.Processes),
		zap.String("on_error", string(cfg.Policy)),
		zap.Int("total_docs", cfg.Total))

	if cfg.Processes == 1 {
		err = c.runSerial(ctx, it)
	} else {
		err = c.runParallel(ctx, it)
	}
	c.cfg.Metrics.UpdateQueueStats(cfg.Module, 0, 0)
	return c.stats, err
}

// runSerial is the single-worker path. It has the same per-document
// semantics as runParallel without the pool.
func (c *coordinator) runSerial(ctx context.Context, it *corpus.AlignedIterator) (err error) {
	proc, err := c.cfg.Setup(0)
	if err != nil {
		return fmt.Errorf("worker 0 setup: %w", err)
	}
	defer func() {
		err = errors.Join(err, teardown(proc))
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, docs, err := it.Next(ctx)
		if errors.Is(err, corpus.ErrIteratorDone) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		var o outcome
		if inv, ok := firstInvalid(docs); ok {
			o = c.passThrough(key, inv)
		} else {
			start := time.Now()
			outputs, perr := worker.Apply(context.WithoutCancel(ctx), proc, key, docs)
			o = c.resolve(ctx, key, outputs, perr, time.Since(start))
		}
		if o.err != nil {
			return o.err
		}
		if err := c.write(o); err != nil {
			return err
		}
		if err := c.commit(); err != nil {
			return err
		}
	}
}

func (c *coordinator) runParallel(ctx context.Context, it *corpus.AlignedIterator) error {
	window := 2 * c.cfg.Processes
	pool := worker.NewPool(window, c.cfg.Setup, c.log)
	// 中斷只在文件之間生效，處理中的文件一律做完
	if err := pool.Start(context.WithoutCancel(ctx), c.cfg.Processes); err != nil {
		return err
	}

	var (
		seq          int64
		exhausted    bool
		stopDispatch bool
		abortErr     error // stop after flushing what is ready
		runErr       error
	)

	for {
		// 派發：補滿 2×P 的視窗
		for abortErr == nil && !stopDispatch && !exhausted && c.pending.Size() < window {
			if err := ctx.Err(); err != nil {
				abortErr = err
				break
			}
			key, docs, err := it.Next(ctx)
			if errors.Is(err, corpus.ErrIteratorDone) {
				exhausted = true
				break
			}
			if err != nil {
				abortErr = fmt.Errorf("failed to read input: %w", err)
				break
			}
			seq++
			if inv, ok := firstInvalid(docs); ok {
				c.pending.Enqueue(seq)
				c.buffer[seq] = c.passThrough(key, inv)
				continue
			}
			if err := pool.Submit(ctx, worker.Task{Seq: seq, Key: key, Inputs: docs}); err != nil {
				abortErr = err
				break
			}
			c.pending.Enqueue(seq)
		}

		if err := c.flushReady(); err != nil {
			runErr = err
			break
		}
		if abortErr != nil {
			runErr = abortErr
			break
		}
		if c.pending.Empty() {
			break
		}

		r, err := pool.ReceiveResult(ctx)
		if err != nil {
			abortErr = err
			continue
		}
		o := c.resolve(ctx, r.Key, r.Outputs, r.Err, r.Duration)
		if o.err != nil {
			stopDispatch = true
		}
		c.buffer[r.Seq] = o
		c.cfg.Metrics.UpdateQueueStats(c.cfg.Module, c.pending.Size(), len(c.buffer))
	}

	if stopErr := pool.Stop(); stopErr != nil {
		runErr = errors.Join(runErr, stopErr)
	}
	return runErr
}

// flushReady writes outcomes from the front of pending while they are
// available, then checkpoints. An outcome carrying an error stops the flush
// and is returned.
func (c *coordinator) flushReady() error {
	wrote := false
	var stop error
	for !c.pending.Empty() {
		front, _ := c.pending.Peek()
		seq := front.(int64)
		o, ok := c.buffer[seq]
		if !ok {
			break
		}
		if o.err != nil {
			stop = o.err
			break
		}
		if err := c.write(o); err != nil {
			stop = err
			break
		}
		c.pending.Dequeue()
		delete(c.buffer, seq)
		wrote = true
	}
	if wrote {
		if err := c.commit(); err != nil {
			return errors.Join(stop, err)
		}
	}
	return stop
}

// resolve turns a transform's return values into an outcome. A failure that
// arrives after the run was interrupted is not the document's fault: it stops
// the run and the document is processed again on resume.
func (c *coordinator) resolve(ctx context.Context, key types.DocKey, outputs []types.Document, err error, latency time.Duration) outcome {
	n := len(c.cfg.Outputs)
	o := outcome{key: key, latency: latency}

	if err != nil {
		var pe *worker.PanicError
		if errors.As(err, &pe) {
			c.log.Warn("Panic recovered in document transform",
				zap.String("doc", key.String()),
				zap.Any("panic", pe.Value),
				zap.ByteString("stack", pe.Stack))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			o.err = ctxErr
			return o
		}
		if c.cfg.Policy == PolicyPropagate {
			o.err = &DocumentError{Module: c.cfg.Module, Key: key, Err: err}
			return o
		}
		c.log.Warn("Document failed, writing it as invalid",
			zap.String("doc", key.String()),
			zap.Error(err))
		o.docs = broadcast(types.Invalid(c.cfg.Module, err.Error()), n)
		o.invalid = true
		return o
	}

	if len(outputs) == 1 && outputs[0].IsInvalid() {
		o.docs = broadcast(outputs[0], n)
		o.invalid = true
		return o
	}
	if len(outputs) != n {
		o.err = fmt.Errorf("%w: %s: got %d for %d outputs", ErrArity, key, len(outputs), n)
		return o
	}
	for _, d := range outputs {
		if d.IsInvalid() {
			o.invalid = true
		}
	}
	o.docs = outputs
	return o
}

// passThrough writes an invalid input document to every output without
// running the transform.
func (c *coordinator) passThrough(key types.DocKey, inv types.Document) outcome {
	return outcome{key: key, docs: broadcast(inv, len(c.cfg.Outputs)), invalid: true}
}

func (c *coordinator) write(o outcome) error {
	for i, w := range c.cfg.Outputs {
		if err := w.Add(o.key.Archive, o.key.Doc, o.docs[i]); err != nil {
			return fmt.Errorf("failed to write %s to output %d: %w", o.key, i, err)
		}
	}

	c.stats.Processed++
	if o.invalid {
		c.stats.Invalid++
	}
	c.stats.Checkpoint.DocsCompleted++
	c.stats.Checkpoint.LastDoc = o.key
	c.cfg.Metrics.RecordDocument(c.cfg.Module, o.latency, o.invalid)

	if done := c.stats.Checkpoint.DocsCompleted; done%progressEvery == 0 {
		c.log.Info("Document map progress",
			zap.Int("docs_completed", done),
			zap.Int("total_docs", c.cfg.Total),
			zap.Int("invalid", c.stats.Invalid))
	}
	return nil
}

// commit flushes every writer and then persists the checkpoint.
func (c *coordinator) commit() error {
	for i, w := range c.cfg.Outputs {
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush output %d: %w", i, err)
		}
	}
	if c.cfg.Checkpoint != nil {
		if err := c.cfg.Checkpoint(c.stats.Checkpoint); err != nil {
			return fmt.Errorf("failed to persist checkpoint: %w", err)
		}
	}
	c.cfg.Metrics.RecordCheckpoint(c.cfg.Module)
	return nil
}

func firstInvalid(docs []types.Document) (types.Document, bool) {
	for _, d := range docs {
		if d.IsInvalid() {
			return d, true
		}
	}
	return types.Document{}, false
}

func broadcast(d types.Document, n int) []types.Document {
	out := make([]types.Document, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func teardown(proc worker.Processor) error {
	c, ok := proc.(io.Closer)
	if !ok {
		return nil
	}
	var err error
	if recovered := panics.Try(func() { err = c.Close() }); recovered != nil {
		err = recovered.AsError()
	}
	if err != nil {
		return fmt.Errorf("worker 0 teardown: %w", err)
	}
	return nil
}
