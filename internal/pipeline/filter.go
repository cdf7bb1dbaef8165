package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/ChuLiYu/docpipe/internal/docmap"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
	"github.com/ChuLiYu/docpipe/internal/worker"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// mapFilter is one output of a document-map module declared with
// filter: true. Each iteration sets up a processor and applies the module's
// transform to the aligned inputs as the consumer reads, with the same
// invalid-document rules as an executed run.
type mapFilter struct {
	module  *Module
	output  int
	outputs int
	policy  docmap.Policy
	inputs  []corpus.Reader
}

var _ corpus.Reader = (*mapFilter)(nil)

func newMapFilter(m *Module, output string, inputs []corpus.Reader) (*mapFilter, error) {
	policy, err := docmap.ParsePolicy(m.StringOption(OptionOnError))
	if err != nil {
		return nil, &ConfigError{Module: m.Name, Err: err}
	}
	idx := -1
	for i, name := range m.OutputNames() {
		if name == output {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownOutput, m.Name, output)
	}
	return &mapFilter{
		module:  m,
		output:  idx,
		outputs: len(m.Type.Outputs),
		policy:  policy,
		inputs:  inputs,
	}, nil
}

// Ready is true when every input is.
func (f *mapFilter) Ready() bool {
	for _, r := range f.inputs {
		if !r.Ready() {
			return false
		}
	}
	return true
}

// Len is the inputs' shared length: a map yields one document per input
// tuple.
func (f *mapFilter) Len() (int, error) {
	return corpus.AlignedLen(f.inputs)
}

// ListKeys reads the keys of the first input without running the transform.
func (f *mapFilter) ListKeys(ctx context.Context) (corpus.KeyIterator, error) {
	return f.inputs[0].ListKeys(ctx)
}

func (f *mapFilter) Iterate(ctx context.Context, opts corpus.IterateOptions) (corpus.Iterator, error) {
	setup, err := f.module.Type.Map(f.module)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", f.module.Name, err)
	}
	proc, err := setup(0)
	if err != nil {
		return nil, fmt.Errorf("filter %s setup: %w", f.module.Name, err)
	}
	it, err := corpus.IterateAligned(ctx, f.inputs, corpus.IterateOptions{StartAfter: opts.StartAfter})
	if err != nil {
		closeProcessor(proc)
		return nil, err
	}
	return &mapFilterIterator{filter: f, proc: proc, inner: it, skip: opts.Skip}, nil
}

type mapFilterIterator struct {
	filter  *mapFilter
	proc    worker.Processor
	inner   *corpus.AlignedIterator
	skip    int
	stopped bool
}

func (it *mapFilterIterator) Next(ctx context.Context) (corpus.Entry, error) {
	key, docs, err := it.inner.Next(ctx)
	for err == nil && it.skip > 0 {
		it.skip--
		key, docs, err = it.inner.Next(ctx)
	}
	if err != nil {
		return corpus.Entry{}, err
	}

	for _, d := range docs {
		if d.IsInvalid() {
			return corpus.Entry{Key: key, Doc: d}, nil
		}
	}

	f := it.filter
	outputs, err := worker.Apply(ctx, it.proc, key, docs)
	if err != nil {
		if f.policy == docmap.PolicyPropagate {
			return corpus.Entry{}, &docmap.DocumentError{Module: f.module.Name, Key: key, Err: err}
		}
		return corpus.Entry{Key: key, Doc: types.Invalid(f.module.Name, err.Error())}, nil
	}
	if len(outputs) == 1 && outputs[0].IsInvalid() {
		return corpus.Entry{Key: key, Doc: outputs[0]}, nil
	}
	if len(outputs) != f.outputs {
		return corpus.Entry{}, fmt.Errorf("%w: %s: got %d for %d outputs", docmap.ErrArity, key, len(outputs), f.outputs)
	}
	return corpus.Entry{Key: key, Doc: outputs[f.output]}, nil
}

func (it *mapFilterIterator) Stop() {
	if it.stopped {
		return
	}
	it.stopped = true
	it.inner.Stop()
	closeProcessor(it.proc)
}

func closeProcessor(proc worker.Processor) {
	if c, ok := proc.(io.Closer); ok {
		// teardown 失敗不影響已讀出的文件
		_ = c.Close()
	}
}
