package corpus

import (
	"context"
	"errors"

	"github.com/ChuLiYu/docpipe/pkg/types"
)

// KeepFunc decides whether a filtered reader yields an entry.
type KeepFunc func(e Entry) bool

// FilteringReader yields only the entries of an inner reader that keep
// accepts. Nothing is stored: every call reads the inner corpus again.
type FilteringReader struct {
	inner Reader
	keep  KeepFunc
}

var _ Reader = (*FilteringReader)(nil)

// Filter wraps r so that only entries accepted by keep are seen.
func Filter(r Reader, keep KeepFunc) *FilteringReader {
	return &FilteringReader{inner: r, keep: keep}
}

// Ready is the inner reader's readiness.
func (r *FilteringReader) Ready() bool {
	return r.inner.Ready()
}

// Len counts the kept entries, which reads the whole inner corpus.
func (r *FilteringReader) Len() (int, error) {
	ctx := context.Background()
	it, err := r.Iterate(ctx, IterateOptions{})
	if err != nil {
		return 0, err
	}
	defer it.Stop()
	n := 0
	for {
		_, err := it.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Iterate resumes the inner reader after StartAfter and applies Skip to
// the kept entries.
func (r *FilteringReader) Iterate(ctx context.Context, opts IterateOptions) (Iterator, error) {
	it, err := r.inner.Iterate(ctx, IterateOptions{StartAfter: opts.StartAfter})
	if err != nil {
		return nil, err
	}
	return &filteringIterator{inner: it, keep: r.keep, skip: opts.Skip}, nil
}

// ListKeys has to read document bodies, since keep looks at them.
func (r *FilteringReader) ListKeys(ctx context.Context) (KeyIterator, error) {
	it, err := r.Iterate(ctx, IterateOptions{})
	if err != nil {
		return nil, err
	}
	return &filteredKeys{it}, nil
}

type filteringIterator struct {
	inner Iterator
	keep  KeepFunc
	skip  int
}

func (it *filteringIterator) Next(ctx context.Context) (Entry, error) {
	for {
		e, err := it.inner.Next(ctx)
		if err != nil {
			return e, err
		}
		if !it.keep(e) {
			continue
		}
		if it.skip > 0 {
			it.skip--
			continue
		}
		return e, nil
	}
}

func (it *filteringIterator) Stop() {
	it.inner.Stop()
}

type filteredKeys struct {
	it Iterator
}

func (k *filteredKeys) Next(ctx context.Context) (types.DocKey, error) {
	e, err := k.it.Next(ctx)
	return e.Key, err
}

func (k *filteredKeys) Stop() {
	k.it.Stop()
}
