package corpus

import (
	"context"
)

// InspectFunc sees every entry an inspected reader yields. Returning an
// error ends the iteration with that error.
type InspectFunc func(ctx context.Context, e Entry) error

// InspectingReader wraps a Reader and calls a hook for each document it
// yields. Everything else is delegated unchanged.
type InspectingReader struct {
	Reader
	hook InspectFunc
}

// Inspect wraps r so that fn runs before each document is handed on.
func Inspect(r Reader, fn InspectFunc) *InspectingReader {
	return &InspectingReader{Reader: r, hook: fn}
}

// Iterate wraps the inner iterator.
func (r *InspectingReader) Iterate(ctx context.Context, opts IterateOptions) (Iterator, error) {
	it, err := r.Reader.Iterate(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &inspectingIterator{inner: it, hook: r.hook}, nil
}

type inspectingIterator struct {
	inner Iterator
	hook  InspectFunc
}

func (it *inspectingIterator) Next(ctx context.Context) (Entry, error) {
	e, err := it.inner.Next(ctx)
	if err != nil {
		return e, err
	}
	if err := it.hook(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (it *inspectingIterator) Stop() {
	it.inner.Stop()
}
