package corpus

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/docpipe/pkg/types"
)

// AlignedIterator zips several iterators that must yield the same keys in
// the same order.
type AlignedIterator struct {
	its []Iterator
}

// IterateAligned starts an aligned iteration over readers.
func IterateAligned(ctx context.Context, readers []Reader, opts IterateOptions) (*AlignedIterator, error) {
	if len(readers) == 0 {
		return nil, errors.New("aligned iteration needs at least one input")
	}
	its := make([]Iterator, 0, len(readers))
	for i, r := range readers {
		it, err := r.Iterate(ctx, opts)
		if err != nil {
			for _, opened := range its {
				opened.Stop()
			}
			return nil, fmt.Errorf("failed to open input %d: %w", i, err)
		}
		its = append(its, it)
	}
	return &AlignedIterator{its: its}, nil
}

// Next returns the next key and one document per input.
func (a *AlignedIterator) Next(ctx context.Context) (types.DocKey, []types.Document, error) {
	docs := make([]types.Document, len(a.its))
	var key types.DocKey
	done := 0
	for i, it := range a.its {
		e, err := it.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			done++
			continue
		}
		if err != nil {
			return types.DocKey{}, nil, err
		}
		switch {
		case done > 0:
			return types.DocKey{}, nil, fmt.Errorf("%w: input %d continues at %s after an earlier input ended", ErrMisaligned, i, e.Key)
		case i == 0:
			key = e.Key
		case e.Key != key:
			return types.DocKey{}, nil, fmt.Errorf("%w: input %d has %s where input 0 has %s", ErrMisaligned, i, e.Key, key)
		}
		docs[i] = e.Doc
	}
	if done == len(a.its) {
		return types.DocKey{}, nil, ErrIteratorDone
	}
	if done > 0 {
		return types.DocKey{}, nil, fmt.Errorf("%w: some inputs ended before %s", ErrMisaligned, key)
	}
	return key, docs, nil
}

// Stop stops every underlying iterator.
func (a *AlignedIterator) Stop() {
	for _, it := range a.its {
		it.Stop()
	}
}

// AlignedLen returns the shared length of readers, or ErrMisaligned when
// they disagree.
func AlignedLen(readers []Reader) (int, error) {
	total := -1
	for i, r := range readers {
		n, err := r.Len()
		if err != nil {
			return 0, fmt.Errorf("failed to get length of input %d: %w", i, err)
		}
		if total >= 0 && n != total {
			return 0, fmt.Errorf("%w: input %d has %d documents, input 0 has %d", ErrMisaligned, i, n, total)
		}
		total = n
	}
	return total, nil
}
