package corpus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/docpipe/pkg/types"
)

// Entry is one document with its key.
type Entry struct {
	Key types.DocKey
	Doc types.Document
}

// Iterator yields entries until it returns ErrIteratorDone. Stop releases
// any open file and may be called more than once.
type Iterator interface {
	Next(ctx context.Context) (Entry, error)
	Stop()
}

// KeyIterator yields document keys only.
type KeyIterator interface {
	Next(ctx context.Context) (types.DocKey, error)
	Stop()
}

// IterateOptions controls where iteration begins.
type IterateOptions struct {
	// StartAfter resumes after this key. The key must exist.
	StartAfter *types.DocKey
	// Skip drops this many documents after the start point.
	Skip int
}

// Reader is the read side of a dataset. Iteration is lazy, finite and can be
// restarted by calling Iterate again.
type Reader interface {
	Len() (int, error)
	// Ready reports whether the data is on disk. Scheduling never asks it:
	// a module's inputs are ready when their producers' status says COMPLETE
	// (lazy filters: when the filter's own inputs are). Filters delegate to
	// what they wrap.
	Ready() bool
	Iterate(ctx context.Context, opts IterateOptions) (Iterator, error)
	ListKeys(ctx context.Context) (KeyIterator, error)
}

// GroupedReader reads a grouped corpus written by Writer.
type GroupedReader struct {
	dir string
}

var _ Reader = (*GroupedReader)(nil)

// Open returns a reader for the corpus in dir. Nothing is read until used.
func Open(dir string) *GroupedReader {
	return &GroupedReader{dir: dir}
}

// Dir returns the corpus directory.
func (r *GroupedReader) Dir() string {
	return r.dir
}

// Ready reports whether a writer closed this corpus.
func (r *GroupedReader) Ready() bool {
	_, err := os.Stat(filepath.Join(r.dir, MetadataFileName))
	return err == nil
}

// Metadata returns the stored metadata map.
func (r *GroupedReader) Metadata() (Metadata, error) {
	md, found, err := LoadMetadata(r.dir)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, r.dir)
	}
	return md, nil
}

// Len returns the stored length. Use CountKeys for the physical count.
func (r *GroupedReader) Len() (int, error) {
	md, err := r.Metadata()
	if err != nil {
		return 0, err
	}
	n, ok := md.Int(MetaLength)
	if !ok {
		return 0, fmt.Errorf("corpus %s has no stored length", r.dir)
	}
	return n, nil
}

// Archives lists archive names in write order.
func (r *GroupedReader) Archives() ([]string, error) {
	return readIndex(r.dir)
}

// Iterate streams documents in write order.
func (r *GroupedReader) Iterate(ctx context.Context, opts IterateOptions) (Iterator, error) {
	it, err := r.newArchiveIterator(opts, false)
	if err != nil {
		return nil, err
	}
	return &entryIterator{it}, nil
}

// ListKeys streams keys without decoding document bodies.
func (r *GroupedReader) ListKeys(ctx context.Context) (KeyIterator, error) {
	it, err := r.newArchiveIterator(IterateOptions{}, true)
	if err != nil {
		return nil, err
	}
	return &keyIterator{it}, nil
}

func (r *GroupedReader) newArchiveIterator(opts IterateOptions, keysOnly bool) (*archiveIterator, error) {
	archives, err := readIndex(r.dir)
	if err != nil {
		return nil, err
	}
	it := &archiveIterator{
		dir:      r.dir,
		archives: archives,
		keysOnly: keysOnly,
		skip:     opts.Skip,
	}
	if opts.StartAfter != nil {
		start := *opts.StartAfter
		it.startAfter = &start
		// archives before the one holding the key are passed over unread
		for i, a := range archives {
			if a == start.Archive {
				it.ai = i
				break
			}
		}
	}
	return it, nil
}

// archiveIterator walks archive files line by line.
type archiveIterator struct {
	dir      string
	archives []string
	keysOnly bool

	ai     int
	f      *os.File
	rd     *bufio.Reader
	lineNo int

	startAfter *types.DocKey
	skip       int
}

func (it *archiveIterator) next(ctx context.Context) (types.DocKey, types.Document, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.DocKey{}, types.Document{}, err
		}

		if it.rd == nil {
			if it.ai >= len(it.archives) {
				if it.startAfter != nil {
					return types.DocKey{}, types.Document{}, fmt.Errorf("%w: %s", ErrKeyNotFound, it.startAfter)
				}
				return types.DocKey{}, types.Document{}, ErrIteratorDone
			}
			f, err := os.Open(archivePath(it.dir, it.archives[it.ai]))
			if err != nil {
				return types.DocKey{}, types.Document{}, fmt.Errorf("failed to open archive: %w", err)
			}
			it.f = f
			it.rd = bufio.NewReaderSize(f, 64*1024)
			it.lineNo = 0
		}

		archive := it.archives[it.ai]
		b, err := it.rd.ReadBytes('\n')
		if err == io.EOF {
			// a torn record is only tolerated at the very end of the corpus
			if len(b) > 0 && it.ai != len(it.archives)-1 {
				return types.DocKey{}, types.Document{}, &CorruptionError{Archive: archive, Line: it.lineNo + 1, Cause: io.ErrUnexpectedEOF}
			}
			it.closeFile()
			it.ai++
			continue
		}
		if err != nil {
			return types.DocKey{}, types.Document{}, fmt.Errorf("failed to read archive %s: %w", archive, err)
		}
		it.lineNo++
		line := b[:len(b)-1]

		var doc string
		var d types.Document
		if it.keysOnly {
			doc, err = decodeKey(line)
		} else {
			doc, d, err = decodeRecord(line)
		}
		if err != nil {
			return types.DocKey{}, types.Document{}, &CorruptionError{Archive: archive, Line: it.lineNo, Cause: err}
		}

		key := types.DocKey{Archive: archive, Doc: doc}
		if it.startAfter != nil {
			if key == *it.startAfter {
				it.startAfter = nil
			}
			continue
		}
		if it.skip > 0 {
			it.skip--
			continue
		}
		return key, d, nil
	}
}

func (it *archiveIterator) closeFile() {
	if it.f != nil {
		it.f.Close()
		it.f = nil
	}
	it.rd = nil
}

func (it *archiveIterator) stop() {
	it.closeFile()
	it.ai = len(it.archives)
	it.startAfter = nil
}

type entryIterator struct {
	it *archiveIterator
}

func (e *entryIterator) Next(ctx context.Context) (Entry, error) {
	key, d, err := e.it.next(ctx)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Doc: d}, nil
}

func (e *entryIterator) Stop() {
	e.it.stop()
}

type keyIterator struct {
	it *archiveIterator
}

func (k *keyIterator) Next(ctx context.Context) (types.DocKey, error) {
	key, _, err := k.it.next(ctx)
	return key, err
}

func (k *keyIterator) Stop() {
	k.it.stop()
}
