// ============================================================================
// docpipe Grouped Corpus Writer
// ============================================================================
//
// Package: internal/storage/corpus
// File: writer.go
// Purpose: Append documents to a grouped corpus, one archive file at a time
//
// On-disk layout of one output directory:
//   corpus.json       metadata map, written atomically on Close
//   archives.idx      archive names in write order, appended + fsynced
//                     before each new archive file is created
//   <archive>.jsonl   one JSON record per line with a CRC32 checksum
//
// Append mode:
//   Reopening an existing corpus counts what is already on disk, cuts off a
//   torn final record left by a killed process, and continues writing into
//   the last archive. The first document added may repeat the last key on
//   disk; that one duplicate is dropped.
//
// ============================================================================

package corpus

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// Append reopens an existing corpus instead of replacing it.
	Append bool
	// Sync fsyncs the archive file on every Flush.
	Sync bool
	// ArchiveSize is recorded in the metadata when positive.
	ArchiveSize int
	Logger      logger.Logger
}

// Writer appends documents to a grouped corpus.
type Writer struct {
	mu   sync.Mutex
	dir  string
	opts WriterOptions
	log  logger.Logger

	meta     Metadata
	archives []string
	known    map[string]bool

	cur string
	f   *os.File
	buf *bufio.Writer

	count    int
	lastKey  types.DocKey
	checkDup bool
	closed   bool
}

// NewWriter opens a writer on dir. Without Append any existing corpus in dir
// is removed first.
func NewWriter(dir string, opts WriterOptions) (*Writer, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	if !opts.Append {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to clear output dir: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	w := &Writer{
		dir:   dir,
		opts:  opts,
		log:   log,
		meta:  Metadata{},
		known: make(map[string]bool),
	}

	if opts.Append {
		if err := w.reopen(); err != nil {
			return nil, err
		}
	}
	if opts.ArchiveSize > 0 {
		w.meta[MetaArchiveSize] = opts.ArchiveSize
	}
	return w, nil
}

// reopen loads existing state for append mode.
func (w *Writer) reopen() error {
	md, _, err := LoadMetadata(w.dir)
	if err != nil {
		return err
	}
	w.meta = md

	archives, err := readIndex(w.dir)
	if err != nil {
		return err
	}
	for i, archive := range archives {
		path := archivePath(w.dir, archive)
		end, torn, err := scanLines(path, func(line []byte, lineNo int, _ int64) error {
			doc, err := decodeKey(line)
			if err != nil {
				return &CorruptionError{Archive: archive, Line: lineNo, Cause: err}
			}
			w.count++
			w.lastKey = types.DocKey{Archive: archive, Doc: doc}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan existing archive: %w", err)
		}
		if torn {
			if i != len(archives)-1 {
				return &CorruptionError{Archive: archive, Line: -1, Cause: errors.New("torn record before the last archive")}
			}
			w.log.Warn("Dropping torn record at end of corpus",
				zap.String("dir", w.dir),
				zap.String("archive", archive))
			if err := os.Truncate(path, end); err != nil {
				return fmt.Errorf("failed to cut torn record: %w", err)
			}
		}
		w.known[archive] = true
	}
	w.archives = archives
	w.checkDup = w.count > 0

	w.log.Debug("Reopened corpus for append",
		zap.String("dir", w.dir),
		zap.Int("existing_docs", w.count),
		zap.String("last_doc", w.lastKey.String()))
	return nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Metadata returns the mutable metadata map written on Close.
func (w *Writer) Metadata() Metadata {
	return w.meta
}

// Count returns the number of documents in the corpus, including those
// present before an append-mode reopen.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Add appends one document.
func (w *Writer) Add(archive, doc string, d types.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if !validName(archive) || !validName(doc) {
		return fmt.Errorf("%w: %q/%q", ErrInvalidName, archive, doc)
	}

	key := types.DocKey{Archive: archive, Doc: doc}
	if w.checkDup {
		w.checkDup = false
		if key == w.lastKey {
			w.log.Debug("Skipping document already on disk", zap.String("doc", key.String()))
			return nil
		}
	}

	if archive != w.cur {
		if err := w.switchArchiveLocked(archive); err != nil {
			return err
		}
	}

	line, err := encodeRecord(doc, d)
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("failed to write document %s: %w", key, err)
	}
	w.count++
	w.lastKey = key
	return nil
}

func (w *Writer) switchArchiveLocked(archive string) error {
	if err := w.closeArchiveLocked(); err != nil {
		return err
	}

	path := archivePath(w.dir, archive)
	var f *os.File
	var err error
	if w.known[archive] {
		if archive != w.archives[len(w.archives)-1] {
			return fmt.Errorf("%w: %s", ErrArchiveOrder, archive)
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	} else {
		if err := w.appendIndexLocked(archive); err != nil {
			return err
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err == nil {
			w.known[archive] = true
			w.archives = append(w.archives, archive)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archive, err)
	}

	w.cur = archive
	w.f = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	return nil
}

func (w *Writer) appendIndexLocked(archive string) error {
	f, err := os.OpenFile(filepath.Join(w.dir, IndexFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open archive index: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(archive + "\n"); err != nil {
		return fmt.Errorf("failed to append archive index: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive index: %w", err)
	}
	return nil
}

func (w *Writer) closeArchiveLocked() error {
	if w.f == nil {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close archive %s: %w", w.cur, err)
	}
	w.f = nil
	w.buf = nil
	w.cur = ""
	return nil
}

// Flush pushes buffered documents to the archive file, fsyncing when the
// writer was opened with Sync.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.buf == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush archive %s: %w", w.cur, err)
	}
	if w.opts.Sync {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("failed to sync archive %s: %w", w.cur, err)
		}
	}
	return nil
}

// Close flushes everything and writes the metadata. Calling it again is a
// no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	archiveErr := w.closeArchiveLocked()

	w.meta[MetaLength] = w.count
	w.meta[MetaArchives] = len(w.archives)
	if err := SaveMetadata(w.dir, w.meta); err != nil {
		return errors.Join(archiveErr, fmt.Errorf("failed to write corpus metadata: %w", err))
	}
	return archiveErr
}

// WithWriter opens a writer, runs fn and closes the writer on every path,
// so the metadata is flushed even when fn fails.
func WithWriter(dir string, opts WriterOptions, fn func(*Writer) error) (err error) {
	w, err := NewWriter(dir, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(w)
}
