package corpus

// ============================================================================
// Corpus Error Definitions
// Purpose: Define all grouped-corpus storage errors
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrIteratorDone is returned by Next once the sequence is exhausted.
	ErrIteratorDone = errors.New("corpus: iterator done")

	// ErrChecksumMismatch indicates a record whose body does not match its CRC.
	ErrChecksumMismatch = errors.New("corpus: checksum mismatch")

	// ErrKeyNotFound indicates a document key that is not in the corpus.
	ErrKeyNotFound = errors.New("corpus: document key not found")

	// ErrMisaligned indicates zipped corpora that disagree on keys or length.
	ErrMisaligned = errors.New("corpus: inputs are not aligned")

	// ErrNotReady indicates a corpus whose writer never closed cleanly.
	ErrNotReady = errors.New("corpus: not ready")

	// ErrWriterClosed indicates use of a closed writer.
	ErrWriterClosed = errors.New("corpus: writer already closed")

	// ErrArchiveOrder indicates a write to an archive that was already finished.
	ErrArchiveOrder = errors.New("corpus: archive written out of order")

	// ErrInvalidName indicates an archive or document name that cannot be stored.
	ErrInvalidName = errors.New("corpus: invalid archive or document name")
)

// CorruptionError is a record that could not be decoded.
type CorruptionError struct {
	Archive string // archive holding the record
	Line    int    // 1-based line number
	Cause   error  // underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corpus: corrupted record in archive %s at line %d: %v", e.Archive, e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
