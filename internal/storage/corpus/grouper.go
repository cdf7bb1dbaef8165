package corpus

import (
	"fmt"
	"strconv"
)

// DefaultArchiveBasename prefixes generated archive names.
const DefaultArchiveBasename = "archive"

// Grouper assigns documents to fixed-size archives. Names depend only on the
// archive size and the total document count, so sibling outputs written from
// the same input always agree on archive boundaries.
type Grouper struct {
	size     int
	basename string
	format   string

	archive int // current archive index
	inCur   int // documents in the current archive
	started bool
}

// NewGrouper creates a grouper for total documents split into archives of
// size documents. An empty basename uses DefaultArchiveBasename.
func NewGrouper(size, total int, basename string) (*Grouper, error) {
	if size <= 0 {
		return nil, fmt.Errorf("archive size must be positive, got %d", size)
	}
	if total < 0 {
		return nil, fmt.Errorf("total documents must not be negative, got %d", total)
	}
	if basename == "" {
		basename = DefaultArchiveBasename
	}

	totalArchives := (total + size - 1) / size
	digits := 1
	if totalArchives > 1 {
		digits = len(strconv.Itoa(totalArchives - 1))
	}

	return &Grouper{
		size:     size,
		basename: basename,
		format:   fmt.Sprintf("%%s-%%0%dd", digits),
	}, nil
}

// ArchiveName returns the name of archive i.
func (g *Grouper) ArchiveName(i int) string {
	return fmt.Sprintf(g.format, g.basename, i)
}

// NextDocument returns the archive the next document belongs to.
func (g *Grouper) NextDocument() string {
	if !g.started {
		g.started = true
	} else if g.inCur >= g.size {
		g.archive++
		g.inCur = 0
	}
	g.inCur++
	return g.ArchiveName(g.archive)
}
