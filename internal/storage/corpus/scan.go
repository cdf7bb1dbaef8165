package corpus

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// errStopScan ends scanLines early without reporting an error.
var errStopScan = errors.New("stop scan")

// scanLines calls fn for every complete line of an archive file, passing the
// 1-based line number and the byte offset just past the line. A final line
// with no newline is a torn write: fn does not see it and torn is true. end
// is the offset just past the last complete line that was scanned.
func scanLines(path string, fn func(line []byte, lineNo int, end int64) error) (end int64, torn bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	rd := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		b, err := rd.ReadBytes('\n')
		if err == io.EOF {
			return end, len(b) > 0, nil
		}
		if err != nil {
			return end, false, err
		}
		lineNo++
		end += int64(len(b))
		if ferr := fn(b[:len(b)-1], lineNo, end); ferr != nil {
			if errors.Is(ferr, errStopScan) {
				return end, false, nil
			}
			return end, false, ferr
		}
	}
}
