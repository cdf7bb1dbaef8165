package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ChuLiYu/docpipe/internal/executor"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

const previewRunes = 72

// newStepper returns an inspect hook that prints each input document and
// waits for a line on in. "q" or end of input stops the run as an
// interrupt, so completed documents are checkpointed.
func newStepper(in io.Reader, out io.Writer) corpus.InspectFunc {
	r := bufio.NewReader(in)
	return func(ctx context.Context, e corpus.Entry) error {
		fmt.Fprintf(out, "%s: %s\n[enter] next, q quit: ", e.Key, preview(e.Doc))
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if (errors.Is(err, io.EOF) && line == "") || strings.TrimSpace(line) == "q" {
			return fmt.Errorf("%w: stepping stopped at %s", executor.ErrInterrupted, e.Key)
		}
		return nil
	}
}

func preview(d types.Document) string {
	if d.IsInvalid() {
		return fmt.Sprintf("<invalid from %s: %s>", d.Invalid.ModuleName, d.Invalid.ErrorInfo)
	}
	s, err := d.Text()
	if err != nil {
		s = string(d.Data)
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes]) + "..."
}
