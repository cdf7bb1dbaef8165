package modules

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ChuLiYu/docpipe/internal/pipeline"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

const (
	defaultArchiveSize = 1000
	maxLineBytes       = 16 << 20
)

func textInputType() *pipeline.ModuleType {
	return &pipeline.ModuleType{
		Name:        "text_input",
		Description: "Reads a text file, one document per line",
		Outputs:     []pipeline.OutputSpec{{Name: "text", Type: &TextType}},
		Options: []pipeline.OptionSpec{
			{Name: "path", Kind: pipeline.OptionString, Required: true, Help: "input text file"},
			{Name: "archive_size", Kind: pipeline.OptionInt, Default: defaultArchiveSize, Help: "documents per archive"},
			{Name: "archive_basename", Kind: pipeline.OptionString, Default: "archive", Help: "archive name prefix"},
			{Name: "skip_empty", Kind: pipeline.OptionBool, Default: false, Help: "drop blank lines instead of marking them invalid"},
		},
		Executable: true,
		Execute:    runTextInput,
	}
}

// runTextInput reads the file twice: once to count documents so archive
// names get a fixed width, once to write them.
func runTextInput(ctx context.Context, rc *pipeline.RunContext) error {
	m := rc.Module
	path := m.StringOption("path")
	skipEmpty := m.BoolOption("skip_empty")
	size := m.IntOption("archive_size")

	total := 0
	if err := eachLine(ctx, path, func(n int, line string) error {
		if !skipEmpty || strings.TrimSpace(line) != "" {
			total++
		}
		return nil
	}); err != nil {
		return err
	}

	g, err := corpus.NewGrouper(size, total, m.StringOption("archive_basename"))
	if err != nil {
		return err
	}

	invalid := 0
	err = corpus.WithWriter(rc.OutputDirs["text"], corpus.WriterOptions{ArchiveSize: size, Logger: rc.Logger}, func(w *corpus.Writer) error {
		return eachLine(ctx, path, func(n int, line string) error {
			doc := types.TextDocument(line)
			if strings.TrimSpace(line) == "" {
				if skipEmpty {
					return nil
				}
				doc = types.Invalid(m.Name, fmt.Sprintf("line %d is empty", n))
				invalid++
			}
			return w.Add(g.NextDocument(), fmt.Sprintf("line-%d", n), doc)
		})
	})
	if err != nil {
		return err
	}

	rc.Logger.Info("Read text input",
		zap.String("path", path),
		zap.Int("documents", total),
		zap.Int("invalid", invalid))
	return nil
}

// eachLine calls fn with the 1-based number and content of every line.
func eachLine(ctx context.Context, path string, fn func(n int, line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	n := 0
	for scanner.Scan() {
		n++
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(n, strings.TrimRight(scanner.Text(), "\r")); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}
