package modules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ChuLiYu/docpipe/internal/pipeline"
	"github.com/ChuLiYu/docpipe/internal/worker"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// maxStderr bounds how much of a failing command's stderr ends up in the
// invalid-document message.
const maxStderr = 512

func commandType() *pipeline.ModuleType {
	return &pipeline.ModuleType{
		Name:        "command",
		Description: "Pipes each document through an external command",
		Inputs:      []pipeline.InputSpec{{Name: "text", Type: TextType}},
		Outputs:     []pipeline.OutputSpec{{Name: "text", Type: &TextType}},
		Options: []pipeline.OptionSpec{
			{Name: "command", Kind: pipeline.OptionString, Required: true, Help: "program and arguments, split on whitespace"},
			{Name: "timeout", Kind: pipeline.OptionFloat, Default: 0.0, Help: "seconds per document, 0 for none"},
		},
		Executable: true,
		Dependencies: func(m *pipeline.Module) []pipeline.Dependency {
			argv := strings.Fields(m.StringOption("command"))
			if len(argv) == 0 {
				return nil
			}
			return []pipeline.Dependency{pipeline.CommandDependency{Command: argv[0]}}
		},
		Map: newCommandSetup,
	}
}

func newCommandSetup(m *pipeline.Module) (worker.Setup, error) {
	argv := strings.Fields(m.StringOption("command"))
	if len(argv) == 0 {
		return nil, errors.New("command option is empty")
	}
	timeout, _ := m.Option("timeout").(float64)
	return func(id int) (worker.Processor, error) {
		return &commandProcessor{
			argv:    argv,
			timeout: time.Duration(timeout * float64(time.Second)),
		}, nil
	}, nil
}

// commandProcessor belongs to one worker; its buffers are reused between
// documents.
type commandProcessor struct {
	argv    []string
	timeout time.Duration
	stdout  bytes.Buffer
	stderr  bytes.Buffer
}

func (p *commandProcessor) Process(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
	text, err := documentText(inputs[0])
	if err != nil {
		return nil, err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.stdout.Reset()
	p.stderr.Reset()
	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	cmd.Stdin = strings.NewReader(text)
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(p.stderr.String())
		if len(msg) > maxStderr {
			msg = msg[:maxStderr] + "..."
		}
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", p.argv[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", p.argv[0], err)
	}
	return []types.Document{types.TextDocument(strings.TrimRight(p.stdout.String(), "\n"))}, nil
}
