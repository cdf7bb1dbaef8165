package modules

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/docpipe/internal/executor"
	"github.com/ChuLiYu/docpipe/internal/pipeline"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const sampleText = "The cat sat.\n\nA dog, a cat!\nthe end\n"

// loadPipeline writes the sample text and a pipeline file into a temp dir.
func loadPipeline(t *testing.T, modulesYAML string) *pipeline.Pipeline {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.txt"), []byte(sampleText), 0644))
	def := "name: test\nstore: store\nmodules:\n" +
		"  - name: input\n    type: text_input\n    options: {path: " + filepath.Join(dir, "data.txt") + ", archive_size: 2}\n" +
		modulesYAML
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(def), 0644))

	p, err := pipeline.Load(path, NewRegistry(), "", nil)
	require.NoError(t, err)
	return p
}

func runAll(t *testing.T, p *pipeline.Pipeline, names ...string) {
	t.Helper()
	ex := executor.New(p, nil, nil)
	for _, name := range names {
		require.NoError(t, ex.Run(context.Background(), name, executor.Options{}), name)
	}
}

func readAll(t *testing.T, r corpus.Reader) []corpus.Entry {
	t.Helper()
	it, err := r.Iterate(context.Background(), corpus.IterateOptions{})
	require.NoError(t, err)
	defer it.Stop()
	var out []corpus.Entry
	for {
		e, err := it.Next(context.Background())
		if errors.Is(err, corpus.ErrIteratorDone) {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func TestRegistryHasBuiltins(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{"text_input", "tokenize", "command", "filter_invalid"},
		NewRegistry().Names())
	assert.NoError(t, Register(pipeline.NewRegistry()))
}

func TestTextInput(t *testing.T) {
	p := loadPipeline(t, "")
	runAll(t, p, "input")

	entries := readAll(t, corpus.Open(p.Store().OutputDir("input", "text")))
	require.Len(t, entries, 4)
	assert.Equal(t, types.DocKey{Archive: "archive-0", Doc: "line-1"}, entries[0].Key)
	assert.Equal(t, types.DocKey{Archive: "archive-1", Doc: "line-4"}, entries[3].Key)

	text, err := entries[0].Doc.Text()
	require.NoError(t, err)
	assert.Equal(t, "The cat sat.", text)
	require.True(t, entries[1].Doc.IsInvalid())
	assert.Equal(t, "input", entries[1].Doc.Invalid.ModuleName)

	n, err := corpus.Open(p.Store().OutputDir("input", "text")).Len()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestTextInputSkipEmpty(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(data, []byte(sampleText), 0644))
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: skip\nstore: store\nmodules:\n  - name: input\n    type: text_input\n    options: {path: "+data+", skip_empty: true, archive_basename: part}\n"), 0644))
	p, err := pipeline.Load(path, NewRegistry(), "", nil)
	require.NoError(t, err)
	runAll(t, p, "input")

	entries := readAll(t, corpus.Open(p.Store().OutputDir("input", "text")))
	require.Len(t, entries, 3)
	assert.Equal(t, "part-0", entries[0].Key.Archive)
	for _, e := range entries {
		assert.False(t, e.Doc.IsInvalid())
	}
}

func TestTokenizeAndFilter(t *testing.T) {
	p := loadPipeline(t, `
  - name: tokens
    type: tokenize
    inputs: {text: input.text}
    options: {processes: 2, lowercase: true}
  - name: valid
    type: filter_invalid
    inputs: {documents: tokens.tokens}
`)
	require.NoError(t, p.Typecheck())
	runAll(t, p, "input", "tokens")

	tokens := readAll(t, corpus.Open(p.Store().OutputDir("tokens", "tokens")))
	require.Len(t, tokens, 4)
	var first TokenizedText
	require.NoError(t, tokens[0].Doc.Decode(&first))
	assert.Equal(t, []string{"the", "cat", "sat", "."}, first.Tokens)
	assert.Equal(t, "The cat sat.", first.Text)
	assert.True(t, tokens[1].Doc.IsInvalid(), "invalid input passes through")

	stats := readAll(t, corpus.Open(p.Store().OutputDir("tokens", "stats")))
	require.Len(t, stats, 4)
	var second TokenStats
	require.NoError(t, stats[2].Doc.Decode(&second))
	assert.Equal(t, TokenStats{Tokens: 6, Types: 5}, second)

	filtered, err := p.OpenOutput("valid", "documents")
	require.NoError(t, err)
	n, err := filtered.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestTokenizer(t *testing.T) {
	tests := []struct {
		name string
		tok  tokenizer
		in   string
		want []string
	}{
		{"plain", tokenizer{}, "a b  c", []string{"a", "b", "c"}},
		{"punctuation", tokenizer{splitPunct: true}, "Hi, there!", []string{"Hi", ",", "there", "!"}},
		{"kept punctuation", tokenizer{}, "Hi, there!", []string{"Hi,", "there!"}},
		{"lowercase", tokenizer{lowercase: true}, "ABC Def", []string{"abc", "def"}},
		{"inner punctuation", tokenizer{splitPunct: true}, "don't", []string{"don", "'", "t"}},
		{"empty", tokenizer{}, "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tok.tokenize(tt.in))
		})
	}
}

func TestDocumentText(t *testing.T) {
	text, err := documentText(types.TextDocument("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", text)

	doc, err := jsonDocument(TokenizedText{Text: "nested", Tokens: []string{"nested"}})
	require.NoError(t, err)
	text, err = documentText(doc)
	require.NoError(t, err)
	assert.Equal(t, "nested", text)

	doc, err = jsonDocument(TokenStats{Tokens: 1})
	require.NoError(t, err)
	_, err = documentText(doc)
	assert.Error(t, err)
}

func TestCommandModule(t *testing.T) {
	if _, err := exec.LookPath("tr"); err != nil {
		t.Skip("tr not available")
	}
	p := loadPipeline(t, `
  - name: shout
    type: command
    inputs: {text: input}
    options: {command: "tr a-z A-Z", processes: 2, timeout: 10}
`)
	runAll(t, p, "input", "shout")

	entries := readAll(t, corpus.Open(p.Store().OutputDir("shout", "text")))
	require.Len(t, entries, 4)
	text, err := entries[0].Doc.Text()
	require.NoError(t, err)
	assert.Equal(t, "THE CAT SAT.", text)
	assert.True(t, entries[1].Doc.IsInvalid())
}

func TestCommandFailureIsContained(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	p := loadPipeline(t, `
  - name: fails
    type: command
    inputs: {text: input}
    options: {command: "false"}
`)
	runAll(t, p, "input", "fails")

	for _, e := range readAll(t, corpus.Open(p.Store().OutputDir("fails", "text"))) {
		assert.True(t, e.Doc.IsInvalid(), e.Key.String())
	}
}

func TestCommandDependencyChecked(t *testing.T) {
	p := loadPipeline(t, `
  - name: missing
    type: command
    inputs: {text: input}
    options: {command: "docpipe-no-such-program --flag"}
`)
	runAll(t, p, "input")

	err := executor.New(p, nil, nil).Run(context.Background(), "missing", executor.Options{})
	var depErr *executor.DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Contains(t, err.Error(), "docpipe-no-such-program")
}
