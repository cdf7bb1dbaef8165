package integration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docpipe/internal/controller"
	"github.com/ChuLiYu/docpipe/internal/modules"
	"github.com/ChuLiYu/docpipe/internal/pipeline"
	"github.com/ChuLiYu/docpipe/internal/status"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
)

// writeCorpus 生成 n 行文本，每 50 行有一行空白（會變成 invalid 文件）
func writeCorpus(t testing.TB, n int) string {
	t.Helper()
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i%50 == 0 {
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "Line %d: the quick brown fox, number %d, jumps!\n", i, i*7%13)
	}
	path := filepath.Join(t.TempDir(), "corpus.txt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

// newPipeline builds input -> tokens -> valid over data in storeDir.
func newPipeline(t testing.TB, storeDir, data string, processes int) *pipeline.Pipeline {
	t.Helper()
	def := &pipeline.Definition{Name: "integration", Modules: []pipeline.ModuleDef{
		{Name: "input", Type: "text_input", Options: map[string]interface{}{"path": data, "archive_size": 100}},
		{Name: "tokens", Type: "tokenize", Inputs: map[string]string{"text": "input.text"},
			Options: map[string]interface{}{"processes": processes, "lowercase": true}},
		{Name: "valid", Type: "filter_invalid", Inputs: map[string]string{"documents": "tokens.tokens"}},
	}}
	p, err := pipeline.Build(def, modules.NewRegistry(), status.NewStore(storeDir, nil), nil)
	require.NoError(t, err)
	require.NoError(t, p.Typecheck())
	return p
}

func newController(t testing.TB, p *pipeline.Pipeline) *controller.Controller {
	t.Helper()
	c, err := controller.NewController(controller.Config{Pipeline: p})
	require.NoError(t, err)
	return c
}

// archiveFiles reads the data files of one output: the archive index and
// every archive, but not the metadata.
func archiveFiles(t testing.TB, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	files := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, corpus.ArchiveExt) || name == corpus.IndexFileName) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		files[name] = string(data)
	}
	return files
}
