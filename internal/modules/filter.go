package modules

import (
	"github.com/ChuLiYu/docpipe/internal/pipeline"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
)

// filter_invalid is never executed. Its output is computed on read from
// its input, so it has the input's datatype.
func filterInvalidType() *pipeline.ModuleType {
	return &pipeline.ModuleType{
		Name:        "filter_invalid",
		Description: "Skips invalid documents when read",
		Inputs:      []pipeline.InputSpec{{Name: "documents", Type: pipeline.AnyDatatype}},
		Outputs:     []pipeline.OutputSpec{{Name: "documents"}},
		Filter: func(m *pipeline.Module, output string, inputs []corpus.Reader) (corpus.Reader, error) {
			return corpus.Filter(inputs[0], func(e corpus.Entry) bool {
				return !e.Doc.IsInvalid()
			}), nil
		},
	}
}
