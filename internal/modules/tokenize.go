package modules

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode"

	"github.com/ChuLiYu/docpipe/internal/pipeline"
	"github.com/ChuLiYu/docpipe/internal/worker"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// TokenizedText is the document written to a tokenize module's tokens output.
type TokenizedText struct {
	Text   string   `json:"text"`
	Tokens []string `json:"tokens"`
}

// TokenStats is the document written to the stats output.
type TokenStats struct {
	Tokens int `json:"tokens"`
	Types  int `json:"types"`
}

var errEmptyDocument = errors.New("document has no tokens")

func tokenizeType() *pipeline.ModuleType {
	return &pipeline.ModuleType{
		Name:        "tokenize",
		Description: "Splits text into tokens and counts them",
		Inputs:      []pipeline.InputSpec{{Name: "text", Type: TextType}},
		Outputs: []pipeline.OutputSpec{
			{Name: "tokens", Type: &TokensType},
			{Name: "stats", Type: &StatsType},
		},
		Options: []pipeline.OptionSpec{
			{Name: "lowercase", Kind: pipeline.OptionBool, Default: false},
			{Name: "split_punctuation", Kind: pipeline.OptionBool, Default: true, Help: "make punctuation separate tokens"},
		},
		Executable: true,
		Map: func(m *pipeline.Module) (worker.Setup, error) {
			t := tokenizer{
				lowercase:  m.BoolOption("lowercase"),
				splitPunct: m.BoolOption("split_punctuation"),
			}
			return worker.Stateless(t.process), nil
		},
	}
}

type tokenizer struct {
	lowercase  bool
	splitPunct bool
}

func (t tokenizer) process(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
	text, err := documentText(inputs[0])
	if err != nil {
		return nil, err
	}
	tokens := t.tokenize(text)
	if len(tokens) == 0 {
		return nil, errEmptyDocument
	}

	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		seen[tok] = struct{}{}
	}

	tokDoc, err := jsonDocument(TokenizedText{Text: text, Tokens: tokens})
	if err != nil {
		return nil, err
	}
	statsDoc, err := jsonDocument(TokenStats{Tokens: len(tokens), Types: len(seen)})
	if err != nil {
		return nil, err
	}
	return []types.Document{tokDoc, statsDoc}, nil
}

func (t tokenizer) tokenize(text string) []string {
	if t.lowercase {
		text = strings.ToLower(text)
	}
	var tokens []string
	for _, field := range strings.Fields(text) {
		if !t.splitPunct {
			tokens = append(tokens, field)
			continue
		}
		start := -1
		for i, r := range field {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				if start >= 0 {
					tokens = append(tokens, field[start:i])
					start = -1
				}
				tokens = append(tokens, string(r))
				continue
			}
			if start < 0 {
				start = i
			}
		}
		if start >= 0 {
			tokens = append(tokens, field[start:])
		}
	}
	return tokens
}

// documentText accepts either a plain text document or any object with a
// "text" field.
func documentText(d types.Document) (string, error) {
	if text, err := d.Text(); err == nil {
		return text, nil
	}
	var obj struct {
		Text *string `json:"text"`
	}
	if err := d.Decode(&obj); err != nil || obj.Text == nil {
		return "", errors.New("document has no text")
	}
	return *obj.Text, nil
}

func jsonDocument(v interface{}) (types.Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return types.Document{}, err
	}
	return types.NewDocument(data), nil
}
