// ============================================================================
// docpipe Built-in Modules - 內建模組型別
// ============================================================================
//
// Package: internal/modules
// 文件: modules.go
//
// 型別一覽:
//   text_input      可執行，非 map    文字檔每行一份文件
//   tokenize        document-map      輸出 tokens 與 stats
//   command         document-map      每份文件經 stdin 交給外部指令
//   filter_invalid  lazy filter       跳過 invalid 文件，不落地
//
// 資料型別相容是結構性的：輸出型別只要有輸入要求的欄位就能接。
//
// ============================================================================

package modules

import (
	"github.com/ChuLiYu/docpipe/internal/pipeline"
)

// Datatypes produced and consumed by the built-in modules.
var (
	TextType   = pipeline.Datatype{Name: "text", Fields: []string{"text"}}
	TokensType = pipeline.Datatype{Name: "tokenized_text", Fields: []string{"text", "tokens"}}
	StatsType  = pipeline.Datatype{Name: "token_stats", Fields: []string{"tokens", "types"}}
)

// Types returns fresh definitions of every built-in module type.
func Types() []*pipeline.ModuleType {
	return []*pipeline.ModuleType{
		textInputType(),
		tokenizeType(),
		commandType(),
		filterInvalidType(),
	}
}

// Register adds the built-in types to reg.
func Register(reg *pipeline.Registry) error {
	for _, t := range Types() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding only the built-in types.
func NewRegistry() *pipeline.Registry {
	reg := pipeline.NewRegistry()
	reg.MustRegister(Types()...)
	return reg
}
