// Package types 定義了 docpipe 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ModuleStatus 模組執行狀態
type ModuleStatus string

// 定義模組狀態常數
const (
	StatusUnexecuted         ModuleStatus = "UNEXECUTED"          // 尚未執行
	StatusStarted            ModuleStatus = "STARTED"             // 已開始，尚無檢查點
	StatusPartiallyProcessed ModuleStatus = "PARTIALLY_PROCESSED" // 已處理部分文件，可從檢查點續跑
	StatusComplete           ModuleStatus = "COMPLETE"            // 所有輸出皆已寫完
)

// Valid reports whether s is one of the four known states.
func (s ModuleStatus) Valid() bool {
	switch s {
	case StatusUnexecuted, StatusStarted, StatusPartiallyProcessed, StatusComplete:
		return true
	}
	return false
}

// DocKey 文件在分組語料中的位址 (archive, doc)
type DocKey struct {
	Archive string `json:"archive"`
	Doc     string `json:"doc"`
}

// String renders the key as "archive/doc", the form stored in status metadata.
func (k DocKey) String() string {
	return k.Archive + "/" + k.Doc
}

// IsZero reports whether the key is unset.
func (k DocKey) IsZero() bool {
	return k.Archive == "" && k.Doc == ""
}

// ParseDocKey parses an "archive/doc" string. Archive names never contain a
// slash, so the first slash splits the key.
func ParseDocKey(s string) (DocKey, error) {
	archive, doc, ok := strings.Cut(s, "/")
	if !ok || archive == "" {
		return DocKey{}, fmt.Errorf("invalid document key %q: want archive/doc", s)
	}
	return DocKey{Archive: archive, Doc: doc}, nil
}

// InvalidDocument 代表處理失敗的文件標記，沿著管線向下游傳遞
type InvalidDocument struct {
	ModuleName string `json:"module"` // 產生此標記的模組
	ErrorInfo  string `json:"error"`  // 失敗原因
}

// Document 管線中流動的值：資料或 InvalidDocument 標記，二擇一
type Document struct {
	Data    json.RawMessage  `json:"data,omitempty"`
	Invalid *InvalidDocument `json:"invalid,omitempty"`
}

// NewDocument wraps raw JSON data.
func NewDocument(data json.RawMessage) Document {
	return Document{Data: data}
}

// TextDocument encodes a plain string as document data.
func TextDocument(text string) Document {
	b, _ := json.Marshal(text)
	return Document{Data: b}
}

// Invalid builds an invalid-document marker.
func Invalid(moduleName, errorInfo string) Document {
	return Document{Invalid: &InvalidDocument{ModuleName: moduleName, ErrorInfo: errorInfo}}
}

// IsInvalid reports whether the document is an invalid marker.
func (d Document) IsInvalid() bool {
	return d.Invalid != nil
}

// Text decodes the document data as a JSON string.
func (d Document) Text() (string, error) {
	if d.IsInvalid() {
		return "", fmt.Errorf("document is invalid: %s", d.Invalid.ErrorInfo)
	}
	var s string
	if err := json.Unmarshal(d.Data, &s); err != nil {
		return "", fmt.Errorf("failed to decode document text: %w", err)
	}
	return s, nil
}

// Decode unmarshals the document data into v.
func (d Document) Decode(v interface{}) error {
	if d.IsInvalid() {
		return fmt.Errorf("document is invalid: %s", d.Invalid.ErrorInfo)
	}
	return json.Unmarshal(d.Data, v)
}

// Checkpoint 文件映射模組的續跑位置
type Checkpoint struct {
	DocsCompleted int    // 已完成文件數（累計）
	LastDoc       DocKey // 最後一個寫入的文件
}
