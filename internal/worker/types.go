package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/docpipe/pkg/types"
)

// Task 代表一份待轉換的文件（每個輸入語料各一份）
type Task struct {
	Seq    int64            // 派發序號，供協調者還原順序
	Key    types.DocKey     // 文件鍵
	Inputs []types.Document // 對齊輸入的文件組
}

// Result 代表 Worker 對一個 Task 的處理結果
type Result struct {
	Seq      int64
	Key      types.DocKey
	Outputs  []types.Document // 每個輸出一份
	Err      error            // Process 回傳的錯誤，或 panic 轉成的錯誤
	Panicked bool
	Worker   int
	Duration time.Duration
}

// Processor transforms one document tuple into one document per output.
// A Processor belongs to a single worker and is never called concurrently.
//
// If a Processor also implements io.Closer, Close is its teardown hook and
// runs when the worker exits.
type Processor interface {
	Process(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error)
}

// ProcessFunc adapts a function to Processor.
type ProcessFunc func(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error)

func (f ProcessFunc) Process(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
	return f(ctx, key, inputs)
}

// Setup builds the per-worker Processor. It runs once for each worker before
// any task is handed out.
type Setup func(worker int) (Processor, error)

// Stateless returns a Setup that shares fn between every worker.
func Stateless(fn ProcessFunc) Setup {
	return func(int) (Processor, error) {
		return fn, nil
	}
}
