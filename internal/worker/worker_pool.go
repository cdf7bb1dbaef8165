// ============================================================================
// docpipe Worker Pool - 並發文件轉換執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 架構組件:
//   ┌─────────────┐
//   │ Coordinator │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool，初始化 channels
//   2. Start(n) - 依序對每個 Worker 執行 Setup，全部成功後才啟動 goroutine
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果（完成順序，不是提交順序）
//   5. Stop() - 通知停止，等待所有 Worker 退出並執行 teardown
//
// 並發控制:
//   - stopCh 先於 taskCh 關閉；Submit 在 sendMu 讀鎖下先檢查 stopCh，
//     所以不會對已關閉的 taskCh 送值
//   - conc.WaitGroup 追蹤所有 Worker，Worker goroutine 的 panic 會在 Stop 時浮現
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交或接收
//   - Setup 失敗: 已建立的 Processor 立即 teardown，Start 回傳錯誤
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/ChuLiYu/docpipe/internal/logger"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	setup    Setup
	logger   logger.Logger
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       conc.WaitGroup

	mu      sync.Mutex // 保護 started / stopped / teardownErrs
	started bool
	stopped bool

	sendMu       sync.RWMutex // Submit 持讀鎖，關閉 taskCh 持寫鎖
	teardownErrs []error
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
//   - bufferSize: 任務和結果通道的緩衝大小
//   - setup: 每個 Worker 的 Processor 建構函數
func NewPool(bufferSize int, setup Setup, log logger.Logger) *Pool {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Pool{
		setup:    setup,
		logger:   log,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start runs Setup for workerCount workers and then starts them. If any
// Setup fails the processors built so far are torn down and nothing runs.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", workerCount)
	}

	procs := make([]Processor, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		proc, err := p.setup(i)
		if err != nil {
			for _, built := range procs {
				if c, ok := built.(io.Closer); ok {
					c.Close()
				}
			}
			return fmt.Errorf("worker %d setup: %w", i, err)
		}
		procs = append(procs, proc)
	}

	for i, proc := range procs {
		w := newWorker(i, proc, p.taskCh, p.resultCh, p.stopCh, p.logger)
		p.workers = append(p.workers, w)
		p.wg.Go(func() {
			if err := w.Run(ctx); err != nil {
				p.mu.Lock()
				p.teardownErrs = append(p.teardownErrs, err)
				p.mu.Unlock()
			}
		})
	}

	p.started = true
	p.logger.Debug("Worker pool started", zap.Int("workers", workerCount))
	return nil
}

// Submit 提交任務。任務通道滿時會阻塞，直到有空位、Pool 停止或 ctx 取消。
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult 接收下一個完成的結果
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop 關閉 Worker Pool 並等待每個 Worker 完成 teardown
//
// 正在處理中的文件會做完，但結果會被丟棄；尚未被領取的任務不再處理。
// 回傳所有 teardown 錯誤。可重複呼叫。
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Debug("Worker pool stopped", zap.Int("workers", len(p.workers)))
	return errors.Join(p.teardownErrs...)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
