// ============================================================================
// docpipe Recovery - 不正常終止後的輸出重新同步
// ============================================================================
//
// Package: internal/recovery
// 文件: recovery.go
// 功能: 修復被 kill 的模組：把所有輸出截到同一份文件，並把狀態接回
//       PARTIALLY_PROCESSED，讓下一次 run 從 checkpoint 續跑
//
// 背景:
//   checkpoint 在每次 flush 之後才寫。程序在「輸出已寫、checkpoint 未寫」
//   或「只寫了部分輸出」時被 kill，各輸出的長度就會不一致，stored length
//   也可能不對。
//
// Recover 流程:
//   1. COMPLETE 的模組拒絕處理
//   2. 有鎖檔就移除（假設擁有者已死）
//   3. 每個輸出各一個 goroutine，實際走一遍 key 列表，保留最後 K 個
//   4. n_min = 最小實際數量；new_last_doc = 該輸出倒數第二個 key
//      （最後一個可能只寫了一半，一律丟棄）；new_count = n_min - 1
//   5. 任何輸出的視窗內找不到 new_last_doc → DesyncError
//      任何輸出數量 > new_count + K → 警告
//   6. 每個輸出截斷到 new_last_doc 之後（先備份被截的 archive）
//   7. 每個輸出的 stored length 設為 new_count
//   8. 狀態寫回 PARTIALLY_PROCESSED + checkpoint（先備份 metadata.json）
//
//   dry 模式只做 1 到 5，6 到 8 印出 "DRY: Not doing: ..."。
//
// Fixlength:
//   只做第 3 與第 7 步：輸出已同步、只有 stored length 錯的時候用。
//
// ============================================================================

package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/internal/metrics"
	"github.com/ChuLiYu/docpipe/internal/pipeline"
	"github.com/ChuLiYu/docpipe/internal/status"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// DefaultWindow is the number of trailing keys kept per output when the
// operator does not choose one.
const DefaultWindow = 10

var (
	ErrModuleComplete = errors.New("module is complete, nothing to recover")
	ErrWindowTooSmall = errors.New("key window must be at least 2")
	ErrUnknownOutput  = errors.New("unknown output")
)

// DesyncError means the outputs disagree by more than the key window can
// bridge. Raising the window may help; otherwise the module must be reset.
type DesyncError struct {
	Module  string
	Output  string
	LastDoc types.DocKey
	Counts  map[string]int
	Window  int
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("module %s: output %s does not contain %s in its last %d documents (counts %v); try a larger --last-docs or reset the module",
		e.Module, e.Output, e.LastDoc, e.Window, e.Counts)
}

// OutputCount is the physical state of one output.
type OutputCount struct {
	Output string
	Dir    string
	corpus.KeyCount
}

// Report describes what Recover found and did.
type Report struct {
	Module string
	Counts []OutputCount
	// NewCount and NewLastDoc are the checkpoint the module is rewound to.
	// A zero NewLastDoc means the module restarts from scratch.
	NewCount   int
	NewLastDoc types.DocKey
	Warnings   []string
	// Backups lists the files copied before they were changed.
	Backups []string
	Dry     bool
}

// Tool runs the repair commands for one pipeline.
type Tool struct {
	pipeline *pipeline.Pipeline
	store    *status.Store
	logger   logger.Logger
	metrics  *metrics.Collector
}

// New 建立修復工具。log 與 m 可以為 nil。
func New(p *pipeline.Pipeline, log logger.Logger, m *metrics.Collector) *Tool {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Tool{pipeline: p, store: p.Store(), logger: log, metrics: m}
}

// Recover resynchronizes module's outputs after an unclean stop. Progress
// and dry-run notes are written to out.
func (t *Tool) Recover(ctx context.Context, module string, window int, dry bool, out io.Writer) (*Report, error) {
	if window < 2 {
		return nil, fmt.Errorf("%w, got %d", ErrWindowTooSmall, window)
	}
	m, err := t.pipeline.Module(module)
	if err != nil {
		return nil, err
	}
	if !m.Executable() {
		return nil, &pipeline.ConfigError{Module: module, Err: pipeline.ErrNotExecutable}
	}
	start := time.Now()
	log := t.logger.With(zap.String("module", module), zap.Bool("dry", dry))
	rep := &Report{Module: module, Dry: dry}

	// 1
	md, err := t.store.Load(module)
	if err != nil {
		return nil, err
	}
	if md.Status == types.StatusComplete {
		return nil, fmt.Errorf("%s: %w", module, ErrModuleComplete)
	}

	// 2 仍有程序持有的鎖不能移除，否則會在寫入中的輸出上截斷
	lock := t.store.Lock(module)
	if err := lock.CheckStale(); err != nil {
		return nil, fmt.Errorf("%s: %w", module, err)
	}
	if lock.Locked() {
		if dry {
			fmt.Fprintf(out, "DRY: Not doing: remove lock file %s\n", lock.Path())
		} else {
			if err := lock.Unlock(); err != nil {
				return nil, err
			}
			fmt.Fprintf(out, "Removed lock file %s\n", lock.Path())
			log.Warn("Removed execution lock")
		}
	}

	// 3
	rep.Counts, err = t.count(ctx, m, m.OutputNames(), window)
	if err != nil {
		return nil, err
	}
	for _, c := range rep.Counts {
		fmt.Fprintf(out, "Output %s: %d documents\n", c.Output, c.Count)
	}

	if len(rep.Counts) == 0 {
		return nil, fmt.Errorf("module %s has no outputs to recover", module)
	}

	// 4
	minimal := rep.Counts[0]
	for _, c := range rep.Counts[1:] {
		if c.Count < minimal.Count {
			minimal = c
		}
	}
	if minimal.Count < 2 {
		return rep, t.restart(module, md, rep, out, log)
	}
	rep.NewLastDoc = minimal.Window[len(minimal.Window)-2]
	rep.NewCount = minimal.Count - 1
	fmt.Fprintf(out, "Rewinding to %s (%d documents)\n", rep.NewLastDoc, rep.NewCount)

	// 5
	counts := make(map[string]int, len(rep.Counts))
	for _, c := range rep.Counts {
		counts[c.Output] = c.Count
	}
	for _, c := range rep.Counts {
		if !c.Contains(rep.NewLastDoc) {
			return rep, &DesyncError{Module: module, Output: c.Output, LastDoc: rep.NewLastDoc, Counts: counts, Window: window}
		}
		if c.Count > rep.NewCount+window {
			w := fmt.Sprintf("output %s has %d documents, more than %d past the rewind point", c.Output, c.Count, window)
			rep.Warnings = append(rep.Warnings, w)
			fmt.Fprintf(out, "WARNING: %s\n", w)
			log.Warn("Output far ahead of the rewind point",
				zap.String("output", c.Output),
				zap.Int("count", c.Count),
				zap.Int("new_count", rep.NewCount))
		}
	}

	// 6 先把所有截斷計畫做完，全部找得到 key 才開始動檔案
	plans := make([]*corpus.TruncatePlan, len(rep.Counts))
	for i, c := range rep.Counts {
		plan, err := corpus.PlanTruncate(c.Dir, rep.NewLastDoc)
		if err != nil {
			return rep, fmt.Errorf("output %s: %w", c.Output, err)
		}
		plans[i] = plan
	}
	for i, c := range rep.Counts {
		plan := plans[i]
		if dry {
			fmt.Fprintf(out, "DRY: Not doing: truncate %s archive %s at byte %d of %d, remove %d later archives\n",
				c.Output, plan.Archive, plan.Offset, plan.Size, len(plan.Remove))
			continue
		}
		backups, err := plan.Apply()
		rep.Backups = append(rep.Backups, backups...)
		if err != nil {
			return rep, fmt.Errorf("output %s: %w", c.Output, err)
		}
		fmt.Fprintf(out, "Truncated %s after %s (backup %s)\n", c.Output, rep.NewLastDoc, strings.Join(backups, ", "))
	}

	// 7
	for _, c := range rep.Counts {
		if dry {
			fmt.Fprintf(out, "DRY: Not doing: set length of %s to %d\n", c.Output, rep.NewCount)
			continue
		}
		if err := corpus.SetLength(c.Dir, rep.NewCount); err != nil {
			return rep, fmt.Errorf("output %s: %w", c.Output, err)
		}
	}

	// 8
	if dry {
		fmt.Fprintf(out, "DRY: Not doing: set status %s, docs_completed=%d, last_doc_completed=%s\n",
			types.StatusPartiallyProcessed, rep.NewCount, rep.NewLastDoc)
		return rep, nil
	}
	md.Status = types.StatusPartiallyProcessed
	md.DocsCompleted = rep.NewCount
	md.LastDocCompleted = rep.NewLastDoc
	if err := t.saveStatus(module, md, rep); err != nil {
		return rep, err
	}

	elapsed := time.Since(start)
	t.metrics.SetRecoveryTime(module, elapsed)
	if err := t.store.AppendHistory(module, status.HistoryRecord{
		Event:   status.EventRecovered,
		Message: fmt.Sprintf("rewound to %s (%d documents)", rep.NewLastDoc, rep.NewCount),
	}); err != nil {
		return rep, err
	}
	log.Info("Module recovered",
		zap.Int("docs_completed", rep.NewCount),
		zap.String("last_doc_completed", rep.NewLastDoc.String()),
		zap.Duration("elapsed", elapsed))
	fmt.Fprintf(out, "Recovered %s: status %s, %d documents\n", module, types.StatusPartiallyProcessed, rep.NewCount)
	return rep, nil
}

// restart handles outputs too short to keep anything: the module is put
// back to STARTED, which makes the next run clear its outputs.
func (t *Tool) restart(module string, md *status.Metadata, rep *Report, out io.Writer, log logger.Logger) error {
	w := "too few documents to keep, the module will restart from the beginning"
	rep.Warnings = append(rep.Warnings, w)
	fmt.Fprintf(out, "WARNING: %s\n", w)
	if rep.Dry {
		fmt.Fprintf(out, "DRY: Not doing: set status %s\n", types.StatusStarted)
		return nil
	}
	md.Status = types.StatusStarted
	md.ClearCheckpoint()
	if err := t.saveStatus(module, md, rep); err != nil {
		return err
	}
	log.Warn("Module will restart from scratch")
	return t.store.AppendHistory(module, status.HistoryRecord{Event: status.EventRecovered, Message: w})
}

func (t *Tool) saveStatus(module string, md *status.Metadata, rep *Report) error {
	backup, err := t.store.SaveWithBackup(module, md)
	if backup != "" {
		rep.Backups = append(rep.Backups, backup)
	}
	return err
}

// count streams the keys of every named output concurrently.
func (t *Tool) count(ctx context.Context, m *pipeline.Module, outputs []string, window int) ([]OutputCount, error) {
	counts := make([]OutputCount, len(outputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range outputs {
		dir := t.store.OutputDir(m.Name, name)
		g.Go(func() error {
			kc, err := corpus.CountKeys(gctx, corpus.Open(dir), window)
			if err != nil {
				return fmt.Errorf("failed to count output %s: %w", name, err)
			}
			counts[i] = OutputCount{Output: name, Dir: dir, KeyCount: kc}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// LengthFix is one output whose stored length was checked.
type LengthFix struct {
	Output string
	Stored int
	// HasStored is false when the output has no stored length at all.
	HasStored bool
	Actual    int
}

// Changed reports whether the stored length is wrong.
func (f LengthFix) Changed() bool {
	return !f.HasStored || f.Stored != f.Actual
}

// Fixlength recounts the named outputs, or every output when none are
// named, and rewrites stored lengths that are wrong. Nothing else changes.
func (t *Tool) Fixlength(ctx context.Context, module string, outputs []string, dry bool, out io.Writer) ([]LengthFix, error) {
	m, err := t.pipeline.Module(module)
	if err != nil {
		return nil, err
	}
	if !m.Executable() {
		return nil, &pipeline.ConfigError{Module: module, Err: pipeline.ErrNotExecutable}
	}
	if len(outputs) == 0 {
		outputs = m.OutputNames()
	}
	for _, name := range outputs {
		if !m.HasOutput(name) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownOutput, module, name)
		}
	}

	counts, err := t.count(ctx, m, outputs, 1)
	if err != nil {
		return nil, err
	}

	fixes := make([]LengthFix, 0, len(counts))
	for _, c := range counts {
		stored, ok, err := corpus.StoredLength(c.Dir)
		if err != nil {
			return fixes, fmt.Errorf("output %s: %w", c.Output, err)
		}
		fix := LengthFix{Output: c.Output, Stored: stored, HasStored: ok, Actual: c.Count}
		fixes = append(fixes, fix)

		if !fix.Changed() {
			fmt.Fprintf(out, "Output %s: length %d is correct\n", c.Output, c.Count)
			continue
		}
		if dry {
			fmt.Fprintf(out, "DRY: Not doing: set length of %s from %d to %d\n", c.Output, stored, c.Count)
			continue
		}
		if err := corpus.SetLength(c.Dir, c.Count); err != nil {
			return fixes, fmt.Errorf("output %s: %w", c.Output, err)
		}
		t.logger.Info("Fixed stored length",
			zap.String("module", module),
			zap.String("output", c.Output),
			zap.Int("stored", stored),
			zap.Int("actual", c.Count))
		fmt.Fprintf(out, "Output %s: length changed from %d to %d\n", c.Output, stored, c.Count)
	}
	return fixes, nil
}
