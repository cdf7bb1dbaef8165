// ============================================================================
// docpipe Module Executor - 單一模組的執行流程
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 檢查前置條件、取得鎖、推進狀態機、驅動模組並記錄歷史
//
// 執行流程 (Run):
//   前置檢查（不修改任何東西）:
//     1. 模組必須可執行（lazy filter 不行）
//     2. 鎖檔存在 → ModuleLockedError
//     3. COMPLETE → 有 ForceRerun 就 Reset（連同已執行的下游模組），否則 ModuleAlreadyCompletedError
//     4. 所有輸入已就緒 → 否則 ModuleNotReadyError
//     5. 執行期依賴 → 否則 DependencyError
//   持鎖執行:
//     6. UNEXECUTED → STARTED
//        PARTIALLY_PROCESSED → 從 checkpoint 續跑
//        STARTED（上次失敗）→ 警告，清空輸出重來
//     7. document-map 型別走 docmap.Run，其他型別呼叫 Execute
//     8. 成功 → COMPLETE，釋放鎖（刪除鎖檔）
//        失敗 → 狀態保持 STARTED / PARTIALLY_PROCESSED，鎖檔保留
//
// 狀態機:
//
//   UNEXECUTED ──run──> STARTED ──checkpoint──> PARTIALLY_PROCESSED
//                          │                          │
//                          └────────success───────────┴──> COMPLETE
//
//   reset 從任何狀態回到 UNEXECUTED；recover 把壞掉的執行接回
//   PARTIALLY_PROCESSED。
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/docpipe/internal/docmap"
	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/internal/metrics"
	"github.com/ChuLiYu/docpipe/internal/pipeline"
	"github.com/ChuLiYu/docpipe/internal/status"
	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// Options tune one Run.
type Options struct {
	// ForceRerun resets a COMPLETE module and runs it again.
	ForceRerun bool
	// Processes overrides the module's processes option when positive.
	Processes int
	// Inspect, when set, is called for every input document before the
	// transform sees it.
	Inspect corpus.InspectFunc
}

// Executor runs modules of one pipeline.
type Executor struct {
	pipeline *pipeline.Pipeline
	store    *status.Store
	logger   logger.Logger
	metrics  *metrics.Collector
}

// New 建立 Executor。log 與 m 可以為 nil。
func New(p *pipeline.Pipeline, log logger.Logger, m *metrics.Collector) *Executor {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Executor{
		pipeline: p,
		store:    p.Store(),
		logger:   log,
		metrics:  m,
	}
}

// Run executes one module.
func (e *Executor) Run(ctx context.Context, name string, opts Options) error {
	m, err := e.pipeline.Module(name)
	if err != nil {
		return err
	}
	if err := e.preflight(m, opts); err != nil {
		return err
	}

	runID := status.NewRunID()
	log := e.logger.With(zap.String("module", name), zap.String("run_id", runID))
	start := time.Now()

	err = e.store.Lock(name).WithLock(runID, func() error {
		return e.execute(ctx, m, runID, opts, log)
	})
	if err == nil {
		e.metrics.RecordModuleRun(name, metrics.ResultCompleted)
		log.Info("Module complete", zap.Duration("elapsed", time.Since(start)))
		return nil
	}

	if errors.Is(err, status.ErrModuleLocked) {
		// 另一個程序在前置檢查之後搶到鎖
		return &ModuleLockedError{Module: name}
	}

	result := metrics.ResultFailed
	if ctx.Err() != nil {
		result = metrics.ResultInterrupted
		err = fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	e.metrics.RecordModuleRun(name, result)
	if herr := e.store.AppendHistory(name, status.HistoryRecord{
		RunID:   runID,
		Event:   status.EventFailed,
		Message: err.Error(),
	}); herr != nil {
		log.Warn("Failed to record history", zap.Error(herr))
	}
	log.Error("Module failed",
		zap.Error(err),
		zap.Duration("elapsed", time.Since(start)))
	return &ModuleExecutionError{Module: name, Err: err}
}

// preflight performs steps 1 to 5. Nothing is mutated unless ForceRerun
// resets a COMPLETE module, which happens only after every other check
// passed.
func (e *Executor) preflight(m *pipeline.Module, opts Options) error {
	if err := e.checkOnly(m, opts); err != nil {
		return err
	}
	st, err := e.store.Status(m.Name)
	if err != nil {
		return err
	}
	if st != types.StatusComplete {
		return nil
	}

	// 下游模組的輸入會被重建，一併重置
	dependents, err := e.pipeline.ExecutedDependents(m.Name)
	if err != nil {
		return err
	}
	for _, d := range dependents {
		if e.pipeline.Locked(d.Name) {
			return &ModuleLockedError{Module: d.Name}
		}
	}
	e.logger.Info("Forcing re-run of complete module",
		zap.String("module", m.Name),
		zap.Int("dependents_reset", len(dependents)))
	if err := e.store.Reset(m.Name); err != nil {
		return err
	}
	for _, d := range dependents {
		if err := e.store.Reset(d.Name); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) checkInputs(m *pipeline.Module) error {
	notReady, err := e.pipeline.UnreadyInputs(m)
	if err != nil {
		return err
	}
	if len(notReady) > 0 {
		return &ModuleNotReadyError{Module: m.Name, Inputs: notReady}
	}
	return nil
}

// execute runs under the module lock.
func (e *Executor) execute(ctx context.Context, m *pipeline.Module, runID string, opts Options, log logger.Logger) error {
	md, err := e.store.Load(m.Name)
	if err != nil {
		return err
	}

	var resume *types.Checkpoint
	event := status.EventStarted
	switch md.Status {
	case types.StatusUnexecuted:
		log.Info("Starting module")
	case types.StatusPartiallyProcessed:
		resume = md.Checkpoint()
		if resume == nil || !m.Type.IsDocumentMap() {
			log.Warn("Partial run has no usable checkpoint, restarting from scratch")
			resume = nil
			event = status.EventRestarted
		} else {
			log.Info("Resuming module from checkpoint",
				zap.Int("docs_completed", resume.DocsCompleted),
				zap.String("last_doc_completed", resume.LastDoc.String()))
			event = status.EventResumed
		}
	case types.StatusStarted:
		log.Warn("Module was started before but did not finish, restarting from scratch")
		event = status.EventRestarted
	default:
		return fmt.Errorf("unexpected status %q", md.Status)
	}

	if resume == nil {
		if err := e.clearOutputs(m); err != nil {
			return err
		}
		if err := e.store.SetStatus(m.Name, types.StatusStarted); err != nil {
			return err
		}
	}
	if err := e.store.AppendHistory(m.Name, status.HistoryRecord{RunID: runID, Event: event}); err != nil {
		return err
	}

	if m.Type.IsDocumentMap() {
		err = e.runDocumentMap(ctx, m, resume, opts, log)
	} else {
		err = e.runExecute(ctx, m, opts, log)
	}
	if err != nil {
		return err
	}

	if err := e.store.SetStatus(m.Name, types.StatusComplete); err != nil {
		return err
	}
	return e.store.AppendHistory(m.Name, status.HistoryRecord{RunID: runID, Event: status.EventCompleted})
}

// clearOutputs removes whatever an earlier, failed run left behind.
func (e *Executor) clearOutputs(m *pipeline.Module) error {
	for _, dir := range e.pipeline.OutputDirs(m) {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear output %s: %w", dir, err)
		}
	}
	return nil
}

func (e *Executor) openInputs(m *pipeline.Module, opts Options) ([]corpus.Reader, error) {
	inputs, err := e.pipeline.OpenInputs(m)
	if err != nil {
		return nil, err
	}
	if opts.Inspect != nil {
		for i, r := range inputs {
			inputs[i] = corpus.Inspect(r, opts.Inspect)
		}
	}
	return inputs, nil
}

func (e *Executor) runExecute(ctx context.Context, m *pipeline.Module, opts Options, log logger.Logger) error {
	inputs, err := e.openInputs(m, opts)
	if err != nil {
		return err
	}
	return m.Type.Execute(ctx, &pipeline.RunContext{
		Module:     m,
		Inputs:     inputs,
		OutputDirs: e.pipeline.OutputDirs(m),
		Logger:     log,
	})
}

func (e *Executor) runDocumentMap(ctx context.Context, m *pipeline.Module, resume *types.Checkpoint, opts Options, log logger.Logger) (err error) {
	policy, err := docmap.ParsePolicy(m.StringOption(pipeline.OptionOnError))
	if err != nil {
		return err
	}
	processes := m.IntOption(pipeline.OptionProcesses)
	if opts.Processes > 0 {
		processes = opts.Processes
	}
	setup, err := m.Type.Map(m)
	if err != nil {
		return fmt.Errorf("failed to prepare transform: %w", err)
	}

	inputs, err := e.openInputs(m, opts)
	if err != nil {
		return err
	}
	total, err := corpus.AlignedLen(inputs)
	if err != nil {
		return err
	}

	wopts := corpus.WriterOptions{
		Append:      resume != nil,
		ArchiveSize: archiveSize(inputs[0]),
		Logger:      log,
	}

	writers := make([]*corpus.Writer, 0, len(m.Type.Outputs))
	outputs := make([]docmap.Writer, 0, len(m.Type.Outputs))
	defer func() {
		for _, w := range writers {
			if cerr := w.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	}()
	for _, out := range m.Type.Outputs {
		w, werr := corpus.NewWriter(e.store.OutputDir(m.Name, out.Name), wopts)
		if werr != nil {
			return werr
		}
		writers = append(writers, w)
		outputs = append(outputs, w)
	}

	stats, err := docmap.Run(ctx, docmap.Config{
		Module:    m.Name,
		Processes: processes,
		Policy:    policy,
		Setup:     setup,
		Inputs:    inputs,
		Outputs:   outputs,
		Resume:    resume,
		Checkpoint: func(cp types.Checkpoint) error {
			return e.store.SetCheckpoint(m.Name, cp)
		},
		Total:   total,
		Logger:  log,
		Metrics: e.metrics,
	})
	log.Info("Document map finished",
		zap.Int("processed", stats.Processed),
		zap.Int("invalid", stats.Invalid),
		zap.Int("docs_completed", stats.Checkpoint.DocsCompleted))
	return err
}

// archiveSize returns the archive size recorded by the corpus behind r, or
// 0 when r is not backed by a stored corpus.
func archiveSize(r corpus.Reader) int {
	if ir, ok := r.(*corpus.InspectingReader); ok {
		r = ir.Reader
	}
	gr, ok := r.(*corpus.GroupedReader)
	if !ok {
		return 0
	}
	md, err := gr.Metadata()
	if err != nil {
		return 0
	}
	size, _ := md.Int(corpus.MetaArchiveSize)
	return size
}

// Describe writes a one-line summary of what Run would do, without doing it.
func (e *Executor) Describe(w io.Writer, name string, opts Options) error {
	m, err := e.pipeline.Module(name)
	if err != nil {
		return err
	}
	if err := e.checkOnly(m, opts); err != nil {
		fmt.Fprintf(w, "%s: cannot run: %v\n", name, err)
		return err
	}
	md, err := e.store.Load(name)
	if err != nil {
		return err
	}
	switch {
	case md.Status == types.StatusComplete:
		fmt.Fprintf(w, "%s: would reset and re-run\n", name)
	case md.Checkpoint() != nil && m.Type.IsDocumentMap():
		fmt.Fprintf(w, "%s: would resume after %s (%d documents done)\n", name, md.LastDocCompleted, md.DocsCompleted)
	default:
		fmt.Fprintf(w, "%s: would run from the start\n", name)
	}
	return nil
}

// checkOnly is preflight without the ForceRerun reset.
func (e *Executor) checkOnly(m *pipeline.Module, opts Options) error {
	if !m.Executable() {
		return &pipeline.ConfigError{Module: m.Name, Err: pipeline.ErrNotExecutable}
	}
	lock := e.store.Lock(m.Name)
	if lock.Locked() {
		le := &ModuleLockedError{Module: m.Name}
		if owner, err := lock.Owner(); err == nil {
			le.Owner = fmt.Sprintf("pid %d on %s", owner.PID, owner.Host)
		}
		return le
	}
	st, err := e.store.Status(m.Name)
	if err != nil {
		return err
	}
	if st == types.StatusComplete && !opts.ForceRerun {
		return &ModuleAlreadyCompletedError{Module: m.Name}
	}
	if err := e.checkInputs(m); err != nil {
		return err
	}
	if errs := e.pipeline.CheckRuntimeDependencies(m); len(errs) > 0 {
		return &DependencyError{Module: m.Name, Errs: errs}
	}
	return nil
}
