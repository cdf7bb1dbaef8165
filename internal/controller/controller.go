// ============================================================================
// docpipe 控制器 - 多模組執行協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 決定一次 `run` 要執行哪些模組、以什麼順序，然後逐一交給 Executor
//
// 執行計劃:
//   - 沒有指定模組: 所有可執行模組中尚未 COMPLETE 的（--force-rerun 時全部）
//   - 指定模組: 只跑這些，依默認順序（拓撲序，同層按宣告順序）
//   - --all-deps: 每個目標前加上它尚未完成的上游模組
//
// 執行流程:
//   plan -> 對每個模組呼叫 Executor.Run -> 第一個失敗即停止
//   ctx 取消時不再開始新模組，已在跑的模組由 Executor 寫下 checkpoint
//
// Dry-run:
//   只做驗證，每個模組輸出一行描述，不取鎖、不改狀態
//   上游也在計劃中的模組會顯示 "would run after ..."
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/docpipe/internal/executor"
	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/internal/metrics"
	"github.com/ChuLiYu/docpipe/internal/pipeline"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// Config 控制器配置
type Config struct {
	Pipeline *pipeline.Pipeline
	Logger   logger.Logger
	Metrics  *metrics.Collector
	// Out receives dry-run descriptions. Defaults to io.Discard.
	Out io.Writer
}

// RunOptions extend the per-module executor options with plan selection.
type RunOptions struct {
	executor.Options
	// AllDeps adds every unfinished upstream module to the plan.
	AllDeps bool
	// DryRun validates and describes the plan without running anything.
	DryRun bool
}

// Summary 一次 run 的結果
type Summary struct {
	Planned   []string
	Completed []string
	Elapsed   time.Duration
}

// Controller drives runs of one pipeline.
type Controller struct {
	pipeline *pipeline.Pipeline
	executor *executor.Executor
	logger   logger.Logger
	out      io.Writer
}

// NewController 創建控制器
func NewController(cfg Config) (*Controller, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("controller: pipeline is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}
	return &Controller{
		pipeline: cfg.Pipeline,
		executor: executor.New(cfg.Pipeline, log, cfg.Metrics),
		logger:   log,
		out:      out,
	}, nil
}

// Executor returns the executor the controller runs modules with.
func (c *Controller) Executor() *executor.Executor {
	return c.executor
}

// Plan resolves the modules a run of names would execute, in order.
func (c *Controller) Plan(names []string, opts RunOptions) ([]*pipeline.Module, error) {
	targets, err := c.pipeline.RunnableModules(names...)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 && !opts.ForceRerun {
		pending := targets[:0:0]
		for _, m := range targets {
			st, err := c.pipeline.Status(m.Name)
			if err != nil {
				return nil, err
			}
			if st != types.StatusComplete {
				pending = append(pending, m)
			}
		}
		targets = pending
	}
	if !opts.AllDeps {
		return targets, nil
	}

	include := make(map[string]bool, len(targets))
	for _, m := range targets {
		include[m.Name] = true
		deps, err := c.pipeline.UnexecutedDependencies(m.Name)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			include[d.Name] = true
		}
	}
	// 默認順序保證上游在前
	var plan []*pipeline.Module
	for _, m := range c.pipeline.Order() {
		if include[m.Name] {
			plan = append(plan, m)
		}
	}
	return plan, nil
}

// Run executes the plan for names and stops at the first failure.
func (c *Controller) Run(ctx context.Context, names []string, opts RunOptions) (*Summary, error) {
	start := time.Now()
	plan, err := c.Plan(names, opts)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Planned: moduleNames(plan)}

	if opts.DryRun {
		err := c.describe(plan, opts)
		summary.Elapsed = time.Since(start)
		return summary, err
	}

	if len(plan) == 0 {
		c.logger.Info("Nothing to run")
		return summary, nil
	}
	c.logger.Info("Running modules", zap.Strings("modules", summary.Planned))

	for _, m := range plan {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, fmt.Errorf("%w before %s: %w", executor.ErrInterrupted, m.Name, err)
		}
		if err := c.executor.Run(ctx, m.Name, opts.Options); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}
		summary.Completed = append(summary.Completed, m.Name)
	}

	summary.Elapsed = time.Since(start)
	c.logger.Info("Run finished",
		zap.Int("modules", len(summary.Completed)),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

// describe prints one line per planned module. Modules waiting only on
// earlier planned modules cannot be checked yet, so they are reported as
// queued behind them.
func (c *Controller) describe(plan []*pipeline.Module, opts RunOptions) error {
	planned := make(map[string]bool, len(plan))
	var errs []error
	for _, m := range plan {
		deps, err := c.pipeline.UnexecutedDependencies(m.Name)
		if err != nil {
			return err
		}
		waiting := make([]string, 0, len(deps))
		for _, d := range deps {
			if planned[d.Name] {
				waiting = append(waiting, d.Name)
			}
		}
		planned[m.Name] = true

		if len(deps) > 0 && len(waiting) == len(deps) {
			fmt.Fprintf(c.out, "%s: would run after %s\n", m.Name, strings.Join(waiting, ", "))
			continue
		}
		if err := c.executor.Describe(c.out, m.Name, opts.Options); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ============================================================================
// 狀態查詢
// ============================================================================

// ModuleState is one row of the status report.
type ModuleState struct {
	Name       string
	Type       string
	Executable bool
	Status     types.ModuleStatus
	Ready      bool
	Locked     bool
	// Stale is set when the lock file exists but no process holds it.
	Stale      bool
	Checkpoint *types.Checkpoint
}

// GetStatus 返回所有模組（或指定模組）的狀態，依默認順序
func (c *Controller) GetStatus(names ...string) ([]ModuleState, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, err := c.pipeline.Module(n); err != nil {
			return nil, err
		}
		want[n] = true
	}

	store := c.pipeline.Store()
	var states []ModuleState
	for _, m := range c.pipeline.Order() {
		if len(want) > 0 && !want[m.Name] {
			continue
		}
		st := ModuleState{Name: m.Name, Type: m.Type.Name, Executable: m.Executable()}
		if !m.Executable() {
			notReady, err := c.pipeline.UnreadyInputs(m)
			if err != nil {
				return nil, err
			}
			st.Ready = len(notReady) == 0
			states = append(states, st)
			continue
		}

		md, err := store.Load(m.Name)
		if err != nil {
			return nil, err
		}
		st.Status = md.Status
		st.Checkpoint = md.Checkpoint()
		lock := store.Lock(m.Name)
		st.Locked = lock.Locked()
		if st.Locked {
			if st.Stale, err = lock.Stale(); err != nil {
				return nil, err
			}
		}
		if st.Ready, err = c.pipeline.Ready(m.Name); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

func moduleNames(mods []*pipeline.Module) []string {
	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = m.Name
	}
	return names
}
