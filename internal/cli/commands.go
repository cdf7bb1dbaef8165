package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/pprof"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/docpipe/internal/controller"
	"github.com/ChuLiYu/docpipe/internal/executor"
	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/internal/pipeline"
	"github.com/ChuLiYu/docpipe/internal/recovery"
	"github.com/ChuLiYu/docpipe/internal/status"
)

// ============================================================================
// run
// ============================================================================

func (a *app) buildRunCommand() *cobra.Command {
	var (
		forceRerun bool
		dryRun     bool
		debug      bool
		allDeps    bool
		step       bool
	)

	cmd := &cobra.Command{
		Use:   "run [module...]",
		Short: "Run modules of the pipeline",
		Long: `Run the named modules in dependency order, or every unfinished module
when none are named. Stops at the first module that fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				log, err := logger.NewLogger(a.cfg.Log.Format, "debug")
				if err != nil {
					return configError(err)
				}
				a.log = log
			}
			p, err := a.loadPipeline()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			stopMetrics := a.serveMetrics(ctx)
			defer stopMetrics()
			if debug {
				stopWatch := dumpOnInterrupt(ctx, cmd.ErrOrStderr())
				defer stopWatch()
			}

			ctrl, err := controller.NewController(controller.Config{
				Pipeline: p,
				Logger:   a.log,
				Metrics:  a.metrics,
				Out:      cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}

			opts := controller.RunOptions{
				Options: executor.Options{
					ForceRerun: forceRerun,
					Processes:  a.v.GetInt(processesKey),
				},
				AllDeps: allDeps,
				DryRun:  dryRun,
			}
			if step {
				// 逐一檢視時只用一個 worker
				opts.Processes = 1
				opts.Inspect = newStepper(cmd.InOrStdin(), cmd.OutOrStdout())
			}

			summary, err := ctrl.Run(ctx, args, opts)
			if err != nil {
				return err
			}
			if !dryRun && len(summary.Planned) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to run")
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&forceRerun, "force-rerun", false, "reset and re-run modules that are already complete")
	flags.BoolVar(&dryRun, "dry-run", false, "validate and describe what would run without running it")
	flags.BoolVar(&debug, "debug", false, "debug logging; dump goroutine stacks on interrupt")
	flags.BoolVar(&allDeps, "all-deps", false, "also run unfinished modules the named ones depend on")
	flags.Int("processes", 0, "worker count for document maps, overrides module options")
	flags.BoolVar(&step, "step", false, "show each input document and wait for enter before processing it")
	a.bindFlags(flags, map[string]string{"processes": processesKey})

	return cmd
}

// dumpOnInterrupt writes every goroutine's stack when ctx is cancelled
// before the returned stop function is called.
func dumpOnInterrupt(ctx context.Context, w io.Writer) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "Interrupted; goroutine stacks:")
			pprof.Lookup("goroutine").WriteTo(w, 2)
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// ============================================================================
// check
// ============================================================================

func (a *app) buildCheckCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "check [module...]",
		Short: "Validate the pipeline and check runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadPipeline()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dot {
				data, err := p.DOT()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "%s\n", data)
				return err
			}

			mods, err := p.RunnableModules(args...)
			if err != nil {
				return configError(err)
			}
			var failed []error
			for _, m := range mods {
				errs := p.CheckRuntimeDependencies(m)
				if len(errs) == 0 {
					fmt.Fprintf(out, "%s: ok\n", m.Name)
					continue
				}
				derr := &executor.DependencyError{Module: m.Name, Errs: errs}
				fmt.Fprintf(out, "%s: %v\n", m.Name, derr)
				failed = append(failed, derr)
			}
			if len(failed) > 0 {
				return errors.Join(failed...)
			}
			fmt.Fprintf(out, "Pipeline %s is valid (%d modules)\n", p.Name, len(p.Modules()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dot, "dot", false, "print the module graph in Graphviz DOT format")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "status [module]",
		Short: "Show module status",
		Args:  positional(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if history && len(args) == 0 {
				return configError(errors.New("--history needs a module name"))
			}
			p, err := a.loadPipeline()
			if err != nil {
				return err
			}
			ctrl, err := controller.NewController(controller.Config{Pipeline: p, Logger: a.log})
			if err != nil {
				return err
			}
			states, err := ctrl.GetStatus(args...)
			if err != nil {
				return err
			}
			if err := writeStatus(cmd.OutOrStdout(), states); err != nil {
				return err
			}
			if !history {
				return nil
			}
			records, err := p.Store().History(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return writeHistory(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "also print the module's execution history")
	return cmd
}

func writeStatus(w io.Writer, states []controller.ModuleState) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tTYPE\tSTATUS\tREADY\tLOCK\tPROGRESS")
	for _, st := range states {
		state := string(st.Status)
		if !st.Executable {
			state = "(filter)"
		}
		lock := "-"
		switch {
		case st.Stale:
			lock = "stale"
		case st.Locked:
			lock = "held"
		}
		progress := "-"
		if st.Checkpoint != nil {
			progress = fmt.Sprintf("%d docs, last %s", st.Checkpoint.DocsCompleted, st.Checkpoint.LastDoc)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", st.Name, st.Type, state, yesNo(st.Ready), lock, progress)
	}
	return tw.Flush()
}

func writeHistory(w io.Writer, records []status.HistoryRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No history")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tRUN\tMESSAGE")
	for _, r := range records {
		run := r.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Time.Local().Format(time.RFC3339), r.Event, run, r.Message)
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// ============================================================================
// recover / fixlength
// ============================================================================

func (a *app) buildRecoverCommand() *cobra.Command {
	var (
		dry      bool
		lastDocs int
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "recover <module>",
		Short: "Resynchronise the outputs of a crashed document-map module",
		Long: `Bring every output of a partially processed module back to a common
document, fix stored lengths and checkpoint, and remove the lock so that
the next run resumes. Outputs are truncated; backups are kept.`,
		Args: positional(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadPipeline()
			if err != nil {
				return err
			}
			if force && !dry {
				if _, err := p.Module(args[0]); err != nil {
					return configError(err)
				}
				if err := p.Store().Lock(args[0]).Unlock(); err != nil {
					return err
				}
			}
			tool := recovery.New(p, a.log, a.metrics)
			_, err = tool.Recover(cmd.Context(), args[0], lastDocs, dry, cmd.OutOrStdout())
			if errors.As(err, new(*status.HeldError)) {
				return fmt.Errorf("%w; use --force if that process is gone", err)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dry, "dry", false, "report what would change without changing anything")
	cmd.Flags().BoolVar(&force, "force", false, "recover even if a live process holds the module lock")
	cmd.Flags().IntVar(&lastDocs, "last-docs", recovery.DefaultWindow, "how many trailing documents of each output to compare")
	return cmd
}

func (a *app) buildFixlengthCommand() *cobra.Command {
	var dry bool

	cmd := &cobra.Command{
		Use:   "fixlength <module> [output...]",
		Short: "Correct the stored length of module outputs",
		Args:  positional(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadPipeline()
			if err != nil {
				return err
			}
			tool := recovery.New(p, a.log, a.metrics)
			_, err = tool.Fixlength(cmd.Context(), args[0], args[1:], dry, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().BoolVar(&dry, "dry", false, "report what would change without changing anything")
	return cmd
}

// ============================================================================
// unlock / reset
// ============================================================================

func (a *app) buildUnlockCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "unlock <module>",
		Short: "Remove the execution lock of a module",
		Long: `Remove a lock left behind by a run that no longer exists. A lock still
held by a live process is only removed with --force.`,
		Args: positional(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadPipeline()
			if err != nil {
				return err
			}
			name := args[0]
			if _, err := p.Module(name); err != nil {
				return configError(err)
			}

			out := cmd.OutOrStdout()
			lock := p.Store().Lock(name)
			if !lock.Locked() {
				fmt.Fprintf(out, "%s is not locked\n", name)
				return nil
			}
			if !force {
				if err := lock.CheckStale(); err != nil {
					return fmt.Errorf("%s: %w; use --force to remove it anyway", name, err)
				}
			}
			if err := lock.Unlock(); err != nil {
				return err
			}
			if err := p.Store().AppendHistory(name, status.HistoryRecord{
				Event:   status.EventUnlocked,
				Message: "lock removed by operator",
			}); err != nil {
				return err
			}
			fmt.Fprintf(out, "Unlocked %s\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove the lock even if a process holds it")
	return cmd
}

func (a *app) buildResetCommand() *cobra.Command {
	var noDeps, forceDeps bool
	cmd := &cobra.Command{
		Use:   "reset <module...|all>",
		Short: "Delete module outputs and state",
		Long: `Delete module outputs and state. Modules downstream that have already
run are reset too, since their inputs will be rebuilt. Without --force-deps
the extra modules are listed and confirmation is asked for.`,
		Args: positional(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if noDeps && forceDeps {
				return configError(errors.New("--no-deps and --force-deps are mutually exclusive"))
			}
			p, err := a.loadPipeline()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var names []string
			if slices.Contains(args, "all") {
				fmt.Fprintln(out, "Resetting execution state of all modules")
				runnable, err := p.RunnableModules()
				if err != nil {
					return err
				}
				names = moduleNames(runnable)
			} else {
				if _, err := p.RunnableModules(args...); err != nil {
					return configError(err)
				}
				names = args
				if !noDeps {
					dependents, err := p.ExecutedDependents(args...)
					if err != nil {
						return err
					}
					if len(dependents) > 0 {
						fmt.Fprintf(out, "The following modules depend on %s. Their execution state will be reset too.\n  %s\n",
							strings.Join(args, ", "), strings.Join(moduleNames(dependents), ", "))
						if !forceDeps && !confirm(cmd.InOrStdin(), out) {
							fmt.Fprintln(out, "Cancelled")
							return nil
						}
						names = append(names, moduleNames(dependents)...)
					}
				}
			}

			for _, name := range names {
				if err := p.Store().Reset(name); err != nil {
					return err
				}
				fmt.Fprintf(out, "Reset %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&noDeps, "no-deps", "n", false, "reset only the named modules, leaving executed dependents as they are")
	cmd.Flags().BoolVarP(&forceDeps, "force-deps", "f", false, "reset executed dependents without asking")
	return cmd
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, "Do you want to continue? [y/N] ")
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "y")
}

func moduleNames(mods []*pipeline.Module) []string {
	out := make([]string, len(mods))
	for i, m := range mods {
		out[i] = m.Name
	}
	return out
}
