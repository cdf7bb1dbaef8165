// ============================================================================
// docpipe CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree, engine configuration and exit codes
//
// Command Structure:
//   docpipe                        # Root command
//   ├── run [module...]            # Run modules (--force-rerun, --dry-run, --all-deps, --step, ...)
//   ├── check [module...]          # Validate pipeline and runtime dependencies (--dot)
//   ├── status [module]            # Module status table (--history)
//   ├── recover <module>           # Repair a crashed document-map module (--dry, --last-docs)
//   ├── fixlength <module> [out..] # Correct stored output lengths (--dry)
//   ├── unlock <module>            # Remove an abandoned lock (--force)
//   ├── reset <module...>          # Delete outputs and state
//   └── config                     # Print the effective engine config
//
// Configuration Sources (highest first):
//   1. Command line flags
//   2. Environment variables prefixed with DOCPIPE_ (DOCPIPE_LOG_LEVEL, ...)
//   3. Engine config file (--config, or ./docpipe.yaml when present)
//   4. Defaults
//
// Exit Codes:
//   0   success
//   1   execution failure
//   2   configuration failure (bad flags, config, pipeline, typecheck)
//   130 interrupted by the user
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/docpipe/internal/executor"
	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/internal/metrics"
	"github.com/ChuLiYu/docpipe/internal/modules"
	"github.com/ChuLiYu/docpipe/internal/pipeline"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitInterrupted = 130
)

const (
	envPrefix           = "DOCPIPE"
	defaultConfigName   = "docpipe"
	defaultPipelineFile = "pipeline.yaml"

	pipelineKey    = "pipeline"
	storeKey       = "store"
	processesKey   = "processes"
	logLevelKey    = "log.level"
	logFormatKey   = "log.format"
	metricsAddrKey = "metrics.addr"
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func configError(err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: ExitConfig, Err: err}
}

// ExitCode maps an error returned by the command tree to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, executor.ErrInterrupted) || errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	if pipeline.IsConfigError(err) {
		return ExitConfig
	}
	return ExitFailure
}

// Config is the engine configuration. It does not describe a pipeline;
// that lives in the pipeline file.
type Config struct {
	Pipeline  string `yaml:"pipeline"`
	Store     string `yaml:"store,omitempty"`
	Processes int    `yaml:"processes,omitempty"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Metrics struct {
		Addr string `yaml:"addr,omitempty"`
	} `yaml:"metrics"`
}

// app is the state shared by every command of one command tree.
type app struct {
	v          *viper.Viper
	configFile string

	cfg      Config
	log      logger.Logger
	metrics  *metrics.Collector
	registry *pipeline.Registry
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{v: newViper()}

	rootCmd := &cobra.Command{
		Use:   "docpipe",
		Short: "docpipe: a resumable document-pipeline engine",
		Long: `docpipe runs pipelines of modules over grouped document corpora:
- dependency-ordered execution with per-module status and locks
- parallel document maps with ordered output and checkpoints
- crash recovery that resynchronises multi-output modules`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return configError(err)
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "engine config file (default ./docpipe.yaml if present)")
	flags.StringP("pipeline", "p", defaultPipelineFile, "pipeline definition file")
	flags.String("store", "", "store directory, overrides the pipeline file")
	flags.String("log-level", "info", "log level: none, debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	a.bindFlags(flags, map[string]string{
		"pipeline":     pipelineKey,
		"store":        storeKey,
		"log-level":    logLevelKey,
		"log-format":   logFormatKey,
		"metrics-addr": metricsAddrKey,
	})

	rootCmd.AddCommand(
		a.buildRunCommand(),
		a.buildCheckCommand(),
		a.buildStatusCommand(),
		a.buildRecoverCommand(),
		a.buildFixlengthCommand(),
		a.buildUnlockCommand(),
		a.buildResetCommand(),
		a.buildConfigCommand(),
	)
	return rootCmd
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(pipelineKey, defaultPipelineFile)
	v.SetDefault(storeKey, "")
	v.SetDefault(processesKey, 0)
	v.SetDefault(logLevelKey, "info")
	v.SetDefault(logFormatKey, "text")
	v.SetDefault(metricsAddrKey, "")
	return v
}

// bindFlags binds each flag to a config key. Panics on a missing flag,
// which is a programming error.
func (a *app) bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic("failed to bind pflag: " + err.Error())
		}
	}
}

// setup reads the engine config and builds the logger and metrics
// collector. It runs before every subcommand.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if a.configFile != "" {
		a.v.SetConfigFile(a.configFile)
		if err := a.v.ReadInConfig(); err != nil {
			return configError(fmt.Errorf("failed to read config file: %w", err))
		}
	} else {
		a.v.SetConfigName(defaultConfigName)
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
		if err := a.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return configError(fmt.Errorf("failed to read config file: %w", err))
			}
		}
	}

	a.cfg = a.loadConfig()
	log, err := logger.NewLogger(a.cfg.Log.Format, a.cfg.Log.Level)
	if err != nil {
		return configError(err)
	}
	a.log = log
	a.metrics = metrics.NewCollector(prometheus.NewRegistry())
	a.registry = modules.NewRegistry()

	if used := a.v.ConfigFileUsed(); used != "" {
		a.log.Debug("Loaded engine config", zap.String("path", used))
	}
	return nil
}

func (a *app) loadConfig() Config {
	var cfg Config
	cfg.Pipeline = a.v.GetString(pipelineKey)
	cfg.Store = a.v.GetString(storeKey)
	cfg.Processes = a.v.GetInt(processesKey)
	cfg.Log.Level = a.v.GetString(logLevelKey)
	cfg.Log.Format = a.v.GetString(logFormatKey)
	cfg.Metrics.Addr = a.v.GetString(metricsAddrKey)
	return cfg
}

// loadPipeline loads and typechecks the configured pipeline. Every failure
// here is a configuration failure.
func (a *app) loadPipeline() (*pipeline.Pipeline, error) {
	p, err := pipeline.Load(a.cfg.Pipeline, a.registry, a.cfg.Store, a.log)
	if err != nil {
		return nil, configError(err)
	}
	if err := p.Typecheck(); err != nil {
		return nil, configError(err)
	}
	return p, nil
}

// serveMetrics starts the metrics endpoint when configured. The returned
// function stops it and waits for the server to exit.
func (a *app) serveMetrics(ctx context.Context) func() {
	if a.cfg.Metrics.Addr == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.log.Info("Serving metrics", zap.String("addr", a.cfg.Metrics.Addr))
		if err := a.metrics.StartServer(ctx, a.cfg.Metrics.Addr); err != nil {
			a.log.Warn("Metrics server failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// positional wraps an argument validator so that usage mistakes exit with
// the configuration code.
func positional(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return configError(check(cmd, args))
	}
}

func (a *app) buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective engine config",
		Args:  positional(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeConfig(cmd.OutOrStdout(), a.cfg)
		},
	}
}

func writeConfig(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
