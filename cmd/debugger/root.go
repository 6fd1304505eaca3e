package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/codedebugger/commbus"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/agents"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/config"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/runtime"
)

const busQueryTimeout = 5 * time.Second

// app carries the process collaborators shared by every subcommand.
type app struct {
	lookup config.LookupFunc
	// factory replaces the OpenAI factory when set.
	factory oracle.Factory
	// logger replaces the zap logger when set.
	logger logging.Logger

	configPath string
	logLevel   string
}

func newApp() *app {
	return &app{lookup: os.LookupEnv}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "debugger",
		Short: "Iterative AI code debugger",
		Long: `debugger analyzes buggy code and its error log, proposes a fix and has the
fix reviewed, looping until the reviewer approves or the iteration budget
is spent.

Configuration comes from an optional YAML file (--config) overlaid by the
environment (OPENAI_API_KEY, OPENAI_MODEL, DEBUGGER_HTTP_ADDR, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newRunCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

// =============================================================================
// Wiring
// =============================================================================

// loadConfig layers the file and the environment over the defaults,
// validates the result and installs it as the process configuration.
func (a *app) loadConfig() (*config.CoreConfig, error) {
	cfg := config.DefaultCoreConfig()
	if a.configPath != "" {
		loaded, err := config.LoadFile(a.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if a.lookup != nil {
		cfg.ApplyEnv(a.lookup)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	config.SetCoreConfig(cfg)
	return cfg, nil
}

// newLogger returns the logger and a flush function.
func (a *app) newLogger(cfg *config.CoreConfig) (logging.Logger, func(), error) {
	if a.logger != nil {
		return a.logger, func() {}, nil
	}
	zl, err := logging.NewZap(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return zl, func() { _ = zl.Sync() }, nil
}

func (a *app) oracleFactory(cfg *config.CoreConfig, logger logging.Logger) oracle.Factory {
	if a.factory != nil {
		return a.factory
	}
	oc := cfg.Oracle
	return oracle.NewOpenAIFactory(oracle.ClientConfig{
		BaseURL:        oc.BaseURL,
		Organization:   oc.Organization,
		ResponseFormat: oracle.ResponseFormat(oc.ResponseFormat),
		Retry: oracle.RetryPolicy{
			MaxAttempts:     oc.MaxAttempts,
			InitialInterval: oc.RetryInitialInterval,
			MaxInterval:     oc.RetryMaxInterval,
		},
		RequestsPerSecond: oc.RequestsPerSecond,
		Burst:             oc.Burst,
	}, logger)
}

func workflowConfig(cfg *config.CoreConfig) runtime.Config {
	stage := func(temperature float32) agents.StageConfig {
		return agents.StageConfig{
			Temperature: temperature,
			MaxTokens:   cfg.Oracle.MaxTokens,
			Timeout:     cfg.Oracle.Timeout,
		}
	}
	return runtime.Config{
		DefaultModel:         cfg.Oracle.DefaultModel,
		DefaultMaxIterations: cfg.Workflow.DefaultMaxIterations,
		MaxIterationsLimit:   cfg.Workflow.MaxIterationsLimit,
		Analyze:              stage(cfg.Oracle.AnalysisTemperature),
		Fix:                  stage(cfg.Oracle.FixTemperature),
		Review:               stage(cfg.Oracle.ReviewTemperature),
	}
}

// newWorkflow builds the controller with an in-process bus carrying its
// lifecycle events, and the configured prompt set.
func (a *app) newWorkflow(cfg *config.CoreConfig, logger logging.Logger) (*runtime.Workflow, error) {
	var opts []runtime.Option
	if dir := cfg.Workflow.PromptsDir; dir != "" {
		prompts, err := agents.ParsePrompts(os.DirFS(dir))
		if err != nil {
			return nil, fmt.Errorf("load prompts from %s: %w", dir, err)
		}
		opts = append(opts, runtime.WithPrompts(prompts))
	}

	bus := commbus.NewInMemoryCommBus(busQueryTimeout, logger)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	wf, err := runtime.NewWorkflow(workflowConfig(cfg), a.oracleFactory(cfg, logger), bus, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("build workflow: %w", err)
	}
	return wf, nil
}
