// Package config provides the debugger's process configuration.
//
// Configuration is assembled in three layers: DefaultCoreConfig, an optional
// YAML file (LoadFile) and environment overrides (ApplyEnv). Only ApplyEnv
// touches the environment, and only through the lookup it is given.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// CoreConfig holds the full debugger configuration.
type CoreConfig struct {
	Oracle    OracleConfig    `yaml:"oracle" json:"oracle"`
	Workflow  WorkflowConfig  `yaml:"workflow" json:"workflow"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Limits    LimitsConfig    `yaml:"limits" json:"limits"`
	Dashboard DashboardConfig `yaml:"dashboard" json:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
}

// OracleConfig configures the reasoning oracle client.
type OracleConfig struct {
	// APIKey is the process credential used by the dashboard and the CLI.
	// It is read from the environment only and never serialized.
	APIKey         string `yaml:"-" json:"-"`
	DefaultModel   string `yaml:"default_model" json:"default_model"`
	BaseURL        string `yaml:"base_url" json:"base_url"`
	Organization   string `yaml:"organization" json:"organization"`
	ResponseFormat string `yaml:"response_format" json:"response_format"` // json_schema, json_object, text

	// Timeout bounds a single oracle call.
	Timeout              time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts          int           `yaml:"max_attempts" json:"max_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval" json:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval" json:"retry_max_interval"`

	// RequestsPerSecond caps oracle calls process-wide. Zero disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`

	AnalysisTemperature float32 `yaml:"analysis_temperature" json:"analysis_temperature"`
	FixTemperature      float32 `yaml:"fix_temperature" json:"fix_temperature"`
	ReviewTemperature   float32 `yaml:"review_temperature" json:"review_temperature"`
	MaxTokens           int     `yaml:"max_tokens" json:"max_tokens"`
}

// WorkflowConfig configures the fix-review loop.
type WorkflowConfig struct {
	DefaultMaxIterations int `yaml:"default_max_iterations" json:"default_max_iterations"`
	// MaxIterationsLimit is the largest budget a caller may request.
	MaxIterationsLimit int `yaml:"max_iterations_limit" json:"max_iterations_limit"`
	// PromptsDir holds replacement stage templates. Empty uses the built-in set.
	PromptsDir string `yaml:"prompts_dir" json:"prompts_dir"`
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" json:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr" json:"grpc_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins" json:"cors_origins"`
}

// LimitsConfig configures request admission.
type LimitsConfig struct {
	// RequestsPerMinute per client over a sliding window. Zero disables it.
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour" json:"requests_per_hour"`
	// MaxConcurrentRuns caps in-flight runs process-wide. Zero disables it.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" json:"max_concurrent_runs"`
	// AdmissionWait is how long a request waits for a run slot.
	AdmissionWait time.Duration `yaml:"admission_wait" json:"admission_wait"`
	// RunTimeout bounds one whole run.
	RunTimeout time.Duration `yaml:"run_timeout" json:"run_timeout"`
	// MaxBodyBytes bounds request bodies on the HTTP surface.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// DashboardConfig configures the browser dashboard.
type DashboardConfig struct {
	Enabled              bool     `yaml:"enabled" json:"enabled"`
	Models               []string `yaml:"models" json:"models"`
	MaxIterations        int      `yaml:"max_iterations" json:"max_iterations"`
	DefaultMaxIterations int      `yaml:"default_max_iterations" json:"default_max_iterations"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json, console
}

// TracingConfig configures OpenTelemetry export. An empty Endpoint disables it.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	Environment string  `yaml:"environment" json:"environment"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
}

// DefaultCoreConfig returns a CoreConfig with default values.
func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		Oracle: OracleConfig{
			DefaultModel:         "gpt-4",
			ResponseFormat:       "json_schema",
			Timeout:              60 * time.Second,
			MaxAttempts:          3,
			RetryInitialInterval: 500 * time.Millisecond,
			RetryMaxInterval:     5 * time.Second,
			Burst:                1,
			AnalysisTemperature:  0.1,
			FixTemperature:       0.2,
			ReviewTemperature:    0.1,
		},
		Workflow: WorkflowConfig{
			DefaultMaxIterations: 3,
			MaxIterationsLimit:   10,
		},
		Server: ServerConfig{
			HTTPAddr:        ":8000",
			GRPCAddr:        ":50051",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Limits: LimitsConfig{
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			MaxConcurrentRuns: 8,
			AdmissionWait:     5 * time.Second,
			RunTimeout:        5 * time.Minute,
			MaxBodyBytes:      1 << 20,
		},
		Dashboard: DashboardConfig{
			Enabled:              true,
			Models:               []string{"gpt-4", "gpt-4o-mini", "gpt-3.5-turbo"},
			MaxIterations:        5,
			DefaultMaxIterations: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "codedebugger",
			SampleRatio: 1.0,
			Insecure:    true,
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// LoadFile reads a YAML file over the defaults. Unknown keys are rejected.
func LoadFile(path string) (*CoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*CoreConfig, error) {
	cfg := DefaultCoreConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Environment variables read by ApplyEnv.
const (
	EnvOpenAIAPIKey  = "OPENAI_API_KEY"
	EnvOpenAIModel   = "OPENAI_MODEL"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	EnvHTTPAddr      = "DEBUGGER_HTTP_ADDR"
	EnvGRPCAddr      = "DEBUGGER_GRPC_ADDR"
	EnvLogLevel      = "DEBUGGER_LOG_LEVEL"
	EnvOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// ApplyEnv overrides fields from the environment. Empty values are ignored.
func (c *CoreConfig) ApplyEnv(lookup LookupFunc) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvOpenAIAPIKey, &c.Oracle.APIKey)
	set(EnvOpenAIModel, &c.Oracle.DefaultModel)
	set(EnvOpenAIBaseURL, &c.Oracle.BaseURL)
	set(EnvHTTPAddr, &c.Server.HTTPAddr)
	set(EnvGRPCAddr, &c.Server.GRPCAddr)
	set(EnvLogLevel, &c.Logging.Level)
	set(EnvOTLPEndpoint, &c.Tracing.Endpoint)
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports every invalid field at once.
func (c *CoreConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Oracle.DefaultModel != "", "oracle.default_model is required")
	switch c.Oracle.ResponseFormat {
	case "json_schema", "json_object", "text":
	default:
		errs = append(errs, fmt.Errorf("oracle.response_format %q must be one of json_schema, json_object, text", c.Oracle.ResponseFormat))
	}
	check(c.Oracle.Timeout > 0, "oracle.timeout must be positive")
	check(c.Oracle.MaxAttempts >= 1, "oracle.max_attempts must be >= 1")
	check(c.Oracle.RequestsPerSecond >= 0, "oracle.requests_per_second must be >= 0")
	for name, temp := range map[string]float32{
		"analysis_temperature": c.Oracle.AnalysisTemperature,
		"fix_temperature":      c.Oracle.FixTemperature,
		"review_temperature":   c.Oracle.ReviewTemperature,
	} {
		check(temp >= 0 && temp <= 2, "oracle.%s %.2f must be within [0, 2]", name, temp)
	}

	check(c.Workflow.DefaultMaxIterations >= 1, "workflow.default_max_iterations must be >= 1")
	check(c.Workflow.MaxIterationsLimit == 0 || c.Workflow.MaxIterationsLimit >= c.Workflow.DefaultMaxIterations,
		"workflow.max_iterations_limit %d is below default_max_iterations %d",
		c.Workflow.MaxIterationsLimit, c.Workflow.DefaultMaxIterations)

	check(c.Server.HTTPAddr != "" || c.Server.GRPCAddr != "", "server needs http_addr or grpc_addr")
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")

	check(c.Limits.RequestsPerMinute >= 0, "limits.requests_per_minute must be >= 0")
	check(c.Limits.RequestsPerHour >= 0, "limits.requests_per_hour must be >= 0")
	check(c.Limits.MaxConcurrentRuns >= 0, "limits.max_concurrent_runs must be >= 0")
	check(c.Limits.RunTimeout >= 0, "limits.run_timeout must be >= 0")

	if c.Dashboard.Enabled {
		check(len(c.Dashboard.Models) > 0, "dashboard.models must not be empty")
		check(c.Dashboard.MaxIterations >= 1, "dashboard.max_iterations must be >= 1")
		check(c.Dashboard.DefaultMaxIterations >= 1 && c.Dashboard.DefaultMaxIterations <= c.Dashboard.MaxIterations,
			"dashboard.default_max_iterations must be within [1, %d]", c.Dashboard.MaxIterations)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}

	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be within [0, 1]")
	check(c.Tracing.Endpoint == "" || c.Tracing.ServiceName != "", "tracing.service_name is required when an endpoint is set")

	return errors.Join(errs...)
}

// =============================================================================
// GLOBAL CONFIG (set by the serve command at startup)
// =============================================================================

var (
	globalCoreConfig *CoreConfig
	configMu         sync.RWMutex
)

// GetCoreConfig gets the core configuration instance.
// Returns the injected config or defaults.
func GetCoreConfig() *CoreConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalCoreConfig == nil {
		return DefaultCoreConfig()
	}
	return globalCoreConfig
}

// SetCoreConfig sets the core configuration instance.
func SetCoreConfig(config *CoreConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = config
}

// ResetCoreConfig resets core config to nil (useful for testing).
// After reset, GetCoreConfig() will return defaults.
func ResetCoreConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = nil
}
