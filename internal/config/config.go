package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dealvault/scalecore/pkg/errors"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SCALECORE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Circuit  CircuitConfig  `yaml:"circuit"`
	Scaling  ScalingConfig  `yaml:"scaling"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Capacity CapacityConfig `yaml:"capacity"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig configures the demo host served by the CLI
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// CircuitConfig represents circuit breaker settings
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// ScalingConfig represents auto-scaler settings
type ScalingConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MinInstances       int           `yaml:"min_instances"`
	MaxInstances       int           `yaml:"max_instances"`
	ScaleStep          int           `yaml:"scale_step"`
	CooldownPeriod     time.Duration `yaml:"cooldown_period"`
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
	ScaleUpCPUPct      float64       `yaml:"scale_up_cpu_pct"`
	ScaleUpMemPct      float64       `yaml:"scale_up_mem_pct"`
	ScaleDownCPUPct    float64       `yaml:"scale_down_cpu_pct"`
	ScaleDownMemPct    float64       `yaml:"scale_down_mem_pct"`
	ScaleUpOnCritical  bool          `yaml:"scale_up_on_critical"`
	HistorySize        int           `yaml:"history_size"`
}

// MonitorConfig represents performance monitor settings
type MonitorConfig struct {
	RetentionWindowSize int                     `yaml:"retention_window_size"`
	MaxCategories       int                     `yaml:"max_categories"`
	CategoryIdleTTL     time.Duration           `yaml:"category_idle_ttl"`
	EvictionInterval    time.Duration           `yaml:"eviction_interval"`
	DefaultBudget       BudgetConfig            `yaml:"default_budget"`
	Budgets             map[string]BudgetConfig `yaml:"budgets"`
}

// BudgetConfig holds the health thresholds of one category
type BudgetConfig struct {
	WarningErrorRate  float64 `yaml:"warning_error_rate"`
	CriticalErrorRate float64 `yaml:"critical_error_rate"`
	WarningP95Millis  float64 `yaml:"warning_p95_ms"`
	CriticalP95Millis float64 `yaml:"critical_p95_ms"`
}

// MetricsConfig represents Prometheus export settings
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Namespace      string `yaml:"namespace"`
	Path           string `yaml:"path"`
	RuntimeMetrics bool   `yaml:"runtime_metrics"`
}

// CapacityConfig selects the provisioning backend
type CapacityConfig struct {
	Backend          string    `yaml:"backend"` // static, asg
	InitialInstances int       `yaml:"initial_instances"`
	ASG              ASGConfig `yaml:"asg"`
}

// ASGConfig identifies an AWS Auto Scaling group
type ASGConfig struct {
	GroupName       string `yaml:"group_name"`
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	HonorCooldown   bool   `yaml:"honor_cooldown"`
}

// CacheConfig represents the Redis cache collaborator
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	StatusKey   string        `yaml:"status_key"`
	StatusTTL   time.Duration `yaml:"status_ttl"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Scaling: ScalingConfig{
			Enabled:            true,
			MinInstances:       2,
			MaxInstances:       10,
			ScaleStep:          1,
			CooldownPeriod:     5 * time.Minute,
			EvaluationInterval: 30 * time.Second,
			ScaleUpCPUPct:      80,
			ScaleUpMemPct:      85,
			ScaleDownCPUPct:    30,
			ScaleDownMemPct:    40,
			ScaleUpOnCritical:  true,
			HistorySize:        100,
		},
		Monitor: MonitorConfig{
			RetentionWindowSize: 1000,
			MaxCategories:       64,
			CategoryIdleTTL:     time.Hour,
			EvictionInterval:    time.Minute,
			DefaultBudget: BudgetConfig{
				WarningErrorRate:  0.05,
				CriticalErrorRate: 0.10,
				WarningP95Millis:  1000,
				CriticalP95Millis: 2000,
			},
			Budgets: map[string]BudgetConfig{
				"api": {
					WarningErrorRate:  0.05,
					CriticalErrorRate: 0.10,
					WarningP95Millis:  500,
					CriticalP95Millis: 1000,
				},
				"database": {
					WarningErrorRate:  0.02,
					CriticalErrorRate: 0.05,
					WarningP95Millis:  200,
					CriticalP95Millis: 500,
				},
				"ai-inference": {
					WarningErrorRate:  0.05,
					CriticalErrorRate: 0.15,
					WarningP95Millis:  5000,
					CriticalP95Millis: 10000,
				},
			},
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Namespace:      "scalecore",
			Path:           "/metrics",
			RuntimeMetrics: true,
		},
		Capacity: CapacityConfig{
			Backend:          "static",
			InitialInstances: 2,
		},
		Cache: CacheConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			StatusKey:   "scalecore:status",
			StatusTTL:   time.Minute,
			PingTimeout: 500 * time.Millisecond,
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and the environment.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to parse config file").
			WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables. Unparseable
// values are reported rather than silently ignored.
func (c *Configuration) LoadFromEnv() error {
	e := envReader{}

	e.stringVar("SERVER_ADDR", &c.Server.Addr)
	e.stringVar("LOG_LEVEL", &c.Logging.Level)
	e.stringVar("LOG_FORMAT", &c.Logging.Format)

	e.intVar("FAILURE_THRESHOLD", &c.Circuit.FailureThreshold)
	e.durationVar("RECOVERY_TIMEOUT", &c.Circuit.RecoveryTimeout)

	e.boolVar("SCALING_ENABLED", &c.Scaling.Enabled)
	e.intVar("MIN_INSTANCES", &c.Scaling.MinInstances)
	e.intVar("MAX_INSTANCES", &c.Scaling.MaxInstances)
	e.intVar("SCALE_STEP", &c.Scaling.ScaleStep)
	e.durationVar("COOLDOWN_PERIOD", &c.Scaling.CooldownPeriod)
	e.durationVar("EVALUATION_INTERVAL", &c.Scaling.EvaluationInterval)
	e.floatVar("SCALE_UP_CPU_PCT", &c.Scaling.ScaleUpCPUPct)
	e.floatVar("SCALE_UP_MEM_PCT", &c.Scaling.ScaleUpMemPct)
	e.floatVar("SCALE_DOWN_CPU_PCT", &c.Scaling.ScaleDownCPUPct)
	e.floatVar("SCALE_DOWN_MEM_PCT", &c.Scaling.ScaleDownMemPct)

	e.intVar("RETENTION_WINDOW_SIZE", &c.Monitor.RetentionWindowSize)
	e.intVar("MAX_CATEGORIES", &c.Monitor.MaxCategories)

	e.boolVar("METRICS_ENABLED", &c.Metrics.Enabled)

	e.stringVar("CAPACITY_BACKEND", &c.Capacity.Backend)
	e.stringVar("ASG_GROUP_NAME", &c.Capacity.ASG.GroupName)
	e.stringVar("ASG_REGION", &c.Capacity.ASG.Region)

	e.boolVar("CACHE_ENABLED", &c.Cache.Enabled)
	e.stringVar("CACHE_ADDR", &c.Cache.Addr)
	e.stringVar("CACHE_PASSWORD", &c.Cache.Password)

	if len(e.errs) > 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, strings.Join(e.errs, "; ")).
			WithOperation("load_env")
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks every bound the control loops rely on. All problems are
// reported together so an operator can fix a file in one pass.
func (c *Configuration) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Circuit.FailureThreshold <= 0 {
		add("circuit.failure_threshold must be greater than 0")
	}
	if c.Circuit.RecoveryTimeout <= 0 {
		add("circuit.recovery_timeout must be greater than 0")
	}

	s := c.Scaling
	if s.MinInstances < 0 {
		add("scaling.min_instances must not be negative")
	}
	if s.MaxInstances <= 0 {
		add("scaling.max_instances must be greater than 0")
	}
	if s.MaxInstances > math.MaxInt32 {
		add("scaling.max_instances must not exceed %d", math.MaxInt32)
	}
	if s.MinInstances > s.MaxInstances {
		add("scaling.min_instances (%d) must not exceed scaling.max_instances (%d)", s.MinInstances, s.MaxInstances)
	}
	if s.ScaleStep <= 0 {
		add("scaling.scale_step must be greater than 0")
	}
	if s.CooldownPeriod < 0 {
		add("scaling.cooldown_period must not be negative")
	}
	if s.Enabled && s.EvaluationInterval <= 0 {
		add("scaling.evaluation_interval must be greater than 0")
	}
	for name, v := range map[string]float64{
		"scale_up_cpu_pct":   s.ScaleUpCPUPct,
		"scale_up_mem_pct":   s.ScaleUpMemPct,
		"scale_down_cpu_pct": s.ScaleDownCPUPct,
		"scale_down_mem_pct": s.ScaleDownMemPct,
	} {
		if v < 0 || v > 100 {
			add("scaling.%s must be within [0, 100], got %v", name, v)
		}
	}
	if s.ScaleDownCPUPct >= s.ScaleUpCPUPct {
		add("scaling.scale_down_cpu_pct must be below scaling.scale_up_cpu_pct")
	}
	if s.ScaleDownMemPct >= s.ScaleUpMemPct {
		add("scaling.scale_down_mem_pct must be below scaling.scale_up_mem_pct")
	}

	m := c.Monitor
	if m.RetentionWindowSize <= 0 {
		add("monitor.retention_window_size must be greater than 0")
	}
	if m.MaxCategories <= 0 {
		add("monitor.max_categories must be greater than 0")
	}
	validateBudget := func(name string, b BudgetConfig) {
		if b.WarningErrorRate < 0 || b.CriticalErrorRate > 1 || b.WarningErrorRate > b.CriticalErrorRate {
			add("monitor budget %q: error rates must satisfy 0 <= warning <= critical <= 1", name)
		}
		if b.WarningP95Millis < 0 || b.WarningP95Millis > b.CriticalP95Millis {
			add("monitor budget %q: p95 budgets must satisfy 0 <= warning <= critical", name)
		}
	}
	validateBudget("default", m.DefaultBudget)
	for name, b := range m.Budgets {
		validateBudget(name, b)
	}

	switch c.Capacity.Backend {
	case "static":
		if c.Capacity.InitialInstances < 0 {
			add("capacity.initial_instances must not be negative")
		}
	case "asg":
		if c.Capacity.ASG.GroupName == "" {
			add("capacity.asg.group_name is required for the asg backend")
		}
	default:
		add("capacity.backend must be one of: static, asg (got %q)", c.Capacity.Backend)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("invalid logging.level: %s (must be one of: debug, info, warn, error)", c.Logging.Level)
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		add("cache.addr is required when the cache is enabled")
	}

	if len(problems) > 0 {
		return errors.NewError(errors.ErrCodeConfigValidation, strings.Join(problems, "; ")).
			WithComponent("config").
			WithDetail("problems", len(problems))
	}
	return nil
}

type envReader struct {
	errs []string
}

func (e *envReader) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) fail(key, val string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, key, val, err))
}

func (e *envReader) stringVar(key string, dst *string) {
	if val, ok := e.lookup(key); ok {
		*dst = val
	}
}

func (e *envReader) intVar(key string, dst *int) {
	if val, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) floatVar(key string, dst *float64) {
	if val, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolVar(key string, dst *bool) {
	if val, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	if val, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = d
	}
}
