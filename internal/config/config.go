package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// Configuration represents the complete Switchyard configuration
type Configuration struct {
	Global         GlobalConfig         `yaml:"global"`
	Health         HealthConfig         `yaml:"health"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Resources      ResourceConfig       `yaml:"resources"`
	Scaling        ScalingConfig        `yaml:"scaling"`
	Router         RouterConfig         `yaml:"router"`
	DeadLetter     DeadLetterConfig     `yaml:"dead_letter"`
	Adapters       AdaptersConfig       `yaml:"adapters"`
	Lifecycle      LifecycleConfig      `yaml:"lifecycle"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	API            APIConfig            `yaml:"api"`
	Archive        ArchiveConfig        `yaml:"archive"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`
	LogFile   string `yaml:"log_file"`

	// Rotation of LogFile; 0 never rotates.
	LogMaxSizeMB  int  `yaml:"log_max_size_mb" validate:"gte=0"`
	LogMaxBackups int  `yaml:"log_max_backups" validate:"gte=0"`
	LogCompress   bool `yaml:"log_compress"`
}

// HealthConfig configures the health monitor sweep
type HealthConfig struct {
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	CheckTimeout time.Duration `yaml:"check_timeout" validate:"gt=0"`
	// StaggerFraction is the share of the interval over which check starts are spread.
	StaggerFraction float64 `yaml:"stagger_fraction" validate:"gte=0,lte=1"`
}

// CircuitBreakerConfig represents per-adapter breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"min=1"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" validate:"gt=0"`
}

// ResourceConfig configures the resource sampler
type ResourceConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval" validate:"gt=0"`
	WindowSize     int           `yaml:"window_size" validate:"min=2"`
	AnomalyStdDevs float64       `yaml:"anomaly_std_devs" validate:"gt=0"`
	DiskPath       string        `yaml:"disk_path" validate:"required"`
}

// ScalingConfig configures forecasting and the degradation policy
type ScalingConfig struct {
	Enabled              bool          `yaml:"enabled"`
	EvaluationInterval   time.Duration `yaml:"evaluation_interval" validate:"gt=0"`
	Horizon              time.Duration `yaml:"horizon" validate:"gt=0"`
	HighThreshold        float64       `yaml:"high_threshold" validate:"gt=0,lte=100"`
	LowThreshold         float64       `yaml:"low_threshold" validate:"gt=0,lte=100"`
	EmergencyThreshold   float64       `yaml:"emergency_threshold" validate:"gt=0,lte=100"`
	SmoothingWeight      float64       `yaml:"smoothing_weight" validate:"gt=0,lte=1"`
	MinRegressionSamples int           `yaml:"min_regression_samples" validate:"min=2"`
	Cooldown             time.Duration `yaml:"cooldown" validate:"gte=0"`
	AuditSize            int           `yaml:"audit_size" validate:"min=1"`

	// ShedMetrics are the metrics whose projection may shed adapters. Disk is
	// left out by default since disabling adapters does not free disk.
	ShedMetrics []string `yaml:"shed_metrics" validate:"required,dive,oneof=cpu memory disk"`
}

// RouterConfig configures request routing and isolation
type RouterConfig struct {
	Deadline                time.Duration `yaml:"deadline" validate:"gt=0"`
	MaxConcurrentPerAdapter int64         `yaml:"max_concurrent_per_adapter" validate:"min=1"`
	// SuccessRateDecay is the weight of the newest outcome in the success-rate average.
	SuccessRateDecay float64 `yaml:"success_rate_decay" validate:"gt=0,lt=1"`
}

// DeadLetterConfig configures the retry queue
type DeadLetterConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gt=0"`
	Multiplier   float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter       bool          `yaml:"jitter"`
	// MaxAttempts of 0 retries forever, logging a warning every WarnEvery attempts.
	MaxAttempts      int     `yaml:"max_attempts" validate:"gte=0"`
	WarnEvery        int     `yaml:"warn_every" validate:"min=1"`
	MaxDepth         int     `yaml:"max_depth" validate:"min=1"`
	RetriesPerSecond float64 `yaml:"retries_per_second" validate:"gt=0"`
	RetryBurst       int     `yaml:"retry_burst" validate:"min=1"`
	RetryConcurrency int     `yaml:"retry_concurrency" validate:"min=1"`
}

// AdaptersConfig configures adapter loading and degradation priority
type AdaptersConfig struct {
	// DegradationOrder lists adapters least-critical first. Adapters not listed
	// are shed after the listed ones, in name order.
	DegradationOrder []string `yaml:"degradation_order"`
	Essential        []string `yaml:"essential"`
	// Disabled adapters are discovered but not loaded at start.
	Disabled        []string                     `yaml:"disabled"`
	InitTimeout     time.Duration                `yaml:"init_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration                `yaml:"shutdown_timeout" validate:"gt=0"`
	Settings        map[string]map[string]string `yaml:"settings"`
}

// LifecycleConfig configures start/stop behavior
type LifecycleConfig struct {
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gt=0"`
}

// MetricsConfig configures the prometheus sink
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"required"`
}

// APIConfig configures the HTTP status API
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address" validate:"required_if=Enabled true"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" validate:"gte=0"`
}

// ArchiveConfig configures the S3 archive of terminal dead-letter entries
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
}

// NewDefault creates a configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "json",
			LogMaxSizeMB:  100,
			LogMaxBackups: 5,
		},
		Health: HealthConfig{
			Interval:        5 * time.Second,
			CheckTimeout:    200 * time.Millisecond,
			StaggerFraction: 0.5,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     30 * time.Second,
		},
		Resources: ResourceConfig{
			SampleInterval: 30 * time.Second,
			WindowSize:     60,
			AnomalyStdDevs: 3.0,
			DiskPath:       "/",
		},
		Scaling: ScalingConfig{
			Enabled:              true,
			EvaluationInterval:   30 * time.Second,
			Horizon:              5 * time.Minute,
			HighThreshold:        80,
			LowThreshold:         65,
			EmergencyThreshold:   95,
			SmoothingWeight:      0.7,
			MinRegressionSamples: 10,
			Cooldown:             60 * time.Second,
			AuditSize:            100,
			ShedMetrics:          []string{"cpu", "memory"},
		},
		Router: RouterConfig{
			Deadline:                30 * time.Second,
			MaxConcurrentPerAdapter: 32,
			SuccessRateDecay:        0.2,
		},
		DeadLetter: DeadLetterConfig{
			InitialDelay:     1 * time.Second,
			MaxDelay:         30 * time.Second,
			Multiplier:       2.0,
			MaxAttempts:      10,
			WarnEvery:        10,
			MaxDepth:         10000,
			RetriesPerSecond: 50,
			RetryBurst:       10,
			RetryConcurrency: 8,
		},
		Adapters: AdaptersConfig{
			InitTimeout:     10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			Settings:        map[string]map[string]string{},
		},
		Lifecycle: LifecycleConfig{
			ShutdownGrace: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "switchyard",
		},
		API: APIConfig{
			Enabled:      false,
			Address:      "localhost:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 35 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Archive: ArchiveConfig{
			Prefix:  "dead-letter",
			Region:  "us-east-1",
			Timeout: 10 * time.Second,
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and the
// environment, then validates it.
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from SWITCHYARD_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("SWITCHYARD_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("SWITCHYARD_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = strings.ToLower(val)
	}
	if val := os.Getenv("SWITCHYARD_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	if val := os.Getenv("SWITCHYARD_HEALTH_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid SWITCHYARD_HEALTH_INTERVAL: %w", err)
		}
		c.Health.Interval = d
	}
	if val := os.Getenv("SWITCHYARD_ROUTER_DEADLINE"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid SWITCHYARD_ROUTER_DEADLINE: %w", err)
		}
		c.Router.Deadline = d
	}
	if val := os.Getenv("SWITCHYARD_DLQ_MAX_ATTEMPTS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid SWITCHYARD_DLQ_MAX_ATTEMPTS: %w", err)
		}
		c.DeadLetter.MaxAttempts = n
	}

	if val := os.Getenv("SWITCHYARD_SCALING_ENABLED"); val != "" {
		c.Scaling.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SWITCHYARD_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SWITCHYARD_API_ADDRESS"); val != "" {
		c.API.Address = val
		c.API.Enabled = true
	}
	if val := os.Getenv("SWITCHYARD_ARCHIVE_BUCKET"); val != "" {
		c.Archive.Bucket = val
		c.Archive.Enabled = true
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

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidationError represents a field-level validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors holds every problem found in a configuration
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(messages, "; "))
}

func (v *ValidationErrors) add(field, format string, args ...interface{}) {
	v.Errors = append(v.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	errs := &ValidationErrors{}

	if err := validate.Struct(c); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("validation failed: %w", err)
		}
		for _, e := range fieldErrs {
			errs.add(fieldPath(e.Namespace()), "%s", formatValidationMessage(e))
		}
	}

	s := c.Scaling
	if !(s.LowThreshold < s.HighThreshold && s.HighThreshold < s.EmergencyThreshold) {
		errs.add("scaling", "thresholds must satisfy low < high < emergency (got %.1f, %.1f, %.1f)",
			s.LowThreshold, s.HighThreshold, s.EmergencyThreshold)
	}

	if c.Health.CheckTimeout >= c.Health.Interval {
		errs.add("health.check_timeout", "must be shorter than health.interval")
	}

	if c.DeadLetter.InitialDelay > c.DeadLetter.MaxDelay {
		errs.add("dead_letter.initial_delay", "must not exceed dead_letter.max_delay")
	}

	essential := make(map[string]bool, len(c.Adapters.Essential))
	for _, name := range c.Adapters.Essential {
		essential[name] = true
	}
	seen := make(map[string]bool, len(c.Adapters.DegradationOrder))
	for _, name := range c.Adapters.DegradationOrder {
		if seen[name] {
			errs.add("adapters.degradation_order", "adapter %q listed twice", name)
		}
		seen[name] = true
		if essential[name] {
			errs.add("adapters.degradation_order", "essential adapter %q cannot be shed", name)
		}
	}

	if len(errs.Errors) > 0 {
		return errs
	}
	return nil
}

func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "lt":
		return fmt.Sprintf("must be less than %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed %s validation", e.Tag())
	}
}
