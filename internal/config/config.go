// Package config holds the root configuration for searchrelay. It is loaded
// once from Viper (file + SEARCHRELAY_* environment) and read everywhere else.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger"`
	Browser BrowserConfig `mapstructure:"browser"`
	Search  SearchConfig  `mapstructure:"search"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Health  HealthConfig  `mapstructure:"health"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Monitor MonitorConfig `mapstructure:"monitor"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug"`
	Info  string `mapstructure:"info"`
	Warn  string `mapstructure:"warn"`
	Error string `mapstructure:"error"`
	Fatal string `mapstructure:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	AddSource   bool        `mapstructure:"add_source"`
	ServiceName string      `mapstructure:"service_name"`
	LogFile     string      `mapstructure:"log_file"`
	MaxSize     int         `mapstructure:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups"`
	MaxAge      int         `mapstructure:"max_age"`
	Compress    bool        `mapstructure:"compress"`
	Colors      ColorConfig `mapstructure:"colors"`
}

// BrowserConfig holds settings for the automation backend and session lifecycle.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors"`
	UserAgent       string        `mapstructure:"user_agent"`
	Platform        string        `mapstructure:"platform"`
	Languages       []string      `mapstructure:"languages"`
	ViewportWidth   int           `mapstructure:"viewport_width"`
	ViewportHeight  int           `mapstructure:"viewport_height"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout"`
	Humanoid        bool          `mapstructure:"humanoid"`
	ArtifactDir     string        `mapstructure:"artifact_dir"`
}

// SearchConfig describes the target search surface and its wait budgets.
type SearchConfig struct {
	URL               string        `mapstructure:"url"`
	InputSelectors    []string      `mapstructure:"input_selectors"`
	AnswerSelectors   []string      `mapstructure:"answer_selectors"`
	CaptchaSelectors  []string      `mapstructure:"captcha_selectors"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SelectorTimeout   time.Duration `mapstructure:"selector_timeout"`
	AnswerTimeout     time.Duration `mapstructure:"answer_timeout"`
}

// RetryConfig bounds the retry orchestrator and recovery coordinator.
type RetryConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	RecoveryWait       time.Duration `mapstructure:"recovery_wait"`
	CriticalErrorDelay time.Duration `mapstructure:"critical_error_delay"`
	CaptchaDelay       time.Duration `mapstructure:"captcha_delay"`
}

// QueueConfig drives the admission queue's token bucket.
type QueueConfig struct {
	MaxQueueSize   int           `mapstructure:"max_queue_size"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
	BurstSize      int           `mapstructure:"burst_size"`
}

// PoolConfig sizes the session pool.
type PoolConfig struct {
	Size           int           `mapstructure:"size"`
	InitTimeout    time.Duration `mapstructure:"init_timeout"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// HealthConfig drives the periodic health check manager.
type HealthConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	CheckTimeout      time.Duration `mapstructure:"check_timeout"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	RecoveryThreshold int           `mapstructure:"recovery_threshold"`
}

// BreakerConfig drives the per-category circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// MonitorConfig drives the resource monitor sampling loop.
type MonitorConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	MemWarningMB   int           `mapstructure:"mem_warning_mb"`
	MemCriticalMB  int           `mapstructure:"mem_critical_mb"`
	CPUWarningPct  float64       `mapstructure:"cpu_warning_pct"`
	CPUCriticalPct float64       `mapstructure:"cpu_critical_pct"`
}

// SetDefaults seeds Viper so the app can run with an empty config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "searchrelay")
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("browser.platform", "Win32")
	v.SetDefault("browser.languages", []string{"en-US", "en"})
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.idle_timeout", 5*time.Minute)
	v.SetDefault("browser.launch_timeout", 60*time.Second)
	v.SetDefault("browser.humanoid", true)
	v.SetDefault("browser.artifact_dir", "artifacts")

	v.SetDefault("search.url", "https://www.perplexity.ai/")
	v.SetDefault("search.input_selectors", []string{
		`textarea[placeholder*="Ask"]`,
		`textarea[placeholder*="Search"]`,
		`div[contenteditable="true"]`,
		`textarea`,
	})
	v.SetDefault("search.answer_selectors", []string{
		`.prose`,
		`[class*="answer"]`,
		`[class*="result"]`,
	})
	v.SetDefault("search.captcha_selectors", []string{
		`[class*="captcha"]`,
		`iframe[src*="challenge"]`,
		`iframe[src*="recaptcha"]`,
	})
	v.SetDefault("search.navigation_timeout", 45*time.Second)
	v.SetDefault("search.selector_timeout", 15*time.Second)
	v.SetDefault("search.answer_timeout", 90*time.Second)

	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.recovery_wait", 3*time.Second)
	v.SetDefault("retry.critical_error_delay", 12*time.Second)
	v.SetDefault("retry.captcha_delay", 5*time.Second)

	v.SetDefault("queue.max_queue_size", 50)
	v.SetDefault("queue.rate_limit", 2)
	v.SetDefault("queue.refill_interval", time.Second)
	v.SetDefault("queue.burst_size", 5)

	v.SetDefault("pool.size", 3)
	v.SetDefault("pool.init_timeout", 90*time.Second)
	v.SetDefault("pool.acquire_timeout", 30*time.Second)

	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.check_timeout", 10*time.Second)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.recovery_threshold", 2)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", 60*time.Second)

	v.SetDefault("monitor.sample_interval", 30*time.Second)
	v.SetDefault("monitor.mem_warning_mb", 1024)
	v.SetDefault("monitor.mem_critical_mb", 2048)
	v.SetDefault("monitor.cpu_warning_pct", 75)
	v.SetDefault("monitor.cpu_critical_pct", 90)
}

// Validate rejects configurations the resilience layer cannot run with.
func (c *Config) Validate() error {
	if c.Search.URL == "" {
		return fmt.Errorf("search.url must be set")
	}
	if len(c.Search.InputSelectors) == 0 {
		return fmt.Errorf("search.input_selectors must not be empty")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be >= 1, got %d", c.Retry.MaxRetries)
	}
	if c.Queue.MaxQueueSize < 1 {
		return fmt.Errorf("queue.max_queue_size must be >= 1, got %d", c.Queue.MaxQueueSize)
	}
	if c.Queue.BurstSize < 1 || c.Queue.RateLimit < 1 {
		return fmt.Errorf("queue.burst_size and queue.rate_limit must be >= 1")
	}
	if c.Queue.RefillInterval <= 0 {
		return fmt.Errorf("queue.refill_interval must be positive")
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be >= 1, got %d", c.Pool.Size)
	}
	if c.Health.FailureThreshold < 1 || c.Health.RecoveryThreshold < 1 {
		return fmt.Errorf("health thresholds must be >= 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Monitor.MemCriticalMB > 0 && c.Monitor.MemWarningMB > c.Monitor.MemCriticalMB {
		return fmt.Errorf("monitor.mem_warning_mb must not exceed monitor.mem_critical_mb")
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			loadErr = err
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}

// Set stores a configuration instance directly. Used by tests and by callers
// that assemble a Config without Viper.
func Set(cfg *Config) {
	instance = cfg
}

// Defaults returns a standalone Config populated with the default values.
// Convenient for tests and embedded use.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
