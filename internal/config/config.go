// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Browser      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	Target       TargetConfig       `mapstructure:"target" yaml:"target"`
	Credentials  CredentialsConfig  `mapstructure:"credentials" yaml:"credentials"`
	Session      SessionConfig      `mapstructure:"session" yaml:"session"`
	Interstitial InterstitialConfig `mapstructure:"interstitial" yaml:"interstitial"`
	Scan         ScanConfig         `mapstructure:"scan" yaml:"scan"`
	Schedule     ScheduleConfig     `mapstructure:"schedule" yaml:"schedule"`
	Notify       NotifyConfig       `mapstructure:"notify" yaml:"notify"`
	Diagnostics  DiagnosticsConfig  `mapstructure:"diagnostics" yaml:"diagnostics"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Vocabulary   VocabularyConfig   `mapstructure:"vocabulary" yaml:"vocabulary"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	PageLoadTimeout time.Duration `mapstructure:"page_load_timeout" yaml:"page_load_timeout"`
	ActionTimeout   time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	Stealth         bool          `mapstructure:"stealth" yaml:"stealth"`
	Timezone        string        `mapstructure:"timezone" yaml:"timezone"`
	Locale          string        `mapstructure:"locale" yaml:"locale"`
}

// TargetConfig names the resources on the booking site.
type TargetConfig struct {
	LoginURL   string `mapstructure:"login_url" yaml:"login_url"`
	BookingURL string `mapstructure:"booking_url" yaml:"booking_url"`
}

// CredentialsConfig is resolved from the environment. Secrets are never written back to YAML.
type CredentialsConfig struct {
	Identity      string `mapstructure:"identity" yaml:"-"`
	Secret        string `mapstructure:"secret" yaml:"-"`
	NotifyAddress string `mapstructure:"notify_address" yaml:"notify_address"`
}

// SessionConfig tunes login and session repair.
type SessionConfig struct {
	PageSettle  time.Duration `mapstructure:"page_settle" yaml:"page_settle"`
	LoginSettle time.Duration `mapstructure:"login_settle" yaml:"login_settle"`
	FieldWait   time.Duration `mapstructure:"field_wait" yaml:"field_wait"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffMin  time.Duration `mapstructure:"backoff_min" yaml:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

// InterstitialConfig tunes overlay dismissal.
type InterstitialConfig struct {
	ButtonWait    time.Duration `mapstructure:"button_wait" yaml:"button_wait"`
	MaxChecks     int           `mapstructure:"max_checks" yaml:"max_checks"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	MinZIndex     int           `mapstructure:"min_z_index" yaml:"min_z_index"`
}

// ScanConfig tunes the availability scanner.
type ScanConfig struct {
	// DayGating makes the target-day match a hard filter on candidate context.
	// When false the day match is advisory and only logged.
	DayGating      bool   `mapstructure:"day_gating" yaml:"day_gating"`
	ActionSelector string `mapstructure:"action_selector" yaml:"action_selector"`
	ActionKeyword  string `mapstructure:"action_keyword" yaml:"action_keyword"`
}

// ScheduleConfig drives the poll cadence.
type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Jitter   time.Duration `mapstructure:"jitter" yaml:"jitter"`
	MinDelay time.Duration `mapstructure:"min_delay" yaml:"min_delay"`
}

// NotifyConfig configures the notification gate and the SMTP sink.
type NotifyConfig struct {
	// Rearm resets the gate when a genuine scan later finds no availability.
	Rearm       bool          `mapstructure:"rearm" yaml:"rearm"`
	SMTPHost    string        `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort    int           `mapstructure:"smtp_port" yaml:"smtp_port"`
	Sender      string        `mapstructure:"sender" yaml:"sender"`
	Password    string        `mapstructure:"password" yaml:"-"`
	Subject     string        `mapstructure:"subject" yaml:"subject"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	AttachShots bool          `mapstructure:"attach_screenshots" yaml:"attach_screenshots"`
}

// DiagnosticsConfig configures the screenshot sink.
type DiagnosticsConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Dir        string  `mapstructure:"dir" yaml:"dir"`
	MaxFiles   int     `mapstructure:"max_files" yaml:"max_files"`
	RatePerMin float64 `mapstructure:"rate_per_min" yaml:"rate_per_min"`
	Burst      int     `mapstructure:"burst" yaml:"burst"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "slotwatch")
	v.SetDefault("logger.log_file", "slotwatch.log")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.args", []string{"--disable-notifications", "--disable-popup-blocking", "--start-maximized"})
	v.SetDefault("browser.page_load_timeout", "30s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.timezone", "Asia/Singapore")
	v.SetDefault("browser.locale", "en-SG")

	// -- Target --
	v.SetDefault("target.login_url", "https://thekallang.perfectgym.com/clientportal2/#/Login")
	v.SetDefault("target.booking_url", "https://thekallang.perfectgym.com/clientportal2/#/FacilityBooking?clubId=1&zoneTypeId=42")

	// -- Session --
	v.SetDefault("session.page_settle", "3s")
	v.SetDefault("session.login_settle", "5s")
	v.SetDefault("session.field_wait", "10s")
	v.SetDefault("session.max_retries", 3)
	v.SetDefault("session.backoff_min", "5s")
	v.SetDefault("session.backoff_max", "30s")

	// -- Interstitial --
	v.SetDefault("interstitial.button_wait", "3s")
	v.SetDefault("interstitial.max_checks", 5)
	v.SetDefault("interstitial.check_interval", "2s")
	v.SetDefault("interstitial.min_z_index", 1000)

	// -- Scan --
	v.SetDefault("scan.day_gating", false)
	v.SetDefault("scan.action_selector", "button, [role='button'], input[type='submit'], input[type='button']")
	v.SetDefault("scan.action_keyword", "book")

	// -- Schedule --
	v.SetDefault("schedule.interval", "300s")
	v.SetDefault("schedule.jitter", "300s")
	v.SetDefault("schedule.min_delay", "30s")

	// -- Notify --
	v.SetDefault("notify.rearm", false)
	v.SetDefault("notify.smtp_host", "smtp.gmail.com")
	v.SetDefault("notify.smtp_port", 465)
	v.SetDefault("notify.subject", "KALLANG PICKLEBALL - %d SLOTS FOUND!")
	v.SetDefault("notify.timeout", "30s")
	v.SetDefault("notify.attach_screenshots", true)

	// -- Diagnostics --
	v.SetDefault("diagnostics.enabled", true)
	v.SetDefault("diagnostics.dir", "~/.slotwatch/diagnostics")
	v.SetDefault("diagnostics.max_files", 200)
	v.SetDefault("diagnostics.rate_per_min", 30.0)
	v.SetDefault("diagnostics.burst", 10)

	// -- Metrics --
	v.SetDefault("metrics.listen_addr", "")

	setVocabularyDefaults(v)
}

// BindEnvironment binds the credential variables the bot has always used, alongside the
// SLOTWATCH_ prefixed keys picked up by AutomaticEnv.
func BindEnvironment(v *viper.Viper) {
	_ = v.BindEnv("credentials.identity", "SLOTWATCH_CREDENTIALS_IDENTITY", "KALLANG_EMAIL")
	_ = v.BindEnv("credentials.secret", "SLOTWATCH_CREDENTIALS_SECRET", "KALLANG_PASSWORD")
	_ = v.BindEnv("credentials.notify_address", "SLOTWATCH_CREDENTIALS_NOTIFY_ADDRESS", "NOTIFICATION_EMAIL")
	_ = v.BindEnv("notify.sender", "SLOTWATCH_NOTIFY_SENDER", "GMAIL_SENDER")
	_ = v.BindEnv("notify.password", "SLOTWATCH_NOTIFY_PASSWORD", "GMAIL_APP_PASSWORD")
	_ = v.BindEnv("schedule.interval", "SLOTWATCH_SCHEDULE_INTERVAL", "CHECK_INTERVAL")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
// It does not validate credentials; call ValidateCredentials where they are required.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	BindEnvironment(v)
	normalizeInterval(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// normalizeInterval accepts the bare-seconds form of CHECK_INTERVAL ("300") alongside durations.
func normalizeInterval(v *viper.Viper) {
	raw := strings.TrimSpace(v.GetString("schedule.interval"))
	if raw == "" {
		return
	}
	if _, err := strconv.Atoi(raw); err == nil {
		v.Set("schedule.interval", raw+"s")
	}
}

// Load builds the configuration from v and fails fast on missing credentials.
// requireNotify also demands the mail transport settings.
func Load(v *viper.Viper, requireNotify bool) (*Config, error) {
	cfg, err := NewConfigFromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateCredentials(requireNotify); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv populates the process environment from .env style files. Missing files are
// ignored and variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load environment file %s: %w", path, err)
		}
	}
	return nil
}

// MissingValuesError lists every required configuration value that was not provided.
type MissingValuesError struct {
	Keys []string
}

func (e *MissingValuesError) Error() string {
	return fmt.Sprintf("missing required configuration values: %s", strings.Join(e.Keys, ", "))
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Target.LoginURL == "" || c.Target.BookingURL == "" {
		return fmt.Errorf("target.login_url and target.booking_url are required")
	}
	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be a positive duration")
	}
	if c.Schedule.Jitter < 0 {
		return fmt.Errorf("schedule.jitter must not be negative")
	}
	if c.Session.MaxRetries < 0 {
		return fmt.Errorf("session.max_retries must not be negative")
	}
	if c.Session.BackoffMax < c.Session.BackoffMin {
		return fmt.Errorf("session.backoff_max must be >= session.backoff_min")
	}
	if c.Interstitial.MaxChecks <= 0 {
		return fmt.Errorf("interstitial.max_checks must be a positive integer")
	}
	if err := c.Vocabulary.Validate(); err != nil {
		return fmt.Errorf("vocabulary configuration invalid: %w", err)
	}
	return nil
}

// ValidateCredentials fails fast, listing every missing required value at once.
// The mail transport settings are only required when notify is true.
func (c *Config) ValidateCredentials(notify bool) error {
	required := map[string]string{
		"credentials.identity (KALLANG_EMAIL)":  c.Credentials.Identity,
		"credentials.secret (KALLANG_PASSWORD)": c.Credentials.Secret,
	}
	if notify {
		required["credentials.notify_address (NOTIFICATION_EMAIL)"] = c.Credentials.NotifyAddress
		required["notify.sender (GMAIL_SENDER)"] = c.Notify.Sender
		required["notify.password (GMAIL_APP_PASSWORD)"] = c.Notify.Password
	}

	var missing []string
	for key, val := range required {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingValuesError{Keys: missing}
}
