// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	// Embedded zone database so schedule timezones resolve on minimal hosts.
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Target() TargetConfig
	Applicant() ApplicantConfig
	Session() SessionConfig
	Challenge() ChallengeConfig
	Schedule() ScheduleConfig
	Workers() WorkersConfig
	Browser() BrowserConfig
	OCR() OCRConfig
	NTP() NTPConfig
	Notifier() NotifierConfig
	Evidence() EvidenceConfig
	Metrics() MetricsConfig

	// Setters used by command line overrides.
	SetBrowserHeadless(bool)
	SetWorkersAttackers(int)
	SetTargetBaseURL(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	TargetCfg    TargetConfig    `mapstructure:"target" yaml:"target"`
	ApplicantCfg ApplicantConfig `mapstructure:"applicant" yaml:"applicant"`
	SessionCfg   SessionConfig   `mapstructure:"session" yaml:"session"`
	ChallengeCfg ChallengeConfig `mapstructure:"challenge" yaml:"challenge"`
	ScheduleCfg  ScheduleConfig  `mapstructure:"schedule" yaml:"schedule"`
	WorkersCfg   WorkersConfig   `mapstructure:"workers" yaml:"workers"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	OCRCfg       OCRConfig       `mapstructure:"ocr" yaml:"ocr"`
	NTPCfg       NTPConfig       `mapstructure:"ntp" yaml:"ntp"`
	NotifierCfg  NotifierConfig  `mapstructure:"notifier" yaml:"notifier"`
	EvidenceCfg  EvidenceConfig  `mapstructure:"evidence" yaml:"evidence"`
	MetricsCfg   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }
func (c *Config) Target() TargetConfig       { return c.TargetCfg }
func (c *Config) Applicant() ApplicantConfig { return c.ApplicantCfg }
func (c *Config) Session() SessionConfig     { return c.SessionCfg }
func (c *Config) Challenge() ChallengeConfig { return c.ChallengeCfg }
func (c *Config) Schedule() ScheduleConfig   { return c.ScheduleCfg }
func (c *Config) Workers() WorkersConfig     { return c.WorkersCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) OCR() OCRConfig             { return c.OCRCfg }
func (c *Config) NTP() NTPConfig             { return c.NTPCfg }
func (c *Config) Notifier() NotifierConfig   { return c.NotifierCfg }
func (c *Config) Evidence() EvidenceConfig   { return c.EvidenceCfg }
func (c *Config) Metrics() MetricsConfig     { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetWorkersAttackers(n int) { c.WorkersCfg.Attackers = n }
func (c *Config) SetTargetBaseURL(u string) { c.TargetCfg.BaseURL = u }

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

// DatabaseConfig holds the database connection details. An empty URL disables
// the run report export.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// TargetConfig describes the booking service being driven.
type TargetConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// Locale is forced onto every generated URL through the request_locale parameter.
	Locale string `mapstructure:"locale" yaml:"locale"`
	// MonthOffsets lists, in priority order, how many months ahead to look.
	MonthOffsets []int `mapstructure:"month_offsets" yaml:"month_offsets"`
	// DayOfMonth is the day used in the dateStr parameter of month URLs.
	DayOfMonth int `mapstructure:"day_of_month" yaml:"day_of_month"`
	// DaysPerMonth is the approximation used when adding month offsets.
	DaysPerMonth int `mapstructure:"days_per_month" yaml:"days_per_month"`
}

// ApplicantConfig holds the data typed into the booking form.
type ApplicantConfig struct {
	LastName    string         `mapstructure:"last_name" yaml:"last_name"`
	FirstName   string         `mapstructure:"first_name" yaml:"first_name"`
	Email       string         `mapstructure:"email" yaml:"-"`
	Passport    string         `mapstructure:"passport" yaml:"-"`
	Phone       string         `mapstructure:"phone" yaml:"-"`
	Category    string         `mapstructure:"category" yaml:"category"`
	CategoryIDs map[string]int `mapstructure:"category_ids" yaml:"category_ids"`
}

// CategoryValue resolves the select option value for the configured category.
func (a ApplicantConfig) CategoryValue() string {
	if id, ok := a.CategoryIDs[strings.ToLower(a.Category)]; ok {
		return fmt.Sprintf("%d", id)
	}
	return ""
}

// SessionConfig bounds the lifetime of a single browser identity.
type SessionConfig struct {
	MaxAge                 time.Duration `mapstructure:"max_age" yaml:"max_age"`
	MaxIdle                time.Duration `mapstructure:"max_idle" yaml:"max_idle"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	MaxChallengeAttempts   int           `mapstructure:"max_challenge_attempts" yaml:"max_challenge_attempts"`
	DoubleChallengeWindow  time.Duration `mapstructure:"double_challenge_window" yaml:"double_challenge_window"`
}

// ChallengeConfig tunes image extraction, decoding and validation.
type ChallengeConfig struct {
	BlackImageBytes   int           `mapstructure:"black_image_bytes" yaml:"black_image_bytes"`
	CanonicalLength   int           `mapstructure:"canonical_length" yaml:"canonical_length"`
	MinLength         int           `mapstructure:"min_length" yaml:"min_length"`
	MaxLength         int           `mapstructure:"max_length" yaml:"max_length"`
	MinAcceptedLength int           `mapstructure:"min_accepted_length" yaml:"min_accepted_length"`
	DecodePasses      int           `mapstructure:"decode_passes" yaml:"decode_passes"`
	SolveAttempts     int           `mapstructure:"solve_attempts" yaml:"solve_attempts"`
	ReloadSettle      time.Duration `mapstructure:"reload_settle" yaml:"reload_settle"`
	PresenceTimeout   time.Duration `mapstructure:"presence_timeout" yaml:"presence_timeout"`
	Blacklist         []string      `mapstructure:"blacklist" yaml:"blacklist"`
	PreSolveTTL       time.Duration `mapstructure:"pre_solve_ttl" yaml:"pre_solve_ttl"`
}

// ScheduleConfig places the daily attack window.
type ScheduleConfig struct {
	Timezone       string        `mapstructure:"timezone" yaml:"timezone"`
	AttackHour     int           `mapstructure:"attack_hour" yaml:"attack_hour"`
	AttackMinute   int           `mapstructure:"attack_minute" yaml:"attack_minute"`
	AttackWindow   time.Duration `mapstructure:"attack_window" yaml:"attack_window"`
	PreAttackLead  time.Duration `mapstructure:"pre_attack_lead" yaml:"pre_attack_lead"`
	WarmupLead     time.Duration `mapstructure:"warmup_lead" yaml:"warmup_lead"`
	PatrolSleepMin time.Duration `mapstructure:"patrol_sleep_min" yaml:"patrol_sleep_min"`
	PatrolSleepMax time.Duration `mapstructure:"patrol_sleep_max" yaml:"patrol_sleep_max"`
	WarmupSleep    time.Duration `mapstructure:"warmup_sleep" yaml:"warmup_sleep"`
	PreAttackSleep time.Duration `mapstructure:"pre_attack_sleep" yaml:"pre_attack_sleep"`
	AttackSleepMin time.Duration `mapstructure:"attack_sleep_min" yaml:"attack_sleep_min"`
	AttackSleepMax time.Duration `mapstructure:"attack_sleep_max" yaml:"attack_sleep_max"`
}

// WorkersConfig shapes the scout/attacker pool.
type WorkersConfig struct {
	Attackers         int           `mapstructure:"attackers" yaml:"attackers"`
	SubmitAttempts    int           `mapstructure:"submit_attempts" yaml:"submit_attempts"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	StatusInterval    time.Duration `mapstructure:"status_interval" yaml:"status_interval"`
	SlotWait          time.Duration `mapstructure:"slot_wait" yaml:"slot_wait"`
	SignalClearDelay  time.Duration `mapstructure:"signal_clear_delay" yaml:"signal_clear_delay"`
	PostSubmitWait    time.Duration `mapstructure:"post_submit_wait" yaml:"post_submit_wait"`
}

// BrowserConfig holds settings for the browser instances.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	UserAgents      []string      `mapstructure:"user_agents" yaml:"user_agents"`
	ViewportWidth   int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	WidthJitter     int           `mapstructure:"width_jitter" yaml:"width_jitter"`
	HeightJitter    int           `mapstructure:"height_jitter" yaml:"height_jitter"`
	Locale          string        `mapstructure:"locale" yaml:"locale"`
	Timezone        string        `mapstructure:"timezone" yaml:"timezone"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
}

// OCRConfig points at the HTTP challenge decoding engine.
type OCRConfig struct {
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// NTPConfig configures the corrected clock.
type NTPConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Servers  []string      `mapstructure:"servers" yaml:"servers"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// MaxStaleness is how old the last successful sync may be before local time is used.
	MaxStaleness time.Duration `mapstructure:"max_staleness" yaml:"max_staleness"`
}

// NotifierConfig configures Telegram alerts. Empty credentials disable them.
type NotifierConfig struct {
	TelegramToken  string        `mapstructure:"telegram_token" yaml:"-"`
	TelegramChatID string        `mapstructure:"telegram_chat_id" yaml:"telegram_chat_id"`
	APIBase        string        `mapstructure:"api_base" yaml:"api_base"`
	MinInterval    time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Enabled reports whether both credentials are present.
func (n NotifierConfig) Enabled() bool {
	return n.TelegramToken != "" && n.TelegramChatID != ""
}

// EvidenceConfig configures the on-disk evidence store.
type EvidenceConfig struct {
	Dir    string        `mapstructure:"dir" yaml:"dir"`
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
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
	v.SetDefault("logger.service_name", "termin")
	v.SetDefault("logger.log_file", "termin.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Target --
	v.SetDefault("target.base_url", "")
	v.SetDefault("target.locale", "en")
	v.SetDefault("target.month_offsets", []int{2, 3, 1, 4, 5, 6})
	v.SetDefault("target.day_of_month", 15)
	v.SetDefault("target.days_per_month", 30)

	// -- Applicant --
	v.SetDefault("applicant.category", "study")
	v.SetDefault("applicant.category_ids", map[string]int{
		"study":   1,
		"student": 1,
		"work":    2,
		"family":  3,
		"tourism": 4,
		"other":   5,
	})

	// -- Session --
	v.SetDefault("session.max_age", "60s")
	v.SetDefault("session.max_idle", "15s")
	v.SetDefault("session.max_consecutive_failures", 3)
	v.SetDefault("session.max_challenge_attempts", 5)
	v.SetDefault("session.double_challenge_window", "30s")

	// -- Challenge --
	v.SetDefault("challenge.black_image_bytes", 1500)
	v.SetDefault("challenge.canonical_length", 6)
	v.SetDefault("challenge.min_length", 4)
	v.SetDefault("challenge.max_length", 8)
	v.SetDefault("challenge.min_accepted_length", 6)
	v.SetDefault("challenge.decode_passes", 3)
	v.SetDefault("challenge.solve_attempts", 5)
	v.SetDefault("challenge.reload_settle", "1500ms")
	v.SetDefault("challenge.presence_timeout", "2s")
	v.SetDefault("challenge.blacklist", []string{"4333", "333", "444", "1111", "0000", "4444", "3333"})
	v.SetDefault("challenge.pre_solve_ttl", "30s")

	// -- Schedule --
	v.SetDefault("schedule.timezone", "Asia/Aden")
	v.SetDefault("schedule.attack_hour", 2)
	v.SetDefault("schedule.attack_minute", 0)
	v.SetDefault("schedule.attack_window", "2m")
	v.SetDefault("schedule.pre_attack_lead", "30s")
	v.SetDefault("schedule.warmup_lead", "15m")
	v.SetDefault("schedule.patrol_sleep_min", "10s")
	v.SetDefault("schedule.patrol_sleep_max", "20s")
	v.SetDefault("schedule.warmup_sleep", "5s")
	v.SetDefault("schedule.pre_attack_sleep", "500ms")
	v.SetDefault("schedule.attack_sleep_min", "500ms")
	v.SetDefault("schedule.attack_sleep_max", "1500ms")

	// -- Workers --
	v.SetDefault("workers.attackers", 2)
	v.SetDefault("workers.submit_attempts", 10)
	v.SetDefault("workers.navigation_timeout", "30s")
	v.SetDefault("workers.status_interval", "5m")
	v.SetDefault("workers.slot_wait", "1s")
	v.SetDefault("workers.signal_clear_delay", "500ms")
	v.SetDefault("workers.post_submit_wait", "2s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	})
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 768)
	v.SetDefault("browser.width_jitter", 50)
	v.SetDefault("browser.height_jitter", 30)
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "Asia/Aden")
	v.SetDefault("browser.startup_timeout", "30s")

	// -- OCR --
	v.SetDefault("ocr.endpoint", "http://127.0.0.1:8501/decode")
	v.SetDefault("ocr.timeout", "10s")
	v.SetDefault("ocr.rate_limit", 20.0)

	// -- NTP --
	v.SetDefault("ntp.enabled", true)
	v.SetDefault("ntp.servers", []string{"pool.ntp.org", "time.google.com", "time.windows.com", "time.nist.gov"})
	v.SetDefault("ntp.interval", "5m")
	v.SetDefault("ntp.timeout", "5s")
	v.SetDefault("ntp.max_staleness", "30m")

	// -- Notifier --
	v.SetDefault("notifier.api_base", "https://api.telegram.org")
	v.SetDefault("notifier.min_interval", "1s")
	v.SetDefault("notifier.timeout", "10s")

	// -- Evidence --
	v.SetDefault("evidence.dir", "evidence")
	v.SetDefault("evidence.max_age", "48h")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("notifier.telegram_token", "TERMIN_TELEGRAM_TOKEN")
	_ = v.BindEnv("notifier.telegram_chat_id", "TERMIN_TELEGRAM_CHAT_ID")
	_ = v.BindEnv("applicant.email", "TERMIN_APPLICANT_EMAIL")
	_ = v.BindEnv("applicant.passport", "TERMIN_APPLICANT_PASSPORT")
	_ = v.BindEnv("applicant.phone", "TERMIN_APPLICANT_PHONE")
	_ = v.BindEnv("database.url", "TERMIN_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.TargetCfg.BaseURL != "" {
		u, err := url.Parse(c.TargetCfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("target.base_url must be an absolute URL")
		}
	}
	if c.WorkersCfg.Attackers <= 0 {
		return fmt.Errorf("workers.attackers must be a positive integer")
	}
	if c.WorkersCfg.SubmitAttempts <= 0 {
		return fmt.Errorf("workers.submit_attempts must be a positive integer")
	}
	if err := c.SessionCfg.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if err := c.ChallengeCfg.Validate(); err != nil {
		return fmt.Errorf("challenge configuration invalid: %w", err)
	}
	if err := c.ScheduleCfg.Validate(); err != nil {
		return fmt.Errorf("schedule configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the session limits.
func (s *SessionConfig) Validate() error {
	if s.MaxAge <= 0 || s.MaxIdle <= 0 {
		return fmt.Errorf("max_age and max_idle must be positive durations")
	}
	if s.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures must be greater than 0")
	}
	if s.MaxChallengeAttempts <= 0 {
		return fmt.Errorf("max_challenge_attempts must be greater than 0")
	}
	return nil
}

// Validate checks the length rules are ordered.
func (ch *ChallengeConfig) Validate() error {
	if ch.MinLength <= 0 {
		return fmt.Errorf("min_length must be greater than 0")
	}
	if ch.MinLength > ch.MinAcceptedLength || ch.MinAcceptedLength > ch.CanonicalLength || ch.CanonicalLength > ch.MaxLength {
		return fmt.Errorf("lengths must satisfy min_length <= min_accepted_length <= canonical_length <= max_length")
	}
	if ch.DecodePasses <= 0 {
		return fmt.Errorf("decode_passes must be greater than 0")
	}
	return nil
}

// Validate checks the schedule can be resolved.
func (s *ScheduleConfig) Validate() error {
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", s.Timezone, err)
	}
	if s.AttackHour < 0 || s.AttackHour > 23 || s.AttackMinute < 0 || s.AttackMinute > 59 {
		return fmt.Errorf("attack_hour/attack_minute out of range")
	}
	if s.AttackWindow <= 0 {
		return fmt.Errorf("attack_window must be a positive duration")
	}
	if s.PreAttackLead < 0 || s.WarmupLead < s.PreAttackLead {
		return fmt.Errorf("warmup_lead must be at least pre_attack_lead")
	}
	return nil
}
