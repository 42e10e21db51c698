package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xkilldash9x/autorenew/internal/retry"
)

// EnvPrefix is prepended to every environment variable derived from a config key.
const EnvPrefix = "RENEW"

var (
	// ErrMissingCredential means neither a token nor a complete identifier/secret pair is configured.
	ErrMissingCredential = errors.New("no credential configured")
	// ErrMissingTarget means no target resource was configured.
	ErrMissingTarget = errors.New("no target resource configured")
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Config holds the complete, immutable run configuration. It is built once
// at startup and handed to each component.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Extension   ExtensionConfig   `mapstructure:"extension" yaml:"extension"`
	Timing      TimingConfig      `mapstructure:"timing" yaml:"timing"`
	Challenge   ChallengeConfig   `mapstructure:"challenge" yaml:"challenge"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Target      TargetConfig      `mapstructure:"target" yaml:"target"`
	Credentials Credentials       `mapstructure:"credentials" yaml:"-"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
	Workflow    WorkflowConfig    `mapstructure:"workflow" yaml:"workflow"`
	Site        SiteConfig        `mapstructure:"site" yaml:"site"`
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

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the browser session.
type BrowserConfig struct {
	Headless           bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath           string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent          string        `mapstructure:"user_agent" yaml:"user_agent"`
	WindowWidth        int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight       int           `mapstructure:"window_height" yaml:"window_height"`
	Args               []string      `mapstructure:"args" yaml:"args"`
	Timezone           string        `mapstructure:"timezone" yaml:"timezone"`
	Locale             string        `mapstructure:"locale" yaml:"locale"`
	Languages          []string      `mapstructure:"languages" yaml:"languages"`
	Platform           string        `mapstructure:"platform" yaml:"platform"`
	PageLoadTimeout    time.Duration `mapstructure:"page_load_timeout" yaml:"page_load_timeout"`
	NavigationAttempts int           `mapstructure:"navigation_attempts" yaml:"navigation_attempts"`
	NavigationDelay    retry.Jitter  `mapstructure:"navigation_delay" yaml:"navigation_delay"`
	Debug              bool          `mapstructure:"debug" yaml:"debug"`
}

// ExtensionConfig controls acquisition of the challenge-bypass extension.
type ExtensionConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Required         bool          `mapstructure:"required" yaml:"required"`
	ID               string        `mapstructure:"id" yaml:"id"`
	ProdVersion      string        `mapstructure:"prod_version" yaml:"prod_version"`
	DownloadURL      string        `mapstructure:"download_url" yaml:"download_url"`
	ArchivePath      string        `mapstructure:"archive_path" yaml:"archive_path"`
	InstallDir       string        `mapstructure:"install_dir" yaml:"install_dir"`
	RequiredFiles    []string      `mapstructure:"required_files" yaml:"required_files"`
	MinSize          int64         `mapstructure:"min_size" yaml:"min_size"`
	DownloadAttempts int           `mapstructure:"download_attempts" yaml:"download_attempts"`
	DownloadDelay    retry.Jitter  `mapstructure:"download_delay" yaml:"download_delay"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// TimingConfig tunes element waits, click retries and post-action settling.
type TimingConfig struct {
	ElementTimeout time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	LocatePoll     retry.Jitter  `mapstructure:"locate_poll" yaml:"locate_poll"`
	ClickAttempts  int           `mapstructure:"click_attempts" yaml:"click_attempts"`
	ClickDelay     retry.Jitter  `mapstructure:"click_delay" yaml:"click_delay"`
	NavigateSettle retry.Jitter  `mapstructure:"navigate_settle" yaml:"navigate_settle"`
	ModalSettle    retry.Jitter  `mapstructure:"modal_settle" yaml:"modal_settle"`
	ModalTimeout   time.Duration `mapstructure:"modal_timeout" yaml:"modal_timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	VerifySettle   retry.Jitter  `mapstructure:"verify_settle" yaml:"verify_settle"`
	VerifyTimeout  time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
	VerifyPoll     retry.Jitter  `mapstructure:"verify_poll" yaml:"verify_poll"`
}

// ChallengeConfig tunes interstitial detection and mitigation.
type ChallengeConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	AssistAfter    time.Duration `mapstructure:"assist_after" yaml:"assist_after"`
	AssistInterval time.Duration `mapstructure:"assist_interval" yaml:"assist_interval"`
	AssistAttempts int           `mapstructure:"assist_attempts" yaml:"assist_attempts"`
}

// AuthConfig tunes the credential injector and the dashboard login hand-off.
type AuthConfig struct {
	LoginURL          string        `mapstructure:"login_url" yaml:"login_url"`
	StorageKey        string        `mapstructure:"storage_key" yaml:"storage_key"`
	InjectionAttempts int           `mapstructure:"injection_attempts" yaml:"injection_attempts"`
	InjectionDelay    retry.Jitter  `mapstructure:"injection_delay" yaml:"injection_delay"`
	DeferredDelay     time.Duration `mapstructure:"deferred_delay" yaml:"deferred_delay"`
	ReloadSettle      retry.Jitter  `mapstructure:"reload_settle" yaml:"reload_settle"`
	FieldCheckTimeout time.Duration `mapstructure:"field_check_timeout" yaml:"field_check_timeout"`
	LoginTimeout      time.Duration `mapstructure:"login_timeout" yaml:"login_timeout"`
	AuthorizeTimeout  time.Duration `mapstructure:"authorize_timeout" yaml:"authorize_timeout"`
	ReturnTimeout     time.Duration `mapstructure:"return_timeout" yaml:"return_timeout"`
}

// TargetConfig names the dashboard and the resource to renew.
type TargetConfig struct {
	DashboardURL string `mapstructure:"dashboard_url" yaml:"dashboard_url"`
	LoginPath    string `mapstructure:"login_path" yaml:"login_path"`
	URL          string `mapstructure:"url" yaml:"url"`
	ServerID     string `mapstructure:"server_id" yaml:"server_id"`
	URLTemplate  string `mapstructure:"url_template" yaml:"url_template"`
}

// ResourceURL returns the explicit target URL, or one derived from the server id.
func (t TargetConfig) ResourceURL() string {
	if t.URL != "" {
		return t.URL
	}
	if t.ServerID != "" && t.URLTemplate != "" {
		return fmt.Sprintf(t.URLTemplate, t.ServerID)
	}
	return ""
}

// CredentialMode identifies which authentication path a Credentials value selects.
type CredentialMode int

const (
	ModeNone CredentialMode = iota
	ModeToken
	ModePair
)

func (m CredentialMode) String() string {
	switch m {
	case ModeToken:
		return "token"
	case ModePair:
		return "credential_pair"
	default:
		return "none"
	}
}

// Credentials holds the operator's secrets. It is never logged or serialized.
type Credentials struct {
	Token      string `mapstructure:"token" yaml:"-" json:"-"`
	Identifier string `mapstructure:"identifier" yaml:"-" json:"-"`
	Secret     string `mapstructure:"secret" yaml:"-" json:"-"`
}

// Mode reports the authentication path. A token takes precedence over a pair.
func (c Credentials) Mode() CredentialMode {
	switch {
	case c.Token != "":
		return ModeToken
	case c.Identifier != "" && c.Secret != "":
		return ModePair
	default:
		return ModeNone
	}
}

// Values returns every non-empty secret value, for redaction.
func (c Credentials) Values() []string {
	var out []string
	for _, v := range []string{c.Token, c.Identifier, c.Secret} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// String never reveals the secret values.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{mode=%s}", c.Mode())
}

// GoString keeps %#v from printing the secrets.
func (c Credentials) GoString() string { return c.String() }

// DiagnosticsConfig controls failure artifact capture.
type DiagnosticsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// MetricsConfig controls the Prometheus textfile written after each run.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Output  string `mapstructure:"output" yaml:"output"`
}

// WorkflowConfig bounds the whole run.
type WorkflowConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SiteConfig selects the locator and phrase tables for the dashboard.
type SiteConfig struct {
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// NewDefaultConfig creates a new configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key. Every
// key must have a default so AutomaticEnv can resolve it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autorenew")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36")
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.timezone", "")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.languages", []string{"en-US", "en"})
	v.SetDefault("browser.platform", "Win32")
	v.SetDefault("browser.page_load_timeout", "30s")
	v.SetDefault("browser.navigation_attempts", 3)
	v.SetDefault("browser.navigation_delay.min", "1s")
	v.SetDefault("browser.navigation_delay.max", "2s")
	v.SetDefault("browser.debug", false)

	// -- Extension --
	v.SetDefault("extension.enabled", true)
	v.SetDefault("extension.required", true)
	v.SetDefault("extension.id", "ajhmfdgkijocedmfjonnpjfojldioehi")
	v.SetDefault("extension.prod_version", "122.0")
	v.SetDefault("extension.download_url", "https://clients2.google.com/service/update2/crx?response=redirect&prodversion=%s&acceptformat=crx2,crx3&x=id%%3D%s%%26uc")
	v.SetDefault("extension.archive_path", "silk.crx")
	v.SetDefault("extension.install_dir", "silk_ext")
	v.SetDefault("extension.required_files", []string{"manifest.json", "background.js", "content.js"})
	v.SetDefault("extension.min_size", 10*1024)
	v.SetDefault("extension.download_attempts", 5)
	v.SetDefault("extension.download_delay.min", "1s")
	v.SetDefault("extension.download_delay.max", "3s")
	v.SetDefault("extension.request_timeout", "60s")

	// -- Timing --
	v.SetDefault("timing.element_timeout", "20s")
	v.SetDefault("timing.locate_poll.min", "300ms")
	v.SetDefault("timing.locate_poll.max", "1s")
	v.SetDefault("timing.click_attempts", 5)
	v.SetDefault("timing.click_delay.min", "500ms")
	v.SetDefault("timing.click_delay.max", "1500ms")
	v.SetDefault("timing.navigate_settle.min", "2s")
	v.SetDefault("timing.navigate_settle.max", "4s")
	v.SetDefault("timing.modal_settle.min", "2s")
	v.SetDefault("timing.modal_settle.max", "3s")
	v.SetDefault("timing.modal_timeout", "10s")
	v.SetDefault("timing.confirm_timeout", "5s")
	v.SetDefault("timing.verify_settle.min", "3s")
	v.SetDefault("timing.verify_settle.max", "5s")
	v.SetDefault("timing.verify_timeout", "15s")
	v.SetDefault("timing.verify_poll.min", "500ms")
	v.SetDefault("timing.verify_poll.max", "1500ms")

	// -- Challenge --
	v.SetDefault("challenge.timeout", "45s")
	v.SetDefault("challenge.poll_interval", "1s")
	v.SetDefault("challenge.assist_after", "10s")
	v.SetDefault("challenge.assist_interval", "8s")
	v.SetDefault("challenge.assist_attempts", 2)

	// -- Auth --
	v.SetDefault("auth.login_url", "https://discord.com/login")
	v.SetDefault("auth.storage_key", "token")
	v.SetDefault("auth.injection_attempts", 5)
	v.SetDefault("auth.injection_delay.min", "1s")
	v.SetDefault("auth.injection_delay.max", "3s")
	v.SetDefault("auth.deferred_delay", "1s")
	v.SetDefault("auth.reload_settle.min", "2s")
	v.SetDefault("auth.reload_settle.max", "4s")
	v.SetDefault("auth.field_check_timeout", "8s")
	v.SetDefault("auth.login_timeout", "15s")
	v.SetDefault("auth.authorize_timeout", "15s")
	v.SetDefault("auth.return_timeout", "20s")

	// -- Target --
	v.SetDefault("target.dashboard_url", "https://dashboard.katabump.com/")
	v.SetDefault("target.login_path", "/login")
	v.SetDefault("target.url", "")
	v.SetDefault("target.server_id", "")
	v.SetDefault("target.url_template", "https://dashboard.katabump.com/servers/edit?id=%s")

	// -- Credentials --
	v.SetDefault("credentials.token", "")
	v.SetDefault("credentials.identifier", "")
	v.SetDefault("credentials.secret", "")

	// -- Diagnostics --
	v.SetDefault("diagnostics.enabled", true)
	v.SetDefault("diagnostics.dir", "debug_output")

	// -- Metrics & Tracing --
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.output", "")

	// -- Workflow --
	v.SetDefault("workflow.timeout", "10m")
	v.SetDefault("site.profile", "katabump-v2")
}

// BindEnv wires the environment prefix plus the short aliases operators set
// in CI secrets.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("credentials.token", EnvPrefix+"_TOKEN", "DISCORD_TOKEN")
	_ = v.BindEnv("credentials.identifier", EnvPrefix+"_IDENTIFIER")
	_ = v.BindEnv("credentials.secret", EnvPrefix+"_SECRET")
	_ = v.BindEnv("target.url", EnvPrefix+"_TARGET_URL")
	_ = v.BindEnv("target.server_id", EnvPrefix+"_SERVER_ID", "SERVER_ID")
	_ = v.BindEnv("browser.headless", EnvPrefix+"_BROWSER_HEADLESS", "HEADLESS")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(field string, err error) {
		errs = append(errs, &ValidationError{Field: field, Err: err})
	}

	if c.Credentials.Mode() == ModeNone {
		add("credentials", ErrMissingCredential)
	}
	if c.Target.ResourceURL() == "" {
		add("target.url", ErrMissingTarget)
	}
	if c.Target.DashboardURL == "" {
		add("target.dashboard_url", errors.New("must not be empty"))
	}
	if c.Auth.LoginURL == "" {
		add("auth.login_url", errors.New("must not be empty"))
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"browser.page_load_timeout", c.Browser.PageLoadTimeout},
		{"timing.element_timeout", c.Timing.ElementTimeout},
		{"timing.verify_timeout", c.Timing.VerifyTimeout},
		{"challenge.timeout", c.Challenge.Timeout},
		{"challenge.poll_interval", c.Challenge.PollInterval},
		{"workflow.timeout", c.Workflow.Timeout},
	} {
		if d.value <= 0 {
			add(d.field, errors.New("must be a positive duration"))
		}
	}

	for _, n := range []struct {
		field string
		value int
	}{
		{"browser.navigation_attempts", c.Browser.NavigationAttempts},
		{"timing.click_attempts", c.Timing.ClickAttempts},
		{"auth.injection_attempts", c.Auth.InjectionAttempts},
		{"extension.download_attempts", c.Extension.DownloadAttempts},
	} {
		if n.value < 1 {
			add(n.field, errors.New("must be at least 1"))
		}
	}

	for _, w := range []struct {
		field string
		value retry.Jitter
	}{
		{"timing.locate_poll", c.Timing.LocatePoll},
		{"timing.click_delay", c.Timing.ClickDelay},
		{"timing.navigate_settle", c.Timing.NavigateSettle},
		{"timing.verify_settle", c.Timing.VerifySettle},
		{"auth.injection_delay", c.Auth.InjectionDelay},
	} {
		if w.value.Min < 0 || w.value.Max < w.value.Min {
			add(w.field, fmt.Errorf("invalid window [%s, %s]", w.value.Min, w.value.Max))
		}
	}

	return errors.Join(errs...)
}
