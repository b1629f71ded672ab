// Package config loads server configuration from defaults, an optional YAML
// file and the environment (in that order of precedence, lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Sandbox     SandboxConfig   `yaml:"sandbox"`
	Companion   CompanionConfig `yaml:"companion"`
	Journal     JournalConfig   `yaml:"journal"`
}

// HTTPConfig holds API listener settings.
type HTTPConfig struct {
	Port                string   `yaml:"port"`
	CORSAllowedOrigins  []string `yaml:"cors_allowed_origins"`
	CreateRatePerMinute int      `yaml:"create_rate_per_minute"`
	CreateBurst         int      `yaml:"create_burst"`
}

// SandboxConfig holds per-session OS resource settings.
type SandboxConfig struct {
	MinPort              int           `yaml:"min_port"`
	MaxPort              int           `yaml:"max_port"`
	DisplayBase          int           `yaml:"display_base"`
	UsernamePrefix       string        `yaml:"username_prefix"`
	HomeRoot             string        `yaml:"home_root"`
	ExtensionDirName     string        `yaml:"extension_dir_name"`
	ExtensionTemplateDir string        `yaml:"extension_template_dir"`
	CompanionDirName     string        `yaml:"companion_dir_name"`
	Browser              string        `yaml:"browser"`
	UseSudo              bool          `yaml:"use_sudo"`
	ReadyTimeout         time.Duration `yaml:"ready_timeout"`
	TempDir              string        `yaml:"temp_dir"`
}

// CompanionConfig holds companion channel settings.
type CompanionConfig struct {
	Port          int           `yaml:"port"`
	PublicURL     string        `yaml:"public_url"`
	CertPath      string        `yaml:"cert_path"`
	KeyPath       string        `yaml:"key_path"`
	AuthTimeout   time.Duration `yaml:"auth_timeout"`
	DOMTimeout    time.Duration `yaml:"dom_timeout"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TLSEnabled reports whether a certificate pair was configured.
func (c CompanionConfig) TLSEnabled() bool {
	return c.CertPath != "" && c.KeyPath != ""
}

// JournalConfig selects the session journal backend.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		HTTP: HTTPConfig{
			Port:                "3001",
			CreateRatePerMinute: 30,
			CreateBurst:         5,
		},
		Sandbox: SandboxConfig{
			MinPort:          9000,
			MaxPort:          9100,
			DisplayBase:      100,
			UsernamePrefix:   "ex10_user_",
			HomeRoot:         "/home",
			ExtensionDirName: "extension",
			CompanionDirName: "ex10-companion",
			Browser:          "chromium",
			UseSudo:          true,
			ReadyTimeout:     15 * time.Second,
		},
		Companion: CompanionConfig{
			Port:          4926,
			PublicURL:     "ws://localhost:4926",
			AuthTimeout:   5 * time.Second,
			DOMTimeout:    5 * time.Second,
			StaleAfter:    60 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Journal: JournalConfig{
			DSN: "ex10-sessions.db",
		},
	}
}

// LoadDotEnv loads .env files if present. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Load builds the configuration. path may be empty, in which case CONFIG_FILE
// is consulted.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if os.Getenv("GO_ENV") != "" || os.Getenv("EX10_ENV") != "" ||
		os.Getenv("ENVIRONMENT") != "" || os.Getenv("ENV") != "" {
		c.Environment = GetEnvironment()
	}

	c.HTTP.Port = getEnv("PORT", c.HTTP.Port)
	c.HTTP.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", c.HTTP.CORSAllowedOrigins)
	c.HTTP.CreateRatePerMinute = getEnvInt("CREATE_RATE_PER_MINUTE", c.HTTP.CreateRatePerMinute)
	c.HTTP.CreateBurst = getEnvInt("CREATE_BURST", c.HTTP.CreateBurst)

	c.Sandbox.MinPort = getEnvInt("MIN_PORT", c.Sandbox.MinPort)
	c.Sandbox.MaxPort = getEnvInt("MAX_PORT", c.Sandbox.MaxPort)
	c.Sandbox.DisplayBase = getEnvInt("DISPLAY_BASE", c.Sandbox.DisplayBase)
	c.Sandbox.UsernamePrefix = getEnv("USERNAME_PREFIX", c.Sandbox.UsernamePrefix)
	c.Sandbox.HomeRoot = getEnv("HOME_ROOT", c.Sandbox.HomeRoot)
	c.Sandbox.ExtensionDirName = getEnv("EXTENSION_DIR_NAME", c.Sandbox.ExtensionDirName)
	c.Sandbox.ExtensionTemplateDir = getEnv("EXTENSION_TEMPLATE_DIR", c.Sandbox.ExtensionTemplateDir)
	c.Sandbox.CompanionDirName = getEnv("COMPANION_DIR_NAME", c.Sandbox.CompanionDirName)
	c.Sandbox.Browser = getEnv("BROWSER_BINARY", c.Sandbox.Browser)
	c.Sandbox.UseSudo = getEnvBool("USE_SUDO", c.Sandbox.UseSudo)
	c.Sandbox.ReadyTimeout = getEnvDuration("READY_TIMEOUT", c.Sandbox.ReadyTimeout)
	c.Sandbox.TempDir = getEnv("RELAY_TEMP_DIR", c.Sandbox.TempDir)

	c.Companion.Port = getEnvInt("WS_PORT", c.Companion.Port)
	c.Companion.PublicURL = getEnv("COMPANION_URL", c.Companion.PublicURL)
	c.Companion.CertPath = getEnv("SSL_CERT_PATH", c.Companion.CertPath)
	c.Companion.KeyPath = getEnv("SSL_KEY_PATH", c.Companion.KeyPath)
	c.Companion.AuthTimeout = getEnvDuration("AUTH_TIMEOUT", c.Companion.AuthTimeout)
	c.Companion.DOMTimeout = getEnvDuration("DOM_TIMEOUT", c.Companion.DOMTimeout)
	c.Companion.StaleAfter = getEnvDuration("STALE_AFTER", c.Companion.StaleAfter)
	c.Companion.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.Companion.SweepInterval)

	c.Journal.DSN = getEnv("JOURNAL_DSN", c.Journal.DSN)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" && os.Getenv("JOURNAL_DSN") == "" {
		c.Journal.DSN = redisURL
	}
}

// ValidationError lists every problem found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks ranges and timeouts.
func (c *Config) Validate() error {
	var problems []string

	validPort := func(p int) bool { return p > 0 && p <= 65535 }

	if !validPort(c.Sandbox.MinPort) || !validPort(c.Sandbox.MaxPort) {
		problems = append(problems, fmt.Sprintf("display port range %d-%d out of bounds", c.Sandbox.MinPort, c.Sandbox.MaxPort))
	} else if c.Sandbox.MinPort > c.Sandbox.MaxPort {
		problems = append(problems, fmt.Sprintf("MIN_PORT %d greater than MAX_PORT %d", c.Sandbox.MinPort, c.Sandbox.MaxPort))
	}

	httpPort, err := strconv.Atoi(c.HTTP.Port)
	if err != nil || !validPort(httpPort) {
		problems = append(problems, fmt.Sprintf("invalid PORT %q", c.HTTP.Port))
	} else if c.inDisplayRange(httpPort) {
		problems = append(problems, fmt.Sprintf("PORT %d overlaps display port range", httpPort))
	}

	if !validPort(c.Companion.Port) {
		problems = append(problems, fmt.Sprintf("invalid WS_PORT %d", c.Companion.Port))
	} else if c.inDisplayRange(c.Companion.Port) {
		problems = append(problems, fmt.Sprintf("WS_PORT %d overlaps display port range", c.Companion.Port))
	}

	if c.Sandbox.UsernamePrefix == "" {
		problems = append(problems, "USERNAME_PREFIX must not be empty")
	}
	if c.Sandbox.ExtensionDirName == "" || strings.ContainsAny(c.Sandbox.ExtensionDirName, "/\\") {
		problems = append(problems, "EXTENSION_DIR_NAME must be a single path segment")
	}

	for name, d := range map[string]time.Duration{
		"AUTH_TIMEOUT":   c.Companion.AuthTimeout,
		"DOM_TIMEOUT":    c.Companion.DOMTimeout,
		"STALE_AFTER":    c.Companion.StaleAfter,
		"SWEEP_INTERVAL": c.Companion.SweepInterval,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}

	if (c.Companion.CertPath == "") != (c.Companion.KeyPath == "") {
		problems = append(problems, "SSL_CERT_PATH and SSL_KEY_PATH must be set together")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) inDisplayRange(port int) bool {
	return port >= c.Sandbox.MinPort && port <= c.Sandbox.MaxPort
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
