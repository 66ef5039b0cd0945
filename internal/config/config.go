// Package config handles environment variable configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default values applied by Default and Load.
const (
	DefaultDocType  = "HD Ticket"
	DefaultTimeout  = 30 * time.Second
	DefaultRetries  = 3
	DefaultHTTPPort = "8080"
	DefaultState    = "frappe-agent-state.yaml"
)

// DefaultFields is the list projection used when FRAPPE_FIELDS is unset.
var DefaultFields = []string{"name", "subject", "status", "priority", "raised_by", "opening_date", "modified"}

// Config holds all application configuration loaded from environment variables.
//
// A Config is treated as an immutable value once handed to a client; updates
// replace it wholesale.
type Config struct {
	// Frappe connection settings
	BaseURL   string `yaml:"base_url"`
	Token     string `yaml:"token,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	APISecret string `yaml:"api_secret,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"-"`

	// Target resource
	DocType  string   `yaml:"doctype"`
	Endpoint string   `yaml:"endpoint"`
	Fields   []string `yaml:"fields"`

	// Request behaviour
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`

	// Cookie and CSRF policy
	AllowCookies  bool   `yaml:"allow_cookies"`
	CustomCookies string `yaml:"custom_cookies,omitempty"`
	ForceCookies  bool   `yaml:"force_cookies"`
	SkipCSRF      bool   `yaml:"skip_csrf"`
	CSRFToken     string `yaml:"-"`
	// Origin is the origin the client acts on behalf of. Empty means the
	// origin of BaseURL.
	Origin string `yaml:"origin,omitempty"`

	// Behaviour toggles
	ValidateDocTypes bool `yaml:"validate_doctypes"`
	FallbackMode     bool `yaml:"fallback_mode"`

	// Agent settings
	HTTPPort          string `yaml:"-"`
	StateFile         string `yaml:"-"`
	DefaultPriority   string `yaml:"-"`
	DefaultTicketType string `yaml:"-"`
}

// Default returns a Config populated with defaults only. BaseURL is left empty.
func Default() *Config {
	return &Config{
		DocType:           DefaultDocType,
		Endpoint:          ResourcePath(DefaultDocType),
		Fields:            append([]string(nil), DefaultFields...),
		Timeout:           DefaultTimeout,
		Retries:           DefaultRetries,
		AllowCookies:      true,
		HTTPPort:          DefaultHTTPPort,
		StateFile:         DefaultState,
		DefaultPriority:   "Medium",
		DefaultTicketType: "Unspecified",
	}
}

// Option overrides a loaded value before validation. Empty values are ignored.
type Option func(*Config)

// WithBaseURL overrides FRAPPE_BASE_URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Config) {
		if baseURL != "" {
			c.BaseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithDocType overrides FRAPPE_DOCTYPE. The endpoint follows the doctype
// unless it was set explicitly.
func WithDocType(docType string) Option {
	return func(c *Config) {
		if docType == "" {
			return
		}
		if c.Endpoint == ResourcePath(c.DocType) {
			c.Endpoint = ResourcePath(docType)
		}
		c.DocType = docType
	}
}

// WithHTTPPort overrides HTTP_PORT.
func WithHTTPPort(port string) Option {
	return func(c *Config) {
		if port != "" {
			c.HTTPPort = port
		}
	}
}

// WithStateFile overrides STATE_FILE.
func WithStateFile(path string) Option {
	return func(c *Config) {
		if path != "" {
			c.StateFile = path
		}
	}
}

// Load reads configuration from environment variables, applies opts and
// returns a Config. Returns an error if required fields are missing or
// malformed.
func Load(opts ...Option) (*Config, error) {
	return LoadFrom(Default(), opts...)
}

// LoadFrom is Load starting from base instead of the defaults: environment
// variables that are set override base, then opts override both.
func LoadFrom(base *Config, opts ...Option) (*Config, error) {
	cfg := base.Clone()

	cfg.BaseURL = strings.TrimRight(getEnvOrDefault("FRAPPE_BASE_URL", cfg.BaseURL), "/")
	cfg.Token = getEnvOrDefault("FRAPPE_TOKEN", cfg.Token)
	cfg.APIKey = getEnvOrDefault("FRAPPE_API_KEY", cfg.APIKey)
	cfg.APISecret = getEnvOrDefault("FRAPPE_API_SECRET", cfg.APISecret)
	cfg.Username = getEnvOrDefault("FRAPPE_USERNAME", cfg.Username)
	cfg.Password = getEnvOrDefault("FRAPPE_PASSWORD", cfg.Password)
	WithDocType(os.Getenv("FRAPPE_DOCTYPE"))(cfg)
	cfg.Endpoint = getEnvOrDefault("FRAPPE_ENDPOINT", cfg.Endpoint)
	if fields := os.Getenv("FRAPPE_FIELDS"); fields != "" {
		cfg.Fields = splitList(fields)
	}
	cfg.CustomCookies = getEnvOrDefault("FRAPPE_CUSTOM_COOKIES", cfg.CustomCookies)
	cfg.CSRFToken = getEnvOrDefault("FRAPPE_CSRF_TOKEN", cfg.CSRFToken)
	cfg.Origin = getEnvOrDefault("FRAPPE_ORIGIN", cfg.Origin)
	cfg.HTTPPort = getEnvOrDefault("HTTP_PORT", cfg.HTTPPort)
	cfg.StateFile = getEnvOrDefault("STATE_FILE", cfg.StateFile)
	cfg.DefaultPriority = getEnvOrDefault("DEFAULT_PRIORITY", cfg.DefaultPriority)
	cfg.DefaultTicketType = getEnvOrDefault("DEFAULT_TICKET_TYPE", cfg.DefaultTicketType)

	var err error
	if cfg.Timeout, err = getEnvMillis("FRAPPE_TIMEOUT_MS", cfg.Timeout); err != nil {
		return nil, err
	}
	if cfg.Retries, err = getEnvInt("FRAPPE_RETRIES", cfg.Retries); err != nil {
		return nil, err
	}
	if cfg.AllowCookies, err = getEnvBool("FRAPPE_ALLOW_COOKIES", cfg.AllowCookies); err != nil {
		return nil, err
	}
	if cfg.ForceCookies, err = getEnvBool("FRAPPE_FORCE_COOKIES", cfg.ForceCookies); err != nil {
		return nil, err
	}
	if cfg.SkipCSRF, err = getEnvBool("FRAPPE_SKIP_CSRF", cfg.SkipCSRF); err != nil {
		return nil, err
	}
	if cfg.ValidateDocTypes, err = getEnvBool("FRAPPE_VALIDATE_DOCTYPES", cfg.ValidateDocTypes); err != nil {
		return nil, err
	}
	if cfg.FallbackMode, err = getEnvBool("FRAPPE_FALLBACK_MODE", cfg.FallbackMode); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable by a client.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("FRAPPE_BASE_URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("FRAPPE_BASE_URL must be an absolute URL, got %q", c.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("FRAPPE_BASE_URL must use http or https, got %q", u.Scheme)
	}
	if c.Timeout <= 0 {
		return errors.New("FRAPPE_TIMEOUT_MS must be greater than zero")
	}
	if c.Retries < 0 {
		return errors.New("FRAPPE_RETRIES must not be negative")
	}
	if c.DocType == "" {
		return errors.New("FRAPPE_DOCTYPE is required")
	}
	if c.Origin != "" {
		if o, err := url.Parse(c.Origin); err != nil || o.Host == "" {
			return fmt.Errorf("FRAPPE_ORIGIN must be an absolute URL, got %q", c.Origin)
		}
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Fields = append([]string(nil), c.Fields...)
	return &out
}

// AuthToken returns the value placed after "token " in the Authorization
// header. An explicit Token wins over an API key/secret pair.
func (c *Config) AuthToken() string {
	if c.Token != "" {
		return c.Token
	}
	if c.APIKey != "" && c.APISecret != "" {
		return c.APIKey + ":" + c.APISecret
	}
	return ""
}

// TicketEndpoint returns the resource path for the configured DocType.
func (c *Config) TicketEndpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return ResourcePath(c.DocType)
}

// ResourcePath builds the REST resource path for a DocType.
func ResourcePath(doctype string) string {
	return "/api/resource/" + url.PathEscape(doctype)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvMillis(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number of milliseconds: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
