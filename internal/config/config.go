package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/lcbro/lcbro/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. LCBRO_BROWSER_CDP_PORT
const EnvPrefix = "LCBRO"

// SSL modes accepted for the remote discovery server
const (
	SSLAuto     = "auto"
	SSLEnabled  = "enabled"
	SSLDisabled = "disabled"
	SSLInsecure = "insecure"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Browser   BrowserConfig   `yaml:"browser" envconfig:"BROWSER"`
	Logging   logging.Config  `yaml:"logging" envconfig:"LOG"`
	RateLimit RateLimitConfig `yaml:"rateLimit" envconfig:"RATE_LIMIT"`
}

// ServerConfig holds the control API listener settings
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"readTimeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Addr returns host:port for http.Server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BrowserConfig groups browser engine settings
type BrowserConfig struct {
	CDP CDPConfig `yaml:"cdp" envconfig:"CDP"`
}

// CDPConfig holds remote debugging protocol settings
type CDPConfig struct {
	Host              string        `yaml:"host" envconfig:"HOST"`
	Port              int           `yaml:"port" envconfig:"PORT"`
	MaxRetries        int           `yaml:"maxRetries" envconfig:"MAX_RETRIES"`
	RetryDelay        time.Duration `yaml:"retryDelay" envconfig:"RETRY_DELAY"`
	MaxContexts       int           `yaml:"maxContexts" envconfig:"MAX_CONTEXTS"`
	CommandTimeout    time.Duration `yaml:"commandTimeout" envconfig:"COMMAND_TIMEOUT"`
	NavigationTimeout time.Duration `yaml:"navigationTimeout" envconfig:"NAVIGATION_TIMEOUT"`

	Remote     RemoteConfig     `yaml:"remote" envconfig:"REMOTE"`
	Detection  DetectionConfig  `yaml:"detection" envconfig:"DETECTION"`
	Launch     LaunchConfig     `yaml:"launch" envconfig:"LAUNCH"`
	Connection ConnectionConfig `yaml:"connection" envconfig:"CONNECTION"`
}

// RemoteConfig points discovery at a remote browser proxy
type RemoteConfig struct {
	Enabled bool              `yaml:"enabled" envconfig:"ENABLED"`
	URL     string            `yaml:"url" envconfig:"URL"`
	SSLMode string            `yaml:"sslMode" envconfig:"SSL_MODE"`
	APIKey  string            `yaml:"apiKey" envconfig:"API_KEY"`
	Headers map[string]string `yaml:"headers" envconfig:"HEADERS"`
	Timeout time.Duration     `yaml:"timeout" envconfig:"TIMEOUT"`
}

// DetectionConfig controls browser discovery
type DetectionConfig struct {
	Enabled   bool          `yaml:"enabled" envconfig:"ENABLED"`
	Ports     []int         `yaml:"ports" envconfig:"PORTS"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	UseRemote bool          `yaml:"useRemote" envconfig:"USE_REMOTE"`
}

// LaunchConfig controls container launched browsers
type LaunchConfig struct {
	AutoLaunch   bool          `yaml:"autoLaunch" envconfig:"AUTO"`
	Image        string        `yaml:"image" envconfig:"IMAGE"`
	ProfileDir   string        `yaml:"profileDir" envconfig:"PROFILE_DIR"`
	ReadyTimeout time.Duration `yaml:"readyTimeout" envconfig:"READY_TIMEOUT"`
}

// ConnectionConfig controls a single CDP connection and its recovery
type ConnectionConfig struct {
	Timeout            time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	KeepAlive          bool          `yaml:"keepAlive" envconfig:"KEEP_ALIVE"`
	Reconnect          bool          `yaml:"reconnect" envconfig:"RECONNECT"`
	MaxReconnects      int           `yaml:"maxReconnects" envconfig:"MAX_RECONNECTS"`
	ReconnectBaseDelay time.Duration `yaml:"reconnectBaseDelay" envconfig:"RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnectMaxDelay" envconfig:"RECONNECT_MAX_DELAY"`
}

// RateLimitConfig holds control API rate limiting
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" envconfig:"ENABLED"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" envconfig:"RPS"`
	Burst             int     `yaml:"burst" envconfig:"BURST"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            3000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Browser: BrowserConfig{
			CDP: CDPConfig{
				Host:              "localhost",
				Port:              9222,
				MaxRetries:        3,
				RetryDelay:        time.Second,
				MaxContexts:       8,
				CommandTimeout:    30 * time.Second,
				NavigationTimeout: 30 * time.Second,
				Remote: RemoteConfig{
					SSLMode: SSLAuto,
					Headers: map[string]string{},
					Timeout: 30 * time.Second,
				},
				Detection: DetectionConfig{
					Enabled: true,
					Ports:   []int{9222, 9223, 9224, 9225, 9226},
					Timeout: 5 * time.Second,
				},
				Launch: LaunchConfig{
					Image:        "browserless/chrome:latest",
					ProfileDir:   "./storage/profiles",
					ReadyTimeout: 10 * time.Second,
				},
				Connection: ConnectionConfig{
					Timeout:            30 * time.Second,
					KeepAlive:          true,
					Reconnect:          true,
					MaxReconnects:      5,
					ReconnectBaseDelay: time.Second,
					ReconnectMaxDelay:  30 * time.Second,
				},
			},
		},
		Logging: logging.DefaultConfig(),
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load layers the YAML file at path and LCBRO_* environment variables over Default.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	cdp := c.Browser.CDP

	if err := validPort("browser.cdp.port", cdp.Port); err != nil {
		return err
	}
	for _, p := range cdp.Detection.Ports {
		if err := validPort("browser.cdp.detection.ports", p); err != nil {
			return err
		}
	}
	if err := validPort("server.port", c.Server.Port); err != nil {
		return err
	}

	switch cdp.Remote.SSLMode {
	case SSLAuto, SSLEnabled, SSLDisabled, SSLInsecure:
	default:
		return fmt.Errorf("invalid browser.cdp.remote.sslMode %q", cdp.Remote.SSLMode)
	}

	if cdp.Remote.Enabled {
		if cdp.Remote.URL == "" {
			return fmt.Errorf("browser.cdp.remote.url is required when remote is enabled")
		}
		u, err := url.Parse(cdp.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid browser.cdp.remote.url %q", cdp.Remote.URL)
		}
	}

	if cdp.MaxRetries < 1 {
		return fmt.Errorf("browser.cdp.maxRetries must be at least 1")
	}
	if cdp.Connection.MaxReconnects < 0 {
		return fmt.Errorf("browser.cdp.connection.maxReconnects must not be negative")
	}
	if cdp.Detection.Timeout <= 0 || cdp.Connection.Timeout <= 0 || cdp.CommandTimeout <= 0 {
		return fmt.Errorf("browser.cdp timeouts must be positive")
	}

	return nil
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid %s %d", name, port)
	}
	return nil
}
