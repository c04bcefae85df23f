package discovery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lcbro/lcbro/internal/config"
	"github.com/lcbro/lcbro/pkg/models"
)

const (
	remoteUserAgent      = "lcbro-remote/1.0"
	defaultRemoteTimeout = 30 * time.Second
	healthTimeout        = 5 * time.Second
)

// RemoteMetadata describes the remote server that answered a browser listing
type RemoteMetadata struct {
	ServerVersion string    `json:"serverVersion,omitempty"`
	ServerInfo    any       `json:"serverInfo,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// BrowsersResult is returned by GetAvailableBrowsers
type BrowsersResult struct {
	Success  bool                       `json:"success"`
	Browsers []models.BrowserDescriptor `json:"browsers"`
	Error    string                     `json:"error,omitempty"`
	Metadata *RemoteMetadata            `json:"metadata,omitempty"`
}

// ServerInfoResult is returned by GetServerInfo
type ServerInfoResult struct {
	Success bool           `json:"success"`
	Info    map[string]any `json:"info,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// BrowserDetailsResult is returned by GetBrowserDetails
type BrowserDetailsResult struct {
	Success bool                      `json:"success"`
	Browser *models.BrowserDescriptor `json:"browser,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

// RemoteEndpoint is a parsed remote server URL
type RemoteEndpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Path     string `json:"path"`
}

type remoteBrowser struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Name         string `json:"name"`
	UserAgent    string `json:"userAgent"`
	Version      string `json:"version"`
	URL          string `json:"url"`
	WebSocketURL string `json:"webSocketUrl"`
	WSURL        string `json:"wsUrl"`
	Description  string `json:"description"`
}

type browsersPayload struct {
	Browsers      []remoteBrowser `json:"browsers"`
	ServerVersion string          `json:"serverVersion"`
	ServerInfo    any             `json:"serverInfo"`
}

// RemoteClient queries a remote browser proxy over its HTTP API
type RemoteClient struct {
	baseURL string
	sslMode string
	client  *resty.Client
	logger  *zap.Logger
}

// NewRemoteClient validates cfg and builds a client. The SSL mode is applied to the base URL.
func NewRemoteClient(cfg config.RemoteConfig, logger *zap.Logger) (*RemoteClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ValidateURL(cfg.URL); err != nil {
		return nil, err
	}

	mode := cfg.SSLMode
	if mode == "" {
		mode = config.SSLAuto
	}
	base, err := applySSLMode(cfg.URL, mode)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", remoteUserAgent).
		SetHeaders(cfg.Headers).
		SetLogger(logger.Sugar())

	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	if mode == config.SSLInsecure {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
		logger.Warn("TLS certificate verification disabled for remote discovery", zap.String("url", base))
	}

	return &RemoteClient{
		baseURL: base,
		sslMode: mode,
		client:  client,
		logger:  logger.With(zap.String("remote", base)),
	}, nil
}

// BaseURL returns the effective base URL after the SSL mode was applied
func (c *RemoteClient) BaseURL() string {
	return c.baseURL
}

// GetAvailableBrowsers lists browsers exposed by the remote server
func (c *RemoteClient) GetAvailableBrowsers(ctx context.Context) BrowsersResult {
	c.logger.Info("fetching browsers from remote server", zap.String("sslMode", c.sslMode))

	var payload browsersPayload
	if err := c.get(ctx, "/api/browsers", &payload); err != nil {
		c.logger.Error("failed to fetch remote browsers", zap.Error(err))
		return BrowsersResult{Browsers: []models.BrowserDescriptor{}, Error: err.Error()}
	}

	browsers := make([]models.BrowserDescriptor, 0, len(payload.Browsers))
	for _, b := range payload.Browsers {
		browsers = append(browsers, c.describe(b, ""))
	}

	c.logger.Info("retrieved remote browsers", zap.Int("count", len(browsers)))
	return BrowsersResult{
		Success:  true,
		Browsers: browsers,
		Metadata: &RemoteMetadata{
			ServerVersion: payload.ServerVersion,
			ServerInfo:    payload.ServerInfo,
			Timestamp:     time.Now(),
		},
	}
}

// GetServerInfo returns the remote server's self description
func (c *RemoteClient) GetServerInfo(ctx context.Context) ServerInfoResult {
	var info map[string]any
	if err := c.get(ctx, "/api/info", &info); err != nil {
		c.logger.Error("failed to get server info", zap.Error(err))
		return ServerInfoResult{Error: err.Error()}
	}
	return ServerInfoResult{Success: true, Info: info}
}

// GetBrowserDetails fetches a single browser by id
func (c *RemoteClient) GetBrowserDetails(ctx context.Context, browserID string) BrowserDetailsResult {
	var b remoteBrowser
	if err := c.get(ctx, "/api/browsers/"+url.PathEscape(browserID), &b); err != nil {
		c.logger.Error("failed to get browser details", zap.String("browserId", browserID), zap.Error(err))
		return BrowserDetailsResult{Error: err.Error()}
	}

	desc := c.describe(b, browserID)
	return BrowserDetailsResult{Success: true, Browser: &desc}
}

// IsServerAvailable reports whether the health endpoint answers 2xx within five seconds
func (c *RemoteClient) IsServerAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	resp, err := c.client.R().SetContext(ctx).Get("/api/health")
	if err != nil {
		c.logger.Debug("remote health check failed", zap.Error(err))
		return false
	}
	return resp.IsSuccess()
}

func (c *RemoteClient) get(ctx context.Context, path string, out any) error {
	resp, err := c.client.R().SetContext(ctx).Get(path)
	if err != nil {
		return err
	}

	c.logger.Debug("remote response", zap.String("path", path), zap.Int("status", resp.StatusCode()))

	if !resp.IsSuccess() {
		return fmt.Errorf("HTTP %s", resp.Status())
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("invalid JSON from %s: %w", path, err)
	}
	return nil
}

// describe maps a remote entry to a descriptor. fallbackID is used by single-browser lookups.
func (c *RemoteClient) describe(b remoteBrowser, fallbackID string) models.BrowserDescriptor {
	id := b.ID
	if id == "" {
		id = fallbackID
	}
	if id == "" {
		id = "remote_" + uuid.NewString()
	}

	title := b.Title
	if title == "" {
		title = orDefault(b.Name, "Remote Browser")
	}

	ws := b.WebSocketURL
	if ws == "" {
		ws = b.WSURL
	}

	description := b.Description
	if description == "" {
		if fallbackID != "" {
			description = "Remote browser " + fallbackID
		} else {
			description = "Remote browser from " + c.baseURL
		}
	}

	return models.BrowserDescriptor{
		ID:                   id,
		Title:                title,
		Type:                 models.DetectBrowserType(orDefault(b.UserAgent, b.Version)),
		URL:                  orDefault(b.URL, "about:blank"),
		WebSocketDebuggerURL: ws,
		Version:              orDefault(b.Version, "Unknown"),
		Description:          description,
	}
}

// ValidateURL requires an http or https URL with a host
func ValidateURL(raw string) error {
	if raw == "" {
		return errors.New("remote url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("remote url must use http or https")
	}
	if u.Hostname() == "" {
		return errors.New("remote url must include a hostname")
	}
	return nil
}

// ParseRemoteURL splits raw into host, port, protocol and path.
// The port defaults to 443 for https and 80 otherwise.
func ParseRemoteURL(raw string) (RemoteEndpoint, error) {
	if err := ValidateURL(raw); err != nil {
		return RemoteEndpoint{}, err
	}
	u, _ := url.Parse(raw)

	port, err := strconv.Atoi(u.Port())
	if err != nil {
		port = 80
		if u.Scheme == "https" {
			port = 443
		}
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return RemoteEndpoint{
		Host:     u.Hostname(),
		Port:     port,
		Protocol: u.Scheme + ":",
		Path:     path,
	}, nil
}

func applySSLMode(raw, mode string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	switch mode {
	case config.SSLEnabled:
		u.Scheme = "https"
	case config.SSLDisabled:
		u.Scheme = "http"
	case config.SSLAuto, config.SSLInsecure:
	default:
		return "", fmt.Errorf("unknown ssl mode %q", mode)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}
