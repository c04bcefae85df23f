package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lcbro/lcbro/pkg/models"
)

const probeUserAgent = "lcbro-detector/1.0"


// EndpointStatus is the outcome of Validate
type EndpointStatus struct {
	Valid   bool   `json:"valid"`
	Version string `json:"version,omitempty"`
	Tabs    int    `json:"tabs"`
	Error   string `json:"error,omitempty"`
}

type versionInfo struct {
	ID                   string `json:"id"`
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type targetInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Scanner probes local ports for DevTools HTTP endpoints
type Scanner struct {
	client *resty.Client
	logger *zap.Logger
}

// NewScanner creates a Scanner
func NewScanner(logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", probeUserAgent).
		SetLogger(logger.Sugar())

	return &Scanner{client: client, logger: logger}
}

// Scan probes every port at once and returns the browsers that answered, so a scan
// takes about one timeout however many ports it covers. Unreachable or malformed
// endpoints are skipped. Order is undefined.
func (s *Scanner) Scan(ctx context.Context, host string, ports []int, timeout time.Duration) []models.BrowserDescriptor {
	var (
		mu       sync.Mutex
		browsers []models.BrowserDescriptor
	)

	var g errgroup.Group

	for _, port := range ports {
		port := port
		g.Go(func() error {
			desc, err := s.Probe(ctx, host, port, timeout)
			if err != nil {
				s.logger.Debug("no browser on port", zap.Int("port", port), zap.Error(err))
				return nil
			}

			s.logger.Debug("found browser", zap.Int("port", port), zap.String("title", desc.Title))
			mu.Lock()
			browsers = append(browsers, desc)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return browsers
}

// ScanRange scans every port in [start, end]
func (s *Scanner) ScanRange(ctx context.Context, host string, start, end int, timeout time.Duration) ([]models.BrowserDescriptor, error) {
	if start < 1 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}

	ports := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		ports = append(ports, p)
	}
	return s.Scan(ctx, host, ports, timeout), nil
}

// Probe inspects a single port. Both requests share one deadline.
func (s *Scanner) Probe(ctx context.Context, host string, port int, timeout time.Duration) (models.BrowserDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base := fmt.Sprintf("http://%s:%d", host, port)

	var version versionInfo
	if err := s.getJSON(ctx, base+"/json/version", &version); err != nil {
		return models.BrowserDescriptor{}, err
	}

	var targets []targetInfo
	if err := s.getJSON(ctx, base+"/json", &targets); err != nil {
		return models.BrowserDescriptor{}, err
	}

	return describeLocal(host, port, version, targets), nil
}

// Validate reports whether host:port serves a usable DevTools endpoint
func (s *Scanner) Validate(ctx context.Context, host string, port int, timeout time.Duration) EndpointStatus {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base := fmt.Sprintf("http://%s:%d", host, port)

	var version versionInfo
	if err := s.getJSON(ctx, base+"/json/version", &version); err != nil {
		return EndpointStatus{Error: err.Error()}
	}

	status := EndpointStatus{Valid: true, Version: orDefault(version.Browser, "Unknown")}

	var targets []targetInfo
	if err := s.getJSON(ctx, base+"/json", &targets); err == nil {
		status.Tabs = len(targets)
	}
	return status
}

func (s *Scanner) getJSON(ctx context.Context, url string, out any) error {
	resp, err := s.client.R().SetContext(ctx).Get(url)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("timeout checking %s: %w", url, ctx.Err())
		}
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode(), url)
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("invalid JSON from %s: %w", url, err)
	}
	return nil
}

func describeLocal(host string, port int, version versionInfo, targets []targetInfo) models.BrowserDescriptor {
	url := "about:blank"
	if tab, ok := activeTab(targets); ok && tab.URL != "" {
		url = tab.URL
	}

	return models.BrowserDescriptor{
		ID:                   orDefault(version.ID, fmt.Sprintf("browser_%d", port)),
		Title:                orDefault(version.Browser, "Chrome Browser"),
		Type:                 models.DetectBrowserType(version.Browser),
		URL:                  url,
		WebSocketDebuggerURL: version.WebSocketDebuggerURL,
		Version:              orDefault(version.Browser, "Unknown"),
		Description:          fmt.Sprintf("Browser on %s:%d", host, port),
	}
}

// activeTab prefers the first page target, falling back to the first target
func activeTab(targets []targetInfo) (targetInfo, bool) {
	for _, t := range targets {
		if t.Type == "page" {
			return t, true
		}
	}
	if len(targets) > 0 {
		return targets[0], true
	}
	return targetInfo{}, false
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
