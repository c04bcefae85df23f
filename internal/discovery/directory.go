package discovery

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/lcbro/lcbro/internal/config"
	"github.com/lcbro/lcbro/internal/metrics"
	"github.com/lcbro/lcbro/pkg/models"
)

// Directory answers "which browsers can I connect to right now". Results are never cached.
type Directory struct {
	cfg     config.CDPConfig
	scanner *Scanner
	remote  *RemoteClient
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDirectory builds a Directory. A remote client is created only when remote is enabled.
func NewDirectory(cfg config.CDPConfig, m *metrics.Metrics, logger *zap.Logger) (*Directory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Directory{
		cfg:     cfg,
		scanner: NewScanner(logger.Named("scanner")),
		metrics: m,
		logger:  logger,
	}

	if cfg.Remote.Enabled {
		remote, err := NewRemoteClient(cfg.Remote, logger.Named("remote"))
		if err != nil {
			return nil, err
		}
		d.remote = remote
	}

	return d, nil
}

// Scanner exposes the local port scanner
func (d *Directory) Scanner() *Scanner {
	return d.scanner
}

// Remote returns the remote client, or nil when remote discovery is off
func (d *Directory) Remote() *RemoteClient {
	return d.remote
}

// Ports returns the scan list: the configured CDP port first, then the detection ports
func (d *Directory) Ports() []int {
	ports := make([]int, 0, len(d.cfg.Detection.Ports)+1)
	if d.cfg.Port > 0 {
		ports = append(ports, d.cfg.Port)
	}
	for _, p := range d.cfg.Detection.Ports {
		if !slices.Contains(ports, p) {
			ports = append(ports, p)
		}
	}
	return ports
}

// Discover runs one discovery pass. Remote and local results are never merged.
func (d *Directory) Discover(ctx context.Context) models.DiscoveryResult {
	start := time.Now()

	if !d.cfg.Detection.Enabled {
		d.logger.Debug("browser detection disabled")
		return models.DiscoveryResult{
			Browsers: []models.BrowserDescriptor{},
			Source:   models.SourceDisabled,
		}
	}

	var result models.DiscoveryResult
	if d.cfg.Detection.UseRemote && d.remote != nil {
		result = d.discoverRemote(ctx)
	} else {
		result = d.discoverLocal(ctx)
	}

	elapsed := time.Since(start)
	result.ElapsedMS = elapsed.Milliseconds()
	d.metrics.ObserveDiscovery(string(result.Source), len(result.Browsers), elapsed)

	d.logger.Info("browser discovery completed",
		zap.String("source", string(result.Source)),
		zap.Int("browsersFound", len(result.Browsers)),
		zap.Int("totalScanned", result.TotalScanned),
		zap.Duration("elapsed", elapsed))

	return result
}

func (d *Directory) discoverLocal(ctx context.Context) models.DiscoveryResult {
	ports := d.Ports()
	d.logger.Debug("scanning local ports", zap.String("host", d.cfg.Host), zap.Ints("ports", ports))

	browsers := d.scanner.Scan(ctx, d.cfg.Host, ports, d.cfg.Detection.Timeout)
	if browsers == nil {
		browsers = []models.BrowserDescriptor{}
	}

	return models.DiscoveryResult{
		Browsers:     browsers,
		Source:       models.SourceLocal,
		TotalScanned: len(ports),
	}
}

func (d *Directory) discoverRemote(ctx context.Context) models.DiscoveryResult {
	res := d.remote.GetAvailableBrowsers(ctx)
	return models.DiscoveryResult{
		Browsers:     res.Browsers,
		Source:       models.SourceRemote,
		TotalScanned: 1,
		Error:        res.Error,
	}
}

// Watch runs Discover every interval until ctx is cancelled, passing each result to fn
func (d *Directory) Watch(ctx context.Context, interval time.Duration, fn func(models.DiscoveryResult)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(d.Discover(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
