package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lcbro/lcbro/internal/config"
	"github.com/lcbro/lcbro/internal/discovery"
	"github.com/lcbro/lcbro/internal/profile"
	"github.com/lcbro/lcbro/pkg/models"
)

// ErrNotLaunched is returned for container ids this launcher did not start
var ErrNotLaunched = errors.New("browser was not launched by this server")

const (
	readyPollInterval = 500 * time.Millisecond
	readyProbeTimeout = 2 * time.Second
	stopTimeout       = 30 * time.Second
)

type launched struct {
	info        models.LaunchedBrowser
	userDataDir string
}

// Launcher starts debuggable browsers in containers
type Launcher struct {
	cfg      config.LaunchConfig
	host     string
	rt       containerRuntime
	profiles *profile.Store
	scanner  *discovery.Scanner
	logger   *zap.Logger

	mu       sync.Mutex
	browsers map[string]*launched
}

// New connects to the local Docker daemon. profiles may be nil.
func New(cfg config.LaunchConfig, profiles *profile.Store, scanner *discovery.Scanner, logger *zap.Logger) (*Launcher, error) {
	rt, err := newDockerRuntime()
	if err != nil {
		return nil, err
	}
	return newLauncher(cfg, rt, profiles, scanner, logger), nil
}

func newLauncher(cfg config.LaunchConfig, rt containerRuntime, profiles *profile.Store, scanner *discovery.Scanner, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scanner == nil {
		scanner = discovery.NewScanner(logger)
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	return &Launcher{
		cfg:      cfg,
		host:     "127.0.0.1",
		rt:       rt,
		profiles: profiles,
		scanner:  scanner,
		logger:   logger,
		browsers: make(map[string]*launched),
	}
}

// EnsureImage pulls the configured image when it is not present locally
func (l *Launcher) EnsureImage(ctx context.Context) error {
	return l.rt.EnsureImage(ctx, l.cfg.Image)
}

// Launch starts a browser container and waits until its DevTools endpoint answers.
// With a ProfileID the profile's user data is restored into the container.
func (l *Launcher) Launch(ctx context.Context, req models.LaunchBrowserRequest) (*models.LaunchedBrowser, error) {
	launchID := uuid.NewString()

	userDataDir, err := l.prepareUserData(req.ProfileID, launchID)
	if err != nil {
		return nil, err
	}

	id, err := l.rt.Create(ctx, containerSpec{
		Name:  "lcbro-" + launchID[:8],
		Image: l.cfg.Image,
		Labels: map[string]string{
			"managed-by": "lcbro",
			"launch-id":  launchID,
			"profile-id": req.ProfileID,
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		DataDir: userDataDir,
	})
	if err != nil {
		return nil, err
	}

	browser, err := l.start(ctx, id)
	if err != nil {
		l.discard(id)
		return nil, err
	}

	info := models.LaunchedBrowser{
		ContainerID: id,
		ProfileID:   req.ProfileID,
		Browser:     browser,
	}

	l.mu.Lock()
	l.browsers[id] = &launched{info: info, userDataDir: userDataDir}
	l.mu.Unlock()

	l.logger.Info("browser launched",
		zap.String("containerId", id),
		zap.String("profileId", req.ProfileID),
		zap.String("endpoint", browser.WebSocketDebuggerURL))
	return &info, nil
}

func (l *Launcher) prepareUserData(profileID, launchID string) (string, error) {
	if profileID == "" || l.profiles == nil {
		dir := filepath.Join(os.TempDir(), "lcbro-browser-data", launchID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create user data directory: %w", err)
		}
		return dir, nil
	}

	dir, err := l.profiles.Restore(profileID)
	if err != nil {
		return "", fmt.Errorf("failed to restore profile %s: %w", profileID, err)
	}
	return dir, nil
}

func (l *Launcher) start(ctx context.Context, id string) (models.BrowserDescriptor, error) {
	if err := l.rt.Start(ctx, id); err != nil {
		return models.BrowserDescriptor{}, err
	}

	hostPort, err := l.rt.HostPort(ctx, id)
	if err != nil {
		return models.BrowserDescriptor{}, err
	}
	port, err := strconv.Atoi(hostPort)
	if err != nil {
		return models.BrowserDescriptor{}, fmt.Errorf("invalid host port %q: %w", hostPort, err)
	}

	desc, err := l.waitReady(ctx, port)
	if err != nil {
		return models.BrowserDescriptor{}, fmt.Errorf("browser failed to become ready: %w", err)
	}
	desc.WebSocketDebuggerURL = rewriteHostPort(desc.WebSocketDebuggerURL, l.host, port)
	return desc, nil
}

// waitReady polls the DevTools endpoint until it answers or the ready timeout passes
func (l *Launcher) waitReady(ctx context.Context, port int) (models.BrowserDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		desc, err := l.scanner.Probe(ctx, l.host, port, readyProbeTimeout)
		if err == nil {
			return desc, nil
		}
		l.logger.Debug("browser not ready yet", zap.Int("port", port), zap.Error(err))

		select {
		case <-ctx.Done():
			return models.BrowserDescriptor{}, fmt.Errorf("no devtools endpoint on port %d after %s: %w", port, l.cfg.ReadyTimeout, err)
		case <-ticker.C:
		}
	}
}

// Stop saves the profile, if any, and removes the container
func (l *Launcher) Stop(ctx context.Context, containerID string) error {
	l.mu.Lock()
	b, ok := l.browsers[containerID]
	delete(l.browsers, containerID)
	l.mu.Unlock()

	if !ok {
		return ErrNotLaunched
	}

	if b.info.ProfileID != "" && l.profiles != nil {
		if err := l.profiles.Save(b.info.ProfileID, b.userDataDir); err != nil {
			l.logger.Warn("failed to save profile", zap.String("profileId", b.info.ProfileID), zap.Error(err))
		}
	}

	if err := l.rt.Remove(ctx, containerID); err != nil {
		return err
	}

	l.logger.Info("browser stopped", zap.String("containerId", containerID))
	return nil
}

// List returns the browsers started by this launcher
func (l *Launcher) List() []models.LaunchedBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.LaunchedBrowser, 0, len(l.browsers))
	for _, b := range l.browsers {
		out = append(out, b.info)
	}
	return out
}

// IsHealthy reports whether the container is still running
func (l *Launcher) IsHealthy(ctx context.Context, containerID string) bool {
	return l.rt.Running(ctx, containerID)
}

// Close stops every launched browser and releases the Docker client
func (l *Launcher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	for _, b := range l.List() {
		if err := l.Stop(ctx, b.ContainerID); err != nil {
			l.logger.Warn("failed to stop browser", zap.String("containerId", b.ContainerID), zap.Error(err))
		}
	}
	return l.rt.Close()
}

func (l *Launcher) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := l.rt.Remove(ctx, id); err != nil {
		l.logger.Warn("failed to clean up container", zap.String("containerId", id), zap.Error(err))
	}
}

// rewriteHostPort points a container-reported websocket URL at the published host port
func rewriteHostPort(raw, host string, port int) string {
	hostPort := net.JoinHostPort(host, strconv.Itoa(port))
	if raw == "" {
		return "ws://" + hostPort
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "ws://" + hostPort
	}
	u.Host = hostPort
	return u.String()
}
