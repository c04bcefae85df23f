package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lcbro/lcbro/internal/cdp"
	"github.com/lcbro/lcbro/internal/config"
	"github.com/lcbro/lcbro/internal/metrics"
	"github.com/lcbro/lcbro/pkg/models"
)

const (
	contextIDPrefix = "cdp_"
	pingInterval    = 30 * time.Second
)

// initDomains are enabled in order on every new connection
var initDomains = []string{"Runtime.enable", "Page.enable", "Network.enable", "DOM.enable"}

// Discoverer lists connectable browsers
type Discoverer interface {
	Discover(ctx context.Context) models.DiscoveryResult
}

// Launcher starts a browser when discovery finds none
type Launcher interface {
	Launch(ctx context.Context, req models.LaunchBrowserRequest) (*models.LaunchedBrowser, error)
}

// Options configures a Manager
type Options struct {
	Config    config.CDPConfig
	Directory Discoverer
	Launcher  Launcher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Manager owns every connection context: their transports, command tables and reconnection tasks
type Manager struct {
	cfg      config.CDPConfig
	dir      Discoverer
	launcher Launcher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	slots    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu       sync.RWMutex
	contexts map[string]*entry
	closed   bool
}

// entry is the manager's private record for one context
type entry struct {
	mu sync.Mutex

	info       models.ConnectionContext
	descriptor models.BrowserDescriptor
	conn       *cdp.Conn

	registered      bool
	closedLocally   bool
	attempts        int
	cancelReconnect context.CancelFunc

	subscribers map[int]chan models.ContextEvent
	nextSub     int
	loadWaiters map[*loadWaiter]struct{}
}

// NewManager creates a Manager
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxContexts := opts.Config.MaxContexts
	if maxContexts <= 0 {
		maxContexts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      opts.Config,
		dir:      opts.Directory,
		launcher: opts.Launcher,
		metrics:  opts.Metrics,
		logger:   logger,
		slots:    semaphore.NewWeighted(int64(maxContexts)),
		ctx:      ctx,
		cancel:   cancel,
		contexts: make(map[string]*entry),
	}
}

// Connect makes a single attempt to open a context on desc.
// On failure nothing is registered.
func (m *Manager) Connect(ctx context.Context, desc models.BrowserDescriptor) (models.ConnectionContext, error) {
	start := time.Now()
	id := contextIDPrefix + uuid.NewString()

	info, err := m.connect(ctx, id, desc)
	if err != nil {
		m.metrics.ObserveConnect("failure")
		m.logger.Warn("connect failed",
			zap.String("contextId", id),
			zap.String("browserId", desc.ID),
			zap.Error(err))
		return models.ConnectionContext{}, opError("connect", id, start, err)
	}

	m.metrics.ObserveConnect("success")
	m.refreshGauge()
	m.logger.Info("context connected",
		zap.String("contextId", id),
		zap.String("browserId", desc.ID),
		zap.String("endpoint", desc.WebSocketDebuggerURL),
		zap.Duration("elapsed", time.Since(start)))
	return info, nil
}

func (m *Manager) connect(ctx context.Context, id string, desc models.BrowserDescriptor) (models.ConnectionContext, error) {
	if m.isClosed() {
		return models.ConnectionContext{}, ErrManagerClosed
	}
	if desc.WebSocketDebuggerURL == "" {
		return models.ConnectionContext{}, cdp.ErrMissingEndpoint
	}
	if !m.slots.TryAcquire(1) {
		return models.ConnectionContext{}, ErrTooManyContexts
	}

	now := time.Now()
	e := &entry{
		info: models.ConnectionContext{
			ID:        id,
			URL:       desc.URL,
			Title:     desc.Title,
			Type:      models.ContextTypeCDP,
			CreatedAt: now,
			LastUsed:  now,
			BrowserID: desc.ID,
			Endpoint:  desc.WebSocketDebuggerURL,
		},
		descriptor:  desc,
		subscribers: make(map[int]chan models.ContextEvent),
		loadWaiters: make(map[*loadWaiter]struct{}),
	}

	dial := cdp.DialOptions{
		Timeout: m.cfg.Connection.Timeout,
		Logger:  m.logger.With(zap.String("contextId", id)),
	}
	if m.cfg.Connection.KeepAlive {
		dial.PingInterval = pingInterval
	}

	conn, err := cdp.Connect(ctx, desc.WebSocketDebuggerURL, cdp.ConnOptions{
		Dial:           dial,
		CommandTimeout: m.cfg.CommandTimeout,
		OnEvent:        func(ev cdp.Event) { m.handleEvent(e, ev) },
		OnClose:        func(info cdp.CloseInfo) { m.handleClose(e, info) },
	})
	if err != nil {
		m.slots.Release(1)
		return models.ConnectionContext{}, err
	}
	e.conn = conn

	if err := m.initialize(ctx, e); err != nil {
		conn.Close()
		m.slots.Release(1)
		return models.ConnectionContext{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.closed {
		conn.Close()
		m.slots.Release(1)
		return models.ConnectionContext{}, ErrManagerClosed
	}
	if !conn.IsOpen() {
		m.slots.Release(1)
		return models.ConnectionContext{}, cdp.ErrTransportClosed
	}

	e.info.IsActive = true
	e.registered = true
	m.contexts[id] = e

	return e.info, nil
}

func (m *Manager) initialize(ctx context.Context, e *entry) error {
	for _, method := range initDomains {
		if _, err := m.call(ctx, e, method, nil); err != nil {
			return fmt.Errorf("initialization failed at %s: %w", method, err)
		}
	}
	return nil
}

// ConnectToBrowser retries Connect up to maxRetries times, waiting retryDelay between attempts
func (m *Manager) ConnectToBrowser(ctx context.Context, desc models.BrowserDescriptor) (models.ConnectionContext, error) {
	attempts := max(m.cfg.MaxRetries, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		info, err := m.Connect(ctx, desc)
		if err == nil {
			return info, nil
		}
		lastErr = err

		m.logger.Warn("connection attempt failed",
			zap.String("browserId", desc.ID),
			zap.Int("attempt", attempt),
			zap.Int("maxRetries", attempts),
			zap.Error(err))

		if attempt == attempts {
			break
		}
		if err := sleepCtx(ctx, m.cfg.RetryDelay); err != nil {
			return models.ConnectionContext{}, err
		}
	}
	return models.ConnectionContext{}, lastErr
}

// ConnectFirstAvailable discovers browsers and connects to the first one.
// When none is found and auto launch is on, a browser is launched first.
func (m *Manager) ConnectFirstAvailable(ctx context.Context) (models.ConnectionContext, error) {
	start := time.Now()

	desc, err := m.firstAvailable(ctx)
	if err != nil {
		return models.ConnectionContext{}, opError("discover", "", start, err)
	}
	return m.ConnectToBrowser(ctx, desc)
}

func (m *Manager) firstAvailable(ctx context.Context) (models.BrowserDescriptor, error) {
	if m.dir != nil {
		res := m.dir.Discover(ctx)
		if len(res.Browsers) > 0 {
			return res.Browsers[0], nil
		}
		if res.Error != "" {
			m.logger.Warn("discovery reported an error", zap.String("source", string(res.Source)), zap.String("error", res.Error))
		}
	}

	if m.launcher == nil || !m.cfg.Launch.AutoLaunch {
		return models.BrowserDescriptor{}, ErrNoBrowsers
	}

	m.logger.Info("no browsers discovered, launching one")
	launched, err := m.launcher.Launch(ctx, models.LaunchBrowserRequest{})
	if err != nil {
		return models.BrowserDescriptor{}, fmt.Errorf("%w: launch failed: %v", ErrNoBrowsers, err)
	}
	return launched.Browser, nil
}

// ConnectByID rediscovers and connects to the browser with the given descriptor id
func (m *Manager) ConnectByID(ctx context.Context, browserID string) (models.ConnectionContext, error) {
	start := time.Now()
	if m.dir == nil {
		return models.ConnectionContext{}, opError("discover", "", start, ErrNoBrowsers)
	}

	res := m.dir.Discover(ctx)
	for _, b := range res.Browsers {
		if b.ID == browserID {
			return m.ConnectToBrowser(ctx, b)
		}
	}
	return models.ConnectionContext{}, opError("discover", "", start, fmt.Errorf("%w: no browser with id %q", ErrNoBrowsers, browserID))
}

// CloseContext closes the context's transport, cancels its reconnection task and forgets it
func (m *Manager) CloseContext(id string) error {
	start := time.Now()

	m.mu.Lock()
	e, ok := m.contexts[id]
	delete(m.contexts, id)
	m.mu.Unlock()

	if !ok {
		return opError("close", id, start, ErrContextNotFound)
	}

	m.teardown(e)
	m.refreshGauge()
	m.logger.Info("context closed", zap.String("contextId", id))
	return nil
}

func (m *Manager) teardown(e *entry) {
	e.mu.Lock()
	e.closedLocally = true
	wasActive := e.info.IsActive
	e.info.IsActive = false
	cancel := e.cancelReconnect
	e.cancelReconnect = nil
	subs := e.detachSubscribersLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if e.conn != nil {
		e.conn.Close()
		m.metrics.AddOrphans(e.conn.Correlator().Orphaned())
	}
	if wasActive {
		m.slots.Release(1)
	}
	for _, ch := range subs {
		close(ch)
	}
}

// handleClose runs on the transport's read goroutine once the socket is gone
func (m *Manager) handleClose(e *entry, info cdp.CloseInfo) {
	e.mu.Lock()
	wasActive := e.info.IsActive
	e.info.IsActive = false
	registered := e.registered
	local := e.closedLocally
	id := e.info.ID
	var subs []chan models.ContextEvent
	if registered && wasActive {
		subs = e.detachSubscribersLocked()
	}
	e.mu.Unlock()

	if !registered || !wasActive {
		return
	}

	m.slots.Release(1)
	m.refreshGauge()
	m.metrics.AddOrphans(e.conn.Correlator().Orphaned())
	for _, ch := range subs {
		close(ch)
	}

	if local {
		m.logger.Info("connection closed", zap.String("contextId", id), zap.Int("code", info.Code))
		return
	}

	m.logger.Warn("connection lost",
		zap.String("contextId", id),
		zap.Int("code", info.Code),
		zap.String("reason", info.Reason))
	m.scheduleReconnect(e)
}

func (m *Manager) scheduleReconnect(e *entry) {
	conn := m.cfg.Connection
	id := e.info.ID

	if !conn.Reconnect {
		m.logger.Info("reconnect disabled, context stays inactive", zap.String("contextId", id))
		return
	}

	e.mu.Lock()
	if e.attempts >= conn.MaxReconnects {
		e.mu.Unlock()
		m.metrics.ObserveReconnect("exhausted")
		m.logger.Error("reconnect attempts exhausted", zap.String("contextId", id), zap.Int("maxReconnects", conn.MaxReconnects))
		return
	}

	m.mu.RLock()
	stopping := m.closed
	if !stopping {
		m.tasks.Add(1)
	}
	m.mu.RUnlock()
	if stopping {
		e.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	e.cancelReconnect = cancel
	e.mu.Unlock()

	go func() {
		defer m.tasks.Done()
		defer cancel()
		m.reconnectLoop(ctx, e)
	}()
}

// reconnectLoop waits, rediscovers and reconnects until success, exhaustion or cancellation
func (m *Manager) reconnectLoop(ctx context.Context, e *entry) {
	cfg := m.cfg.Connection
	logger := m.logger.With(zap.String("contextId", e.info.ID))

	for {
		e.mu.Lock()
		if e.attempts >= cfg.MaxReconnects {
			e.cancelReconnect = nil
			e.mu.Unlock()
			m.metrics.ObserveReconnect("exhausted")
			logger.Error("reconnect attempts exhausted", zap.Int("maxReconnects", cfg.MaxReconnects))
			return
		}
		e.attempts++
		attempt := e.attempts
		e.info.ReconnectAttempts = attempt
		previous := e.descriptor
		e.mu.Unlock()

		delay := ReconnectDelay(attempt, cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay)
		logger.Info("scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Int("maxReconnects", cfg.MaxReconnects),
			zap.Duration("delay", delay))

		if err := sleepCtx(ctx, delay); err != nil {
			logger.Debug("reconnect cancelled")
			return
		}
		m.metrics.ObserveReconnect("attempt")

		if m.dir == nil {
			logger.Warn("reconnect attempt skipped, no directory configured")
			continue
		}

		res := m.dir.Discover(ctx)
		if ctx.Err() != nil {
			return
		}
		if len(res.Browsers) == 0 {
			logger.Warn("reconnect attempt found no browsers", zap.Int("attempt", attempt), zap.String("error", res.Error))
			continue
		}

		target := res.Browsers[0]
		if target.WebSocketDebuggerURL != previous.WebSocketDebuggerURL {
			logger.Warn("reconnecting to a different browser",
				zap.String("previousEndpoint", previous.WebSocketDebuggerURL),
				zap.String("endpoint", target.WebSocketDebuggerURL))
		}

		next, err := m.Connect(ctx, target)
		if err != nil {
			logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		e.mu.Lock()
		e.info.ReplacedBy = next.ID
		e.cancelReconnect = nil
		e.mu.Unlock()

		m.metrics.ObserveReconnect("success")
		logger.Info("reconnected", zap.String("replacedBy", next.ID), zap.Int("attempt", attempt))
		return
	}
}

// GetContext returns a snapshot of the context
func (m *Manager) GetContext(id string) (models.ConnectionContext, error) {
	e, ok := m.lookup(id)
	if !ok {
		return models.ConnectionContext{}, ErrContextNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, nil
}

// ListContexts returns every known context, oldest first
func (m *Manager) ListContexts() []models.ConnectionContext {
	return m.snapshot(func(models.ConnectionContext) bool { return true })
}

// ActiveContexts returns the contexts whose transport is open
func (m *Manager) ActiveContexts() []models.ConnectionContext {
	return m.snapshot(func(c models.ConnectionContext) bool { return c.IsActive })
}

func (m *Manager) snapshot(keep func(models.ConnectionContext) bool) []models.ConnectionContext {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.contexts))
	for _, e := range m.contexts {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.ConnectionContext, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		info := e.info
		e.mu.Unlock()
		if keep(info) {
			out = append(out, info)
		}
	}

	slices.SortFunc(out, func(a, b models.ConnectionContext) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Shutdown closes every context and waits for reconnection tasks to stop
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.contexts))
	for id, e := range m.contexts {
		entries = append(entries, e)
		delete(m.contexts, id)
	}
	m.mu.Unlock()

	m.cancel()
	for _, e := range entries {
		m.teardown(e)
	}
	m.refreshGauge()

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("session manager stopped", zap.Int("contextsClosed", len(entries)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.contexts[id]
	return e, ok
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) refreshGauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetActiveContexts(len(m.ActiveContexts()))
}

// call issues one command on e and records its outcome
func (m *Manager) call(ctx context.Context, e *entry, method string, params any) (json.RawMessage, error) {
	return m.callNotify(ctx, e, method, params, nil)
}

func (m *Manager) callNotify(ctx context.Context, e *entry, method string, params any, onReply func()) (json.RawMessage, error) {
	start := time.Now()
	res, err := e.conn.CallNotify(ctx, method, params, onReply)
	m.metrics.ObserveCommand(method, outcome(err), time.Since(start))

	e.mu.Lock()
	e.info.LastUsed = time.Now()
	e.mu.Unlock()
	return res, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, cdp.ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, cdp.ErrTransportClosed):
		return "closed"
	default:
		return "error"
	}
}

func (e *entry) detachSubscribersLocked() []chan models.ContextEvent {
	subs := make([]chan models.ContextEvent, 0, len(e.subscribers))
	for id, ch := range e.subscribers {
		subs = append(subs, ch)
		delete(e.subscribers, id)
	}
	return subs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
