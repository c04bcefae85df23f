package launcher

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lcbro/lcbro/internal/cdp/cdptest"
	"github.com/lcbro/lcbro/internal/config"
	"github.com/lcbro/lcbro/internal/profile"
	"github.com/lcbro/lcbro/pkg/models"
)

type fakeRuntime struct {
	mu       sync.Mutex
	port     string
	startErr error
	created  []containerSpec
	removed  []string
	pulled   []string
	closed   bool
}

func (f *fakeRuntime) Create(_ context.Context, spec containerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return "container-" + strconv.Itoa(len(f.created)), nil
}

func (f *fakeRuntime) Start(context.Context, string) error { return f.startErr }

func (f *fakeRuntime) HostPort(context.Context, string) (string, error) { return f.port, nil }

func (f *fakeRuntime) Running(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, removed := range f.removed {
		if removed == id {
			return false
		}
	}
	return true
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) EnsureImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeRuntime) Close() error {
	f.closed = true
	return nil
}

func (f *fakeRuntime) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func testLaunchConfig() config.LaunchConfig {
	return config.LaunchConfig{
		AutoLaunch:   true,
		Image:        "browserless/chrome:latest",
		ReadyTimeout: 2 * time.Second,
	}
}

func TestLaunch(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()

	rt := &fakeRuntime{port: strconv.Itoa(srv.Port())}
	l := newLauncher(testLaunchConfig(), rt, nil, nil, zaptest.NewLogger(t))

	got, err := l.Launch(context.Background(), models.LaunchBrowserRequest{})
	require.NoError(t, err)

	assert.Equal(t, "container-1", got.ContainerID)
	assert.Equal(t, models.BrowserChrome, got.Browser.Type)
	assert.Contains(t, got.Browser.WebSocketDebuggerURL, "127.0.0.1:"+rt.port)

	require.Len(t, rt.created, 1)
	spec := rt.created[0]
	assert.Equal(t, "browserless/chrome:latest", spec.Image)
	assert.Equal(t, "lcbro", spec.Labels["managed-by"])
	assert.Contains(t, spec.Env, "PREBOOT_CHROME=true")
	assert.DirExists(t, spec.DataDir)

	assert.Len(t, l.List(), 1)
	assert.True(t, l.IsHealthy(context.Background(), got.ContainerID))
}

func TestLaunchReadyTimeoutDiscardsContainer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := testLaunchConfig()
	cfg.ReadyTimeout = 100 * time.Millisecond

	rt := &fakeRuntime{port: strconv.Itoa(port)}
	l := newLauncher(cfg, rt, nil, nil, nil)

	_, err = l.Launch(context.Background(), models.LaunchBrowserRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to become ready")
	assert.Equal(t, []string{"container-1"}, rt.removedIDs())
	assert.Empty(t, l.List())
}

func TestLaunchStartFailure(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("no such image")}
	l := newLauncher(testLaunchConfig(), rt, nil, nil, nil)

	_, err := l.Launch(context.Background(), models.LaunchBrowserRequest{})
	assert.ErrorContains(t, err, "no such image")
	assert.Equal(t, []string{"container-1"}, rt.removedIDs())
}

func TestStopSavesProfile(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()

	store, err := profile.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	p := store.Create()

	rt := &fakeRuntime{port: strconv.Itoa(srv.Port())}
	l := newLauncher(testLaunchConfig(), rt, store, nil, nil)

	got, err := l.Launch(context.Background(), models.LaunchBrowserRequest{ProfileID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ProfileID)

	dataDir := rt.created[0].DataDir
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "Preferences"), []byte("{}"), 0o644))

	require.NoError(t, l.Stop(context.Background(), got.ContainerID))
	assert.Equal(t, []string{got.ContainerID}, rt.removedIDs())
	assert.Empty(t, l.List())

	saved, err := store.Get(p.ID)
	require.NoError(t, err)
	assert.Greater(t, saved.SizeBytes, int64(0))
}

func TestLaunchUnknownProfile(t *testing.T) {
	store, err := profile.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	rt := &fakeRuntime{}
	l := newLauncher(testLaunchConfig(), rt, store, nil, nil)

	_, err = l.Launch(context.Background(), models.LaunchBrowserRequest{ProfileID: "missing"})
	assert.ErrorIs(t, err, profile.ErrProfileNotFound)
	assert.Empty(t, rt.created)
}

func TestStopUnknownContainer(t *testing.T) {
	l := newLauncher(testLaunchConfig(), &fakeRuntime{}, nil, nil, nil)
	assert.ErrorIs(t, l.Stop(context.Background(), "nope"), ErrNotLaunched)
}

func TestCloseStopsEverything(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()

	rt := &fakeRuntime{port: strconv.Itoa(srv.Port())}
	l := newLauncher(testLaunchConfig(), rt, nil, nil, nil)

	_, err := l.Launch(context.Background(), models.LaunchBrowserRequest{})
	require.NoError(t, err)
	_, err = l.Launch(context.Background(), models.LaunchBrowserRequest{})
	require.NoError(t, err)

	require.NoError(t, l.EnsureImage(context.Background()))
	require.NoError(t, l.Close())
	assert.Len(t, rt.removedIDs(), 2)
	assert.Equal(t, []string{"browserless/chrome:latest"}, rt.pulled)
	assert.True(t, rt.closed)
}

func TestRewriteHostPort(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"ws://0.0.0.0:3000/devtools/browser/abc", "ws://127.0.0.1:49153/devtools/browser/abc"},
		{"ws://localhost/", "ws://127.0.0.1:49153/"},
		{"", "ws://127.0.0.1:49153"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rewriteHostPort(tt.raw, "127.0.0.1", 49153), tt.raw)
	}
}
