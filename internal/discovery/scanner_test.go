package discovery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lcbro/lcbro/internal/cdp/cdptest"
	"github.com/lcbro/lcbro/pkg/models"
)

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(p, "%d", &port)
	require.NoError(t, err)
	return port
}

// closedPort returns a port nothing is listening on
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := portOf(t, ln.Addr().String())
	ln.Close()
	return port
}

func TestScanReturnsOnlyAnsweringPorts(t *testing.T) {
	var ports []int
	for i := 0; i < 3; i++ {
		srv := cdptest.NewServer()
		t.Cleanup(srv.Close)
		ports = append(ports, srv.Port())
	}
	ports = append(ports, closedPort(t), closedPort(t))

	// accepts the request and stalls past the scan timeout
	stall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(stall.Close)
	ports = append(ports, portOf(t, stall.Listener.Addr().String()))

	s := NewScanner(zaptest.NewLogger(t))
	timeout := 300 * time.Millisecond

	start := time.Now()
	browsers := s.Scan(context.Background(), "127.0.0.1", ports, timeout)
	elapsed := time.Since(start)

	assert.Len(t, browsers, 3)
	assert.Less(t, elapsed, timeout+2*time.Second)

	for _, b := range browsers {
		assert.Equal(t, models.BrowserChrome, b.Type)
		assert.Equal(t, "about:blank", b.URL)
		assert.Contains(t, b.ID, "browser_")
		assert.Contains(t, b.WebSocketDebuggerURL, "/devtools/page/")
		assert.Contains(t, b.Description, "Browser on 127.0.0.1:")
	}
}

func TestScanManyPortsTakesOneTimeout(t *testing.T) {
	// listeners that never accept, so every request hangs until the deadline
	var ports []int
	for i := 0; i < 100; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })
		ports = append(ports, portOf(t, ln.Addr().String()))
	}

	s := NewScanner(zaptest.NewLogger(t))
	timeout := 300 * time.Millisecond

	start := time.Now()
	browsers := s.Scan(context.Background(), "127.0.0.1", ports, timeout)
	elapsed := time.Since(start)

	assert.Empty(t, browsers)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 2*timeout)
}

func TestProbeDescriptor(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()
	srv.SetBrowser("Firefox/121.0")

	s := NewScanner(zaptest.NewLogger(t))
	desc, err := s.Probe(context.Background(), "127.0.0.1", srv.Port(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, fmt.Sprintf("browser_%d", srv.Port()), desc.ID)
	assert.Equal(t, "Firefox/121.0", desc.Title)
	assert.Equal(t, "Firefox/121.0", desc.Version)
	assert.Equal(t, models.BrowserFirefox, desc.Type)
	assert.Equal(t, srv.WebSocketURL(), desc.WebSocketDebuggerURL)
}

func TestProbeUsesVersionID(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()
	srv.SetVersionID("chrome-main")

	desc, err := NewScanner(nil).Probe(context.Background(), "127.0.0.1", srv.Port(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "chrome-main", desc.ID)
}

func TestProbeRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewScanner(nil).Probe(context.Background(), "127.0.0.1", portOf(t, srv.Listener.Addr().String()), time.Second)
	assert.ErrorContains(t, err, "HTTP 500")
}

func TestActiveTabFallbacks(t *testing.T) {
	tab, ok := activeTab([]targetInfo{{Type: "service_worker", URL: "sw"}, {Type: "page", URL: "https://a"}})
	require.True(t, ok)
	assert.Equal(t, "https://a", tab.URL)

	tab, ok = activeTab([]targetInfo{{Type: "iframe", URL: "https://b"}})
	require.True(t, ok)
	assert.Equal(t, "https://b", tab.URL)

	_, ok = activeTab(nil)
	assert.False(t, ok)

	desc := describeLocal("localhost", 9222, versionInfo{}, nil)
	assert.Equal(t, "about:blank", desc.URL)
	assert.Equal(t, "Chrome Browser", desc.Title)
	assert.Equal(t, "Unknown", desc.Version)
	assert.Equal(t, models.BrowserUnknown, desc.Type)
}

func TestScanRange(t *testing.T) {
	s := NewScanner(nil)

	_, err := s.ScanRange(context.Background(), "127.0.0.1", 9300, 9200, time.Second)
	assert.Error(t, err)

	_, err = s.ScanRange(context.Background(), "127.0.0.1", 0, 10, time.Second)
	assert.Error(t, err)

	srv := cdptest.NewServer()
	defer srv.Close()
	browsers, err := s.ScanRange(context.Background(), "127.0.0.1", srv.Port(), srv.Port(), time.Second)
	require.NoError(t, err)
	assert.Len(t, browsers, 1)
}

func TestValidate(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()
	s := NewScanner(zaptest.NewLogger(t))

	status := s.Validate(context.Background(), "127.0.0.1", srv.Port(), time.Second)
	assert.True(t, status.Valid)
	assert.Equal(t, 2, status.Tabs)
	assert.Contains(t, status.Version, "Chrome")

	status = s.Validate(context.Background(), "127.0.0.1", closedPort(t), time.Second)
	assert.False(t, status.Valid)
	assert.NotEmpty(t, status.Error)
}
