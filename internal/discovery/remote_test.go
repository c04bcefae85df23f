package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lcbro/lcbro/internal/config"
	"github.com/lcbro/lcbro/pkg/models"
)

func remoteAPI(t *testing.T, status int) (*httptest.Server, *http.Header) {
	t.Helper()
	seen := &http.Header{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/browsers", func(w http.ResponseWriter, r *http.Request) {
		*seen = r.Header.Clone()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"serverVersion": "2.1.0",
			"browsers": []map[string]string{
				{"id": "b1", "title": "Edge Pool", "userAgent": "Mozilla/5.0 Edge/120", "webSocketUrl": "wss://remote/b1"},
				{"name": "Firefox Farm", "version": "Firefox/121", "wsUrl": "wss://remote/ff"},
			},
		})
	})
	mux.HandleFunc("/api/browsers/b1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"title": "Edge Pool", "version": "Chrome/120", "wsUrl": "wss://remote/b1"})
	})
	mux.HandleFunc("/api/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"name": "browser-proxy", "browsers": 2})
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, seen
}

func newTestRemote(t *testing.T, cfg config.RemoteConfig) *RemoteClient {
	t.Helper()
	if cfg.SSLMode == "" {
		cfg.SSLMode = config.SSLAuto
	}
	client, err := NewRemoteClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client
}

func TestGetAvailableBrowsers(t *testing.T) {
	srv, seen := remoteAPI(t, http.StatusOK)
	client := newTestRemote(t, config.RemoteConfig{
		URL:     srv.URL,
		APIKey:  "secret",
		Headers: map[string]string{"X-Tenant": "qa"},
	})

	res := client.GetAvailableBrowsers(context.Background())
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Browsers, 2)

	assert.Equal(t, "Bearer secret", seen.Get("Authorization"))
	assert.Equal(t, "secret", seen.Get("X-API-Key"))
	assert.Equal(t, "qa", seen.Get("X-Tenant"))
	assert.Equal(t, "application/json", seen.Get("Accept"))

	first := res.Browsers[0]
	assert.Equal(t, "b1", first.ID)
	assert.Equal(t, "Edge Pool", first.Title)
	assert.Equal(t, models.BrowserEdge, first.Type)
	assert.Equal(t, "about:blank", first.URL)
	assert.Equal(t, "wss://remote/b1", first.WebSocketDebuggerURL)
	assert.Equal(t, "Unknown", first.Version)

	second := res.Browsers[1]
	assert.True(t, strings.HasPrefix(second.ID, "remote_"))
	assert.Equal(t, "Firefox Farm", second.Title)
	assert.Equal(t, models.BrowserFirefox, second.Type)
	assert.Equal(t, "wss://remote/ff", second.WebSocketDebuggerURL)
	assert.Equal(t, "Remote browser from "+srv.URL, second.Description)

	require.NotNil(t, res.Metadata)
	assert.Equal(t, "2.1.0", res.Metadata.ServerVersion)
}

func TestGetAvailableBrowsersUnauthorized(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv, _ := remoteAPI(t, status)
		client := newTestRemote(t, config.RemoteConfig{URL: srv.URL, APIKey: "wrong"})

		res := client.GetAvailableBrowsers(context.Background())
		assert.False(t, res.Success)
		assert.Empty(t, res.Browsers)
		assert.Contains(t, res.Error, http.StatusText(status))
	}
}

func TestGetBrowserDetails(t *testing.T) {
	srv, _ := remoteAPI(t, http.StatusOK)
	client := newTestRemote(t, config.RemoteConfig{URL: srv.URL})

	res := client.GetBrowserDetails(context.Background(), "b1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "b1", res.Browser.ID)
	assert.Equal(t, models.BrowserChrome, res.Browser.Type)
	assert.Equal(t, "Remote browser b1", res.Browser.Description)

	missing := client.GetBrowserDetails(context.Background(), "nope")
	assert.False(t, missing.Success)
	assert.Contains(t, missing.Error, "404")
}

func TestGetServerInfo(t *testing.T) {
	srv, _ := remoteAPI(t, http.StatusOK)
	client := newTestRemote(t, config.RemoteConfig{URL: srv.URL})

	res := client.GetServerInfo(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, "browser-proxy", res.Info["name"])
}

func TestIsServerAvailable(t *testing.T) {
	up, _ := remoteAPI(t, http.StatusOK)
	assert.True(t, newTestRemote(t, config.RemoteConfig{URL: up.URL}).IsServerAvailable(context.Background()))

	down, _ := remoteAPI(t, http.StatusServiceUnavailable)
	assert.False(t, newTestRemote(t, config.RemoteConfig{URL: down.URL}).IsServerAvailable(context.Background()))

	gone := newTestRemote(t, config.RemoteConfig{URL: "http://127.0.0.1:1", Timeout: time.Second})
	assert.False(t, gone.IsServerAvailable(context.Background()))
}

func TestSSLModes(t *testing.T) {
	tls := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"browsers": []any{}})
	}))
	defer tls.Close()

	insecure := newTestRemote(t, config.RemoteConfig{URL: tls.URL, SSLMode: config.SSLInsecure})
	assert.True(t, insecure.GetAvailableBrowsers(context.Background()).Success)

	verified := newTestRemote(t, config.RemoteConfig{URL: tls.URL, SSLMode: config.SSLAuto})
	assert.False(t, verified.GetAvailableBrowsers(context.Background()).Success)

	forced := newTestRemote(t, config.RemoteConfig{URL: "http://browsers.example.com", SSLMode: config.SSLEnabled})
	assert.Equal(t, "https://browsers.example.com", forced.BaseURL())

	plain := newTestRemote(t, config.RemoteConfig{URL: "https://browsers.example.com/", SSLMode: config.SSLDisabled})
	assert.Equal(t, "http://browsers.example.com", plain.BaseURL())
}

func TestNewRemoteClientRejectsBadURL(t *testing.T) {
	_, err := NewRemoteClient(config.RemoteConfig{URL: "ftp://example.com"}, nil)
	assert.Error(t, err)

	_, err = NewRemoteClient(config.RemoteConfig{URL: "https://example.com", SSLMode: "sometimes"}, nil)
	assert.Error(t, err)
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"https://cdp.example.com", true},
		{"http://10.0.0.5:3000/proxy", true},
		{"", false},
		{"ws://example.com", false},
		{"https://", false},
		{"::not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseRemoteURL(t *testing.T) {
	ep, err := ParseRemoteURL("https://cdp.example.com")
	require.NoError(t, err)
	assert.Equal(t, RemoteEndpoint{Host: "cdp.example.com", Port: 443, Protocol: "https:", Path: "/"}, ep)

	ep, err = ParseRemoteURL("http://10.0.0.5:3000/proxy")
	require.NoError(t, err)
	assert.Equal(t, RemoteEndpoint{Host: "10.0.0.5", Port: 3000, Protocol: "http:", Path: "/proxy"}, ep)

	ep, err = ParseRemoteURL("http://localhost")
	require.NoError(t, err)
	assert.Equal(t, 80, ep.Port)
}
