package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/lcbro/lcbro/internal/cdp/cdptest"
	"github.com/lcbro/lcbro/internal/config"
	"github.com/lcbro/lcbro/pkg/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.yaml")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lcbro dev\n", out)
}

func TestConfigFlagsOverride(t *testing.T) {
	out, err := run(t, "config",
		"--config", missingConfig(t),
		"--port", "4000",
		"--cdp-port", "9333",
		"--remote-url", "https://cdp.example.com",
		"--remote-ssl-mode", "insecure",
		"--remote-api-key", "secret",
	)
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, 9333, cfg.Browser.CDP.Port)
	assert.True(t, cfg.Browser.CDP.Remote.Enabled)
	assert.True(t, cfg.Browser.CDP.Detection.UseRemote)
	assert.Equal(t, config.SSLInsecure, cfg.Browser.CDP.Remote.SSLMode)
	assert.Equal(t, "********", cfg.Browser.CDP.Remote.APIKey)
	assert.NotContains(t, out, "secret")
}

func TestConfigRejectsInvalidFlags(t *testing.T) {
	_, err := run(t, "config", "--config", missingConfig(t), "--remote-ssl-mode", "sometimes")
	assert.Error(t, err)
}

func TestDiscoverFindsLocalBrowser(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()

	out, err := run(t, "discover",
		"--config", missingConfig(t),
		"--log-level", "error",
		"--cdp-host", srv.Host(),
		"--cdp-port", strconv.Itoa(srv.Port()),
	)
	require.NoError(t, err)

	var res models.DiscoveryResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	endpoints := make([]string, 0, len(res.Browsers))
	for _, b := range res.Browsers {
		endpoints = append(endpoints, b.WebSocketDebuggerURL)
	}
	assert.Contains(t, endpoints, srv.WebSocketURL())
}

func TestProbe(t *testing.T) {
	srv := cdptest.NewServer()
	defer srv.Close()

	out, err := run(t, "discover", "probe", strconv.Itoa(srv.Port()),
		"--config", missingConfig(t),
		"--log-level", "error",
		"--cdp-host", srv.Host(),
	)
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)
}

func TestRemoteRequiresURL(t *testing.T) {
	_, err := run(t, "remote", "info", "--config", missingConfig(t))
	assert.ErrorContains(t, err, "--remote-url")
}
