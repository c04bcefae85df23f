package models

import "strings"

// BrowserType identifies the browser family behind a debugger endpoint
type BrowserType string

const (
	BrowserChrome  BrowserType = "chrome"
	BrowserEdge    BrowserType = "edge"
	BrowserFirefox BrowserType = "firefox"
	BrowserSafari  BrowserType = "safari"
	BrowserUnknown BrowserType = "unknown"
)

// BrowserDescriptor is one discovered debuggable browser instance.
// Descriptors are rebuilt on every discovery pass and never updated in place.
type BrowserDescriptor struct {
	ID                   string      `json:"id"`
	Title                string      `json:"title"`
	Type                 BrowserType `json:"type"`
	URL                  string      `json:"url"`
	WebSocketDebuggerURL string      `json:"webSocketDebuggerUrl"`
	Version              string      `json:"version"`
	Description          string      `json:"description,omitempty"`
}

// DetectBrowserType infers the browser family from a version or user agent string.
// Chrome is checked first, so Chromium based Edge builds report as chrome.
func DetectBrowserType(version string) BrowserType {
	v := strings.ToLower(version)

	switch {
	case strings.Contains(v, "chrome"):
		return BrowserChrome
	case strings.Contains(v, "edge"):
		return BrowserEdge
	case strings.Contains(v, "firefox"):
		return BrowserFirefox
	case strings.Contains(v, "safari"):
		return BrowserSafari
	default:
		return BrowserUnknown
	}
}

// DiscoverySource names where a discovery pass looked for browsers
type DiscoverySource string

const (
	SourceLocal    DiscoverySource = "local"
	SourceRemote   DiscoverySource = "remote"
	SourceDisabled DiscoverySource = "disabled"
)

// DiscoveryResult is the outcome of one discovery pass
type DiscoveryResult struct {
	Browsers     []BrowserDescriptor `json:"browsers"`
	Source       DiscoverySource     `json:"source"`
	TotalScanned int                 `json:"totalScanned"`
	ElapsedMS    int64               `json:"elapsedMs"`
	Error        string              `json:"error,omitempty"`
}

// LaunchBrowserRequest is the payload for launching a managed browser
type LaunchBrowserRequest struct {
	ProfileID string `json:"profileId,omitempty"`
}

// LaunchedBrowser describes a browser container started by this server
type LaunchedBrowser struct {
	ContainerID string            `json:"containerId"`
	ProfileID   string            `json:"profileId,omitempty"`
	Browser     BrowserDescriptor `json:"browser"`
}
