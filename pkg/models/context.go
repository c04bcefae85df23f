package models

import (
	"encoding/json"
	"time"
)

// ContextTypeCDP is the only context type this server creates
const ContextTypeCDP = "cdp"

// ConnectionContext is one logical CDP session against a browser.
// Values handed out by the session manager are snapshots.
type ConnectionContext struct {
	ID                string    `json:"id"`
	URL               string    `json:"url"`
	Title             string    `json:"title"`
	Type              string    `json:"type"`
	IsActive          bool      `json:"isActive"`
	CreatedAt         time.Time `json:"createdAt"`
	LastUsed          time.Time `json:"lastUsed"`
	BrowserID         string    `json:"browserId"`
	Endpoint          string    `json:"endpoint"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	ReplacedBy        string    `json:"replacedBy,omitempty"`
}

// CreateContextRequest is the payload for opening a context.
// When both fields are empty the first discovered browser is used.
type CreateContextRequest struct {
	BrowserID            string `json:"browserId,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// NavigateRequest is the payload for POST /v1/contexts/{id}/navigate
type NavigateRequest struct {
	URL string `json:"url"`
}

// EvaluateRequest is the payload for POST /v1/contexts/{id}/evaluate
type EvaluateRequest struct {
	Expression string `json:"expression"`
}

// ScreenshotOptions controls Page.captureScreenshot
type ScreenshotOptions struct {
	Format   string `json:"format,omitempty"`
	FullPage bool   `json:"fullPage,omitempty"`
	Quality  int    `json:"quality,omitempty"`
}

// ContextEvent is a CDP event forwarded to subscribers of a context
type ContextEvent struct {
	ContextID string          `json:"contextId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Received  time.Time       `json:"received"`
}
