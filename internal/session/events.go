package session

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lcbro/lcbro/internal/cdp"
	"github.com/lcbro/lcbro/pkg/models"
)

type consoleAPICalled struct {
	Type string `json:"type"`
	Args []struct {
		Type        string          `json:"type"`
		Value       json.RawMessage `json:"value"`
		Description string          `json:"description"`
	} `json:"args"`
}

type responseReceived struct {
	Type     string `json:"type"`
	Response struct {
		URL      string `json:"url"`
		Status   int    `json:"status"`
		MimeType string `json:"mimeType"`
	} `json:"response"`
}

// handleEvent runs on the transport read goroutine and must not block
func (m *Manager) handleEvent(e *entry, ev cdp.Event) {
	m.metrics.ObserveEvent(ev.Method)
	logger := m.logger.With(zap.String("contextId", e.info.ID))

	switch ev.Method {
	case "Page.loadEventFired":
		logger.Debug("page loaded")
		e.resolveLoadWaiters()

	case "Runtime.consoleAPICalled":
		var msg consoleAPICalled
		if err := json.Unmarshal(ev.Params, &msg); err != nil {
			logger.Debug("malformed console event", zap.Error(err))
			break
		}
		text := consoleText(msg)
		switch msg.Type {
		case "error", "assert":
			logger.Error("browser console", zap.String("type", msg.Type), zap.String("text", text))
		case "warning":
			logger.Warn("browser console", zap.String("type", msg.Type), zap.String("text", text))
		default:
			logger.Debug("browser console", zap.String("type", msg.Type), zap.String("text", text))
		}

	case "Network.responseReceived":
		var msg responseReceived
		if err := json.Unmarshal(ev.Params, &msg); err != nil {
			logger.Debug("malformed network event", zap.Error(err))
			break
		}
		logger.Debug("network response",
			zap.String("url", msg.Response.URL),
			zap.Int("status", msg.Response.Status),
			zap.String("resourceType", msg.Type))

	default:
		logger.Debug("unhandled event", zap.String("method", ev.Method))
	}

	e.publish(models.ContextEvent{
		ContextID: e.info.ID,
		Method:    ev.Method,
		Params:    ev.Params,
		Received:  time.Now(),
	})
}

func consoleText(msg consoleAPICalled) string {
	parts := make([]string, 0, len(msg.Args))
	for _, a := range msg.Args {
		switch {
		case len(a.Value) > 0:
			var s string
			if json.Unmarshal(a.Value, &s) == nil {
				parts = append(parts, s)
			} else {
				parts = append(parts, string(a.Value))
			}
		case a.Description != "":
			parts = append(parts, a.Description)
		default:
			parts = append(parts, a.Type)
		}
	}
	return strings.Join(parts, " ")
}

// publish fans ev out to subscribers, dropping it for any subscriber whose buffer is full
func (e *entry) publish(ev models.ContextEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.info.LastUsed = ev.Received
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// loadWaiter only counts load events that arrive after its navigation was acknowledged
type loadWaiter struct {
	done  chan struct{}
	armed bool
}

func (e *entry) addLoadWaiter() *loadWaiter {
	w := &loadWaiter{done: make(chan struct{})}
	e.mu.Lock()
	e.loadWaiters[w] = struct{}{}
	e.mu.Unlock()
	return w
}

func (e *entry) armLoadWaiter(w *loadWaiter) {
	e.mu.Lock()
	w.armed = true
	e.mu.Unlock()
}

func (e *entry) removeLoadWaiter(w *loadWaiter) {
	e.mu.Lock()
	delete(e.loadWaiters, w)
	e.mu.Unlock()
}

func (e *entry) resolveLoadWaiters() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for w := range e.loadWaiters {
		if !w.armed {
			continue
		}
		close(w.done)
		delete(e.loadWaiters, w)
	}
}
