package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lcbro/lcbro/pkg/models"
)

const defaultNavigationTimeout = 30 * time.Second

type remoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
}

type evaluateResult struct {
	Result           remoteObject `json:"result"`
	ExceptionDetails *struct {
		Text      string        `json:"text"`
		Exception *remoteObject `json:"exception"`
	} `json:"exceptionDetails"`
}

// active returns the entry for id if its transport is open
func (m *Manager) active(id string) (*entry, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrContextNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.info.IsActive {
		return nil, ErrContextInactive
	}
	return e, nil
}

// Call sends an arbitrary command on the context
func (m *Manager) Call(ctx context.Context, id, method string, params any) (json.RawMessage, error) {
	start := time.Now()

	e, err := m.active(id)
	if err != nil {
		return nil, opError(method, id, start, err)
	}

	res, err := m.call(ctx, e, method, params)
	if err != nil {
		return nil, opError(method, id, start, err)
	}
	return res, nil
}

// Navigate loads url and waits for the Page.loadEventFired that follows its reply
func (m *Manager) Navigate(ctx context.Context, id, url string) (models.ConnectionContext, error) {
	start := time.Now()

	e, err := m.active(id)
	if err != nil {
		return models.ConnectionContext{}, opError("navigate", id, start, err)
	}

	timeout := m.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Armed on the read goroutine when the navigate reply is matched. Load events
	// dispatched before that belong to an earlier navigation.
	loaded := e.addLoadWaiter()
	defer e.removeLoadWaiter(loaded)

	res, err := m.callNotify(navCtx, e, "Page.navigate", map[string]string{"url": url}, func() {
		e.armLoadWaiter(loaded)
	})
	if err != nil {
		return models.ConnectionContext{}, opError("navigate", id, start, navigationErr(navCtx, ctx, err))
	}

	var nav struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(res, &nav); err == nil && nav.ErrorText != "" {
		return models.ConnectionContext{}, opError("navigate", id, start, fmt.Errorf("navigation to %s failed: %s", url, nav.ErrorText))
	}

	select {
	case <-loaded.done:
	case <-e.conn.Done():
		return models.ConnectionContext{}, opError("navigate", id, start, ErrContextInactive)
	case <-navCtx.Done():
		return models.ConnectionContext{}, opError("navigate", id, start, navigationErr(navCtx, ctx, navCtx.Err()))
	}

	title := m.documentTitle(navCtx, e)

	e.mu.Lock()
	e.info.URL = url
	if title != "" {
		e.info.Title = title
	}
	e.info.LastUsed = time.Now()
	info := e.info
	e.mu.Unlock()

	return info, nil
}

func navigationErr(navCtx, parent context.Context, err error) error {
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
	}
	return err
}

func (m *Manager) documentTitle(ctx context.Context, e *entry) string {
	value, err := m.evaluate(ctx, e, "document.title")
	if err != nil {
		return ""
	}
	var title string
	if json.Unmarshal(value, &title) != nil {
		return ""
	}
	return title
}

// Evaluate runs expression in the page and returns its JSON value
func (m *Manager) Evaluate(ctx context.Context, id, expression string) (json.RawMessage, error) {
	start := time.Now()

	e, err := m.active(id)
	if err != nil {
		return nil, opError("evaluate", id, start, err)
	}

	value, err := m.evaluate(ctx, e, expression)
	if err != nil {
		return nil, opError("evaluate", id, start, err)
	}
	return value, nil
}

func (m *Manager) evaluate(ctx context.Context, e *entry, expression string) (json.RawMessage, error) {
	res, err := m.call(ctx, e, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}

	var out evaluateResult
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation result: %w", err)
	}
	if d := out.ExceptionDetails; d != nil {
		evalErr := &EvaluationError{Text: d.Text}
		if d.Exception != nil {
			evalErr.Description = d.Exception.Description
		}
		return nil, evalErr
	}

	if len(out.Result.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Result.Value, nil
}

// Screenshot captures the page and returns the decoded image bytes
func (m *Manager) Screenshot(ctx context.Context, id string, opts models.ScreenshotOptions) ([]byte, error) {
	start := time.Now()

	e, err := m.active(id)
	if err != nil {
		return nil, opError("screenshot", id, start, err)
	}

	format := opts.Format
	if format == "" {
		format = "png"
	}
	params := map[string]any{"format": format}
	if format == "jpeg" && opts.Quality > 0 {
		params["quality"] = opts.Quality
	}
	if opts.FullPage {
		params["captureBeyondViewport"] = true
	}

	res, err := m.call(ctx, e, "Page.captureScreenshot", params)
	if err != nil {
		return nil, opError("screenshot", id, start, err)
	}

	var shot struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(res, &shot); err != nil {
		return nil, opError("screenshot", id, start, fmt.Errorf("failed to decode screenshot: %w", err))
	}

	img, err := base64.StdEncoding.DecodeString(shot.Data)
	if err != nil {
		return nil, opError("screenshot", id, start, fmt.Errorf("failed to decode screenshot: %w", err))
	}
	return img, nil
}

// PageContent returns the page's outer HTML
func (m *Manager) PageContent(ctx context.Context, id string) (string, error) {
	start := time.Now()

	e, err := m.active(id)
	if err != nil {
		return "", opError("content", id, start, err)
	}

	value, err := m.evaluate(ctx, e, "document.documentElement.outerHTML")
	if err != nil {
		return "", opError("content", id, start, err)
	}

	var html string
	if err := json.Unmarshal(value, &html); err != nil {
		return "", opError("content", id, start, fmt.Errorf("unexpected content value: %w", err))
	}
	return html, nil
}

// Subscribe streams the context's events until cancel is called or the context goes inactive.
// Events are dropped for a subscriber whose buffer is full.
func (m *Manager) Subscribe(id string, buffer int) (<-chan models.ContextEvent, func(), error) {
	e, err := m.active(id)
	if err != nil {
		return nil, nil, err
	}
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan models.ContextEvent, buffer)

	e.mu.Lock()
	if !e.info.IsActive {
		e.mu.Unlock()
		return nil, nil, ErrContextInactive
	}
	sub := e.nextSub
	e.nextSub++
	e.subscribers[sub] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subscribers[sub]; ok {
			delete(e.subscribers, sub)
			close(c)
		}
	}
	return ch, cancel, nil
}
