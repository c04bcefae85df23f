package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrContextNotFound   = errors.New("context not found")
	ErrContextInactive   = errors.New("context is not active")
	ErrNavigationTimeout = errors.New("navigation timeout")
	ErrNoBrowsers        = errors.New("no browsers available")
	ErrTooManyContexts   = errors.New("too many active contexts")
	ErrManagerClosed     = errors.New("session manager is shut down")
)

// OpError records a failed manager operation
type OpError struct {
	Op        string
	ContextID string
	Elapsed   time.Duration
	Err       error
}

func (e *OpError) Error() string {
	if e.ContextID == "" {
		return fmt.Sprintf("%s failed after %s: %v", e.Op, e.Elapsed.Round(time.Millisecond), e.Err)
	}
	return fmt.Sprintf("%s %s failed after %s: %v", e.Op, e.ContextID, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, contextID string, start time.Time, err error) error {
	return &OpError{Op: op, ContextID: contextID, Elapsed: time.Since(start), Err: err}
}

// EvaluationError is a JavaScript exception thrown by an evaluated expression
type EvaluationError struct {
	Text        string
	Description string
}

func (e *EvaluationError) Error() string {
	if e.Description != "" {
		return "evaluation failed: " + e.Description
	}
	return "evaluation failed: " + e.Text
}
