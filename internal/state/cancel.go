package state

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Cancellation reasons.
const (
	ReasonCancelled = "cancelled"
	ReasonAborted   = "aborted"
	ReasonTimeout   = "timeout"
)

// Token is a manual cancellation handle.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

// NewToken returns an uncancelled token.
func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Cancel fires the token. Repeated calls are no-ops.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Cancellation is the union of a token, a signal context and an absolute
// deadline. Any nil or zero member is ignored.
type Cancellation struct {
	Token    *Token
	Signal   context.Context
	Deadline time.Time
}

// Check returns the reason of the first member found fired, checking
// token, then signal, then deadline.
func (c *Cancellation) Check(now time.Time) (string, bool) {
	if c == nil {
		return "", false
	}
	if c.Token.Cancelled() {
		return ReasonCancelled, true
	}
	if c.Signal != nil {
		if err := c.Signal.Err(); err != nil {
			return SignalReason(err), true
		}
	}
	if !c.Deadline.IsZero() && !now.Before(c.Deadline) {
		return ReasonTimeout, true
	}
	return "", false
}

// SignalReason maps a context error to a cancellation reason.
func SignalReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonAborted
}
