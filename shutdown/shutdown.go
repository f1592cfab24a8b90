// Package shutdown provides the cooperative cancellation token the event
// loop and every task it spawns watch for teardown, following the same
// context.Context-based cancellation pattern used elsewhere in this
// codebase for background workers.
package shutdown

import "context"

// Token wraps a context.Context so call sites read as "shutdown", not
// "context", at the points where that's the clearer name for what's being
// checked: request handling, the event loop's select, and every
// long-running maintenance task.
type Token struct {
	ctx context.Context
}

// New returns a Token and the function that triggers it. Calling cancel
// more than once is safe and has no additional effect.
func New() (Token, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	return Token{ctx: ctx}, cancel
}

// Done returns a channel that's closed once shutdown has been triggered,
// for use directly in a select alongside other channels.
func (t Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Triggered reports whether shutdown has already been triggered.
func (t Token) Triggered() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Context returns the underlying context.Context, for call sites that
// need to pass cancellation through an API that expects one (e.g. a
// net.Dialer or an outbound request with its own timeout layered on top).
func (t Token) Context() context.Context {
	return t.ctx
}
