package stdio

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrHandlerPanic wraps a value recovered from a panicking Handler.
	ErrHandlerPanic = errors.New("stdio: handler panicked")
	// ErrHandlerTimeout reports that a Handler did not return within the
	// configured handler timeout.
	ErrHandlerTimeout = errors.New("stdio: handler timed out")
)

// Handler maps one request line to an optional response line.
//
// ok=false means the request needs no response (for example a JSON-RPC
// notification). A non-nil error is absorbed by the Server and treated like
// ok=false; it never ends the session. Handlers may be shared by several
// Servers and must be safe for concurrent use.
type Handler interface {
	HandleLine(ctx context.Context, line string) (resp string, ok bool, err error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, line string) (string, bool, error)

func (f HandlerFunc) HandleLine(ctx context.Context, line string) (string, bool, error) {
	return f(ctx, line)
}

// callHandler invokes h, converting a panic into an ErrHandlerPanic error.
func callHandler(ctx context.Context, h Handler, line string) (resp string, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, ok, err = "", false, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.HandleLine(ctx, line)
}
