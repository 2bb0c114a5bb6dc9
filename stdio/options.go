package stdio

import (
	"io"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Option customizes a Server.
type Option func(*Server)

// WithIO sets the reader and writer for the server.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(s *Server) {
		if r != nil {
			s.r = r
		}
		if w != nil {
			s.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(s *Server) {
		if r != nil {
			s.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(s *Server) {
		if w != nil {
			s.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithUserProvider overrides the user provider used for authless identification.
func WithUserProvider(up UserProvider) Option {
	return func(s *Server) {
		if up != nil {
			s.userProvider = up
		}
	}
}

// WithHandlerTimeout bounds each Handler invocation. When d elapses the
// server writes an empty line for that request and moves on; the handler's
// eventual result is discarded. Zero (the default) waits indefinitely.
//
// An abandoned handler keeps running until it observes its cancelled
// context, so it may overlap with calls for later lines. Handlers used with
// a timeout must tolerate concurrent calls.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.handlerTimeout = d
		}
	}
}

// WithMetrics records loop counters and handler latency into set.
func WithMetrics(set *metrics.Set) Option {
	return func(s *Server) {
		s.metrics = set
	}
}
