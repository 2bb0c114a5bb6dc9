package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ggoodman/jsonrpc-stdio-go/internal/logctx"
	"github.com/google/uuid"
)

// ErrAlreadyServed is returned by Serve when the Server has already run.
var ErrAlreadyServed = errors.New("stdio: server already served")

// Server is a single-connection stdio transport that reads request lines
// from an io.Reader and writes response lines to an io.Writer. By default, it
// uses os.Stdin and os.Stdout. It identifies the peer using a UserProvider,
// which defaults to the current OS user.
//
// The server is transport-only; it delegates all message semantics to the
// provided Handler.
type Server struct {
	h              Handler
	r              io.Reader
	w              io.Writer
	log            *slog.Logger
	userProvider   UserProvider
	handlerTimeout time.Duration
	metrics        *metrics.Set

	served atomic.Bool
}

// NewServer constructs a stdio Server with defaults and applies options.
func NewServer(h Handler, opts ...Option) *Server {
	s := &Server{
		h:            h,
		r:            os.Stdin,
		w:            os.Stdout,
		log:          slog.Default(),
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Serve builds a Server for h and runs it.
func Serve(ctx context.Context, h Handler, opts ...Option) error {
	return NewServer(h, opts...).Serve(ctx)
}

// Serve runs the read-dispatch-write loop until the reader reports end of
// stream, which yields nil. It is safe to call at most once per Server.
//
// Each line is passed to the Handler and exactly one line is written back
// before the next line is read, so responses come out in request order.
// Handler errors, panics and timeouts produce an empty line and the loop
// continues. Read failures (wrapped in ErrRead) and write failures (wrapped
// in ErrWrite) end the session and are returned.
//
// ctx is handed to the Handler and checked before every read; a cancelled
// ctx ends the session with ctx.Err(). A read that is already blocked is not
// interrupted; close the input stream to force it to return.
func (s *Server) Serve(ctx context.Context) error {
	if !s.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}

	sess := s.newSession(ctx)
	ctx = withSession(ctx, sess)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, UserID: sess.UserID})

	f := NewFramer(s.r, s.w)
	m := newLoopMetrics(s.metrics)
	start := time.Now()
	var seq uint64

	s.log.InfoContext(ctx, "stdio.session.start")

	for {
		if err := ctx.Err(); err != nil {
			s.log.InfoContext(ctx, "stdio.session.cancelled", slog.Uint64("lines", seq), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return err
		}

		line, err := f.ReadLine()
		if errors.Is(err, io.EOF) {
			s.log.InfoContext(ctx, "stdio.session.end", slog.Uint64("lines", seq), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return nil
		}
		if err != nil {
			s.log.ErrorContext(ctx, "stdio.session.fail", slog.String("err", err.Error()), slog.Uint64("lines", seq))
			return err
		}

		seq++
		m.lineRead(len(line))
		lineCtx := logctx.WithLineData(ctx, &logctx.LineData{Seq: seq, Bytes: len(line)})

		resp := s.dispatch(lineCtx, line, m)

		if err := f.WriteLine(resp); err != nil {
			s.log.ErrorContext(lineCtx, "stdio.session.fail", slog.String("err", err.Error()), slog.Uint64("lines", seq))
			return err
		}
		m.lineWritten(len(resp)+1, resp == "")
	}
}

func (s *Server) newSession(ctx context.Context) SessionInfo {
	info := SessionInfo{ID: uuid.NewString()}
	userID, err := s.userProvider.CurrentUserID()
	if err != nil {
		s.log.WarnContext(ctx, "stdio.session.user_lookup_failed", slog.String("err", err.Error()))
		return info
	}
	info.UserID = userID
	return info
}

// dispatch runs the handler for one line and returns the text to write.
// It never fails: any handler failure degrades to the empty line.
func (s *Server) dispatch(ctx context.Context, line string, m *loopMetrics) string {
	start := time.Now()
	resp, ok, err := s.invoke(ctx, line)
	m.handled(start, err != nil)

	switch {
	case errors.Is(err, ErrHandlerPanic):
		s.log.ErrorContext(ctx, "stdio.handler.panic", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return ""
	case errors.Is(err, ErrHandlerTimeout):
		s.log.WarnContext(ctx, "stdio.handler.timeout", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return ""
	case err != nil:
		s.log.ErrorContext(ctx, "stdio.handler.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return ""
	case !ok:
		s.log.InfoContext(ctx, "stdio.request.no_response", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return ""
	}

	s.log.DebugContext(ctx, "stdio.request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return resp
}

type handlerResult struct {
	resp string
	ok   bool
	err  error
}

func (s *Server) invoke(ctx context.Context, line string) (string, bool, error) {
	if s.handlerTimeout <= 0 {
		return callHandler(ctx, s.h, line)
	}

	ctx, cancel := context.WithTimeout(ctx, s.handlerTimeout)
	defer cancel()

	// Buffered so an abandoned handler can still deliver and exit.
	done := make(chan handlerResult, 1)
	go func() {
		resp, ok, err := callHandler(ctx, s.h, line)
		done <- handlerResult{resp: resp, ok: ok, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.ok, r.err
	case <-ctx.Done():
	}

	// Prefer a result that raced with the deadline.
	select {
	case r := <-done:
		return r.resp, r.ok, r.err
	default:
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", false, fmt.Errorf("%w after %s", ErrHandlerTimeout, s.handlerTimeout)
	}
	return "", false, ctx.Err()
}
