package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// tWriter routes server logs into the test output.
type tWriter struct{ t *testing.T }

func (w tWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(tWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// runServer feeds input to a fresh Server and returns the output lines.
func runServer(t *testing.T, h Handler, input string, opts ...Option) ([]string, error) {
	t.Helper()
	var out bytes.Buffer
	opts = append([]Option{WithIO(strings.NewReader(input), &out), WithLogger(testLogger(t)), WithUserProvider(StaticUserProvider("tester"))}, opts...)
	err := NewServer(h, opts...).Serve(context.Background())
	return splitOutput(out.String()), err
}

func splitOutput(s string) []string {
	if s == "" {
		return nil
	}
	if !strings.HasSuffix(s, "\n") {
		panic(fmt.Sprintf("output not newline terminated: %q", s))
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func assertLines(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d lines %q, want %d lines %q", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func echoHandler(prefix string) HandlerFunc {
	return func(_ context.Context, line string) (string, bool, error) {
		return prefix + line, true, nil
	}
}

func TestServe_RoundTrip(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, line string) (string, bool, error) {
		if line != `{"id":1,"method":"say_hello"}` {
			return "", false, fmt.Errorf("unexpected request %q", line)
		}
		return `{"id":1,"result":"hello"}`, true, nil
	})

	var out bytes.Buffer
	s := NewServer(h, WithIO(strings.NewReader("{\"id\":1,\"method\":\"say_hello\"}\n"), &out), WithLogger(testLogger(t)))
	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if out.String() != "{\"id\":1,\"result\":\"hello\"}\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestServe_OneResponsePerRequestInOrder(t *testing.T) {
	var in strings.Builder
	var want []string
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&in, "req-%d\n", i)
		want = append(want, fmt.Sprintf("resp:req-%d", i))
	}

	got, err := runServer(t, echoHandler("resp:"), in.String())
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	assertLines(t, got, want)
}

func TestServe_NoResponseWritesEmptyLines(t *testing.T) {
	h := HandlerFunc(func(context.Context, string) (string, bool, error) { return "ignored", false, nil })
	got, err := runServer(t, h, "a\nb\nc\n")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	assertLines(t, got, []string{"", "", ""})
}

func TestServe_HandlerErrorIsAbsorbed(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, line string) (string, bool, error) {
		if line == "bad" {
			return "partial", true, errors.New("boom")
		}
		return "ok:" + line, true, nil
	})
	got, err := runServer(t, h, "one\nbad\ntwo\n")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	assertLines(t, got, []string{"ok:one", "", "ok:two"})
}

func TestServe_HandlerPanicIsAbsorbed(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, line string) (string, bool, error) {
		if line == "panic" {
			panic("kaboom")
		}
		return "ok:" + line, true, nil
	})
	got, err := runServer(t, h, "one\npanic\ntwo\n")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	assertLines(t, got, []string{"ok:one", "", "ok:two"})
}

func TestServe_EmptyRequestLinePassedThrough(t *testing.T) {
	var seen []string
	h := HandlerFunc(func(_ context.Context, line string) (string, bool, error) {
		seen = append(seen, line)
		return fmt.Sprintf("len=%d", len(line)), true, nil
	})
	got, err := runServer(t, h, "a\n\r\n\nb\n")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	assertLines(t, got, []string{"len=1", "len=0", "len=0", "len=1"})
	assertLines(t, seen, []string{"a", "", "", "b"})
}

func TestServe_TrailingPartialLineIsDelivered(t *testing.T) {
	got, err := runServer(t, echoHandler("r:"), "first\nlast-without-newline")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	assertLines(t, got, []string{"r:first", "r:last-without-newline"})
}

func TestServe_EmptyInput(t *testing.T) {
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, string) (string, bool, error) {
		calls.Add(1)
		return "", true, nil
	})
	got, err := runServer(t, h, "")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(got) != 0 || calls.Load() != 0 {
		t.Fatalf("expected no activity, got %q and %d calls", got, calls.Load())
	}
}

func TestServe_WriteFailureIsFatal(t *testing.T) {
	var calls atomic.Int32
	h := HandlerFunc(func(_ context.Context, line string) (string, bool, error) {
		calls.Add(1)
		return "r:" + line, true, nil
	})

	// The output accepts the first response and is closed afterwards.
	w := &failingWriter{okWrites: 1}
	s := NewServer(h, WithIO(strings.NewReader("1\n2\n3\n"), w), WithLogger(testLogger(t)))
	err := s.Serve(context.Background())
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected io.ErrClosedPipe cause, got %v", err)
	}
	if w.buf.String() != "r:1\n" {
		t.Fatalf("unexpected output before failure: %q", w.buf.String())
	}
	// The second request was handled, its write failed, and nothing more was read.
	if calls.Load() != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls.Load())
	}
}

func TestServe_ReadFailureIsFatal(t *testing.T) {
	cause := errors.New("stdin exploded")
	r := io.MultiReader(strings.NewReader("1\n"), errReader{err: cause})
	var out bytes.Buffer
	s := NewServer(echoHandler("r:"), WithIO(r, &out), WithLogger(testLogger(t)))
	err := s.Serve(context.Background())
	if !errors.Is(err, ErrRead) || !errors.Is(err, cause) {
		t.Fatalf("expected ErrRead wrapping cause, got %v", err)
	}
	// Requests read before the failure were fully answered.
	if out.String() != "r:1\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestServe_AtMostOnce(t *testing.T) {
	s := NewServer(echoHandler(""), WithIO(strings.NewReader(""), io.Discard), WithLogger(testLogger(t)))
	if err := s.Serve(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Serve(context.Background()); !errors.Is(err, ErrAlreadyServed) {
		t.Fatalf("expected ErrAlreadyServed, got %v", err)
	}
}

func TestServe_CancelledContextStopsBeforeReading(t *testing.T) {
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, string) (string, bool, error) {
		calls.Add(1)
		return "x", true, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewServer(h, WithIO(strings.NewReader("1\n2\n"), io.Discard), WithLogger(testLogger(t)))
	if err := s.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("handler should not run, got %d calls", calls.Load())
	}
}

func TestServe_HandlerTimeout(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, line string) (string, bool, error) {
		if line == "slow" {
			<-ctx.Done()
			return "too late", true, nil
		}
		return "r:" + line, true, nil
	})
	got, err := runServer(t, h, "a\nslow\nb\n", WithHandlerTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	assertLines(t, got, []string{"r:a", "", "r:b"})
}

func TestServe_HandlerTimeoutAllowsOverlap(t *testing.T) {
	var stuckRunning atomic.Bool
	var overlapped atomic.Bool
	release := make(chan struct{})
	stuckDone := make(chan struct{})

	h := HandlerFunc(func(ctx context.Context, line string) (string, bool, error) {
		if line == "stuck" {
			// Ignores ctx, so it outlives its deadline.
			defer close(stuckDone)
			stuckRunning.Store(true)
			<-release
			stuckRunning.Store(false)
			return "late", true, nil
		}
		overlapped.Store(stuckRunning.Load())
		close(release)
		return "r:" + line, true, nil
	})

	got, err := runServer(t, h, "stuck\nnext\n", WithHandlerTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	<-stuckDone
	assertLines(t, got, []string{"", "r:next"})
	if !overlapped.Load() {
		t.Fatal("expected the next call to start while the timed-out call was still running")
	}
}

func TestServe_SessionInfo(t *testing.T) {
	var mu sync.Mutex
	var sessions []SessionInfo
	h := HandlerFunc(func(ctx context.Context, line string) (string, bool, error) {
		info, ok := SessionFromContext(ctx)
		if !ok {
			return "", false, errors.New("no session in context")
		}
		mu.Lock()
		sessions = append(sessions, info)
		mu.Unlock()
		return info.UserID, true, nil
	})

	got, err := runServer(t, h, "1\n2\n", WithUserProvider(StaticUserProvider("alice")))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	assertLines(t, got, []string{"alice", "alice"})
	if len(sessions) != 2 || sessions[0].ID == "" || sessions[0] != sessions[1] {
		t.Fatalf("expected one stable session, got %+v", sessions)
	}
}

type failingUserProvider struct{}

func (failingUserProvider) CurrentUserID() (string, error) { return "", errors.New("no passwd entry") }

func TestServe_UserLookupFailureIsNotFatal(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, _ string) (string, bool, error) {
		info, _ := SessionFromContext(ctx)
		return "user=" + info.UserID, true, nil
	})
	got, err := runServer(t, h, "x\n", WithUserProvider(failingUserProvider{}))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	assertLines(t, got, []string{"user="})
}

func TestServe_Metrics(t *testing.T) {
	set := metrics.NewSet()
	h := HandlerFunc(func(_ context.Context, line string) (string, bool, error) {
		switch line {
		case "fail":
			return "", false, errors.New("nope")
		case "quiet":
			return "", false, nil
		}
		return line, true, nil
	})
	if _, err := runServer(t, h, "a\nfail\nquiet\nbb\n", WithMetrics(set)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	checks := map[string]uint64{
		metricLinesRead:       4,
		metricLinesWritten:    4,
		metricEmptyResponses:  2,
		metricHandlerFailures: 1,
		metricBytesRead:       uint64(len("a") + len("fail") + len("quiet") + len("bb")),
		metricBytesWritten:    uint64(len("a\n") + 1 + 1 + len("bb\n")),
	}
	for name, want := range checks {
		if got := set.GetOrCreateCounter(name).Get(); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	var prom bytes.Buffer
	set.WritePrometheus(&prom)
	if !strings.Contains(prom.String(), metricHandlerDuration) {
		t.Errorf("expected %s in exposition:\n%s", metricHandlerDuration, prom.String())
	}
}

// testHarness drives a Server over io.Pipe, as a parent process would.
type testHarness struct {
	t      *testing.T
	stdinW *io.PipeWriter
	outR   *bufio.Reader
	errCh  chan error
}

func newHarness(t *testing.T, h Handler, opts ...Option) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	opts = append([]Option{WithIO(inR, outW), WithLogger(testLogger(t))}, opts...)
	s := NewServer(h, opts...)

	th := &testHarness{t: t, stdinW: inW, outR: bufio.NewReader(outR), errCh: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		err := s.Serve(ctx)
		_ = outW.CloseWithError(io.EOF)
		th.errCh <- err
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})
	t.Cleanup(cancel) // registered last so it runs first, like t.Context
	return th
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	type res struct {
		s   string
		err error
	}
	ch := make(chan res, 1)
	go func() {
		s, err := th.outR.ReadString('\n')
		ch <- res{s: strings.TrimSuffix(s, "\n"), err: err}
	}()
	select {
	case r := <-ch:
		return r.s, r.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timeout waiting for output line")
	}
}

func TestServe_FastWriterSlowHandlerKeepsOrder(t *testing.T) {
	const n = 20
	h := HandlerFunc(func(_ context.Context, line string) (string, bool, error) {
		var i int
		if _, err := fmt.Sscanf(line, "req-%d", &i); err != nil {
			return "", false, err
		}
		// Earlier requests take longer, so any reordering would surface.
		time.Sleep(time.Duration(n-i) * time.Millisecond)
		return fmt.Sprintf("resp-%d", i), true, nil
	})
	th := newHarness(t, h)

	// Push every request before any response is consumed.
	go func() {
		var buf bytes.Buffer
		for i := 0; i < n; i++ {
			fmt.Fprintf(&buf, "req-%d\n", i)
		}
		_, _ = th.stdinW.Write(buf.Bytes())
		_ = th.stdinW.Close()
	}()

	for i := 0; i < n; i++ {
		line, err := th.nextLine(2 * time.Second)
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if want := fmt.Sprintf("resp-%d", i); line != want {
			t.Fatalf("line %d: got %q, want %q", i, line, want)
		}
	}

	select {
	case err := <-th.errCh:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after stdin closed")
	}
}

func TestServe_InteractiveOneLineAtATime(t *testing.T) {
	th := newHarness(t, echoHandler("echo:"))

	for _, req := range []string{"first", "", "third"} {
		if _, err := io.WriteString(th.stdinW, req+"\r\n"); err != nil {
			t.Fatal(err)
		}
		line, err := th.nextLine(time.Second)
		if err != nil {
			t.Fatalf("waiting for response to %q: %v", req, err)
		}
		if line != "echo:"+req {
			t.Fatalf("got %q, want %q", line, "echo:"+req)
		}
	}
	_ = th.stdinW.Close()
	if err := <-th.errCh; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServeFunc(t *testing.T) {
	var out bytes.Buffer
	err := Serve(context.Background(), echoHandler(">"), WithIO(strings.NewReader("x\n"), &out), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	if out.String() != ">x\n" {
		t.Fatalf("got %q", out.String())
	}
}
