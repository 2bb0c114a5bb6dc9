package rpcservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ggoodman/jsonrpc-stdio-go/internal/logctx"
	"github.com/ggoodman/jsonrpc-stdio-go/jsonrpc"
)

var (
	// ErrDuplicateMethod is returned by Register when a name is already taken.
	ErrDuplicateMethod = errors.New("rpcservice: duplicate method")
	// ErrInvalidMethod is returned by Register for an unusable Method: empty or
	// malformed name, reserved "rpc." prefix, or nil handler.
	ErrInvalidMethod = errors.New("rpcservice: invalid method")

	errMethodPanic = errors.New("method panicked")
)

const reservedPrefix = "rpc."

var methodNameRe = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics records per-method counters and durations into set.
func WithMetrics(set *metrics.Set) Option {
	return func(s *Service) { s.metrics = set }
}

// WithMethods registers methods at construction time. NewService panics if
// any of them would be rejected by Register.
func WithMethods(methods ...Method) Option {
	return func(s *Service) { s.initial = append(s.initial, methods...) }
}

// WithoutDiscovery disables the built-in rpc.discover method.
func WithoutDiscovery() Option {
	return func(s *Service) { s.discover = false }
}

// WithBatchConcurrency caps how many elements of one batch are handled at
// once. Defaults to runtime.GOMAXPROCS(0); values below 1 are ignored.
func WithBatchConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchConcurrency = n
		}
	}
}

// Service dispatches JSON-RPC 2.0 requests to registered methods. It
// implements stdio.Handler and is safe for concurrent use.
type Service struct {
	mu      sync.RWMutex
	methods map[string]Method

	log      *slog.Logger
	metrics  *metrics.Set
	discover bool
	initial  []Method

	batchConcurrency int
}

// NewService constructs a Service and applies options.
func NewService(opts ...Option) *Service {
	s := &Service{
		methods:  make(map[string]Method),
		log:      slog.Default(),
		discover: true,

		batchConcurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.Register(s.initial...); err != nil {
		panic(err)
	}
	s.initial = nil
	return s
}

// Register adds methods. Either all of them are registered or none are.
func (s *Service) Register(methods ...Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		switch {
		case !methodNameRe.MatchString(m.Name):
			return fmt.Errorf("%w: bad name %q", ErrInvalidMethod, m.Name)
		case strings.HasPrefix(m.Name, reservedPrefix):
			return fmt.Errorf("%w: %q uses the reserved %q prefix", ErrInvalidMethod, m.Name, reservedPrefix)
		case m.Handler == nil:
			return fmt.Errorf("%w: %q has no handler", ErrInvalidMethod, m.Name)
		}
		if _, ok := s.methods[m.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateMethod, m.Name)
		}
		if _, ok := seen[m.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateMethod, m.Name)
		}
		seen[m.Name] = struct{}{}
	}

	for _, m := range methods {
		s.methods[m.Name] = m
	}
	return nil
}

// Methods returns the registered methods sorted by name. Built-in methods
// are not included.
func (s *Service) Methods() []Method {
	s.mu.RLock()
	out := make([]Method, 0, len(s.methods))
	for _, m := range s.methods {
		out = append(out, m)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Method) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Service) lookup(name string) (Method, bool) {
	if s.discover && name == discoverMethodName {
		return s.discoverMethod(), true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[name]
	return m, ok
}

// HandleLine implements stdio.Handler. ok is false when the line held only
// notifications.
func (s *Service) HandleLine(ctx context.Context, line string) (string, bool, error) {
	out, ok, err := s.HandleMessage(ctx, []byte(line))
	if err != nil || !ok {
		return "", false, err
	}
	return string(out), true, nil
}

// HandleMessage handles one encoded request or batch and returns the encoded
// response, if any. Malformed input is answered with a JSON-RPC error; the
// returned error is reserved for responses that cannot be encoded.
func (s *Service) HandleMessage(ctx context.Context, data []byte) ([]byte, bool, error) {
	resp := s.handle(ctx, data)
	if resp == nil {
		return nil, false, nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, false, fmt.Errorf("rpcservice: encode response: %w", err)
	}
	return out, true, nil
}

// handle returns a *jsonrpc.Response, a []*jsonrpc.Response, or nil.
func (s *Service) handle(ctx context.Context, data []byte) any {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		s.log.InfoContext(ctx, "rpcservice.handle_request.parse_error", slog.Int("bytes", len(data)))
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, jsonrpc.ErrorCodeParseError.Message(), nil)
	}

	if trimmed[0] != '[' {
		if resp := s.handleOne(ctx, trimmed); resp != nil {
			return resp
		}
		return nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, jsonrpc.ErrorCodeParseError.Message(), nil)
	}
	if len(elems) == 0 {
		s.log.InfoContext(ctx, "rpcservice.handle_request.invalid", slog.String("err", "empty batch"))
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, jsonrpc.ErrorCodeInvalidRequest.Message(), "empty batch")
	}
	return s.handleBatch(ctx, elems)
}

func (s *Service) handleBatch(ctx context.Context, elems []json.RawMessage) any {
	start := time.Now()
	results := make([]*jsonrpc.Response, len(elems))

	// At most batchConcurrency elements run at once.
	sem := make(chan struct{}, s.batchConcurrency)
	var wg sync.WaitGroup
	for i, elem := range elems {
		i, elem := i, elem
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			results[i] = s.handleOne(ctx, elem)
		}()
	}
	wg.Wait()

	out := make([]*jsonrpc.Response, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}

	s.log.DebugContext(ctx, "rpcservice.handle_batch.ok", slog.Int("size", len(elems)), slog.Int("responses", len(out)), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	if len(out) == 0 {
		return nil
	}
	return out
}

// handleOne handles a single request object. It returns nil for notifications.
func (s *Service) handleOne(ctx context.Context, raw json.RawMessage) *jsonrpc.Response {
	start := time.Now()
	log := s.log

	req, err := jsonrpc.DecodeRequest(raw)
	if err != nil {
		var id *jsonrpc.RequestID
		if req != nil {
			id = req.ID
		}
		log.InfoContext(ctx, "rpcservice.handle_request.invalid", slog.String("err", err.Error()))
		return errorResponse(id, err)
	}

	msgType := "request"
	if req.IsNotification() {
		msgType = "notification"
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: msgType})

	m, ok := s.lookup(req.Method)
	if !ok {
		s.recordNotFound()
		log.InfoContext(ctx, "rpcservice.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, jsonrpc.ErrorCodeMethodNotFound.Message(), req.Method)
	}

	result, err := callMethod(ctx, m, req.Params)
	s.record(m.Name, start, err)

	if err != nil {
		var rpcErr *jsonrpc.Error
		switch {
		case errors.Is(err, errMethodPanic):
			log.ErrorContext(ctx, "rpcservice.handle_request.panic", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		case errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc.ErrorCodeInvalidParams:
			log.InfoContext(ctx, "rpcservice.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		case errors.As(err, &rpcErr):
			log.InfoContext(ctx, "rpcservice.handle_request.error", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		default:
			log.ErrorContext(ctx, "rpcservice.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		}
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, err)
	}

	if req.IsNotification() {
		log.DebugContext(ctx, "rpcservice.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return nil
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		log.ErrorContext(ctx, "rpcservice.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, jsonrpc.ErrorCodeInternalError.Message(), nil)
	}

	log.InfoContext(ctx, "rpcservice.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return resp
}

// callMethod invokes m, converting a panic into an error.
func callMethod(ctx context.Context, m Method, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", errMethodPanic, r)
		}
	}()
	return m.Handler(ctx, params)
}

// errorResponse encodes err for the wire. A *jsonrpc.Error passes through
// unchanged; anything else becomes an internal error without details.
func errorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, jsonrpc.ErrorCodeInternalError.Message(), nil)
}
