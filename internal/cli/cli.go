// Package cli wires configuration, logging, storage and the demo methods
// into a stdio JSON-RPC server process.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ggoodman/jsonrpc-stdio-go/examples/hello"
	"github.com/ggoodman/jsonrpc-stdio-go/examples/kv"
	"github.com/ggoodman/jsonrpc-stdio-go/internal/logctx"
	"github.com/ggoodman/jsonrpc-stdio-go/rpcservice"
	"github.com/ggoodman/jsonrpc-stdio-go/stdio"
	"github.com/ggoodman/jsonrpc-stdio-go/storage"
	"github.com/ggoodman/jsonrpc-stdio-go/storage/memory"
	redisstore "github.com/ggoodman/jsonrpc-stdio-go/storage/redis"
	"github.com/joeshaw/envdecode"
	flag "github.com/spf13/pflag"
)

// version is overridable at link time:
//
//	go build -ldflags "-X github.com/ggoodman/jsonrpc-stdio-go/internal/cli.version=1.2.3"
var version = "0.1.0"

// ErrConfig wraps invalid configuration from the environment or flags.
var ErrConfig = errors.New("invalid configuration")

// Config is the process configuration. Environment variables provide the
// defaults; flags override them.
type Config struct {
	LogLevel       string        `env:"JSONRPC_STDIO_LOG_LEVEL,default=info"`
	LogFormat      string        `env:"JSONRPC_STDIO_LOG_FORMAT,default=text"`
	HandlerTimeout time.Duration `env:"JSONRPC_STDIO_HANDLER_TIMEOUT,default=0s"`
	Storage        string        `env:"JSONRPC_STDIO_STORAGE,default=memory"`
	MemoryMaxItems int           `env:"JSONRPC_STDIO_MEMORY_MAX_ITEMS,default=10000"`
	Redis          redisstore.Config

	// MetricsOut is a file that receives Prometheus text metrics at exit.
	MetricsOut string
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return cfg, nil
}

// Validate checks values that envdecode and pflag cannot.
func (c Config) Validate() error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("%w: log level %q", ErrConfig, c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q (want text or json)", ErrConfig, c.LogFormat)
	}
	switch c.Storage {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: storage %q (want memory or redis)", ErrConfig, c.Storage)
	}
	if c.HandlerTimeout < 0 {
		return fmt.Errorf("%w: handler timeout must not be negative", ErrConfig)
	}
	if c.Storage == "memory" && c.MemoryMaxItems <= 0 {
		return fmt.Errorf("%w: memory max items must be positive", ErrConfig)
	}
	return nil
}

// Execute parses args and serves JSON-RPC over stdin and stdout until stdin
// ends. Logs go to stderr so stdout carries protocol lines only.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("jsonrpc-stdio", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.DurationVar(&cfg.HandlerTimeout, "handler-timeout", cfg.HandlerTimeout, "Per-line handler deadline (0 disables)")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "kv storage backend: memory or redis")
	fs.StringVar(&cfg.MetricsOut, "metrics-out", "", "Write Prometheus metrics to this file on exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if showHelp {
		printUsage(stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "jsonrpc-stdio %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %q", ErrConfig, fs.Args())
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg, stderr)
	set := metrics.NewSet()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.ErrorContext(ctx, "cli.storage.open_fail", slog.String("backend", cfg.Storage), slog.String("err", err.Error()))
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WarnContext(ctx, "cli.storage.close_fail", slog.String("err", err.Error()))
		}
	}()

	methods := append(hello.Methods(), kv.Methods(store)...)
	svc := rpcservice.NewService(
		rpcservice.WithLogger(log),
		rpcservice.WithMetrics(set),
		rpcservice.WithMethods(methods...),
	)

	log.DebugContext(ctx, "cli.start", slog.String("version", version), slog.String("storage", cfg.Storage), slog.Int("methods", len(methods)))

	serveErr := stdio.Serve(ctx, svc,
		stdio.WithIO(stdin, stdout),
		stdio.WithLogger(log),
		stdio.WithHandlerTimeout(cfg.HandlerTimeout),
		stdio.WithMetrics(set),
	)
	// A signal ends the session; that is a clean exit.
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	if cfg.MetricsOut != "" {
		if err := writeMetrics(cfg.MetricsOut, set); err != nil {
			log.ErrorContext(ctx, "cli.metrics.write_fail", slog.String("path", cfg.MetricsOut), slog.String("err", err.Error()))
			return errors.Join(serveErr, err)
		}
	}
	return serveErr
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	var lvl slog.LevelVar
	// Validate has already accepted the level.
	_ = lvl.UnmarshalText([]byte(cfg.LogLevel))

	opts := &slog.HandlerOptions{Level: &lvl}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func openStore(ctx context.Context, cfg Config) (storage.Store, error) {
	switch cfg.Storage {
	case "redis":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return redisstore.New(ctx, cfg.Redis)
	default:
		return memory.New(cfg.MemoryMaxItems)
	}
}

func writeMetrics(path string, set *metrics.Set) error {
	var buf bytes.Buffer
	set.WritePrometheus(&buf)
	metrics.WriteProcessMetrics(&buf)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `jsonrpc-stdio %s

Serves JSON-RPC 2.0 over stdin/stdout, one message per line.

Usage:
  jsonrpc-stdio [options]

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Environment:
  %s
`, strings.Join([]string{
		"JSONRPC_STDIO_LOG_LEVEL, JSONRPC_STDIO_LOG_FORMAT, JSONRPC_STDIO_HANDLER_TIMEOUT,",
		"JSONRPC_STDIO_STORAGE, JSONRPC_STDIO_MEMORY_MAX_ITEMS,",
		"REDIS_ADDR, REDIS_DB, JSONRPC_STDIO_REDIS_KEY_PREFIX",
	}, "\n  "))
	fmt.Fprintf(w, `
Example:
  echo '{"jsonrpc":"2.0","method":"say_hello","id":1}' | jsonrpc-stdio
`)
}
