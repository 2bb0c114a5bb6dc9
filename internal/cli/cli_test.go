package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// cleanEnv pins every variable Execute reads so the host environment cannot
// leak into a test.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"JSONRPC_STDIO_LOG_LEVEL",
		"JSONRPC_STDIO_LOG_FORMAT",
		"JSONRPC_STDIO_HANDLER_TIMEOUT",
		"JSONRPC_STDIO_STORAGE",
		"JSONRPC_STDIO_MEMORY_MAX_ITEMS",
		"REDIS_ADDR",
		"REDIS_DB",
		"JSONRPC_STDIO_REDIS_KEY_PREFIX",
	} {
		t.Setenv(k, "")
	}
}

func run(t *testing.T, input string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err = Execute(context.Background(), args, strings.NewReader(input), &out, &errOut)
	return out.String(), errOut.String(), err
}

func TestExecute_ServesDemoMethods(t *testing.T) {
	cleanEnv(t)
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","method":"say_hello","id":1}`,
		`{"jsonrpc":"2.0","method":"kv.set","params":{"key":"k","value":[1,2]},"id":2}`,
		`{"jsonrpc":"2.0","method":"kv.get","params":{"key":"k"},"id":3}`,
		`{"jsonrpc":"2.0","method":"add","params":[2,3]}`,
		`not json`,
	}, "\n") + "\n"

	stdout, stderr, err := run(t, input)
	if err != nil {
		t.Fatalf("Execute: %v\nstderr:\n%s", err, stderr)
	}
	want := strings.Join([]string{
		`{"jsonrpc":"2.0","result":"hello","id":1}`,
		`{"jsonrpc":"2.0","result":true,"id":2}`,
		`{"jsonrpc":"2.0","result":[1,2],"id":3}`,
		``,
		`{"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error"},"id":null}`,
	}, "\n") + "\n"
	if stdout != want {
		t.Fatalf("stdout:\n%s\nwant:\n%s", stdout, want)
	}
	if !strings.Contains(stderr, "stdio.session.end") {
		t.Fatalf("expected session logs on stderr, got:\n%s", stderr)
	}
}

func TestExecute_EmptyInput(t *testing.T) {
	cleanEnv(t)
	stdout, _, err := run(t, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stdout != "" {
		t.Fatalf("expected no output, got %q", stdout)
	}
}

func TestExecute_JSONLogsWithContext(t *testing.T) {
	cleanEnv(t)
	t.Setenv("JSONRPC_STDIO_LOG_FORMAT", "json")

	_, stderr, err := run(t, `{"jsonrpc":"2.0","method":"say_hello","id":1}`+"\n", "--log-level", "debug")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var found bool
	for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
		if !strings.HasPrefix(line, "{") {
			t.Fatalf("expected JSON log lines, got %q", line)
		}
		if strings.Contains(line, `"rpcservice.handle_request.ok"`) {
			found = true
			for _, attr := range []string{`"rpc":{"method":"say_hello","id":"1","type":"request"}`, `"seq":1`} {
				if !strings.Contains(line, attr) {
					t.Fatalf("log line missing %s: %s", attr, line)
				}
			}
		}
	}
	if !found {
		t.Fatalf("no rpcservice.handle_request.ok record in:\n%s", stderr)
	}
}

func TestExecute_LogLevelFiltersStderr(t *testing.T) {
	cleanEnv(t)
	_, stderr, err := run(t, `{"jsonrpc":"2.0","method":"say_hello","id":1}`+"\n", "--log-level=error")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected no logs at error level, got:\n%s", stderr)
	}
}

func TestExecute_MetricsOut(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "metrics.prom")
	input := `{"jsonrpc":"2.0","method":"say_hello","id":1}` + "\n" + `{"jsonrpc":"2.0","method":"say_hello","id":2}` + "\n"

	if _, _, err := run(t, input, "--metrics-out", path, "--log-level", "error"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{
		"jsonrpc_stdio_lines_read_total 2",
		`rpcservice_requests_total{method="say_hello",outcome="ok"} 2`,
	} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("metrics missing %q:\n%s", want, data)
		}
	}
}

func TestExecute_Version(t *testing.T) {
	cleanEnv(t)
	stdout, _, err := run(t, "", "--version")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stdout != "jsonrpc-stdio "+version+"\n" {
		t.Fatalf("got %q", stdout)
	}
}

func TestExecute_Help(t *testing.T) {
	cleanEnv(t)
	stdout, stderr, err := run(t, "", "--help")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stdout != "" {
		t.Fatalf("help must not touch stdout, got %q", stdout)
	}
	if !strings.Contains(stderr, "--handler-timeout") {
		t.Fatalf("usage missing flags:\n%s", stderr)
	}
}

func TestExecute_BadConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "log level flag", args: []string{"--log-level", "loud"}},
		{name: "log format env", env: map[string]string{"JSONRPC_STDIO_LOG_FORMAT": "xml"}},
		{name: "storage flag", args: []string{"--storage", "disk"}},
		{name: "timeout env", env: map[string]string{"JSONRPC_STDIO_HANDLER_TIMEOUT": "soon"}},
		{name: "negative timeout", args: []string{"--handler-timeout", "-1s"}},
		{name: "max items", env: map[string]string{"JSONRPC_STDIO_MEMORY_MAX_ITEMS": "0"}},
		{name: "unknown flag", args: []string{"--nope"}},
		{name: "positional args", args: []string{"extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			stdout, _, err := run(t, `{"jsonrpc":"2.0","method":"say_hello","id":1}`+"\n", tt.args...)
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			if stdout != "" {
				t.Fatalf("nothing should be served on bad config, got %q", stdout)
			}
		})
	}
}

func TestExecute_RedisUnavailable(t *testing.T) {
	cleanEnv(t)
	// Port 1 is reserved and refuses connections.
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")

	_, _, err := run(t, "", "--storage", "redis", "--log-level", "error")
	if err == nil {
		t.Fatal("expected an error when redis is unreachable")
	}
}

func TestLoadConfig(t *testing.T) {
	cleanEnv(t)
	t.Setenv("JSONRPC_STDIO_HANDLER_TIMEOUT", "250ms")
	t.Setenv("JSONRPC_STDIO_STORAGE", "redis")
	t.Setenv("REDIS_ADDR", "cache:6379")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HandlerTimeout != 250*time.Millisecond {
		t.Fatalf("HandlerTimeout = %s", cfg.HandlerTimeout)
	}
	if cfg.Storage != "redis" || cfg.Redis.Addr != "cache:6379" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" || cfg.MemoryMaxItems != 10000 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
