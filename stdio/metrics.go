package stdio

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
)

const (
	metricLinesRead       = "jsonrpc_stdio_lines_read_total"
	metricLinesWritten    = "jsonrpc_stdio_lines_written_total"
	metricEmptyResponses  = "jsonrpc_stdio_empty_responses_total"
	metricHandlerFailures = "jsonrpc_stdio_handler_failures_total"
	metricBytesRead       = "jsonrpc_stdio_read_bytes_total"
	metricBytesWritten    = "jsonrpc_stdio_written_bytes_total"
	metricHandlerDuration = "jsonrpc_stdio_handler_duration_seconds"
)

// loopMetrics is nil-safe so the loop can record unconditionally.
type loopMetrics struct {
	linesRead       *metrics.Counter
	linesWritten    *metrics.Counter
	emptyResponses  *metrics.Counter
	handlerFailures *metrics.Counter
	bytesRead       *metrics.Counter
	bytesWritten    *metrics.Counter
	handlerDuration *metrics.Histogram
}

func newLoopMetrics(set *metrics.Set) *loopMetrics {
	if set == nil {
		return nil
	}
	return &loopMetrics{
		linesRead:       set.GetOrCreateCounter(metricLinesRead),
		linesWritten:    set.GetOrCreateCounter(metricLinesWritten),
		emptyResponses:  set.GetOrCreateCounter(metricEmptyResponses),
		handlerFailures: set.GetOrCreateCounter(metricHandlerFailures),
		bytesRead:       set.GetOrCreateCounter(metricBytesRead),
		bytesWritten:    set.GetOrCreateCounter(metricBytesWritten),
		handlerDuration: set.GetOrCreateHistogram(metricHandlerDuration),
	}
}

func (m *loopMetrics) lineRead(n int) {
	if m == nil {
		return
	}
	m.linesRead.Inc()
	m.bytesRead.Add(n)
}

func (m *loopMetrics) lineWritten(n int, empty bool) {
	if m == nil {
		return
	}
	m.linesWritten.Inc()
	m.bytesWritten.Add(n)
	if empty {
		m.emptyResponses.Inc()
	}
}

func (m *loopMetrics) handled(start time.Time, failed bool) {
	if m == nil {
		return
	}
	m.handlerDuration.UpdateDuration(start)
	if failed {
		m.handlerFailures.Inc()
	}
}
