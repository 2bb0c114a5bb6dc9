package rpcservice

import (
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/jsonrpc-stdio-go/jsonrpc"
)

const metricMethodNotFound = "rpcservice_method_not_found_total"

func (s *Service) record(method string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	var rpcErr *jsonrpc.Error
	switch {
	case errors.Is(err, errMethodPanic):
		outcome = "panic"
	case errors.As(err, &rpcErr):
		outcome = "error"
	case err != nil:
		outcome = "fail"
	}
	s.metrics.GetOrCreateCounter(fmt.Sprintf(`rpcservice_requests_total{method=%q,outcome=%q}`, method, outcome)).Inc()
	s.metrics.GetOrCreateHistogram(fmt.Sprintf(`rpcservice_request_duration_seconds{method=%q}`, method)).UpdateDuration(start)
}

func (s *Service) recordNotFound() {
	if s.metrics == nil {
		return
	}
	s.metrics.GetOrCreateCounter(metricMethodNotFound).Inc()
}
