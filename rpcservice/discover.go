package rpcservice

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
)

const discoverMethodName = "rpc.discover"

// MethodInfo describes one method in the rpc.discover result.
type MethodInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Params      *jsonschema.Schema `json:"params,omitempty"`
	Result      *jsonschema.Schema `json:"result,omitempty"`
}

// DiscoverResult is the result of rpc.discover.
type DiscoverResult struct {
	Methods []MethodInfo `json:"methods"`
}

func (s *Service) discoverMethod() Method {
	return Method{
		Name:        discoverMethodName,
		Description: "Lists the methods served by this endpoint.",
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return s.Discover(ctx), nil
		},
	}
}

// Discover describes the registered methods, sorted by name.
func (s *Service) Discover(context.Context) DiscoverResult {
	methods := s.Methods()
	out := DiscoverResult{Methods: make([]MethodInfo, 0, len(methods))}
	for _, m := range methods {
		out.Methods = append(out.Methods, MethodInfo{
			Name:        m.Name,
			Description: m.Description,
			Params:      m.Params,
			Result:      m.Result,
		})
	}
	return out
}
