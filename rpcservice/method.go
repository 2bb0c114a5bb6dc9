package rpcservice

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"

	"github.com/ggoodman/jsonrpc-stdio-go/jsonrpc"
	"github.com/invopop/jsonschema"
)

// MethodHandler handles one call. params is nil when the request carried
// none. Returning a *jsonrpc.Error controls the wire error; any other error
// is reported as an internal error.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Method pairs a method name with its handler and optional schemas.
type Method struct {
	Name        string
	Description string
	Params      *jsonschema.Schema
	Result      *jsonschema.Schema
	Handler     MethodHandler
}

// MethodOption configures NewMethod and NewMethodNoParams.
type MethodOption func(*methodConfig)

type methodConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the description reported by rpc.discover.
func WithDescription(desc string) MethodOption {
	return func(c *methodConfig) { c.description = desc }
}

// WithAdditionalProperties controls whether unknown params fields are allowed.
// When false (default), the generated schema sets additionalProperties=false
// and runtime decoding rejects unknown fields.
func WithAdditionalProperties(allow bool) MethodOption {
	return func(c *methodConfig) { c.allowAdditionalProperties = allow }
}

// NewMethod constructs a Method from a typed params type P and result type R. It:
//   - reflects JSON Schemas for P and R using invopop/jsonschema
//   - decodes params into P, rejecting unknown fields unless allowed
//   - reports decode failures as invalid params
//
// When the request has no params, fn receives the zero P.
func NewMethod[P, R any](name string, fn func(ctx context.Context, params P) (R, error), opts ...MethodOption) Method {
	cfg := methodConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return Method{
		Name:        name,
		Description: cfg.description,
		Params:      reflectSchema[P](cfg.allowAdditionalProperties),
		Result:      reflectSchema[R](true),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p P
			if len(raw) > 0 {
				if err := decodeParams(raw, &p, cfg.allowAdditionalProperties); err != nil {
					return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, err.Error())
				}
			}
			return fn(ctx, p)
		},
	}
}

// NewMethodNoParams constructs a Method that takes no params. Any params
// sent by the caller are ignored.
func NewMethodNoParams[R any](name string, fn func(ctx context.Context) (R, error), opts ...MethodOption) Method {
	cfg := methodConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return Method{
		Name:        name,
		Description: cfg.description,
		Result:      reflectSchema[R](true),
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return fn(ctx)
		},
	}
}

func decodeParams(raw json.RawMessage, v any, allowAdditional bool) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if !allowAdditional {
		dec.DisallowUnknownFields()
	}
	return dec.Decode(v)
}

// reflectSchema reflects T into an inlined JSON Schema. Interface types
// accept anything and get no schema.
func reflectSchema[T any](allowAdditional bool) *jsonschema.Schema {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() == reflect.Interface {
		return nil
	}

	r := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true, // inline defs
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.ReflectFromType(t)
	s.Version = ""
	return s
}
