// Package rpcservice is a JSON-RPC 2.0 method registry and dispatcher. A
// Service decodes one message (a single request or a batch), routes each
// request to its registered Method and encodes the response. It satisfies
// stdio.Handler, so it can be served directly over stdin/stdout:
//
//	svc := rpcservice.NewService(
//	    rpcservice.WithMethods(
//	        rpcservice.NewMethodNoParams("say_hello", func(ctx context.Context) (string, error) {
//	            return "hello", nil
//	        }),
//	    ),
//	)
//	err := stdio.NewServer(svc).Serve(ctx)
//
// Protocol failures are reported to the peer as JSON-RPC error objects
// (parse error, invalid request, method not found, invalid params, internal
// error); they never surface as Go errors to the transport. Notifications
// run their method but produce no response.
//
// Typed methods built with NewMethod carry JSON Schemas for their params and
// result, reflected from the Go types with github.com/invopop/jsonschema.
// The built-in "rpc.discover" method lists every method with those schemas.
package rpcservice
