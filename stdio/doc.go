// Package stdio implements a single-connection JSON-RPC transport over
// stdin/stdout, one message per line. It is intended for embedding servers as
// subprocesses, test harnesses and inter-process tooling where piping lines
// of JSON is simpler than running a network listener.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 peer
//	Framing          : newline-delimited text ("\r\n" tolerated on input)
//	Ordering         : strictly sequential; response N answers request N
//	Identity         : OS user (lightweight implicit principal)
//	Payload          : opaque; the Handler interprets each line
//
// The Server never inspects line contents. Every line read is handed to the
// Handler and exactly one line is written back: the handler's response, or
// an empty line when the handler produced none or failed. Only stream I/O
// failures end a session early.
//
// Example:
//
//	svc := rpcservice.NewService(rpcservice.WithMethods(hello.Methods()...))
//	if err := stdio.NewServer(svc).Serve(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package stdio
