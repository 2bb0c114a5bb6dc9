// Package jsonrpc contains the JSON-RPC 2.0 wire types shared by the
// dispatch engine and its tests.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// AnyMessage decodes any JSON-RPC message. The server side never needs it;
// it exists for peers reading what the server writes, such as a client
// matching responses to its calls or a test asserting on output lines.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
// An explicit "id": null is a request whose ID is the null RequestID.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carried no id member.
func (r *Request) IsNotification() bool { return r.ID == nil }

// Response represents a JSON-RPC response. The id member is always present
// and encodes as null when unknown.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// DecodeRequest decodes and validates a single request object. Validation
// failures are returned as *Error with ErrorCodeInvalidRequest; the returned
// Request is non-nil whenever an id member could be recovered so the caller
// can address the error response.
func DecodeRequest(data []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, NewError(ErrorCodeInvalidRequest, "request must be an object")
	}

	req := &Request{}
	if raw, ok := fields["id"]; ok {
		id := &RequestID{}
		if err := id.UnmarshalJSON(raw); err != nil {
			return nil, NewError(ErrorCodeInvalidRequest, err.Error())
		}
		req.ID = id
	}

	raw, ok := fields["jsonrpc"]
	if !ok || json.Unmarshal(raw, &req.JSONRPCVersion) != nil || req.JSONRPCVersion != ProtocolVersion {
		return req, NewError(ErrorCodeInvalidRequest, fmt.Sprintf("jsonrpc must be %q", ProtocolVersion))
	}

	raw, ok = fields["method"]
	if !ok || json.Unmarshal(raw, &req.Method) != nil || req.Method == "" {
		return req, NewError(ErrorCodeInvalidRequest, "method must be a non-empty string")
	}

	if raw, ok := fields["params"]; ok {
		trimmed := bytes.TrimSpace(raw)
		switch {
		case bytes.Equal(trimmed, []byte("null")):
		case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
			req.Params = trimmed
		default:
			return req, NewError(ErrorCodeInvalidRequest, "params must be an object or array")
		}
	}

	return req, nil
}

// UnmarshalJSON rejects a wrong version, a request carrying result or error,
// and a response carrying both or neither. An explicit "id": null decodes to
// the null RequestID rather than a missing id.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	var msg AnyMessage
	if raw, ok := fields["jsonrpc"]; ok {
		_ = json.Unmarshal(raw, &msg.JSONRPCVersion)
	}
	if msg.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, msg.JSONRPCVersion)
	}
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &msg.Method); err != nil {
			return fmt.Errorf("method: %w", err)
		}
	}
	if raw, ok := fields["id"]; ok {
		msg.ID = &RequestID{}
		if err := msg.ID.UnmarshalJSON(raw); err != nil {
			return err
		}
	}
	if raw, ok := fields["error"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		msg.Error = &Error{}
		if err := json.Unmarshal(raw, msg.Error); err != nil {
			return fmt.Errorf("error: %w", err)
		}
	}
	msg.Params = fields["params"]
	msg.Result = fields["result"]

	hasResult, hasError := msg.Result != nil, msg.Error != nil
	switch {
	case msg.Method != "" && (hasResult || hasError):
		return fmt.Errorf("request message cannot have result or error fields")
	case msg.Method == "" && hasResult == hasError:
		return fmt.Errorf("response message must have exactly one of result or error")
	}

	*m = msg
	return nil
}

// Type classifies the message as "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID == nil {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// AsResponse returns the message as a Response, or nil for requests and
// notifications.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}

	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}
