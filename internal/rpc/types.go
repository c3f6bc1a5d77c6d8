package rpc

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes. Fixed values; external callers match on them.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeDomainError    = -32000
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Request is the JSON-RPC 2.0 request envelope. Method and Params are kept
// raw so malformed field types surface as invalid-request errors rather than
// decode failures.
type Request struct {
	JSONRPC *string         `json:"jsonrpc"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// Error is the JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is the JSON-RPC 2.0 response envelope. Exactly one of Result and
// Err is set. ID is echoed from the request unchanged, null when absent.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// newResult builds a success response carrying v, echoing id.
func newResult(id json.RawMessage, v any) (*Response, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Response{JSONRPC: Version, Result: raw, ID: normalizeID(id)}, nil
}

// newError builds an error response, echoing id.
func newError(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: Version, Err: &Error{Code: code, Message: message}, ID: normalizeID(id)}
}

// normalizeID maps an absent id to explicit JSON null so the response always
// carries the id field.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// DifferentiateParams are the arguments to the differentiate method.
type DifferentiateParams struct {
	RecipePath string `json:"recipe_path"`
}

// DifferentiateResult reports the outcome of a differentiation run. Failures
// inside the sequence are returned here with Success=false; the lifecycle
// history keeps whatever transitions completed before the failure.
type DifferentiateResult struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	State          string `json:"state"`
	Recipe         string `json:"recipe,omitempty"`
	Capability     string `json:"capability,omitempty"`
	Specialization string `json:"specialization,omitempty"`
}

// StateResult is the query_state response payload.
type StateResult struct {
	SpicaID        string `json:"spica_id"`
	State          string `json:"state"`
	Recipe         string `json:"recipe,omitempty"`
	Capability     string `json:"capability,omitempty"`
	Specialization string `json:"specialization,omitempty"`
	Transitions    int    `json:"transitions"`
}

// ReprogramResult is the reprogram response payload.
type ReprogramResult struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
}

// HeartbeatResult is the heartbeat response payload.
type HeartbeatResult struct {
	OK bool `json:"ok"`
}
