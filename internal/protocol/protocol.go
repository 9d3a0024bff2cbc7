// Package protocol implements the two wire envelopes spoken by the remote
// computation agents: a JSON-RPC 2.0 request/response pair and a simplified
// tool-call envelope that carries the same fields without the version tag.
package protocol

import (
	"fmt"
)

// Version is the JSON-RPC protocol version tag.
const Version = "2.0"

// HeaderProtocol is the out-of-band transport marker for the tool-call
// envelope. Agents use it to select a handler before parsing the body.
const HeaderProtocol = "X-Agent-Protocol"

// ToolCallMarker is the HeaderProtocol value for tool-call requests.
const ToolCallMarker = "toolcall"

type Protocol string

const (
	RPC      Protocol = "rpc"
	ToolCall Protocol = "toolcall"
)

func Parse(s string) (Protocol, error) {
	switch Protocol(s) {
	case RPC:
		return RPC, nil
	case ToolCall:
		return ToolCall, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// Reserved JSON-RPC error codes plus the agent-specific extensions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeAgentUnavailable = -32001
	CodeDataNotFound     = -32002
	CodeTimeout          = -32003
)

// DefaultRetryableCodes lists the codes treated as transient. Malformed
// requests and missing data never get better by retrying.
func DefaultRetryableCodes() map[int]struct{} {
	return map[int]struct{}{
		CodeInternalError:    {},
		CodeAgentUnavailable: {},
		CodeTimeout:          {},
	}
}

// RPCError is the structured error every failed call resolves to,
// regardless of whether the failure happened on the wire or in the agent.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// InternalError wraps a transport-level failure into the reserved code so
// callers see one uniform error type.
func InternalError(format string, args ...any) *RPCError {
	return &RPCError{Code: CodeInternalError, Message: fmt.Sprintf(format, args...)}
}

// TimeoutError marks an attempt that exceeded its deadline.
func TimeoutError(format string, args ...any) *RPCError {
	return &RPCError{Code: CodeTimeout, Message: fmt.Sprintf(format, args...)}
}
