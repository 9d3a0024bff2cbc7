package protocol

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Call is a logical request before envelope selection.
type Call struct {
	Method string
	Params map[string]any
}

// Request is the wire-level request envelope. The JSONRPC field is present
// only for the RPC protocol; tool-call requests omit it and signal the
// protocol through HeaderProtocol instead.
type Request struct {
	JSONRPC string         `json:"jsonrpc,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      string         `json:"id"`
}

// Response is the wire-level response envelope, shared by both protocols.
// Exactly one of Result and Error is set on a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Encode builds the request body and transport headers for a call. The
// correlation id is returned so the caller can verify the response.
func Encode(call Call, proto Protocol) (body []byte, header http.Header, id string, rpcErr *RPCError) {
	id = uuid.NewString()
	req := Request{
		Method: call.Method,
		Params: call.Params,
		ID:     id,
	}

	header = http.Header{}
	header.Set("Content-Type", "application/json")

	switch proto {
	case RPC:
		req.JSONRPC = Version
	case ToolCall:
		header.Set(HeaderProtocol, ToolCallMarker)
	default:
		return nil, nil, "", InternalError("unsupported protocol %q", proto)
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, nil, "", InternalError("encode request: %v", err)
	}
	return raw, header, id, nil
}

// Decode maps a raw response body into result bytes or an *RPCError. A body
// that does not deserialize, or an envelope that carries neither result nor
// error, resolves to the reserved internal-error code so that transport and
// agent failures look the same to callers.
func Decode(body []byte, proto Protocol, wantID string) (json.RawMessage, *RPCError) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, InternalError("decode response: %v", err)
	}

	if proto == RPC && resp.JSONRPC != Version {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: "missing jsonrpc version tag"}
	}

	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result == nil {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: "envelope carries neither result nor error"}
	}

	if wantID != "" && len(resp.ID) > 0 {
		var gotID string
		if err := json.Unmarshal(resp.ID, &gotID); err != nil || gotID != wantID {
			return nil, InternalError("correlation id mismatch: want %s got %s", wantID, string(resp.ID))
		}
	}

	return resp.Result, nil
}

// DecodeHTTP folds the HTTP status into decoding: a non-2xx status becomes a
// synthetic internal error unless the body itself is a structured error
// envelope, which is preferred for diagnostics.
func DecodeHTTP(status int, body []byte, proto Protocol, wantID string) (json.RawMessage, *RPCError) {
	if status < 200 || status > 299 {
		var resp Response
		if err := json.Unmarshal(body, &resp); err == nil && resp.Error != nil {
			return nil, resp.Error
		}
		return nil, InternalError("unexpected status %d", status)
	}
	return Decode(body, proto, wantID)
}
