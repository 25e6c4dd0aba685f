// Package jsonrpc serves read-only header queries over JSON-RPC 2.0.
package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/blockberries/headerberry/state"
	"github.com/blockberries/headerberry/types"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, and the server error codes used here.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotFound    = -32001
	CodeNotReady    = -32002
	CodeRateLimited = -32005
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewErrorWithData creates an error carrying extra detail.
func NewErrorWithData(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Predefined errors.
var (
	ErrParseError     = &Error{Code: CodeParseError, Message: "parse error"}
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound, Message: "method not found"}
	ErrInvalidParams  = &Error{Code: CodeInvalidParams, Message: "invalid params"}
	ErrInternalError  = &Error{Code: CodeInternalError, Message: "internal error"}
	ErrNotFound       = &Error{Code: CodeNotFound, Message: "header not found"}
	ErrRateLimited    = &Error{Code: CodeRateLimited, Message: "rate limit exceeded"}
)

// Request is a JSON-RPC request. ID is kept raw so it is echoed back exactly.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse encodes result into a success response.
func NewResponse(id json.RawMessage, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: data}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// HashParams selects a header by hash.
type HashParams struct {
	Hash string `json:"hash"`
}

// HeaderParams selects a header by hash or by height. Exactly one must be
// given.
type HeaderParams struct {
	Hash   string        `json:"hash,omitempty"`
	Height *types.Height `json:"height,omitempty"`

	// Raw asks for the serialized header in hex.
	Raw bool `json:"raw,omitempty"`
}

// HealthResult answers "health".
type HealthResult struct {
	Status string `json:"status"`
}

// TipResult names the highest indexed header.
type TipResult struct {
	Height types.Height `json:"height"`
	Hash   string       `json:"hash"`
}

// StatusResult answers "status".
type StatusResult struct {
	ChainID   string     `json:"chain_id"`
	PeerID    string     `json:"peer_id,omitempty"`
	Backend   string     `json:"backend"`
	SyncState string     `json:"sync_state"`
	SyncError string     `json:"sync_error,omitempty"`
	Tip       *TipResult `json:"tip"`
}

// HeaderResult describes an indexed header.
type HeaderResult struct {
	Height   types.Height `json:"height"`
	Hash     string       `json:"hash"`
	PrevHash string       `json:"prev_hash"`
	Time     int64        `json:"time"`
	Bits     string       `json:"bits"`
	Depth    uint32       `json:"depth"`
	Raw      string       `json:"raw,omitempty"`
}

// NewHeaderResult describes h at the given depth, with its serialized form
// when raw is set.
func NewHeaderResult(h state.Header, depth uint32, raw bool) HeaderResult {
	res := HeaderResult{
		Height:   h.Height,
		Hash:     h.Header.Hash().String(),
		PrevHash: h.Header.PrevHash.String(),
		Time:     h.Header.Timestamp().Unix(),
		Bits:     fmt.Sprintf("%08x", h.Header.Bits),
		Depth:    depth,
	}
	if raw {
		res.Raw = h.Header.Hex()
	}
	return res
}

// HeightResult answers "height".
type HeightResult struct {
	Height types.Height `json:"height"`
	Found  bool         `json:"found"`
}

// DepthResult answers "depth".
type DepthResult struct {
	Depth uint32 `json:"depth"`
	Found bool   `json:"found"`
}
