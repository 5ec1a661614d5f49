package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the client manager.
var (
	// ErrShutdown indicates the manager or a connection has been shut down.
	ErrShutdown = errors.New("lsp manager shut down")

	// ErrNoServer indicates no registered server claims the file's extension.
	ErrNoServer = errors.New("no server registered for file type")

	// ErrSessionNotReady indicates the session cannot handle requests yet.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrNotSupported indicates the server does not advertise the capability.
	ErrNotSupported = errors.New("capability not supported by server")

	// ErrSpawnFailed indicates the server process could not be started.
	ErrSpawnFailed = errors.New("server process failed to start")

	// ErrHandshakeFailed indicates the initialize exchange did not complete.
	ErrHandshakeFailed = errors.New("initialize handshake failed")

	// ErrInvalidResponse indicates a response the client could not decode.
	ErrInvalidResponse = errors.New("invalid response from server")
)

// RPCError represents a JSON-RPC error object from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC and LSP error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeRequestFailed        = -32803
)

// ServerError ties a failure to the server and project root it came from.
type ServerError struct {
	ServerID string
	Root     string
	Err      error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Root != "" {
		return fmt.Sprintf("server %s (%s): %v", e.ServerID, e.Root, e.Err)
	}
	return fmt.Sprintf("server %s: %v", e.ServerID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}
