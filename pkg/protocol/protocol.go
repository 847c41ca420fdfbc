// Package protocol defines the wire contract between the tool and a running
// application's service protocol: JSON-RPC message framing, the devfs
// control methods, and the headers carried on file pushes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version.
const Version = "2.0"

// Devfs control methods exposed by the service protocol.
const (
	MethodCreateDevFS = "_createDevFS"
	MethodDeleteDevFS = "_deleteDevFS"
)

// Headers attached to each file push request. The target path travels
// base64-encoded because device paths are not guaranteed to be valid
// header values.
const (
	HeaderDevFSName    = "dev_fs_name"
	HeaderDevFSPathB64 = "dev_fs_uri_b64"
)

// ExtensionPrefix namespaces framework debug hooks. Extension methods are
// invoked by name, with the target isolate carried in the params.
const ExtensionPrefix = "ext.app."

// RPC error codes.
//
// The filesystem codes are documented by the service protocol but have
// historically shifted between runtime versions; confirm them against the
// protocol version of the target runtime before relying on new ones.
const (
	CodeFileSystemAlreadyExists = 1001
	CodeFileSystemDoesNotExist  = 1002
	CodeServiceDisappeared      = 112
	CodeMethodNotFound          = -32601
)

// Request is a JSON-RPC request.
type Request struct {
	Version string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	Version string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC level error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// FileSystemResponse is the result of _createDevFS.
type FileSystemResponse struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri"`
}
