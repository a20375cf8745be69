// Package rpc is the JSON-RPC 2.0 over WebSocket control channel between
// astfctl and a traffic generator. Client implements session.Transport.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/takehaya/astfctl/pkg/profile"
	"github.com/takehaya/astfctl/pkg/session"
)

const (
	APIName     = "ASTF"
	APIVersion  = "1.2"
	DefaultPort = 4501
	Path        = "/rpc"
)

const (
	MethodAPISync     = "api_sync"
	MethodAcquire     = "acquire"
	MethodRelease     = "release"
	MethodProfileLoad = "profile_load"
	MethodStatsClear  = "stats_clear"
	MethodStart       = "start"
	MethodStop        = "stop"
	MethodStatus      = "status"
	MethodStats       = "stats"
)

// JSON-RPC 2.0 の標準コードとアプリケーション固有コード
const (
	CodeParseError      = -32700
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternal        = -32603
	CodeBadHandler      = 1000
	CodePortsBusy       = 1001
	CodeBadProfile      = 1002
	CodeStartRejected   = 1003
	CodeBadState        = 1004
	CodeVersionMismatch = 1005
)

const (
	TrafficRunning = "running"
	TrafficIdle    = "idle"
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func Errorf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Kind maps an error code to the session error kind callers can act on.
func (e *Error) Kind() session.Kind {
	switch e.Code {
	case CodePortsBusy:
		return session.KindResourceUnavailable
	case CodeBadProfile:
		return session.KindProfile
	case CodeStartRejected:
		return session.KindStart
	case CodeVersionMismatch:
		return session.KindConnection
	default:
		return session.KindRemote
	}
}

type APISyncParams struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type APISyncResult struct {
	APIHandler string `json:"api_h"`
	Version    string `json:"version"`
	Hostname   string `json:"hostname"`
	Ports      int    `json:"ports"`
}

type HandlerParams struct {
	APIHandler string `json:"api_h"`
}

type AcquireParams struct {
	APIHandler string `json:"api_h"`
	User       string `json:"user"`
	Force      bool   `json:"force"`
}

type PortsResult struct {
	Ports []int `json:"ports"`
}

type ReleaseParams struct {
	APIHandler string `json:"api_h"`
	Ports      []int  `json:"ports"`
}

type ProfileLoadParams struct {
	APIHandler string         `json:"api_h"`
	Name       string         `json:"name"`
	Format     profile.Format `json:"format"`
	Raw        []byte         `json:"raw"`
	Spec       *profile.Spec  `json:"spec,omitempty"`
}

type StartParams struct {
	APIHandler string  `json:"api_h"`
	Mult       float64 `json:"mult"`
	Duration   float64 `json:"duration"` // seconds
	NoClose    bool    `json:"nc"`
}

type StatusResult struct {
	State    string   `json:"state"`
	Warnings []string `json:"warnings,omitempty"`
}
