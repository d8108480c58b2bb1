package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"colonysync/internal/agentgw/bridge"
	"colonysync/internal/protocol"
)

// call is one JSON-RPC 2.0 request from an agent.
type call struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func decodeCall(body []byte) (call, error) {
	var c call
	if err := json.Unmarshal(body, &c); err != nil {
		return call{}, err
	}
	if c.JSONRPC != "" && c.JSONRPC != "2.0" {
		return call{}, fmt.Errorf("unsupported jsonrpc version %q", c.JSONRPC)
	}
	if c.Method == "" {
		return call{}, errors.New("missing method")
	}
	return c, nil
}

// toolCall names a colonysync tool and its raw arguments.
type toolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type sendArgs struct {
	Message json.RawMessage `json:"message"`
}

// message decodes the wrapped envelope through the schema-checked codec.
func (a sendArgs) message() (*protocol.Message, error) {
	if len(a.Message) == 0 {
		return nil, protocol.Reject(protocol.CodeIncomplete, "missing message")
	}
	return protocol.JSON.Decode(a.Message)
}

type disconnectResult struct {
	OK     bool   `json:"ok"`
	Player string `json:"player,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      serverInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// reply answers a call. Result holds a bridge result type.
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *replyError     `json:"error,omitempty"`
}

// replyError carries the game's error code next to the JSON-RPC one, so an
// agent branches on rejections the same way a game client does.
type replyError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	GameCode string `json:"game_code,omitempty"`
	Tool     string `json:"tool,omitempty"`
}

// JSON-RPC 2.0 error codes.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolFailed     = -32000
)

func succeed(id json.RawMessage, result any) reply {
	return reply{JSONRPC: "2.0", ID: id, Result: result}
}

func refuse(id json.RawMessage, code int, msg string) reply {
	return reply{JSONRPC: "2.0", ID: id, Error: &replyError{Code: code, Message: msg}}
}

// toolFailed maps a tool error onto a reply. Protocol rejections keep their
// code; a bridge without credentials for the agent reads as unauthorized.
func toolFailed(id json.RawMessage, tool string, err error) reply {
	e := &replyError{Code: codeToolFailed, Message: err.Error(), Tool: tool}
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		e.GameCode = perr.Code
	case errors.Is(err, bridge.ErrUnknownAgent):
		e.GameCode = protocol.CodeUnauthorized
	}
	return reply{JSONRPC: "2.0", ID: id, Error: e}
}
