package protocol

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 over newline-delimited frames. The agent process is both a
// server (our session calls) and a client (its permission callbacks), so a
// single message shape covers requests, responses and notifications.

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// isCall reports whether the message is an incoming request or notification.
func (m *rpcMessage) isCall() bool {
	return m.Method != ""
}

// RPCError is a protocol-level error returned by the agent process.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes used when answering agent calls.
const (
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// Wire parameter and result payloads.

type initializeParams struct {
	ProtocolVersion int            `json:"protocolVersion"`
	ClientCaps      map[string]any `json:"clientCapabilities,omitempty"`
}

type initializeResult struct {
	ProtocolVersion int `json:"protocolVersion"`
	AgentCaps       struct {
		LoadSession   bool `json:"loadSession"`
		ResumeSession bool `json:"resumeSession"`
	} `json:"agentCapabilities"`
}

type sessionNewParams struct {
	Cwd string `json:"cwd"`
}

type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason StopReason `json:"stopReason"`
}

type updateParams struct {
	SessionID string `json:"sessionId"`
	Update    struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		ToolCall struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"toolCall"`
	} `json:"update"`
}

type requestPermissionParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		Title    string `json:"title"`
		Kind     string `json:"kind"`
		RawInput struct {
			Command string `json:"command"`
		} `json:"rawInput"`
	} `json:"toolCall"`
	Options []PermissionOption `json:"options"`
}

type requestPermissionResult struct {
	Outcome permissionOutcome `json:"outcome"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" | "cancelled"
	OptionID string `json:"optionId,omitempty"`
}
