package protocol

import "strings"

// Capability names advertised by an agent process during initialize.
type Capability string

const (
	// CapabilityResume means the agent can re-attach to a prior session's
	// remote context with session/resume.
	CapabilityResume Capability = "resumeSession"
	// CapabilityLoad means the agent can load a stored session with
	// session/load, replaying its history.
	CapabilityLoad Capability = "loadSession"
)

// CapabilitySet is the set of optional capabilities an agent supports.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is present.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// ToolKind is the coarse category of an agent-requested action. It is the
// granularity at which permission decisions are persisted.
type ToolKind string

const (
	ToolRead    ToolKind = "read"
	ToolEdit    ToolKind = "edit"
	ToolDelete  ToolKind = "delete"
	ToolExecute ToolKind = "execute"
	ToolFetch   ToolKind = "fetch"
	ToolOther   ToolKind = "other"
)

// ParseToolKind maps a wire kind string onto the taxonomy. Unknown kinds
// collapse to ToolOther so a newer agent cannot crash an older coordinator.
func ParseToolKind(s string) ToolKind {
	switch ToolKind(strings.ToLower(strings.TrimSpace(s))) {
	case ToolRead, ToolEdit, ToolDelete, ToolExecute, ToolFetch:
		return ToolKind(strings.ToLower(strings.TrimSpace(s)))
	default:
		return ToolOther
	}
}

// OptionKind classifies a permission option offered by the agent.
type OptionKind string

const (
	AllowOnce    OptionKind = "allow_once"
	AllowAlways  OptionKind = "allow_always"
	RejectOnce   OptionKind = "reject_once"
	RejectAlways OptionKind = "reject_always"
)

// Allows reports whether the option is allow-leaning.
func (k OptionKind) Allows() bool {
	return k == AllowOnce || k == AllowAlways
}

// Always reports whether the option persists the decision.
func (k OptionKind) Always() bool {
	return k == AllowAlways || k == RejectAlways
}

// PermissionOption is one selectable answer to a permission request.
type PermissionOption struct {
	OptionID string     `json:"optionId"`
	Kind     OptionKind `json:"kind"`
	Name     string     `json:"name,omitempty"`
}

// PermissionRequest is one protocol-level tool-invocation approval ask.
// RequestID is assigned by the coordinator when the request is registered;
// the agent's own JSON-RPC id never leaves the client.
type PermissionRequest struct {
	RequestID  string
	SessionID  string
	ToolKind   ToolKind
	ToolTitle  string
	RawCommand string // shell command for execute requests, if provided
	Options    []PermissionOption
}

// ContentBlock is one block of prompt content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// StopReason reports how a prompt exchange ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopCancelled StopReason = "cancelled"
	StopRefusal   StopReason = "refusal"
)

// Update is one session/update notification streamed during an exchange.
type Update struct {
	SessionID string
	Kind      string // agent_message_chunk, tool_call, tool_result, ...
	Text      string
	ToolName  string
	ToolCall  string
}
