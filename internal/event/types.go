package event

// Type identifies a kind of coordinator event.
type Type string

const (
	SessionState       Type = "session.state"
	SessionError       Type = "session.error"
	PermissionRequired Type = "permission.required"
	PermissionResolved Type = "permission.resolved"
	PermissionMoot     Type = "permission.moot"
	GrantChanged       Type = "grant.changed"
)

// Event is a single published event.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// SessionStateData reports a session state transition.
type SessionStateData struct {
	AgentID string `json:"agentID"`
	State   string `json:"state"`
	Resumed bool   `json:"resumed,omitempty"`
}

// SessionErrorData reports a fatal session failure.
type SessionErrorData struct {
	AgentID string `json:"agentID"`
	Message string `json:"message"`
}

// PermissionRequiredData asks a user-facing surface to present a choice.
type PermissionRequiredData struct {
	RequestID string             `json:"requestID"`
	AgentID   string             `json:"agentID"`
	ToolKind  string             `json:"toolKind"`
	ToolTitle string             `json:"toolTitle"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOption mirrors a protocol option for display purposes.
type PermissionOption struct {
	OptionID string `json:"optionID"`
	Kind     string `json:"kind"`
}

// PermissionResolvedData reports that a request was answered, either by the
// user or automatically from a stored grant.
type PermissionResolvedData struct {
	RequestID string `json:"requestID"`
	OptionID  string `json:"optionID"`
	Auto      bool   `json:"auto"`
}

// PermissionMootData tells the surface a pending request no longer matters,
// typically because its session was torn down.
type PermissionMootData struct {
	RequestID string `json:"requestID"`
	AgentID   string `json:"agentID"`
}

// GrantChangedData reports a grant upsert or deletion.
type GrantChangedData struct {
	ProjectPath string `json:"projectPath"`
	ToolKind    string `json:"toolKind"`
	Granted     *bool  `json:"granted,omitempty"`
}
