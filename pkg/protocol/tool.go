package protocol

// ToolDefinition describes a tool the model may call. Supplied by the
// caller; the gateway treats it as read-only.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// FunctionCall is a structured function invocation recovered from a
// model reply. Arguments is the JSON-encoded argument object.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}
