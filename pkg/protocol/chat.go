// Package protocol defines the wire types shared between the gateway
// and its callers. Shapes mirror the standard chat-completion API.
package protocol

// Message roles accepted on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single message in a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a validated chat-completion request.
type ChatRequest struct {
	Model           string           `json:"model"`
	Messages        []ChatMessage    `json:"messages"`
	MaxTokens       int              `json:"max_tokens,omitempty"`
	Temperature     float64          `json:"temperature,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	QualityPriority bool             `json:"quality_priority,omitempty"`
	Provider        string           `json:"provider,omitempty"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
}

// ChatChoice is one completion choice in a response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage contains token usage counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RouterMetadata tags a response with the routing outcome.
type RouterMetadata struct {
	Target    string `json:"router_target"`
	Reason    string `json:"router_reason"`
	LatencyMs int64  `json:"latency_ms"`
	// BackendModel is the backend-internal model id actually served.
	// The caller-visible Model field keeps the requested name.
	BackendModel string `json:"backend_model,omitempty"`
}

// ChatResponse is a non-streaming chat-completion response.
type ChatResponse struct {
	ID           string          `json:"id"`
	Object       string          `json:"object"`
	Created      int64           `json:"created"`
	Model        string          `json:"model"`
	Choices      []ChatChoice    `json:"choices"`
	Usage        Usage           `json:"usage"`
	FunctionCall *FunctionCall   `json:"function_call,omitempty"`
	Router       *RouterMetadata `json:"router,omitempty"`
}

// StreamDelta is the incremental payload of a streaming chunk.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamChoice is one choice in a streaming chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamChunk is a partial-delta chunk in a streaming response.
type StreamChunk struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []StreamChoice  `json:"choices"`
	Router  *RouterMetadata `json:"router,omitempty"`
}
