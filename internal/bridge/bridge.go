// Package bridge emulates structured function calling for models
// without native tool support.
//
// The bridge has two halves: an encoder that turns tool definitions
// into a system-prompt fragment carrying an explicit output contract,
// and a parser that recovers a function call from the model's freeform
// reply. Both halves are pure string processing, safe under any
// concurrency.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conduit-ai/conduit/pkg/protocol"
)

// Encode builds the system-prompt fragment enumerating each tool and
// the reply contract the model must follow.
func Encode(tools []protocol.ToolDefinition) string {
	var sb strings.Builder

	sb.WriteString("You have access to the following tools:\n")
	for _, tool := range tools {
		sb.WriteString("\nTool: ")
		sb.WriteString(tool.Name)
		sb.WriteString("\nDescription: ")
		sb.WriteString(tool.Description)
		sb.WriteString("\nParameters (JSON Schema):\n")
		sb.WriteString(formatSchema(tool.Parameters))
		sb.WriteString("\n")
	}

	sb.WriteString("\nTo call a tool, reply with a single JSON object in a fenced code block:\n")
	sb.WriteString("```json\n")
	sb.WriteString(`{"function_call": {"name": "<tool name>", "arguments": {<parameters>}}}`)
	sb.WriteString("\n```\n")
	sb.WriteString("Use the exact parameter names from the schema. Do not invent fields.\n")
	sb.WriteString("If no tool applies, reply in plain text.")

	return sb.String()
}

// Inject adds the encoded fragment to a message list. An existing
// system message is extended in place (blank-line separated);
// otherwise a new system message is prepended. Non-system message
// order is preserved.
func Inject(messages []protocol.ChatMessage, tools []protocol.ToolDefinition) []protocol.ChatMessage {
	if len(tools) == 0 {
		return messages
	}

	fragment := Encode(tools)

	for i, msg := range messages {
		if msg.Role == protocol.RoleSystem {
			out := make([]protocol.ChatMessage, len(messages))
			copy(out, messages)
			out[i].Content = msg.Content + "\n\n" + fragment
			return out
		}
	}

	out := make([]protocol.ChatMessage, 0, len(messages)+1)
	out = append(out, protocol.ChatMessage{Role: protocol.RoleSystem, Content: fragment})
	out = append(out, messages...)
	return out
}

// formatSchema renders a parameter schema as indented JSON.
func formatSchema(schema map[string]any) string {
	if schema == nil {
		return "{}"
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", schema)
	}
	return string(data)
}
