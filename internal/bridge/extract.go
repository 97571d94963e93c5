package bridge

import (
	"encoding/json"
	"strings"

	"github.com/conduit-ai/conduit/pkg/protocol"
)

// callEnvelope is the reply contract the encoder asks the model for.
type callEnvelope struct {
	FunctionCall *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function_call"`
}

// Extract recovers a function call from a model reply.
//
// A fenced code block (optionally tagged "json") is tried first; its
// inner content becomes the scan target. Otherwise the whole reply is
// scanned from the first '{' for a balanced top-level JSON span, with
// braces inside quoted strings ignored. Only the first balanced span
// is considered.
//
// Absence of a parseable call returns nil. That is a normal outcome,
// not an error: the model chose plain text.
func Extract(content string) *protocol.FunctionCall {
	target := content
	if inner, ok := fencedBlock(content); ok {
		target = inner
	}

	candidate, ok := firstBalancedSpan(target)
	if !ok {
		return nil
	}

	var env callEnvelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return nil
	}
	if env.FunctionCall == nil || env.FunctionCall.Name == "" || len(env.FunctionCall.Arguments) == 0 {
		return nil
	}

	// Re-serialize arguments to a compact string, structure preserved.
	var args any
	if err := json.Unmarshal(env.FunctionCall.Arguments, &args); err != nil {
		return nil
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil
	}

	return &protocol.FunctionCall{
		Name:      env.FunctionCall.Name,
		Arguments: string(encoded),
	}
}

// fencedBlock returns the inner content of the first fenced code block.
func fencedBlock(content string) (string, bool) {
	open := strings.Index(content, "```")
	if open < 0 {
		return "", false
	}

	rest := content[open+3:]

	// Skip an optional language tag on the fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || tag == "json" {
			rest = rest[nl+1:]
		}
	}

	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}

	return strings.TrimSpace(rest[:end]), true
}

// firstBalancedSpan scans for the first '{' and returns the substring
// through its matching top-level closing brace. The scan is string and
// escape aware: a '"' toggles in-string state unless escaped, and
// braces inside a string do not count.
func firstBalancedSpan(content string) (string, bool) {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(content); i++ {
		c := content[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1], true
			}
		}
	}

	return "", false
}
