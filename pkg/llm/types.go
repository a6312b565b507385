package llm

import "context"

// Message is one entry in an OpenAI-compatible chat transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model. Arguments
// arrive as a JSON string and may be slightly malformed.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToolDef describes a callable tool in the OpenAI function shape.
type ToolDef struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function part of a tool definition.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the token accounting returned by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolExecutor runs a tool call on behalf of the model. Failures are
// reported as {"error": ...} result maps, never as Go errors, so the
// model can react to them.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) map[string]any
}

// Client is the model boundary used across the agent.
type Client interface {
	CallCheap(ctx context.Context, systemPrompt, userInput string) (string, error)
	CallHeavy(ctx context.Context, systemPrompt, userInput string) (string, error)
	CallWithTools(ctx context.Context, systemPrompt string, messages []Message, tools []ToolDef, executor ToolExecutor) (string, error)
}
