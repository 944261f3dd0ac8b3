package llm

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// BlockKind tags the variant held by a Block.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// Block is one element of a message's content. Exactly one of Text,
// ToolUse or ToolResult is meaningful, selected by Kind.
type Block struct {
	Kind       BlockKind        `json:"kind"`
	Text       string           `json:"text,omitempty"`
	ToolUse    *ToolRequest     `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
}

// TextBlock returns a text block.
func TextBlock(text string) Block {
	return Block{Kind: BlockText, Text: text}
}

// ToolUseBlock returns a block carrying a tool request.
func ToolUseBlock(req ToolRequest) Block {
	return Block{Kind: BlockToolUse, ToolUse: &req}
}

// ResultBlock returns a block carrying a tool result.
func ResultBlock(callID, content string, isError bool) Block {
	return Block{Kind: BlockToolResult, ToolResult: &ToolResultBlock{
		CallID:  callID,
		Content: content,
		IsError: isError,
	}}
}

// ToolRequest is a model's request to invoke a tool. ID is the
// correlation identifier a later tool result must echo.
type ToolRequest struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResultBlock answers one ToolRequest.
type ToolResultBlock struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one entry in the conversation sent to the model.
type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// ToolSpec describes a tool on the menu offered to the model.
// InputSchema is a JSON Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a single inference call.
type Request struct {
	Model       string
	System      string
	Tools       []ToolSpec
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// StopReason reports why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Response is the provider-neutral result of one inference call.
type Response struct {
	Model        string
	Blocks       []Block
	StopReason   StopReason
	InputTokens  int
	OutputTokens int
}

// ToolRequests returns the tool requests in the order the model
// emitted them.
func (r *Response) ToolRequests() []ToolRequest {
	var out []ToolRequest
	for _, b := range r.Blocks {
		if b.Kind == BlockToolUse && b.ToolUse != nil {
			out = append(out, *b.ToolUse)
		}
	}
	return out
}

// Texts returns the non-empty text fragments in order.
func (r *Response) Texts() []string {
	var out []string
	for _, b := range r.Blocks {
		if b.Kind == BlockText && b.Text != "" {
			out = append(out, b.Text)
		}
	}
	return out
}

// Terminal reports whether this turn is a final answer. A turn that
// requests no tools is terminal regardless of the stop reason.
func (r *Response) Terminal() bool {
	return len(r.ToolRequests()) == 0
}
