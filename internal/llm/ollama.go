package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/trialmatch/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Large models with tools need time; ctx bounds the call.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:     logger.With("provider", "ollama"),
	}
}

// Ollama wire types

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns object, not string
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Infer sends a non-streaming chat request to Ollama.
func (c *OllamaClient) Infer(ctx context.Context, req Request) (*Response, error) {
	wire := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req.System, req.Messages),
		Tools:    convertToolsToOllama(req.Tools),
		Options: &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var chatResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := convertFromOllama(&chatResp)
	c.logger.Debug("response received",
		"model", out.Model,
		"stop_reason", out.StopReason,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)
	return out, nil
}

func convertToOllama(system string, msgs []Message) []ollamaMessage {
	var out []ollamaMessage
	if system != "" {
		out = append(out, ollamaMessage{Role: "system", Content: system})
	}

	// Ollama correlates results by tool name, not id.
	names := make(map[string]string)

	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			om := ollamaMessage{Role: "assistant"}
			var text []string
			for _, b := range m.Blocks {
				switch b.Kind {
				case BlockText:
					text = append(text, b.Text)
				case BlockToolUse:
					var tc ollamaToolCall
					tc.Function.Name = b.ToolUse.Name
					tc.Function.Arguments = b.ToolUse.Input
					om.ToolCalls = append(om.ToolCalls, tc)
					names[b.ToolUse.ID] = b.ToolUse.Name
				}
			}
			om.Content = strings.Join(text, "\n")
			out = append(out, om)
		case RoleToolResult:
			for _, b := range m.Blocks {
				if b.Kind != BlockToolResult {
					continue
				}
				out = append(out, ollamaMessage{
					Role:     "tool",
					Content:  b.ToolResult.Content,
					ToolName: names[b.ToolResult.CallID],
				})
			}
		default:
			var text []string
			for _, b := range m.Blocks {
				if b.Kind == BlockText {
					text = append(text, b.Text)
				}
			}
			out = append(out, ollamaMessage{Role: "user", Content: strings.Join(text, "\n")})
		}
	}
	return out
}

func convertToolsToOllama(tools []ToolSpec) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ollamaTool, len(tools))
	for i, t := range tools {
		out[i].Type = "function"
		out[i].Function.Name = t.Name
		out[i].Function.Description = t.Description
		out[i].Function.Parameters = t.InputSchema
	}
	return out
}

func convertFromOllama(r *ollamaResponse) *Response {
	resp := &Response{
		Model:        r.Model,
		StopReason:   StopEndTurn,
		InputTokens:  r.PromptEvalCount,
		OutputTokens: r.EvalCount,
	}
	if r.DoneReason == "length" {
		resp.StopReason = StopMaxTokens
	}

	calls := r.Message.ToolCalls
	content := r.Message.Content
	if len(calls) == 0 && content != "" {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			calls = parsed
			content = "" // Clear content since it was a tool call
		}
	}

	if content != "" {
		resp.Blocks = append(resp.Blocks, TextBlock(content))
	}
	for _, tc := range calls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		// Ollama does not assign ids, so mint one per call.
		resp.Blocks = append(resp.Blocks, ToolUseBlock(ToolRequest{
			ID:    "call_" + uuid.NewString(),
			Name:  tc.Function.Name,
			Input: args,
		}))
	}
	if len(calls) > 0 {
		resp.StopReason = StopToolUse
	}
	return resp
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many local models output tool calls as JSON in the content rather
// than using the native tool_calls field. Handled formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	toWire := func(calls []textCall) []ollamaToolCall {
		out := make([]ollamaToolCall, 0, len(calls))
		for _, c := range calls {
			if c.Name == "" {
				continue
			}
			var tc ollamaToolCall
			tc.Function.Name = c.Name
			tc.Function.Arguments = c.Arguments
			out = append(out, tc)
		}
		return out
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		return toWire(calls)
	}

	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return toWire([]textCall{single})
	}

	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}
