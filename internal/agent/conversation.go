package agent

import (
	"errors"
	"fmt"
	"slices"

	"github.com/nugget/trialmatch/internal/llm"
	"github.com/nugget/trialmatch/internal/tools"
)

// Conversation is the append-only message history of one run. The
// whole history is sent on every inference call; the model keeps no
// state between calls.
type Conversation struct {
	messages []llm.Message
}

// NewConversation returns a conversation seeded with the task prompt.
func NewConversation(task string) *Conversation {
	c := &Conversation{}
	c.messages = append(c.messages, llm.Message{
		Role:   llm.RoleUser,
		Blocks: []llm.Block{llm.TextBlock(task)},
	})
	return c
}

// AppendAssistantTurn records one model turn with its blocks in the
// order the model produced them.
func (c *Conversation) AppendAssistantTurn(blocks []llm.Block) {
	c.messages = append(c.messages, llm.Message{
		Role:   llm.RoleAssistant,
		Blocks: slices.Clone(blocks),
	})
}

// AppendToolResults records the results for every tool request of the
// latest assistant turn as a single message. The results must answer
// those requests one to one and in the same order.
func (c *Conversation) AppendToolResults(results []tools.ToolResult) error {
	if len(c.messages) == 0 || c.messages[len(c.messages)-1].Role != llm.RoleAssistant {
		return errors.New("tool results must follow an assistant turn")
	}
	last := c.messages[len(c.messages)-1]

	var ids []string
	for _, b := range last.Blocks {
		if b.Kind == llm.BlockToolUse {
			ids = append(ids, b.ToolUse.ID)
		}
	}
	if len(ids) != len(results) {
		return fmt.Errorf("got %d tool results for %d tool requests", len(results), len(ids))
	}

	blocks := make([]llm.Block, len(results))
	for i, r := range results {
		if r.CallID != ids[i] {
			return fmt.Errorf("tool result %d answers %q, want %q", i, r.CallID, ids[i])
		}
		blocks[i] = llm.ResultBlock(r.CallID, r.Content(), r.IsError)
	}

	c.messages = append(c.messages, llm.Message{Role: llm.RoleToolResult, Blocks: blocks})
	return nil
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []llm.Message {
	return slices.Clone(c.messages)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.messages)
}
