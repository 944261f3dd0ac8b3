package llm

import (
	"encoding/json"
	"testing"
)

func TestResponse_MixedBlocks(t *testing.T) {
	resp := &Response{Blocks: []Block{
		TextBlock("Searching first."),
		ToolUseBlock(ToolRequest{ID: "a", Name: "search_clinical_trials"}),
		TextBlock(""),
		ToolUseBlock(ToolRequest{ID: "b", Name: "get_trial_details"}),
		TextBlock("Then details."),
	}}

	texts := resp.Texts()
	if len(texts) != 2 || texts[0] != "Searching first." || texts[1] != "Then details." {
		t.Errorf("Texts() = %q", texts)
	}

	reqs := resp.ToolRequests()
	if len(reqs) != 2 || reqs[0].ID != "a" || reqs[1].ID != "b" {
		t.Errorf("ToolRequests() = %+v, want ids a, b in order", reqs)
	}
	if resp.Terminal() {
		t.Error("Terminal() = true for a turn with tool requests")
	}
}

func TestResponse_TerminalWithoutTools(t *testing.T) {
	resp := &Response{Blocks: []Block{TextBlock("No trials found")}, StopReason: StopMaxTokens}
	if !resp.Terminal() {
		t.Error("Terminal() = false for a text-only turn")
	}
}

func TestResponse_ZeroValueSafe(t *testing.T) {
	var resp Response
	if resp.Texts() != nil || resp.ToolRequests() != nil {
		t.Error("zero Response should have no texts or tool requests")
	}
	if !resp.Terminal() {
		t.Error("zero Response should be terminal")
	}
}

func TestBlock_JSONShape(t *testing.T) {
	data, err := json.Marshal(ResultBlock("toolu_1", `{"ok":true}`, true))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["kind"] != "tool_result" {
		t.Errorf("kind = %v", m["kind"])
	}
	if _, ok := m["text"]; ok {
		t.Error("empty text should be omitted")
	}
	tr := m["tool_result"].(map[string]any)
	if tr["call_id"] != "toolu_1" || tr["is_error"] != true {
		t.Errorf("tool_result = %v", tr)
	}
}
