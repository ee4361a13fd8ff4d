package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/verimem/verimem/internal/claim"
	"github.com/verimem/verimem/internal/memory"
)

// --- helpers ---

func newTestMCPDeps(runner *mockRunner, mem *mockMemory) MCPDeps {
	return MCPDeps{Pipeline: runner, Memory: mem}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_VerifyClaim(t *testing.T) {
	runner := &mockRunner{state: verifiedState()}
	deps := newTestMCPDeps(runner, &mockMemory{})
	handler := mcpVerifyClaim(deps)

	req := makeCallToolRequest("verify_claim", map[string]interface{}{
		"text": "The sky is blue.",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var resp VerifyResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.VerificationResult == nil || resp.VerificationResult.Verdict != claim.VerdictTrue {
		t.Fatalf("verification_result = %+v", resp.VerificationResult)
	}
	if runner.last.RawText != "The sky is blue." {
		t.Errorf("pipeline got raw_text = %q", runner.last.RawText)
	}
}

func TestMCPTool_VerifyClaim_MissingText(t *testing.T) {
	deps := newTestMCPDeps(&mockRunner{state: verifiedState()}, &mockMemory{})
	handler := mcpVerifyClaim(deps)

	result, err := handler(context.Background(), makeCallToolRequest("verify_claim", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing text")
	}
}

func TestMCPTool_VerifyClaim_ImageRefPassedThrough(t *testing.T) {
	runner := &mockRunner{state: verifiedState()}
	deps := newTestMCPDeps(runner, &mockMemory{})
	handler := mcpVerifyClaim(deps)

	req := makeCallToolRequest("verify_claim", map[string]interface{}{
		"text":      "The sky is blue.",
		"image_ref": "sky.png",
	})
	if _, err := handler(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.last.ImageRef != "sky.png" {
		t.Errorf("image_ref = %q, want pass-through", runner.last.ImageRef)
	}
}

func TestMCPTool_RecallClaims(t *testing.T) {
	mem := &mockMemory{records: []claim.RetrievedEvidence{
		{ClaimID: "c1", ClaimText: "the sky is blue", Similarity: 0.97, Verdict: claim.VerdictTrue},
		{ClaimID: "c2", ClaimText: "the sky is green", Similarity: 0.71, Verdict: claim.VerdictFalse},
	}}
	handler := mcpRecallClaims(newTestMCPDeps(&mockRunner{}, mem))

	req := makeCallToolRequest("recall_claims", map[string]interface{}{
		"query": "sky color",
		"limit": 5,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var records []claim.RetrievedEvidence
	if err := json.Unmarshal([]byte(toolText(t, result)), &records); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ClaimID != "c1" {
		t.Errorf("first record = %+v", records[0])
	}
}

func TestMCPTool_RecallClaims_Empty(t *testing.T) {
	handler := mcpRecallClaims(newTestMCPDeps(&mockRunner{}, &mockMemory{}))

	result, err := handler(context.Background(), makeCallToolRequest("recall_claims", map[string]interface{}{
		"query": "anything",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := toolText(t, result); got != "[]" {
		t.Errorf("empty recall = %q, want []", got)
	}
}

func TestMCPTool_MemoryStats(t *testing.T) {
	mem := &mockMemory{stats: memory.Stats{
		TotalClaims: 3,
		ByVerdict:   map[string]int{"True": 2, "Misleading": 1},
		TotalSeen:   9,
	}}
	handler := mcpMemoryStats(newTestMCPDeps(&mockRunner{}, mem))

	result, err := handler(context.Background(), makeCallToolRequest("memory_stats", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stats memory.Stats
	if err := json.Unmarshal([]byte(toolText(t, result)), &stats); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if stats.TotalClaims != 3 || stats.TotalSeen != 9 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMCPResource_Stats(t *testing.T) {
	mem := &mockMemory{stats: memory.Stats{TotalClaims: 1, TotalSeen: 1}}
	handler := mcpResourceStats(newTestMCPDeps(&mockRunner{}, mem))

	contents, err := handler(context.Background(), makeReadResourceRequest("memory://stats"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 resource content, got %d", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if text.MIMEType != "application/json" {
		t.Errorf("mime type = %q", text.MIMEType)
	}
}
