package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/verimem/verimem/internal/claim"
	"github.com/verimem/verimem/internal/memory"
	"github.com/verimem/verimem/internal/pipeline"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockRunner struct {
	state *pipeline.RunState
	last  pipeline.Request
	calls int
}

func (m *mockRunner) Run(_ context.Context, req pipeline.Request) *pipeline.RunState {
	m.calls++
	m.last = req
	return m.state
}

type mockMemory struct {
	records  []claim.RetrievedEvidence
	stats    memory.Stats
	statsErr error
}

func (m *mockMemory) SearchText(_ context.Context, _ string, _ int) ([]claim.RetrievedEvidence, error) {
	return m.records, nil
}

func (m *mockMemory) Stats(_ context.Context) (memory.Stats, error) {
	return m.stats, m.statsErr
}

func verifiedState() *pipeline.RunState {
	return &pipeline.RunState{
		RawText:         "The sky is blue.",
		NormalizedClaim: "the sky is blue",
		RetrievedEvidence: []claim.RetrievedEvidence{{
			ClaimID:    "c1",
			ClaimText:  "the sky is blue",
			Similarity: 0.97,
			Verdict:    claim.VerdictTrue,
			Confidence: 0.98,
			Source:     claim.SourceVerified,
			SeenCount:  3,
		}},
		VerificationResult: &claim.VerificationResult{
			ClaimText:       "The sky is blue.",
			NormalizedClaim: "the sky is blue",
			Verdict:         claim.VerdictTrue,
			Confidence:      0.98,
			Explanation:     "supported by evidence",
			EvidenceIDs:     []string{"c1"},
			Source:          claim.SourceUserSubmitted,
		},
		MemoryUpdateResult: &claim.MemoryUpdateResult{
			Action:    claim.ActionUpdated,
			ClaimID:   "c1",
			SeenCount: 4,
		},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestHandler(runner *mockRunner, mem *mockMemory, token string) http.Handler {
	return NewHandler(Deps{Pipeline: runner, Memory: mem, Token: token})
}

func doJSON(t *testing.T, h http.Handler, method, url, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// --- tests ---

func TestVerify_ReturnsRunState(t *testing.T) {
	runner := &mockRunner{state: verifiedState()}
	h := newTestHandler(runner, &mockMemory{}, "")

	rr := doJSON(t, h, http.MethodPost, "/verify", `{"raw_text":"The sky is blue."}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp VerifyResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.NormalizedClaim != "the sky is blue" {
		t.Errorf("normalized_claim = %q", resp.NormalizedClaim)
	}
	if resp.VerificationResult == nil || resp.VerificationResult.Verdict != claim.VerdictTrue {
		t.Fatalf("verification_result = %+v", resp.VerificationResult)
	}
	if resp.SeenCount != 4 {
		t.Errorf("seen_count = %d, want 4", resp.SeenCount)
	}
	if resp.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q", resp.Timestamp)
	}
	if len(resp.RetrievedEvidence) != 1 {
		t.Errorf("retrieved_evidence length = %d, want 1", len(resp.RetrievedEvidence))
	}
	if runner.last.RawText != "The sky is blue." {
		t.Errorf("pipeline got raw_text = %q", runner.last.RawText)
	}
}

func TestVerify_ReasoningAliasMirrorsExplanation(t *testing.T) {
	runner := &mockRunner{state: verifiedState()}
	h := newTestHandler(runner, &mockMemory{}, "")

	rr := doJSON(t, h, http.MethodPost, "/verify", `{"raw_text":"The sky is blue."}`, "")

	var raw map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	vr, ok := raw["verification_result"].(map[string]any)
	if !ok {
		t.Fatalf("verification_result missing: %v", raw)
	}
	if vr["reasoning"] != vr["explanation"] {
		t.Errorf("reasoning = %v, explanation = %v; want equal", vr["reasoning"], vr["explanation"])
	}
	if vr["explanation"] != "supported by evidence" {
		t.Errorf("explanation = %v", vr["explanation"])
	}
}

func TestVerify_EmptyClaimStillOK(t *testing.T) {
	// An empty claim fails inside the pipeline, not at the transport.
	runner := &mockRunner{state: &pipeline.RunState{
		VerificationResult: &claim.VerificationResult{
			Verdict:     claim.VerdictError,
			Explanation: "Pipeline errors: normalize: claim text is empty after normalization",
		},
		Errors:    []pipeline.StageError{{Stage: pipeline.StageNormalize, Message: "claim text is empty after normalization"}},
		Timestamp: time.Now().UTC(),
	}}
	h := newTestHandler(runner, &mockMemory{}, "")

	rr := doJSON(t, h, http.MethodPost, "/verify", `{"raw_text":""}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp VerifyResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.VerificationResult == nil || resp.VerificationResult.Verdict != claim.VerdictError {
		t.Fatalf("verification_result = %+v, want ERROR verdict", resp.VerificationResult)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Stage != pipeline.StageNormalize {
		t.Errorf("errors = %v", resp.Errors)
	}
}

func TestVerify_MalformedJSON(t *testing.T) {
	runner := &mockRunner{state: verifiedState()}
	h := newTestHandler(runner, &mockMemory{}, "")

	rr := doJSON(t, h, http.MethodPost, "/verify", `{not json`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if runner.calls != 0 {
		t.Error("pipeline must not run on malformed input")
	}
}

func TestVerify_RequiresTokenWhenConfigured(t *testing.T) {
	runner := &mockRunner{state: verifiedState()}
	h := newTestHandler(runner, &mockMemory{}, testToken)

	rr := doJSON(t, h, http.MethodPost, "/verify", `{"raw_text":"x"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = doJSON(t, h, http.MethodPost, "/verify", `{"raw_text":"x"}`, "wrong-token")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = doJSON(t, h, http.MethodPost, "/verify", `{"raw_text":"x"}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestHealth_AlwaysOpen(t *testing.T) {
	h := newTestHandler(&mockRunner{state: verifiedState()}, &mockMemory{}, testToken)

	rr := doJSON(t, h, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestStats_ReturnsCounters(t *testing.T) {
	mem := &mockMemory{stats: memory.Stats{
		TotalClaims: 2,
		ByVerdict:   map[string]int{"True": 1, "False": 1},
		TotalSeen:   7,
	}}
	h := newTestHandler(&mockRunner{state: verifiedState()}, mem, "")

	rr := doJSON(t, h, http.MethodGet, "/stats", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var stats memory.Stats
	json.NewDecoder(rr.Body).Decode(&stats)
	if stats.TotalClaims != 2 || stats.TotalSeen != 7 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStats_StoreError(t *testing.T) {
	mem := &mockMemory{statsErr: errors.New("db locked")}
	h := newTestHandler(&mockRunner{state: verifiedState()}, mem, "")

	rr := doJSON(t, h, http.MethodGet, "/stats", "", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestVerify_EmptyEvidenceSerializesAsArray(t *testing.T) {
	state := verifiedState()
	state.RetrievedEvidence = nil
	state.Errors = nil
	h := newTestHandler(&mockRunner{state: state}, &mockMemory{}, "")

	rr := doJSON(t, h, http.MethodPost, "/verify", `{"raw_text":"x"}`, "")

	body := rr.Body.String()
	if !strings.Contains(body, `"retrieved_evidence":[]`) {
		t.Errorf("retrieved_evidence should be [], body = %s", body)
	}
	if !strings.Contains(body, `"errors":[]`) {
		t.Errorf("errors should be [], body = %s", body)
	}
}
