package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/verimem/verimem/internal/claim"
	"github.com/verimem/verimem/internal/memory"
	"github.com/verimem/verimem/internal/pipeline"
	"github.com/verimem/verimem/internal/websearch"
)

const maxVerifyBodySize = 1 << 20 // 1MB

// Runner executes one claim-verification run.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) *pipeline.RunState
}

// MemoryReader is the read-only slice of the claim store the API exposes.
type MemoryReader interface {
	SearchText(ctx context.Context, text string, k int) ([]claim.RetrievedEvidence, error)
	Stats(ctx context.Context) (memory.Stats, error)
}

// Deps holds the HTTP layer's dependencies.
type Deps struct {
	Pipeline Runner
	Memory   MemoryReader
	Token    string // optional; empty disables bearer auth
}

type VerifyRequest struct {
	RawText  string `json:"raw_text"`
	ImageRef string `json:"image_ref"`
}

// VerdictPayload is the wire form of a verification result. Reasoning mirrors
// Explanation for callers that read the older field name.
type VerdictPayload struct {
	ClaimText       string        `json:"claim_text"`
	NormalizedClaim string        `json:"normalized_claim"`
	Verdict         claim.Verdict `json:"verdict"`
	Confidence      float64       `json:"confidence"`
	Explanation     string        `json:"explanation"`
	Reasoning       string        `json:"reasoning"`
	EvidenceIDs     []string      `json:"evidence_ids"`
	EvidenceSummary string        `json:"evidence_summary,omitempty"`
	ReasoningTrace  string        `json:"reasoning_trace,omitempty"`
	Source          claim.Source  `json:"source"`
}

type VerifyResponse struct {
	NormalizedClaim    string                    `json:"normalized_claim"`
	CacheHit           bool                      `json:"cache_hit"`
	VerificationResult *VerdictPayload           `json:"verification_result"`
	RetrievedEvidence  []claim.RetrievedEvidence `json:"retrieved_evidence"`
	WebSearchResults   *websearch.Results        `json:"web_search_results,omitempty"`
	WebSearchUsed      bool                      `json:"web_search_used"`
	SeenCount          int                       `json:"seen_count"`
	Timestamp          string                    `json:"timestamp"`
	Errors             []pipeline.StageError     `json:"errors"`
}

// NewHandler builds the HTTP router. /health is always open; /verify and
// /stats require the bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth())
	r.Group(func(g chi.Router) {
		if deps.Token != "" {
			g.Use(BearerAuth(deps.Token))
		}
		g.Post("/verify", handleVerify(deps))
		g.Get("/stats", handleStats(deps))
	})

	return r
}

func handleVerify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxVerifyBodySize)
		defer r.Body.Close()

		var req VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		// Empty raw_text is not a transport error: the pipeline records it
		// and answers with an ERROR verdict.
		st := deps.Pipeline.Run(r.Context(), pipeline.Request{
			RawText:  req.RawText,
			ImageRef: req.ImageRef,
		})

		writeJSON(w, http.StatusOK, buildVerifyResponse(st))
	}
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Memory.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading memory stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// buildVerifyResponse flattens a run state into the wire response.
func buildVerifyResponse(st *pipeline.RunState) VerifyResponse {
	resp := VerifyResponse{
		NormalizedClaim:   st.NormalizedClaim,
		CacheHit:          st.CacheHit,
		RetrievedEvidence: st.RetrievedEvidence,
		WebSearchResults:  st.WebSearchResults,
		WebSearchUsed:     st.WebSearchUsed,
		SeenCount:         st.SeenCount(),
		Timestamp:         st.Timestamp.Format(time.RFC3339),
		Errors:            st.Errors,
	}
	if resp.RetrievedEvidence == nil {
		resp.RetrievedEvidence = []claim.RetrievedEvidence{}
	}
	if resp.Errors == nil {
		resp.Errors = []pipeline.StageError{}
	}
	if vr := st.VerificationResult; vr != nil {
		resp.VerificationResult = &VerdictPayload{
			ClaimText:       vr.ClaimText,
			NormalizedClaim: vr.NormalizedClaim,
			Verdict:         vr.Verdict,
			Confidence:      vr.Confidence,
			Explanation:     vr.Explanation,
			Reasoning:       vr.Explanation,
			EvidenceIDs:     vr.EvidenceIDs,
			EvidenceSummary: vr.EvidenceSummary,
			ReasoningTrace:  vr.ReasoningTrace,
			Source:          vr.Source,
		}
		if resp.VerificationResult.EvidenceIDs == nil {
			resp.VerificationResult.EvidenceIDs = []string{}
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
