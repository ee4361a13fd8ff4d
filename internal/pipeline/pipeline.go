package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/verimem/verimem/internal/claim"
	"github.com/verimem/verimem/internal/embed"
	"github.com/verimem/verimem/internal/reason"
	"github.com/verimem/verimem/internal/websearch"
)

// MemoryStore is the slice of the semantic memory store the pipeline needs.
type MemoryStore interface {
	Search(ctx context.Context, vector []float32, k int) ([]claim.RetrievedEvidence, error)
	Upsert(ctx context.Context, res claim.VerificationResult) (claim.MemoryUpdateResult, error)
}

// Options holds the pipeline's design constants.
type Options struct {
	// TopK is how many prior records retrieval asks for.
	TopK int
	// DedupThreshold is the inclusive similarity cutoff for a cache hit.
	DedupThreshold float32
	// MinEvidence is the retrieved-record count below which live web search
	// is attempted on a cache miss.
	MinEvidence int
	// MaxWebResults caps parsed web search items.
	MaxWebResults int
}

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.DedupThreshold <= 0 {
		o.DedupThreshold = 0.92
	}
	if o.MinEvidence <= 0 {
		o.MinEvidence = 2
	}
	if o.MaxWebResults <= 0 {
		o.MaxWebResults = 5
	}
	return o
}

// Pipeline sequences one claim-verification run: normalize, embed, retrieve,
// cache decision, optional evidence gathering and verification, memory
// update. A Pipeline value holds only shared handles and is cheap to
// construct per request; all per-run mutable state lives on the RunState.
type Pipeline struct {
	embedder embed.Provider
	memory   MemoryStore
	verifier reason.Verifier
	searcher websearch.Searcher // optional; nil disables web search
	opts     Options
	logger   *slog.Logger
}

// New wires a Pipeline. searcher may be nil to disable live web search.
func New(embedder embed.Provider, memory MemoryStore, verifier reason.Verifier, searcher websearch.Searcher, opts Options) *Pipeline {
	return &Pipeline{
		embedder: embedder,
		memory:   memory,
		verifier: verifier,
		searcher: searcher,
		opts:     opts.withDefaults(),
		logger:   slog.Default(),
	}
}

// Run executes the full pipeline for one request. It never returns an error:
// every failure is recorded on the run state and the run always reaches a
// well-formed final state, degrading stage by stage where it must.
func (p *Pipeline) Run(ctx context.Context, req Request) *RunState {
	start := time.Now()
	st := &RunState{
		RawText:   req.RawText,
		ImageRef:  req.ImageRef,
		Timestamp: start.UTC(),
	}

	// Normalize. An empty canonical form is the one fatal condition: there
	// is nothing to verify, so the run finalizes with a synthetic verdict.
	st.NormalizedClaim = claim.Normalize(st.RawText)
	if st.NormalizedClaim == "" {
		st.appendError(StageNormalize, "claim text is empty after normalization")
		st.VerificationResult = p.errorResult(st)
		return st
	}

	// Embed. Failure degrades retrieval rather than aborting.
	vec, err := p.embedder.Embed(ctx, st.NormalizedClaim)
	if err != nil {
		st.appendError(StageEmbed, "embedding claim: %v", err)
		p.logger.Warn("embedding failed, retrieval skipped", "error", err)
	} else {
		st.ClaimEmbedding = vec
	}

	// Retrieve prior judgments, skipped when no embedding is available.
	st.RetrievedEvidence = []claim.RetrievedEvidence{}
	if st.ClaimEmbedding != nil {
		evidence, err := p.memory.Search(ctx, st.ClaimEmbedding, p.opts.TopK)
		if err != nil {
			st.appendError(StageRetrieve, "searching memory: %v", err)
			p.logger.Warn("memory search failed", "error", err)
		} else {
			st.RetrievedEvidence = evidence
		}
	}

	// Cache decision: reuse the stored judgment when the best match is close
	// enough and actually carries a verdict.
	if top, ok := p.cacheMatch(st.RetrievedEvidence); ok {
		st.CacheHit = true
		st.VerificationResult = reuseResult(st, top)
	}

	if !st.CacheHit {
		p.gatherEvidence(ctx, st)

		result, err := p.verifier.Verify(ctx, st.RawText, st.NormalizedClaim, st.RetrievedEvidence, st.WebSearchResults)
		if err != nil {
			st.appendError(StageVerify, "verification: %v", err)
			st.VerificationResult = p.errorResult(st)
			// A failed judgment is not cached: skip the memory update.
			p.logger.Warn("verification failed", "claim", st.NormalizedClaim, "error", err)
			return st
		}
		st.VerificationResult = &result
	}

	// Memory update. Reuse counts as an observation, so cache hits land here
	// too. The write is insulated from caller cancellation: an abandoned run
	// still records what it computed. A write failure never masks the verdict.
	updateCtx := context.WithoutCancel(ctx)
	update, err := p.memory.Upsert(updateCtx, *st.VerificationResult)
	if err != nil {
		st.appendError(StageMemoryUpdate, "updating memory: %v", err)
		p.logger.Warn("memory update failed", "claim", st.NormalizedClaim, "error", err)
	} else {
		st.MemoryUpdateResult = &update
	}

	p.logger.Debug("pipeline run complete",
		"cache_hit", st.CacheHit,
		"web_search_used", st.WebSearchUsed,
		"errors", len(st.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return st
}

// cacheMatch reports whether the top retrieved record qualifies for judgment
// reuse: non-empty evidence, similarity at or above the dedup threshold, and
// a verdict that is not Unverified.
func (p *Pipeline) cacheMatch(evidence []claim.RetrievedEvidence) (claim.RetrievedEvidence, bool) {
	if len(evidence) == 0 {
		return claim.RetrievedEvidence{}, false
	}
	top := evidence[0]
	if top.Similarity < p.opts.DedupThreshold || top.Verdict == claim.VerdictUnverified {
		return claim.RetrievedEvidence{}, false
	}
	return top, true
}

// gatherEvidence optionally runs live web search when retrieval came back
// thin. Failures are recorded and the run proceeds with what it has.
func (p *Pipeline) gatherEvidence(ctx context.Context, st *RunState) {
	if p.searcher == nil || len(st.RetrievedEvidence) >= p.opts.MinEvidence {
		return
	}

	results, err := p.searcher.Search(ctx, st.NormalizedClaim, p.opts.MaxWebResults)
	if err != nil {
		st.appendError(StageWebSearch, "web search: %v", err)
		p.logger.Warn("web search failed", "claim", st.NormalizedClaim, "error", err)
		return
	}
	st.WebSearchResults = results
	st.WebSearchUsed = true
}

// reuseResult synthesizes a VerificationResult from a stored record on a
// cache hit.
func reuseResult(st *RunState, top claim.RetrievedEvidence) *claim.VerificationResult {
	return &claim.VerificationResult{
		ClaimText:       st.RawText,
		NormalizedClaim: st.NormalizedClaim,
		Verdict:         top.Verdict,
		Confidence:      top.Confidence,
		Explanation: fmt.Sprintf(
			"Reused prior judgment of an equivalent claim (similarity %.2f, seen %d times): %q was judged %s.",
			top.Similarity, top.SeenCount, top.ClaimText, top.Verdict),
		EvidenceIDs:     []string{top.ClaimID},
		EvidenceSummary: fmt.Sprintf("matched stored claim %s", top.ClaimID),
		ReasoningTrace:  "judgment reused from semantic memory",
		Source:          top.Source,
	}
}

// errorResult synthesizes the ERROR-verdict result carrying the accumulated
// error messages.
func (p *Pipeline) errorResult(st *RunState) *claim.VerificationResult {
	msgs := st.ErrorMessages()
	if len(msgs) == 0 {
		msgs = []string{"unknown error"}
	}
	return &claim.VerificationResult{
		ClaimText:       st.RawText,
		NormalizedClaim: st.NormalizedClaim,
		Verdict:         claim.VerdictError,
		Confidence:      0,
		Explanation:     "Pipeline errors: " + strings.Join(msgs, ", "),
		Source:          claim.SourceUserSubmitted,
	}
}
