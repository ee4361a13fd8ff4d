package pipeline

import (
	"fmt"
	"time"

	"github.com/verimem/verimem/internal/claim"
	"github.com/verimem/verimem/internal/websearch"
)

// Stage names the pipeline step that produced an error.
type Stage string

const (
	StageNormalize    Stage = "normalize"
	StageEmbed        Stage = "embed"
	StageRetrieve     Stage = "retrieve"
	StageWebSearch    Stage = "web_search"
	StageVerify       Stage = "verify"
	StageMemoryUpdate Stage = "memory_update"
)

// StageError is a structured, non-fatal-by-default error recorded on the run
// state. Stages never raise past the orchestrator; they append one of these
// and continue in degraded mode.
type StageError struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

func (e StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Request is one claim-verification submission.
type Request struct {
	RawText string
	// ImageRef is accepted for request-shape compatibility and carried
	// through untouched; the pipeline does not process images.
	ImageRef string
}

// RunState is the single mutable record threaded through one pipeline
// execution. It is owned exclusively by that run and never shared.
// Nil/zero fields mean "not yet computed".
type RunState struct {
	RawText            string
	ImageRef           string
	NormalizedClaim    string
	ClaimEmbedding     []float32
	RetrievedEvidence  []claim.RetrievedEvidence
	CacheHit           bool
	WebSearchResults   *websearch.Results
	WebSearchUsed      bool
	VerificationResult *claim.VerificationResult
	MemoryUpdateResult *claim.MemoryUpdateResult
	Timestamp          time.Time
	Errors             []StageError
}

// appendError records a stage failure. The error list is append-only.
func (st *RunState) appendError(stage Stage, format string, args ...any) {
	st.Errors = append(st.Errors, StageError{
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
	})
}

// ErrorMessages returns the accumulated error messages in order.
func (st *RunState) ErrorMessages() []string {
	if len(st.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(st.Errors))
	for i, e := range st.Errors {
		msgs[i] = e.Error()
	}
	return msgs
}

// SeenCount reports how many times this claim's record has been observed,
// zero when no memory update happened this run.
func (st *RunState) SeenCount() int {
	if st.MemoryUpdateResult == nil {
		return 0
	}
	return st.MemoryUpdateResult.SeenCount
}
