package claim

import (
	"strings"
	"time"
)

// Verdict is the judgment assigned to a claim.
type Verdict string

const (
	VerdictTrue       Verdict = "True"
	VerdictFalse      Verdict = "False"
	VerdictMisleading Verdict = "Misleading"
	VerdictUnverified Verdict = "Unverified"

	// VerdictError is synthesized when a run cannot produce a real judgment.
	// It only ever appears in a VerificationResult, never in a stored record.
	VerdictError Verdict = "ERROR"
)

// ParseVerdict maps free-form model output to a Verdict.
// Unknown values fall back to Unverified.
func ParseVerdict(s string) Verdict {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return VerdictTrue
	case "false":
		return VerdictFalse
	case "misleading", "partially true", "partly true":
		return VerdictMisleading
	default:
		return VerdictUnverified
	}
}

// Source records where a judgment came from.
type Source string

const (
	SourceVerified      Source = "Verified"
	SourceWebSearch     Source = "WebSearch"
	SourceUserSubmitted Source = "UserSubmitted"
)

// Record is a stored, previously judged claim.
type Record struct {
	ID             string
	RawText        string
	NormalizedText string
	Embedding      []float32
	Verdict        Verdict
	Confidence     float64
	Source         Source
	SeenCount      int
	FirstSeen      time.Time
	LastSeen       time.Time
}

// RetrievedEvidence is a read-only projection of a Record returned from a
// similarity search. Never persisted.
type RetrievedEvidence struct {
	ClaimID    string  `json:"claim_id"`
	ClaimText  string  `json:"claim_text"`
	Similarity float32 `json:"similarity"`
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
	SeenCount  int     `json:"seen_count"`
}

// VerificationResult is the outcome of judging one claim in the current run.
type VerificationResult struct {
	ClaimText       string
	NormalizedClaim string
	Verdict         Verdict
	Confidence      float64
	Explanation     string
	EvidenceIDs     []string
	EvidenceSummary string
	ReasoningTrace  string
	Source          Source
}

// Action describes what an upsert did.
type Action string

const (
	ActionCreated Action = "Created"
	ActionUpdated Action = "Updated"
)

// MemoryUpdateResult is the outcome of one upsert.
type MemoryUpdateResult struct {
	Action    Action
	ClaimID   string
	SeenCount int
	Message   string
}
