package reason

import (
	"fmt"
	"strings"

	"github.com/verimem/verimem/internal/claim"
	"github.com/verimem/verimem/internal/websearch"
)

const systemPrompt = `You are a fact-checking assistant. Judge the factual claim you are given using ONLY the evidence provided in the message. Respond with a single JSON object:
{"verdict": "True"|"False"|"Misleading"|"Unverified", "confidence": 0.0-1.0, "explanation": "...", "evidence_summary": "...", "reasoning_trace": "..."}

Rules:
- Cite only the evidence provided; do not invent sources.
- If the evidence is insufficient to judge, answer "Unverified" with low confidence.
- "Misleading" is for claims that are technically true but materially deceptive in framing.`

// maxPromptEvidence caps how many prior records and web results are inlined
// into the prompt to keep token usage bounded.
const maxPromptEvidence = 5

// BuildPrompt renders the user message for the verification model from the
// normalized claim, prior judged claims, and optional live search results.
func BuildPrompt(normalized string, evidence []claim.RetrievedEvidence, web *websearch.Results) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Claim to verify: %q\n\n", normalized)

	if len(evidence) == 0 {
		b.WriteString("Previously judged similar claims: none.\n")
	} else {
		b.WriteString("Previously judged similar claims:\n")
		for i, ev := range evidence {
			if i >= maxPromptEvidence {
				fmt.Fprintf(&b, "... and %d more\n", len(evidence)-maxPromptEvidence)
				break
			}
			fmt.Fprintf(&b, "%d. %q — verdict %s (confidence %.2f, similarity %.2f, seen %d times, source %s)\n",
				i+1, ev.ClaimText, ev.Verdict, ev.Confidence, ev.Similarity, ev.SeenCount, ev.Source)
		}
	}

	if web != nil && len(web.Items) > 0 {
		b.WriteString("\nLive web search results:\n")
		for i, item := range web.Items {
			if i >= maxPromptEvidence {
				fmt.Fprintf(&b, "... and %d more\n", len(web.Items)-maxPromptEvidence)
				break
			}
			fmt.Fprintf(&b, "%d. %s (%s): %s\n", i+1, item.Title, item.URL, item.Snippet)
		}
	}

	b.WriteString("\nReturn the JSON verdict object only.")
	return b.String()
}
