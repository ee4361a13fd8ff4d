package reason

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/verimem/verimem/internal/claim"
	"github.com/verimem/verimem/internal/websearch"
)

// Verifier judges a claim given retrieved prior evidence and optional live
// web results. Implementations encapsulate the reasoning model entirely.
type Verifier interface {
	Verify(ctx context.Context, rawText, normalized string, evidence []claim.RetrievedEvidence, web *websearch.Results) (claim.VerificationResult, error)
}

// OpenAIVerifier implements Verifier via an OpenAI-compatible chat model
// forced into JSON output mode.
type OpenAIVerifier struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIVerifier creates a verifier. baseURL may be empty for the default
// endpoint; timeout bounds each model round trip (default 30s if <= 0).
func NewOpenAIVerifier(apiKey, baseURL, model string, timeout time.Duration) (*OpenAIVerifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	return &OpenAIVerifier{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		timeout: timeout,
	}, nil
}

// verdictPayload mirrors the JSON object the model is instructed to return.
type verdictPayload struct {
	Verdict         string  `json:"verdict"`
	Confidence      float64 `json:"confidence"`
	Explanation     string  `json:"explanation"`
	EvidenceSummary string  `json:"evidence_summary"`
	ReasoningTrace  string  `json:"reasoning_trace"`
}

// Verify asks the model for a verdict on the normalized claim.
func (v *OpenAIVerifier) Verify(ctx context.Context, rawText, normalized string, evidence []claim.RetrievedEvidence, web *websearch.Results) (claim.VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := v.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: v.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(normalized, evidence, web)},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return claim.VerificationResult{}, fmt.Errorf("verification model: %w", err)
	}
	if len(resp.Choices) == 0 {
		return claim.VerificationResult{}, fmt.Errorf("verification model returned no choices")
	}

	result, err := parseVerdictResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return claim.VerificationResult{}, err
	}

	result.ClaimText = rawText
	result.NormalizedClaim = normalized
	for _, ev := range evidence {
		result.EvidenceIDs = append(result.EvidenceIDs, ev.ClaimID)
	}
	if web != nil && len(web.Items) > 0 {
		result.Source = claim.SourceWebSearch
	} else {
		result.Source = claim.SourceUserSubmitted
	}

	return result, nil
}

// parseVerdictResponse decodes the model's JSON into a VerificationResult.
// The payload may be wrapped in a markdown code fence.
func parseVerdictResponse(content string) (claim.VerificationResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var payload verdictPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return claim.VerificationResult{}, fmt.Errorf("parsing verdict response: %w", err)
	}

	confidence := payload.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return claim.VerificationResult{
		Verdict:         claim.ParseVerdict(payload.Verdict),
		Confidence:      confidence,
		Explanation:     strings.TrimSpace(payload.Explanation),
		EvidenceSummary: strings.TrimSpace(payload.EvidenceSummary),
		ReasoningTrace:  strings.TrimSpace(payload.ReasoningTrace),
	}, nil
}
