package recap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
)

// summarizeTimeout bounds one LLM completion.
const summarizeTimeout = 30 * time.Second

// SummaryResult is the summarizer's structured output.
type SummaryResult struct {
	Sentence   string   `json:"sentence"`
	Takeaways  []string `json:"takeaways"`
	Confidence string   `json:"confidence"`
}

// Summarizer turns an assembled transcript into a one-sentence outcome.
type Summarizer interface {
	Summarize(ctx context.Context, call *store.Call, goal string, turns []Turn) (SummaryResult, error)
}

const systemPrompt = `You summarize completed phone calls. Given the call's goal and its transcript, produce a single meaningful outcome sentence that answers the goal using exact values from the transcript (names, times, amounts, confirmation numbers). Add up to 2 short takeaways when the transcript supports them. Respond in JSON: {"sentence": string, "takeaways": [string], "confidence": "high"|"medium"|"low"}.`

// LLMSummarizer calls a chat completion backend with a JSON response
// format. API failures are classified into recap error codes.
type LLMSummarizer struct {
	provider llm.Provider
}

// NewLLMSummarizer wraps a completion provider.
func NewLLMSummarizer(provider llm.Provider) *LLMSummarizer {
	return &LLMSummarizer{provider: provider}
}

var _ Summarizer = (*LLMSummarizer)(nil)

func (s *LLMSummarizer) Summarize(ctx context.Context, call *store.Call, goal string, turns []Turn) (SummaryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: buildUserPrompt(call, goal, turns)},
		},
		Temperature:  0.2,
		JSONResponse: true,
	})
	if err != nil {
		return SummaryResult{}, classifyCompletionError(err)
	}

	var result SummaryResult
	if err := json.Unmarshal([]byte(resp.Content), &result); err != nil {
		return SummaryResult{}, &Error{Code: CodeParseError, cause: err}
	}
	if result.Sentence == "" {
		return SummaryResult{}, &Error{Code: CodeParseError, cause: errors.New("empty sentence")}
	}
	return result, nil
}

func buildUserPrompt(call *store.Call, goal string, turns []Turn) string {
	var b strings.Builder
	if goal != "" {
		fmt.Fprintf(&b, "Call goal: %s\n", goal)
	}
	fmt.Fprintf(&b, "Destination: %s\n\nTranscript:\n", call.PhoneNumber)
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Speaker, t.Text)
	}
	return b.String()
}

// classifyCompletionError maps LLM transport failures onto recap error
// codes. All of these are transient.
func classifyCompletionError(err error) *Error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return &Error{Code: CodeRateLimit, cause: err}
		case apiErr.StatusCode >= 500:
			return &Error{Code: CodeServerError, cause: err}
		default:
			return &Error{Code: CodeAPIError, cause: err}
		}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Code: CodeNetworkError, cause: err}
	}
	return &Error{Code: CodeUnknown, cause: err}
}

// lowQualityPattern rejects generic model output like "Call ended." that
// tells the user nothing.
var lowQualityPattern = regexp.MustCompile(`(?i)^(call ended|key mention)`)

// sentenceUsable is the quality guard on the model's sentence.
func sentenceUsable(sentence string) bool {
	if len(sentence) < 15 {
		return false
	}
	return !lowQualityPattern.MatchString(sentence)
}
