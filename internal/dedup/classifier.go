package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"memoria/internal/logging"
)

// Verdict is the model-assisted stage's classification of a candidate
// against one gray-zone neighbor.
type Verdict string

const (
	VerdictSame       Verdict = "same"
	VerdictUpdate     Verdict = "update"
	VerdictContradict Verdict = "contradict"
	VerdictUnrelated  Verdict = "unrelated"
)

func parseVerdict(s string) Verdict {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "same":
		return VerdictSame
	case "update":
		return VerdictUpdate
	case "contradict":
		return VerdictContradict
	default:
		return VerdictUnrelated
	}
}

// Classifier decides how a candidate memory relates to an existing
// neighbor: same content, an update/refinement, a contradiction, or
// unrelated.
type Classifier interface {
	Classify(ctx context.Context, candidate, neighbor string) (Verdict, error)
}

// GenAIClassifier asks a Gemini model to classify a candidate/neighbor
// pair, mirroring the prompt-then-parse shape the embedding tier's
// GenAIEngine uses for its own API calls.
type GenAIClassifier struct {
	client *genai.Client
	model  string
}

// NewGenAIClassifier constructs a GenAIClassifier. apiKey is required;
// model falls back to a fast, cheap default suited to a short
// classification prompt.
func NewGenAIClassifier(apiKey, model string) (*GenAIClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClassifier{client: client, model: model}, nil
}

const classifyPrompt = `You are comparing two personal memory notes for a memory-management system.
Candidate note: %q
Existing note: %q

Classify their relationship as exactly one word, with no other text:
- same: they state the same fact, possibly reworded
- update: the candidate refines or supersedes the existing note without contradicting it
- contradict: the candidate directly contradicts the existing note
- unrelated: they are about different things

Answer with exactly one of: same, update, contradict, unrelated`

// Classify asks the model to classify candidate against neighbor.
func (c *GenAIClassifier) Classify(ctx context.Context, candidate, neighbor string) (Verdict, error) {
	timer := logging.StartTimer(logging.CategoryDedup, "GenAIClassifier.Classify")
	defer timer.Stop()

	prompt := fmt.Sprintf(classifyPrompt, candidate, neighbor)
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	start := time.Now()
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	latency := time.Since(start)
	if err != nil {
		logging.DedupError("classification call failed after %v: %v", latency, err)
		return "", fmt.Errorf("classification call failed: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	verdict := parseVerdict(text)
	logging.DedupDebug("classification in %v: raw=%q verdict=%s", latency, text, verdict)
	return verdict, nil
}
