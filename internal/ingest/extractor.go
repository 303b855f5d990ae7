package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"memoria/internal/logging"
)

// Candidate is one durable fact an extractor believes it found in a
// transcript, with a provisional salience the dedup/store layer may
// adjust.
type Candidate struct {
	Content  string   `json:"content"`
	Salience float64  `json:"salience"`
	Tags     []string `json:"tags"`
}

// Extractor turns a session transcript into zero or more candidate
// memories.
type Extractor interface {
	Extract(ctx context.Context, transcript string) ([]Candidate, error)
}

// GenAIExtractor asks a Gemini model to extract durable facts from a
// transcript as JSON.
type GenAIExtractor struct {
	client *genai.Client
	model  string
}

// NewGenAIExtractor constructs a GenAIExtractor.
func NewGenAIExtractor(apiKey, model string) (*GenAIExtractor, error) {
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
	return &GenAIExtractor{client: client, model: model}, nil
}

const extractPrompt = `Extract durable, personally-relevant facts worth remembering long-term from this conversation transcript. Ignore small talk and anything transient.

Transcript:
%s

Respond with a JSON array, one object per fact, each shaped exactly as:
{"content": "<the fact, phrased as a standalone statement>", "salience": <0.0-1.0 importance estimate>, "tags": ["<short lowercase tag>", ...]}

If there is nothing durable to remember, respond with an empty JSON array: []
Respond with the JSON array only, no surrounding text or markdown fences.`

// Extract calls the model and parses its response into candidate memories.
func (e *GenAIExtractor) Extract(ctx context.Context, transcript string) ([]Candidate, error) {
	timer := logging.StartTimer(logging.CategoryIngest, "GenAIExtractor.Extract")
	defer timer.Stop()

	prompt := fmt.Sprintf(extractPrompt, transcript)
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	start := time.Now()
	result, err := e.client.Models.GenerateContent(ctx, e.model, contents, nil)
	latency := time.Since(start)
	if err != nil {
		logging.IngestError("extraction call failed after %v: %v", latency, err)
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	text := cleanJSONResponse(result.Text())
	var candidates []Candidate
	if err := json.Unmarshal([]byte(text), &candidates); err != nil {
		logging.IngestWarn("extraction response was not valid JSON, treating as no facts found: %v", err)
		return nil, nil
	}

	logging.IngestDebug("extraction in %v produced %d candidates", latency, len(candidates))
	return candidates, nil
}

// cleanJSONResponse strips a ```json ... ``` or ``` ... ``` fence if the
// model wrapped its answer in one despite being asked not to.
func cleanJSONResponse(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
