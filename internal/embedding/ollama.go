package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"memoria/internal/logging"
)

// OllamaEngine embeds memory content against a local Ollama server. It is
// the offline fallback when no GenAI API key is configured: no network
// round trip to a cloud model, but also no task-type API, so every memory
// and query embeds identically regardless of its role in §4.2's
// document/query split (task_selector.go's DetectContentType is only used
// here for debug logging, never to change the request).
type OllamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaEngine constructs an OllamaEngine, defaulting to a local server
// running embeddinggemma.
func NewOllamaEngine(endpoint, model string) (*OllamaEngine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewOllamaEngine")
	defer timer.Stop()

	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	logging.Embedding("ollama embedding engine: endpoint=%s, model=%s", endpoint, model)

	return &OllamaEngine{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Embed generates an embedding for a single memory.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "Ollama.Embed")
	defer timer.Stop()

	logging.EmbeddingDebug("Ollama.Embed: embedding %s content (length=%d chars, no task-type API)", DetectContentType(text), len(text))

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed after %v: %w", latency, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}

	logging.EmbeddingDebug("Ollama.Embed: completed in %v, dimensions=%d", latency, len(result.Embedding))
	return result.Embedding, nil
}

// EmbedBatch embeds multiple memories. Ollama has no batch endpoint, so
// each text is embedded with a sequential call.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "Ollama.EmbedBatch")
	defer timer.Stop()

	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d/%d: %w", i+1, len(texts), err)
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}

// Dimensions reports embeddinggemma's output size. Other Ollama models may
// differ; this engine assumes the configured model matches.
func (e *OllamaEngine) Dimensions() int { return 768 }

// Name identifies this engine for the cache's model tag.
func (e *OllamaEngine) Name() string { return fmt.Sprintf("ollama:%s", e.model) }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}
