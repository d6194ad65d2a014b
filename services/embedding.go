package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/itish2003/ragask/models"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaEmbedder generates embeddings with a local Ollama server.
type OllamaEmbedder struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

func NewOllamaEmbedder(client *http.Client, baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{httpClient: client, baseURL: baseURL, model: model}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	status, body, err := postJSON(ctx, e.httpClient, e.baseURL+"/api/embeddings", nil, models.OllamaEmbedRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama embedding api: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("ollama api returned non-200 status: %d, body: %s", status, string(body))
	}

	var ollamaResp models.OllamaEmbedResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if len(ollamaResp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %s", e.model)
	}
	return ollamaResp.Embedding, nil
}
