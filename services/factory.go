package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/itish2003/ragask/config"
)

// NewHTTPClient returns the pooled client shared by every outbound call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// NewRetriever builds the retrieval backend selected by cfg.Provider.
func NewRetriever(ctx context.Context, client *http.Client, cfg config.SearchConfig, logger *zap.Logger) (Retriever, error) {
	switch cfg.Provider {
	case config.ProviderAzure:
		return NewAzureSearchRetriever(client, cfg), nil
	case config.ProviderChroma:
		embedder := NewOllamaEmbedder(client, cfg.OllamaURL, cfg.EmbeddingModel)
		r, err := NewChromaRetriever(ctx, cfg, embedder, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown search provider %q", cfg.Provider)
	}
}

// NewGenerator builds the generation backend selected by cfg.Provider.
func NewGenerator(ctx context.Context, client *http.Client, cfg config.ChatConfig) (Generator, error) {
	switch cfg.Provider {
	case config.ProviderAzure:
		return NewAzureChatGenerator(client, cfg), nil
	case config.ProviderGemini:
		g, err := NewGeminiGenerator(ctx, client, cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown chat provider %q", cfg.Provider)
	}
}
