package services

import (
	"context"
	"fmt"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"go.uber.org/zap"

	"github.com/itish2003/ragask/config"
	"github.com/itish2003/ragask/models"
)

// ChromaRetriever answers retrieval from a local Chroma collection, embedding
// the question with the configured embedder.
type ChromaRetriever struct {
	client     chromago.Client
	collection chromago.Collection
	embedder   Embedder
	top        int
}

// NewChromaRetriever connects to Chroma and opens (or creates) the collection.
func NewChromaRetriever(ctx context.Context, cfg config.SearchConfig, embedder Embedder, logger *zap.Logger) (*ChromaRetriever, error) {
	client, err := chromago.NewHTTPClient(chromago.WithBaseURL(cfg.ChromaURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}

	collection, err := getOrCreateCollection(ctx, client, cfg.Collection, logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to get or create collection %q: %w", cfg.Collection, err)
	}

	return &ChromaRetriever{
		client:     client,
		collection: collection,
		embedder:   embedder,
		top:        cfg.Top,
	}, nil
}

func getOrCreateCollection(ctx context.Context, client chromago.Client, name string, logger *zap.Logger) (chromago.Collection, error) {
	logger.Debug("getting or creating chroma collection", zap.String("collection", name))
	collection, err := client.GetOrCreateCollection(
		ctx,
		name,
		chromago.WithCollectionMetadataCreate(
			chromago.NewMetadata(
				chromago.NewStringAttribute("description", "RAG application collection"),
				chromago.NewStringAttribute("created_by", "ragask"),
			),
		),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("chroma collection ready", zap.String("collection", name))
	return collection, nil
}

// Collection exposes the underlying collection for indexing.
func (r *ChromaRetriever) Collection() chromago.Collection {
	return r.collection
}

func (r *ChromaRetriever) Retrieve(ctx context.Context, question string) ([]models.SearchHit, error) {
	queryEmbedding, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, transportError(StageRetrieval, fmt.Errorf("failed to embed query text: %w", err))
	}

	results, err := r.collection.Query(
		ctx,
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(queryEmbedding)),
		chromago.WithNResults(r.top),
	)
	if err != nil {
		return nil, transportError(StageRetrieval, fmt.Errorf("failed to query chromadb: %w", err))
	}

	var hits []models.SearchHit
	groups := results.GetDocumentsGroups()
	if len(groups) > 0 {
		for _, doc := range groups[0] {
			if text := doc.ContentString(); text != "" {
				hits = append(hits, models.SearchHit{Content: text})
			}
		}
	}
	return hits, nil
}

func (r *ChromaRetriever) Close() error {
	return r.client.Close()
}
