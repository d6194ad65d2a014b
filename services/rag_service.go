package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itish2003/ragask/config"
	"github.com/itish2003/ragask/logging"
	"github.com/itish2003/ragask/models"
)

// Retriever finds document fragments relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string) ([]models.SearchHit, error)
}

// Generator produces an answer from role-tagged messages.
type Generator interface {
	Generate(ctx context.Context, messages []models.ChatMessage) (string, error)
}

// RAGService answers a question grounded on retrieved context.
type RAGService interface {
	Answer(ctx context.Context, question string) (*models.RagAnswer, error)
}

// Orchestrator runs retrieval then generation, strictly in sequence. It holds
// no per-request state and is safe for concurrent use.
type Orchestrator struct {
	cfg       config.RagConfig
	retriever Retriever
	generator Generator
	logger    *zap.Logger
	metrics   *Metrics
}

// NewOrchestrator wires the pipeline. logger and metrics may be nil.
func NewOrchestrator(cfg config.RagConfig, retriever Retriever, generator Generator, logger *zap.Logger, metrics *Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		retriever: retriever,
		generator: generator,
		logger:    logger,
		metrics:   metrics,
	}
}

// Answer implements RAGService.
func (o *Orchestrator) Answer(ctx context.Context, question string) (*models.RagAnswer, error) {
	answer, err := o.answer(ctx, question)
	o.metrics.observeOutcome(err)
	return answer, err
}

func (o *Orchestrator) answer(ctx context.Context, question string) (*models.RagAnswer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	log := o.logger.With(zap.String("request_id", logging.RequestID(ctx)))

	log.Debug("retrieving context", zap.String("question", question))
	start := time.Now()
	hits, err := o.retriever.Retrieve(ctx, question)
	o.metrics.observeStage(StageRetrieval, time.Since(start))
	if err != nil {
		err = contextDone(ctx, err)
		log.Warn("retrieval failed", zap.Error(err))
		return nil, err
	}

	retrieved := JoinContext(hits)
	log.Info("retrieved context", zap.Int("hits", len(hits)), zap.Duration("took", time.Since(start)))
	if retrieved == "" && o.cfg.EmptyContext == config.EmptyContextFail {
		return nil, ErrNoContextFound
	}

	messages := BuildMessages(o.cfg.Chat.SystemPrompt, retrieved, question)

	start = time.Now()
	text, err := o.generator.Generate(ctx, messages)
	o.metrics.observeStage(StageGeneration, time.Since(start))
	if err != nil {
		err = contextDone(ctx, err)
		log.Warn("generation failed", zap.Error(err))
		return nil, err
	}
	log.Info("generated answer", zap.Int("chars", len(text)), zap.Duration("took", time.Since(start)))

	return &models.RagAnswer{
		Question: question,
		Context:  retrieved,
		Answer:   text,
		Hits:     hits,
	}, nil
}
