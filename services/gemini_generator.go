package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/itish2003/ragask/config"
	"github.com/itish2003/ragask/models"
)

// GeminiGenerator produces answers with the Gemini API. The system message
// becomes the system instruction and the user message the prompt.
type GeminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewGeminiGenerator(ctx context.Context, httpClient *http.Client, cfg config.ChatConfig) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.GeminiAPIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.GeminiBaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiGenerator{
		client:      client,
		model:       cfg.GeminiModel,
		temperature: float32(cfg.Temperature),
	}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, messages []models.ChatMessage) (string, error) {
	system, user := splitMessages(messages)

	temperature := g.temperature
	genConfig := &genai.GenerateContentConfig{Temperature: &temperature}
	if system != "" {
		genConfig.SystemInstruction = genai.Text(system)[0]
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(user), genConfig)
	if err != nil {
		return "", transportError(StageGeneration, fmt.Errorf("gemini api call failed: %w", err))
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", malformed(StageGeneration, "gemini returned no candidates")
	}
	var responseText strings.Builder
	for _, p := range result.Candidates[0].Content.Parts {
		if p != nil && p.Text != "" {
			responseText.WriteString(p.Text)
		}
	}
	if responseText.Len() == 0 {
		return "", malformed(StageGeneration, "gemini candidate has no text")
	}
	return responseText.String(), nil
}

// splitMessages folds messages into one system instruction and one user
// prompt, joining repeated roles with blank lines.
func splitMessages(messages []models.ChatMessage) (system, user string) {
	var sys, usr []string
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			sys = append(sys, m.Content)
		default:
			usr = append(usr, m.Content)
		}
	}
	return strings.Join(sys, "\n\n"), strings.Join(usr, "\n\n")
}
