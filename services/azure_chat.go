package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/itish2003/ragask/config"
	"github.com/itish2003/ragask/models"
)

// AzureChatGenerator calls an Azure OpenAI chat/completions deployment.
type AzureChatGenerator struct {
	httpClient *http.Client
	cfg        config.ChatConfig
}

func NewAzureChatGenerator(client *http.Client, cfg config.ChatConfig) *AzureChatGenerator {
	return &AzureChatGenerator{httpClient: client, cfg: cfg}
}

func (g *AzureChatGenerator) completionsURL() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		g.cfg.Endpoint, url.PathEscape(g.cfg.Model), url.QueryEscape(g.cfg.APIVersion))
}

// Generate returns choices[0].message.content of the completion.
func (g *AzureChatGenerator) Generate(ctx context.Context, messages []models.ChatMessage) (string, error) {
	headers := map[string]string{"Authorization": "Bearer " + g.cfg.APIKey}
	status, body, err := postJSON(ctx, g.httpClient, g.completionsURL(), headers, models.ChatCompletionRequest{
		Messages:    messages,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		return "", transportError(StageGeneration, err)
	}
	if status < 200 || status >= 300 {
		return "", statusError(StageGeneration, status, body)
	}
	return parseCompletion(body)
}

func parseCompletion(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", malformed(StageGeneration, "chat response is not valid JSON")
	}
	choices := gjson.GetBytes(body, "choices")
	if !choices.IsArray() {
		return "", malformed(StageGeneration, "chat response has no choices array")
	}
	content := choices.Get("0.message.content")
	if content.Type != gjson.String || content.Str == "" {
		return "", malformed(StageGeneration, "chat response has no choices[0].message.content")
	}
	return content.Str, nil
}
