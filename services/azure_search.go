package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/itish2003/ragask/config"
	"github.com/itish2003/ragask/models"
)

// AzureSearchRetriever queries an Azure AI Search index.
type AzureSearchRetriever struct {
	httpClient *http.Client
	cfg        config.SearchConfig
}

func NewAzureSearchRetriever(client *http.Client, cfg config.SearchConfig) *AzureSearchRetriever {
	return &AzureSearchRetriever{httpClient: client, cfg: cfg}
}

func (r *AzureSearchRetriever) searchURL() string {
	return fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s",
		r.cfg.Endpoint, url.PathEscape(r.cfg.IndexName), url.QueryEscape(r.cfg.APIVersion))
}

// Retrieve returns up to Top hits in the order the index ranked them.
func (r *AzureSearchRetriever) Retrieve(ctx context.Context, question string) ([]models.SearchHit, error) {
	headers := map[string]string{"api-key": r.cfg.APIKey}
	status, body, err := postJSON(ctx, r.httpClient, r.searchURL(), headers, models.SearchRequest{
		Search: question,
		Top:    r.cfg.Top,
	})
	if err != nil {
		return nil, transportError(StageRetrieval, err)
	}
	if status < 200 || status >= 300 {
		return nil, statusError(StageRetrieval, status, body)
	}
	return parseSearchHits(body)
}

// parseSearchHits extracts value[*].content. Elements without a non-empty
// string content are skipped.
func parseSearchHits(body []byte) ([]models.SearchHit, error) {
	if !gjson.ValidBytes(body) {
		return nil, malformed(StageRetrieval, "search response is not valid JSON")
	}
	value := gjson.GetBytes(body, "value")
	if !value.IsArray() {
		return nil, malformed(StageRetrieval, "search response has no value array")
	}

	hits := make([]models.SearchHit, 0, len(value.Array()))
	value.ForEach(func(_, doc gjson.Result) bool {
		content := doc.Get("content")
		if content.Type == gjson.String && content.Str != "" {
			hits = append(hits, models.SearchHit{Content: content.Str})
		}
		return true
	})
	return hits, nil
}

// JoinContext concatenates hit contents with newlines, keeping their order.
func JoinContext(hits []models.SearchHit) string {
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, h.Content)
	}
	return strings.Join(parts, "\n")
}

// maxResponseBytes bounds how much of any backend response is read.
const maxResponseBytes = 8 << 20

// postJSON sends payload as JSON and returns the status code and the full
// response body.
func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, payload any) (int, []byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to call %s: %w", httpReq.URL.Host, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
