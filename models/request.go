package models

// AskRequest is bound from the query string of GET /api/rag/ask.
type AskRequest struct {
	Question string `form:"question" binding:"required"`
}

// SearchRequest is the body of an index docs/search call.
type SearchRequest struct {
	Search string `json:"search"`
	Top    int    `json:"top"`
}

// ChatCompletionRequest is the body of a chat/completions call.
type ChatCompletionRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

// OllamaEmbedRequest is used to structure the request to the Ollama embedding API.
type OllamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}
