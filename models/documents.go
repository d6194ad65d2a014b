package models

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// SearchHit is one retrieved document fragment. Only its text is kept.
type SearchHit struct {
	Content string `json:"content"`
}

// ChatMessage is a role-tagged message sent to the chat backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RagAnswer is the outcome of one question. It lives for a single request.
type RagAnswer struct {
	Question string      `json:"question"`
	Context  string      `json:"context"`
	Answer   string      `json:"answer"`
	Hits     []SearchHit `json:"hits,omitempty"`
}
