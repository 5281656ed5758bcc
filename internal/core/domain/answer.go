package domain

import "time"

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Generation is the raw output of an answer generator.
type Generation struct {
	Text  string
	Model string
	Usage TokenUsage
}

type Answer struct {
	Question string            `json:"question"`
	Text     string            `json:"answer"`
	Meta     RetrievalMetadata `json:"meta"`
	TopK     int               `json:"top_k"`
	Hits     []Candidate       `json:"hits"`
	Model    string            `json:"model,omitempty"`
	Usage    TokenUsage        `json:"usage"`
	Degraded bool              `json:"degraded,omitempty"`
}

// RetrievalEvent is published after every completed retrieval.
type RetrievalEvent struct {
	ID            string         `json:"id"`
	Query         string         `json:"query"`
	Strategy      RerankStrategy `json:"strategy"`
	Modalities    []Modality     `json:"modalities"`
	Degraded      []Modality     `json:"degraded,omitempty"`
	CandidatePool int            `json:"candidate_pool"`
	Returned      int            `json:"returned"`
	DurationMS    float64        `json:"duration_ms"`
	CreatedAt     time.Time      `json:"created_at"`
}
