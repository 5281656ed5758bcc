package domain

import "fmt"

type Modality string

const (
	ModalityText  Modality = "text"
	ModalityTable Modality = "table"
	ModalityImage Modality = "image"
)

func (m Modality) Valid() bool {
	switch m {
	case ModalityText, ModalityTable, ModalityImage:
		return true
	default:
		return false
	}
}

// Candidate is one retrieved fragment reference. Score is the similarity
// reported by the originating index and is only comparable within that
// index; FusedScore is assigned by rank fusion and is comparable across
// the fused pool.
type Candidate struct {
	ID         string   `json:"id"`
	Text       string   `json:"text,omitempty"`
	DocID      string   `json:"doc_id,omitempty"`
	Page       int      `json:"page"`
	Score      float64  `json:"score"`
	FusedScore float64  `json:"rrf"`
	Modality   Modality `json:"modality,omitempty"`
}

type RerankStrategy string

const (
	RerankMMR  RerankStrategy = "mmr"
	RerankNone RerankStrategy = "none"
)

type RetrievalMetadata struct {
	CandidatePool int            `json:"candidates"`
	Strategy      RerankStrategy `json:"strategy"`
	Modalities    []Modality     `json:"modalities"`
	Degraded      []Modality     `json:"degraded,omitempty"`
}

type RetrievalResult struct {
	Candidates []Candidate       `json:"hits"`
	Metadata   RetrievalMetadata `json:"meta"`
}

// ModalityError reports a failed similarity search for one modality.
type ModalityError struct {
	Modality Modality
	Index    string
	Err      error
}

func (e *ModalityError) Error() string {
	return fmt.Sprintf("search %s index %q: %v", e.Modality, e.Index, e.Err)
}

func (e *ModalityError) Unwrap() error {
	return e.Err
}
