package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/core/ports"
)

type FailurePolicy string

const (
	// FailureDegrade drops a failed modality and continues with the rest.
	FailureDegrade FailurePolicy = "degrade"
	// FailureStrict fails the whole call when any active modality fails.
	FailureStrict FailurePolicy = "strict"
)

type RetrievalConfig struct {
	TopK           int
	CandidateK     int
	TextIndex      string
	TableIndex     string
	ImageIndex     string
	RerankStrategy domain.RerankStrategy
	MMRLambda      float64
	EnableTable    bool
	EnableImage    bool
	RRFConstant    float64
	FailurePolicy  FailurePolicy
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		TopK:           8,
		CandidateK:     48,
		TextIndex:      "text_embed",
		TableIndex:     "table_embed",
		ImageIndex:     "imagecap_embed",
		RerankStrategy: domain.RerankMMR,
		MMRLambda:      0.5,
		RRFConstant:    DefaultRRFConstant,
		FailurePolicy:  FailureDegrade,
	}
}

// Validate reports every invalid option joined into one ErrInvalidConfiguration.
func (c RetrievalConfig) Validate() error {
	var problems []string
	if c.TopK < 1 {
		problems = append(problems, fmt.Sprintf("topK must be >= 1, got %d", c.TopK))
	}
	if c.CandidateK < 1 {
		problems = append(problems, fmt.Sprintf("candidateK must be >= 1, got %d", c.CandidateK))
	}
	if math.IsNaN(c.MMRLambda) || c.MMRLambda < 0 || c.MMRLambda > 1 {
		problems = append(problems, fmt.Sprintf("mmrLambda must be in [0,1], got %v", c.MMRLambda))
	}
	if c.RRFConstant <= 0 {
		problems = append(problems, fmt.Sprintf("rrf constant must be > 0, got %v", c.RRFConstant))
	}
	if strings.TrimSpace(c.TextIndex) == "" {
		problems = append(problems, "text index name is required")
	}
	if c.EnableTable && strings.TrimSpace(c.TableIndex) == "" {
		problems = append(problems, "table index name is required when table modality is enabled")
	}
	if c.EnableImage && strings.TrimSpace(c.ImageIndex) == "" {
		problems = append(problems, "image index name is required when image modality is enabled")
	}
	switch c.FailurePolicy {
	case FailureDegrade, FailureStrict:
	default:
		problems = append(problems, fmt.Sprintf("unknown failure policy %q", c.FailurePolicy))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfiguration, strings.Join(problems, "; "))
}

type modalityIndex struct {
	modality domain.Modality
	index    string
}

// RetrievalUseCase fans a query vector out to every active modality index,
// fuses the ranked lists and reduces the pool to the final top-K.
type RetrievalUseCase struct {
	cfg      RetrievalConfig
	active   []modalityIndex
	embedder ports.Embedder
	searcher ports.SimilaritySearcher
	logger   *slog.Logger
}

func NewRetrievalUseCase(
	cfg RetrievalConfig,
	embedder ports.Embedder,
	searcher ports.SimilaritySearcher,
) (*RetrievalUseCase, error) {
	if cfg.RRFConstant == 0 {
		cfg.RRFConstant = DefaultRRFConstant
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailureDegrade
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if searcher == nil {
		return nil, fmt.Errorf("%w: similarity searcher is required", domain.ErrInvalidConfiguration)
	}

	active := []modalityIndex{{modality: domain.ModalityText, index: cfg.TextIndex}}
	if cfg.EnableTable {
		active = append(active, modalityIndex{modality: domain.ModalityTable, index: cfg.TableIndex})
	}
	if cfg.EnableImage {
		active = append(active, modalityIndex{modality: domain.ModalityImage, index: cfg.ImageIndex})
	}

	return &RetrievalUseCase{
		cfg:      cfg,
		active:   active,
		embedder: embedder,
		searcher: searcher,
		logger:   slog.Default(),
	}, nil
}

func (uc *RetrievalUseCase) Config() RetrievalConfig {
	return uc.cfg
}

func (uc *RetrievalUseCase) Modalities() []domain.Modality {
	out := make([]domain.Modality, 0, len(uc.active))
	for _, m := range uc.active {
		out = append(out, m.modality)
	}
	return out
}

func (uc *RetrievalUseCase) Retrieve(ctx context.Context, query string) (*domain.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("query is empty"))
	}
	if uc.embedder == nil {
		return nil, fmt.Errorf("%w: embedder is not configured", domain.ErrInvalidConfiguration)
	}

	queryVector, err := uc.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return uc.RetrieveByVector(ctx, queryVector)
}

func (uc *RetrievalUseCase) RetrieveByVector(ctx context.Context, queryVector []float32) (*domain.RetrievalResult, error) {
	if len(queryVector) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("query vector is empty"))
	}

	lists, degraded, err := uc.searchModalities(ctx, queryVector)
	if err != nil {
		return nil, err
	}

	fused := FuseRRF(lists, max(uc.cfg.CandidateK, uc.cfg.TopK), uc.cfg.RRFConstant)

	var final []domain.Candidate
	if uc.cfg.RerankStrategy == domain.RerankMMR {
		final = RerankMMR(fused, uc.cfg.TopK, uc.cfg.MMRLambda)
	} else {
		final = trimCandidates(fused, uc.cfg.TopK)
	}

	return &domain.RetrievalResult{
		Candidates: final,
		Metadata: domain.RetrievalMetadata{
			CandidatePool: len(fused),
			Strategy:      uc.cfg.RerankStrategy,
			Modalities:    uc.Modalities(),
			Degraded:      degraded,
		},
	}, nil
}

// searchModalities queries every active modality concurrently. Lists are
// returned in modality order (text, table, image) regardless of completion
// order so fusion stays deterministic.
func (uc *RetrievalUseCase) searchModalities(
	ctx context.Context,
	queryVector []float32,
) ([][]domain.Candidate, []domain.Modality, error) {
	lists := make([][]domain.Candidate, len(uc.active))
	errs := make([]error, len(uc.active))

	var g *errgroup.Group
	searchCtx := ctx
	if uc.cfg.FailurePolicy == FailureStrict {
		g, searchCtx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}

	for i, m := range uc.active {
		g.Go(func() error {
			hits, err := uc.searcher.Search(searchCtx, m.index, queryVector, uc.cfg.CandidateK)
			if err != nil {
				errs[i] = &domain.ModalityError{Modality: m.modality, Index: m.index, Err: err}
				if uc.cfg.FailurePolicy == FailureStrict {
					return errs[i]
				}
				return nil
			}
			for j := range hits {
				if hits[j].Modality == "" {
					hits[j].Modality = m.modality
				}
			}
			lists[i] = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var degraded []domain.Modality
	var failures []error
	for i, err := range errs {
		if err == nil {
			continue
		}
		degraded = append(degraded, uc.active[i].modality)
		failures = append(failures, err)
		uc.logger.Warn("retrieval_modality_degraded",
			"modality", string(uc.active[i].modality),
			"index", uc.active[i].index,
			"error", err,
		)
	}

	if len(failures) == len(uc.active) {
		joined := errors.Join(failures...)
		if domain.IsKind(joined, domain.ErrRetrievalUnavailable) {
			return nil, nil, joined
		}
		return nil, nil, domain.WrapError(domain.ErrRetrievalUnavailable, "search all modalities", joined)
	}

	return lists, degraded, nil
}
