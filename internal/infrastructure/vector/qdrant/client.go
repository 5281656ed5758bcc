package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/resilience"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/restclient"
)

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

// Client searches Qdrant collections, one collection per modality.
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu sync.Mutex
	ensured  map[string]int
}

func New(baseURL string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
		ensured:    make(map[string]int),
	}
}

func (c *Client) Search(ctx context.Context, collection string, queryVector []float32, k int) ([]domain.Candidate, error) {
	if k <= 0 {
		return []domain.Candidate{}, nil
	}
	if strings.TrimSpace(collection) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "qdrant search", fmt.Errorf("collection is required"))
	}

	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        k,
		"with_payload": true,
	}

	var searchResp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(collection))
	err := c.execute(ctx, "qdrant.search", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, path, reqBody, &searchResp, "search")
	})
	if err != nil {
		return nil, mapSearchError(collection, err)
	}

	out := make([]domain.Candidate, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		id := getStringPayload(r.Payload, "id")
		if id == "" && r.ID != nil {
			id = fmt.Sprintf("%v", r.ID)
		}
		page := getIntPayload(r.Payload, "page_num")
		if page == 0 {
			page = getIntPayload(r.Payload, "page")
		}
		out = append(out, domain.Candidate{
			ID:    id,
			Text:  getStringPayload(r.Payload, "text"),
			DocID: getStringPayload(r.Payload, "doc_id"),
			Page:  page,
			Score: r.Score,
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// EnsureCollections creates every missing collection with cosine distance.
func (c *Client) EnsureCollections(ctx context.Context, collections []string, vectorSize int) error {
	for _, name := range collections {
		if err := c.ensureCollection(ctx, name, vectorSize); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	err := c.execute(ctx, "qdrant.ping", func(ctx context.Context) error {
		var out map[string]any
		return c.doJSON(ctx, http.MethodGet, "/collections", nil, &out, "list collections")
	})
	if err != nil {
		return domain.WrapError(domain.ErrRetrievalUnavailable, "qdrant ping", err)
	}
	return nil
}

func (c *Client) ensureCollection(ctx context.Context, collection string, vectorSize int) error {
	c.ensureMu.Lock()
	if size, ok := c.ensured[collection]; ok && size == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	path := "/collections/" + url.PathEscape(collection)
	err := c.execute(ctx, "qdrant.ensure_collection", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, path, reqBody, nil, "ensure collection")
	})
	if err != nil {
		// 409 when the collection already exists.
		if !restclient.HasStatus(err, http.StatusConflict) {
			return err
		}
	}

	c.ensureMu.Lock()
	c.ensured[collection] = vectorSize
	c.ensureMu.Unlock()
	return nil
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor != nil {
		return c.executor.Execute(ctx, operation, fn, restclient.Classify)
	}
	return fn(ctx)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any, operation string) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return restclient.NewStatusError("qdrant", operation, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
