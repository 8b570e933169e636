// Package source fetches raw content for a run from external content
// providers.
//
// Defines a Collector interface, an HTTP implementation for the content API,
// and a static fallback for development. The interface allows swapping
// providers without changing the pipeline.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Document is one fetched unit of source material.
type Document struct {
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Collector fetches source material for a topic.
type Collector interface {
	// Fetch retrieves content about topic from the named source.
	Fetch(ctx context.Context, topic, source string) (Document, error)
}

// HTTPCollector fetches content from the content API.
type HTTPCollector struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPCollector creates a collector backed by the content API at baseURL.
func NewHTTPCollector(baseURL, apiKey string, timeout time.Duration) *HTTPCollector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCollector{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type contentResponse struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Fetch retrieves content about topic from the named source.
func (c *HTTPCollector) Fetch(ctx context.Context, topic, source string) (Document, error) {
	endpoint := fmt.Sprintf("%s/v1/content?source=%s&topic=%s",
		c.baseURL, url.QueryEscape(source), url.QueryEscape(topic))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Document{}, fmt.Errorf("source: create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("source: fetch %s: %w", source, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, fmt.Errorf("source: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("source: %s returned status %d", source, resp.StatusCode)
	}

	var result contentResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Document{}, fmt.Errorf("source: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return Document{}, fmt.Errorf("source: content api error: %s", result.Error.Message)
	}

	return Document{
		Source:    source,
		Title:     result.Title,
		Content:   result.Content,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Static returns canned documents without any network calls. Used in
// development and tests.
type Static struct{}

// Fetch returns a fixed document for the topic/source pair.
func (Static) Fetch(_ context.Context, topic, source string) (Document, error) {
	return Document{
		Source:    source,
		Title:     fmt.Sprintf("%s (%s)", topic, source),
		Content:   fmt.Sprintf("Static content for %q from %s.", topic, source),
		FetchedAt: time.Now().UTC(),
	}, nil
}
