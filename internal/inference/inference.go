// Package inference runs model calls for the analyzing and reporting stages.
//
// Defines an Analyzer interface, a chat-completions-shaped HTTP
// implementation, and an echo fallback for development.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is one inference call.
type Request struct {
	System string `json:"system"`
	Prompt string `json:"prompt"`
}

// Result is the model output plus the token usage the call consumed.
type Result struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// Analyzer runs an inference call.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

// HTTPAnalyzer calls a chat-completions style inference API.
type HTTPAnalyzer struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPAnalyzer creates an analyzer backed by the inference API at baseURL.
func NewHTTPAnalyzer(baseURL, apiKey, model string, timeout time.Duration) *HTTPAnalyzer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPAnalyzer{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Analyze sends one chat-completions request and returns the first choice.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	reqBody, err := json.Marshal(chatRequest{Model: a.model, Messages: messages})
	if err != nil {
		return Result{}, fmt.Errorf("inference: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("inference: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("inference: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("inference: read response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("inference: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return Result{}, fmt.Errorf("inference: api error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("inference: api returned status %d", resp.StatusCode)
	}
	if len(result.Choices) == 0 {
		return Result{}, fmt.Errorf("inference: api returned no choices")
	}

	return Result{
		Text:   result.Choices[0].Message.Content,
		Tokens: result.Usage.TotalTokens,
	}, nil
}

// Echo returns the prompt back without calling any model. Used in
// development and tests. Token usage is approximated from prompt length.
type Echo struct{}

// Analyze echoes the prompt.
func (Echo) Analyze(_ context.Context, req Request) (Result, error) {
	return Result{
		Text:   req.Prompt,
		Tokens: len(req.Prompt) / 4,
	}, nil
}
