package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
}

func NewOpenAI(baseURL, apiKey, model string) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *OpenAI) Generate(ctx context.Context, req Request) (Result, error) {
	res, out, status, raw, err := c.do(ctx, req, req.ForceJSON)
	if err != nil {
		return Result{}, err
	}
	if status >= 200 && status < 300 {
		return res, nil
	}
	// Some compatible servers reject response_format; retry without it.
	if req.ForceJSON && out != nil && out.Error != nil && strings.Contains(strings.ToLower(out.Error.Message), "response_format") {
		res, out, status, raw, err = c.do(ctx, req, false)
		if err != nil {
			return Result{}, err
		}
		if status >= 200 && status < 300 {
			return res, nil
		}
	}
	if out != nil && out.Error != nil && out.Error.Message != "" {
		return Result{}, fmt.Errorf("openai http %d: %s", status, out.Error.Message)
	}
	return Result{}, fmt.Errorf("openai http %d: %s", status, truncate(string(raw), 200))
}

func (c *OpenAI) do(ctx context.Context, req Request, forceJSON bool) (Result, *chatCompletionResponse, int, []byte, error) {
	body := chatCompletionRequest{
		Model:       c.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.User})
	if forceJSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return Result{}, nil, 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(b))
	if err != nil {
		return Result{}, nil, 0, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Result{}, nil, 0, nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, nil, 0, nil, fmt.Errorf("read response: %w", err)
	}
	var out chatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return Result{}, nil, resp.StatusCode, raw, nil
		}
		return Result{}, nil, resp.StatusCode, raw, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &out, resp.StatusCode, raw, nil
	}
	if len(out.Choices) == 0 {
		return Result{}, &out, resp.StatusCode, raw, fmt.Errorf("openai: empty choices")
	}
	model := out.Model
	if model == "" {
		model = c.Model
	}
	return Result{Text: out.Choices[0].Message.Content, Provider: "openai", Model: model}, &out, resp.StatusCode, raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
