// Package llm talks to an OpenAI-compatible chat completions API. Two
// models are configured: a cheap one for routing and short summaries and
// a heavy one for agentic work with tools.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

const (
	maxToolTurns = 5
	maxAttempts  = 3

	cheapMaxTokens   = 500
	cheapTemperature = 0.0
	heavyTemperature = 0.3
)

// Config carries the provider connection settings.
type Config struct {
	BaseURL    string
	APIKey     string
	CheapModel string
	HeavyModel string
	Timeout    time.Duration
}

// OpenRouter implements Client against any OpenAI-compatible endpoint.
type OpenRouter struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	// sleep is swapped out in tests to skip retry backoff.
	sleep func(time.Duration)
}

// New builds the production client.
func New(cfg Config, logger *slog.Logger) *OpenRouter {
	return &OpenRouter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "llm"),
		sleep:      time.Sleep,
	}
}

func (c *OpenRouter) CallCheap(ctx context.Context, systemPrompt, userInput string) (string, error) {
	resp, err := c.complete(ctx, c.cfg.CheapModel, []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userInput},
	}, cheapTemperature, cheapMaxTokens, nil)
	if err != nil {
		return "", err
	}
	return resp.content, nil
}

func (c *OpenRouter) CallHeavy(ctx context.Context, systemPrompt, userInput string) (string, error) {
	resp, err := c.complete(ctx, c.cfg.HeavyModel, []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userInput},
	}, heavyTemperature, 0, nil)
	if err != nil {
		return "", err
	}
	return resp.content, nil
}

// CallWithTools runs the agentic loop on the heavy model: the model may
// request tool calls, their results are appended as tool messages, and
// the loop ends when the model answers with plain text or the turn cap
// is reached.
func (c *OpenRouter) CallWithTools(ctx context.Context, systemPrompt string, messages []Message, tools []ToolDef, executor ToolExecutor) (string, error) {
	msgs := make([]Message, 0, len(messages)+1)
	msgs = append(msgs, Message{Role: "system", Content: systemPrompt})
	msgs = append(msgs, messages...)

	lastContent := ""
	for turn := 0; turn < maxToolTurns; turn++ {
		resp, err := c.complete(ctx, c.cfg.HeavyModel, msgs, heavyTemperature, 0, tools)
		if err != nil {
			return "", err
		}
		lastContent = resp.content
		if len(resp.toolCalls) == 0 {
			return resp.content, nil
		}

		msgs = append(msgs, Message{Role: "assistant", Content: resp.content, ToolCalls: resp.toolCalls})
		for _, tc := range resp.toolCalls {
			result := executor.Execute(ctx, tc.Function.Name, parseToolArgs(tc.Function.Arguments))
			payload, err := json.Marshal(result)
			if err != nil {
				payload = []byte(`{"error":"failed to serialize tool result"}`)
			}
			msgs = append(msgs, Message{Role: "tool", ToolCallID: tc.ID, Content: string(payload)})
		}
	}

	if lastContent != "" {
		return lastContent, nil
	}
	return "", fmt.Errorf("tool loop did not produce an answer within %d turns", maxToolTurns)
}

// parseToolArgs decodes tool call arguments, repairing slightly broken
// JSON the way models sometimes emit it.
func parseToolArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return map[string]any{}
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return map[string]any{}
	}
	return args
}

type completion struct {
	content   string
	toolCalls []ToolCall
	usage     Usage
}

func (c *OpenRouter) complete(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int, tools []ToolDef) (*completion, error) {
	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": temperature,
		"stream":      false,
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	if len(tools) > 0 {
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, retryable, err := c.doRequest(ctx, payload)
		if err == nil {
			c.logger.Debug("llm call completed",
				"model", model,
				"prompt_tokens", resp.usage.PromptTokens,
				"completion_tokens", resp.usage.CompletionTokens,
				"total_tokens", resp.usage.TotalTokens)
			return resp, nil
		}
		lastErr = err
		if !retryable || attempt == maxAttempts {
			break
		}
		backoff := time.Duration(2*attempt) * time.Second
		c.logger.Warn("llm call failed, retrying", "model", model, "attempt", attempt, "backoff", backoff, "error", err)
		c.sleep(backoff)
	}
	return nil, lastErr
}

func (c *OpenRouter) doRequest(ctx context.Context, payload []byte) (*completion, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("llm request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("llm returned status %d: %s", httpResp.StatusCode, truncateBytes(respBody, 200))
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("llm returned status %d: %s", httpResp.StatusCode, truncateBytes(respBody, 200))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content   string     `json:"content"`
				ToolCalls []ToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, false, fmt.Errorf("llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, true, errors.New("no choices in response")
	}

	return &completion{
		content:   parsed.Choices[0].Message.Content,
		toolCalls: parsed.Choices[0].Message.ToolCalls,
		usage:     parsed.Usage,
	}, false, nil
}

func truncateBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
