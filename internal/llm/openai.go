package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chorus-chat/chorus/internal/catalog"
	"github.com/chorus-chat/chorus/internal/httpkit"
	"github.com/chorus-chat/chorus/internal/registry"
)

const openAIDefaultBaseURL = "https://api.openai.com"

// OpenAIAdapter speaks the OpenAI chat-completions wire format:
// POST {base}/v1/chat/completions with Bearer auth.
type OpenAIAdapter struct {
	baseURL    string
	registry   *registry.Registry
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIAdapter creates the OpenAI-style adapter. An empty baseURL
// selects the public API endpoint.
func NewOpenAIAdapter(reg *registry.Registry, baseURL string, logger *slog.Logger) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		registry:   reg,
		logger:     logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(),
	}
}

// OpenAI request/response types

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Provider implements Adapter.
func (a *OpenAIAdapter) Provider() string { return "openai" }

// Complete implements Adapter.
func (a *OpenAIAdapter) Complete(ctx context.Context, model *catalog.Model, messages []Message, credential string) (string, error) {
	if err := ensureConnected(ctx, a.registry, a.Provider(), credential); err != nil {
		return "", err
	}

	req := openAIRequest{
		Model:       model.ModelID,
		Messages:    convertToOpenAI(messages),
		MaxTokens:   model.IntParam(paramMaxTokens, fallbackMaxTokens),
		Temperature: model.FloatParam(paramTemperature, fallbackTemperature),
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	a.logger.Debug("sending completion",
		"model", model.ModelID,
		"messages", len(req.Messages),
		"max_tokens", req.MaxTokens,
	)
	a.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	endpoint := model.Endpoint
	if endpoint == "" {
		endpoint = a.baseURL + "/v1/chat/completions"
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		a.logger.Error("API error", "status", resp.StatusCode, "body", body)
		return "", &TransportError{Provider: a.Provider(), Status: resp.StatusCode, Body: body}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	a.logger.Log(ctx, LevelTrace, "response payload", "json", string(body))

	markConnected(a.registry, a.Provider())
	return extractOpenAIText(body), nil
}

// Handshake verifies the credential against the models listing endpoint.
func (a *OpenAIAdapter) Handshake(ctx context.Context, credential string) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from OpenAI API: %d", resp.StatusCode)
	}
	return nil
}

// convertToOpenAI maps provider-neutral messages to one flat array with
// lowercase role strings.
func convertToOpenAI(messages []Message) []openAIMessage {
	result := make([]openAIMessage, len(messages))
	for i, m := range messages {
		result[i] = openAIMessage{
			Role:    strings.ToLower(m.Role),
			Content: m.Content,
		}
	}
	return result
}

// extractOpenAIText pulls choices[0].message.content from a success
// response. An unrecognized shape returns the raw body verbatim.
func extractOpenAIText(body []byte) string {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		return string(body)
	}
	return resp.Choices[0].Message.Content
}
