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

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"

	// anthropicHandshakeModel is the model used for the one-token
	// credential verification exchange.
	anthropicHandshakeModel = "claude-3-5-haiku-latest"
)

// AnthropicAdapter speaks the Anthropic Messages wire format:
// POST {base}/v1/messages with x-api-key auth and a pinned API version.
type AnthropicAdapter struct {
	baseURL    string
	registry   *registry.Registry
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicAdapter creates the Anthropic-style adapter. An empty
// baseURL selects the public API endpoint.
func NewAnthropicAdapter(reg *registry.Registry, baseURL string, logger *slog.Logger) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		registry:   reg,
		logger:     logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(),
	}
}

// Anthropic request/response types

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Provider implements Adapter.
func (a *AnthropicAdapter) Provider() string { return "anthropic" }

// Complete implements Adapter.
func (a *AnthropicAdapter) Complete(ctx context.Context, model *catalog.Model, messages []Message, credential string) (string, error) {
	if err := ensureConnected(ctx, a.registry, a.Provider(), credential); err != nil {
		return "", err
	}

	anthropicMsgs, system := convertToAnthropic(messages)
	req := anthropicRequest{
		Model:       model.ModelID,
		MaxTokens:   model.IntParam(paramMaxTokens, fallbackMaxTokens),
		Temperature: model.FloatParam(paramTemperature, fallbackTemperature),
		System:      system,
		Messages:    anthropicMsgs,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	a.logger.Debug("sending completion",
		"model", model.ModelID,
		"messages", len(req.Messages),
		"system_len", len(system),
	)
	a.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	endpoint := model.Endpoint
	if endpoint == "" {
		endpoint = a.baseURL + "/v1/messages"
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", credential)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

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
	return extractAnthropicText(body), nil
}

// Handshake sends a minimal one-token message to verify the credential.
// Anthropic has no dedicated health endpoint.
func (a *AnthropicAdapter) Handshake(ctx context.Context, credential string) error {
	req := anthropicRequest{
		Model:     anthropicHandshakeModel,
		MaxTokens: 1,
		Messages:  []anthropicMessage{{Role: RoleUser, Content: "ping"}},
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", credential)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", resp.StatusCode)
	}
	return nil
}

// convertToAnthropic extracts the first system-role message as the
// top-level system field. Remaining messages map to user/assistant;
// roles other than assistant fold to user.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var system string
	systemTaken := false
	var result []anthropicMessage

	for _, m := range messages {
		role := strings.ToLower(m.Role)

		if role == RoleSystem && !systemTaken {
			system = m.Content
			systemTaken = true
			continue
		}

		mapped := RoleUser
		if role == RoleAssistant {
			mapped = RoleAssistant
		}
		result = append(result, anthropicMessage{Role: mapped, Content: m.Content})
	}

	return result, system
}

// extractAnthropicText pulls content[0].text from a success response.
// An unrecognized shape returns the raw body verbatim.
func extractAnthropicText(body []byte) string {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Content) == 0 {
		return string(body)
	}
	return resp.Content[0].Text
}
