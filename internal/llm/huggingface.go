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
	huggingFaceDefaultBaseURL = "https://api-inference.huggingface.co"
	huggingFaceWhoAmIURL      = "https://huggingface.co/api/whoami-v2"
)

// HuggingFaceAdapter speaks the HuggingFace Inference API wire format:
// POST {base}/models/{modelId} with Bearer auth. Unlike the chat-shaped
// providers, the conversation is rendered into a single prompt string.
type HuggingFaceAdapter struct {
	baseURL    string
	whoamiURL  string
	registry   *registry.Registry
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHuggingFaceAdapter creates the HuggingFace-style adapter. An empty
// baseURL selects the public inference endpoint.
func NewHuggingFaceAdapter(reg *registry.Registry, baseURL string, logger *slog.Logger) *HuggingFaceAdapter {
	if baseURL == "" {
		baseURL = huggingFaceDefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HuggingFaceAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		whoamiURL:  huggingFaceWhoAmIURL,
		registry:   reg,
		logger:     logger.With("provider", "huggingface"),
		httpClient: httpkit.NewClient(),
	}
}

// HuggingFace request type. Parameters carry every model parameter that
// has a default, keyed by parameter name.
type huggingFaceRequest struct {
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Provider implements Adapter.
func (a *HuggingFaceAdapter) Provider() string { return "huggingface" }

// Complete implements Adapter.
func (a *HuggingFaceAdapter) Complete(ctx context.Context, model *catalog.Model, messages []Message, credential string) (string, error) {
	if err := ensureConnected(ctx, a.registry, a.Provider(), credential); err != nil {
		return "", err
	}

	req := huggingFaceRequest{
		Inputs:     renderPrompt(messages),
		Parameters: optionsFromParameters(model),
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	a.logger.Debug("sending completion",
		"model", model.ModelID,
		"prompt_len", len(req.Inputs),
		"parameters", len(req.Parameters),
	)
	a.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	endpoint := model.Endpoint
	if endpoint == "" {
		endpoint = a.baseURL + "/models/" + model.ModelID
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
	return extractHuggingFaceText(body), nil
}

// Handshake verifies the credential against the whoami endpoint.
func (a *HuggingFaceAdapter) Handshake(ctx context.Context, credential string) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", a.whoamiURL, nil)
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
		return fmt.Errorf("invalid API token")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from HuggingFace API: %d", resp.StatusCode)
	}
	return nil
}

// renderPrompt concatenates the conversation into one prompt string,
// one line per message prefixed by its role, with a trailing
// "Assistant:" cue to elicit a continuation.
func renderPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case RoleSystem:
			b.WriteString("System: ")
		case RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString("Assistant:")
	return b.String()
}

// optionsFromParameters builds the provider options map from every
// model parameter that carries a default, keyed by parameter name.
func optionsFromParameters(model *catalog.Model) map[string]any {
	var opts map[string]any
	for _, p := range model.Parameters {
		if !p.HasDefault() {
			continue
		}
		if opts == nil {
			opts = make(map[string]any)
		}
		opts[p.Name] = p.Default
	}
	return opts
}

// extractHuggingFaceText handles the API's two success shapes: a single
// object with generated_text, or an array whose first element carries
// generated_text or generated_texts. An unrecognized shape returns the
// raw body verbatim.
func extractHuggingFaceText(body []byte) string {
	var obj struct {
		GeneratedText *string `json:"generated_text"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && obj.GeneratedText != nil {
		return *obj.GeneratedText
	}

	var arr []struct {
		GeneratedText  *string  `json:"generated_text"`
		GeneratedTexts []string `json:"generated_texts"`
	}
	if err := json.Unmarshal(body, &arr); err == nil && len(arr) > 0 {
		if arr[0].GeneratedText != nil {
			return *arr[0].GeneratedText
		}
		if len(arr[0].GeneratedTexts) > 0 {
			return arr[0].GeneratedTexts[0]
		}
	}

	return string(body)
}
