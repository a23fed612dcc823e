// Package llm implements the provider adapters: the translation layer
// between a provider-neutral completion request and each vendor's wire
// format. One Adapter implementation exists per provider family
// (OpenAI-style, Anthropic-style, HuggingFace-style).
package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/chorus-chat/chorus/internal/catalog"
	"github.com/chorus-chat/chorus/internal/registry"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles. Adapters accept any casing and normalize on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one provider-neutral chat message. Immutable value.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Adapter is the interface every provider implementation satisfies.
type Adapter interface {
	// Provider returns the normalized provider key this adapter serves.
	Provider() string

	// Complete sends one completion request and returns the generated
	// text. Before the call it consults the connection registry and
	// triggers a handshake when the provider is not connected; a failed
	// handshake aborts with *HandshakeError. An unrecognized success
	// payload degrades to the raw response body rather than an error.
	Complete(ctx context.Context, model *catalog.Model, messages []Message, credential string) (string, error)

	// Handshake performs the provider's lightweight verification
	// exchange. It is registered with the registry as the provider's
	// probe and is also invoked directly by the registry on demand.
	Handshake(ctx context.Context, credential string) error
}

// Well-known numeric parameters resolved from a model's parameter list,
// with the fallbacks used when a parameter is missing or carries a
// default of the wrong type.
const (
	paramMaxTokens   = "max_tokens"
	paramTemperature = "temperature"

	fallbackMaxTokens   = 1000
	fallbackTemperature = 0.7
)

// ensureConnected is the shared pre-flight for every adapter: reject a
// blank credential without touching the network, then handshake if the
// registry reports the provider disconnected. A failed handshake means
// no completion request is attempted.
func ensureConnected(ctx context.Context, reg *registry.Registry, provider, credential string) error {
	if strings.TrimSpace(credential) == "" {
		return &ValidationError{Reason: "credential is empty"}
	}
	if reg.IsConnected(provider) {
		return nil
	}
	res, err := reg.PerformHandshake(ctx, provider, credential)
	if err != nil {
		// Cancellation surfaces as-is, never as a handshake failure.
		return err
	}
	if !res.Success {
		return &HandshakeError{Provider: provider, Message: res.Message}
	}
	return nil
}

// markConnected records connectivity learned from a successful
// completion call, for the rare window where a background probe marked
// the provider down while our request was in flight.
func markConnected(reg *registry.Registry, provider string) {
	if !reg.IsConnected(provider) {
		reg.UpdateStatus(provider, "completion call succeeded", true)
	}
}
