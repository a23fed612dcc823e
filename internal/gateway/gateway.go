// Package gateway resolves provider keys to their adapters. It is the
// single entry point the orchestrator uses to reach any provider: a
// fixed registration table built once at startup, never mutated by a
// request. Adding a provider means registering a new adapter, not
// editing a dispatch function.
package gateway

import (
	"context"
	"log/slog"

	"github.com/chorus-chat/chorus/internal/catalog"
	"github.com/chorus-chat/chorus/internal/llm"
)

// Gateway is the provider key → adapter table.
type Gateway struct {
	adapters map[string]llm.Adapter
	logger   *slog.Logger
}

// New creates an empty gateway.
func New(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		adapters: make(map[string]llm.Adapter),
		logger:   logger.With("component", "gateway"),
	}
}

// Register installs an adapter under its provider key. Call during
// startup wiring only; the table is read concurrently afterwards.
func (g *Gateway) Register(a llm.Adapter) {
	g.adapters[catalog.NormalizeProvider(a.Provider())] = a
}

// Resolve returns the adapter for a provider key, case-insensitively.
// An unregistered key is a configuration fault: it returns
// *llm.UnsupportedProviderError and is never retried.
func (g *Gateway) Resolve(provider string) (llm.Adapter, error) {
	key := catalog.NormalizeProvider(provider)
	a, ok := g.adapters[key]
	if !ok {
		return nil, &llm.UnsupportedProviderError{Provider: provider}
	}
	return a, nil
}

// Complete resolves the model's provider and delegates the completion.
func (g *Gateway) Complete(ctx context.Context, model *catalog.Model, messages []llm.Message, credential string) (string, error) {
	a, err := g.Resolve(model.Provider)
	if err != nil {
		return "", err
	}
	return a.Complete(ctx, model, messages, credential)
}

// Providers returns the registered provider keys.
func (g *Gateway) Providers() []string {
	keys := make([]string, 0, len(g.adapters))
	for k := range g.adapters {
		keys = append(keys, k)
	}
	return keys
}
