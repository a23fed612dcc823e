// Package catalog defines the model catalog: provider-neutral model
// definitions loaded at startup and referenced (never copied) by chat
// sessions for the lifetime of the process.
package catalog

import "strings"

// NormalizeProvider canonicalizes a provider key. All provider lookups
// across the system go through this: keys are case-insensitive and
// surrounding whitespace is ignored.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Model describes one configured model: which provider serves it, the
// provider-side model identifier, and the request parameters it carries.
// Immutable after construction.
type Model struct {
	// Name is the human-facing display name (e.g. "GPT-4o").
	Name string

	// Provider is the normalized provider key (e.g. "openai").
	Provider string

	// ModelID is the provider-side model identifier (e.g. "gpt-4o").
	ModelID string

	// Description is free-form text shown in listings.
	Description string

	// Endpoint optionally overrides the provider's default API endpoint.
	Endpoint string

	// Parameters are the request parameters defined for this model,
	// in catalog order.
	Parameters []Parameter
}

// Parameter is a single named request parameter with an optional typed
// default. Default holds one of int, float64, string, bool, or nil
// (no default).
type Parameter struct {
	Name        string
	Description string
	Default     any
}

// Parameter returns the parameter with the given name, matched
// case-insensitively. At most one definition per name is meaningful;
// the first match wins.
func (m *Model) Parameter(name string) (Parameter, bool) {
	for _, p := range m.Parameters {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Parameter{}, false
}

// IntParam resolves a named integer parameter, falling back when the
// parameter is missing, has no default, or the default is not an integer.
func (m *Model) IntParam(name string, fallback int) int {
	p, ok := m.Parameter(name)
	if !ok {
		return fallback
	}
	if v, ok := p.IntDefault(); ok {
		return v
	}
	return fallback
}

// FloatParam resolves a named float parameter, falling back when the
// parameter is missing, has no default, or the default is not numeric.
func (m *Model) FloatParam(name string, fallback float64) float64 {
	p, ok := m.Parameter(name)
	if !ok {
		return fallback
	}
	if v, ok := p.FloatDefault(); ok {
		return v
	}
	return fallback
}

// IntDefault returns the default as an int when it holds one.
func (p Parameter) IntDefault() (int, bool) {
	switch v := p.Default.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// FloatDefault returns the default as a float64 when it holds a number.
// Integer defaults widen to float64.
func (p Parameter) FloatDefault() (float64, bool) {
	switch v := p.Default.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// StringDefault returns the default as a string when it holds one.
func (p Parameter) StringDefault() (string, bool) {
	v, ok := p.Default.(string)
	return v, ok
}

// BoolDefault returns the default as a bool when it holds one.
func (p Parameter) BoolDefault() (bool, bool) {
	v, ok := p.Default.(bool)
	return v, ok
}

// HasDefault reports whether the parameter carries a default value.
func (p Parameter) HasDefault() bool {
	return p.Default != nil
}
