// Package registry tracks per-provider connection state. It owns the
// handshake lifecycle: a lightweight verification exchange proving a
// credential currently works for a provider, the resulting
// connected/disconnected state, and status-change notification to
// subscribed listeners.
//
// There is exactly one ConnectionState per normalized provider key,
// shared by every session that talks to that provider. State is created
// lazily on the first handshake or status update and lives for the
// process lifetime.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorus-chat/chorus/internal/catalog"
)

// HandshakeResult is the outcome of a single handshake attempt.
// Produced once per attempt and never mutated afterwards.
type HandshakeResult struct {
	Success     bool
	Message     string
	HandshakeID string
}

// ConnectionState is the tracked state for one provider. LastHandshake
// is the zero time until a handshake first succeeds.
type ConnectionState struct {
	Provider      string
	Connected     bool
	LastHandshake time.Time
	LastMessage   string
}

// StatusChange is emitted to listeners after every state mutation.
type StatusChange struct {
	Provider  string
	Connected bool
	Message   string
	Timestamp time.Time
}

// Listener receives status-change notifications. Listeners are invoked
// synchronously, in registration order, with the registry lock held:
// they must return quickly and must not call back into the Registry.
type Listener func(StatusChange)

// ProbeFunc performs the provider-specific verification exchange.
// Return nil if the credential is currently valid. Must honor ctx.
type ProbeFunc func(ctx context.Context, credential string) error

// Registry is the guarded provider → connection state map. All four
// operations (PerformHandshake, IsConnected, LastHandshake, UpdateStatus)
// are safe for concurrent use; the lock is never held across a network
// call, so one provider's slow handshake cannot block another's reads.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	states    map[string]*ConnectionState
	listeners []Listener

	probeMu sync.RWMutex
	probes  map[string]ProbeFunc
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "registry"),
		states: make(map[string]*ConnectionState),
		probes: make(map[string]ProbeFunc),
	}
}

// RegisterProbe installs the handshake probe for a provider. Later
// registrations for the same key replace earlier ones.
func (r *Registry) RegisterProbe(provider string, probe ProbeFunc) {
	key := catalog.NormalizeProvider(provider)
	r.probeMu.Lock()
	r.probes[key] = probe
	r.probeMu.Unlock()
}

// Subscribe registers a listener for status-change events. There is no
// unsubscription; listener lifetime is the caller's concern.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// PerformHandshake runs one verification exchange against the provider.
//
// A blank or whitespace credential fails immediately without any network
// call. Probe failures are folded into a failed HandshakeResult rather
// than returned as errors. In both cases the provider's state is updated
// and listeners are notified exactly once.
//
// Cancellation is the one distinct outcome: when the probe is cut short
// by ctx, PerformHandshake returns the context error and leaves the
// provider's state untouched — a cancelled handshake never flips a
// provider to connected and never emits a notification.
func (r *Registry) PerformHandshake(ctx context.Context, provider, credential string) (HandshakeResult, error) {
	key := catalog.NormalizeProvider(provider)
	result := HandshakeResult{HandshakeID: uuid.NewString()}

	if strings.TrimSpace(credential) == "" {
		result.Message = "credential is empty; handshake not attempted"
	} else if probe := r.probeFor(key); probe == nil {
		result.Message = fmt.Sprintf("no handshake probe registered for provider %q", key)
	} else {
		// The network exchange happens outside every lock.
		err := probe(ctx, credential)
		switch {
		case err == nil:
			result.Success = true
			result.Message = "handshake verified"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			r.logger.Debug("handshake cancelled",
				"provider", key,
				"handshake_id", result.HandshakeID,
				"error", err,
			)
			return HandshakeResult{}, fmt.Errorf("handshake cancelled: %w", err)
		default:
			result.Message = err.Error()
		}
	}

	r.apply(key, result.Message, result.Success, result.Success)

	r.logger.Debug("handshake completed",
		"provider", key,
		"handshake_id", result.HandshakeID,
		"success", result.Success,
		"message", result.Message,
	)
	return result, nil
}

// IsConnected reports whether the provider's last handshake or status
// update succeeded. Unknown providers are not connected.
func (r *Registry) IsConnected(provider string) bool {
	key := catalog.NormalizeProvider(provider)
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[key]
	return ok && st.Connected
}

// LastHandshake returns the time of the provider's last successful
// handshake. ok is false when the provider has never handshaked
// successfully.
func (r *Registry) LastHandshake(provider string) (time.Time, bool) {
	key := catalog.NormalizeProvider(provider)
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[key]
	if !ok || st.LastHandshake.IsZero() {
		return time.Time{}, false
	}
	return st.LastHandshake, true
}

// UpdateStatus records connectivity learned out-of-band, e.g. inferred
// from a successful completion call or a background probe. It follows
// the same locking and single-notification discipline as handshake
// completion.
func (r *Registry) UpdateStatus(provider, message string, connected bool) {
	key := catalog.NormalizeProvider(provider)
	r.apply(key, message, connected, false)
	r.logger.Debug("status updated",
		"provider", key,
		"connected", connected,
		"message", message,
	)
}

// State returns a snapshot of one provider's connection state.
func (r *Registry) State(provider string) (ConnectionState, bool) {
	key := catalog.NormalizeProvider(provider)
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[key]
	if !ok {
		return ConnectionState{}, false
	}
	return *st, true
}

// States returns a snapshot of every tracked provider's state.
func (r *Registry) States() map[string]ConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ConnectionState, len(r.states))
	for key, st := range r.states {
		out[key] = *st
	}
	return out
}

// probeFor looks up the registered probe for a normalized key.
func (r *Registry) probeFor(key string) ProbeFunc {
	r.probeMu.RLock()
	defer r.probeMu.RUnlock()
	return r.probes[key]
}

// apply performs the in-memory state mutation and listener notification
// atomically with respect to other mutations. The lock covers exactly
// the update and the notification — never a network call.
func (r *Registry) apply(key, message string, connected, handshakeSuccess bool) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[key]
	if !ok {
		st = &ConnectionState{Provider: key}
		r.states[key] = st
	}
	st.Connected = connected
	st.LastMessage = message
	if handshakeSuccess {
		st.LastHandshake = now
	}

	change := StatusChange{
		Provider:  key,
		Connected: connected,
		Message:   message,
		Timestamp: now,
	}
	for _, l := range r.listeners {
		l(change)
	}
}
