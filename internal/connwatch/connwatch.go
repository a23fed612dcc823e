// Package connwatch provides background health monitoring for provider
// connections. Each watcher probes one provider's API and pushes
// transitions into a status sink (normally the connection registry), so
// a provider that drops mid-session flips to disconnected without
// waiting for a completion call to fail.
//
// While a provider is healthy the watcher polls at a steady interval;
// while it is down the watcher retries with exponential backoff, capped
// at MaxDelay.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a provider is reachable and the credential
// is accepted. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// StatusSink receives provider state transitions. *registry.Registry
// satisfies it.
type StatusSink interface {
	UpdateStatus(provider, message string, connected bool)
}

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// PollInterval is the probe cadence while the provider is healthy
	// (default: 60s).
	PollInterval time.Duration

	// InitialDelay is the first retry delay after the provider goes
	// down (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 5m).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed retry (default: 2.0).
	Multiplier float64

	// ProbeTimeout limits each individual probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the standard schedule: 60-second polling
// while healthy; 2s, 4s, 8s, ... capped at 5 minutes while down.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		PollInterval: 60 * time.Second,
		InitialDelay: 2 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a single provider watcher.
type WatcherConfig struct {
	// Provider is the normalized provider key (e.g., "openai").
	Provider string

	// Probe checks provider health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Sink receives state transitions. Optional; when nil, transitions
	// are only logged.
	Sink StatusSink

	// Backoff controls probe timing. Zero-value fields take defaults.
	Backoff BackoffConfig

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ProviderStatus is a watcher's view of one provider, suitable for the
// CLI status command.
type ProviderStatus struct {
	Provider  string    `json:"provider"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single provider's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the provider was reachable at the last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the watcher's current view of the provider.
func (w *Watcher) Status() ProviderStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ProviderStatus{
		Provider:  w.config.Provider,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run probes in a loop. The sleep between probes is PollInterval while
// healthy and a growing backoff while down; the first probe happens
// immediately so startup state is known quickly.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger
	delay := cfg.InitialDelay

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		wasReady := w.ready.Load()
		switch {
		case err == nil && !wasReady:
			w.ready.Store(true)
			delay = cfg.InitialDelay
			logger.Info("provider reachable", "provider", w.config.Provider)
			if w.config.Sink != nil {
				w.config.Sink.UpdateStatus(w.config.Provider, "background probe succeeded", true)
			}
		case err != nil && wasReady:
			w.ready.Store(false)
			logger.Info("provider became unreachable",
				"provider", w.config.Provider,
				"error", err,
			)
			if w.config.Sink != nil {
				w.config.Sink.UpdateStatus(w.config.Provider, "background probe failed: "+err.Error(), false)
			}
		case err != nil:
			logger.Debug("provider still unreachable",
				"provider", w.config.Provider,
				"next_delay", delay.String(),
				"error", err,
			)
		}

		var sleep time.Duration
		if w.ready.Load() {
			sleep = cfg.PollInterval
		} else {
			sleep = delay
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		if !sleepCtx(ctx, sleep) {
			return
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// record stores the probe outcome under the mutex.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates one watcher per provider.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch registers and starts a watcher for one provider. The watcher
// runs in a background goroutine until ctx is cancelled or Stop is
// called.
//
// Panics if Provider is empty or Probe is nil; those are wiring errors.
// Zero-value BackoffConfig fields are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Provider == "" {
		panic("connwatch: WatcherConfig.Provider must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Provider] = w
	m.mu.Unlock()

	return w
}

// Status returns every watcher's view, keyed by provider.
func (m *Manager) Status() map[string]ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ProviderStatus, len(m.watchers))
	for provider, w := range m.watchers {
		status[provider] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
