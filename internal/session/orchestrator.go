package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chorus-chat/chorus/internal/catalog"
	"github.com/chorus-chat/chorus/internal/events"
	"github.com/chorus-chat/chorus/internal/gateway"
	"github.com/chorus-chat/chorus/internal/llm"
	"github.com/chorus-chat/chorus/internal/registry"
)

// bootstrapMessage is the canned exchange sent after a successful
// connection handshake.
const bootstrapMessage = "hello"

// noConversation is returned by Summarize when a session has no
// transcript; no network call is made.
const noConversation = "no conversation yet"

// maxSummaryTranscriptBytes caps the condensed transcript sent to the
// model for summarization.
const maxSummaryTranscriptBytes = 8000

// Credentials maps normalized provider keys to credential strings for
// operations that span providers, such as Broadcast.
type Credentials map[string]string

// Get returns the credential for a provider, case-insensitively.
func (c Credentials) Get(provider string) string {
	return c[catalog.NormalizeProvider(provider)]
}

// Result is one session's outcome from a fan-out operation. Every
// result is attributable to its originating session.
type Result struct {
	Session *Session
	Reply   string
	Err     error
}

// Orchestrator drives session operations through the gateway. It is the
// only component that mutates session transcripts, and only while
// holding that session's busy flag.
type Orchestrator struct {
	gateway  *gateway.Gateway
	registry *registry.Registry
	bus      *events.Bus
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator. bus may be nil.
func NewOrchestrator(gw *gateway.Gateway, reg *registry.Registry, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		gateway:  gw,
		registry: reg,
		bus:      bus,
		logger:   logger.With("component", "orchestrator"),
	}
}

// InitializeConnection performs the provider handshake for a session
// and, on success, sends the canned bootstrap message and appends the
// exchange to the transcript. Failures of any kind are recorded as
// failed system entries; nothing escapes this call.
func (o *Orchestrator) InitializeConnection(ctx context.Context, s *Session, credential string) {
	if err := s.acquire(); err != nil {
		o.logger.Warn("initialize rejected, session busy", "session", s.Model.Name)
		return
	}
	defer s.release()

	provider := s.Model.Provider

	res, err := o.registry.PerformHandshake(ctx, provider, credential)
	if err != nil {
		s.append(llm.Message{
			Role:    llm.RoleSystem,
			Content: fmt.Sprintf("connection to %s cancelled: %v", provider, err),
		}, true)
		return
	}
	if !res.Success {
		s.append(llm.Message{
			Role:    llm.RoleSystem,
			Content: fmt.Sprintf("connection to %s failed: %s", provider, res.Message),
		}, true)
		o.logger.Info("session connection failed",
			"session", s.Model.Name,
			"provider", provider,
			"message", res.Message,
		)
		return
	}

	hello := llm.Message{Role: llm.RoleUser, Content: bootstrapMessage}
	reply, err := o.gateway.Complete(ctx, s.Model, []llm.Message{hello}, credential)
	if err != nil {
		s.append(llm.Message{
			Role:    llm.RoleSystem,
			Content: fmt.Sprintf("bootstrap message to %s failed: %v", provider, err),
		}, true)
		return
	}

	s.append(hello, false)
	s.append(llm.Message{Role: llm.RoleAssistant, Content: reply}, false)

	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindSessionReady,
		Data: map[string]any{
			"session":  s.Model.Name,
			"provider": provider,
		},
	})
	o.logger.Info("session ready", "session", s.Model.Name, "provider", provider)
}

// Send appends the user's message, requests a completion, and appends
// the assistant reply. Failures are recorded as a failed transcript
// entry and also returned. Leading and trailing whitespace is trimmed;
// an empty message is a no-op. The busy flag is released in a deferred
// block regardless of outcome.
func (o *Orchestrator) Send(ctx context.Context, s *Session, userText, credential string) (string, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return "", nil
	}

	if err := s.acquire(); err != nil {
		return "", err
	}
	defer s.release()

	start := time.Now()
	o.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceOrchestrator,
		Kind:      events.KindSendStart,
		Data: map[string]any{
			"session":  s.Model.Name,
			"model":    s.Model.ModelID,
			"provider": s.Model.Provider,
		},
	})

	s.append(llm.Message{Role: llm.RoleUser, Content: text}, false)

	reply, err := o.gateway.Complete(ctx, s.Model, s.history(), credential)
	if err != nil {
		s.append(llm.Message{
			Role:    llm.RoleSystem,
			Content: fmt.Sprintf("send failed: %v", err),
		}, true)
	} else {
		s.append(llm.Message{Role: llm.RoleAssistant, Content: reply}, false)
	}

	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindSendDone,
		Data: map[string]any{
			"session":     s.Model.Name,
			"model":       s.Model.ModelID,
			"provider":    s.Model.Provider,
			"ok":          err == nil,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})

	if err != nil {
		o.logger.Info("send failed", "session", s.Model.Name, "error", err)
		return "", err
	}
	return reply, nil
}

// Summarize asks the session's own model for a short summary of the
// conversation so far, prefixed with the session's display name. An
// empty transcript short-circuits without any network call.
func (o *Orchestrator) Summarize(ctx context.Context, s *Session, credential, systemPrompt string) (string, error) {
	if err := s.acquire(); err != nil {
		return "", err
	}
	defer s.release()

	if s.empty() {
		return noConversation, nil
	}

	var messages []llm.Message
	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: "Briefly summarize the following conversation:\n\n" + condenseTranscript(s.Transcript()),
	})

	summary, err := o.gateway.Complete(ctx, s.Model, messages, credential)
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", s.Model.Name, err)
	}
	return s.Model.Name + ": " + strings.TrimSpace(summary), nil
}

// Broadcast runs Send concurrently across every session and waits for
// all of them. One session's failure never prevents, delays, or masks
// another's outcome: each result is collected independently.
func (o *Orchestrator) Broadcast(ctx context.Context, sessions []*Session, userText string, creds Credentials) []Result {
	start := time.Now()
	results := make([]Result, len(sessions))

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			reply, err := o.Send(ctx, s, userText, creds.Get(s.Model.Provider))
			results[i] = Result{Session: s, Reply: reply, Err: err}
		}(i, s)
	}
	wg.Wait()

	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
		}
	}
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindBroadcastDone,
		Data: map[string]any{
			"sessions":    len(sessions),
			"failures":    failures,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})

	return results
}

// InitializeAll runs InitializeConnection concurrently across every
// session and waits for all of them.
func (o *Orchestrator) InitializeAll(ctx context.Context, sessions []*Session, creds Credentials) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			o.InitializeConnection(ctx, s, creds.Get(s.Model.Provider))
		}(s)
	}
	wg.Wait()
}

// condenseTranscript renders the transcript as role-prefixed lines,
// keeping the most recent content within the size cap.
func condenseTranscript(entries []Entry) string {
	var lines []string
	for _, e := range entries {
		if e.Failed {
			continue
		}
		lines = append(lines, e.Message.Role+": "+e.Message.Content)
	}

	condensed := strings.Join(lines, "\n")
	if len(condensed) > maxSummaryTranscriptBytes {
		condensed = condensed[len(condensed)-maxSummaryTranscriptBytes:]
	}
	return condensed
}
