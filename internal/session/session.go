// Package session owns the per-model conversation state and the
// orchestrator that drives it: one session per configured model,
// single-session send/summarize, and concurrent fan-out across every
// session with independent per-session outcomes.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/chorus-chat/chorus/internal/catalog"
	"github.com/chorus-chat/chorus/internal/llm"
)

// ErrBusy is returned when an operation is requested on a session that
// already has one in flight. Operations are rejected rather than
// queued; two operations never interleave on the same session.
var ErrBusy = errors.New("session busy")

// Entry is one transcript line: a message plus whether it records an
// operation failure rather than real conversation content.
type Entry struct {
	Message llm.Message
	Failed  bool
	At      time.Time
}

// Session is the conversation state for one configured model. The
// model definition is referenced, never copied; the transcript is
// mutated only by the orchestrator operation currently holding the
// session's busy flag.
type Session struct {
	Model *catalog.Model

	mu         sync.Mutex
	busy       bool
	transcript []Entry
}

// New creates a session for a model.
func New(model *catalog.Model) *Session {
	return &Session{Model: model}
}

// Busy reports whether an operation is currently in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Transcript returns a snapshot copy of the transcript.
func (s *Session) Transcript() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// acquire claims the busy flag, rejecting when already held.
func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	return nil
}

// release clears the busy flag. Always deferred by the operation that
// acquired it, so the flag is released regardless of outcome.
func (s *Session) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// append adds a transcript entry, stamping it with the current time.
func (s *Session) append(msg llm.Message, failed bool) {
	s.mu.Lock()
	s.transcript = append(s.transcript, Entry{Message: msg, Failed: failed, At: time.Now()})
	s.mu.Unlock()
}

// history returns the conversation as provider-neutral messages,
// excluding failure-recording entries.
func (s *Session) history() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, 0, len(s.transcript))
	for _, e := range s.transcript {
		if e.Failed {
			continue
		}
		out = append(out, e.Message)
	}
	return out
}

// empty reports whether the transcript has no entries at all.
func (s *Session) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcript) == 0
}
