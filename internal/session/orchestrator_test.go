package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chorus-chat/chorus/internal/catalog"
	"github.com/chorus-chat/chorus/internal/gateway"
	"github.com/chorus-chat/chorus/internal/llm"
	"github.com/chorus-chat/chorus/internal/registry"
)

// fakeAdapter is a controllable in-memory adapter.
type fakeAdapter struct {
	provider string
	reply    string
	err      error

	// barrier, when set, makes Complete rendezvous with other in-flight
	// calls before returning, proving calls run concurrently.
	barrier *sync.WaitGroup

	mu       sync.Mutex
	calls    int
	lastMsgs []llm.Message
}

func (f *fakeAdapter) Provider() string { return f.provider }

func (f *fakeAdapter) Complete(ctx context.Context, model *catalog.Model, messages []llm.Message, credential string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.lastMsgs = append([]llm.Message(nil), messages...)
	f.mu.Unlock()

	if f.barrier != nil {
		f.barrier.Done()
		f.barrier.Wait()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeAdapter) Handshake(ctx context.Context, credential string) error { return nil }

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAdapter) lastMessages() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMsgs
}

// testRig wires an orchestrator with one fake adapter per provider and
// a registry that already reports every provider connected.
func testRig(t *testing.T, adapters ...*fakeAdapter) *Orchestrator {
	t.Helper()
	reg := registry.New(nil)
	gw := gateway.New(nil)
	for _, a := range adapters {
		gw.Register(a)
		reg.UpdateStatus(a.provider, "test setup", true)
		reg.RegisterProbe(a.provider, a.Handshake)
	}
	return NewOrchestrator(gw, reg, nil, nil)
}

func testModel(name, provider string) *catalog.Model {
	return &catalog.Model{Name: name, Provider: provider, ModelID: strings.ToLower(name)}
}

func TestSendAppendsUserAndAssistant(t *testing.T) {
	a := &fakeAdapter{provider: "openai", reply: "hi there"}
	o := testRig(t, a)
	s := New(testModel("GPT", "openai"))

	reply, err := o.Send(context.Background(), s, "  hello  ", "key")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hi there" {
		t.Errorf("unexpected reply: %q", reply)
	}

	tr := s.Transcript()
	if len(tr) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(tr))
	}
	if tr[0].Message.Role != llm.RoleUser || tr[0].Message.Content != "hello" {
		t.Errorf("expected trimmed user entry, got %+v", tr[0])
	}
	if tr[1].Message.Role != llm.RoleAssistant || tr[1].Message.Content != "hi there" {
		t.Errorf("expected assistant entry, got %+v", tr[1])
	}
	if s.Busy() {
		t.Error("busy flag must be released after Send")
	}
}

func TestSendEmptyIsNoOp(t *testing.T) {
	a := &fakeAdapter{provider: "openai", reply: "hi"}
	o := testRig(t, a)
	s := New(testModel("GPT", "openai"))

	for _, text := range []string{"", "   ", "\n\t"} {
		reply, err := o.Send(context.Background(), s, text, "key")
		if err != nil || reply != "" {
			t.Errorf("empty send %q: got (%q, %v)", text, reply, err)
		}
	}
	if a.callCount() != 0 {
		t.Errorf("empty sends must not reach the gateway, got %d calls", a.callCount())
	}
	if len(s.Transcript()) != 0 {
		t.Error("empty sends must not touch the transcript")
	}
}

func TestSendRecordsFailure(t *testing.T) {
	a := &fakeAdapter{provider: "openai", err: errors.New("rate limited")}
	o := testRig(t, a)
	s := New(testModel("GPT", "openai"))

	_, err := o.Send(context.Background(), s, "hello", "key")
	if err == nil {
		t.Fatal("expected error surfaced to caller")
	}

	tr := s.Transcript()
	if len(tr) != 2 {
		t.Fatalf("expected user entry plus failure entry, got %d", len(tr))
	}
	if !tr[1].Failed {
		t.Error("failure entry must be error-marked")
	}
	if !strings.Contains(tr[1].Message.Content, "rate limited") {
		t.Errorf("failure entry must carry the cause, got %q", tr[1].Message.Content)
	}
	if s.Busy() {
		t.Error("busy flag must be released even on failure")
	}
}

func TestFailedEntriesExcludedFromHistory(t *testing.T) {
	a := &fakeAdapter{provider: "openai", err: errors.New("boom")}
	o := testRig(t, a)
	s := New(testModel("GPT", "openai"))

	_, _ = o.Send(context.Background(), s, "first", "key")

	a.err = nil
	a.reply = "recovered"
	if _, err := o.Send(context.Background(), s, "second", "key"); err != nil {
		t.Fatal(err)
	}

	for _, m := range a.lastMessages() {
		if strings.Contains(m.Content, "boom") {
			t.Errorf("failure entries must not be sent to the provider: %+v", m)
		}
	}
}

func TestBusySessionRejectsOperations(t *testing.T) {
	a := &fakeAdapter{provider: "openai", reply: "hi"}
	o := testRig(t, a)
	s := New(testModel("GPT", "openai"))

	if err := s.acquire(); err != nil {
		t.Fatal(err)
	}
	defer s.release()

	if _, err := o.Send(context.Background(), s, "hello", "key"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy from Send, got %v", err)
	}
	if _, err := o.Summarize(context.Background(), s, "key", ""); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy from Summarize, got %v", err)
	}
	if len(s.Transcript()) != 0 {
		t.Error("rejected operations must not touch the transcript")
	}
}

func TestInitializeConnectionSuccess(t *testing.T) {
	a := &fakeAdapter{provider: "anthropic", reply: "Hello! How can I help?"}
	reg := registry.New(nil)
	gw := gateway.New(nil)
	gw.Register(a)
	reg.RegisterProbe(a.provider, a.Handshake)
	o := NewOrchestrator(gw, reg, nil, nil)

	s := New(testModel("Claude", "anthropic"))
	o.InitializeConnection(context.Background(), s, "key")

	tr := s.Transcript()
	if len(tr) != 2 {
		t.Fatalf("expected bootstrap exchange, got %d entries", len(tr))
	}
	if tr[0].Message.Content != "hello" || tr[0].Message.Role != llm.RoleUser {
		t.Errorf("expected canned hello, got %+v", tr[0])
	}
	if tr[1].Failed || tr[1].Message.Role != llm.RoleAssistant {
		t.Errorf("expected assistant reply, got %+v", tr[1])
	}
	if !reg.IsConnected("anthropic") {
		t.Error("provider must be connected after initialization")
	}
	if s.Busy() {
		t.Error("busy flag must be released")
	}
}

func TestInitializeConnectionFailureRecordedNotThrown(t *testing.T) {
	a := &fakeAdapter{provider: "anthropic", reply: "unused"}
	reg := registry.New(nil)
	gw := gateway.New(nil)
	gw.Register(a)
	reg.RegisterProbe(a.provider, func(ctx context.Context, credential string) error {
		return errors.New("invalid API key")
	})
	o := NewOrchestrator(gw, reg, nil, nil)

	s := New(testModel("Claude", "anthropic"))
	o.InitializeConnection(context.Background(), s, "bad-key")

	tr := s.Transcript()
	if len(tr) != 1 {
		t.Fatalf("expected one failure entry, got %d", len(tr))
	}
	if !tr[0].Failed || tr[0].Message.Role != llm.RoleSystem {
		t.Errorf("expected failed system entry, got %+v", tr[0])
	}
	if !strings.Contains(tr[0].Message.Content, "invalid API key") {
		t.Errorf("entry must describe the failure, got %q", tr[0].Message.Content)
	}
	if a.callCount() != 0 {
		t.Error("failed handshake must not send the bootstrap message")
	}
}

func TestSummarizeEmptyTranscript(t *testing.T) {
	a := &fakeAdapter{provider: "openai", reply: "unused"}
	o := testRig(t, a)
	s := New(testModel("GPT", "openai"))

	got, err := o.Summarize(context.Background(), s, "key", "You summarize chats.")
	if err != nil {
		t.Fatal(err)
	}
	if got != "no conversation yet" {
		t.Errorf("expected fixed no-conversation string, got %q", got)
	}
	if a.callCount() != 0 {
		t.Error("empty transcript must not trigger a network call")
	}
}

func TestSummarizePrefixesDisplayName(t *testing.T) {
	a := &fakeAdapter{provider: "openai", reply: "We talked about Go."}
	o := testRig(t, a)
	s := New(testModel("GPT-4o", "openai"))

	if _, err := o.Send(context.Background(), s, "tell me about Go", "key"); err != nil {
		t.Fatal(err)
	}

	a.mu.Lock()
	a.reply = "A chat about Go."
	a.mu.Unlock()

	got, err := o.Summarize(context.Background(), s, "key", "You summarize chats.")
	if err != nil {
		t.Fatal(err)
	}
	if got != "GPT-4o: A chat about Go." {
		t.Errorf("expected display-name prefix, got %q", got)
	}

	msgs := a.lastMessages()
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem {
		t.Fatalf("expected system prompt plus condensed transcript, got %+v", msgs)
	}
	if !strings.Contains(msgs[1].Content, "user: tell me about Go") {
		t.Errorf("condensed transcript missing conversation, got %q", msgs[1].Content)
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	ok1 := &fakeAdapter{provider: "openai", reply: "fine"}
	bad := &fakeAdapter{provider: "anthropic", err: errors.New("overloaded")}
	ok2 := &fakeAdapter{provider: "huggingface", reply: "also fine"}
	o := testRig(t, ok1, bad, ok2)

	sessions := []*Session{
		New(testModel("GPT", "openai")),
		New(testModel("Claude", "anthropic")),
		New(testModel("Zephyr", "huggingface")),
	}
	creds := Credentials{"openai": "k1", "anthropic": "k2", "huggingface": "k3"}

	results := o.Broadcast(context.Background(), sessions, "hello all", creds)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Session != sessions[i] {
			t.Errorf("result %d not attributable to its session", i)
		}
	}
	if results[0].Err != nil || results[0].Reply != "fine" {
		t.Errorf("healthy session 0 affected by sibling failure: %+v", results[0])
	}
	if results[2].Err != nil || results[2].Reply != "also fine" {
		t.Errorf("healthy session 2 affected by sibling failure: %+v", results[2])
	}
	if results[1].Err == nil {
		t.Error("failing session must surface its error")
	}

	// Healthy transcripts carry a normal assistant reply.
	for _, i := range []int{0, 2} {
		tr := sessions[i].Transcript()
		if len(tr) != 2 || tr[1].Failed {
			t.Errorf("session %d: expected normal exchange, got %+v", i, tr)
		}
	}
	// The failing session carries an error-marked entry.
	tr := sessions[1].Transcript()
	if len(tr) != 2 || !tr[1].Failed {
		t.Errorf("failing session: expected error-marked entry, got %+v", tr)
	}
}

func TestBroadcastRunsSessionsConcurrently(t *testing.T) {
	// Both adapters rendezvous inside Complete; if Broadcast ran the
	// sessions sequentially this would deadlock (and time out).
	var barrier sync.WaitGroup
	barrier.Add(2)
	a1 := &fakeAdapter{provider: "openai", reply: "one", barrier: &barrier}
	a2 := &fakeAdapter{provider: "anthropic", reply: "two", barrier: &barrier}
	o := testRig(t, a1, a2)

	sessions := []*Session{
		New(testModel("GPT", "openai")),
		New(testModel("Claude", "anthropic")),
	}
	creds := Credentials{"openai": "k", "anthropic": "k"}

	done := make(chan []Result, 1)
	go func() {
		done <- o.Broadcast(context.Background(), sessions, "hi", creds)
	}()

	select {
	case results := <-done:
		for i, r := range results {
			if r.Err != nil {
				t.Errorf("result %d: %v", i, r.Err)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast did not run sessions concurrently")
	}
}

func TestInitializeAll(t *testing.T) {
	ok := &fakeAdapter{provider: "openai", reply: "hey"}
	reg := registry.New(nil)
	gw := gateway.New(nil)
	gw.Register(ok)
	reg.RegisterProbe("openai", ok.Handshake)
	reg.RegisterProbe("anthropic", func(ctx context.Context, credential string) error {
		return errors.New("no route to host")
	})
	o := NewOrchestrator(gw, reg, nil, nil)

	sessions := []*Session{
		New(testModel("GPT", "openai")),
		New(testModel("Claude", "anthropic")),
	}
	creds := Credentials{"openai": "k", "anthropic": "k"}

	o.InitializeAll(context.Background(), sessions, creds)

	if tr := sessions[0].Transcript(); len(tr) != 2 || tr[0].Failed {
		t.Errorf("expected bootstrap exchange for healthy session, got %+v", tr)
	}
	if tr := sessions[1].Transcript(); len(tr) != 1 || !tr[0].Failed {
		t.Errorf("expected recorded failure for unreachable session, got %+v", tr)
	}
}

func TestSequentialSendsAppendInOrder(t *testing.T) {
	a := &fakeAdapter{provider: "openai"}
	o := testRig(t, a)
	s := New(testModel("GPT", "openai"))

	for i := 1; i <= 3; i++ {
		a.mu.Lock()
		a.reply = fmt.Sprintf("reply %d", i)
		a.mu.Unlock()
		if _, err := o.Send(context.Background(), s, fmt.Sprintf("message %d", i), "key"); err != nil {
			t.Fatal(err)
		}
	}

	tr := s.Transcript()
	if len(tr) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(tr))
	}
	for i := 0; i < 3; i++ {
		user := tr[2*i].Message
		assistant := tr[2*i+1].Message
		if user.Content != fmt.Sprintf("message %d", i+1) {
			t.Errorf("entry %d out of order: %q", 2*i, user.Content)
		}
		if assistant.Content != fmt.Sprintf("reply %d", i+1) {
			t.Errorf("entry %d out of order: %q", 2*i+1, assistant.Content)
		}
	}
}

func TestCredentialsGetNormalizes(t *testing.T) {
	creds := Credentials{"openai": "sk-1"}
	if creds.Get("OpenAI") != "sk-1" {
		t.Error("credential lookup must be case-insensitive")
	}
	if creds.Get("  openai ") != "sk-1" {
		t.Error("credential lookup must trim whitespace")
	}
	if creds.Get("unknown") != "" {
		t.Error("unknown provider yields empty credential")
	}
}
