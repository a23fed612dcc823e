package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chorus-chat/chorus/internal/catalog"
)

func TestRenderPrompt(t *testing.T) {
	messages := []Message{
		{Role: "System", Content: "You are terse."},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi."},
		{Role: "tool", Content: "irrelevant role"},
	}

	got := renderPrompt(messages)
	want := "System: You are terse.\nUser: Hello\nAssistant: Hi.\nUser: irrelevant role\nAssistant:"
	if got != want {
		t.Errorf("prompt mismatch:\ngot  %q\nwant %q", got, want)
	}
}

func TestOptionsFromParameters(t *testing.T) {
	model := &catalog.Model{
		Parameters: []catalog.Parameter{
			{Name: "max_new_tokens", Default: 256},
			{Name: "temperature", Default: 0.9},
			{Name: "stop", Default: "###"},
			{Name: "wait_for_model", Default: true},
			{Name: "no_default"},
		},
	}

	opts := optionsFromParameters(model)
	if len(opts) != 4 {
		t.Fatalf("expected 4 options (defaults only), got %d: %v", len(opts), opts)
	}
	if opts["max_new_tokens"] != 256 || opts["temperature"] != 0.9 ||
		opts["stop"] != "###" || opts["wait_for_model"] != true {
		t.Errorf("unexpected options map: %v", opts)
	}

	if got := optionsFromParameters(&catalog.Model{}); got != nil {
		t.Errorf("model without defaults must produce no options, got %v", got)
	}
}

func TestHuggingFaceCompleteBuildsPayloadAndParses(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`[{"generated_text":"hi"}]`))
	}))
	defer srv.Close()

	a := NewHuggingFaceAdapter(connectedRegistry("huggingface"), srv.URL, nil)
	model := &catalog.Model{
		Name:     "Zephyr",
		Provider: "huggingface",
		ModelID:  "HuggingFaceH4/zephyr-7b-beta",
		Parameters: []catalog.Parameter{
			{Name: "max_new_tokens", Default: 128},
		},
	}

	got, err := a.Complete(context.Background(), model, []Message{{Role: RoleUser, Content: "hello"}}, "hf_token")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hi" {
		t.Errorf("expected hi, got %q", got)
	}
	if gotAuth != "Bearer hf_token" {
		t.Errorf("expected Bearer auth, got %q", gotAuth)
	}
	if gotPath != "/models/HuggingFaceH4/zephyr-7b-beta" {
		t.Errorf("unexpected path: %q", gotPath)
	}
	if gotBody["inputs"] != "User: hello\nAssistant:" {
		t.Errorf("unexpected rendered prompt: %v", gotBody["inputs"])
	}
	params := gotBody["parameters"].(map[string]any)
	if params["max_new_tokens"] != float64(128) {
		t.Errorf("expected parameter carried, got %v", params)
	}
}

func TestHuggingFaceModelEndpointOverride(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"generated_text":"ok"}`))
	}))
	defer srv.Close()

	a := NewHuggingFaceAdapter(connectedRegistry("huggingface"), "http://unused.invalid", nil)
	model := &catalog.Model{
		Name:     "Custom",
		Provider: "huggingface",
		ModelID:  "org/custom",
		Endpoint: srv.URL + "/dedicated/endpoint",
	}

	got, err := a.Complete(context.Background(), model, []Message{{Role: RoleUser, Content: "x"}}, "hf_token")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
	if gotPath != "/dedicated/endpoint" {
		t.Errorf("expected endpoint override honored, got %q", gotPath)
	}
}

func TestHuggingFaceBlankCredential(t *testing.T) {
	a := NewHuggingFaceAdapter(connectedRegistry("huggingface"), "http://unused.invalid", nil)
	model := &catalog.Model{Name: "Z", Provider: "huggingface", ModelID: "z"}

	_, err := a.Complete(context.Background(), model, []Message{{Role: RoleUser, Content: "x"}}, "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestHuggingFaceTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"model loading"}`))
	}))
	defer srv.Close()

	a := NewHuggingFaceAdapter(connectedRegistry("huggingface"), srv.URL, nil)
	model := &catalog.Model{Name: "Z", Provider: "huggingface", ModelID: "z"}

	_, err := a.Complete(context.Background(), model, []Message{{Role: RoleUser, Content: "x"}}, "hf_token")
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", terr.Status)
	}
}

func TestExtractHuggingFaceText(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"object form", `{"generated_text":"hi"}`, "hi"},
		{"array form", `[{"generated_text":"hi"}]`, "hi"},
		{"array generated_texts", `[{"generated_texts":["hi","other"]}]`, "hi"},
		{"unknown object", `{"score":0.9}`, `{"score":0.9}`},
		{"empty array", `[]`, `[]`},
		{"array without text", `[{"label":"x"}]`, `[{"label":"x"}]`},
		{"not json", `oops`, `oops`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractHuggingFaceText([]byte(tt.body)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHuggingFaceHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer good" {
			w.Write([]byte(`{"name":"someone"}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewHuggingFaceAdapter(connectedRegistry("huggingface"), srv.URL, nil)
	a.whoamiURL = srv.URL + "/api/whoami-v2"

	if err := a.Handshake(context.Background(), "good"); err != nil {
		t.Fatalf("expected handshake success: %v", err)
	}
	if err := a.Handshake(context.Background(), "bad"); err == nil {
		t.Fatal("expected handshake failure for rejected token")
	}
}
