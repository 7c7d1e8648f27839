package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew_ProviderPriority(t *testing.T) {
	cases := []struct {
		name     string
		opts     Opts
		provider string
	}{
		{"anthropic wins over all", Opts{AnthropicKey: "ak", OpenAIKey: "ok", OpenRouterKey: "ork"}, "anthropic"},
		{"openai wins over openrouter", Opts{OpenAIKey: "ok", OpenRouterKey: "ork"}, "openai"},
		{"openrouter alone", Opts{OpenRouterKey: "ork"}, "openrouter"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.opts)
			if c == nil {
				t.Fatal("expected a non-nil client")
			}
			if c.provider != tc.provider {
				t.Errorf("provider = %q, want %q", c.provider, tc.provider)
			}
		})
	}
}

func TestNew_NoProviderConfigured(t *testing.T) {
	if c := New(Opts{}); c != nil {
		t.Errorf("expected nil client when no provider key is set, got %+v", c)
	}
}

func TestComplete_NilClient(t *testing.T) {
	var c *Client
	if _, err := c.Complete(context.Background(), "sys", "user"); err == nil {
		t.Fatal("expected an error calling Complete on a nil client")
	}
}

func TestComplete_OpenAICompatible(t *testing.T) {
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization header = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		resp := chatResponse{}
		resp.Choices = []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "# Refined\n\n- step"}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(Opts{OpenAIKey: "test-key"})
	c.httpBase = srv.URL

	out, err := c.Complete(context.Background(), "system prompt", "user body")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "# Refined\n\n- step" {
		t.Errorf("Complete() = %q", out)
	}
	if gotBody.Messages[0].Role != "system" || gotBody.Messages[0].Content != "system prompt" {
		t.Errorf("system message not forwarded correctly: %+v", gotBody.Messages)
	}
	if gotBody.Messages[1].Role != "user" || gotBody.Messages[1].Content != "user body" {
		t.Errorf("user message not forwarded correctly: %+v", gotBody.Messages)
	}
}

func TestComplete_OpenAICompatible_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "rate limited"},
		})
	}))
	defer srv.Close()

	c := New(Opts{OpenRouterKey: "test-key"})
	c.httpBase = srv.URL

	_, err := c.Complete(context.Background(), "s", "u")
	if err == nil {
		t.Fatal("expected an error when the provider returns an error payload")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %v, want it to mention the provider's message", err)
	}
}

func TestComplete_OpenAICompatible_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{})
	}))
	defer srv.Close()

	c := New(Opts{OpenAIKey: "test-key"})
	c.httpBase = srv.URL

	if _, err := c.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected an error when the response has no choices")
	}
}
