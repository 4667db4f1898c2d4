package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tablemend/tablemend/internal/faults"
)

func newTestClient(url string) *AnthropicClient {
	return NewAnthropicClientWithConfig(Config{
		APIKey:  "test-key",
		BaseURL: url,
		Model:   "claude-sonnet-4-5",
	})
}

func TestCompleteWithSystem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("missing api key header, got %q", got)
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.System != "you are a data analyst" {
			t.Errorf("system prompt not forwarded: %q", req.System)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]string{{"type": "text", "text": "analysis complete"}},
			"stop_reason": "end_turn",
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	got, err := client.CompleteWithSystem(context.Background(), "you are a data analyst", "analyze this")
	if err != nil {
		t.Fatalf("CompleteWithSystem: %v", err)
	}
	if got != "analysis complete" {
		t.Errorf("got %q", got)
	}
}

func TestCompleteQuotaFailureIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"rate_limit_error","message":"quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.Complete(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected error")
	}
	if !faults.IsKind(err, faults.KindUpstream) {
		t.Errorf("expected KindUpstream, got %v", err)
	}
}

func TestCompleteTransportFailureIsUpstream(t *testing.T) {
	// Point at a server that is already closed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.Complete(context.Background(), "prompt")
	if !faults.IsKind(err, faults.KindUpstream) {
		t.Errorf("expected KindUpstream for transport failure, got %v", err)
	}
}

func TestCompleteMissingAPIKey(t *testing.T) {
	client := NewAnthropicClientWithConfig(Config{})
	_, err := client.Complete(context.Background(), "prompt")
	if !faults.IsKind(err, faults.KindUpstream) {
		t.Errorf("expected KindUpstream for missing key, got %v", err)
	}
}

func TestCompleteConcatenatesTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{
				{"type": "text", "text": "hello "},
				{"type": "text", "text": "world"},
			},
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	got, err := client.Complete(context.Background(), "p")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q", got)
	}
}
