package openai

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// fakeAPI serves a fixed chat completion response and records the request
// bodies it saw.
type fakeAPI struct {
	status  atomic.Int32
	replies atomic.Int32

	bodies chan string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	fa := &fakeAPI{bodies: make(chan string, 16)}
	fa.status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fa.bodies <- string(body)

		if code := int(fa.status.Load()); code != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			w.Write([]byte(`{"error": {"message": "rate limited", "type": "requests"}}`))
			return
		}

		n := fa.replies.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": "reply " + string(rune('0'+n)),
				},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return fa, srv
}

func TestAsk_NewConversationGetsID(t *testing.T) {
	_, srv := newFakeAPI(t)
	c, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ans, err := c.Ask(t.Context(), "hello", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Message != "reply 1" {
		t.Errorf("message = %q, want %q", ans.Message, "reply 1")
	}
	if ans.ConversationID == "" {
		t.Error("expected a generated conversation id")
	}
}

func TestAsk_HistoryReplayed(t *testing.T) {
	fa, srv := newFakeAPI(t)
	c, err := New("test-key", WithBaseURL(srv.URL), WithSystemPrompt("be brief"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ans, err := c.Ask(t.Context(), "first question", "")
	if err != nil {
		t.Fatalf("first Ask: %v", err)
	}
	<-fa.bodies

	if _, err := c.Ask(t.Context(), "second question", ans.ConversationID); err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	body := <-fa.bodies

	// The second request must replay the system prompt and the full first
	// exchange ahead of the new question.
	for _, want := range []string{"be brief", "first question", "reply 1", "second question"} {
		if !strings.Contains(body, want) {
			t.Errorf("second request body missing %q", want)
		}
	}
}

func TestAsk_ConversationsIsolated(t *testing.T) {
	fa, srv := newFakeAPI(t)
	c, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Ask(t.Context(), "alpha secret", "conv-a"); err != nil {
		t.Fatalf("Ask conv-a: %v", err)
	}
	<-fa.bodies

	if _, err := c.Ask(t.Context(), "beta question", "conv-b"); err != nil {
		t.Fatalf("Ask conv-b: %v", err)
	}
	body := <-fa.bodies

	if strings.Contains(body, "alpha secret") {
		t.Error("conversation b request leaked conversation a history")
	}
}

func TestAsk_RateLimitMapsToSessionRefresh(t *testing.T) {
	fa, srv := newFakeAPI(t)
	c, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fa.status.Store(http.StatusTooManyRequests)
	if _, err := c.Ask(t.Context(), "hello", ""); !errors.Is(err, chat.ErrSessionRefresh) {
		t.Fatalf("Ask under 429 = %v, want ErrSessionRefresh", err)
	}

	// Failed asks must not pollute history on the eventual success.
	fa.status.Store(http.StatusOK)
	drain(fa.bodies)
	if _, err := c.Ask(t.Context(), "retry", "conv-r"); err != nil {
		t.Fatalf("Ask after recovery: %v", err)
	}
	body := <-fa.bodies
	if strings.Contains(body, `"hello"`) {
		t.Error("failed ask leaked into conversation history")
	}
}

func TestForget_DropsHistory(t *testing.T) {
	fa, srv := newFakeAPI(t)
	c, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Ask(t.Context(), "remember me", "conv-f"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	<-fa.bodies

	c.Forget("conv-f")

	if _, err := c.Ask(t.Context(), "fresh start", "conv-f"); err != nil {
		t.Fatalf("Ask after Forget: %v", err)
	}
	body := <-fa.bodies
	if strings.Contains(body, "remember me") {
		t.Error("Forget did not drop conversation history")
	}
}

func drain(ch chan string) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
