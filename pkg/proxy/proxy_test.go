package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/recall-ai/recall/pkg/backend"
	cachepkg "github.com/recall-ai/recall/pkg/cache"
	"github.com/recall-ai/recall/pkg/config"
	"github.com/recall-ai/recall/pkg/fingerprint"
	"github.com/recall-ai/recall/pkg/models"
	"github.com/recall-ai/recall/pkg/router"
	"github.com/recall-ai/recall/pkg/store/sqlite"
	"github.com/recall-ai/recall/pkg/tracker"
)

func setupProxy(t *testing.T, upstream *httptest.Server) *Server {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Backend.URL = upstream.URL
	cfg.Backend.APIKey = "sk-backend"

	st, err := sqlite.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tr, err := tracker.New(filepath.Join(dir, "tracker.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	b := backend.NewHTTP(cfg.Backend, router.New(cfg.ModelAliases))
	c := cachepkg.New(fingerprint.New(cfg.Cache.IncludeModelInKey), st, b)

	return New(cfg, c, tr)
}

func completionUpstream(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-backend" {
			t.Error("expected backend API key in upstream request")
		}

		var req models.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, word := range strings.Split(text, " ") {
				chunk := models.ChatCompletionChunk{
					Choices: []models.ChunkChoice{{Delta: models.ChatMessage{Content: word + " "}}},
				}
				data, _ := json.Marshal(chunk)
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			Choices: []models.Choice{
				{Message: models.ChatMessage{Role: "assistant", Content: text}, FinishReason: "stop"},
			},
		})
	}))
}

func postCompletion(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestChatCompletions(t *testing.T) {
	upstream := completionUpstream(t, "hello there")
	defer upstream.Close()

	srv := setupProxy(t, upstream)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"temperature":0.7}`

	w := postCompletion(t, srv, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Recall-Cache") != "miss" {
		t.Error("expected cache miss on first request")
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello there" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("unexpected id: %s", resp.ID)
	}

	// Second identical request should be served from cache.
	w2 := postCompletion(t, srv, body)
	if w2.Header().Get("X-Recall-Cache") != "hit" {
		t.Error("expected cache hit on second request")
	}

	var resp2 models.ChatCompletionResponse
	if err := json.Unmarshal(w2.Body.Bytes(), &resp2); err != nil {
		t.Fatal(err)
	}
	if resp2.Choices[0].Message.Content != "hello there" {
		t.Errorf("cached response differs: %+v", resp2)
	}
}

func TestStreamFlagDoesNotAffectIdentity(t *testing.T) {
	upstream := completionUpstream(t, "hello there")
	defer upstream.Close()

	srv := setupProxy(t, upstream)

	// Prime the cache with a non-streaming request.
	w := postCompletion(t, srv, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if w.Header().Get("X-Recall-Cache") != "miss" {
		t.Fatal("expected miss while priming")
	}

	// The streaming variant of the same request must hit.
	w2 := postCompletion(t, srv, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w2.Code, w2.Body.String())
	}
	if w2.Header().Get("X-Recall-Cache") != "hit" {
		t.Error("expected streaming request to hit the non-streaming entry")
	}

	sse := w2.Body.String()
	if !strings.Contains(sse, `"content":"hello "`) || !strings.Contains(sse, `"content":"there "`) {
		t.Errorf("replayed SSE missing expected chunks: %s", sse)
	}
	if !strings.Contains(sse, "data: [DONE]") {
		t.Error("replayed SSE missing [DONE] terminator")
	}
}

func TestStreamingMissRelaysAndCaches(t *testing.T) {
	upstream := completionUpstream(t, "hello there")
	defer upstream.Close()

	srv := setupProxy(t, upstream)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"stream":true}`

	w := postCompletion(t, srv, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Recall-Cache") != "miss" {
		t.Error("expected miss on first streaming request")
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %s", ct)
	}
	if !strings.Contains(w.Body.String(), "data: [DONE]") {
		t.Error("SSE missing [DONE] terminator")
	}

	// A follow-up non-streaming request must be served from the cached text.
	w2 := postCompletion(t, srv, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if w2.Header().Get("X-Recall-Cache") != "hit" {
		t.Error("expected non-streaming request to hit entry cached by streaming miss")
	}
	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(w2.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "hello there" {
		t.Errorf("unexpected cached text: %q", resp.Choices[0].Message.Content)
	}
}

func TestBackendFailureSurfaces(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	srv := setupProxy(t, upstream)

	w := postCompletion(t, srv, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}

func TestInvalidRequests(t *testing.T) {
	upstream := completionUpstream(t, "hello")
	defer upstream.Close()

	srv := setupProxy(t, upstream)

	w := postCompletion(t, srv, `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", w.Code)
	}

	w = postCompletion(t, srv, `{"model":"gpt-4","messages":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty messages, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}
