package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/recall-ai/recall/pkg/backend"
	cachepkg "github.com/recall-ai/recall/pkg/cache"
	"github.com/recall-ai/recall/pkg/config"
	"github.com/recall-ai/recall/pkg/models"
	"github.com/recall-ai/recall/pkg/tracker"
)

// Server is the Recall caching proxy.
type Server struct {
	cfg     *config.Config
	cache   *cachepkg.Cache
	tracker tracker.Tracker
	mux     *http.ServeMux
}

// New creates a proxy Server wired with all dependencies.
func New(cfg *config.Config, c *cachepkg.Cache, t tracker.Tracker) *Server {
	s := &Server{
		cfg:     cfg,
		cache:   c,
		tracker: t,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("/", s.handlePassthrough)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the proxy server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("recall proxy listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var req models.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	reqStart := time.Now()

	if req.Stream {
		s.handleStreaming(w, r, &req, reqStart)
		return
	}

	res, err := s.cache.Complete(r.Context(), &req)
	if err != nil {
		var berr *backend.BackendError
		if errors.As(err, &berr) {
			log.Printf("backend failure: %v", err)
			writeJSONError(w, http.StatusBadGateway, "upstream backend failed")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "completion failed")
		return
	}

	s.record(req.Model, res.Cached, reqStart)

	resp := models.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []models.Choice{
			{Index: 0, Message: models.ChatMessage{Role: "assistant", Content: res.Text}, FinishReason: "stop"},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Recall-Cache", cacheHeader(res.Cached))
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("write response: %v", err)
	}
}

// handleStreaming emits the chunk sequence as SSE events, identical in shape
// whether the chunks are replayed from cache or passed through live.
func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request, req *models.ChatCompletionRequest, reqStart time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "response writer does not support flushing")
		return
	}

	st, cached, err := s.cache.CompleteStream(r.Context(), req)
	if err != nil {
		var berr *backend.BackendError
		if errors.As(err, &berr) {
			log.Printf("backend failure: %v", err)
			writeJSONError(w, http.StatusBadGateway, "upstream backend failed")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "completion failed")
		return
	}
	defer st.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Recall-Cache", cacheHeader(cached))
	w.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers are already out; all we can do is stop the stream.
			log.Printf("streaming error: %v", err)
			return
		}
		writeSSEChunk(w, models.ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []models.ChunkChoice{
				{Index: 0, Delta: models.ChatMessage{Content: chunk.Content}},
			},
		})
		flusher.Flush()
	}

	stop := "stop"
	writeSSEChunk(w, models.ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   req.Model,
		Choices: []models.ChunkChoice{
			{Index: 0, Delta: models.ChatMessage{}, FinishReason: &stop},
		},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	s.record(req.Model, cached, reqStart)
}

func writeSSEChunk(w http.ResponseWriter, chunk models.ChatCompletionChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		log.Printf("encode chunk: %v", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// record logs the request outcome to the tracker off the request path.
func (s *Server) record(model string, cached bool, reqStart time.Time) {
	if s.tracker == nil {
		return
	}
	rec := models.RequestRecord{
		Model:     model,
		CacheHit:  cached,
		LatencyMs: time.Since(reqStart).Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	go func() {
		if err := s.tracker.Record(context.Background(), rec); err != nil {
			log.Printf("tracker record error: %v", err)
		}
	}()
}

// handlePassthrough forwards any other path straight to the backend,
// uncached.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	target, err := url.Parse(s.cfg.Backend.URL)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "invalid backend URL")
		return
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			if s.cfg.Backend.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+s.cfg.Backend.APIKey)
			}
		},
	}
	proxy.ServeHTTP(w, r)
}

func cacheHeader(cached bool) string {
	if cached {
		return "hit"
	}
	return "miss"
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"recall_error","code":%d}}`, message, code)
}
