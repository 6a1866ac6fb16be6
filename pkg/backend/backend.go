// Package backend adapts one OpenAI-compatible upstream into the narrow
// interface the cache coordinator invokes on a miss.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/recall-ai/recall/pkg/config"
	"github.com/recall-ai/recall/pkg/models"
	"github.com/recall-ai/recall/pkg/router"
	"github.com/recall-ai/recall/pkg/stream"
)

// BackendError indicates a failure reaching or reading the upstream model:
// connection refused, a non-2xx status, a malformed payload, or a timeout.
// Results that produced one are never written to the cache.
type BackendError struct {
	Op  string // "complete" or "stream"
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Invoker is what the coordinator calls on a cache miss.
type Invoker interface {
	// Complete blocks until the full response text is available.
	Complete(ctx context.Context, model string, messages []models.ChatMessage, temperature float64) (string, error)
	// Stream returns the backend's live chunk sequence. The caller must
	// drain or Close it.
	Stream(ctx context.Context, model string, messages []models.ChatMessage, temperature float64) (stream.Stream, error)
}

// HTTPBackend talks to a single OpenAI-compatible /v1/chat/completions
// endpoint, resolving model aliases before each call.
type HTTPBackend struct {
	url    string
	apiKey string
	client *http.Client
	router *router.Router
}

// NewHTTP creates an HTTPBackend from config. A zero timeout disables the
// client timeout, which streaming callers may want.
func NewHTTP(cfg config.BackendConfig, r *router.Router) *HTTPBackend {
	return &HTTPBackend{
		url:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: cfg.Timeout},
		router: r,
	}
}

func (b *HTTPBackend) post(ctx context.Context, op string, req models.ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &BackendError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &BackendError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, &BackendError{Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &BackendError{Op: op, Err: fmt.Errorf("upstream returned %d: %s", resp.StatusCode, snippet)}
	}
	return resp, nil
}

// Complete invokes the backend without streaming and returns the full
// response text.
func (b *HTTPBackend) Complete(ctx context.Context, model string, messages []models.ChatMessage, temperature float64) (string, error) {
	req := models.ChatCompletionRequest{
		Model:       b.router.Resolve(model),
		Messages:    messages,
		Temperature: &temperature,
	}

	resp, err := b.post(ctx, "complete", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out models.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &BackendError{Op: "complete", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return "", &BackendError{Op: "complete", Err: fmt.Errorf("response has no choices")}
	}
	return out.Choices[0].Message.Content, nil
}

// Stream invokes the backend with streaming enabled and returns the live
// chunk sequence as produced upstream, unmodified.
func (b *HTTPBackend) Stream(ctx context.Context, model string, messages []models.ChatMessage, temperature float64) (stream.Stream, error) {
	req := models.ChatCompletionRequest{
		Model:       b.router.Resolve(model),
		Messages:    messages,
		Temperature: &temperature,
		Stream:      true,
	}

	resp, err := b.post(ctx, "stream", req)
	if err != nil {
		return nil, err
	}

	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// sseStream parses an OpenAI SSE response body into content deltas.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *sseStream) Recv() (models.Chunk, error) {
	if s.done {
		return models.Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.done = true
			return models.Chunk{}, io.EOF
		}

		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip unparseable events, as the upstream may interleave comments
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue // role-only or finish events carry no content
		}
		return models.Chunk{Content: chunk.Choices[0].Delta.Content}, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return models.Chunk{}, &BackendError{Op: "stream", Err: fmt.Errorf("reading stream: %w", err)}
	}
	return models.Chunk{}, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
