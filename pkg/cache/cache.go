// Package cache orchestrates lookup-or-compute for completion requests:
// fingerprint the request, serve a stored response when one exists, otherwise
// invoke the backend once and persist the result.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/recall-ai/recall/pkg/backend"
	"github.com/recall-ai/recall/pkg/fingerprint"
	"github.com/recall-ai/recall/pkg/models"
	"github.com/recall-ai/recall/pkg/stream"
)

// Store is the durable mapping the coordinator reads and writes.
type Store interface {
	Get(ctx context.Context, key string) (models.CacheEntry, bool, error)
	Put(ctx context.Context, key, response string, createdAt time.Time) error
}

// Result is a resolved non-streaming completion.
type Result struct {
	Text   string
	Cached bool
}

// Cache resolves completion requests against a Store, falling back to the
// backend on a miss. Concurrent identical misses share one backend call:
// non-streaming misses coalesce through a singleflight group, and streaming
// misses through a per-key live flight where the first caller consumes the
// backend stream and later callers get a replay of its accumulated text.
type Cache struct {
	fp      *fingerprint.Fingerprinter
	store   Store // nil disables lookup and persistence
	backend backend.Invoker

	flight singleflight.Group

	mu   sync.Mutex
	live map[string]*liveFlight
}

// liveFlight is a streaming backend call in progress. done is closed once
// text and err are set.
type liveFlight struct {
	done chan struct{}
	text string
	err  error
}

// New creates a Cache. A nil store turns the cache into a passthrough:
// every request misses and nothing is persisted.
func New(fp *fingerprint.Fingerprinter, store Store, invoker backend.Invoker) *Cache {
	return &Cache{
		fp:      fp,
		store:   store,
		backend: invoker,
		live:    make(map[string]*liveFlight),
	}
}

func (c *Cache) key(req *models.ChatCompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("request has no messages")
	}
	key, err := c.fp.Key(req.Model, req.Messages, req.EffectiveTemperature())
	if err != nil {
		return "", fmt.Errorf("compute cache key: %w", err)
	}
	return key, nil
}

// lookup returns the stored response for key, treating store read failures
// as misses so a degraded store never blocks a request.
func (c *Cache) lookup(ctx context.Context, key string) (string, bool) {
	if c.store == nil {
		return "", false
	}
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.Printf("cache lookup failed for %s: %v", shortKey(key), err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return entry.Response, true
}

// persist upserts the computed response. Write failures are non-fatal: the
// response has already been computed and will still be returned.
func (c *Cache) persist(ctx context.Context, key, text string) {
	if c.store == nil {
		return
	}
	if err := c.store.Put(ctx, key, text, time.Now().UTC()); err != nil {
		log.Printf("cache write failed for %s: %v", shortKey(key), err)
	}
}

// Complete resolves a non-streaming request. On a hit no backend call is
// made; on a miss the backend is invoked once per key regardless of how many
// identical requests arrive concurrently.
func (c *Cache) Complete(ctx context.Context, req *models.ChatCompletionRequest) (Result, error) {
	key, err := c.key(req)
	if err != nil {
		return Result{}, err
	}

	if text, ok := c.lookup(ctx, key); ok {
		return Result{Text: text, Cached: true}, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		text, err := c.backend.Complete(ctx, req.Model, req.Messages, req.EffectiveTemperature())
		if err != nil {
			return nil, err
		}
		c.persist(ctx, key, text)
		return text, nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Text: v.(string)}, nil
}

// CompleteStream resolves a streaming request. A hit replays the stored text
// as a chunk sequence; a miss passes the backend's live chunks through while
// accumulating them, persisting the full text once the stream ends cleanly.
// The returned bool reports whether the response came from cache.
func (c *Cache) CompleteStream(ctx context.Context, req *models.ChatCompletionRequest) (stream.Stream, bool, error) {
	key, err := c.key(req)
	if err != nil {
		return nil, false, err
	}

	if text, ok := c.lookup(ctx, key); ok {
		return stream.Replay(text), true, nil
	}

	c.mu.Lock()
	if lf, inFlight := c.live[key]; inFlight {
		c.mu.Unlock()
		return c.followFlight(ctx, lf)
	}
	lf := &liveFlight{done: make(chan struct{})}
	c.live[key] = lf
	c.mu.Unlock()

	src, err := c.backend.Stream(ctx, req.Model, req.Messages, req.EffectiveTemperature())
	if err != nil {
		c.finishFlight(key, lf, "", err)
		return nil, false, err
	}

	return &missStream{cache: c, key: key, flight: lf, src: src}, false, nil
}

// followFlight waits for an in-flight streaming computation of the same key
// and replays its accumulated text.
func (c *Cache) followFlight(ctx context.Context, lf *liveFlight) (stream.Stream, bool, error) {
	select {
	case <-lf.done:
		if lf.err != nil {
			return nil, false, lf.err
		}
		return stream.Replay(lf.text), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// finishFlight publishes the flight outcome and removes it from the live
// set. Called exactly once per flight.
func (c *Cache) finishFlight(key string, lf *liveFlight, text string, err error) {
	c.mu.Lock()
	delete(c.live, key)
	c.mu.Unlock()
	lf.text = text
	lf.err = err
	close(lf.done)
}

// errStreamAbandoned marks a live flight whose leader closed the stream
// before draining it. Followers surface it instead of a partial response.
var errStreamAbandoned = errors.New("in-flight stream abandoned before completion")

// missStream forwards live backend chunks to the caller while accumulating
// the full text. On clean EOF the text is persisted and handed to any
// followers; an error or early Close persists nothing.
type missStream struct {
	cache    *Cache
	key      string
	flight   *liveFlight
	src      stream.Stream
	buf      strings.Builder
	finished bool
}

func (m *missStream) Recv() (models.Chunk, error) {
	if m.finished {
		return models.Chunk{}, io.EOF
	}

	chunk, err := m.src.Recv()
	switch {
	case err == nil:
		m.buf.WriteString(chunk.Content)
		return chunk, nil
	case errors.Is(err, io.EOF):
		m.finished = true
		full := m.buf.String()
		m.cache.persist(context.Background(), m.key, full)
		m.cache.finishFlight(m.key, m.flight, full, nil)
		return models.Chunk{}, io.EOF
	default:
		m.finished = true
		m.cache.finishFlight(m.key, m.flight, "", err)
		return models.Chunk{}, err
	}
}

func (m *missStream) Close() error {
	if !m.finished {
		m.finished = true
		m.cache.finishFlight(m.key, m.flight, "", errStreamAbandoned)
	}
	return m.src.Close()
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
