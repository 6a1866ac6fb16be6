// Package stream provides the uniform chunk-sequence contract callers see
// regardless of whether a completion was served from cache or live.
package stream

import (
	"io"
	"strings"

	"github.com/recall-ai/recall/pkg/models"
)

// Stream is a finite, single-pass sequence of content deltas.
// Recv returns io.EOF after the last chunk.
type Stream interface {
	Recv() (models.Chunk, error)
	Close() error
}

// Replay turns a cached full response back into a chunk sequence: the text is
// split on single spaces and each fragment is emitted with one trailing space
// re-appended, matching the granularity of the original emulation. This is
// not token-accurate streaming; a caller that concatenates deltas sees the
// cached text followed by a trailing space.
func Replay(text string) Stream {
	if text == "" {
		return &replayStream{}
	}
	return &replayStream{words: strings.Split(text, " ")}
}

type replayStream struct {
	words []string
	pos   int
}

func (r *replayStream) Recv() (models.Chunk, error) {
	if r.pos >= len(r.words) {
		return models.Chunk{}, io.EOF
	}
	w := r.words[r.pos]
	r.pos++
	return models.Chunk{Content: w + " "}, nil
}

func (r *replayStream) Close() error { return nil }
