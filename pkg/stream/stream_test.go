package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func collect(t *testing.T, s Stream) []string {
	t.Helper()
	var out []string
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, chunk.Content)
	}
}

func TestReplayChunking(t *testing.T) {
	chunks := collect(t, Replay("hello there"))

	want := []string{"hello ", "there "}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %q", len(want), len(chunks), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, want[i], chunks[i])
		}
	}
}

func TestReplayEquivalence(t *testing.T) {
	texts := []string{
		"hello there",
		"one",
		"a longer response with several words in it",
	}
	for _, text := range texts {
		chunks := collect(t, Replay(text))
		joined := strings.TrimSuffix(strings.Join(chunks, ""), " ")
		if joined != text {
			t.Errorf("concatenated replay %q does not match original %q", joined, text)
		}
	}
}

func TestReplayRestartable(t *testing.T) {
	text := "hello there"
	first := collect(t, Replay(text))
	second := collect(t, Replay(text))
	if len(first) != len(second) {
		t.Fatalf("replays differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between replays: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestReplayEmpty(t *testing.T) {
	chunks := collect(t, Replay(""))
	if len(chunks) != 0 {
		t.Errorf("expected no chunks for empty text, got %q", chunks)
	}
}

func TestReplayEOFSticky(t *testing.T) {
	s := Replay("hi")
	for {
		if _, err := s.Recv(); err != nil {
			break
		}
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after exhaustion, got %v", err)
	}
}
