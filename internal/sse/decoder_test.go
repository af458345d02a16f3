package sse

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

const sampleStream = "data: abc\ndata: def\ndata: [DONE]\n"

func TestDecoderChunksFromExample(t *testing.T) {
	t.Parallel()

	decoder := NewDecoder(nil)
	for _, chunk := range []string{"data: ab", "c\n", "data: def\n", "data: [DONE]\n"} {
		decoder.Feed([]byte(chunk))
	}
	if got := decoder.Close(); got != "abcdef" {
		t.Fatalf("decoded=%q, want abcdef", got)
	}
}

func TestDecoderIsIndependentOfChunkBoundaries(t *testing.T) {
	t.Parallel()

	raw := []byte(sampleStream)
	for first := 0; first <= len(raw); first++ {
		for second := first; second <= len(raw); second++ {
			decoder := NewDecoder(nil)
			decoder.Feed(raw[:first])
			decoder.Feed(raw[first:second])
			decoder.Feed(raw[second:])
			if got := decoder.Close(); got != "abcdef" {
				t.Fatalf("split at %d/%d decoded=%q, want abcdef", first, second, got)
			}
		}
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	t.Parallel()

	var deltas []string
	decoder := NewDecoder(func(payload string) {
		deltas = append(deltas, payload)
	})
	stream := "data: héllo\n: comment\nevent: ping\ndata:wörld\n"
	for i := 0; i < len(stream); i++ {
		decoder.Feed([]byte{stream[i]})
	}
	if got := decoder.Close(); got != "héllowörld" {
		t.Fatalf("decoded=%q, want héllowörld", got)
	}
	if strings.Join(deltas, "|") != "héllo|wörld" {
		t.Fatalf("deltas=%v", deltas)
	}
	if decoder.Events() != 2 {
		t.Fatalf("events=%d, want 2", decoder.Events())
	}
}

func TestDecoderNeverProcessesIncompleteTrailingLine(t *testing.T) {
	t.Parallel()

	var deltas []string
	decoder := NewDecoder(func(payload string) {
		deltas = append(deltas, payload)
	})
	decoder.Feed([]byte("data: one\ndata: tw"))
	if got := decoder.String(); got != "one" {
		t.Fatalf("before close=%q, want one", got)
	}
	if got := decoder.Close(); got != "one" {
		t.Fatalf("after close=%q, want one", got)
	}
	if len(deltas) != 1 || decoder.Events() != 1 {
		t.Fatalf("deltas=%v events=%d, want only the terminated line", deltas, decoder.Events())
	}

	got, err := ReadAll(context.Background(), strings.NewReader("data: a\ndata: b"), nil)
	if err != nil || got != "a" {
		t.Fatalf("ReadAll()=%q, %v, want a", got, err)
	}
}

func TestReadAllReadsUntilEOF(t *testing.T) {
	t.Parallel()

	reader := io.MultiReader(strings.NewReader("data: ab"), strings.NewReader("c\r\ndata: def\n"), strings.NewReader("data: [DONE]\n"))
	got, err := ReadAll(context.Background(), reader, nil)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if got != "abcdef" {
		t.Fatalf("ReadAll()=%q, want abcdef", got)
	}
}

type cancelAfterFirstRead struct {
	cancel context.CancelFunc
	reads  int
}

func (r *cancelAfterFirstRead) Read(p []byte) (int, error) {
	r.reads++
	if r.reads == 1 {
		r.cancel()
		return copy(p, "data: partial\n"), nil
	}
	return copy(p, "data: never\n"), nil
}

func TestReadAllStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got, err := ReadAll(ctx, &cancelAfterFirstRead{cancel: cancel}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ReadAll() error=%v, want context.Canceled", err)
	}
	if got != "partial" {
		t.Fatalf("partial text=%q, want partial", got)
	}
}
