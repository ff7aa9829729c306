// ABOUTME: Incremental reader over a backend's server-sent delta stream
// ABOUTME: Yields typed deltas, skipping malformed chunks without ending the stream

package backend

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// DeltaKind classifies one streamed fragment.
type DeltaKind int

const (
	// DeltaText carries incremental assistant text.
	DeltaText DeltaKind = iota
	// DeltaTool carries whole grounding/citation content.
	DeltaTool
	// DeltaTurnStart marks the start of the assistant turn; it has no content.
	DeltaTurnStart
	// DeltaEnd marks the end of the assistant turn.
	DeltaEnd
	// DeltaError carries an error reported by the backend inside the stream.
	DeltaError
)

// Delta is one validated stream fragment.
type Delta struct {
	ID      string
	Model   string
	Object  string
	Created int64

	Kind    DeltaKind
	Content string
	Error   string
}

// chunkParser decodes one data payload. ok is false for payloads that carry
// nothing or cannot be decoded; those are skipped.
type chunkParser func(payload []byte) (d Delta, ok bool)

// DeltaStream is a finite, non-restartable sequence of deltas tied to a live
// HTTP response. Callers must Close it.
type DeltaStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	parse  chunkParser
	eof    bool

	// RequestID is the backend's request correlation id, when it sent one.
	RequestID string
}

// StreamFormat selects how a DeltaStream decodes chunks.
type StreamFormat int

const (
	// FormatCompletion decodes chat.completion.chunk payloads.
	FormatCompletion StreamFormat = iota
	// FormatSearch decodes grounded-search extension chunks.
	FormatSearch
	// FormatCanonical decodes chunks already in the canonical fragment shape.
	FormatCanonical
)

// NewDeltaStream wraps an event-stream body. The stream owns body.
func NewDeltaStream(body io.ReadCloser, format StreamFormat, requestID string) *DeltaStream {
	parse := parseCompletionChunk
	switch format {
	case FormatSearch:
		parse = parseSearchChunk
	case FormatCanonical:
		parse = parseCanonicalChunk
	}
	return newDeltaStream(body, parse, requestID)
}

func newDeltaStream(body io.ReadCloser, parse chunkParser, requestID string) *DeltaStream {
	return &DeltaStream{
		reader:    bufio.NewReader(body),
		body:      body,
		parse:     parse,
		RequestID: requestID,
	}
}

// Next returns the next delta, or io.EOF once the stream is exhausted.
// Read errors, including cancellation of the request context, are returned as is.
func (s *DeltaStream) Next() (Delta, error) {
	for {
		if s.eof {
			return Delta{}, io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Delta{}, err
			}
			s.eof = true
		}

		payload, ok := dataPayload(line)
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			s.eof = true
			return Delta{}, io.EOF
		}

		if d, ok := s.parse([]byte(payload)); ok {
			return d, nil
		}
	}
}

// Close releases the underlying connection.
func (s *DeltaStream) Close() error {
	s.eof = true
	return s.body.Close()
}

// dataPayload strips the "data:" prefix of an event-stream line. Lines that
// carry no payload (blank lines, comments, other fields) report false.
func dataPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if strings.HasPrefix(line, "data:") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	} else if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") || strings.HasPrefix(line, "retry:") {
		return "", false
	}
	return line, line != ""
}
