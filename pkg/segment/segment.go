// Package segment re-chunks a stream of text fragments into sentence-sized
// pieces suitable for speech synthesis.
//
// A [Segmenter] buffers fragments until it sees a terminator rune (Chinese or
// ASCII full stop, exclamation, question mark, or comma) and then emits the
// trimmed text up to and including that terminator. Anything after the last
// terminator stays buffered until more text arrives or [Segmenter.Flush] is
// called.
//
// A Segmenter is not safe for concurrent use; it is meant to be owned by the
// single goroutine that reads a completion stream.
package segment

import (
	"strings"
)

// terminators are the runes that end a speakable segment. Commas count so
// that long replies start playing before the first full stop.
const terminators = "。！？，,.!?"

// IsTerminator reports whether r ends a segment.
func IsTerminator(r rune) bool {
	return strings.ContainsRune(terminators, r)
}

// Segmenter accumulates fragments and emits complete sentences.
type Segmenter struct {
	emit func(string)
	buf  strings.Builder
}

// New returns a Segmenter that calls emit once per complete sentence.
// emit must not be nil.
func New(emit func(string)) *Segmenter {
	return &Segmenter{emit: emit}
}

// Add appends fragment to the buffer and emits every sentence it completes,
// in order. Text after the last terminator is retained.
func (s *Segmenter) Add(fragment string) {
	if fragment == "" {
		return
	}
	s.buf.WriteString(fragment)

	pending := s.buf.String()
	start := 0
	for i, r := range pending {
		if !IsTerminator(r) {
			continue
		}
		end := i + len(string(r))
		if sentence := strings.TrimSpace(pending[start:end]); sentence != "" {
			s.emit(sentence)
		}
		start = end
	}
	if start == 0 {
		return
	}
	rest := pending[start:]
	s.buf.Reset()
	s.buf.WriteString(rest)
}

// Flush emits the trimmed remainder, if any, and clears the buffer.
func (s *Segmenter) Flush() {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if rest != "" {
		s.emit(rest)
	}
}

// Reset discards any buffered text without emitting it.
func (s *Segmenter) Reset() {
	s.buf.Reset()
}

// Pending returns the buffered text that has not been emitted yet.
func (s *Segmenter) Pending() string {
	return s.buf.String()
}
