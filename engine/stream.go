package engine

import (
	"errors"
	"unicode/utf8"
)

var errInvalidUTF8 = errors.New("engine: input is not valid UTF-8")

// StreamEncoder encodes text fed in arbitrary chunks. It emits tokens only
// for text that ends at a line break followed by a letter or digit; the
// o200k pre-tokenizer never joins pieces across that boundary, so the
// emitted tokens equal those of encoding the whole text at once.
type StreamEncoder struct {
	enc *Encoding
	buf []byte
}

// NewStreamEncoder returns an empty stream over e.
func (e *Encoding) NewStreamEncoder() *StreamEncoder {
	return &StreamEncoder{enc: e}
}

// streamCut returns the length of the prefix of buf that can be encoded
// now, or 0.
func streamCut(buf []byte) int {
	for i := len(buf) - 2; i >= 0; i-- {
		if buf[i] == '\n' && isASCIIAlnum(buf[i+1]) {
			return i + 1
		}
	}
	return 0
}

func isASCIIAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// Feed appends data and returns the tokens that became final.
func (s *StreamEncoder) Feed(data []byte) ([]uint32, error) {
	s.buf = append(s.buf, data...)
	n := streamCut(s.buf)
	if n == 0 {
		return []uint32{}, nil
	}
	if !utf8.Valid(s.buf[:n]) {
		return nil, errInvalidUTF8
	}
	out := s.enc.EncodeOrdinary(string(s.buf[:n]))
	s.buf = append(s.buf[:0], s.buf[n:]...)
	return out, nil
}

// HasPending reports whether text is buffered.
func (s *StreamEncoder) HasPending() bool { return len(s.buf) > 0 }

// Flush encodes all buffered text.
func (s *StreamEncoder) Flush() ([]uint32, error) {
	if !utf8.Valid(s.buf) {
		return nil, errInvalidUTF8
	}
	out := s.enc.EncodeOrdinary(string(s.buf))
	s.buf = s.buf[:0]
	return out, nil
}

// Reset discards buffered text.
func (s *StreamEncoder) Reset() { s.buf = nil }
