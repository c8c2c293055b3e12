package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/euforicio/harmony-bridge/native"
	"github.com/pkoukk/tiktoken-go"
)

const o200kBase = "o200k_base"

// Encoding is the o200k tokenizer with the Harmony special tokens and the
// prompt layout used by RenderPrompt. It is safe for concurrent use.
type Encoding struct {
	bpe      *tiktoken.Tiktoken
	specials *specialTable
	stop     []uint32
}

var shared struct {
	mu  sync.Mutex
	enc *Encoding
}

// Load returns the process-wide o200k Encoding, loading the vocabulary with
// opts on first success. Failures are not cached.
func Load(opts native.VocabOptions) (*Encoding, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.enc != nil {
		return shared.enc, nil
	}
	tiktoken.SetBpeLoader(NewLoader(opts))
	bpe, err := tiktoken.GetEncoding(o200kBase)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", o200kBase, err)
	}
	shared.enc = &Encoding{
		bpe:      bpe,
		specials: harmonySpecials(),
		stop:     []uint32{TokReturn, TokEnd, TokCall},
	}
	return shared.enc, nil
}

func appendInts(dst []uint32, ids []int) []uint32 {
	for _, id := range ids {
		dst = append(dst, uint32(id))
	}
	return dst
}

// EncodeOrdinary tokenizes text treating special literals as plain text.
func (e *Encoding) EncodeOrdinary(text string) []uint32 {
	return e.appendOrdinary(make([]uint32, 0, len(text)/3+1), text)
}

func (e *Encoding) appendOrdinary(dst []uint32, text string) []uint32 {
	if text == "" {
		return dst
	}
	return appendInts(dst, e.bpe.Encode(text, nil, nil))
}

// EncodeWithSpecials tokenizes text, emitting Harmony special literals as
// their special token.
func (e *Encoding) EncodeWithSpecials(text string) []uint32 {
	return e.appendWithSpecials(make([]uint32, 0, len(text)/3+1), text)
}

func (e *Encoding) appendWithSpecials(dst []uint32, text string) []uint32 {
	start := 0
	for i := 0; i < len(text); {
		if text[i] != '<' {
			i++
			continue
		}
		if tok, n := e.specials.matchAt(text, i); n > 0 {
			dst = e.appendOrdinary(dst, text[start:i])
			dst = append(dst, tok)
			i += n
			start = i
			continue
		}
		i++
	}
	return e.appendOrdinary(dst, text[start:])
}

func (e *Encoding) appendMessage(dst []uint32, role, content string) []uint32 {
	dst = append(dst, TokStart)
	dst = e.appendOrdinary(dst, role)
	dst = append(dst, TokMessage)
	dst = e.appendOrdinary(dst, content)
	return append(dst, TokEnd)
}

// RenderPrompt renders a prompt ending in an open assistant turn. A nil
// system message is omitted; a non-nil empty one renders an empty system
// message. The assistant prefix may contain special literals.
func (e *Encoding) RenderPrompt(system *string, user string, assistantPrefix *string) []uint32 {
	out := make([]uint32, 0, 16+len(user)/3)
	if system != nil {
		out = e.appendMessage(out, "system", *system)
	}
	out = e.appendMessage(out, "user", user)
	out = append(out, TokStart)
	out = e.appendOrdinary(out, "assistant")
	if assistantPrefix != nil {
		out = e.appendWithSpecials(out, *assistantPrefix)
	}
	return out
}

// ErrUnknownToken is returned when decoding an id outside the vocabulary.
var ErrUnknownToken = errors.New("engine: unknown token")

// DecodeBytes decodes tokens into raw bytes. The result need not be valid
// UTF-8 when a multi-byte character is split across the tokens.
func (e *Encoding) DecodeBytes(tokens []uint32) ([]byte, error) {
	var out []byte
	run := make([]int, 0, len(tokens))
	flush := func() {
		if len(run) > 0 {
			out = append(out, e.bpe.Decode(run)...)
			run = run[:0]
		}
	}
	for _, t := range tokens {
		if t < TokStartOfText {
			run = append(run, int(t))
			continue
		}
		lit, ok := e.specials.dec[t]
		if !ok {
			return nil, fmt.Errorf("%w %d", ErrUnknownToken, t)
		}
		flush()
		out = append(out, lit...)
	}
	flush()
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// StopTokens returns the tokens that end an assistant turn, ascending.
func (e *Encoding) StopTokens() []uint32 {
	return append([]uint32(nil), e.stop...)
}
