package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/euforicio/harmony-bridge/native"
	"go.uber.org/zap"
)

// BackendName is the registry name of the in-process engine.
const BackendName = "inproc"

func init() {
	native.Register(BackendName, func(_ context.Context, opts native.Options) (native.Library, error) {
		return NewLibrary(opts.Vocab), nil
	})
}

// Library is a pure-Go engine behind the native capability surface. Its
// buffers live on a native.Heap, so the binding's ownership rules apply
// exactly as they would for a C engine: every buffer handed out must come
// back through FreeString or FreeTokens.
type Library struct {
	*native.Heap

	load func() (*Encoding, error)

	mu        sync.Mutex
	encodings map[native.Ptr]*Encoding
	streams   map[native.Ptr]*StreamEncoder
}

var _ native.StreamLibrary = (*Library)(nil)

// NewLibrary returns an engine that loads the vocabulary with opts when the
// first encoding is created.
func NewLibrary(opts native.VocabOptions) *Library {
	return &Library{
		Heap:      native.NewHeap(),
		load:      func() (*Encoding, error) { return Load(opts) },
		encodings: make(map[native.Ptr]*Encoding),
		streams:   make(map[native.Ptr]*StreamEncoder),
	}
}

func (l *Library) encoding(p native.Ptr) *Encoding {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encodings[p]
}

func (l *Library) stream(p native.Ptr) *StreamEncoder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams[p]
}

func (l *Library) fail(format string, args ...any) (native.Tokens, native.Result) {
	return native.Tokens{}, native.Result{Message: l.AllocString(fmt.Sprintf(format, args...))}
}

func (l *Library) ok(toks []uint32) (native.Tokens, native.Result) {
	return native.Tokens{Ptr: l.AllocTokens(toks), Len: len(toks)}, native.Result{Success: true}
}

func (l *Library) cstring(p native.Ptr) (*string, error) {
	if p.IsNull() {
		return nil, nil
	}
	b, err := l.ReadString(p)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// EncodingNew loads the vocabulary on first use. NULL when it is unavailable.
func (l *Library) EncodingNew() native.Ptr {
	enc, err := l.load()
	if err != nil {
		native.Logger().Warn("vocabulary unavailable", zap.Error(err))
		return 0
	}
	p := l.AllocObject()
	l.mu.Lock()
	l.encodings[p] = enc
	l.mu.Unlock()
	return p
}

func (l *Library) EncodingFree(enc native.Ptr) {
	l.mu.Lock()
	delete(l.encodings, enc)
	l.mu.Unlock()
	l.Free(enc)
}

func (l *Library) EncodePlain(enc, text native.Ptr) (native.Tokens, native.Result) {
	e := l.encoding(enc)
	if e == nil {
		return l.fail("invalid encoding %#x", uint64(enc))
	}
	if text.IsNull() {
		return l.fail("text is NULL")
	}
	s, err := l.cstring(text)
	if err != nil {
		return l.fail("text: %v", err)
	}
	return l.ok(e.EncodeOrdinary(*s))
}

func (l *Library) RenderPrompt(enc, system, user, prefix native.Ptr) (native.Tokens, native.Result) {
	e := l.encoding(enc)
	if e == nil {
		return l.fail("invalid encoding %#x", uint64(enc))
	}
	sys, err := l.cstring(system)
	if err != nil {
		return l.fail("system message: %v", err)
	}
	if user.IsNull() {
		return l.fail("user message is NULL")
	}
	usr, err := l.cstring(user)
	if err != nil {
		return l.fail("user message: %v", err)
	}
	pre, err := l.cstring(prefix)
	if err != nil {
		return l.fail("assistant prefix: %v", err)
	}
	return l.ok(e.RenderPrompt(sys, *usr, pre))
}

// Decode returns NULL for unknown tokens and for text containing NUL.
func (l *Library) Decode(enc native.Ptr, tokens native.Tokens) native.Ptr {
	e := l.encoding(enc)
	if e == nil {
		return 0
	}
	toks, err := l.ReadTokens(tokens)
	if err != nil {
		return 0
	}
	b, err := e.DecodeBytes(toks)
	if err != nil {
		native.Logger().Debug("decode failed", zap.Error(err))
		return 0
	}
	if bytes.IndexByte(b, 0) >= 0 {
		return 0
	}
	return l.AllocString(string(b))
}

func (l *Library) StopTokens(enc native.Ptr) (native.Tokens, native.Result) {
	e := l.encoding(enc)
	if e == nil {
		return l.fail("invalid encoding %#x", uint64(enc))
	}
	return l.ok(e.StopTokens())
}

func (l *Library) FreeString(s native.Ptr) { l.Free(s) }

func (l *Library) FreeTokens(t native.Tokens) { l.Free(t.Ptr) }

// Close reports resources that were never released.
func (l *Library) Close() error {
	if live := l.Live(); live != 0 {
		return fmt.Errorf("engine: %d allocations still live", live)
	}
	return nil
}

func (l *Library) StreamNew(enc native.Ptr) native.Ptr {
	e := l.encoding(enc)
	if e == nil {
		return 0
	}
	p := l.AllocObject()
	l.mu.Lock()
	l.streams[p] = e.NewStreamEncoder()
	l.mu.Unlock()
	return p
}

func (l *Library) StreamFree(s native.Ptr) {
	l.mu.Lock()
	delete(l.streams, s)
	l.mu.Unlock()
	l.Free(s)
}

func (l *Library) StreamFeed(s, data native.Ptr, n int) (native.Tokens, native.Result) {
	st := l.stream(s)
	if st == nil {
		return l.fail("invalid stream %#x", uint64(s))
	}
	b, err := l.ReadBytes(data, n)
	if err != nil {
		return l.fail("data: %v", err)
	}
	toks, err := st.Feed(b)
	if err != nil {
		return l.fail("%v", err)
	}
	return l.ok(toks)
}

func (l *Library) StreamHasPending(s native.Ptr) bool {
	st := l.stream(s)
	return st != nil && st.HasPending()
}

func (l *Library) StreamFlush(s native.Ptr) (native.Tokens, native.Result) {
	st := l.stream(s)
	if st == nil {
		return l.fail("invalid stream %#x", uint64(s))
	}
	toks, err := st.Flush()
	if err != nil {
		return l.fail("%v", err)
	}
	return l.ok(toks)
}

func (l *Library) StreamReset(s native.Ptr) {
	if st := l.stream(s); st != nil {
		st.Reset()
	}
}
