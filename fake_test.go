package harmony

import (
	"errors"
	"fmt"
	"sync"

	"github.com/euforicio/harmony-bridge/native"
)

// Token layout produced by fakeLib.RenderPrompt.
const (
	fakeSystemMark uint32 = 1000
	fakeUserMark   uint32 = 1001
	fakePrefixMark uint32 = 1002
)

var fakeStop = []uint32{200002, 200007, 200012}

// renderCall records the arguments of one RenderPrompt call. A nil pointer
// means the engine received NULL.
type renderCall struct {
	System *string
	User   string
	Prefix *string
}

// fakeLib is an instrumented engine on a native.Heap. Each byte of text is
// one token; tokens below 256 decode to that byte.
type fakeLib struct {
	*native.Heap

	mu      sync.Mutex
	calls   []string
	renders []renderCall
	pending map[native.Ptr][]byte

	newNull     bool   // EncodingNew returns NULL
	fail        string // operation that reports failure
	failMessage bool   // attach a message to failures
	shortRead   string // operation that reports more tokens than allocated
	decodeRaw   []byte // Decode returns these bytes verbatim
	decodeNull  bool
	failPut     bool
}

func newFakeLib() *fakeLib {
	return &fakeLib{Heap: native.NewHeap(), pending: make(map[native.Ptr][]byte), failMessage: true}
}

func (f *fakeLib) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeLib) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeLib) count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeLib) Renders() []renderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]renderCall(nil), f.renders...)
}

func (f *fakeLib) mustLive(enc native.Ptr) {
	if !f.IsObject(enc) {
		panic(fmt.Sprintf("fake engine: use of dead resource %#x", uint64(enc)))
	}
}

func (f *fakeLib) result(op string, toks []uint32) (native.Tokens, native.Result) {
	if f.fail == op {
		var msg native.Ptr
		if f.failMessage {
			msg = f.AllocString(op + " failed")
		}
		return native.Tokens{}, native.Result{Message: msg}
	}
	p := f.AllocTokens(toks)
	n := len(toks)
	if f.shortRead == op {
		n += 4
	}
	return native.Tokens{Ptr: p, Len: n}, native.Result{Success: true}
}

func (f *fakeLib) PutBytes(b []byte) (native.Ptr, error) {
	if f.failPut {
		return 0, errors.New("out of engine memory")
	}
	return f.Heap.PutBytes(b)
}

func (f *fakeLib) EncodingNew() native.Ptr {
	f.record("encoding_new")
	if f.newNull {
		return 0
	}
	return f.AllocObject()
}

func (f *fakeLib) EncodingFree(enc native.Ptr) {
	f.record("encoding_free")
	f.Free(enc)
}

func (f *fakeLib) EncodePlain(enc, text native.Ptr) (native.Tokens, native.Result) {
	f.record("encode_plain")
	f.mustLive(enc)
	s, err := f.ReadString(text)
	if err != nil {
		panic(err)
	}
	return f.result("encode_plain", bytesToTokens(s))
}

func (f *fakeLib) optString(p native.Ptr) *string {
	if p.IsNull() {
		return nil
	}
	b, err := f.ReadString(p)
	if err != nil {
		panic(err)
	}
	s := string(b)
	return &s
}

func (f *fakeLib) RenderPrompt(enc, system, user, prefix native.Ptr) (native.Tokens, native.Result) {
	f.record("render_prompt")
	f.mustLive(enc)
	call := renderCall{System: f.optString(system), Prefix: f.optString(prefix)}
	if u := f.optString(user); u != nil {
		call.User = *u
	} else {
		panic("fake engine: NULL user message")
	}
	f.mu.Lock()
	f.renders = append(f.renders, call)
	f.mu.Unlock()

	var toks []uint32
	if call.System != nil {
		toks = append(toks, fakeSystemMark)
		toks = append(toks, bytesToTokens([]byte(*call.System))...)
	}
	toks = append(toks, fakeUserMark)
	toks = append(toks, bytesToTokens([]byte(call.User))...)
	if call.Prefix != nil {
		toks = append(toks, fakePrefixMark)
		toks = append(toks, bytesToTokens([]byte(*call.Prefix))...)
	}
	return f.result("render_prompt", toks)
}

func (f *fakeLib) Decode(enc native.Ptr, tokens native.Tokens) native.Ptr {
	f.record("decode")
	f.mustLive(enc)
	toks, err := f.ReadTokens(tokens)
	if err != nil {
		panic(err)
	}
	if f.decodeNull {
		return 0
	}
	if f.decodeRaw != nil {
		return f.AllocBytes(append(append([]byte(nil), f.decodeRaw...), 0))
	}
	var out []byte
	for _, t := range toks {
		if t < 256 {
			out = append(out, byte(t))
			continue
		}
		out = fmt.Appendf(out, "<|%d|>", t)
	}
	return f.AllocString(string(out))
}

func (f *fakeLib) StopTokens(enc native.Ptr) (native.Tokens, native.Result) {
	f.record("stop_tokens")
	f.mustLive(enc)
	return f.result("stop_tokens", fakeStop)
}

func (f *fakeLib) FreeString(s native.Ptr) {
	f.record("free_string")
	f.Free(s)
}

func (f *fakeLib) FreeTokens(t native.Tokens) {
	f.record("free_tokens")
	f.Free(t.Ptr)
}

func (f *fakeLib) Close() error { return nil }

func (f *fakeLib) StreamNew(enc native.Ptr) native.Ptr {
	f.record("stream_new")
	f.mustLive(enc)
	p := f.AllocObject()
	f.mu.Lock()
	f.pending[p] = nil
	f.mu.Unlock()
	return p
}

func (f *fakeLib) StreamFree(s native.Ptr) {
	f.record("stream_free")
	f.mu.Lock()
	delete(f.pending, s)
	f.mu.Unlock()
	f.Free(s)
}

// StreamFeed emits everything through the last newline.
func (f *fakeLib) StreamFeed(s, data native.Ptr, n int) (native.Tokens, native.Result) {
	f.record("stream_feed")
	f.mustLive(s)
	b, err := f.ReadBytes(data, n)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	buf := append(f.pending[s], b...)
	var ready []byte
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] == '\n' {
			ready, buf = buf[:i+1], append([]byte(nil), buf[i+1:]...)
			break
		}
	}
	f.pending[s] = buf
	f.mu.Unlock()
	return f.result("stream_feed", bytesToTokens(ready))
}

func (f *fakeLib) StreamHasPending(s native.Ptr) bool {
	f.record("stream_has_pending")
	f.mustLive(s)
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[s]) > 0
}

func (f *fakeLib) StreamFlush(s native.Ptr) (native.Tokens, native.Result) {
	f.record("stream_flush")
	f.mustLive(s)
	f.mu.Lock()
	buf := f.pending[s]
	f.pending[s] = nil
	f.mu.Unlock()
	return f.result("stream_flush", bytesToTokens(buf))
}

func (f *fakeLib) StreamReset(s native.Ptr) {
	f.record("stream_reset")
	f.mustLive(s)
	f.mu.Lock()
	f.pending[s] = nil
	f.mu.Unlock()
}

// plainLib hides the streaming surface of the wrapped engine.
type plainLib struct{ native.Library }

func bytesToTokens(b []byte) []uint32 {
	out := make([]uint32, len(b))
	for i, c := range b {
		out[i] = uint32(c)
	}
	return out
}
