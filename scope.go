package harmony

import (
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/euforicio/harmony-bridge/native"
	"go.uber.org/zap"
)

type ownedKind uint8

const (
	ownedInput ownedKind = iota + 1
	ownedString
	ownedTokens
)

type owned struct {
	kind   ownedKind
	ptr    native.Ptr
	tokens native.Tokens
}

// scope tracks every buffer acquired during one engine call: inputs the
// binding placed in engine memory and outputs the engine handed back. close
// frees them all with the matching engine routine. A scope is invalid after
// close.
type scope struct {
	lib   native.Library
	op    string
	owned []owned
}

var scopePool = sync.Pool{
	New: func() any {
		return &scope{owned: make([]owned, 0, 8)}
	},
}

const maxPooledScopeCapacity = 64

func newScope(lib native.Library, op string) *scope {
	s := scopePool.Get().(*scope)
	s.lib = lib
	s.op = op
	return s
}

func (s *scope) close() {
	// Reverse order of acquisition.
	for i := len(s.owned) - 1; i >= 0; i-- {
		o := s.owned[i]
		switch o.kind {
		case ownedInput:
			s.lib.FreeInput(o.ptr)
		case ownedString:
			s.lib.FreeString(o.ptr)
		case ownedTokens:
			s.lib.FreeTokens(o.tokens)
		}
	}
	s.lib = nil
	if cap(s.owned) > maxPooledScopeCapacity {
		return
	}
	s.owned = s.owned[:0]
	scopePool.Put(s)
}

func (s *scope) track(o owned) { s.owned = append(s.owned, o) }

// cstring copies text into engine memory as a NUL-terminated string.
func (s *scope) cstring(arg, text string) (native.Ptr, error) {
	if i := strings.IndexByte(text, 0); i >= 0 {
		return 0, conversionError(s.op, arg+" contains NUL at byte "+strconv.Itoa(i), nil)
	}
	if !utf8.ValidString(text) {
		return 0, conversionError(s.op, arg+" is not valid UTF-8", nil)
	}
	buf := make([]byte, len(text)+1)
	copy(buf, text)
	p, err := s.lib.PutBytes(buf)
	if err != nil {
		return 0, allocationError(s.op, "copy "+arg+" into engine memory", err)
	}
	s.track(owned{kind: ownedInput, ptr: p})
	return p, nil
}

// optional lowers an Optional to the engine's convention: NULL when absent,
// a valid C string (possibly empty) when present.
func (s *scope) optional(arg string, o Optional) (native.Ptr, error) {
	text, ok := o.Get()
	if !ok {
		return 0, nil
	}
	return s.cstring(arg, text)
}

// bytes copies raw data into engine memory without a terminator.
func (s *scope) bytes(arg string, data []byte) (native.Ptr, error) {
	p, err := s.lib.PutBytes(data)
	if err != nil {
		return 0, allocationError(s.op, "copy "+arg+" into engine memory", err)
	}
	s.track(owned{kind: ownedInput, ptr: p})
	return p, nil
}

func (s *scope) putTokens(toks []uint32) (native.Tokens, error) {
	t, err := s.lib.PutTokens(toks)
	if err != nil {
		return native.Tokens{}, allocationError(s.op, "copy tokens into engine memory", err)
	}
	s.track(owned{kind: ownedInput, ptr: t.Ptr})
	return t, nil
}

// tokens takes ownership of an engine token result and copies the payload
// into a Go slice. Every buffer in the result is freed by close whatever the
// outcome.
func (s *scope) tokens(out native.Tokens, res native.Result) ([]uint32, error) {
	if !out.Ptr.IsNull() {
		s.track(owned{kind: ownedTokens, tokens: out})
	}
	if !res.Message.IsNull() {
		s.track(owned{kind: ownedString, ptr: res.Message})
	}
	if !res.Success {
		msg := s.message(res.Message)
		Logger().Warn("engine reported failure", zap.String("op", s.op), zap.String("message", msg))
		return nil, engineError(s.op, msg)
	}
	if out.Len < 0 {
		return nil, engineError(s.op, "negative token count "+strconv.Itoa(out.Len))
	}
	if out.Ptr.IsNull() {
		if out.Len != 0 {
			return nil, engineError(s.op, "null token buffer with count "+strconv.Itoa(out.Len))
		}
		return []uint32{}, nil
	}
	toks, err := s.lib.ReadTokens(out)
	if err != nil {
		return nil, allocationError(s.op, "copy engine tokens", err)
	}
	return toks, nil
}

// text takes ownership of an engine-produced C string and copies it into a
// Go string.
func (s *scope) text(p native.Ptr) (string, error) {
	if p.IsNull() {
		return "", engineError(s.op, "engine returned null")
	}
	s.track(owned{kind: ownedString, ptr: p})
	b, err := s.lib.ReadString(p)
	if err != nil {
		return "", allocationError(s.op, "copy engine string", err)
	}
	if !utf8.Valid(b) {
		return "", conversionError(s.op, "engine output is not valid UTF-8", nil)
	}
	return string(b), nil
}

// message reads an engine error message. The buffer is already tracked.
func (s *scope) message(p native.Ptr) string {
	if p.IsNull() {
		return "engine reported failure without a message"
	}
	b, err := s.lib.ReadString(p)
	if err != nil {
		return "unreadable engine message: " + err.Error()
	}
	return strings.ToValidUTF8(string(b), "�")
}
