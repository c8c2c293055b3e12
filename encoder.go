package harmony

import (
	"sync"
	"sync/atomic"

	"github.com/euforicio/harmony-bridge/native"
	"go.uber.org/zap"
)

// Encoder is a live engine encoding resource. The only way to obtain one is
// Create; the zero value and nil are invalid encoders.
//
// Operations on one Encoder are serialized. Distinct Encoders share nothing
// in this package.
type Encoder struct {
	lib      native.Library
	released atomic.Bool

	mu      sync.Mutex
	ptr     native.Ptr // NULL once released
	streams map[*Stream]struct{}
}

// Create constructs an engine encoding resource. It never fails: when the
// engine returns NULL the Encoder is invalid and every operation reports
// ErrInvalidHandle.
func Create(lib native.Library) *Encoder {
	ptr := lib.EncodingNew()
	e := &Encoder{lib: lib, ptr: ptr}
	if ptr.IsNull() {
		e.released.Store(true)
		Logger().Warn("engine returned null encoding")
		return e
	}
	Logger().Debug("encoding created", zap.Uint64("ptr", uint64(ptr)))
	return e
}

// Valid reports whether the encoder is live.
func (e *Encoder) Valid() bool {
	return e != nil && e.lib != nil && !e.released.Load()
}

// Release destroys the engine resource. It is a no-op on nil, invalid and
// already released encoders. Live streams are released first.
func (e *Encoder) Release() {
	if e == nil || e.lib == nil || !e.released.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ptr.IsNull() {
		return
	}
	if sl, ok := e.lib.(native.StreamLibrary); ok {
		for st := range e.streams {
			st.freeLocked(sl)
		}
	}
	e.streams = nil
	ptr := e.ptr
	e.ptr = 0
	e.lib.EncodingFree(ptr)
	Logger().Debug("encoding released", zap.Uint64("ptr", uint64(ptr)))
}

// with runs fn holding the encoder lock, inside a scope that frees every
// engine buffer when fn returns.
func (e *Encoder) with(op string, fn func(s *scope, enc native.Ptr) error) error {
	if !e.Valid() {
		return invalidHandle(op)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ptr.IsNull() {
		return invalidHandle(op)
	}
	s := newScope(e.lib, op)
	defer s.close()
	return fn(s, e.ptr)
}

// EncodePlain tokenizes text without interpreting special tokens.
func (e *Encoder) EncodePlain(text string) ([]uint32, error) {
	var out []uint32
	err := e.with(opEncodePlain, func(s *scope, enc native.Ptr) error {
		p, err := s.cstring("text", text)
		if err != nil {
			return err
		}
		out, err = s.tokens(e.lib.EncodePlain(enc, p))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RenderPrompt renders an optional system message, a user message and an
// optional assistant prefix into prompt tokens. Absent and Present("") are
// distinct requests.
func (e *Encoder) RenderPrompt(system Optional, user string, assistantPrefix Optional) ([]uint32, error) {
	var out []uint32
	err := e.with(opRenderPrompt, func(s *scope, enc native.Ptr) error {
		sys, err := s.optional("system message", system)
		if err != nil {
			return err
		}
		usr, err := s.cstring("user message", user)
		if err != nil {
			return err
		}
		prefix, err := s.optional("assistant prefix", assistantPrefix)
		if err != nil {
			return err
		}
		out, err = s.tokens(e.lib.RenderPrompt(enc, sys, usr, prefix))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Decode turns tokens back into text.
func (e *Encoder) Decode(tokens []uint32) (string, error) {
	var out string
	err := e.with(opDecode, func(s *scope, enc native.Ptr) error {
		in, err := s.putTokens(tokens)
		if err != nil {
			return err
		}
		out, err = s.text(e.lib.Decode(enc, in))
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// StopTokens returns the tokens that end an assistant turn.
func (e *Encoder) StopTokens() ([]uint32, error) {
	var out []uint32
	err := e.with(opStopTokens, func(s *scope, enc native.Ptr) error {
		var err error
		out, err = s.tokens(e.lib.StopTokens(enc))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
