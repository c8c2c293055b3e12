package harmony

import (
	"github.com/euforicio/harmony-bridge/native"
	"go.uber.org/zap"
)

// Stream incrementally encodes text that arrives in chunks. It borrows its
// parent Encoder and shares its lock; releasing the parent releases the
// stream.
type Stream struct {
	parent *Encoder
	lib    native.StreamLibrary
	ptr    native.Ptr // guarded by parent.mu
}

// NewStream creates a stream bound to e. It reports ErrUnsupported when the
// engine has no streaming surface.
func (e *Encoder) NewStream() (*Stream, error) {
	if !e.Valid() {
		return nil, invalidHandle(opStreamNew)
	}
	sl, ok := e.lib.(native.StreamLibrary)
	if !ok {
		return nil, unsupported(opStreamNew, "engine has no streaming encoder")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ptr.IsNull() {
		return nil, invalidHandle(opStreamNew)
	}
	p := sl.StreamNew(e.ptr)
	if p.IsNull() {
		return nil, engineError(opStreamNew, "engine returned null stream")
	}
	st := &Stream{parent: e, lib: sl, ptr: p}
	if e.streams == nil {
		e.streams = make(map[*Stream]struct{})
	}
	e.streams[st] = struct{}{}
	Logger().Debug("stream created", zap.Uint64("ptr", uint64(p)))
	return st, nil
}

func (st *Stream) with(op string, fn func(s *scope, p native.Ptr) error) error {
	if st == nil || !st.parent.Valid() {
		return invalidHandle(op)
	}
	st.parent.mu.Lock()
	defer st.parent.mu.Unlock()
	if st.ptr.IsNull() || st.parent.ptr.IsNull() {
		return invalidHandle(op)
	}
	s := newScope(st.lib, op)
	defer s.close()
	return fn(s, st.ptr)
}

// Feed appends data and returns the tokens that became final. Data may end
// in the middle of a UTF-8 sequence.
func (st *Stream) Feed(data []byte) ([]uint32, error) {
	var out []uint32
	err := st.with(opStreamFeed, func(s *scope, p native.Ptr) error {
		in, err := s.bytes("data", data)
		if err != nil {
			return err
		}
		out, err = s.tokens(st.lib.StreamFeed(p, in, len(data)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasPending reports whether fed text is waiting for Flush. It is false on
// a released stream.
func (st *Stream) HasPending() bool {
	pending := false
	_ = st.with(opStreamPending, func(_ *scope, p native.Ptr) error {
		pending = st.lib.StreamHasPending(p)
		return nil
	})
	return pending
}

// Flush encodes everything still pending.
func (st *Stream) Flush() ([]uint32, error) {
	var out []uint32
	err := st.with(opStreamFlush, func(s *scope, p native.Ptr) error {
		var err error
		out, err = s.tokens(st.lib.StreamFlush(p))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reset discards pending text.
func (st *Stream) Reset() error {
	return st.with(opStreamReset, func(_ *scope, p native.Ptr) error {
		st.lib.StreamReset(p)
		return nil
	})
}

// Release destroys the engine stream. It is a no-op when already released.
func (st *Stream) Release() {
	if st == nil {
		return
	}
	st.parent.mu.Lock()
	defer st.parent.mu.Unlock()
	st.freeLocked(st.lib)
	delete(st.parent.streams, st)
}

func (st *Stream) freeLocked(sl native.StreamLibrary) {
	if st.ptr.IsNull() {
		return
	}
	p := st.ptr
	st.ptr = 0
	sl.StreamFree(p)
	Logger().Debug("stream released", zap.Uint64("ptr", uint64(p)))
}
