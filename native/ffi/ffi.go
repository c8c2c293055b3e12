//go:build cgo && harmony_ffi

package ffi

/*
#cgo LDFLAGS: -lopenai_harmony
#include <stdlib.h>
#include "harmony_ffi.h"
*/
import "C"

import (
	"context"
	"errors"
	"unsafe"

	"github.com/euforicio/harmony-bridge/native"
)

// BackendName is the registry name of the cgo binding.
const BackendName = "ffi"

func init() {
	native.Register(BackendName, Open)
}

// Library calls straight into the linked engine. Engine memory is the C
// heap, so Ptr values are C addresses.
type Library struct{}

var _ native.StreamLibrary = Library{}

// Open returns the linked engine. Options are ignored: the engine carries
// its own vocabulary.
func Open(context.Context, native.Options) (native.Library, error) {
	return Library{}, nil
}

func addr(p native.Ptr) unsafe.Pointer { return unsafe.Pointer(uintptr(p)) }

func encoding(p native.Ptr) *C.HarmonyEncodingWrapper { return (*C.HarmonyEncodingWrapper)(addr(p)) }

func parser(p native.Ptr) *C.StreamableParserWrapper { return (*C.StreamableParserWrapper)(addr(p)) }

func ptrOf[T any](p *T) native.Ptr { return native.Ptr(uintptr(unsafe.Pointer(p))) }

func tokens(out *C.uint32_t, n C.size_t) native.Tokens {
	return native.Tokens{Ptr: ptrOf(out), Len: int(n)}
}

func result(r C.HarmonyResult) native.Result {
	return native.Result{Success: bool(r.success), Message: ptrOf(r.error_message)}
}

// PutBytes implements native.Memory.
func (Library) PutBytes(b []byte) (native.Ptr, error) {
	p := C.malloc(C.size_t(max(len(b), 1)))
	if p == nil {
		return 0, errors.New("ffi: malloc failed")
	}
	copy(unsafe.Slice((*byte)(p), len(b)), b)
	return native.Ptr(uintptr(p)), nil
}

// PutTokens implements native.Memory.
func (Library) PutTokens(toks []uint32) (native.Tokens, error) {
	p := C.malloc(C.size_t(4 * max(len(toks), 1)))
	if p == nil {
		return native.Tokens{}, errors.New("ffi: malloc failed")
	}
	copy(unsafe.Slice((*uint32)(p), len(toks)), toks)
	return native.Tokens{Ptr: native.Ptr(uintptr(p)), Len: len(toks)}, nil
}

// FreeInput implements native.Memory.
func (Library) FreeInput(p native.Ptr) {
	if !p.IsNull() {
		C.free(addr(p))
	}
}

// ReadTokens implements native.Memory.
func (Library) ReadTokens(t native.Tokens) ([]uint32, error) {
	if t.Len < 0 {
		return nil, errors.New("ffi: negative token count")
	}
	out := make([]uint32, t.Len)
	if t.Len > 0 {
		copy(out, unsafe.Slice((*uint32)(addr(t.Ptr)), t.Len))
	}
	return out, nil
}

// ReadString implements native.Memory.
func (Library) ReadString(p native.Ptr) ([]byte, error) {
	if p.IsNull() {
		return nil, errors.New("ffi: null string")
	}
	return []byte(C.GoString((*C.char)(addr(p)))), nil
}

func (Library) EncodingNew() native.Ptr { return ptrOf(C.harmony_encoding_new()) }

func (Library) EncodingFree(enc native.Ptr) { C.harmony_encoding_free(encoding(enc)) }

func (Library) EncodePlain(enc, text native.Ptr) (native.Tokens, native.Result) {
	var out *C.uint32_t
	var n C.size_t
	r := C.harmony_encoding_encode_plain(encoding(enc), (*C.char)(addr(text)), &out, &n)
	return tokens(out, n), result(r)
}

func (Library) RenderPrompt(enc, system, user, prefix native.Ptr) (native.Tokens, native.Result) {
	var out *C.uint32_t
	var n C.size_t
	r := C.harmony_encoding_render_prompt(encoding(enc),
		(*C.char)(addr(system)), (*C.char)(addr(user)), (*C.char)(addr(prefix)), &out, &n)
	return tokens(out, n), result(r)
}

func (Library) Decode(enc native.Ptr, t native.Tokens) native.Ptr {
	return ptrOf(C.harmony_encoding_decode(encoding(enc), (*C.uint32_t)(addr(t.Ptr)), C.size_t(t.Len)))
}

func (Library) StopTokens(enc native.Ptr) (native.Tokens, native.Result) {
	var out *C.uint32_t
	var n C.size_t
	r := C.harmony_encoding_stop_tokens(encoding(enc), &out, &n)
	return tokens(out, n), result(r)
}

func (Library) FreeString(s native.Ptr) { C.harmony_free_string((*C.char)(addr(s))) }

func (Library) FreeTokens(t native.Tokens) {
	C.harmony_free_tokens((*C.uint32_t)(addr(t.Ptr)), C.size_t(t.Len))
}

func (Library) Close() error { return nil }

func (Library) StreamNew(enc native.Ptr) native.Ptr {
	return ptrOf(C.harmony_streamable_parser_new(encoding(enc)))
}

func (Library) StreamFree(s native.Ptr) { C.harmony_streamable_parser_free(parser(s)) }

func (Library) StreamFeed(s, data native.Ptr, n int) (native.Tokens, native.Result) {
	var out *C.uint32_t
	var cnt C.size_t
	r := C.harmony_streamable_parser_feed(parser(s), (*C.uint8_t)(addr(data)), C.size_t(n), &out, &cnt)
	return tokens(out, cnt), result(r)
}

func (Library) StreamHasPending(s native.Ptr) bool {
	return bool(C.harmony_streamable_parser_has_pending(parser(s)))
}

func (Library) StreamFlush(s native.Ptr) (native.Tokens, native.Result) {
	var out *C.uint32_t
	var n C.size_t
	r := C.harmony_streamable_parser_flush(parser(s), &out, &n)
	return tokens(out, n), result(r)
}

func (Library) StreamReset(s native.Ptr) { C.harmony_streamable_parser_reset(parser(s)) }
