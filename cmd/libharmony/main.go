// Command libharmony builds the binding as a C shared library:
//
//	go build -buildmode=c-shared -o libharmony_bridge.so ./cmd/libharmony
//
// Handles are opaque non-zero integers; 0 means creation failed. Every other
// call returns a status code and, on failure, stores a message in *err_out
// (when err_out is not NULL) that the caller frees with
// harmony_bridge_free_string. A NULL output pointer, or a NULL token array
// with a nonzero length, is reported as a conversion failure. Token arrays from
// tokens_out are freed with harmony_bridge_free_tokens; an empty result is
// NULL with length 0.
//
// The engine is chosen by HARMONY_CONFIG and the HARMONY_* environment.
package main

/*
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	harmony "github.com/euforicio/harmony-bridge"
)

func main() {}

func goString(s *C.char) *string {
	if s == nil {
		return nil
	}
	v := C.GoString(s)
	return &v
}

// cString copies s into C memory; nil gives NULL.
func cString(s *string) *C.char {
	if s == nil {
		return nil
	}
	return C.CString(*s)
}

// cTokens copies toks into C memory. An empty array is NULL with length 0.
func cTokens(toks []uint32) (*C.uint32_t, C.size_t) {
	if len(toks) == 0 {
		return nil, 0
	}
	p := C.malloc(C.size_t(4 * len(toks)))
	copy(unsafe.Slice((*uint32)(p), len(toks)), toks)
	return (*C.uint32_t)(p), C.size_t(len(toks))
}

// goTokens views a C token array. It reports false for NULL with a
// nonzero length.
func goTokens(p *C.uint32_t, n C.size_t) ([]uint32, bool) {
	switch {
	case n == 0:
		return nil, true
	case p == nil:
		return nil, false
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(p)), int(n)), true
}

func result(err error, errOut **C.char) C.int {
	if err != nil && errOut != nil {
		msg := err.Error()
		*errOut = cString(&msg)
	}
	return C.int(status(err))
}

func tokensOutArgs(out **C.uint32_t, outLen *C.size_t) []ptrArg {
	return []ptrArg{{"tokens_out", out == nil}, {"tokens_len", outLen == nil}}
}

func putTokens(toks []uint32, out **C.uint32_t, outLen *C.size_t) {
	*out, *outLen = cTokens(toks)
}

//export harmony_bridge_create
func harmony_bridge_create() C.uint64_t {
	return C.uint64_t(lib.create())
}

//export harmony_bridge_release
func harmony_bridge_release(h C.uint64_t) {
	lib.release(harmony.Handle(h))
}

//export harmony_bridge_encode_plain
func harmony_bridge_encode_plain(h C.uint64_t, text *C.char, tokensOut **C.uint32_t, tokensLen *C.size_t, errOut **C.char) C.int {
	toks, err := lib.encodePlain(harmony.Handle(h), goString(text), tokensOutArgs(tokensOut, tokensLen)...)
	if err == nil {
		putTokens(toks, tokensOut, tokensLen)
	}
	return result(err, errOut)
}

// system and prefix may be NULL; NULL and "" are different requests.
//
//export harmony_bridge_render_prompt
func harmony_bridge_render_prompt(h C.uint64_t, system, user, prefix *C.char, tokensOut **C.uint32_t, tokensLen *C.size_t, errOut **C.char) C.int {
	toks, err := lib.renderPrompt(harmony.Handle(h), goString(system), goString(user), goString(prefix), tokensOutArgs(tokensOut, tokensLen)...)
	if err == nil {
		putTokens(toks, tokensOut, tokensLen)
	}
	return result(err, errOut)
}

//export harmony_bridge_decode
func harmony_bridge_decode(h C.uint64_t, tokens *C.uint32_t, n C.size_t, textOut **C.char, errOut **C.char) C.int {
	in, ok := goTokens(tokens, n)
	text, err := lib.decode(harmony.Handle(h), in, ptrArg{"tokens", !ok}, ptrArg{"text_out", textOut == nil})
	if err == nil {
		*textOut = cString(&text)
	}
	return result(err, errOut)
}

//export harmony_bridge_stop_tokens
func harmony_bridge_stop_tokens(h C.uint64_t, tokensOut **C.uint32_t, tokensLen *C.size_t, errOut **C.char) C.int {
	toks, err := lib.stopTokens(harmony.Handle(h), tokensOutArgs(tokensOut, tokensLen)...)
	if err == nil {
		putTokens(toks, tokensOut, tokensLen)
	}
	return result(err, errOut)
}

//export harmony_bridge_free_tokens
func harmony_bridge_free_tokens(tokens *C.uint32_t, _ C.size_t) {
	C.free(unsafe.Pointer(tokens))
}

//export harmony_bridge_free_string
func harmony_bridge_free_string(s *C.char) {
	C.free(unsafe.Pointer(s))
}
