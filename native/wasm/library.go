// Package wasm hosts a Harmony engine compiled to WebAssembly (wasm32,
// C ABI of harmony_ffi.h) with wazero.
//
// On wasm32 size_t and pointers are i32, and HarmonyResult is returned
// through a hidden pointer passed as the first argument. The guest must
// export malloc, free and its linear memory.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/euforicio/harmony-bridge/native"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// BackendName is the registry name of the WebAssembly host.
const BackendName = "wasm"

func init() {
	native.Register(BackendName, Open)
}

// Guest exports.
const (
	exportMalloc       = "malloc"
	exportFree         = "free"
	exportEncodingNew  = "harmony_encoding_new"
	exportEncodingFree = "harmony_encoding_free"
	exportEncodePlain  = "harmony_encoding_encode_plain"
	exportRenderPrompt = "harmony_encoding_render_prompt"
	exportDecode       = "harmony_encoding_decode"
	exportStopTokens   = "harmony_encoding_stop_tokens"
	exportFreeString   = "harmony_free_string"
	exportFreeTokens   = "harmony_free_tokens"

	exportStreamNew        = "harmony_streamable_parser_new"
	exportStreamFree       = "harmony_streamable_parser_free"
	exportStreamFeed       = "harmony_streamable_parser_feed"
	exportStreamHasPending = "harmony_streamable_parser_has_pending"
	exportStreamFlush      = "harmony_streamable_parser_flush"
	exportStreamReset      = "harmony_streamable_parser_reset"
)

// scratch layout: HarmonyResult{bool; char*} then uint32_t* and size_t out
// parameters.
const (
	scratchSize      = 16
	scratchMessage   = 4
	scratchTokens    = 8
	scratchTokensLen = 12
)

// Library is a loaded guest module. A wazero module instance is not
// reentrant, so every guest call is serialized.
type Library struct {
	mu      sync.Mutex
	ctx     context.Context
	runtime wazero.Runtime
	mod     api.Module
	mem     api.Memory
	scratch uint32

	malloc, free              api.Function
	encodingNew, encodingFree api.Function
	encodePlain, renderPrompt api.Function
	decode, stopTokens        api.Function
	freeString, freeTokens    api.Function
}

type streamLibrary struct {
	*Library

	streamNew, streamFree, streamFeed    api.Function
	streamHasPending, streamFlush, reset api.Function
}

var (
	_ native.Library       = (*Library)(nil)
	_ native.StreamLibrary = (*streamLibrary)(nil)
)

// Open reads opts.Wasm.Module and loads it.
func Open(ctx context.Context, opts native.Options) (native.Library, error) {
	if opts.Wasm.Module == "" {
		return nil, errors.New("wasm: no module configured")
	}
	b, err := os.ReadFile(opts.Wasm.Module)
	if err != nil {
		return nil, fmt.Errorf("wasm: read module: %w", err)
	}
	return Load(ctx, b)
}

type export struct {
	name            string
	params, results int
	dst             *api.Function
}

// Load compiles and instantiates an engine module. The result implements
// native.StreamLibrary when the guest exports the streamable parser.
func Load(ctx context.Context, wasmBytes []byte) (native.Library, error) {
	runtime := wazero.NewRuntime(ctx)
	lib, err := load(ctx, runtime, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}
	return lib, nil
}

func load(ctx context.Context, runtime wazero.Runtime, wasmBytes []byte) (native.Library, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("wasm: instantiate wasi: %w", err)
	}
	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("wasm: compile failed: %w", err)
	}
	cfg := wazero.NewModuleConfig().WithName("harmony").WithStartFunctions("_initialize")
	mod, err := runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("wasm: instantiate failed: %w", err)
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, errors.New("wasm: module exports no memory")
	}

	l := &Library{ctx: context.WithoutCancel(ctx), runtime: runtime, mod: mod, mem: mem}
	required := []export{
		{exportMalloc, 1, 1, &l.malloc},
		{exportFree, 1, 0, &l.free},
		{exportEncodingNew, 0, 1, &l.encodingNew},
		{exportEncodingFree, 1, 0, &l.encodingFree},
		{exportEncodePlain, 5, 0, &l.encodePlain},
		{exportRenderPrompt, 7, 0, &l.renderPrompt},
		{exportDecode, 3, 1, &l.decode},
		{exportStopTokens, 4, 0, &l.stopTokens},
		{exportFreeString, 1, 0, &l.freeString},
		{exportFreeTokens, 2, 0, &l.freeTokens},
	}
	if err := bind(mod, required); err != nil {
		return nil, err
	}
	scratch, ok := l.call(l.malloc, scratchSize)
	if !ok || scratch == 0 {
		return nil, errors.New("wasm: cannot allocate call scratch")
	}
	l.scratch = uint32(scratch)

	sl := &streamLibrary{Library: l}
	streaming := []export{
		{exportStreamNew, 1, 1, &sl.streamNew},
		{exportStreamFree, 1, 0, &sl.streamFree},
		{exportStreamFeed, 6, 0, &sl.streamFeed},
		{exportStreamHasPending, 1, 1, &sl.streamHasPending},
		{exportStreamFlush, 4, 0, &sl.streamFlush},
		{exportStreamReset, 1, 0, &sl.reset},
	}
	if err := bind(mod, streaming); err != nil {
		native.Logger().Debug("wasm engine without streaming surface", zap.Error(err))
		return l, nil
	}
	return sl, nil
}

func bind(mod api.Module, exports []export) error {
	for _, e := range exports {
		fn := mod.ExportedFunction(e.name)
		if fn == nil {
			return fmt.Errorf("wasm: function %q not found", e.name)
		}
		def := fn.Definition()
		if len(def.ParamTypes()) != e.params || len(def.ResultTypes()) != e.results {
			return fmt.Errorf("wasm: %s has %d params and %d results, want %d and %d",
				e.name, len(def.ParamTypes()), len(def.ResultTypes()), e.params, e.results)
		}
		*e.dst = fn
	}
	return nil
}

// call runs a guest function. A trap is logged and reported as !ok.
func (l *Library) call(fn api.Function, args ...uint64) (uint64, bool) {
	res, err := fn.Call(l.ctx, args...)
	if err != nil {
		native.Logger().Error("wasm guest trapped", zap.String("func", fn.Definition().Name()), zap.Error(err))
		return 0, false
	}
	if len(res) == 0 {
		return 0, true
	}
	return uint64(uint32(res[0])), true
}

// callResult runs a function returning HarmonyResult with tokens out
// parameters: fn(sret, args..., uint32_t** tokens_out, size_t* tokens_len).
func (l *Library) callResult(fn api.Function, args ...uint64) (native.Tokens, native.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.scratch
	if !l.mem.Write(s, make([]byte, scratchSize)) {
		return native.Tokens{}, native.Result{}
	}
	params := make([]uint64, 0, len(args)+3)
	params = append(params, uint64(s))
	params = append(params, args...)
	params = append(params, uint64(s+scratchTokens), uint64(s+scratchTokensLen))
	if _, ok := l.call(fn, params...); !ok {
		return native.Tokens{}, native.Result{}
	}
	success, _ := l.mem.ReadByte(s)
	msg, _ := l.mem.ReadUint32Le(s + scratchMessage)
	toks, _ := l.mem.ReadUint32Le(s + scratchTokens)
	n, _ := l.mem.ReadUint32Le(s + scratchTokensLen)
	return native.Tokens{Ptr: native.Ptr(toks), Len: int(n)}, native.Result{Success: success != 0, Message: native.Ptr(msg)}
}

func (l *Library) locked(fn api.Function, args ...uint64) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.call(fn, args...)
}

func addr(p native.Ptr) uint64 {
	if p > math.MaxUint32 {
		return 0
	}
	return uint64(p)
}

func (l *Library) alloc(n int) (uint32, error) {
	if n <= 0 || n > math.MaxUint32 {
		return 0, fmt.Errorf("wasm: bad allocation size %d", n)
	}
	p, ok := l.call(l.malloc, uint64(n))
	if !ok || p == 0 {
		return 0, fmt.Errorf("wasm: malloc(%d) failed", n)
	}
	return uint32(p), nil
}

// PutBytes implements native.Memory.
func (l *Library) PutBytes(b []byte) (native.Ptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.alloc(max(len(b), 1))
	if err != nil {
		return 0, err
	}
	if !l.mem.Write(p, b) {
		l.call(l.free, uint64(p))
		return 0, fmt.Errorf("wasm: memory write out of bounds: offset=%d, length=%d", p, len(b))
	}
	return native.Ptr(p), nil
}

// PutTokens implements native.Memory.
func (l *Library) PutTokens(toks []uint32) (native.Tokens, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.alloc(4 * max(len(toks), 1))
	if err != nil {
		return native.Tokens{}, err
	}
	for i, t := range toks {
		if !l.mem.WriteUint32Le(p+uint32(4*i), t) {
			l.call(l.free, uint64(p))
			return native.Tokens{}, fmt.Errorf("wasm: memory write out of bounds: offset=%d", p+uint32(4*i))
		}
	}
	return native.Tokens{Ptr: native.Ptr(p), Len: len(toks)}, nil
}

// FreeInput implements native.Memory.
func (l *Library) FreeInput(p native.Ptr) {
	if p.IsNull() {
		return
	}
	l.locked(l.free, addr(p))
}

// ReadTokens implements native.Memory.
func (l *Library) ReadTokens(t native.Tokens) ([]uint32, error) {
	if t.Len < 0 || t.Len > math.MaxUint32/4 {
		return nil, fmt.Errorf("wasm: bad token count %d", t.Len)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.mem.Read(uint32(addr(t.Ptr)), uint32(4*t.Len))
	if !ok || t.Ptr > math.MaxUint32 {
		return nil, fmt.Errorf("wasm: memory read out of bounds: offset=%d, length=%d", uint64(t.Ptr), 4*t.Len)
	}
	out := make([]uint32, t.Len)
	for i := range out {
		out[i] = uint32(buf[4*i]) | uint32(buf[4*i+1])<<8 | uint32(buf[4*i+2])<<16 | uint32(buf[4*i+3])<<24
	}
	return out, nil
}

// ReadString implements native.Memory.
func (l *Library) ReadString(p native.Ptr) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	size := uint64(l.mem.Size())
	if p.IsNull() || uint64(p) >= size {
		return nil, fmt.Errorf("wasm: string address %#x outside memory", uint64(p))
	}
	window, ok := l.mem.Read(uint32(p), uint32(size-uint64(p)))
	if !ok {
		return nil, fmt.Errorf("wasm: memory read out of bounds: offset=%d", uint64(p))
	}
	for i, c := range window {
		if c == 0 {
			return append(make([]byte, 0, i), window[:i]...), nil
		}
	}
	return nil, fmt.Errorf("wasm: string at %#x is not NUL-terminated", uint64(p))
}

// EncodingNew implements native.Library.
func (l *Library) EncodingNew() native.Ptr {
	p, _ := l.locked(l.encodingNew)
	return native.Ptr(p)
}

// EncodingFree implements native.Library.
func (l *Library) EncodingFree(enc native.Ptr) { l.locked(l.encodingFree, addr(enc)) }

// EncodePlain implements native.Library.
func (l *Library) EncodePlain(enc, text native.Ptr) (native.Tokens, native.Result) {
	return l.callResult(l.encodePlain, addr(enc), addr(text))
}

// RenderPrompt implements native.Library.
func (l *Library) RenderPrompt(enc, system, user, prefix native.Ptr) (native.Tokens, native.Result) {
	return l.callResult(l.renderPrompt, addr(enc), addr(system), addr(user), addr(prefix))
}

// Decode implements native.Library.
func (l *Library) Decode(enc native.Ptr, tokens native.Tokens) native.Ptr {
	p, _ := l.locked(l.decode, addr(enc), addr(tokens.Ptr), uint64(uint32(tokens.Len)))
	return native.Ptr(p)
}

// StopTokens implements native.Library.
func (l *Library) StopTokens(enc native.Ptr) (native.Tokens, native.Result) {
	return l.callResult(l.stopTokens, addr(enc))
}

// FreeString implements native.Library.
func (l *Library) FreeString(s native.Ptr) { l.locked(l.freeString, addr(s)) }

// FreeTokens implements native.Library.
func (l *Library) FreeTokens(t native.Tokens) {
	l.locked(l.freeTokens, addr(t.Ptr), uint64(uint32(t.Len)))
}

// Close releases the call scratch and tears down the runtime.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scratch != 0 {
		l.call(l.free, uint64(l.scratch))
		l.scratch = 0
	}
	return l.runtime.Close(l.ctx)
}

func (l *streamLibrary) StreamNew(enc native.Ptr) native.Ptr {
	p, _ := l.locked(l.streamNew, addr(enc))
	return native.Ptr(p)
}

func (l *streamLibrary) StreamFree(s native.Ptr) { l.locked(l.streamFree, addr(s)) }

func (l *streamLibrary) StreamFeed(s, data native.Ptr, n int) (native.Tokens, native.Result) {
	return l.callResult(l.streamFeed, addr(s), addr(data), uint64(uint32(n)))
}

func (l *streamLibrary) StreamHasPending(s native.Ptr) bool {
	v, ok := l.locked(l.streamHasPending, addr(s))
	return ok && v&0xff != 0
}

func (l *streamLibrary) StreamFlush(s native.Ptr) (native.Tokens, native.Result) {
	return l.callResult(l.streamFlush, addr(s))
}

func (l *streamLibrary) StreamReset(s native.Ptr) { l.locked(l.reset, addr(s)) }
