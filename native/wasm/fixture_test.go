package wasm

import "bytes"

// A tiny engine written directly in WebAssembly binary form. It follows the
// wasm32 C ABI the host expects:
//
//   - malloc is a bump allocator and live counts outstanding allocations
//   - encode_plain emits one token per byte and fails with "boom" when the
//     text starts with '!'
//   - render_prompt emits [len(system), len(user), len(prefix)] with
//     0xFFFFFFFF standing for NULL
//   - decode maps tokens below 256 to bytes, others to '?', and returns NULL
//     for 0xFFFFFFFF
//
// The streaming variant adds a parser that holds back the last byte fed
// until the next feed or a flush. has_pending sets bit 8 so only the low
// byte carries the answer.

const valI32 = 0x7f

const (
	opBlock     = 0x02
	opLoop      = 0x03
	opIf        = 0x04
	opElse      = 0x05
	opEnd       = 0x0b
	opBr        = 0x0c
	opBrIf      = 0x0d
	opReturn    = 0x0f
	opCall      = 0x10
	opSelect    = 0x1b
	opLocalGet  = 0x20
	opLocalSet  = 0x21
	opGlobalGet = 0x23
	opGlobalSet = 0x24
	opLoad      = 0x28
	opLoad8U    = 0x2d
	opStore     = 0x36
	opStore8    = 0x3a
	opConst     = 0x41
	opEqz       = 0x45
	opEq        = 0x46
	opLtU       = 0x49
	opGeU       = 0x4f
	opAdd       = 0x6a
	opSub       = 0x6b
	opAnd       = 0x71
	opOr        = 0x72
	opShl       = 0x74

	blockEmpty = 0x40
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func seq(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

func vec(items ...[]byte) []byte {
	return seq(uleb(uint32(len(items))), seq(items...))
}

func name(s string) []byte { return seq(uleb(uint32(len(s))), []byte(s)) }

func section(id byte, items ...[]byte) []byte {
	payload := vec(items...)
	return seq([]byte{id}, uleb(uint32(len(payload))), payload)
}

func op(b ...byte) []byte { return b }
func i32(v int32) []byte { return seq(op(opConst), sleb(v)) }
func lget(i uint32) []byte { return seq(op(opLocalGet), uleb(i)) }
func lset(i uint32) []byte { return seq(op(opLocalSet), uleb(i)) }
func gget(i uint32) []byte { return seq(op(opGlobalGet), uleb(i)) }
func gset(i uint32) []byte { return seq(op(opGlobalSet), uleb(i)) }
func call(i uint32) []byte { return seq(op(opCall), uleb(i)) }
func ld32(off uint32) []byte { return seq(op(opLoad, 2), uleb(off)) }
func ld8(off uint32) []byte { return seq(op(opLoad8U, 0), uleb(off)) }
func st32(off uint32) []byte { return seq(op(opStore, 2), uleb(off)) }
func st8(off uint32) []byte { return seq(op(opStore8, 0), uleb(off)) }
func brIf(depth uint32) []byte { return seq(op(opBrIf), uleb(depth)) }
func br(depth uint32) []byte { return seq(op(opBr), uleb(depth)) }

func funcType(params, results int) []byte {
	p := make([][]byte, params)
	for i := range p {
		p[i] = op(valI32)
	}
	r := make([][]byte, results)
	for i := range r {
		r[i] = op(valI32)
	}
	return seq(op(0x60), vec(p...), vec(r...))
}

type fixtureFunc struct {
	export          string
	params, results int
	locals          uint32
	body            []byte
}

// Function indices inside the fixture.
const (
	fnMalloc uint32 = iota
	fnFree
	fnStrlen
	fnEncodingNew
	fnEncodingFree
	fnFreeString
	fnFreeTokens
	fnEncodePlain
	fnRenderPrompt
	fnDecode
	fnStopTokens
	fnLive
	fnStreamNew
	fnStreamFree
	fnStreamFeed
	fnStreamHasPending
	fnStreamFlush
	fnStreamReset
)

const (
	globalHeap = 0
	globalLive = 1
)

// resultOK writes a successful HarmonyResult and the token out parameters.
func resultOK(sret, out, outLen uint32, buf, n []byte) []byte {
	return seq(
		lget(sret), i32(1), st8(0),
		lget(sret), i32(0), st32(4),
		lget(out), buf, st32(0),
		lget(outLen), n, st32(0),
	)
}

// optLen pushes strlen(local) or -1 when the local is NULL.
func optLen(local uint32) []byte {
	return seq(
		lget(local), op(opIf, valI32),
		lget(local), call(fnStrlen),
		op(opElse), i32(-1),
		op(opEnd),
	)
}

func fixtureFuncs() []fixtureFunc {
	return []fixtureFunc{
		fnMalloc: {export: exportMalloc, params: 1, results: 1, locals: 1, body: seq(
			gget(globalHeap), lset(1),
			gget(globalHeap), lget(0), op(opAdd), i32(15), op(opAdd), i32(-16), op(opAnd), gset(globalHeap),
			gget(globalLive), i32(1), op(opAdd), gset(globalLive),
			lget(1),
		)},
		fnFree: {export: exportFree, params: 1, body: seq(
			lget(0), op(opIf, blockEmpty),
			gget(globalLive), i32(1), op(opSub), gset(globalLive),
			op(opEnd),
		)},
		fnStrlen: {params: 1, results: 1, locals: 1, body: seq(
			op(opBlock, blockEmpty), op(opLoop, blockEmpty),
			lget(0), lget(1), op(opAdd), ld8(0), op(opEqz), brIf(1),
			lget(1), i32(1), op(opAdd), lset(1),
			br(0),
			op(opEnd), op(opEnd),
			lget(1),
		)},
		fnEncodingNew:  {export: exportEncodingNew, results: 1, body: seq(i32(8), call(fnMalloc))},
		fnEncodingFree: {export: exportEncodingFree, params: 1, body: seq(lget(0), call(fnFree))},
		fnFreeString:   {export: exportFreeString, params: 1, body: seq(lget(0), call(fnFree))},
		fnFreeTokens:   {export: exportFreeTokens, params: 2, body: seq(lget(0), call(fnFree))},
		// (sret, enc, text, out, len); locals n=5 buf=6 i=7
		fnEncodePlain: {export: exportEncodePlain, params: 5, locals: 3, body: seq(
			lget(2), ld8(0), i32('!'), op(opEq), op(opIf, blockEmpty),
			i32(5), call(fnMalloc), lset(6),
			lget(6), i32(0x6d6f6f62), st32(0), // "boom"
			lget(6), i32(0), st8(4),
			lget(0), i32(0), st8(0),
			lget(0), lget(6), st32(4),
			op(opReturn),
			op(opEnd),

			lget(2), call(fnStrlen), lset(5),
			lget(5), op(opIf, blockEmpty),
			lget(5), i32(2), op(opShl), call(fnMalloc), lset(6),
			op(opEnd),

			op(opBlock, blockEmpty), op(opLoop, blockEmpty),
			lget(7), lget(5), op(opGeU), brIf(1),
			lget(6), lget(7), i32(2), op(opShl), op(opAdd),
			lget(2), lget(7), op(opAdd), ld8(0),
			st32(0),
			lget(7), i32(1), op(opAdd), lset(7),
			br(0),
			op(opEnd), op(opEnd),

			resultOK(0, 3, 4, lget(6), lget(5)),
		)},
		// (sret, enc, system, user, prefix, out, len); locals buf=7
		fnRenderPrompt: {export: exportRenderPrompt, params: 7, locals: 1, body: seq(
			i32(12), call(fnMalloc), lset(7),
			lget(7), optLen(2), st32(0),
			lget(7), lget(3), call(fnStrlen), st32(4),
			lget(7), optLen(4), st32(8),
			resultOK(0, 5, 6, lget(7), i32(3)),
		)},
		// (enc, tokens, n) -> char*; locals s=3 i=4 t=5
		fnDecode: {export: exportDecode, params: 3, results: 1, locals: 3, body: seq(
			lget(2), i32(1), op(opAdd), call(fnMalloc), lset(3),

			op(opBlock, blockEmpty), op(opLoop, blockEmpty),
			lget(4), lget(2), op(opGeU), brIf(1),
			lget(1), lget(4), i32(2), op(opShl), op(opAdd), ld32(0), lset(5),
			lget(5), i32(-1), op(opEq), op(opIf, blockEmpty),
			lget(3), call(fnFree), i32(0), op(opReturn),
			op(opEnd),
			lget(3), lget(4), op(opAdd),
			lget(5), i32('?'), lget(5), i32(256), op(opLtU), op(opSelect),
			st8(0),
			lget(4), i32(1), op(opAdd), lset(4),
			br(0),
			op(opEnd), op(opEnd),

			lget(3), lget(2), op(opAdd), i32(0), st8(0),
			lget(3),
		)},
		// (sret, enc, out, len); locals buf=4
		fnStopTokens: {export: exportStopTokens, params: 4, locals: 1, body: seq(
			i32(12), call(fnMalloc), lset(4),
			lget(4), i32(200002), st32(0),
			lget(4), i32(200007), st32(4),
			lget(4), i32(200012), st32(8),
			resultOK(0, 2, 3, lget(4), i32(3)),
		)},
		fnLive: {export: "fixture_live", results: 1, body: gget(globalLive)},
	}
}

// streamFixtureFuncs adds the parser exports. A parser is 8 bytes: the held
// byte at 0 and a held flag at 4.
func streamFixtureFuncs() []fixtureFunc {
	return append(fixtureFuncs(), []fixtureFunc{
		{export: exportStreamNew, params: 1, results: 1, locals: 1, body: seq(
			i32(8), call(fnMalloc), lset(1),
			lget(1), i32(0), st32(4),
			lget(1),
		)},
		{export: exportStreamFree, params: 1, body: seq(lget(0), call(fnFree))},
		// (sret, parser, data, n, out, len); locals buf=6 j=7 d=8 k=9
		{export: exportStreamFeed, params: 6, locals: 4, body: seq(
			lget(3), op(opEqz), op(opIf, blockEmpty),
			resultOK(0, 4, 5, i32(0), i32(0)),
			op(opReturn),
			op(opEnd),

			lget(1), ld32(4), lget(3), op(opAdd), i32(1), op(opSub), lset(9),
			lget(9), op(opIf, blockEmpty),
			lget(9), i32(2), op(opShl), call(fnMalloc), lset(6),
			op(opEnd),
			lget(1), ld32(4), op(opIf, blockEmpty),
			lget(6), lget(1), ld32(0), st32(0),
			i32(1), lset(7),
			op(opEnd),

			op(opBlock, blockEmpty), op(opLoop, blockEmpty),
			lget(8), lget(3), i32(1), op(opSub), op(opGeU), brIf(1),
			lget(6), lget(7), i32(2), op(opShl), op(opAdd),
			lget(2), lget(8), op(opAdd), ld8(0),
			st32(0),
			lget(7), i32(1), op(opAdd), lset(7),
			lget(8), i32(1), op(opAdd), lset(8),
			br(0),
			op(opEnd), op(opEnd),

			lget(1), lget(2), lget(3), op(opAdd), i32(1), op(opSub), ld8(0), st32(0),
			lget(1), i32(1), st32(4),
			resultOK(0, 4, 5, lget(6), lget(9)),
		)},
		{export: exportStreamHasPending, params: 1, results: 1, body: seq(
			lget(0), ld32(4), i32(0x100), op(opOr),
		)},
		// (sret, parser, out, len); locals buf=4
		{export: exportStreamFlush, params: 4, locals: 1, body: seq(
			lget(1), ld32(4), op(opEqz), op(opIf, blockEmpty),
			resultOK(0, 2, 3, i32(0), i32(0)),
			op(opReturn),
			op(opEnd),

			i32(4), call(fnMalloc), lset(4),
			lget(4), lget(1), ld32(0), st32(0),
			lget(1), i32(0), st32(4),
			resultOK(0, 2, 3, lget(4), i32(1)),
		)},
		{export: exportStreamReset, params: 1, body: seq(
			lget(0), i32(0), st32(4),
		)},
	}...)
}

// assemble encodes funcs as a module with two memory pages exported as
// "memory", a heap pointer global starting at 1024 and a live counter.
func assemble(funcs []fixtureFunc) []byte {
	var types, decls, exports, bodies [][]byte
	typeIndex := map[[2]int]uint32{}
	exports = append(exports, seq(name("memory"), op(0x02, 0x00)))
	for i, f := range funcs {
		key := [2]int{f.params, f.results}
		ti, ok := typeIndex[key]
		if !ok {
			ti = uint32(len(types))
			typeIndex[key] = ti
			types = append(types, funcType(f.params, f.results))
		}
		decls = append(decls, uleb(ti))
		if f.export != "" {
			exports = append(exports, seq(name(f.export), op(0x00), uleb(uint32(i))))
		}
		locals := vec()
		if f.locals > 0 {
			locals = vec(seq(uleb(f.locals), op(valI32)))
		}
		body := seq(locals, f.body, op(opEnd))
		bodies = append(bodies, seq(uleb(uint32(len(body))), body))
	}
	global := func(init int32) []byte { return seq(op(valI32, 0x01), i32(init), op(opEnd)) }
	return seq(
		[]byte("\x00asm"), []byte{0x01, 0x00, 0x00, 0x00},
		section(1, types...),
		section(3, decls...),
		section(5, op(0x00, 0x02)),
		section(6, global(1024), global(0)),
		section(7, exports...),
		section(10, bodies...),
	)
}

func fixtureModule() []byte { return assemble(fixtureFuncs()) }

func streamFixtureModule() []byte { return assemble(streamFixtureFuncs()) }
