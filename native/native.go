package native

// Ptr is an address in engine memory. The zero Ptr is NULL.
type Ptr uint64

// IsNull reports whether p is the NULL address.
func (p Ptr) IsNull() bool { return p == 0 }

// Tokens is a u32 array living in engine memory.
type Tokens struct {
	Ptr Ptr
	Len int
}

// Result mirrors HarmonyResult. Message, when non-null, is an engine-owned
// string that must be released with FreeString.
type Result struct {
	Success bool
	Message Ptr
}

// Memory moves bytes across the boundary.
//
// PutBytes and PutTokens always allocate at least one element so the engine
// never receives a NULL pointer for an empty input.
type Memory interface {
	// PutBytes copies b into engine-addressable memory.
	PutBytes(b []byte) (Ptr, error)
	// PutTokens copies toks into engine-addressable memory.
	PutTokens(toks []uint32) (Tokens, error)
	// FreeInput releases a buffer obtained from PutBytes or PutTokens.
	FreeInput(p Ptr)
	// ReadTokens copies t out of engine memory.
	ReadTokens(t Tokens) ([]uint32, error)
	// ReadString copies the NUL-terminated string at p, without the NUL.
	ReadString(p Ptr) ([]byte, error)
}

// Library is one loaded engine build.
//
// Methods never panic on engine-reported failures: they are reported
// through Result, a NULL return, or a NULL token buffer.
type Library interface {
	Memory

	// EncodingNew constructs an encoding resource. NULL on failure.
	EncodingNew() Ptr
	// EncodingFree destroys a resource returned by EncodingNew.
	EncodingFree(enc Ptr)

	EncodePlain(enc, text Ptr) (Tokens, Result)
	// RenderPrompt takes NULL for an absent system message or assistant prefix.
	RenderPrompt(enc, system, user, prefix Ptr) (Tokens, Result)
	// Decode returns an engine-owned string or NULL.
	Decode(enc Ptr, tokens Tokens) Ptr
	StopTokens(enc Ptr) (Tokens, Result)

	FreeString(s Ptr)
	FreeTokens(t Tokens)

	// Close unloads the engine. Resources must be released first.
	Close() error
}

// StreamLibrary is implemented by engines exposing the streamable parser
// surface: incremental encoding of text arriving in chunks.
type StreamLibrary interface {
	Library

	// StreamNew creates a stream bound to enc. NULL on failure.
	StreamNew(enc Ptr) Ptr
	StreamFree(s Ptr)
	StreamFeed(s, data Ptr, n int) (Tokens, Result)
	StreamHasPending(s Ptr) bool
	StreamFlush(s Ptr) (Tokens, Result)
	StreamReset(s Ptr)
}
