// Package harmony binds a Harmony encoding engine that owns its own memory.
//
// An Encoder is a handle to one engine encoding resource. It is created with
// Create, used for plain encoding, prompt rendering, decoding and stop-token
// queries, and destroyed exactly once with Release. Every operation copies the
// engine's transient buffers into Go values and frees the originals before it
// returns, on success and on every error path.
//
// Table exposes the same operations keyed by integer Handles for callers on
// the far side of a C ABI. Engines are loaded through package native; the
// in-process engine lives in package engine.
package harmony
