package harmony

import (
	"sync"

	"github.com/euforicio/harmony-bridge/native"
)

// Handle names an Encoder held by a Table. Zero is never a live handle, and
// a released handle is never minted again.
type Handle uint64

// Table maps integer handles to encoders for callers that cannot hold Go
// pointers, such as a C ABI.
type Table struct {
	lib native.Library

	mu       sync.RWMutex
	next     Handle
	encoders map[Handle]*Encoder
}

// NewTable returns an empty table creating encoders on lib.
func NewTable(lib native.Library) *Table {
	return &Table{lib: lib, encoders: make(map[Handle]*Encoder)}
}

// Create returns a live handle, or zero when the engine returned NULL.
func (t *Table) Create() Handle {
	enc := Create(t.lib)
	if !enc.Valid() {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.encoders[h] = enc
	return h
}

// Release destroys the encoder behind h. Unknown handles are ignored.
func (t *Table) Release(h Handle) {
	t.mu.Lock()
	enc, ok := t.encoders[h]
	delete(t.encoders, h)
	t.mu.Unlock()
	if ok {
		enc.Release()
	}
}

// Encoder returns the encoder behind h, or nil.
func (t *Table) Encoder(h Handle) *Encoder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.encoders[h]
}

// EncodePlain is Encoder.EncodePlain keyed by handle.
func (t *Table) EncodePlain(h Handle, text string) ([]uint32, error) {
	return t.Encoder(h).EncodePlain(text)
}

// RenderPrompt is Encoder.RenderPrompt keyed by handle.
func (t *Table) RenderPrompt(h Handle, system Optional, user string, assistantPrefix Optional) ([]uint32, error) {
	return t.Encoder(h).RenderPrompt(system, user, assistantPrefix)
}

// Decode is Encoder.Decode keyed by handle.
func (t *Table) Decode(h Handle, tokens []uint32) (string, error) {
	return t.Encoder(h).Decode(tokens)
}

// StopTokens is Encoder.StopTokens keyed by handle.
func (t *Table) StopTokens(h Handle) ([]uint32, error) {
	return t.Encoder(h).StopTokens()
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.encoders)
}

// Close releases every live handle.
func (t *Table) Close() {
	t.mu.Lock()
	encoders := t.encoders
	t.encoders = make(map[Handle]*Encoder)
	t.mu.Unlock()
	for _, enc := range encoders {
		enc.Release()
	}
}
