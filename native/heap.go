package native

import (
	"errors"
	"fmt"
	"sync"
)

// Heap is engine memory for in-process engines. Addresses are never reused,
// so a stale Ptr can never alias a newer allocation. Freeing an unknown or
// already freed address panics: it is heap corruption in a real engine.
//
// Heap implements Memory.
type Heap struct {
	mu     sync.Mutex
	next   Ptr
	blocks map[Ptr]*block
	stats  HeapStats
}

// HeapStats counts allocations and frees since the heap was created.
type HeapStats struct {
	Allocs uint64
	Frees  uint64
}

// Live returns the number of outstanding allocations.
func (s HeapStats) Live() int { return int(s.Allocs - s.Frees) }

type blockKind uint8

const (
	blockBytes blockKind = iota + 1
	blockTokens
	blockObject
)

func (k blockKind) String() string {
	switch k {
	case blockBytes:
		return "bytes"
	case blockTokens:
		return "tokens"
	case blockObject:
		return "object"
	default:
		return "unknown"
	}
}

type block struct {
	kind   blockKind
	bytes  []byte
	tokens []uint32
}

const (
	heapBase  Ptr = 0x10000
	heapAlign Ptr = 16
)

var errBadAddress = errors.New("native: bad address")

// NewHeap returns an empty heap.
func NewHeap() *Heap {
	return &Heap{next: heapBase, blocks: make(map[Ptr]*block)}
}

func (h *Heap) alloc(b *block) Ptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.next
	h.next += heapAlign
	h.blocks[p] = b
	h.stats.Allocs++
	return p
}

// AllocBytes copies b into a new allocation.
func (h *Heap) AllocBytes(b []byte) Ptr {
	return h.alloc(&block{kind: blockBytes, bytes: append([]byte(nil), b...)})
}

// AllocString stores s followed by a NUL byte.
func (h *Heap) AllocString(s string) Ptr {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return h.alloc(&block{kind: blockBytes, bytes: buf})
}

// AllocTokens copies toks into a new allocation.
func (h *Heap) AllocTokens(toks []uint32) Ptr {
	return h.alloc(&block{kind: blockTokens, tokens: append([]uint32(nil), toks...)})
}

// AllocObject reserves an address for an engine resource.
func (h *Heap) AllocObject() Ptr {
	return h.alloc(&block{kind: blockObject})
}

// Free releases p. Freeing NULL is a no-op.
func (h *Heap) Free(p Ptr) {
	if p == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.blocks[p]; !ok {
		panic(fmt.Sprintf("native: free of unallocated address %#x", uint64(p)))
	}
	delete(h.blocks, p)
	h.stats.Frees++
}

// IsObject reports whether p is a live resource address.
func (h *Heap) IsObject(p Ptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[p]
	return ok && b.kind == blockObject
}

// Stats returns a snapshot of the allocation counters.
func (h *Heap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Live returns the number of outstanding allocations.
func (h *Heap) Live() int { return h.Stats().Live() }

func (h *Heap) lookup(p Ptr, kind blockKind) (*block, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[p]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", errBadAddress, uint64(p))
	}
	if b.kind != kind {
		return nil, fmt.Errorf("%w: %#x holds %s, want %s", errBadAddress, uint64(p), b.kind, kind)
	}
	return b, nil
}

// PutBytes implements Memory.
func (h *Heap) PutBytes(b []byte) (Ptr, error) {
	if len(b) == 0 {
		return h.alloc(&block{kind: blockBytes, bytes: make([]byte, 1)}), nil
	}
	return h.AllocBytes(b), nil
}

// PutTokens implements Memory.
func (h *Heap) PutTokens(toks []uint32) (Tokens, error) {
	buf := make([]uint32, max(len(toks), 1))
	copy(buf, toks)
	p := h.alloc(&block{kind: blockTokens, tokens: buf})
	return Tokens{Ptr: p, Len: len(toks)}, nil
}

// FreeInput implements Memory.
func (h *Heap) FreeInput(p Ptr) { h.Free(p) }

// ReadTokens implements Memory.
func (h *Heap) ReadTokens(t Tokens) ([]uint32, error) {
	if t.Len < 0 {
		return nil, fmt.Errorf("native: negative token count %d", t.Len)
	}
	b, err := h.lookup(t.Ptr, blockTokens)
	if err != nil {
		return nil, err
	}
	if t.Len > len(b.tokens) {
		return nil, fmt.Errorf("native: read of %d tokens past end of %d-token buffer", t.Len, len(b.tokens))
	}
	return append(make([]uint32, 0, t.Len), b.tokens[:t.Len]...), nil
}

// ReadString implements Memory.
func (h *Heap) ReadString(p Ptr) ([]byte, error) {
	b, err := h.lookup(p, blockBytes)
	if err != nil {
		return nil, err
	}
	for i, c := range b.bytes {
		if c == 0 {
			return append([]byte(nil), b.bytes[:i]...), nil
		}
	}
	return nil, fmt.Errorf("native: string at %#x is not NUL-terminated", uint64(p))
}

// ReadBytes copies n bytes starting at p.
func (h *Heap) ReadBytes(p Ptr, n int) ([]byte, error) {
	b, err := h.lookup(p, blockBytes)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > len(b.bytes) {
		return nil, fmt.Errorf("native: read of %d bytes outside %d-byte buffer", n, len(b.bytes))
	}
	return append(make([]byte, 0, n), b.bytes[:n]...), nil
}
