// Package native describes the C-level capability surface of a Harmony
// encoding engine (the harmony_ffi.h contract) and the engine-owned memory it
// hands out.
//
// Addresses are opaque Ptr values. Buffers returned by the engine are owned
// by the engine and must be released with the matching free routine; buffers
// created through Memory are owned by the caller and released with FreeInput.
// Backends register themselves with Register and are opened by name.
package native
