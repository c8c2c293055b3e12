// Package ffi binds the native Harmony engine (libopenai_harmony) through
// cgo. The binding is only compiled with -tags harmony_ffi and cgo enabled;
// the library must be visible to the linker, e.g. through
// CGO_LDFLAGS=-L<dir>. Without the tag the package is empty and registers
// nothing.
package ffi
