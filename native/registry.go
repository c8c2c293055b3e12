package native

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Options configures engine backends. Each backend reads the part it needs.
type Options struct {
	Vocab VocabOptions `yaml:"vocab" mapstructure:"vocab"`
	Wasm  WasmOptions  `yaml:"wasm" mapstructure:"wasm"`
}

// VocabOptions locates the o200k vocabulary for in-process engines.
// Empty fields fall back to the TIKTOKEN_* environment variables.
type VocabOptions struct {
	// Dir holds *.tiktoken files; nothing is downloaded when set.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// BaseURL is where missing files are downloaded from.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// CacheDir stores downloaded files.
	CacheDir    string        `yaml:"cache_dir" mapstructure:"cache_dir"`
	Offline     bool          `yaml:"offline" mapstructure:"offline"`
	HTTPTimeout time.Duration `yaml:"http_timeout" mapstructure:"http_timeout"`
}

// WasmOptions locates an engine compiled to WebAssembly.
type WasmOptions struct {
	Module string `yaml:"module" mapstructure:"module"`
}

// Opener loads a backend.
type Opener func(ctx context.Context, opts Options) (Library, error)

var (
	openersMu sync.RWMutex
	openers   = make(map[string]Opener)
)

// Register makes a backend available by name. It panics if the name is
// taken or open is nil.
func Register(name string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	if open == nil {
		panic("native: Register opener is nil")
	}
	if _, dup := openers[name]; dup {
		panic("native: Register called twice for backend " + name)
	}
	openers[name] = open
}

// Open loads the backend registered under name.
func Open(ctx context.Context, name string, opts Options) (Library, error) {
	openersMu.RLock()
	open, ok := openers[name]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("native: unknown backend %q (registered: %v)", name, Backends())
	}
	return open(ctx, opts)
}

// Backends returns the registered backend names in sorted order.
func Backends() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
