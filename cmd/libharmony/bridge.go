//go:build cgo

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	harmony "github.com/euforicio/harmony-bridge"
	_ "github.com/euforicio/harmony-bridge/engine"
	_ "github.com/euforicio/harmony-bridge/native/ffi"
	_ "github.com/euforicio/harmony-bridge/native/wasm"
	"go.uber.org/zap"
)

// Status codes returned by every exported call.
const (
	statusOK = iota
	statusInvalidHandle
	statusConversion
	statusEngine
	statusAllocation
	statusUnsupported
	statusInternal
)

// EnvConfig names the YAML config file read when the library is loaded.
const EnvConfig = "HARMONY_CONFIG"

func status(err error) int {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, harmony.ErrInvalidHandle):
		return statusInvalidHandle
	case errors.Is(err, harmony.ErrConversion):
		return statusConversion
	case errors.Is(err, harmony.ErrEngine):
		return statusEngine
	case errors.Is(err, harmony.ErrAllocation):
		return statusAllocation
	case errors.Is(err, harmony.ErrUnsupported):
		return statusUnsupported
	default:
		return statusInternal
	}
}

func loadConfig() (harmony.Config, error) {
	cfg := harmony.DefaultConfig()
	if path := os.Getenv(EnvConfig); path != "" {
		var err error
		if cfg, err = harmony.LoadConfig(path); err != nil {
			return harmony.Config{}, err
		}
	}
	return harmony.ConfigFromEnv(cfg)
}

func openTable() (*harmony.Table, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	lib, err := harmony.Open(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	harmony.Logger().Info("engine opened", zap.String("engine", cfg.Engine))
	return harmony.NewTable(lib), nil
}

// bridge serves the exported calls from one handle table. The table is
// opened on first use and lives as long as the process.
type bridge struct {
	table func() (*harmony.Table, error)
}

var lib = &bridge{table: sync.OnceValues(openTable)}

func (b *bridge) create() harmony.Handle {
	t, err := b.table()
	if err != nil {
		harmony.Logger().Error("engine unavailable", zap.Error(err))
		return 0
	}
	return t.Create()
}

func (b *bridge) release(h harmony.Handle) {
	if t, err := b.table(); err == nil {
		t.Release(h)
	}
}

// ptrArg is a pointer the C caller must supply, by name.
type ptrArg struct {
	name string
	null bool
}

func nullArg(name string) error {
	return fmt.Errorf("%w: %s is NULL", harmony.ErrConversion, name)
}

// with runs fn against the encoder behind h once the handle and every
// pointer argument have been checked, in that order. No handle can have
// been issued by an unavailable engine, so that is reported as an invalid
// handle.
func (b *bridge) with(h harmony.Handle, ptrs []ptrArg, fn func(enc *harmony.Encoder) error) error {
	t, err := b.table()
	if err != nil {
		return fmt.Errorf("%w: engine unavailable: %v", harmony.ErrInvalidHandle, err)
	}
	enc := t.Encoder(h)
	if !enc.Valid() {
		return fmt.Errorf("%w: handle %d", harmony.ErrInvalidHandle, h)
	}
	for _, p := range ptrs {
		if p.null {
			return nullArg(p.name)
		}
	}
	return fn(enc)
}

// required rejects a NULL C string for a mandatory argument.
func required(arg string, s *string) (string, error) {
	if s == nil {
		return "", nullArg(arg)
	}
	return *s, nil
}

func optional(s *string) harmony.Optional { return harmony.OptionalOf(s) }

func (b *bridge) encodePlain(h harmony.Handle, text *string, ptrs ...ptrArg) (toks []uint32, err error) {
	err = b.with(h, ptrs, func(enc *harmony.Encoder) error {
		s, err := required("text", text)
		if err != nil {
			return err
		}
		toks, err = enc.EncodePlain(s)
		return err
	})
	return toks, err
}

func (b *bridge) renderPrompt(h harmony.Handle, system, user, prefix *string, ptrs ...ptrArg) (toks []uint32, err error) {
	err = b.with(h, ptrs, func(enc *harmony.Encoder) error {
		u, err := required("user message", user)
		if err != nil {
			return err
		}
		toks, err = enc.RenderPrompt(optional(system), u, optional(prefix))
		return err
	})
	return toks, err
}

func (b *bridge) decode(h harmony.Handle, tokens []uint32, ptrs ...ptrArg) (text string, err error) {
	err = b.with(h, ptrs, func(enc *harmony.Encoder) error {
		text, err = enc.Decode(tokens)
		return err
	})
	return text, err
}

func (b *bridge) stopTokens(h harmony.Handle, ptrs ...ptrArg) (toks []uint32, err error) {
	err = b.with(h, ptrs, func(enc *harmony.Encoder) error {
		toks, err = enc.StopTokens()
		return err
	})
	return toks, err
}
