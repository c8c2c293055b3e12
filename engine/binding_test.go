package engine_test

import (
	"context"
	"errors"
	"os"
	"testing"

	harmony "github.com/euforicio/harmony-bridge"
	"github.com/euforicio/harmony-bridge/engine"
	"github.com/euforicio/harmony-bridge/native"
	"github.com/google/go-cmp/cmp"
)

func openOrSkip(t *testing.T) (*engine.Library, *harmony.Encoder) {
	t.Helper()
	opts := native.VocabOptions{Offline: os.Getenv("HARMONY_TEST_DOWNLOAD") != "1"}
	if _, err := engine.Load(opts); err != nil {
		t.Skipf("o200k vocabulary unavailable: %v", err)
	}
	lib := engine.NewLibrary(opts)
	enc := harmony.Create(lib)
	if !enc.Valid() {
		t.Fatalf("Create returned invalid encoder")
	}
	return lib, enc
}

func TestBindingScenario(t *testing.T) {
	lib, enc := openOrSkip(t)

	toks, err := enc.EncodePlain("hello")
	if err != nil || len(toks) == 0 {
		t.Fatalf("EncodePlain(hello) = %v, %v", toks, err)
	}
	stop, err := enc.StopTokens()
	if err != nil || len(stop) == 0 {
		t.Fatalf("StopTokens = %v, %v", stop, err)
	}
	text, err := enc.Decode(stop)
	if err != nil {
		t.Fatalf("Decode(stop): %v", err)
	}
	if text != "<|return|><|end|><|call|>" {
		t.Fatalf("Decode(stop) = %q", text)
	}
	enc.Release()
	if _, err := enc.EncodePlain("x"); !errors.Is(err, harmony.ErrInvalidHandle) {
		t.Fatalf("EncodePlain after release: got %v, want ErrInvalidHandle", err)
	}
	if err := lib.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestBindingRenderAbsentVersusEmpty(t *testing.T) {
	lib, enc := openOrSkip(t)
	defer func() {
		enc.Release()
		if err := lib.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()

	absent, err := enc.RenderPrompt(harmony.Absent(), "hi", harmony.Absent())
	if err != nil {
		t.Fatalf("RenderPrompt(absent): %v", err)
	}
	empty, err := enc.RenderPrompt(harmony.Present(""), "hi", harmony.Absent())
	if err != nil {
		t.Fatalf("RenderPrompt(empty): %v", err)
	}
	if cmp.Equal(absent, empty) {
		t.Fatalf("absent and empty system rendered identically: %v", absent)
	}
	for _, toks := range [][]uint32{absent, empty} {
		if _, err := enc.Decode(toks); err != nil {
			t.Fatalf("Decode(rendered): %v", err)
		}
	}
}

func TestBindingDecodeSplitCharacter(t *testing.T) {
	lib, enc := openOrSkip(t)
	defer enc.Release()

	// A single emoji usually spans several byte-level tokens.
	toks, err := enc.EncodePlain("🦜")
	if err != nil {
		t.Fatalf("EncodePlain: %v", err)
	}
	if len(toks) < 2 {
		t.Skipf("emoji encoded as a single token")
	}
	before := lib.Stats()
	if _, err := enc.Decode(toks[:1]); !errors.Is(err, harmony.ErrConversion) {
		t.Fatalf("Decode(partial character): got %v, want ErrConversion", err)
	}
	after := lib.Stats()
	if after.Allocs-before.Allocs != after.Frees-before.Frees {
		t.Fatalf("decode conversion failure leaked a buffer")
	}
}

func TestBindingStream(t *testing.T) {
	lib, enc := openOrSkip(t)
	defer enc.Release()

	st, err := enc.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	text := "alpha beta\ngamma delta\nepsilon"
	var got []uint32
	for _, chunk := range []string{"alpha be", "ta\ngam", "ma delta\neps", "ilon"} {
		toks, err := st.Feed([]byte(chunk))
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		got = append(got, toks...)
	}
	rest, err := st.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got = append(got, rest...)
	want, err := enc.EncodePlain(text)
	if err != nil {
		t.Fatalf("EncodePlain: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-whole +stream):\n%s", diff)
	}
	enc.Release()
	if err := lib.Close(); err != nil {
		t.Fatalf("Close after parent release: %v", err)
	}
}

func TestRegisteredBackend(t *testing.T) {
	lib, err := native.Open(context.Background(), engine.BackendName, native.Options{})
	if err != nil {
		t.Fatalf("Open(%q): %v", engine.BackendName, err)
	}
	if _, ok := lib.(native.StreamLibrary); !ok {
		t.Fatalf("inproc backend lacks the streaming surface")
	}
}
