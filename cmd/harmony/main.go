// Command harmony drives a Harmony engine from the shell: encode text,
// render prompts, decode tokens and stream stdin through the incremental
// encoder. Output is JSON on stdout, logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	harmony "github.com/euforicio/harmony-bridge"
	_ "github.com/euforicio/harmony-bridge/engine"
	"github.com/euforicio/harmony-bridge/native"
	_ "github.com/euforicio/harmony-bridge/native/ffi"
	_ "github.com/euforicio/harmony-bridge/native/wasm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config keys. Environment variables are HARMONY_ plus the key with dots
// replaced by underscores.
const (
	keyConfig           = "config"
	keyLogLevel         = "log_level"
	keyEngine           = "engine"
	keyVocabDir         = "vocab.dir"
	keyVocabBaseURL     = "vocab.base_url"
	keyVocabCacheDir    = "vocab.cache_dir"
	keyVocabOffline     = "vocab.offline"
	keyVocabHTTPTimeout = "vocab.http_timeout"
	keyWasmModule       = "wasm.module"
)

type app struct {
	v   *viper.Viper
	in  io.Reader
	out io.Writer
	log *zap.Logger

	lib native.Library
	enc *harmony.Encoder
}

func newApp(in io.Reader, out io.Writer) *app {
	v := viper.New()
	v.SetEnvPrefix("HARMONY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &app{v: v, in: in, out: out, log: zap.NewNop()}
}

func (a *app) rootCmd(errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "harmony",
		Short: "Harmony encoding engine CLI",
		Long: `harmony encodes text, renders prompts and decodes tokens with a Harmony
encoding engine.

Configuration sources (in order of precedence):
  1. Command line flags
  2. Environment variables (HARMONY_ENGINE, HARMONY_VOCAB_DIR, ...)
  3. YAML config file (--config or HARMONY_CONFIG)
  4. Defaults (engine "inproc")`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(a.v.GetString(keyLogLevel), errOut)
			if err != nil {
				return err
			}
			a.log = log
			harmony.SetLogger(log)
			native.SetLogger(log)
			return nil
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML config file")
	pf.String("engine", "", "engine backend ("+strings.Join(native.Backends(), "|")+")")
	pf.String("vocab-dir", "", "directory holding o200k_base.tiktoken")
	pf.Bool("vocab-offline", false, "never download the vocabulary")
	pf.String("wasm-module", "", "engine compiled to WebAssembly")
	pf.String("log-level", "warn", "debug|info|warn|error")
	for key, flag := range map[string]string{
		keyConfig:       "config",
		keyEngine:       "engine",
		keyVocabDir:     "vocab-dir",
		keyVocabOffline: "vocab-offline",
		keyWasmModule:   "wasm-module",
		keyLogLevel:     "log-level",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		a.encodeCmd(),
		a.renderCmd(),
		a.decodeCmd(),
		a.stopCmd(),
		a.streamCmd(),
		a.configCmd(),
		a.backendsCmd(),
	)
	return root
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), lvl)), nil
}

// loadConfig layers flags and environment over the config file.
func (a *app) loadConfig() (harmony.Config, error) {
	cfg := harmony.DefaultConfig()
	if path := a.v.GetString(keyConfig); path != "" {
		fileCfg, err := harmony.LoadConfig(path)
		if err != nil {
			return harmony.Config{}, err
		}
		cfg = fileCfg
	}
	a.v.SetDefault(keyEngine, cfg.Engine)
	a.v.SetDefault(keyVocabDir, cfg.Vocab.Dir)
	a.v.SetDefault(keyVocabBaseURL, cfg.Vocab.BaseURL)
	a.v.SetDefault(keyVocabCacheDir, cfg.Vocab.CacheDir)
	a.v.SetDefault(keyVocabOffline, cfg.Vocab.Offline)
	a.v.SetDefault(keyVocabHTTPTimeout, cfg.Vocab.HTTPTimeout)
	a.v.SetDefault(keyWasmModule, cfg.Wasm.Module)
	if err := a.v.Unmarshal(&cfg); err != nil {
		return harmony.Config{}, fmt.Errorf("config: %w", err)
	}
	if err := harmony.ValidateConfig(cfg); err != nil {
		return harmony.Config{}, err
	}
	return cfg, nil
}

// encoder opens the configured engine once per invocation.
func (a *app) encoder(ctx context.Context) (*harmony.Encoder, error) {
	if a.enc != nil {
		return a.enc, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	lib, err := harmony.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	enc := harmony.Create(lib)
	if !enc.Valid() {
		_ = lib.Close()
		return nil, fmt.Errorf("engine %q could not create an encoding", cfg.Engine)
	}
	a.log.Debug("engine opened", zap.String("engine", cfg.Engine))
	a.lib, a.enc = lib, enc
	return enc, nil
}

func (a *app) close() error {
	if a.enc != nil {
		a.enc.Release()
	}
	if a.lib == nil {
		return nil
	}
	err := a.lib.Close()
	a.lib, a.enc = nil, nil
	return err
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	a := newApp(in, out)
	root := a.rootCmd(errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	err = errors.Join(err, a.close())
	_ = a.log.Sync()
	if err != nil {
		fmt.Fprintf(errOut, "harmony: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
