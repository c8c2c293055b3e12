package harmony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/euforicio/harmony-bridge/native"
	"gopkg.in/yaml.v3"
)

// DefaultEngine is the backend used when none is configured.
const DefaultEngine = "inproc"

// ErrConfigEmptyEngine is returned for a config naming no backend.
var ErrConfigEmptyEngine = errors.New("config: engine is empty")

// Config selects and configures an engine backend.
type Config struct {
	Engine         string `yaml:"engine" mapstructure:"engine"`
	native.Options `yaml:",inline" mapstructure:",squash"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{Engine: DefaultEngine}
}

// LoadConfig parses a YAML config file on top of DefaultConfig. Unknown keys
// are rejected.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: unmarshal %q: %w", path, err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig checks a config before an engine is opened.
func ValidateConfig(cfg Config) error {
	if cfg.Engine == "" {
		return ErrConfigEmptyEngine
	}
	if cfg.Vocab.HTTPTimeout < 0 {
		return fmt.Errorf("config: negative vocab.http_timeout %s", cfg.Vocab.HTTPTimeout)
	}
	if cfg.Engine == "wasm" && cfg.Wasm.Module == "" {
		return errors.New("config: engine wasm requires wasm.module")
	}
	return nil
}

// Environment variables read by ConfigFromEnv.
const (
	EnvEngine           = "HARMONY_ENGINE"
	EnvVocabDir         = "HARMONY_VOCAB_DIR"
	EnvVocabBaseURL     = "HARMONY_VOCAB_BASE_URL"
	EnvVocabCacheDir    = "HARMONY_VOCAB_CACHE_DIR"
	EnvVocabOffline     = "HARMONY_VOCAB_OFFLINE"
	EnvVocabHTTPTimeout = "HARMONY_VOCAB_HTTP_TIMEOUT"
	EnvWasmModule       = "HARMONY_WASM_MODULE"
)

// ConfigFromEnv overlays HARMONY_* environment variables onto cfg.
func ConfigFromEnv(cfg Config) (Config, error) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Engine, EnvEngine)
	setString(&cfg.Vocab.Dir, EnvVocabDir)
	setString(&cfg.Vocab.BaseURL, EnvVocabBaseURL)
	setString(&cfg.Vocab.CacheDir, EnvVocabCacheDir)
	setString(&cfg.Wasm.Module, EnvWasmModule)

	if v := os.Getenv(EnvVocabOffline); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvVocabOffline, err)
		}
		cfg.Vocab.Offline = b
	}
	if v := os.Getenv(EnvVocabHTTPTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvVocabHTTPTimeout, err)
		}
		cfg.Vocab.HTTPTimeout = d
	}
	return cfg, nil
}

// Open validates cfg and loads the configured backend.
func Open(ctx context.Context, cfg Config) (native.Library, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	lib, err := native.Open(ctx, cfg.Engine, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("open engine %q: %w", cfg.Engine, err)
	}
	return lib, nil
}
