package engine

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/euforicio/harmony-bridge/native"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	// Matches the upstream default base URL used across Harmony implementations.
	defaultBaseURL = "https://openaipublic.blob.core.windows.net/encodings/"
	envEncBase     = "TIKTOKEN_ENCODINGS_BASE"
	envCacheDir    = "TIKTOKEN_GO_CACHE_DIR"
	envOffline     = "TIKTOKEN_OFFLINE"
	envHTTPTimeout = "TIKTOKEN_HTTP_TIMEOUT" // seconds

	defaultHTTPTimeout = 30 * time.Second
	lockRetryInterval  = 100 * time.Millisecond
)

// Known vocabulary digests, checked after download.
var expectedSHA256 = map[string]string{
	"o200k_base.tiktoken": "446a9538cb6c348e3516120d7c08b09f57c36495e2acfffe59a5bf8b0cfb1a2d",
}

// Loader resolves *.tiktoken vocabularies from a local directory or a
// download cache. It implements tiktoken.BpeLoader.
//
// Options take precedence over the TIKTOKEN_* environment variables.
type Loader struct {
	opts native.VocabOptions
}

// NewLoader returns a loader for opts.
func NewLoader(opts native.VocabOptions) *Loader {
	return &Loader{opts: opts}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// localDir is a directory holding the vocabulary files; nothing is
// downloaded when it is set.
func (l *Loader) localDir() string {
	if l.opts.Dir != "" {
		return l.opts.Dir
	}
	if b := os.Getenv(envEncBase); b != "" && !isURL(b) {
		return b
	}
	return ""
}

func (l *Loader) baseURL() string {
	base := l.opts.BaseURL
	if base == "" {
		if b := os.Getenv(envEncBase); isURL(b) {
			base = b
		}
	}
	if base == "" {
		return defaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// cacheDir respects the configured cache or falls back to a predictable temp directory.
func (l *Loader) cacheDir() (string, error) {
	d := l.opts.CacheDir
	if d == "" {
		d = os.Getenv(envCacheDir)
	}
	if d == "" {
		d = filepath.Join(os.TempDir(), "tiktoken-go-cache")
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", err
	}
	return d, nil
}

func (l *Loader) offline() bool {
	return l.opts.Offline || os.Getenv(envOffline) == "1"
}

func (l *Loader) httpTimeout() time.Duration {
	if l.opts.HTTPTimeout > 0 {
		return l.opts.HTTPTimeout
	}
	if v := os.Getenv(envHTTPTimeout); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return defaultHTTPTimeout
}

// LoadTiktokenBpe reads the vocabulary named by the last element of file,
// which may be a URL or a path, and returns its mergeable ranks.
func (l *Loader) LoadTiktokenBpe(file string) (map[string]int, error) {
	p, err := l.resolve(path.Base(file))
	if err != nil {
		return nil, err
	}
	return readRanks(p)
}

// resolve returns a local path for name, downloading it into the cache when
// needed. Concurrent processes serialize on a lock file next to the cache
// entry.
func (l *Loader) resolve(name string) (string, error) {
	if dir := l.localDir(); dir != "" {
		return filepath.Join(dir, name), nil
	}
	cacheDir, err := l.cacheDir()
	if err != nil {
		return "", err
	}
	dest := filepath.Join(cacheDir, name)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if l.offline() {
		return "", fmt.Errorf("%s missing and TIKTOKEN_OFFLINE=1; set %s to local dir containing %s or unset offline", name, envEncBase, name)
	}

	lock := flock.New(dest + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), 2*l.httpTimeout())
	defer cancel()
	locked, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return "", fmt.Errorf("lock vocabulary cache: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("could not acquire vocabulary cache lock for %s", name)
	}
	defer func() { _ = lock.Unlock() }()

	// Another process may have finished the download while we waited.
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	url := l.baseURL() + name
	native.Logger().Info("downloading vocabulary", zap.String("url", url), zap.String("dest", dest))
	tmp := dest + ".part"
	sum, err := downloadToFile(url, tmp, l.httpTimeout())
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if want, ok := expectedSHA256[name]; ok && !strings.EqualFold(sum, want) {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("hash mismatch: got %s want %s", sum, want)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func downloadToFile(url, dest string, timeout time.Duration) (string, error) {
	// Bounded HTTP client to avoid indefinite hangs in restricted environments.
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	mw := io.MultiWriter(f, h)
	if _, err := io.Copy(mw, resp.Body); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// readRanks parses a tiktoken file. Each line: base64_token + space + rank.
func readRanks(p string) (map[string]int, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ranks := make(map[string]int, 1<<16)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp <= 0 {
			return nil, fmt.Errorf("invalid vocab at line %d", lineNo)
		}
		tok, err := base64.StdEncoding.DecodeString(line[:sp])
		if err != nil {
			return nil, fmt.Errorf("b64 decode line %d: %w", lineNo, err)
		}
		rank, err := strconv.ParseUint(line[sp+1:], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("rank parse line %d: %w", lineNo, err)
		}
		ranks[string(tok)] = int(rank)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ranks, nil
}
