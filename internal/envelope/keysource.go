package envelope

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/zeebo/errs"
)

const maxKeySize = 1 << 20

// ErrFetch is returned when no candidate URL of a key descriptor could be
// fetched and no cached copy exists.
var ErrFetch = errors.New("failed to fetch key")

// KeySource resolves key descriptors: local paths, https URLs and
// github:USER shortcuts. Fetched keys are cached on disk and the cache is
// used when a later fetch fails.
type KeySource struct {
	cacheDir string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
	logger   *slog.Logger
}

// Spec names the key sources of one operation.
type Spec struct {
	Method      Method
	Key         string // symmetric master key descriptor
	KeyPassword string
	PublicKey   string
	PrivateKey  string // local file only
}

// NewKeySource creates a key source caching fetched keys in cacheDir. An
// empty cacheDir disables caching.
func NewKeySource(cacheDir string, logger *slog.Logger) *KeySource {
	s := &KeySource{
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "keysource"),
	}
	s.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "key-fetch",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("Key fetch circuit changed state", "from", from.String(), "to", to.String())
		},
	})
	return s
}

// WithHTTPClient replaces the HTTP client used for fetches.
func (s *KeySource) WithHTTPClient(c *http.Client) *KeySource {
	s.client = c
	return s
}

// Resolve loads the key material described by spec.
func (s *KeySource) Resolve(ctx context.Context, spec Spec) (*KeyMaterial, error) {
	switch spec.Method {
	case MethodSymmetric:
		key, err := s.ResolveSymmetricKey(ctx, spec.Key, spec.KeyPassword)
		if err != nil {
			return nil, err
		}
		return NewSymmetric(key)
	case MethodAsymmetric:
		var (
			pub  *rsa.PublicKey
			priv *rsa.PrivateKey
			err  error
		)
		if spec.PublicKey != "" {
			if pub, err = s.ResolvePublicKey(ctx, spec.PublicKey); err != nil {
				return nil, err
			}
		}
		if spec.PrivateKey != "" {
			if priv, err = s.ResolvePrivateKey(spec.PrivateKey); err != nil {
				return nil, err
			}
		}
		return NewAsymmetric(pub, priv)
	default:
		return nil, fmt.Errorf("unknown encryption method %q", spec.Method)
	}
}

// ResolveSymmetricKey loads a master key. With a password the key is derived
// with PBKDF2; otherwise raw bytes are padded or truncated to 32 bytes.
func (s *KeySource) ResolveSymmetricKey(ctx context.Context, descriptor, password string) ([]byte, error) {
	raw, err := s.load(ctx, descriptor)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty symmetric key", ErrInvalidKey)
	}
	if password != "" {
		return DeriveKey(raw, password), nil
	}
	key, adjusted := NormalizeKey(raw)
	if adjusted {
		s.logger.Warn("Symmetric key is not 32 bytes, adjusting", "length", len(raw))
	}
	return key, nil
}

// ResolvePublicKey loads an RSA public key.
func (s *KeySource) ResolvePublicKey(ctx context.Context, descriptor string) (*rsa.PublicKey, error) {
	data, err := s.load(ctx, descriptor)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(data)
}

// ResolvePrivateKey loads an RSA private key from a local file. Remote
// descriptors are rejected.
func (s *KeySource) ResolvePrivateKey(path string) (*rsa.PrivateKey, error) {
	if IsRemoteDescriptor(path) {
		return nil, fmt.Errorf("%w: private keys must be local files", ErrInvalidKey)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParsePrivateKey(data)
}

// IsRemoteDescriptor reports whether a descriptor is fetched over the network.
func IsRemoteDescriptor(d string) bool {
	return strings.HasPrefix(d, "https://") || strings.HasPrefix(d, "http://") ||
		strings.HasPrefix(d, "github:") || strings.HasPrefix(d, "gh:")
}

func (s *KeySource) load(ctx context.Context, descriptor string) ([]byte, error) {
	if descriptor == "" {
		return nil, fmt.Errorf("%w: empty key descriptor", ErrNoKey)
	}
	if !IsRemoteDescriptor(descriptor) {
		data, err := os.ReadFile(descriptor)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		return data, nil
	}

	urls, err := GitHubKeyURLs(descriptor)
	if err != nil {
		return nil, err
	}
	return s.fetchFirst(ctx, urls)
}

// fetchFirst returns the first candidate that can be fetched, falling back to
// cached copies in candidate order.
func (s *KeySource) fetchFirst(ctx context.Context, urls []string) ([]byte, error) {
	var group errs.Group
	for _, u := range urls {
		data, err := s.breaker.Execute(func() ([]byte, error) {
			return s.fetch(ctx, u)
		})
		if err == nil {
			s.storeCache(u, data)
			s.logger.Debug("Fetched key", "url", u, "bytes", len(data))
			return data, nil
		}
		group.Add(fmt.Errorf("%s: %w", u, err))
	}

	for _, u := range urls {
		if data, ok := s.loadCache(u); ok {
			s.logger.Warn("Using cached key after fetch failure", "url", u)
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrFetch, group.Err())
}

func (s *KeySource) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	return data, nil
}

// CachePath returns the cache file used for a URL.
func (s *KeySource) CachePath(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(s.cacheDir, "key_"+hex.EncodeToString(sum[:])[:16]+".cache")
}

func (s *KeySource) storeCache(url string, data []byte) {
	if s.cacheDir == "" {
		return
	}
	if err := os.MkdirAll(s.cacheDir, 0o700); err != nil {
		s.logger.Warn("Failed to create key cache directory", "error", err)
		return
	}
	if err := os.WriteFile(s.CachePath(url), data, 0o600); err != nil {
		s.logger.Warn("Failed to cache key", "url", url, "error", err)
	}
}

func (s *KeySource) loadCache(url string) ([]byte, bool) {
	if s.cacheDir == "" {
		return nil, false
	}
	data, err := os.ReadFile(s.CachePath(url))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// GitHubKeyURLs expands a descriptor into candidate URLs. Plain URLs expand
// to themselves. Shortcuts:
//
//	github:USER/gist:ID    gist raw file backup_public.pem
//	github:USER/repo:NAME  backup_public.pem on the main branch
//	github:USER            well-known gist and repo names, then USER.keys
func GitHubKeyURLs(descriptor string) ([]string, error) {
	var user string
	switch {
	case strings.HasPrefix(descriptor, "github:"):
		user = strings.TrimPrefix(descriptor, "github:")
	case strings.HasPrefix(descriptor, "gh:"):
		user = strings.TrimPrefix(descriptor, "gh:")
	default:
		return []string{descriptor}, nil
	}

	if u, id, ok := strings.Cut(user, "/gist:"); ok && u != "" && id != "" {
		return []string{fmt.Sprintf("https://gist.githubusercontent.com/%s/%s/raw/backup_public.pem", u, id)}, nil
	}
	if u, repo, ok := strings.Cut(user, "/repo:"); ok && u != "" && repo != "" {
		return []string{fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/main/backup_public.pem", u, repo)}, nil
	}
	if user == "" || strings.ContainsAny(user, "/: ") {
		return nil, fmt.Errorf("%w: invalid GitHub shortcut %q", ErrInvalidKey, descriptor)
	}

	var urls []string
	for _, name := range []string{"docker-backup-keys", "backup-keys"} {
		urls = append(urls, fmt.Sprintf("https://gist.githubusercontent.com/%s/%s/raw/backup_public.pem", user, name))
	}
	for _, name := range []string{"docker-backup-keys", "backup-keys"} {
		for _, branch := range []string{"main", "master"} {
			urls = append(urls, fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/backup_public.pem", user, name, branch))
		}
	}
	urls = append(urls, fmt.Sprintf("https://github.com/%s.keys", user))
	return urls, nil
}
