// Package artifact implements the key/value artifact cache used to stage
// model parameters and tokenizer files before a pipeline is constructed.
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is a pluggable byte store keyed by (scope, locator).
type Store interface {
	Has(scope, locator string) bool
	Get(scope, locator string) ([]byte, bool, error)
	Put(scope, locator string, data []byte) error
	Delete(scope, locator string) error
	Close() error
}

// Cache fronts a Store with an origin fetch and optional integrity
// verification. Fetches are cancellable mid-flight via the context.
type Cache struct {
	scope    string
	store    Store
	verifier *Verifier
	client   *http.Client
	log      zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithVerifier installs an integrity verifier consulted on every origin fetch.
func WithVerifier(v *Verifier) Option { return func(c *Cache) { c.verifier = v } }

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Cache) { c.log = l } }

// WithHTTPClient overrides the client used for remote locators.
func WithHTTPClient(h *http.Client) Option { return func(c *Cache) { c.client = h } }

// NewCache builds a cache over the given store with the given scope.
func NewCache(scope string, store Store, opts ...Option) *Cache {
	c := &Cache{
		scope:  scope,
		store:  store,
		client: &http.Client{Timeout: 10 * time.Minute},
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Scope returns the cache scope this instance was built with.
func (c *Cache) Scope() string { return c.scope }

// Has reports whether the locator is already cached.
func (c *Cache) Has(locator string) bool { return c.store.Has(c.scope, locator) }

// Delete removes a cached artifact.
func (c *Cache) Delete(locator string) error { return c.store.Delete(c.scope, locator) }

// FetchWithCache returns the artifact bytes for locator, fetching from the
// origin on a cache miss. integrity is the expected digest descriptor; empty
// skips verification. The context cancels an in-flight origin fetch.
func (c *Cache) FetchWithCache(ctx context.Context, locator, integrity string) ([]byte, error) {
	if data, ok, err := c.store.Get(c.scope, locator); err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	} else if ok {
		c.log.Debug().Str("locator", locator).Msg("artifact cache hit")
		return data, nil
	}
	data, err := c.fetchOrigin(ctx, locator)
	if err != nil {
		return nil, err
	}
	if c.verifier != nil && integrity != "" {
		if err := c.verifier.Verify(data, integrity); err != nil {
			return nil, err
		}
	}
	if err := c.store.Put(c.scope, locator, data); err != nil {
		return nil, fmt.Errorf("cache put: %w", err)
	}
	c.log.Info().Str("locator", locator).Int("bytes", len(data)).Msg("artifact fetched")
	return data, nil
}

func (c *Cache) fetchOrigin(ctx context.Context, locator string) ([]byte, error) {
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", locator, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: unexpected status %d", locator, resp.StatusCode)
		}
		return readAllCtx(ctx, resp.Body)
	}
	// Local path origin. Honor cancellation before touching the filesystem.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(locator)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", locator, err)
	}
	return data, nil
}

// readAllCtx reads the body in chunks so cancellation takes effect mid-fetch.
func readAllCtx(ctx context.Context, r io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// MemoryStore is the in-memory store backend.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func key(scope, locator string) string { return scope + "\x00" + locator }

func (s *MemoryStore) Has(scope, locator string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key(scope, locator)]
	return ok
}

func (s *MemoryStore) Get(scope, locator string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[key(scope, locator)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

func (s *MemoryStore) Put(scope, locator string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, len(data))
	copy(b, data)
	s.data[key(scope, locator)] = b
	return nil
}

func (s *MemoryStore) Delete(scope, locator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key(scope, locator))
	return nil
}

func (s *MemoryStore) Close() error { return nil }
