// Package jwks fetches and caches RSA signing keys from an external identity
// provider's JWKS endpoint and verifies the RS256 bearer tokens it issues.
// The cache serves stale keys when the provider is unreachable so a provider
// blip does not take down token verification.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/trustplane/attest/pkg/api"
)

// DefaultTTL is how long a fetched key set is considered fresh.
const DefaultTTL = 5 * time.Minute

// fetchTimeout bounds a single JWKS fetch.
const fetchTimeout = 10 * time.Second

type jwkDoc struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Cache holds the parsed key set from one JWKS endpoint.
type Cache struct {
	URL    string
	TTL    time.Duration
	Client *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewCache builds a cache for the given identity provider domain, using the
// well-known JWKS path.
func NewCache(domain string) *Cache {
	return NewCacheFromURL(fmt.Sprintf("https://%s/.well-known/jwks.json", domain))
}

// NewCacheFromURL builds a cache for an explicit JWKS URL.
func NewCacheFromURL(url string) *Cache {
	return &Cache{
		URL:    url,
		TTL:    DefaultTTL,
		Client: &http.Client{Timeout: fetchTimeout},
	}
}

// Key returns the RSA public key for kid, refreshing the cache when stale.
// Fresh hits take only the read lock; the freshness check is repeated under
// the write lock so concurrent callers after expiry trigger a single fetch.
func (c *Cache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	if c.fresh() {
		if k, ok := c.keys[kid]; ok {
			c.mu.RUnlock()
			return k, nil
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fresh() {
		if k, ok := c.keys[kid]; ok {
			return k, nil
		}
	}

	if err := c.refreshLocked(ctx); err != nil {
		// Serve stale keys over failing closed on a provider blip. Only
		// unreachability qualifies: a malformed document is a provider bug
		// and always fails, with the previous key set left untouched.
		if api.KindOf(err) == api.KindJWKSUnavailable && len(c.keys) > 0 {
			slog.Warn("jwks refresh failed, serving stale keys",
				"url", c.URL,
				"age", time.Since(c.fetchedAt).Round(time.Second),
				"error", err)
			if k, ok := c.keys[kid]; ok {
				return k, nil
			}
			return nil, api.E(api.KindKidUnknown, fmt.Sprintf("unknown kid %q", kid))
		}
		return nil, err
	}

	if k, ok := c.keys[kid]; ok {
		return k, nil
	}
	return nil, api.E(api.KindKidUnknown, fmt.Sprintf("unknown kid %q", kid))
}

func (c *Cache) fresh() bool {
	return len(c.keys) > 0 && time.Since(c.fetchedAt) < c.TTL
}

// refreshLocked fetches and parses the JWKS document. On malformed responses
// the previous key set is left untouched.
func (c *Cache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return api.Wrap(api.KindJWKSUnavailable, "jwks request failed", err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return api.Wrap(api.KindJWKSUnavailable, "jwks fetch failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return api.E(api.KindJWKSUnavailable, fmt.Sprintf("jwks fetch returned HTTP %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return api.Wrap(api.KindJWKSUnavailable, "jwks read failed", err)
	}

	var doc jwkDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return api.Wrap(api.KindJWKSMalformed, "jwks document is not valid JSON", err)
	}
	if doc.Keys == nil {
		return api.E(api.KindJWKSMalformed, "jwks document has no keys array")
	}

	parsed := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k)
		if err != nil {
			return api.Wrap(api.KindJWKSMalformed, fmt.Sprintf("jwk %q is malformed", k.Kid), err)
		}
		parsed[k.Kid] = pub
	}
	if len(parsed) == 0 {
		return api.E(api.KindJWKSUnavailable, "jwks document contains no usable keys")
	}

	c.keys = parsed
	c.fetchedAt = time.Now()
	return nil
}

func parseRSAKey(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eb)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(e.Int64())}, nil
}

// ClearCache drops the cached key set, forcing a fetch on the next lookup.
func (c *Cache) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = nil
	c.fetchedAt = time.Time{}
}

// CacheAge returns how long ago the key set was fetched, or zero when empty.
func (c *Cache) CacheAge() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() {
		return 0
	}
	return time.Since(c.fetchedAt)
}
