// Package cache implements a bounded in-memory response cache: LRU + TTL
// eviction, HTTP caching helpers, and a user discriminator in cache keys so
// personalized responses never leak across principals.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one stored response.
type Entry struct {
	Status      int
	Header      http.Header
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AccessCount int
	LastAccess  time.Time
	SizeBytes   int64
}

// Stats reports cache statistics for the admin surface.
type Stats struct {
	Entries   int
	Bytes     int64
	Evictions int64
	Hits      int64
	Misses    int64
}

// Cache is a bounded entry-count + byte-size store, backed by
// hashicorp/golang-lru/v2 for the access-order bookkeeping; the byte-size
// bound and TTL sweep are layered on top in a plain hand-rolled style
// matching the rest of this codebase (see DESIGN.md for where the LRU
// dependency comes from).
type Cache struct {
	mu         sync.Mutex
	lru        *lru.Cache[string, *Entry]
	maxBytes   int64
	totalBytes int64
	defaultTTL time.Duration

	evictions int64
	hits      int64
	misses    int64

	stopCh chan struct{}
}

func New(maxEntries int, maxBytes int64, defaultTTL time.Duration, sweepEvery time.Duration) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	c := &Cache{maxBytes: maxBytes, defaultTTL: defaultTTL, stopCh: make(chan struct{})}
	l, err := lru.NewWithEvict[string, *Entry](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	if sweepEvery > 0 {
		go c.sweepLoop(sweepEvery)
	}
	return c, nil
}

// onEvict runs synchronously inside Add/Remove while the caller already
// holds c.mu; it must not re-lock.
func (c *Cache) onEvict(_ string, e *Entry) {
	c.totalBytes -= e.SizeBytes
	c.evictions++
}

func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(e.ExpiresAt) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	e.AccessCount++
	e.LastAccess = time.Now()
	c.hits++
	return e, true
}

func (c *Cache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set inserts value under key with ttl (falling back to the default TTL
// when ttl <= 0), evicting least-recently-accessed entries until both the
// entry-count and byte-size bounds are satisfied.
func (c *Cache) Set(key string, value *Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()
	value.CreatedAt = now
	value.ExpiresAt = now.Add(ttl)
	value.LastAccess = now
	value.SizeBytes = estimateSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		c.totalBytes -= old.SizeBytes
	}
	c.lru.Add(key, value)
	c.totalBytes += value.SizeBytes

	for c.maxBytes > 0 && c.totalBytes > c.maxBytes && c.lru.Len() > 0 {
		keys := c.lru.Keys() // oldest first
		if len(keys) == 0 {
			break
		}
		c.lru.Remove(keys[0])
	}
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.totalBytes = 0
	c.mu.Unlock()
}

// GetOrSet returns the cached value for key if present and unexpired;
// otherwise it calls producer, stores the result, and returns it.
func (c *Cache) GetOrSet(key string, ttl time.Duration, producer func() (*Entry, error)) (*Entry, error) {
	if e, ok := c.Get(key); ok {
		return e, nil
	}
	e, err := producer()
	if err != nil {
		return nil, err
	}
	c.Set(key, e, ttl)
	return e, nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.lru.Len(),
		Bytes:     c.totalBytes,
		Evictions: c.evictions,
		Hits:      c.hits,
		Misses:    c.misses,
	}
}

func (c *Cache) Close() {
	close(c.stopCh)
}

func (c *Cache) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.sweepExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if ok && now.After(e.ExpiresAt) {
			c.lru.Remove(k)
		}
	}
}

func estimateSize(e *Entry) int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// hopByHop headers that must never be stored or replayed, the same list
// the forwarder strips from outbound requests, reused here for
// cache-served responses.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// gatewayInternal headers never copied into a cache entry.
var gatewayInternal = map[string]struct{}{
	"x-cache":                 {},
	"x-gateway-target":        {},
	"x-gateway-response-time": {},
	"x-gateway-route":         {},
	"x-trace-id":              {},
}

// HTTPKey builds the `http:<METHOD>:<URL>[:user:<hash>]` cache key. The
// user discriminator is the hash of the Authorization header (or an
// explicit X-User-Id header), so personalized responses never leak across
// principals.
func HTTPKey(method, rawURL string, headers http.Header) string {
	u, err := url.Parse(rawURL)
	path := rawURL
	if err == nil {
		u.RawQuery = ""
		path = u.String()
	}
	key := "http:" + strings.ToUpper(method) + ":" + path

	disc := ""
	if auth := headers.Get("Authorization"); auth != "" {
		disc = auth
	} else if uid := headers.Get("X-User-Id"); uid != "" {
		disc = uid
	}
	if disc != "" {
		sum := sha256.Sum256([]byte(disc))
		key += ":user:" + hex.EncodeToString(sum[:])[:16]
	}
	return key
}

// ShouldCacheResponse is true iff status is 2xx, Cache-Control contains
// neither no-cache nor no-store, and there is no Set-Cookie header.
func ShouldCacheResponse(status int, headers http.Header) bool {
	if status < 200 || status >= 300 {
		return false
	}
	if headers.Get("Set-Cookie") != "" {
		return false
	}
	cc := strings.ToLower(headers.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		return false
	}
	return true
}

// TTLFromHeaders returns max-age (as a duration) if present, else
// Expires-minus-now if in the future, else ok=false meaning the default
// TTL applies.
func TTLFromHeaders(headers http.Header) (time.Duration, bool) {
	cc := headers.Get("Cache-Control")
	for _, part := range strings.Split(cc, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if strings.HasPrefix(part, "max-age=") {
			secs, err := strconv.Atoi(strings.TrimPrefix(part, "max-age="))
			if err == nil && secs > 0 {
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	if exp := headers.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			if d := time.Until(t); d > 0 {
				return d, true
			}
		}
	}
	return 0, false
}

// FilterHeaders strips hop-by-hop and gateway-internal headers before
// storing or replaying a cache entry.
func FilterHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		lk := strings.ToLower(k)
		if _, skip := hopByHop[lk]; skip {
			continue
		}
		if _, skip := gatewayInternal[lk]; skip {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// EncodeAuthDiscriminator is exposed for callers (e.g. the admin surface)
// that need to compute the same discriminator HTTPKey uses, e.g. to
// invalidate a specific user's cached entries.
func EncodeAuthDiscriminator(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])[:16]
}
