package ghostdns

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // pure-Go driver, no cgo
)

// CacheEntryKind selects which configured TTL a store call uses.
type CacheEntryKind int

const (
	// Positive entries use the configured positive TTL.
	Positive CacheEntryKind = iota
	// Negative entries use the configured negative (NXDomain) TTL.
	Negative
)

// Cache is the persistent, TTL-aware response cache from spec §4.3. It is
// durable across restarts, serializes writes through mu, and runs each
// SQLite call on its own goroutine; Lookup and Store wait for that goroutine's
// result before returning.
type Cache struct {
	db          *sql.DB
	mu          sync.Mutex
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// NewCache opens (or creates) the cache database at cfg.Path. If Path is
// unset or both TTLs are zero, the cache is disabled and NewCache returns
// (nil, nil) — callers must treat a nil *Cache as "no cache" and rely on its
// nil-safe Lookup/Store/Close methods.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Path == "" {
		Log.Info("response cache disabled; no cache.path configured")
		return nil, nil
	}

	var positiveTTL, negativeTTL time.Duration
	if cfg.TTLSeconds > 0 {
		positiveTTL = time.Duration(cfg.TTLSeconds) * time.Second
	}
	if cfg.NegativeTTLSeconds > 0 {
		negativeTTL = time.Duration(cfg.NegativeTTLSeconds) * time.Second
	}
	if positiveTTL == 0 && negativeTTL == 0 {
		Log.Info("response cache disabled; cache TTLs set to zero")
		return nil, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating cache directory %s", dir)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening cache at %s", cfg.Path)
	}
	db.SetMaxOpenConns(1) // single-writer SQLite; one connection avoids SQLITE_BUSY races

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS dns_cache (
		cache_key TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL,
		response BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating dns_cache table")
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_dns_cache_expiry ON dns_cache(expires_at)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating dns_cache index")
	}
	if _, err := db.Exec(`DELETE FROM dns_cache WHERE expires_at <= ?`, time.Now().Unix()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "purging expired cache rows")
	}

	Log.WithField("path", cfg.Path).Info("initialised response cache")
	return &Cache{db: db, positiveTTL: positiveTTL, negativeTTL: negativeTTL}, nil
}

// Close releases the underlying database handle. Safe to call on a nil
// *Cache.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

// Lookup returns a non-expired entry for key, or (nil, false) on a miss. An
// expired row is deleted before reporting the miss. Safe to call on a nil
// *Cache (always a miss).
func (c *Cache) Lookup(key string) ([]byte, bool, error) {
	if c == nil || key == "" {
		return nil, false, nil
	}

	type result struct {
		bytes []byte
		ok    bool
		err   error
	}
	done := make(chan result, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		var response []byte
		var expiresAt int64
		err := c.db.QueryRow(`SELECT response, expires_at FROM dns_cache WHERE cache_key = ?`, key).Scan(&response, &expiresAt)
		if err == sql.ErrNoRows {
			done <- result{}
			return
		}
		if err != nil {
			done <- result{err: errors.Wrap(err, "cache lookup")}
			return
		}

		if expiresAt <= time.Now().Unix() {
			if _, err := c.db.Exec(`DELETE FROM dns_cache WHERE cache_key = ?`, key); err != nil {
				done <- result{err: errors.Wrap(err, "deleting expired cache row")}
				return
			}
			done <- result{}
			return
		}
		done <- result{bytes: response, ok: true}
	}()

	r := <-done
	return r.bytes, r.ok, r.err
}

// Store upserts key→payload with the TTL selected by kind. If the selected
// TTL is zero (cache nil, or that kind's TTL configured to zero), Store is a
// no-op. Safe to call on a nil *Cache.
func (c *Cache) Store(key string, payload []byte, kind CacheEntryKind) error {
	if c == nil || key == "" {
		return nil
	}

	ttl := c.positiveTTL
	if kind == Negative {
		ttl = c.negativeTTL
	}
	if ttl == 0 {
		return nil
	}
	expiresAt := time.Now().Add(ttl).Unix()

	errc := make(chan error, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, err := c.db.Exec(`INSERT INTO dns_cache (cache_key, expires_at, response)
			VALUES (?, ?, ?)
			ON CONFLICT(cache_key) DO UPDATE SET
				expires_at = excluded.expires_at,
				response = excluded.response`, key, expiresAt, payload)
		errc <- err
	}()
	if err := <-errc; err != nil {
		return errors.Wrap(err, "cache store")
	}
	return nil
}

// classifyForCache maps a response code to the cache kind it should be
// stored under, or (_, false) when the response must not be cached.
func classifyForCache(rcode int) (CacheEntryKind, bool) {
	switch rcode {
	case dns.RcodeSuccess:
		return Positive, true
	case dns.RcodeNameError:
		return Negative, true
	default:
		return 0, false
	}
}
