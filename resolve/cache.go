package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mediadl/task"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

const bucketURLs = "urls"

type cachedURL struct {
	URL     string    `json:"url"`
	Expires time.Time `json:"expires"`
}

// Cache remembers resolved URLs in a bbolt file so that re-downloading an
// item skips the mirrors until the entry expires. Storage failures are
// logged and fall through to the wrapped resolver.
type Cache struct {
	db   *bbolt.DB
	ttl  time.Duration
	next task.Resolver
	log  zerolog.Logger
	now  func() time.Time
}

func OpenCache(path string, ttl time.Duration, next task.Resolver, log zerolog.Logger) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open url cache %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketURLs))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db, ttl: ttl, next: next, log: log, now: time.Now}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(item task.Item, q task.Quality) []byte {
	return []byte(string(item.Identity()) + "/" + string(q))
}

func (c *Cache) Resolve(ctx context.Context, item task.Item, q task.Quality) (string, error) {
	key := cacheKey(item, q)
	if u, ok := c.lookup(key); ok {
		c.log.Debug().Bytes("key", key).Msg("url cache hit")
		return u, nil
	}

	u, err := c.next.Resolve(ctx, item, q)
	if err != nil {
		return "", err
	}

	data, _ := json.Marshal(cachedURL{URL: u, Expires: c.now().Add(c.ttl)})
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketURLs)).Put(key, data)
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("could not store resolved url")
	}
	return u, nil
}

func (c *Cache) lookup(key []byte) (string, bool) {
	var rec cachedURL
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketURLs)).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("url cache read failed")
		return "", false
	}
	if !found || rec.URL == "" || !c.now().Before(rec.Expires) {
		return "", false
	}
	return rec.URL, true
}

// Invalidate drops the cached URL for item at q, e.g. after the URL failed
// to download.
func (c *Cache) Invalidate(item task.Item, q task.Quality) {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketURLs)).Delete(cacheKey(item, q))
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("url cache invalidate failed")
	}
	if inv, ok := c.next.(task.Invalidator); ok {
		inv.Invalidate(item, q)
	}
}

// Purge removes every expired entry and reports how many were dropped.
func (c *Cache) Purge() (int, error) {
	now := c.now()
	n := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketURLs))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec cachedURL
			if err := json.Unmarshal(v, &rec); err != nil || !now.Before(rec.Expires) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}
