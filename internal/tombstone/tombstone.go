// Package tombstone keeps track of object IDs which have recently been deleted by this process.
package tombstone

import (
	"fmt"
	"os"

	"github.com/WANdisco/jgit-sub000/internal/git"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

const (
	// EnvSeed names the environment variable holding a comma separated list of object IDs
	// the cache is seeded with on creation.
	EnvSeed = "DELETED_OBJECTID_TOMBSTONES"
	// DefaultCapacity is the number of tombstones kept when nothing else is configured.
	DefaultCapacity = 20000
)

// Cache is a bounded set of deleted object IDs with least-recently-used eviction. Only the
// newest tombstones are kept. It is safe for concurrent use.
type Cache struct {
	cache *lru.Cache
}

type options struct {
	seed   string
	logger logrus.FieldLogger
}

// Option configures a Cache.
type Option func(*options)

// WithSeed seeds the cache with a comma separated list of object IDs instead of the contents
// of the DELETED_OBJECTID_TOMBSTONES environment variable.
func WithSeed(seed string) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithLogger sets the logger invalid seed entries are reported to.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a cache holding at most capacity tombstones. Entries of the seed list which are
// not valid object IDs are logged and skipped. The last entry of the seed list is the most
// recent one.
func New(capacity int, opts ...Option) (*Cache, error) {
	o := options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.seed == "" {
		o.seed = os.Getenv(EnvSeed)
	}

	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("creating tombstone cache: %w", err)
	}
	c := &Cache{cache: cache}

	oids, errs := git.ParseObjectIDList(o.seed)
	for _, err := range errs {
		o.logger.WithError(err).Warn("unable to load tombstone item")
	}
	c.AddAll(oids)

	return c, nil
}

// Add records oid as deleted, making it the most recent tombstone.
func (c *Cache) Add(oid git.ObjectID) {
	c.cache.Add(oid, struct{}{})
}

// AddAll adds every ID in order, so that the last one becomes the most recent tombstone.
func (c *Cache) AddAll(oids []git.ObjectID) {
	for _, oid := range oids {
		c.Add(oid)
	}
}

// ContainsPeek checks for a tombstone without changing its recency.
func (c *Cache) ContainsPeek(oid git.ObjectID) bool {
	return c.cache.Contains(oid)
}

// ContainsUpdateLastAccessed checks for a tombstone and makes it the most recent one if found.
func (c *Cache) ContainsUpdateLastAccessed(oid git.ObjectID) bool {
	_, ok := c.cache.Get(oid)
	return ok
}

// PeekHead returns the most recent tombstone, or false if the cache is empty.
func (c *Cache) PeekHead() (git.ObjectID, bool) {
	keys := c.cache.Keys()
	if len(keys) == 0 {
		return "", false
	}
	return keys[len(keys)-1].(git.ObjectID), true
}

// Len returns the number of tombstones held.
func (c *Cache) Len() int {
	return c.cache.Len()
}
