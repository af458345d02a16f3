package tracecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ongoingai/agentconsole/internal/config"
	"github.com/ongoingai/agentconsole/internal/runtree"
)

var ErrNotFound = errors.New("snapshot not found")

// Store persists opaque snapshot payloads by key until they expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, payload []byte, nodeCount int, ttl time.Duration) error
	Close() error
}

// Pruner is implemented by stores that need expired rows removed explicitly.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Kind separates trace lookups from run lookups in the key space.
type Kind string

const (
	KindTrace Kind = "trace"
	KindRun   Kind = "run"
)

// Key scopes a snapshot to the caller that fetched it, so a tree the backend
// authorized for one token is never served to another.
func Key(kind Kind, caller, id string) string {
	return string(kind) + ":" + caller + ":" + strings.TrimSpace(id)
}

// CallerScope hashes a bearer token into a key segment. An empty token has no
// scope and is never cached.
func CallerScope(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Cache keeps completed run trees. A nil *Cache is valid and caches nothing.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func New(store Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, ttl: ttl, logger: logger}
}

// Open builds the store selected by cfg. Driver "none" returns a nil cache.
func Open(cfg config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	var (
		store Store
		err   error
	)
	switch strings.TrimSpace(cfg.Driver) {
	case "", config.CacheDriverNone:
		return nil, nil
	case config.CacheDriverSQLite:
		store, err = NewSQLiteStore(cfg.Path)
	case config.CacheDriverPostgres:
		store, err = NewPostgresStore(cfg.DSN)
	case config.CacheDriverRedis:
		store, err = NewRedisStore(cfg.RedisAddr, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return New(store, cfg.TTL(), logger), nil
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.store.Close()
}

func (c *Cache) Store() Store {
	if c == nil {
		return nil
	}
	return c.store
}

// Lookup returns the tree cached for caller under id. Store failures are
// logged and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, caller string, kind Kind, id string) ([]*runtree.Node, bool) {
	if c == nil || caller == "" {
		return nil, false
	}
	payload, err := c.store.Get(ctx, Key(kind, caller, id))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("trace cache read failed", "kind", kind, "id", id, "error_class", ClassifyError(err), "error", err)
		}
		return nil, false
	}
	nodes, err := runtree.Decode(payload)
	if err != nil {
		c.logger.Warn("trace cache entry unreadable", "kind", kind, "id", id, "error", err)
		return nil, false
	}
	return nodes, true
}

// Remember stores nodes when every run in the tree has finished. Incomplete
// trees are still changing on the backend and are never cached.
func (c *Cache) Remember(ctx context.Context, caller string, kind Kind, id string, nodes []*runtree.Node) bool {
	if c == nil || caller == "" || !runtree.IsComplete(nodes) {
		return false
	}
	payload, err := json.Marshal(nodes)
	if err != nil {
		c.logger.Warn("trace cache encode failed", "kind", kind, "id", id, "error", err)
		return false
	}
	summary := runtree.Summarize(nodes)
	if err := c.store.Put(ctx, Key(kind, caller, id), payload, summary.Nodes, c.ttl); err != nil {
		c.logger.Warn("trace cache write failed", "kind", kind, "id", id, "error_class", ClassifyError(err), "error", err)
		return false
	}
	return true
}

// Prune removes expired rows when the store needs it.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	if c == nil {
		return 0, nil
	}
	pruner, ok := c.store.(Pruner)
	if !ok {
		return 0, nil
	}
	return pruner.Prune(ctx)
}
