package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnknownProvider = fmt.Errorf("Unknown cache provider")

// ErrGenerationDeleted is returned when writing through a handle whose generation no longer exists.
var ErrGenerationDeleted = fmt.Errorf("Generation deleted")

// Store is a key-value store of serialized responses, partitioned into
// named generations. Each deployed build of an application owns one generation.
//
// Implementations must be thread-safe!
// Concurrent writes to the same key are resolved last-write-wins.
type Store interface {
	// Open returns a handle to the generation with the given name,
	// creating it if it does not exist yet.
	Open(ctx context.Context, name string) (Generation, error)
	// Names returns the names of all existing generations, in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes a generation and all of its entries.
	// It returns false if no generation with that name existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Match looks up a key in every generation, in creation order,
	// and returns the first stored value found.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Generation is a handle to one named partition of a Store.
// Writing through a handle whose generation has since been deleted fails with
// ErrGenerationDeleted, so a deleted generation only comes back through Open.
type Generation interface {
	Name() string
	// Get returns the stored value for the given key, if it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the given value under the given key.
	Put(ctx context.Context, key string, bytes []byte) error
	// PutAll stores all entries, or none of them if an error is returned.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns all keys stored in the generation, sorted.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key   string
	Bytes []byte
}

// Options selects and configures a Store implementation.
type Options struct {
	// One of "memory", "sqlite", "leveldb" or "redis".
	Provider string `yaml:"provider"`
	// Database file (sqlite) or directory (leveldb).
	Path  string       `yaml:"path"`
	Redis RedisOptions `yaml:"redis"`
}

type RedisOptions struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix for all keys written by the store.
	Prefix string `yaml:"prefix"`
}

// New creates the Store described by opts.
func New(opts Options) (Store, error) {
	switch opts.Provider {
	case "memory":
		return NewMemStore(), nil
	case "", "sqlite":
		filename := opts.Path
		if filename == "" {
			filename = "cache.db"
		}
		if filename == "memory" {
			filename = "file::memory:?cache=shared"
		}
		return NewSQLiteStore(filename)
	case "leveldb":
		path := opts.Path
		if path == "" {
			path = "./data/leveldb"
		}
		return NewLevelDBStore(path)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     opts.Redis.Addr,
			Password: opts.Redis.Password,
			DB:       opts.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis %s: %w", opts.Redis.Addr, err)
		}
		return NewRedisStore(client, opts.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, opts.Provider)
	}
}
