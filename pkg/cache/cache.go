package cache

import (
	"context"
	"errors"
	"io"

	"github.com/pmkol/swcache-x/pkg/fetch"
)

var ErrNoSuchCache = errors.New("no such cache")

// Backend stores named caches of response snapshots.
// Each named cache is independently sequenced; Backend needs no
// cross-cache atomicity.
type Backend interface {
	// Open creates the named cache if it does not exist. capacity is a
	// hint for backends that bound memory, 0 means the backend default.
	Open(ctx context.Context, name string, capacity int) error

	// Get returns the stored response for key. A missing cache or key
	// returns ok == false and a nil error.
	Get(ctx context.Context, name, key string) (r *fetch.Response, ok bool, err error)

	// Store replaces the response for key. The backend keeps its own copy.
	Store(ctx context.Context, name, key string, r *fetch.Response) error

	// Names lists all caches, in no particular order.
	Names(ctx context.Context) ([]string, error)

	// Keys lists the keys stored in the named cache.
	Keys(ctx context.Context, name string) ([]string, error)

	// Drop deletes the named cache and all its entries. It reports
	// whether the cache existed.
	Drop(ctx context.Context, name string) (bool, error)

	io.Closer
}
