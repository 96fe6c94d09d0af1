// Package objectstore abstracts the content-addressed document store the
// pipeline publishes into. Two backends exist: a local filesystem store and
// an S3-compatible store, selected once at startup from a connection locator.
// Both expose write-if-absent semantics so immutable artifacts can never be
// silently overwritten.
package objectstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrPathExists is returned by Create when the key is already occupied.
	ErrPathExists = errors.New("object path already exists")
)

// Store is the narrow capability interface over a single bucket or root.
type Store interface {
	// Create writes the object only if the key is absent; ErrPathExists otherwise.
	Create(ctx context.Context, key string, body []byte, contentType string) error
	// Put writes or replaces the object. Staging paths only; immutable
	// artifacts go through Create.
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// List returns the keys under a prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}
