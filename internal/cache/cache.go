package cache

import (
	"context"
	"errors"
)

var ErrCacheMiss = errors.New("cache: miss")

type Cache interface {
	Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error
	// Get decodes the cached value into out, a non-nil pointer. It returns
	// ErrCacheMiss when the key is absent or expired.
	Get(ctx context.Context, key string, out interface{}) error
	Delete(ctx context.Context, key string) error
	GetDefaultTTL() int
	ShutDown(ctx context.Context)
}
