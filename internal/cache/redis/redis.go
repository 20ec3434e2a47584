package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/orca/internal/cache"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/util"
)

// RedisCache is a cache shared by every process pointed at the same server.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    int
}

func NewRedisCache(client *redis.Client, prefix string, ttl int) *RedisCache {
	return &RedisCache{client: client, prefix: prefix + "cache:", ttl: ttl}
}

func (r *RedisCache) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "RedisCache/"+op)
	span.AddEvent("redis.context", trace.WithAttributes(attribute.String("key", key)))
	return ctx, span
}

func (r *RedisCache) Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error {
	ctx, span := r.startSpan(ctx, "Put", key)
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		util.RecordSpanError(span, err)
		return err
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		err = fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, b, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, key string, out interface{}) error {
	ctx, span := r.startSpan(ctx, "Get", key)
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.ErrCacheMiss
	}
	if err != nil {
		err = fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := msgpack.Unmarshal(b, out); err != nil {
		err = fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, span := r.startSpan(ctx, "Delete", key)
	defer span.End()
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisCache) GetDefaultTTL() int {
	return r.ttl
}

func (r *RedisCache) ShutDown(ctx context.Context) {
	if err := r.client.Close(); err != nil {
		logger.Log.Err(err).Msg("unable to close redis cache connection")
	}
}
