package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/orca/internal/docstore"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/util"
)

const (
	defaultPageSize = 100
	maxTxAttempts   = 5
)

// envelope is the stored value: the JSON document plus its per-key revision.
type envelope struct {
	Revision uint64 `msgpack:"r"`
	Data     []byte `msgpack:"d"`
}

// Store keeps each document under its own key and indexes the sort keys of a
// partition in a sorted set so queries page in lexical order. Conditional
// writes run inside WATCH/MULTI transactions.
type Store struct {
	client   *redis.Client
	prefix   string
	pageSize int
}

func NewStore(client *redis.Client, prefix string, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Store{client: client, prefix: prefix, pageSize: pageSize}
}

func (s *Store) docKey(key docstore.Key) string {
	return fmt.Sprintf("%sdoc:%s:%s", s.prefix, key.Partition, key.Sort)
}

func (s *Store) indexKey(partition string) string {
	return fmt.Sprintf("%sidx:%s", s.prefix, partition)
}

func (s *Store) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Redis/"+op)
	span.AddEvent("redis.context", trace.WithAttributes(attribute.String("key", key)))
	return ctx, span
}

func (s *Store) Get(ctx context.Context, key docstore.Key) (*docstore.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "Get", key.String())
	defer span.End()

	it, err := read(ctx, s.client, s.docKey(key), key)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	if it == nil {
		return nil, docstore.ErrNotFound
	}
	return it, nil
}

func (s *Store) Put(ctx context.Context, item docstore.Item, cond *docstore.Condition) (*docstore.Item, error) {
	if err := item.Key.Validate(); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "Put", item.Key.String())
	defer span.End()

	dk := s.docKey(item.Key)
	var stored *docstore.Item
	err := s.transact(ctx, dk, func(tx *redis.Tx) error {
		existing, err := read(ctx, tx, dk, item.Key)
		if err != nil {
			return err
		}
		if err := cond.Check(existing); err != nil {
			return err
		}
		env := envelope{Revision: 1, Data: item.Data}
		if existing != nil {
			env.Revision = existing.Revision + 1
		}
		b, err := msgpack.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal value for key %s: %w", dk, err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, dk, b, 0)
			p.ZAdd(ctx, s.indexKey(item.Key.Partition), redis.Z{Score: 0, Member: item.Key.Sort})
			return nil
		})
		if err != nil {
			return err
		}
		stored = &docstore.Item{Key: item.Key, Data: item.Data, Revision: env.Revision}
		return nil
	})
	if err != nil {
		if !errors.Is(err, docstore.ErrConditionFailed) {
			util.RecordSpanError(span, err)
		}
		return nil, err
	}
	return stored, nil
}

func (s *Store) Delete(ctx context.Context, key docstore.Key, cond *docstore.Condition) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ctx, span := s.startSpan(ctx, "Delete", key.String())
	defer span.End()

	dk := s.docKey(key)
	err := s.transact(ctx, dk, func(tx *redis.Tx) error {
		existing, err := read(ctx, tx, dk, key)
		if err != nil {
			return err
		}
		if err := cond.Check(existing); err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, dk)
			p.ZRem(ctx, s.indexKey(key.Partition), key.Sort)
			return nil
		})
		return err
	})
	if err != nil && !errors.Is(err, docstore.ErrConditionFailed) {
		util.RecordSpanError(span, err)
	}
	return err
}

// transact retries fn while another client modifies key between WATCH and EXEC.
func (s *Store) transact(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return docstore.ErrConditionFailed
}

func (s *Store) Query(ctx context.Context, partition string, filter docstore.Filter, pageToken string) (docstore.Page, error) {
	ctx, span := s.startSpan(ctx, "Query", partition)
	defer span.End()

	from := "-"
	if pageToken != "" {
		from = "(" + pageToken
	}

	page := docstore.Page{}
	for {
		sorts, err := s.client.ZRangeByLex(ctx, s.indexKey(partition), &redis.ZRangeBy{
			Min:   from,
			Max:   "+",
			Count: int64(s.pageSize),
		}).Result()
		if err != nil {
			util.RecordSpanError(span, err)
			return docstore.Page{}, err
		}
		if len(sorts) == 0 {
			return page, nil
		}
		for _, sk := range sorts {
			key := docstore.Key{Partition: partition, Sort: sk}
			it, err := read(ctx, s.client, s.docKey(key), key)
			if err != nil {
				util.RecordSpanError(span, err)
				return docstore.Page{}, err
			}
			if it == nil {
				continue
			}
			ok, err := filter.Match(it.Data)
			if err != nil {
				return docstore.Page{}, err
			}
			if ok {
				page.Items = append(page.Items, *it)
			}
			if len(page.Items) == s.pageSize {
				page.NextPageToken = sk
				return page, nil
			}
		}
		if len(sorts) < s.pageSize {
			return page, nil
		}
		from = "(" + sorts[len(sorts)-1]
	}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// read returns nil when the key is absent.
func read(ctx context.Context, c getter, dk string, key docstore.Key) (*docstore.Item, error) {
	b, err := c.Get(ctx, dk).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve value for key %s: %w", dk, err)
	}
	var env envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value for key %s: %w", dk, err)
	}
	return &docstore.Item{Key: key, Data: env.Data, Revision: env.Revision}, nil
}

func (s *Store) ShutDown(ctx context.Context) {
	if err := s.client.Close(); err != nil {
		logger.Log.Err(err).Msg("unable to close redis connection")
	}
}
