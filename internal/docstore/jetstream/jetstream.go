package jetstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/orca/internal/docstore"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/util"
)

const (
	defaultPageSize = 100
	// conditional writes re-read and retry this many times when a concurrent
	// writer bumps the revision between the check and the write
	maxCASAttempts = 5
)

// Store keeps documents in a JetStream key/value bucket. A key maps to
// "<partition>.<sort>" so a partition is a single subject wildcard.
type Store struct {
	connection *nats.Conn
	bucket     nats.KeyValue
	pageSize   int
}

func NewStore(nc *nats.Conn, bucket string, pageSize int) (*Store, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := createOrGetBucket(js, bucket)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Store{connection: nc, bucket: kv, pageSize: pageSize}, nil
}

func createOrGetBucket(js nats.JetStreamContext, bucket string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("error retrieving nats bucket instance: %w", err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "orca jobs, executions, locks and triggers",
		History:     1,
		Storage:     nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create nats bucket: %w", err)
	}
	return kv, nil
}

func subject(key docstore.Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if strings.ContainsAny(key.Partition, ".*> ") || strings.ContainsAny(key.Sort, ".*> ") {
		return "", fmt.Errorf("docstore: key %q is not a valid kv key", key.String())
	}
	return key.Partition + "." + key.Sort, nil
}

func (s *Store) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Nats/KV/"+op)
	span.AddEvent("nats.context", trace.WithAttributes(attribute.String("key", key)))
	return ctx, span
}

func (s *Store) Get(ctx context.Context, key docstore.Key) (*docstore.Item, error) {
	k, err := subject(key)
	if err != nil {
		return nil, err
	}
	_, span := s.startSpan(ctx, "Get", k)
	defer span.End()

	entry, err := s.bucket.Get(k)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, docstore.ErrNotFound
		}
		err = fmt.Errorf("failed to retrieve value for key %s: %w", k, err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	return &docstore.Item{Key: key, Data: entry.Value(), Revision: entry.Revision()}, nil
}

func (s *Store) Put(ctx context.Context, item docstore.Item, cond *docstore.Condition) (*docstore.Item, error) {
	k, err := subject(item.Key)
	if err != nil {
		return nil, err
	}
	_, span := s.startSpan(ctx, "Put", k)
	defer span.End()

	rev, err := s.put(k, item, cond)
	if err != nil {
		if !errors.Is(err, docstore.ErrConditionFailed) {
			util.RecordSpanError(span, err)
		}
		return nil, err
	}
	item.Revision = rev
	return &item, nil
}

func (s *Store) put(k string, item docstore.Item, cond *docstore.Condition) (uint64, error) {
	switch {
	case cond == nil || (!cond.NotExists && len(cond.Equals) == 0):
		return s.bucket.Put(k, item.Data)
	case cond.NotExists:
		rev, err := s.bucket.Create(k, item.Data)
		if isWrongRevision(err) {
			return 0, docstore.ErrConditionFailed
		}
		return rev, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		existing, err := s.current(k, item.Key)
		if err != nil {
			return 0, err
		}
		if err := cond.Check(existing); err != nil {
			return 0, err
		}
		rev, err := s.bucket.Update(k, item.Data, existing.Revision)
		if isWrongRevision(err) {
			continue
		}
		return rev, err
	}
	return 0, docstore.ErrConditionFailed
}

func (s *Store) Delete(ctx context.Context, key docstore.Key, cond *docstore.Condition) error {
	k, err := subject(key)
	if err != nil {
		return err
	}
	_, span := s.startSpan(ctx, "Delete", k)
	defer span.End()

	if cond == nil || (!cond.NotExists && len(cond.Equals) == 0) {
		if err := s.bucket.Delete(k); err != nil {
			util.RecordSpanError(span, err)
			return err
		}
		return nil
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		existing, err := s.current(k, key)
		if err != nil {
			return err
		}
		if err := cond.Check(existing); err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		err = s.bucket.Delete(k, nats.LastRevision(existing.Revision))
		if isWrongRevision(err) {
			continue
		}
		if err != nil {
			util.RecordSpanError(span, err)
		}
		return err
	}
	return docstore.ErrConditionFailed
}

// current returns the stored item or nil when the key has no live value.
func (s *Store) current(k string, key docstore.Key) (*docstore.Item, error) {
	entry, err := s.bucket.Get(k)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve value for key %s: %w", k, err)
	}
	return &docstore.Item{Key: key, Data: entry.Value(), Revision: entry.Revision()}, nil
}

func (s *Store) Query(ctx context.Context, partition string, filter docstore.Filter, pageToken string) (docstore.Page, error) {
	ctx, span := s.startSpan(ctx, "Query", partition)
	defer span.End()

	sorts, err := s.sortKeys(ctx, partition)
	if err != nil {
		util.RecordSpanError(span, err)
		return docstore.Page{}, err
	}

	page := docstore.Page{}
	for _, sk := range sorts {
		if sk <= pageToken {
			continue
		}
		key := docstore.Key{Partition: partition, Sort: sk}
		it, err := s.Get(ctx, key)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			util.RecordSpanError(span, err)
			return docstore.Page{}, err
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
			break
		}
	}
	return page, nil
}

// sortKeys lists the live sort keys of a partition in lexical order.
func (s *Store) sortKeys(ctx context.Context, partition string) ([]string, error) {
	w, err := s.bucket.Watch(partition+".*", nats.MetaOnly(), nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := w.Stop(); err != nil {
			logger.Log.Debug().Err(err).Msg("failed to stop kv watcher")
		}
	}()

	prefix := partition + "."
	var sorts []string
	for entry := range w.Updates() {
		// a nil entry marks the end of the initial values
		if entry == nil {
			break
		}
		sorts = append(sorts, strings.TrimPrefix(entry.Key(), prefix))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.Sort(sorts)
	return sorts, nil
}

func isWrongRevision(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func (s *Store) Close() error {
	return s.connection.Drain()
}

func (s *Store) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	s.connection.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := s.Close(); err != nil {
		logger.Log.Err(err).Msg("unable to close nats connection")
	}

	select {
	case <-done:
		return
	case <-ctx.Done():
		s.connection.Close()
	}
}
