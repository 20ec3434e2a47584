package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/orca/internal/db"
	"github.com/ssuji15/orca/internal/docstore"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/util"
)

const defaultPageSize = 100

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	partition_key TEXT NOT NULL,
	sort_key      TEXT NOT NULL,
	data          JSONB NOT NULL,
	revision      BIGINT NOT NULL,
	PRIMARY KEY (partition_key, sort_key)
)`

// Store keeps documents in a single table keyed by (partition, sort).
// Conditional writes lock the row with SELECT ... FOR UPDATE.
type Store struct {
	db       *db.DB
	pageSize int
}

func NewStore(d *db.DB, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Store{db: d, pageSize: pageSize}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate documents table: %w", err)
	}
	return nil
}

func (s *Store) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Postgres/"+op)
	span.AddEvent("db.context", trace.WithAttributes(attribute.String("key", key)))
	return ctx, span
}

func (s *Store) Get(ctx context.Context, key docstore.Key) (*docstore.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "Get", key.String())
	defer span.End()

	it, err := selectItem(ctx, s.db.Pool, key, false)
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

	rev, err := s.put(ctx, item, cond)
	if err != nil {
		if !errors.Is(err, docstore.ErrConditionFailed) {
			util.RecordSpanError(span, err)
		}
		return nil, err
	}
	item.Revision = uint64(rev)
	return &item, nil
}

func (s *Store) put(ctx context.Context, item docstore.Item, cond *docstore.Condition) (int64, error) {
	var rev int64
	switch {
	case cond == nil || (!cond.NotExists && len(cond.Equals) == 0):
		err := s.db.Pool.QueryRow(ctx, `
			INSERT INTO documents (partition_key, sort_key, data, revision)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (partition_key, sort_key)
			DO UPDATE SET data = EXCLUDED.data, revision = documents.revision + 1
			RETURNING revision`,
			item.Key.Partition, item.Key.Sort, item.Data,
		).Scan(&rev)
		return rev, err
	case cond.NotExists:
		err := s.db.Pool.QueryRow(ctx, `
			INSERT INTO documents (partition_key, sort_key, data, revision)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (partition_key, sort_key) DO NOTHING
			RETURNING revision`,
			item.Key.Partition, item.Key.Sort, item.Data,
		).Scan(&rev)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, docstore.ErrConditionFailed
		}
		return rev, err
	}

	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		existing, err := selectItem(ctx, tx, item.Key, true)
		if err != nil {
			return err
		}
		if err := cond.Check(existing); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			UPDATE documents SET data = $3, revision = revision + 1
			WHERE partition_key = $1 AND sort_key = $2
			RETURNING revision`,
			item.Key.Partition, item.Key.Sort, item.Data,
		).Scan(&rev)
	})
	return rev, err
}

func (s *Store) Delete(ctx context.Context, key docstore.Key, cond *docstore.Condition) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ctx, span := s.startSpan(ctx, "Delete", key.String())
	defer span.End()

	if cond == nil || (!cond.NotExists && len(cond.Equals) == 0) {
		_, err := s.db.Pool.Exec(ctx, `DELETE FROM documents WHERE partition_key = $1 AND sort_key = $2`, key.Partition, key.Sort)
		if err != nil {
			util.RecordSpanError(span, err)
		}
		return err
	}

	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		existing, err := selectItem(ctx, tx, key, true)
		if err != nil {
			return err
		}
		if err := cond.Check(existing); err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		_, err = tx.Exec(ctx, `DELETE FROM documents WHERE partition_key = $1 AND sort_key = $2`, key.Partition, key.Sort)
		return err
	})
	if err != nil && !errors.Is(err, docstore.ErrConditionFailed) {
		util.RecordSpanError(span, err)
	}
	return err
}

func (s *Store) Query(ctx context.Context, partition string, filter docstore.Filter, pageToken string) (docstore.Page, error) {
	ctx, span := s.startSpan(ctx, "Query", partition)
	defer span.End()

	var (
		rows pgx.Rows
		err  error
	)
	if filter.IsZero() {
		rows, err = s.db.Pool.Query(ctx, `
			SELECT sort_key, data, revision FROM documents
			WHERE partition_key = $1 AND sort_key > $2
			ORDER BY sort_key
			LIMIT $3`,
			partition, pageToken, s.pageSize,
		)
	} else {
		rows, err = s.db.Pool.Query(ctx, `
			SELECT sort_key, data, revision FROM documents
			WHERE partition_key = $1 AND sort_key > $2 AND data->>$4 = ANY($5::text[])
			ORDER BY sort_key
			LIMIT $3`,
			partition, pageToken, s.pageSize, filter.Field, filter.In,
		)
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return docstore.Page{}, err
	}
	defer rows.Close()

	page := docstore.Page{}
	for rows.Next() {
		var (
			sk   string
			data []byte
			rev  int64
		)
		if err := rows.Scan(&sk, &data, &rev); err != nil {
			util.RecordSpanError(span, err)
			return docstore.Page{}, err
		}
		page.Items = append(page.Items, docstore.Item{
			Key:      docstore.Key{Partition: partition, Sort: sk},
			Data:     data,
			Revision: uint64(rev),
		})
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return docstore.Page{}, err
	}
	if len(page.Items) == s.pageSize {
		page.NextPageToken = page.Items[len(page.Items)-1].Key.Sort
	}
	return page, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// selectItem returns nil when no row exists. forUpdate locks the row for the
// rest of the enclosing transaction.
func selectItem(ctx context.Context, q querier, key docstore.Key, forUpdate bool) (*docstore.Item, error) {
	sql := `SELECT data, revision FROM documents WHERE partition_key = $1 AND sort_key = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		data []byte
		rev  int64
	)
	err := q.QueryRow(ctx, sql, key.Partition, key.Sort).Scan(&data, &rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key.String(), err)
	}
	return &docstore.Item{Key: key, Data: data, Revision: uint64(rev)}, nil
}

func (s *Store) ShutDown(ctx context.Context) {
	s.db.Close(ctx)
}
