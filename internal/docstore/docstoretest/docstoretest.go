// Package docstoretest holds the behaviour every docstore.Store adapter must
// show. Adapter tests call Run with a constructor returning an empty store.
package docstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ssuji15/orca/internal/docstore"
)

type doc struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
}

func mustItem(t *testing.T, key docstore.Key, d doc) docstore.Item {
	t.Helper()
	it, err := docstore.NewItem(key, d)
	require.NoError(t, err)
	return it
}

// Run exercises newStore against the docstore contract. Each subtest gets a
// fresh partition so adapters backed by shared servers do not interfere.
func Run(t *testing.T, newStore func(t *testing.T) docstore.Store) {
	ctx := context.Background()
	partition := func(t *testing.T, name string) string {
		return fmt.Sprintf("p-%s-%s", name, uuid.NewString()[:8])
	}

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, docstore.Key{Partition: partition(t, "missing"), Sort: "a"})
		require.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("put then get round trips", func(t *testing.T) {
		s := newStore(t)
		key := docstore.Key{Partition: partition(t, "rt"), Sort: "a"}
		stored, err := s.Put(ctx, mustItem(t, key, doc{Name: "a", Status: "New"}), nil)
		require.NoError(t, err)
		require.NotZero(t, stored.Revision)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		var d doc
		require.NoError(t, got.Decode(&d))
		require.Equal(t, "a", d.Name)
		require.Equal(t, stored.Revision, got.Revision)
	})

	t.Run("not exists condition", func(t *testing.T) {
		s := newStore(t)
		key := docstore.Key{Partition: partition(t, "nx"), Sort: "lock"}
		_, err := s.Put(ctx, mustItem(t, key, doc{Name: "first"}), &docstore.Condition{NotExists: true})
		require.NoError(t, err)

		_, err = s.Put(ctx, mustItem(t, key, doc{Name: "second"}), &docstore.Condition{NotExists: true})
		require.ErrorIs(t, err, docstore.ErrConditionFailed)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		var d doc
		require.NoError(t, got.Decode(&d))
		require.Equal(t, "first", d.Name)
	})

	t.Run("not exists condition after delete", func(t *testing.T) {
		s := newStore(t)
		key := docstore.Key{Partition: partition(t, "nxdel"), Sort: "lock"}
		_, err := s.Put(ctx, mustItem(t, key, doc{Name: "first"}), &docstore.Condition{NotExists: true})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, key, nil))

		_, err = s.Put(ctx, mustItem(t, key, doc{Name: "again"}), &docstore.Condition{NotExists: true})
		require.NoError(t, err)
	})

	t.Run("equals condition guards put and delete", func(t *testing.T) {
		s := newStore(t)
		key := docstore.Key{Partition: partition(t, "eq"), Sort: "lock"}
		_, err := s.Put(ctx, mustItem(t, key, doc{Name: "x", Token: "t1"}), nil)
		require.NoError(t, err)

		_, err = s.Put(ctx, mustItem(t, key, doc{Name: "y", Token: "t2"}), &docstore.Condition{Equals: map[string]string{"token": "other"}})
		require.ErrorIs(t, err, docstore.ErrConditionFailed)

		err = s.Delete(ctx, key, &docstore.Condition{Equals: map[string]string{"token": "other"}})
		require.ErrorIs(t, err, docstore.ErrConditionFailed)

		err = s.Delete(ctx, key, &docstore.Condition{Equals: map[string]string{"token": "t1"}})
		require.NoError(t, err)

		_, err = s.Get(ctx, key)
		require.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("conditional delete of missing item fails", func(t *testing.T) {
		s := newStore(t)
		key := docstore.Key{Partition: partition(t, "delmiss"), Sort: "lock"}
		err := s.Delete(ctx, key, &docstore.Condition{Equals: map[string]string{"token": "t1"}})
		require.ErrorIs(t, err, docstore.ErrConditionFailed)
		require.NoError(t, s.Delete(ctx, key, nil))
	})

	t.Run("concurrent create has one winner", func(t *testing.T) {
		s := newStore(t)
		key := docstore.Key{Partition: partition(t, "race"), Sort: "lock"}
		const n = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Put(ctx, mustItem(t, key, doc{Name: fmt.Sprint(i)}), &docstore.Condition{NotExists: true})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				if !errors.Is(err, docstore.ErrConditionFailed) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})

	t.Run("query filters and paginates", func(t *testing.T) {
		s := newStore(t)
		p := partition(t, "query")
		for i := 0; i < 7; i++ {
			status := "New"
			if i%2 == 1 {
				status = "Completed"
			}
			key := docstore.Key{Partition: p, Sort: fmt.Sprintf("%03d", i)}
			_, err := s.Put(ctx, mustItem(t, key, doc{Name: fmt.Sprint(i), Status: status}), nil)
			require.NoError(t, err)
		}
		_, err := s.Put(ctx, mustItem(t, docstore.Key{Partition: p + "-other", Sort: "x"}, doc{Status: "New"}), nil)
		require.NoError(t, err)

		seen := map[string]bool{}
		token := ""
		for pages := 0; pages < 20; pages++ {
			page, err := s.Query(ctx, p, docstore.Filter{Field: "status", In: []string{"New"}}, token)
			require.NoError(t, err)
			for _, it := range page.Items {
				var d doc
				require.NoError(t, it.Decode(&d))
				require.Equal(t, "New", d.Status)
				require.Equal(t, p, it.Key.Partition)
				seen[d.Name] = true
			}
			if page.NextPageToken == "" {
				break
			}
			token = page.NextPageToken
		}
		require.Len(t, seen, 4)
	})
}
