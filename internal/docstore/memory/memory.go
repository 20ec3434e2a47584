package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/ssuji15/orca/internal/docstore"
)

const defaultPageSize = 100

// Store keeps documents in process memory. Used for standalone mode and tests.
type Store struct {
	mu       sync.Mutex
	items    map[docstore.Key]docstore.Item
	revision uint64
	pageSize int
}

func NewStore(pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Store{
		items:    make(map[docstore.Key]docstore.Item),
		pageSize: pageSize,
	}
}

func (s *Store) Get(ctx context.Context, key docstore.Key) (*docstore.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return clone(it), nil
}

func (s *Store) Put(ctx context.Context, item docstore.Item, cond *docstore.Condition) (*docstore.Item, error) {
	if err := item.Key.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := cond.Check(s.lookup(item.Key)); err != nil {
		return nil, err
	}
	s.revision++
	item.Revision = s.revision
	item.Data = slices.Clone(item.Data)
	s.items[item.Key] = item
	return clone(item), nil
}

func (s *Store) Delete(ctx context.Context, key docstore.Key, cond *docstore.Condition) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.lookup(key)
	if existing == nil {
		if cond != nil && len(cond.Equals) > 0 {
			return docstore.ErrConditionFailed
		}
		return nil
	}
	if err := cond.Check(existing); err != nil {
		return err
	}
	delete(s.items, key)
	return nil
}

func (s *Store) Query(ctx context.Context, partition string, filter docstore.Filter, pageToken string) (docstore.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sorts []string
	for k := range s.items {
		if k.Partition == partition && k.Sort > pageToken {
			sorts = append(sorts, k.Sort)
		}
	}
	slices.Sort(sorts)

	page := docstore.Page{}
	for _, sk := range sorts {
		it := s.items[docstore.Key{Partition: partition, Sort: sk}]
		ok, err := filter.Match(it.Data)
		if err != nil {
			return docstore.Page{}, err
		}
		if ok {
			page.Items = append(page.Items, *clone(it))
		}
		if len(page.Items) == s.pageSize {
			page.NextPageToken = sk
			break
		}
	}
	return page, nil
}

func (s *Store) ShutDown(ctx context.Context) {}

func (s *Store) lookup(key docstore.Key) *docstore.Item {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	return &it
}

func clone(it docstore.Item) *docstore.Item {
	it.Data = slices.Clone(it.Data)
	return &it
}
