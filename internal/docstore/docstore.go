package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrNotFound        = errors.New("docstore: item not found")
	ErrConditionFailed = errors.New("docstore: condition failed")
)

// Store is a document store with conditional writes and strongly consistent
// reads. Every adapter in this tree satisfies the same contract.
type Store interface {
	Get(ctx context.Context, key Key) (*Item, error)
	Put(ctx context.Context, item Item, cond *Condition) (*Item, error)
	Delete(ctx context.Context, key Key, cond *Condition) error
	Query(ctx context.Context, partition string, filter Filter, pageToken string) (Page, error)
	ShutDown(ctx context.Context)
}

type Key struct {
	Partition string
	Sort      string
}

func (k Key) String() string {
	return k.Partition + "/" + k.Sort
}

func (k Key) Validate() error {
	if k.Partition == "" || k.Sort == "" {
		return fmt.Errorf("docstore: invalid key %q", k.String())
	}
	return nil
}

// Item holds a JSON document and the store revision it was read at.
type Item struct {
	Key      Key
	Data     []byte
	Revision uint64
}

func (i *Item) Decode(out any) error {
	if err := json.Unmarshal(i.Data, out); err != nil {
		return fmt.Errorf("docstore: decode %s: %w", i.Key, err)
	}
	return nil
}

func NewItem(key Key, doc any) (Item, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return Item{}, fmt.Errorf("docstore: encode %s: %w", key, err)
	}
	return Item{Key: key, Data: b}, nil
}

// Condition guards a write against the currently stored item.
// NotExists requires that no item is stored under the key.
// Equals requires that the stored document has the given top-level string fields.
type Condition struct {
	NotExists bool
	Equals    map[string]string
}

// Check evaluates the condition against existing, which is nil when no item
// is stored. It returns ErrConditionFailed when the condition does not hold.
func (c *Condition) Check(existing *Item) error {
	if c == nil {
		return nil
	}
	if c.NotExists {
		if existing != nil {
			return ErrConditionFailed
		}
		return nil
	}
	if len(c.Equals) == 0 {
		return nil
	}
	if existing == nil {
		return ErrConditionFailed
	}
	fields, err := topLevelFields(existing.Data)
	if err != nil {
		return err
	}
	for k, want := range c.Equals {
		if fields[k] != want {
			return ErrConditionFailed
		}
	}
	return nil
}

// Filter selects documents whose top-level Field is one of In. A zero Filter
// matches everything.
type Filter struct {
	Field string
	In    []string
}

func (f Filter) IsZero() bool {
	return f.Field == ""
}

func (f Filter) Match(data []byte) (bool, error) {
	if f.IsZero() {
		return true, nil
	}
	fields, err := topLevelFields(data)
	if err != nil {
		return false, err
	}
	v, ok := fields[f.Field]
	if !ok {
		return false, nil
	}
	return slices.Contains(f.In, v), nil
}

type Page struct {
	Items         []Item
	NextPageToken string
}

func topLevelFields(data []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("docstore: decode document: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out, nil
}
