// Package trigger holds the on/off switch of a periodic task and the timer
// that fires it.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ssuji15/orca/internal/docstore"
	"github.com/ssuji15/orca/internal/service/logger"
)

// Partition holds one record per trigger, keyed by trigger name.
const Partition = "triggers"

type Trigger interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Enabled(ctx context.Context) (bool, error)
}

type record struct {
	Name         string    `json:"name"`
	Enabled      bool      `json:"enabled"`
	DateModified time.Time `json:"dateModified"`
}

// StoreTrigger keeps the flag in the document store so every process sees
// the same state. A trigger that was never written counts as enabled.
type StoreTrigger struct {
	store docstore.Store
	key   docstore.Key
}

func NewStoreTrigger(store docstore.Store, name string) *StoreTrigger {
	return &StoreTrigger{store: store, key: docstore.Key{Partition: Partition, Sort: name}}
}

func (t *StoreTrigger) Enable(ctx context.Context) error {
	return t.set(ctx, true)
}

func (t *StoreTrigger) Disable(ctx context.Context) error {
	return t.set(ctx, false)
}

func (t *StoreTrigger) set(ctx context.Context, enabled bool) error {
	it, err := docstore.NewItem(t.key, record{Name: t.key.Sort, Enabled: enabled, DateModified: time.Now().UTC()})
	if err != nil {
		return err
	}
	if _, err := t.store.Put(ctx, it, nil); err != nil {
		return fmt.Errorf("failed to update trigger %s: %w", t.key.Sort, err)
	}
	return nil
}

func (t *StoreTrigger) Enabled(ctx context.Context) (bool, error) {
	it, err := t.store.Get(ctx, t.key)
	if errors.Is(err, docstore.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read trigger %s: %w", t.key.Sort, err)
	}
	var rec record
	if err := it.Decode(&rec); err != nil {
		return false, err
	}
	return rec.Enabled, nil
}

// Schedule calls fn every interval while t is enabled, until ctx ends. When
// the flag cannot be read fn runs anyway.
func Schedule(ctx context.Context, t Trigger, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enabled, err := t.Enabled(ctx)
			if err != nil {
				logger.Log.Warn().Err(err).Msg("unable to read trigger state, running anyway")
				enabled = true
			}
			if !enabled {
				continue
			}
			if err := fn(ctx); err != nil {
				logger.Log.Error().Err(err).Msg("scheduled run failed")
			}
		}
	}
}
