// Package mutex implements a named distributed lock on top of the conditional
// writes and strongly consistent reads of a docstore.Store.
//
// A lock is a single record {holder, token, timestamp} stored under the lock
// name. An attempt owns the lock only while the stored holder and token are
// the ones it wrote. Records older than the lock timeout are treated as
// abandoned and may be reclaimed by anyone.
package mutex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/orca/internal/docstore"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/util"
	"github.com/ssuji15/orca/model"
)

// Partition holds every lock record, keyed by lock name.
const Partition = "mutex"

const (
	DefaultLockTimeout = 60 * time.Second
	DefaultBackoff     = 500 * time.Millisecond

	abandonTimeout = 5 * time.Second
)

var (
	ErrLockTimeout = errors.New("mutex: gave up waiting for lock")
	ErrAlreadyHeld = errors.New("mutex: lock already held")
	ErrNotHeld     = errors.New("mutex: lock not held")
	ErrLockLost    = errors.New("mutex: lock was reclaimed by another holder")
)

// Observer is told about acquisitions and stale reclaims.
type Observer interface {
	LockAcquired(name string, waited time.Duration)
	LockReclaimed(name string)
}

type Option func(*Mutex)

// WithLockTimeout sets the age after which a lock record is considered abandoned.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Mutex) { m.lockTimeout = d }
}

// WithBackoff sets the fixed pause between acquisition attempts.
func WithBackoff(d time.Duration) Option {
	return func(m *Mutex) { m.backoff = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Mutex) { m.now = now }
}

func WithObserver(o Observer) Option {
	return func(m *Mutex) { m.observer = o }
}

// Mutex is one holder's handle on a named lock. A Mutex is not reentrant.
type Mutex struct {
	store       docstore.Store
	key         docstore.Key
	holder      string
	lockTimeout time.Duration
	backoff     time.Duration
	now         func() time.Time
	observer    Observer

	mu    sync.Mutex
	token string
}

func New(store docstore.Store, name, holder string, opts ...Option) *Mutex {
	m := &Mutex{
		store:       store,
		key:         docstore.Key{Partition: Partition, Sort: name},
		holder:      holder,
		lockTimeout: DefaultLockTimeout,
		backoff:     DefaultBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mutex) Name() string {
	return m.key.Sort
}

// Lock blocks until the lock is acquired or ctx ends, in which case it
// returns an error wrapping ErrLockTimeout. Store errors while acquiring are
// treated like a held lock and retried.
//
// All attempts of one call write the same token, so a write that landed
// while its read back failed is recognised by the next attempt. A call that
// gives up removes any record it may have left.
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyHeld, m.Name())
	}

	ctx, span := job_tracer.GetTracer().Start(ctx, "Mutex/Lock",
		trace.WithAttributes(attribute.String("lock", m.Name()), attribute.String("holder", m.holder)))
	defer span.End()

	log := logger.FromContext(ctx)
	start := m.now()
	token := uuid.NewString()
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			if attempts > 0 {
				m.abandon(ctx, token)
			}
			err = fmt.Errorf("%w: %s after %d attempts: %v", ErrLockTimeout, m.Name(), attempts, err)
			util.RecordSpanError(span, err)
			return err
		}
		attempts++

		acquired, stale, err := m.attempt(ctx, token)
		if err != nil {
			log.Debug().Err(err).Str("lock", m.Name()).Msg("lock attempt failed, retrying")
		}
		if acquired {
			m.token = token
			span.SetAttributes(attribute.Int("attempts", attempts))
			if m.observer != nil {
				m.observer.LockAcquired(m.Name(), m.now().Sub(start))
			}
			return nil
		}
		if stale != nil {
			m.reclaim(ctx, stale)
			continue
		}

		t := time.NewTimer(m.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// attempt writes a record if none exists and reads back whatever is stored.
// It reports whether the stored record is ours, or returns the stored record
// when it is stale.
func (m *Mutex) attempt(ctx context.Context, token string) (bool, *model.MutexRecord, error) {
	item, err := docstore.NewItem(m.key, model.MutexRecord{
		Holder:    m.holder,
		Token:     token,
		Timestamp: m.now().UTC(),
	})
	if err != nil {
		return false, nil, err
	}
	_, putErr := m.store.Put(ctx, item, &docstore.Condition{NotExists: true})
	if putErr != nil && !errors.Is(putErr, docstore.ErrConditionFailed) {
		return false, nil, putErr
	}

	stored, err := m.store.Get(ctx, m.key)
	if errors.Is(err, docstore.ErrNotFound) {
		// released between our put and the read back
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	var current model.MutexRecord
	if err := stored.Decode(&current); err != nil {
		return false, nil, err
	}
	if current.Holder == m.holder && current.Token == token {
		return true, nil, nil
	}
	if m.now().Sub(current.Timestamp) > m.lockTimeout {
		return false, &current, nil
	}
	return false, nil, nil
}

// reclaim deletes an abandoned record. Losing the race to another reclaimer
// is expected, so failures are only logged.
func (m *Mutex) reclaim(ctx context.Context, stale *model.MutexRecord) {
	err := m.store.Delete(ctx, m.key, &docstore.Condition{Equals: map[string]string{"token": stale.Token}})
	log := logger.FromContext(ctx)
	if err != nil {
		log.Debug().Err(err).Str("lock", m.Name()).Msg("stale lock reclaim lost")
		return
	}
	log.Warn().
		Str("lock", m.Name()).
		Str("stale_holder", stale.Holder).
		Time("stale_since", stale.Timestamp).
		Msg("reclaimed stale lock")
	if m.observer != nil {
		m.observer.LockReclaimed(m.Name())
	}
}

// abandon deletes the record of a given up call if its write landed after all.
func (m *Mutex) abandon(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()

	log := logger.FromContext(ctx)
	err := m.store.Delete(ctx, m.key, &docstore.Condition{Equals: map[string]string{
		"holder": m.holder,
		"token":  token,
	}})
	switch {
	case err == nil:
		log.Debug().Str("lock", m.Name()).Msg("removed lock record of abandoned acquisition")
	case errors.Is(err, docstore.ErrConditionFailed):
	default:
		log.Warn().Err(err).Str("lock", m.Name()).Msg("unable to remove lock record of abandoned acquisition")
	}
}

// Unlock deletes the lock record if it still carries this holder's token.
// It returns ErrLockLost when the record was reclaimed in the meantime.
func (m *Mutex) Unlock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return fmt.Errorf("%w: %s", ErrNotHeld, m.Name())
	}
	token := m.token
	m.token = ""

	ctx, span := job_tracer.GetTracer().Start(ctx, "Mutex/Unlock",
		trace.WithAttributes(attribute.String("lock", m.Name())))
	defer span.End()

	err := m.store.Delete(ctx, m.key, &docstore.Condition{Equals: map[string]string{
		"holder": m.holder,
		"token":  token,
	}})
	if errors.Is(err, docstore.ErrConditionFailed) {
		err = fmt.Errorf("%w: %s", ErrLockLost, m.Name())
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}
