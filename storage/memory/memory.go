// Package memory provides an in-process storage.Store backed by
// github.com/hashicorp/golang-lru/v2. The least recently used keys are
// evicted once the store holds maxItems entries.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/jsonrpc-stdio-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCleanupInterval is how often expired items are swept.
const DefaultCleanupInterval = time.Minute

// Option customizes a Store.
type Option func(*Store)

// WithCleanupInterval sets the expiry sweep interval. Zero disables the
// sweep; expired items are then only dropped when read.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) { s.cleanupInterval = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store implements storage.Store in memory.
type Store struct {
	// mu makes prefix scans in Clear atomic with respect to writers.
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.Item]

	now             func() time.Time
	cleanupInterval time.Duration

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

// New creates a Store holding at most maxItems entries.
func New(maxItems int, opts ...Option) (*Store, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("memory: create LRU cache: %w", err)
	}

	s := &Store{
		cache:           cache,
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	k := o.Namespace.Key(key)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, storage.ErrClosed
	}
	item, ok := s.cache.Get(k)
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if item.Expired(s.now()) {
		s.mu.Lock()
		// Only drop the entry if it was not replaced in the meantime.
		if cur, ok := s.cache.Peek(k); ok && cur == item {
			s.cache.Remove(k)
		}
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	}

	out := *item
	out.Value = append([]byte(nil), item.Value...)
	return &out, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts ...storage.Option) error {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return err
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	now := s.now()
	item := &storage.Item{
		Value:     append([]byte(nil), value...),
		CreatedAt: now,
	}
	if o.TTL > 0 {
		item.ExpiresAt = now.Add(o.TTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.cache.Add(o.Namespace.Key(key), item)
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string, opts ...storage.Option) error {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return err
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.cache.Remove(o.Namespace.Key(key))
	return nil
}

// Clear implements storage.Store. Nested namespaces are cleared with their
// parent: clearing a user also clears that user's sessions.
func (s *Store) Clear(ctx context.Context, opts ...storage.Option) error {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return err
	}
	prefix := o.Namespace.Prefix()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	// LRU has no prefix iteration; scan all keys.
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Len reports the number of entries, including expired ones not yet swept.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Close stops the sweep and drops all entries. It is idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done

		s.mu.Lock()
		s.closed = true
		s.cache.Purge()
		s.mu.Unlock()
	})
	return nil
}

func (s *Store) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes expired entries.
func (s *Store) sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.cache.Keys() {
		if item, ok := s.cache.Peek(k); ok && item.Expired(now) {
			s.cache.Remove(k)
		}
	}
}

var _ storage.Store = (*Store)(nil)
