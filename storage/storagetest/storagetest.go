// Package storagetest is a conformance suite for storage.Store
// implementations.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/jsonrpc-stdio-go/storage"
)

// Factory returns a new, empty Store. The suite closes it when the subtest
// ends.
type Factory func(t *testing.T) storage.Store

// Run runs the complete Store test suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, open(t, factory)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t, factory)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, open(t, factory)) })
	t.Run("EmptyValue", func(t *testing.T) { testEmptyValue(t, open(t, factory)) })
	t.Run("ValueIsCopied", func(t *testing.T) { testValueIsCopied(t, open(t, factory)) })
	t.Run("InvalidInput", func(t *testing.T) { testInvalidInput(t, open(t, factory)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, open(t, factory)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, open(t, factory)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t, factory)) })
	t.Run("ClearSession", func(t *testing.T) { testClearSession(t, open(t, factory)) })
	t.Run("ClearUser", func(t *testing.T) { testClearUser(t, open(t, factory)) })
	t.Run("ClearWithGlobCharacters", func(t *testing.T) { testClearWithGlobCharacters(t, open(t, factory)) })
	t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, open(t, factory)) })
}

func open(t *testing.T, factory Factory) storage.Store {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustSet(t *testing.T, s storage.Store, key, value string, opts ...storage.Option) {
	t.Helper()
	if err := s.Set(testCtx(t), key, []byte(value), opts...); err != nil {
		t.Fatalf("Set(%q): %v", key, err)
	}
}

func expectValue(t *testing.T, s storage.Store, key, want string, opts ...storage.Option) {
	t.Helper()
	item, err := s.Get(testCtx(t), key, opts...)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if string(item.Value) != want {
		t.Fatalf("Get(%q) = %q, want %q", key, item.Value, want)
	}
}

func expectMissing(t *testing.T, s storage.Store, key string, opts ...storage.Option) {
	t.Helper()
	item, err := s.Get(testCtx(t), key, opts...)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get(%q): expected ErrNotFound, got item=%v err=%v", key, item, err)
	}
}

func testSetAndGet(t *testing.T, s storage.Store) {
	before := time.Now().Add(-time.Second)
	mustSet(t, s, "greeting", "hello")

	item, err := s.Get(testCtx(t), "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(item.Value) != "hello" {
		t.Fatalf("got %q", item.Value)
	}
	if item.CreatedAt.Before(before) {
		t.Fatalf("CreatedAt %v not set", item.CreatedAt)
	}
	if !item.ExpiresAt.IsZero() {
		t.Fatalf("expected no expiry, got %v", item.ExpiresAt)
	}
}

func testGetMissing(t *testing.T, s storage.Store) {
	expectMissing(t, s, "nope")
}

func testOverwrite(t *testing.T, s storage.Store) {
	mustSet(t, s, "k", "one")
	mustSet(t, s, "k", "two")
	expectValue(t, s, "k", "two")
}

func testEmptyValue(t *testing.T, s storage.Store) {
	mustSet(t, s, "empty", "")
	item, err := s.Get(testCtx(t), "empty")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(item.Value) != 0 {
		t.Fatalf("expected empty value, got %q", item.Value)
	}
}

func testValueIsCopied(t *testing.T, s storage.Store) {
	buf := []byte("original")
	if err := s.Set(testCtx(t), "k", buf); err != nil {
		t.Fatalf("Set: %v", err)
	}
	copy(buf, "mutated!")

	item, err := s.Get(testCtx(t), "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(item.Value, []byte("original")) {
		t.Fatalf("stored value changed with caller buffer: %q", item.Value)
	}
	item.Value[0] = 'X'
	expectValue(t, s, "k", "original")
}

func testInvalidInput(t *testing.T, s storage.Store) {
	ctx := testCtx(t)
	if err := s.Set(ctx, "", []byte("x")); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("Set empty key: expected ErrInvalidKey, got %v", err)
	}
	if _, err := s.Get(ctx, ""); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("Get empty key: expected ErrInvalidKey, got %v", err)
	}
	if err := s.Delete(ctx, ""); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("Delete empty key: expected ErrInvalidKey, got %v", err)
	}
	if err := s.Set(ctx, "k", []byte("x"), storage.WithTTL(-time.Second)); !errors.Is(err, storage.ErrInvalidTTL) {
		t.Fatalf("negative TTL: expected ErrInvalidTTL, got %v", err)
	}
}

func testTTL(t *testing.T, s storage.Store) {
	mustSet(t, s, "short", "v", storage.WithTTL(100*time.Millisecond))
	mustSet(t, s, "long", "v", storage.WithTTL(time.Hour))

	item, err := s.Get(testCtx(t), "short")
	if err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}
	if item.ExpiresAt.IsZero() {
		t.Fatal("expected ExpiresAt to be set")
	}

	time.Sleep(300 * time.Millisecond)

	expectMissing(t, s, "short")
	expectValue(t, s, "long", "v")
}

func testNamespaceIsolation(t *testing.T, s storage.Store) {
	mustSet(t, s, "k", "global")
	mustSet(t, s, "k", "alice", storage.WithUser("alice"))
	mustSet(t, s, "k", "alice-s1", storage.WithUserSession("alice", "s1"))
	mustSet(t, s, "k", "alice-s2", storage.WithUserSession("alice", "s2"))
	mustSet(t, s, "k", "bob-s1", storage.WithUserSession("bob", "s1"))

	expectValue(t, s, "k", "global")
	expectValue(t, s, "k", "alice", storage.WithUser("alice"))
	expectValue(t, s, "k", "alice-s1", storage.WithUserSession("alice", "s1"))
	expectValue(t, s, "k", "alice-s2", storage.WithUserSession("alice", "s2"))
	expectValue(t, s, "k", "bob-s1", storage.WithUserSession("bob", "s1"))
	expectMissing(t, s, "k", storage.WithUser("bob"))

	// Separators inside identifiers must not let namespaces overlap.
	mustSet(t, s, "k", "tricky", storage.WithUser("alice/session/s1"))
	expectValue(t, s, "k", "alice-s1", storage.WithUserSession("alice", "s1"))
}

func testDelete(t *testing.T, s storage.Store) {
	mustSet(t, s, "a", "1", storage.WithUser("u"))
	mustSet(t, s, "b", "2", storage.WithUser("u"))

	if err := s.Delete(testCtx(t), "a", storage.WithUser("u")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	expectMissing(t, s, "a", storage.WithUser("u"))
	expectValue(t, s, "b", "2", storage.WithUser("u"))

	if err := s.Delete(testCtx(t), "a", storage.WithUser("u")); err != nil {
		t.Fatalf("Delete missing key: %v", err)
	}
}

func testClearSession(t *testing.T, s storage.Store) {
	mustSet(t, s, "a", "1", storage.WithUserSession("u", "s1"))
	mustSet(t, s, "b", "2", storage.WithUserSession("u", "s1"))
	mustSet(t, s, "a", "3", storage.WithUserSession("u", "s2"))
	mustSet(t, s, "a", "4", storage.WithUser("u"))

	if err := s.Clear(testCtx(t), storage.WithUserSession("u", "s1")); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	expectMissing(t, s, "a", storage.WithUserSession("u", "s1"))
	expectMissing(t, s, "b", storage.WithUserSession("u", "s1"))
	expectValue(t, s, "a", "3", storage.WithUserSession("u", "s2"))
	expectValue(t, s, "a", "4", storage.WithUser("u"))
}

func testClearUser(t *testing.T, s storage.Store) {
	mustSet(t, s, "a", "1", storage.WithUser("u"))
	mustSet(t, s, "a", "2", storage.WithUserSession("u", "s1"))
	mustSet(t, s, "a", "3", storage.WithUser("other"))
	mustSet(t, s, "a", "4")

	if err := s.Clear(testCtx(t), storage.WithUser("u")); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	expectMissing(t, s, "a", storage.WithUser("u"))
	expectMissing(t, s, "a", storage.WithUserSession("u", "s1"))
	expectValue(t, s, "a", "3", storage.WithUser("other"))
	expectValue(t, s, "a", "4")
}

func testClearWithGlobCharacters(t *testing.T, s storage.Store) {
	mustSet(t, s, "k", "1", storage.WithUser("a*"))
	mustSet(t, s, "k", "2", storage.WithUser("abc"))
	mustSet(t, s, "k", "3", storage.WithUser("a?"))

	if err := s.Clear(testCtx(t), storage.WithUser("a*")); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	expectMissing(t, s, "k", storage.WithUser("a*"))
	expectValue(t, s, "k", "2", storage.WithUser("abc"))
	expectValue(t, s, "k", "3", storage.WithUser("a?"))
}

func testConcurrent(t *testing.T, s storage.Store) {
	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			opt := storage.WithUserSession("u", fmt.Sprintf("s%d", w))
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("k%d", i)
				want := fmt.Sprintf("%d-%d", w, i)
				if err := s.Set(ctx, key, []byte(want), opt); err != nil {
					errs <- err
					return
				}
				item, err := s.Get(ctx, key, opt)
				if err != nil {
					errs <- err
					return
				}
				if string(item.Value) != want {
					errs <- fmt.Errorf("worker %d: got %q, want %q", w, item.Value, want)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
