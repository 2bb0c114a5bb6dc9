// Package storage defines a small namespaced key/value store used by the
// kv.* methods. Values are opaque bytes. Every operation is scoped to a
// Namespace so that data written by one stdio session is invisible to
// another.
//
// Backends live in subpackages: storage/memory keeps values in an LRU cache
// for the lifetime of the process and storage/redis persists them in Redis.
// storage/storagetest holds the conformance suite both must pass.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrInvalidTTL is returned for a negative TTL.
	ErrInvalidTTL = errors.New("storage: invalid ttl")
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("storage: closed")
)

// Store is a namespaced key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the item for key, or ErrNotFound.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, opts ...Option) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string, opts ...Option) error
	// Clear removes every key in the namespace selected by opts.
	Clear(ctx context.Context, opts ...Option) error
	// Close releases backend resources.
	Close() error
}

// Item is a stored value.
type Item struct {
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time // zero when the item never expires
}

// Expired reports whether the item has expired at now.
func (it *Item) Expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// Namespace scopes keys. The zero Namespace is the global namespace.
type Namespace struct {
	UserID    string
	SessionID string
}

// Prefix returns the key prefix for the namespace. Components are escaped so
// that distinct namespaces never share a prefix.
func (ns Namespace) Prefix() string {
	switch {
	case ns.UserID == "" && ns.SessionID == "":
		return "global/"
	case ns.SessionID == "":
		return "user/" + url.PathEscape(ns.UserID) + "/"
	default:
		return "user/" + url.PathEscape(ns.UserID) + "/session/" + url.PathEscape(ns.SessionID) + "/"
	}
}

// Key returns the namespaced form of key.
func (ns Namespace) Key(key string) string {
	return ns.Prefix() + "key/" + key
}

// Options holds the per-call settings built from Option values.
type Options struct {
	Namespace Namespace
	TTL       time.Duration // zero means no expiry
}

// Option configures a storage operation.
type Option func(*Options)

// WithUser scopes the operation to a user.
func WithUser(userID string) Option {
	return func(o *Options) { o.Namespace = Namespace{UserID: userID} }
}

// WithUserSession scopes the operation to one session of a user.
func WithUserSession(userID, sessionID string) Option {
	return func(o *Options) { o.Namespace = Namespace{UserID: userID, SessionID: sessionID} }
}

// WithTTL makes a Set expire after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

// ApplyOptions folds opts into an Options value and validates it.
func ApplyOptions(opts ...Option) (Options, error) {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.TTL < 0 {
		return o, fmt.Errorf("%w: %s", ErrInvalidTTL, o.TTL)
	}
	return o, nil
}

// ValidateKey rejects keys no backend can store.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	return nil
}
