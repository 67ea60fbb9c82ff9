// Package store defines the key/value persistence interface used by session state.
package store

import "errors"

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("store: key not found")

// Entry is one key/value pair returned by a prefix query.
type Entry struct {
	Key   string
	Value []byte
}

// Store persists opaque values under string keys.
//
// Keys are hierarchical by convention ("lastseen/alice", "pending/dave/...")
// so QueryPrefix can list one namespace.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	// QueryPrefix returns every entry whose key starts with prefix, ordered by key.
	QueryPrefix(prefix string) ([]Entry, error)
	Delete(key string) error
	Close() error
}
