// Package storage provides the durable key-value store backing the session
// record, the pending-write record and other small client-side state. Values
// are opaque byte slices written wholesale; there is no partial update.
package storage

import "errors"

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// KV is a durable key-value store with whole-value semantics. Writers always
// overwrite, never patch, so no cross-process locking is needed per key.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}
