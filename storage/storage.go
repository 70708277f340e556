// Package storage is the persistent key/value collaborator: namespaced,
// typed entries with the firmware's 15-character key limit. The runtime
// consumes it through the Store interface only; the SQLite implementation
// is the reference backend.
package storage

import (
	"errors"
	"fmt"
	"hash/fnv"
)

// MaxKeyLen is the longest key stored verbatim; longer keys are
// compressed to fit.
const MaxKeyLen = 15

var (
	// ErrNotFound indicates no entry exists for the namespace and key.
	ErrNotFound = errors.New("storage: not found")
	// ErrWrongType indicates the entry exists with a different type.
	ErrWrongType = errors.New("storage: wrong type")
)

// Store is the narrow contract the runtime depends on. Values are typed;
// reading an entry as a different type fails with ErrWrongType.
type Store interface {
	SetInt(ns, key string, v int64) error
	GetInt(ns, key string) (int64, error)
	SetFloat(ns, key string, v float64) error
	GetFloat(ns, key string) (float64, error)
	SetString(ns, key, v string) error
	GetString(ns, key string) (string, error)
	SetBool(ns, key string, v bool) error
	GetBool(ns, key string) (bool, error)
	SetBlob(ns, key string, v []byte) error
	GetBlob(ns, key string) ([]byte, error)

	Delete(ns, key string) error
	// Clear removes every entry in the namespace.
	Clear(ns string) error
	Close() error
}

// CompressKey shortens keys past MaxKeyLen: the first seven characters
// are kept for readability and the rest is replaced by a hash, so long
// generated names stay distinct while fitting the slot.
func CompressKey(key string) string {
	if len(key) <= MaxKeyLen {
		return key
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return fmt.Sprintf("%.7s%08x", key, h.Sum32())
}
