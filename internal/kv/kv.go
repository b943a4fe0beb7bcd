// Package kv provides the shared key-value surface the mutation lock is
// built on: an atomic set-if-not-exists with store-enforced expiry.
package kv

import "context"

// Store is the minimal key-value contract the lock protocol needs. Key
// expiry is enforced by the backing store at the TTL the store was opened
// with, never by application timers, so a crashed holder cannot wedge a key
// forever.
type Store interface {
	// SetIfNotExists atomically creates key with value. Returns false if the
	// key already exists (and has not expired).
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)

	// Get returns the current value, or "" if the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
