// Package blob abstracts the object store that holds extraction
// results and page snapshots. The default implementation writes to the
// local filesystem; the interface is the contract a remote object
// store client would satisfy.
package blob

import "context"

// Store persists opaque blobs under caller-chosen keys.
type Store interface {
	// Put writes data under key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the blob stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob under key. Deleting a missing key is
	// not an error.
	Delete(ctx context.Context, key string) error
}
