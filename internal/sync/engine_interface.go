// Package sync exchanges local collections with a remote document store.
package sync

import (
	"context"
)

// DocumentStore holds one JSON document per container.
// Upload replaces the document; it never merges or appends.
type DocumentStore interface {
	// Create stores doc in a new container and returns the container id.
	Create(ctx context.Context, doc []byte) (string, error)

	// Upload replaces the document of an existing container.
	Upload(ctx context.Context, containerID string, doc []byte) error

	// Download returns the current document of a container.
	Download(ctx context.Context, containerID string) ([]byte, error)
}

// Drainer uploads pending local changes.
// This interface allows for mocking in schedulers and tests.
type Drainer interface {
	Drain(ctx context.Context) (*DrainResult, error)
}

// CloudSyncer pulls newer remote data into local storage.
type CloudSyncer interface {
	SyncFromCloud(ctx context.Context) (*MergeResult, error)
}
