package cache

import (
	"io"

	"golang.org/x/xerrors"
)

// NilBlobStore stores nothing. It stands in for the disk tier when no storage is available.
type NilBlobStore struct {
}

// NewNilBlobStore creates a new NilBlobStore
func NewNilBlobStore() *NilBlobStore {
	return &NilBlobStore{}
}

// Release releases all resources
func (store *NilBlobStore) Release() {
}

// GetSizeCap returns 0
func (store *NilBlobStore) GetSizeCap() int64 {
	return 0
}

// GetTotalSize returns 0
func (store *NilBlobStore) GetTotalSize() int64 {
	return 0
}

// GetTotalEntries returns 0
func (store *NilBlobStore) GetTotalEntries() int {
	return 0
}

// Get always misses
func (store *NilBlobStore) Get(key string) (io.ReadCloser, bool) {
	return nil, false
}

// BeginWrite always fails
func (store *NilBlobStore) BeginWrite(key string) (BlobEditor, error) {
	return nil, xerrors.Errorf("failed to write %q using NilBlobStore", key)
}

// ContainsKey returns false
func (store *NilBlobStore) ContainsKey(key string) bool {
	return false
}

// Remove does nothing
func (store *NilBlobStore) Remove(key string) {
}

// Clear does nothing
func (store *NilBlobStore) Clear() {
}
