package cache

import (
	"io"
)

// BlobEditor is an in-progress write of a single entry.
// Nothing becomes visible to readers until Commit succeeds.
type BlobEditor interface {
	io.Writer

	GetKey() string
	// Commit publishes the entry atomically, replacing any prior entry for the key
	Commit() error
	// Abort discards the write; a prior entry for the key is left untouched
	Abort()
}

// BlobStore is a persistent, size-bounded key to bytes store
type BlobStore interface {
	Release()

	GetSizeCap() int64
	GetTotalSize() int64
	GetTotalEntries() int

	Get(key string) (io.ReadCloser, bool)
	BeginWrite(key string) (BlobEditor, error)
	ContainsKey(key string) bool
	Remove(key string)
	Clear()
}
