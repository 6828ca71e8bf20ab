package cache

import (
	"fmt"
	"hash"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cyverse/thumbcache/commons"
	"github.com/cyverse/thumbcache/utils"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

var (
	errEditorClosed = xerrors.New("disk cache editor is already committed or aborted")
)

// DiskCacheEditor writes one entry into a temp file next to its final location.
// Commit publishes it with an atomic rename; Abort removes the temp file.
type DiskCacheEditor struct {
	cache       *DiskCache
	key         string
	tempPath    string
	file        *os.File
	digest      hash.Hash64
	payloadSize int64
	lastError   error
	closed      bool
	mutex       sync.Mutex
}

func newDiskCacheEditor(cache *DiskCache, key string) (*DiskCacheEditor, error) {
	tempPath := utils.JoinPath(cache.GetRootPath(), fmt.Sprintf("%s%s%s", key, diskTempFileInfix, xid.New().String()))

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, commons.NewDiskIOError(tempPath, err)
	}

	// header is rewritten on commit once the checksum is known
	_, err = f.Write(make([]byte, diskEntryHeaderSize))
	if err != nil {
		f.Close()
		os.Remove(tempPath)
		return nil, commons.NewDiskIOError(tempPath, err)
	}

	return &DiskCacheEditor{
		cache:       cache,
		key:         key,
		tempPath:    tempPath,
		file:        f,
		digest:      xxhash.New(),
		payloadSize: 0,
		lastError:   nil,
		closed:      false,
	}, nil
}

// GetKey returns the key being written
func (editor *DiskCacheEditor) GetKey() string {
	return editor.key
}

// Write appends payload bytes. After the first failure every call returns the same error.
func (editor *DiskCacheEditor) Write(p []byte) (int, error) {
	editor.mutex.Lock()
	defer editor.mutex.Unlock()

	if editor.closed {
		return 0, errEditorClosed
	}

	if editor.lastError != nil {
		return 0, editor.lastError
	}

	n, err := editor.file.Write(p)
	editor.digest.Write(p[:n])
	editor.payloadSize += int64(n)
	if err != nil {
		editor.lastError = commons.NewDiskIOError(editor.tempPath, err)
		return n, editor.lastError
	}

	return n, nil
}

// Commit flushes the entry to stable storage and publishes it.
// On failure the edit is aborted and the prior entry, if any, is kept.
func (editor *DiskCacheEditor) Commit() error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheEditor",
		"function": "Commit",
	})

	editor.mutex.Lock()
	defer editor.mutex.Unlock()

	if editor.closed {
		return errEditorClosed
	}

	if editor.lastError != nil {
		editor.abortWithoutLock()
		return editor.lastError
	}

	err := editor.finishFile()
	if err != nil {
		logger.WithError(err).Warnf("failed to finish disk cache entry %s", editor.key)
		editor.abortWithoutLock()
		return err
	}

	editor.closed = true

	err = editor.cache.commitFile(editor.key, editor.tempPath)
	if err != nil {
		logger.WithError(err).Warnf("failed to commit disk cache entry %s", editor.key)
		os.Remove(editor.tempPath)
		return err
	}

	return nil
}

// finishFile writes the header, syncs, and closes the temp file
func (editor *DiskCacheEditor) finishFile() error {
	header := makeDiskEntryHeader(uint64(editor.payloadSize), editor.digest.Sum64())

	_, err := editor.file.WriteAt(header, 0)
	if err != nil {
		return commons.NewDiskIOError(editor.tempPath, err)
	}

	err = editor.file.Sync()
	if err != nil {
		return commons.NewDiskIOError(editor.tempPath, err)
	}

	err = editor.file.Close()
	editor.file = nil
	if err != nil {
		return commons.NewDiskIOError(editor.tempPath, err)
	}

	return nil
}

// Abort discards the write. It is safe to call after Commit.
func (editor *DiskCacheEditor) Abort() {
	editor.mutex.Lock()
	defer editor.mutex.Unlock()

	if editor.closed {
		return
	}

	editor.abortWithoutLock()
}

func (editor *DiskCacheEditor) abortWithoutLock() {
	editor.closed = true

	if editor.file != nil {
		editor.file.Close()
		editor.file = nil
	}

	os.Remove(editor.tempPath)
}
