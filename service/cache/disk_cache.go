package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cyverse/thumbcache/commons"
	"github.com/cyverse/thumbcache/utils"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/natefinch/atomic"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	diskEntryMagic      string = "TCv1"
	diskEntryHeaderSize int    = 4 + 8 + 8
	diskTempFileInfix   string = ".tmp-"
)

// DiskCacheEntry is an index record of a committed entry file
type DiskCacheEntry struct {
	key      string
	size     int64
	filePath string
	accessed time.Time
}

// GetKey returns the key
func (entry *DiskCacheEntry) GetKey() string {
	return entry.key
}

// GetSize returns the file size including the header
func (entry *DiskCacheEntry) GetSize() int64 {
	return entry.size
}

// GetFilePath returns the path of the entry file
func (entry *DiskCacheEntry) GetFilePath() string {
	return entry.filePath
}

func (entry *DiskCacheEntry) deleteDataFile() error {
	err := os.Remove(entry.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// DiskCache is a persistent LRU of compressed bitmaps under a directory.
// Each entry is a file named by its key. Recency is kept in file modification
// times so the eviction order survives a restart.
type DiskCache struct {
	sizeCap   int64
	totalSize int64
	rootPath  string
	cache     *simplelru.LRU
	mutex     sync.Mutex
}

// OpenDiskCache opens (or creates) a disk cache under rootPath and rebuilds its index
func OpenDiskCache(rootPath string, sizeCap int64) (*DiskCache, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"function": "OpenDiskCache",
	})

	err := os.MkdirAll(rootPath, 0777)
	if err != nil {
		return nil, commons.NewDiskIOError(rootPath, err)
	}

	diskCache := &DiskCache{
		sizeCap:   sizeCap,
		totalSize: 0,
		rootPath:  rootPath,
		cache:     nil,
	}

	lruCache, err := simplelru.NewLRU(math.MaxInt32, diskCache.onEvicted)
	if err != nil {
		return nil, err
	}

	diskCache.cache = lruCache

	err = diskCache.rebuildIndex()
	if err != nil {
		return nil, err
	}

	logger.Infof("Opened disk cache at %s - %d entries, %d bytes", rootPath, diskCache.cache.Len(), diskCache.totalSize)
	return diskCache, nil
}

// rebuildIndex scans the root directory, drops leftovers of interrupted writes,
// and inserts committed entries from the least to the most recently used
func (cache *DiskCache) rebuildIndex() error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCache",
		"function": "rebuildIndex",
	})

	dirEntries, err := os.ReadDir(cache.rootPath)
	if err != nil {
		return commons.NewDiskIOError(cache.rootPath, err)
	}

	entries := []*DiskCacheEntry{}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}

		name := dirEntry.Name()
		filePath := utils.JoinPath(cache.rootPath, name)

		if strings.Contains(name, diskTempFileInfix) {
			logger.Debugf("removing incomplete write %s", filePath)
			os.Remove(filePath)
			continue
		}

		if !utils.IsValidCacheKey(name) {
			continue
		}

		info, err := dirEntry.Info()
		if err != nil {
			continue
		}

		entries = append(entries, &DiskCacheEntry{
			key:      name,
			size:     info.Size(),
			filePath: filePath,
			accessed: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i int, j int) bool {
		if entries[i].accessed.Equal(entries[j].accessed) {
			return entries[i].key < entries[j].key
		}
		return entries[i].accessed.Before(entries[j].accessed)
	})

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	for _, entry := range entries {
		cache.cache.Add(entry.key, entry)
		cache.totalSize += entry.size
	}

	cache.evictWithoutLock()
	return nil
}

// Release drops the in-memory index. Entry files stay on disk for the next open.
func (cache *DiskCache) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCache",
		"function": "Release",
	})

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	logger.Infof("Closing disk cache at %s", cache.rootPath)

	// replace rather than purge, purging deletes files
	lruCache, err := simplelru.NewLRU(math.MaxInt32, cache.onEvicted)
	if err == nil {
		cache.cache = lruCache
	}
	cache.totalSize = 0
}

// GetSizeCap returns the byte budget
func (cache *DiskCache) GetSizeCap() int64 {
	return cache.sizeCap
}

// GetRootPath returns the cache directory
func (cache *DiskCache) GetRootPath() string {
	return cache.rootPath
}

// GetTotalSize returns the sum of committed entry file sizes
func (cache *DiskCache) GetTotalSize() int64 {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.totalSize
}

// GetTotalEntries returns the number of committed entries
func (cache *DiskCache) GetTotalEntries() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.cache.Len()
}

// GetEntryKeys returns keys from the least to the most recently used
func (cache *DiskCache) GetEntryKeys() []string {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	keys := []string{}
	for _, key := range cache.cache.Keys() {
		if strkey, ok := key.(string); ok {
			keys = append(keys, strkey)
		}
	}
	return keys
}

// ContainsKey checks if a committed entry exists, without touching its recency
func (cache *DiskCache) ContainsKey(key string) bool {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.cache.Contains(key)
}

// Get returns the payload of the entry. Absent, partial, or corrupted entries are
// a miss; corrupted entries are deleted.
func (cache *DiskCache) Get(key string) (io.ReadCloser, bool) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCache",
		"function": "Get",
	})

	cache.mutex.Lock()
	value, ok := cache.cache.Get(key)
	if !ok {
		cache.mutex.Unlock()
		return nil, false
	}

	entry, ok := value.(*DiskCacheEntry)
	if !ok {
		cache.mutex.Unlock()
		return nil, false
	}

	// an open descriptor stays readable even if the entry is evicted meanwhile
	f, err := os.Open(entry.filePath)
	if err != nil {
		logger.WithError(err).Warnf("failed to open disk cache entry %s", entry.filePath)
		cache.cache.Remove(key)
		cache.mutex.Unlock()
		return nil, false
	}

	now := time.Now()
	entry.accessed = now
	err = os.Chtimes(entry.filePath, now, now)
	if err != nil {
		logger.WithError(err).Debugf("failed to refresh access time of %s", entry.filePath)
	}
	cache.mutex.Unlock()

	defer f.Close()

	payload, err := readDiskEntry(key, f)
	if err != nil {
		if commons.IsDiskCorruptionError(err) {
			logger.WithError(err).Warnf("deleting corrupted disk cache entry %s", entry.filePath)
			cache.removeEntry(entry)
		} else {
			logger.WithError(err).Warnf("failed to read disk cache entry %s", entry.filePath)
		}
		return nil, false
	}

	return io.NopCloser(bytes.NewReader(payload)), true
}

// BeginWrite starts a new write for the key
func (cache *DiskCache) BeginWrite(key string) (BlobEditor, error) {
	if !utils.IsValidCacheKey(key) {
		return nil, xerrors.Errorf("invalid disk cache key %q", key)
	}

	return newDiskCacheEditor(cache, key)
}

// Remove deletes the entry for the key
func (cache *DiskCache) Remove(key string) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	cache.cache.Remove(key)
}

// Clear deletes all entries
func (cache *DiskCache) Clear() {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCache",
		"function": "Clear",
	})

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	logger.Infof("Deleting all disk cache entries under %s", cache.rootPath)
	cache.cache.Purge()
	cache.totalSize = 0
}

// removeEntry removes the entry only if it is still the indexed one for its key
func (cache *DiskCache) removeEntry(entry *DiskCacheEntry) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if current, ok := cache.cache.Peek(entry.key); ok && current == entry {
		cache.cache.Remove(entry.key)
	}
}

// commitFile moves a finished temp file into place and indexes it
func (cache *DiskCache) commitFile(key string, tempPath string) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCache",
		"function": "commitFile",
	})

	filePath := utils.JoinPath(cache.rootPath, key)

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	err := atomic.ReplaceFile(tempPath, filePath)
	if err != nil {
		return commons.NewDiskIOError(filePath, err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return commons.NewDiskIOError(filePath, err)
	}

	// replacing an entry does not fire the eviction callback
	if old, ok := cache.cache.Peek(key); ok {
		if oldEntry, ok := old.(*DiskCacheEntry); ok {
			cache.totalSize -= oldEntry.size
		}
	}

	cache.cache.Add(key, &DiskCacheEntry{
		key:      key,
		size:     info.Size(),
		filePath: filePath,
		accessed: info.ModTime(),
	})
	cache.totalSize += info.Size()

	logger.Debugf("committed disk cache entry %s (%d bytes)", filePath, info.Size())

	cache.evictWithoutLock()
	return nil
}

func (cache *DiskCache) evictWithoutLock() {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCache",
		"function": "evictWithoutLock",
	})

	for cache.totalSize > cache.sizeCap && cache.cache.Len() > 0 {
		evictedKey, _, ok := cache.cache.RemoveOldest()
		if !ok {
			break
		}
		logger.Debugf("evicted disk cache entry %v", evictedKey)
	}
}

// onEvicted is called with the mutex held
func (cache *DiskCache) onEvicted(key interface{}, entry interface{}) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCache",
		"function": "onEvicted",
	})

	if cacheEntry, ok := entry.(*DiskCacheEntry); ok {
		cache.totalSize -= cacheEntry.size

		err := cacheEntry.deleteDataFile()
		if err != nil {
			logger.WithError(err).Warnf("failed to delete disk cache file %s", cacheEntry.filePath)
		}
	}
}

// makeDiskEntryHeader builds the header that precedes the payload in an entry file
func makeDiskEntryHeader(payloadSize uint64, checksum uint64) []byte {
	header := make([]byte, diskEntryHeaderSize)
	copy(header[0:4], diskEntryMagic)
	binary.BigEndian.PutUint64(header[4:12], payloadSize)
	binary.BigEndian.PutUint64(header[12:20], checksum)
	return header
}

// readDiskEntry reads and verifies an entry file, returning its payload
func readDiskEntry(key string, r io.Reader) ([]byte, error) {
	header := make([]byte, diskEntryHeaderSize)
	_, err := io.ReadFull(r, header)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, commons.NewDiskCorruptionError(key, "truncated header")
		}
		return nil, err
	}

	if string(header[0:4]) != diskEntryMagic {
		return nil, commons.NewDiskCorruptionError(key, "bad magic")
	}

	payloadSize := binary.BigEndian.Uint64(header[4:12])
	checksum := binary.BigEndian.Uint64(header[12:20])

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if uint64(len(payload)) != payloadSize {
		return nil, commons.NewDiskCorruptionError(key, "payload size mismatch")
	}

	if xxhash.Sum64(payload) != checksum {
		return nil, commons.NewDiskCorruptionError(key, "checksum mismatch")
	}

	return payload, nil
}
