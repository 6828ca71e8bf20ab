package service

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// StorageRoot is the location and budget of the persistent cache
type StorageRoot interface {
	GetRootPath() string
	GetQuota() int64
	// IsAvailable reports false when the storage is missing, removed, or not writable
	IsAvailable() bool
}

// LocalStorageRoot is a StorageRoot on a local directory
type LocalStorageRoot struct {
	rootPath string
	quota    int64
}

// NewLocalStorageRoot creates a new LocalStorageRoot
func NewLocalStorageRoot(rootPath string, quota int64) *LocalStorageRoot {
	return &LocalStorageRoot{
		rootPath: rootPath,
		quota:    quota,
	}
}

// GetRootPath returns root path
func (root *LocalStorageRoot) GetRootPath() string {
	return root.rootPath
}

// GetQuota returns quota in bytes
func (root *LocalStorageRoot) GetQuota() int64 {
	return root.quota
}

// IsAvailable checks if the directory exists (creating it if needed) and is writable
func (root *LocalStorageRoot) IsAvailable() bool {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "LocalStorageRoot",
		"function": "IsAvailable",
	})

	if len(root.rootPath) == 0 || root.quota <= 0 {
		return false
	}

	err := os.MkdirAll(root.rootPath, 0777)
	if err != nil {
		logger.WithError(err).Warnf("failed to create storage root %s", root.rootPath)
		return false
	}

	probe, err := os.CreateTemp(root.rootPath, ".probe-")
	if err != nil {
		logger.WithError(err).Warnf("storage root %s is not writable", root.rootPath)
		return false
	}

	probe.Close()
	os.Remove(probe.Name())
	return true
}
