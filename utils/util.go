package utils

import (
	"path/filepath"
	"strings"
)

// JoinPath joins a cache root and an entry name
func JoinPath(rootPath string, name string) string {
	return filepath.Join(rootPath, name)
}

// IsSafeRelativePath checks if the given path stays inside the directory it is joined to
func IsSafeRelativePath(path string) bool {
	if len(path) == 0 {
		return false
	}

	cleaned := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(cleaned) {
		return false
	}

	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}
